package serviceerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf_ClassifiedError(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{Fatal("database.connect", "bad credentials"), ClassFatal},
		{Stale("queue.receive", "socket reset"), ClassConnectionStale},
		{Locked("database.write", "lock wait timeout"), ClassResourceLocked},
		{Data("search.search", "bad query"), ClassDataError},
		{NotFound("cache.get", "key"), ClassNotFound},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassOf(tc.err))
	}
}

func TestClassOf_WrappedError(t *testing.T) {
	inner := Locked("database.write", "deadlock")
	wrapped := fmt.Errorf("running batch: %w", inner)

	assert.Equal(t, ClassResourceLocked, ClassOf(wrapped))
	assert.True(t, Is(wrapped, ClassResourceLocked))
	assert.False(t, Is(wrapped, ClassConnectionStale))
}

func TestClassOf_UnclassifiedErrorIsFatal(t *testing.T) {
	assert.Equal(t, ClassFatal, ClassOf(errors.New("driver exploded")))
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Stale("database.connect", "connect failed on read lane").WithCause(cause)

	assert.Contains(t, err.Error(), "database.connect")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestNotFound_Message(t *testing.T) {
	err := NotFound("objectstore.read", "key")
	assert.Contains(t, err.Error(), "key not found")
}

func TestRetriesExceeded_WrapsLastError(t *testing.T) {
	last := Locked("database.write", "deadlock")
	err := RetriesExceeded("database.write", 101, last)

	require.True(t, IsRetriesExceeded(err))
	assert.Contains(t, err.Error(), "retries exceeded after 101 attempts")

	// The final classified failure stays reachable through the chain.
	assert.True(t, Is(err, ClassResourceLocked))
}

func TestIsRetriesExceeded_OtherErrors(t *testing.T) {
	assert.False(t, IsRetriesExceeded(errors.New("nope")))
	assert.False(t, IsRetriesExceeded(Fatal("x", "y")))
	assert.False(t, IsRetriesExceeded(nil))
}
