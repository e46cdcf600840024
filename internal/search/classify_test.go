package search

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/stretchr/testify/assert"

	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

func response(status int, body string) *esapi.Response {
	return &esapi.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   serviceerr.Class
	}{
		{404, serviceerr.ClassNotFound},
		{400, serviceerr.ClassDataError},
		{401, serviceerr.ClassFatal},
		{403, serviceerr.ClassFatal},
		{429, serviceerr.ClassResourceLocked},
		{408, serviceerr.ClassConnectionStale},
		{500, serviceerr.ClassConnectionStale},
		{502, serviceerr.ClassConnectionStale},
		{503, serviceerr.ClassConnectionStale},
		{504, serviceerr.ClassConnectionStale},
		{418, serviceerr.ClassFatal}, // unmapped
	}

	for _, tc := range cases {
		err := classifyStatus("search.search", response(tc.status, `{"error":"x"}`))
		assert.Equal(t, tc.want, serviceerr.ClassOf(err), "status %d", tc.status)
	}
}

func TestClassifyStatus_KeepsResponseBody(t *testing.T) {
	err := classifyStatus("search.search", response(400, `{"error":"parsing_exception"}`))
	assert.Contains(t, err.Error(), "parsing_exception")
}

func TestClassifyTransport(t *testing.T) {
	err := classifyTransport("search.search", io.ErrUnexpectedEOF)
	assert.Equal(t, serviceerr.ClassConnectionStale, serviceerr.ClassOf(err))

	assert.ErrorIs(t, classifyTransport("search.search", context.Canceled), context.Canceled)
	assert.ErrorIs(t, classifyTransport("search.search", context.DeadlineExceeded), context.DeadlineExceeded)
}
