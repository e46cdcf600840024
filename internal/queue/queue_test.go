package queue

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

func testConfig() *config.QueueConfig {
	return &config.QueueConfig{
		// Port 1 is never a Redis server; dials fail fast.
		Host:           "localhost",
		Port:           1,
		Name:           "feed",
		LongPollWait:   time.Second,
		Visibility:     14 * time.Second,
		ConnRetries:    1,
		ReconnectSleep: time.Millisecond,
	}
}

// testQueue runs a client against an in-process Redis.
func testQueue(t *testing.T, visibility time.Duration) (*Client, *miniredis.Miniredis) {
	t.Helper()

	m := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(m.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := New(&config.QueueConfig{
		Host:           host,
		Port:           port,
		Name:           "feed",
		LongPollWait:   time.Second,
		Visibility:     visibility,
		ConnRetries:    2,
		ReconnectSleep: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, m
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, serviceerr.Is(err, serviceerr.ClassFatal))
}

func TestNew_LongPollBound(t *testing.T) {
	cfg := testConfig()
	cfg.LongPollWait = 21 * time.Second

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20 seconds")
}

func TestKeys(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	assert.Equal(t, "queue:feed:ready", c.readyKey())
	assert.Equal(t, "queue:feed:pending", c.pendingKey())
	assert.Equal(t, "queue:feed:processing", c.processingKey())
	assert.Equal(t, "queue:feed:msg:abc", c.payloadKey("abc"))
}

func TestSendReceiveDelete_RoundTrip(t *testing.T) {
	c, _ := testQueue(t, time.Hour)
	ctx := context.Background()

	id, err := c.Send(ctx, `{"key":"drops/a.csv","source":"broker-a"}`)
	require.NoError(t, err)

	msgs, err := c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, `{"key":"drops/a.csv","source":"broker-a"}`, msgs[0].Body)

	require.NoError(t, c.Delete(ctx, msgs[0]))

	// Deleted messages are gone for good: nothing left to reap.
	moved, err := c.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestReceive_EmptyQueue(t *testing.T) {
	c, _ := testQueue(t, time.Hour)

	msgs, err := c.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReceive_DrainsUpToMax(t *testing.T) {
	c, _ := testQueue(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, "body")
		require.NoError(t, err)
	}

	msgs, err := c.Receive(ctx, 2, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = c.Receive(ctx, 2, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReceive_LeavesNoIdInLimbo(t *testing.T) {
	// Every received id must be claimed in the processing set (the
	// pending list drained), so a failure at any point is recoverable.
	c, m := testQueue(t, time.Hour)
	ctx := context.Background()

	_, err := c.Send(ctx, "body")
	require.NoError(t, err)

	msgs, err := c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending, _ := m.List(c.pendingKey())
	assert.Empty(t, pending, "claimed ids must not linger in pending")
	ready, _ := m.List(c.readyKey())
	assert.Empty(t, ready)
}

func TestReapExpired_RedeliversAfterVisibilityDeadline(t *testing.T) {
	c, _ := testQueue(t, 0) // deadline passes immediately
	ctx := context.Background()

	id, err := c.Send(ctx, "body")
	require.NoError(t, err)

	msgs, err := c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	moved, err := c.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	msgs, err = c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID, "unacknowledged message is redelivered")
}

func TestReapExpired_RecoversOrphanedPendingIds(t *testing.T) {
	// A worker that dies between popping an id and claiming it leaves
	// the id in the pending list; the reaper returns it for redelivery
	// instead of losing it.
	c, m := testQueue(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.Set(c.payloadKey("orphan"), "body"))
	_, err := m.Lpush(c.pendingKey(), "orphan")
	require.NoError(t, err)

	moved, err := c.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	msgs, err := c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "orphan", msgs[0].ID)
}

func TestReceive_MissingPayloadDropsClaim(t *testing.T) {
	c, m := testQueue(t, 0)
	ctx := context.Background()

	id, err := c.Send(ctx, "body")
	require.NoError(t, err)
	m.Del(c.payloadKey(id))

	msgs, err := c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The dead id must not be redelivered forever.
	moved, err := c.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestDelete_Idempotent(t *testing.T) {
	c, _ := testQueue(t, time.Hour)
	ctx := context.Background()

	msg := Message{ID: "gone", Receipt: "gone"}
	require.NoError(t, c.Delete(ctx, msg))
	require.NoError(t, c.Delete(ctx, msg))
}

func TestParse_ValidBody(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	msg := Message{ID: "1", Body: `{"key":"drops/2026-08-23.csv","source":"broker-a","size":1024}`}
	n, err := c.Parse(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "drops/2026-08-23.csv", n.Key)
	assert.Equal(t, "broker-a", n.Source)
	assert.Equal(t, int64(1024), n.Size)
}

func TestParse_MalformedBodyDeletesExactlyOnce(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	deletes := 0
	c.deleter = func(ctx context.Context, msg Message) error {
		deletes++
		return nil
	}

	msg := Message{ID: "1", Body: `{"key": oops`, Receipt: "1"}
	_, err = c.Parse(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, serviceerr.Is(err, serviceerr.ClassDataError))
	assert.Equal(t, 1, deletes, "one poison message, one delete")
}

func TestParse_MissingKeyDeletesExactlyOnce(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	deletes := 0
	c.deleter = func(ctx context.Context, msg Message) error {
		deletes++
		return nil
	}

	msg := Message{ID: "1", Body: `{"source":"broker-a"}`, Receipt: "1"}
	_, err = c.Parse(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, serviceerr.Is(err, serviceerr.ClassDataError))
	assert.Equal(t, 1, deletes)
}

func TestParse_ValidBodyNeverDeletes(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	deletes := 0
	c.deleter = func(ctx context.Context, msg Message) error {
		deletes++
		return nil
	}

	_, err = c.Parse(context.Background(), Message{ID: "1", Body: `{"key":"k","source":"s"}`})
	require.NoError(t, err)
	assert.Zero(t, deletes)
}

func TestParse_PoisonMessageRemovedFromQueue(t *testing.T) {
	c, _ := testQueue(t, 0)
	ctx := context.Background()

	_, err := c.Send(ctx, "not json at all")
	require.NoError(t, err)

	msgs, err := c.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = c.Parse(ctx, msgs[0])
	require.Error(t, err)

	// Deleted along the parse path: nothing to redeliver.
	moved, err := c.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}
