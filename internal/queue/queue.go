package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brokerfeed/serviceclients/internal/redisconn"
	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Client is a Redis-backed message queue with long-poll receive,
// visibility timeout and idempotent delete.
//
// Received messages move to a processing set scored by their
// visibility deadline; they are redelivered by ReapExpired unless
// deleted first. Not safe for concurrent use; run one per worker.
type Client struct {
	cfg    *config.QueueConfig
	lane   *resilience.Lane
	exec   *resilience.Executor
	policy resilience.Policy
	logger *logging.Logger

	// deleter acknowledges a poison message; Delete by default,
	// swappable in tests.
	deleter func(ctx context.Context, msg Message) error
}

// Message is one received queue message. Receipt identifies it for
// Delete and stays valid until the visibility deadline passes.
type Message struct {
	ID      string
	Body    string
	Receipt string
}

// New creates a queue client.
func New(cfg *config.QueueConfig) (*Client, error) {
	if cfg == nil {
		return nil, serviceerr.Fatal("queue.new", "queue configuration is required")
	}
	if cfg.LongPollWait > 20*time.Second {
		return nil, serviceerr.Fatal("queue.new", "long poll wait must not exceed 20 seconds")
	}

	conn := &redisconn.Connector{Opts: redisconn.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		// Reads must sit through a full long poll plus slack.
		ReadTimeout: cfg.LongPollWait + 5*time.Second,
	}}

	c := &Client{
		cfg:  cfg,
		lane: resilience.NewLane("queue", "main", conn, cfg.ConnRetries),
		exec: resilience.NewExecutor(),
		policy: resilience.Policy{
			MaxAttempts: cfg.ConnRetries,
			Backoff:     cfg.ReconnectSleep,
		},
		logger: logging.GetLogger(),
	}
	c.deleter = c.Delete
	return c, nil
}

// SetLockHook installs the hook run before every contention retry.
// The default is a no-op.
func (c *Client) SetLockHook(hook func()) {
	c.policy.OnLocked = hook
}

func (c *Client) readyKey() string {
	return fmt.Sprintf("queue:%s:ready", c.cfg.Name)
}

func (c *Client) pendingKey() string {
	return fmt.Sprintf("queue:%s:pending", c.cfg.Name)
}

func (c *Client) processingKey() string {
	return fmt.Sprintf("queue:%s:processing", c.cfg.Name)
}

func (c *Client) payloadKey(id string) string {
	return fmt.Sprintf("queue:%s:msg:%s", c.cfg.Name, id)
}

// Send enqueues a message body and returns its id. Mostly a testing
// aid; production messages arrive from the upstream notifier.
func (c *Client) Send(ctx context.Context, body string) (string, error) {
	op := "queue.send"
	id := uuid.New().String()

	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		rdb := h.(*redisconn.Handle).Client
		if err := rdb.Set(ctx, c.payloadKey(id), body, 24*time.Hour).Err(); err != nil {
			return redisconn.Classify(op, err)
		}
		if err := rdb.LPush(ctx, c.readyKey(), id).Err(); err != nil {
			return redisconn.Classify(op, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Receive long-polls for up to max messages, blocking server-side up
// to wait for the first one. The wait is part of a single attempt; the
// retry loop only governs what happens after an attempt fails. An
// empty queue yields an empty slice, not an error.
//
// Every id leaves the ready list atomically into the pending list, so
// a failure at any point leaves it reachable by ReapExpired instead of
// lost; a retried attempt never silently drops already-popped ids.
func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	op := "queue.receive"
	if max <= 0 {
		max = 1
	}

	var messages []Message
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		rdb := h.(*redisconn.Handle).Client
		messages = messages[:0]

		deadline := time.Now().Add(c.cfg.Visibility)

		// Block for the first message only; drain the rest without
		// waiting so a single message is returned promptly.
		id, err := rdb.BRPopLPush(ctx, c.readyKey(), c.pendingKey(), wait).Result()
		if err != nil {
			return redisconn.Classify(op, err)
		}
		ids := []string{id}

		for len(ids) < max {
			id, err := rdb.RPopLPush(ctx, c.readyKey(), c.pendingKey()).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return redisconn.Classify(op, err)
			}
			ids = append(ids, id)
		}

		for _, id := range ids {
			// Claim before fetching: once the deadline is scored the id
			// survives any later failure via redelivery.
			if err := rdb.ZAdd(ctx, c.processingKey(), redis.Z{
				Score:  float64(deadline.Unix()),
				Member: id,
			}).Err(); err != nil {
				return redisconn.Classify(op, err)
			}
			if err := rdb.LRem(ctx, c.pendingKey(), 1, id).Err(); err != nil {
				return redisconn.Classify(op, err)
			}

			body, err := rdb.Get(ctx, c.payloadKey(id)).Result()
			if err == redis.Nil {
				// Payload expired underneath the id; drop the claim so
				// the dead id is not redelivered forever.
				c.logger.Warn("queue message payload missing", "id", id)
				if err := rdb.ZRem(ctx, c.processingKey(), id).Err(); err != nil {
					return redisconn.Classify(op, err)
				}
				continue
			}
			if err != nil {
				return redisconn.Classify(op, err)
			}
			messages = append(messages, Message{ID: id, Body: body, Receipt: id})
		}
		return nil
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return []Message{}, nil
		}
		return nil, err
	}
	return messages, nil
}

// Delete acknowledges a message. Deleting an already-deleted message
// is success, never an error.
func (c *Client) Delete(ctx context.Context, msg Message) error {
	op := "queue.delete"

	return c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		rdb := h.(*redisconn.Handle).Client
		if err := rdb.ZRem(ctx, c.processingKey(), msg.Receipt).Err(); err != nil {
			return redisconn.Classify(op, err)
		}
		if err := rdb.Del(ctx, c.payloadKey(msg.Receipt)).Err(); err != nil {
			return redisconn.Classify(op, err)
		}
		return nil
	})
}

// ReapExpired returns messages whose visibility deadline passed to the
// ready list for redelivery, and reports how many moved. It also
// recovers ids stranded in the pending list by a worker that died
// between popping and claiming; a reap racing a live mid-claim worker
// can redeliver such a message, which is the at-least-once trade.
func (c *Client) ReapExpired(ctx context.Context) (int, error) {
	op := "queue.reap"

	var moved int
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		rdb := h.(*redisconn.Handle).Client
		moved = 0

		now := strconv.FormatInt(time.Now().Unix(), 10)
		ids, err := rdb.ZRangeByScore(ctx, c.processingKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			return redisconn.Classify(op, err)
		}

		for _, id := range ids {
			removed, err := rdb.ZRem(ctx, c.processingKey(), id).Result()
			if err != nil {
				return redisconn.Classify(op, err)
			}
			if removed == 0 {
				continue // someone else already handled it
			}
			if err := rdb.LPush(ctx, c.readyKey(), id).Err(); err != nil {
				return redisconn.Classify(op, err)
			}
			moved++
		}

		for {
			_, err := rdb.RPopLPush(ctx, c.pendingKey(), c.readyKey()).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return redisconn.Classify(op, err)
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		c.logger.Info("requeued expired messages", "count", moved, "queue", c.cfg.Name)
	}
	return moved, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.lane.Close()
}
