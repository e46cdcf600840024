package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/brokerfeed/serviceclients/internal/redisconn"
	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Client is a Redis key/value cache with separate read and write
// lanes, so reads can target a replica while writes hit the primary.
// Not safe for concurrent use; run one per worker.
type Client struct {
	cfg       *config.CacheConfig
	readLane  *resilience.Lane
	writeLane *resilience.Lane
	exec      *resilience.Executor
	policy    resilience.Policy
}

// New creates a cache client.
func New(cfg *config.CacheConfig) (*Client, error) {
	if cfg == nil {
		return nil, serviceerr.Fatal("cache.new", "cache configuration is required")
	}

	readConn := &redisconn.Connector{Opts: redisconn.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.ReadHost, cfg.ReadPort),
		Password: cfg.Password,
		DB:       cfg.DB,
	}}
	writeConn := &redisconn.Connector{Opts: redisconn.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.WriteHost, cfg.WritePort),
		Password: cfg.Password,
		DB:       cfg.DB,
	}}

	return &Client{
		cfg:       cfg,
		readLane:  resilience.NewLane("cache", "read", readConn, cfg.ConnRetries),
		writeLane: resilience.NewLane("cache", "write", writeConn, cfg.ConnRetries),
		exec:      resilience.NewExecutor(),
		policy: resilience.Policy{
			MaxAttempts: cfg.ConnRetries,
			Backoff:     cfg.ReconnectSleep,
		},
	}, nil
}

// SetLockHook installs the hook run before every contention retry.
// The default is a no-op.
func (c *Client) SetLockHook(hook func()) {
	c.policy.OnLocked = hook
}

// Get returns the value for key. A miss is (value "", found false, nil
// error), never an error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	op := "cache.get"

	var value string
	err := c.exec.Execute(ctx, op, c.readLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		v, err := h.(*redisconn.Handle).Client.Get(ctx, key).Result()
		if err != nil {
			return redisconn.Classify(op, err)
		}
		value = v
		return nil
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Set stores a value with the given ttl; ttl zero means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	op := "cache.set"

	return c.exec.Execute(ctx, op, c.writeLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		if err := h.(*redisconn.Handle).Client.Set(ctx, key, value, ttl).Err(); err != nil {
			return redisconn.Classify(op, err)
		}
		return nil
	})
}

// Delete removes keys and returns how many existed. Deleting absent
// keys is success with a zero count.
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	op := "cache.delete"

	var removed int64
	err := c.exec.Execute(ctx, op, c.writeLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		n, err := h.(*redisconn.Handle).Client.Del(ctx, keys...).Result()
		if err != nil {
			return redisconn.Classify(op, err)
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Expire sets a ttl on an existing key; false means the key is absent.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	op := "cache.expire"

	var ok bool
	err := c.exec.Execute(ctx, op, c.writeLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		v, err := h.(*redisconn.Handle).Client.Expire(ctx, key, ttl).Result()
		if err != nil {
			return redisconn.Classify(op, err)
		}
		ok = v
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Incr increments a counter key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	op := "cache.incr"

	var value int64
	err := c.exec.Execute(ctx, op, c.writeLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		v, err := h.(*redisconn.Handle).Client.Incr(ctx, key).Result()
		if err != nil {
			return redisconn.Classify(op, err)
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Close releases both lanes.
func (c *Client) Close() error {
	readErr := c.readLane.Close()
	writeErr := c.writeLane.Close()
	if readErr != nil {
		return readErr
	}
	return writeErr
}
