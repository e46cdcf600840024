package objectstore

import (
	"bytes"
	"context"
	"os"
	"path"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Client reads and writes byte payloads under string keys in one
// bucket. Reads retry on any transient failure via full reconnect;
// Remove is destructive and deliberately not retried.
// Not safe for concurrent use; run one per worker.
type Client struct {
	cfg    *config.ObjectStoreConfig
	lane   *resilience.Lane
	exec   *resilience.Executor
	policy resilience.Policy
	logger *logging.Logger
}

// WriteResult reports a completed write and whether the key was newly
// created rather than overwritten.
type WriteResult struct {
	Key   string
	IsNew bool
}

// New creates an object store client for the configured bucket.
func New(cfg *config.ObjectStoreConfig) (*Client, error) {
	if cfg == nil {
		return nil, serviceerr.Fatal("objectstore.new", "object store configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, serviceerr.Fatal("objectstore.new", "bucket name is required")
	}

	return &Client{
		cfg:  cfg,
		lane: resilience.NewLane("objectstore", "main", &connector{cfg: cfg}, cfg.ConnRetries),
		exec: resilience.NewExecutor(),
		policy: resilience.Policy{
			MaxAttempts: cfg.ReadRetries,
			Backoff:     cfg.ReconnectSleep,
		},
		logger: logging.GetLogger(),
	}, nil
}

// SetLockHook installs the hook run before every contention retry.
// The default is a no-op.
func (c *Client) SetLockHook(hook func()) {
	c.policy.OnLocked = hook
}

// Read returns the full contents of a key. A missing key is
// (nil, false, nil), never an error.
func (c *Client) Read(ctx context.Context, key string) ([]byte, bool, error) {
	op := "objectstore.read"

	var contents []byte
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		data, err := h.(*handle).client.DownloadFile(c.cfg.Bucket, key)
		if err != nil {
			return classify(op, err)
		}
		contents = data
		return nil
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return contents, true, nil
}

// Write stores content under key, overwriting any previous value, and
// reports whether the key was newly created.
func (c *Client) Write(ctx context.Context, key string, content []byte) (*WriteResult, error) {
	op := "objectstore.write"

	var result *WriteResult
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		st := h.(*handle).client

		existed, err := exists(st, c.cfg.Bucket, key)
		if err != nil {
			return classify(op, err)
		}

		upsert := true
		if _, err := st.UploadFile(c.cfg.Bucket, key, bytes.NewReader(content), storage_go.FileOptions{
			Upsert: &upsert,
		}); err != nil {
			return classify(op, err)
		}

		result = &WriteResult{Key: key, IsNew: !existed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Upload stores the contents of a local file under key.
func (c *Client) Upload(ctx context.Context, key, origin string) error {
	content, err := os.ReadFile(origin)
	if err != nil {
		return serviceerr.Data("objectstore.upload", "cannot read origin file").WithCause(err)
	}
	_, err = c.Write(ctx, key, content)
	return err
}

// Download fetches a key into a local file. A missing key is an
// error here: the caller asked for a specific file that should exist.
func (c *Client) Download(ctx context.Context, key, destination string) error {
	op := "objectstore.download"

	content, found, err := c.Read(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return serviceerr.NotFound(op, "key "+key)
	}
	if err := os.WriteFile(destination, content, 0644); err != nil {
		return serviceerr.Data(op, "cannot write destination file").WithCause(err)
	}
	return nil
}

// Exists reports whether a key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	op := "objectstore.exists"

	var found bool
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		ok, err := exists(h.(*handle).client, c.cfg.Bucket, key)
		if err != nil {
			return classify(op, err)
		}
		found = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Remove deletes keys from the bucket. Destructive and not retried;
// the backend treats deletion as idempotent, so removing absent keys
// is success.
func (c *Client) Remove(ctx context.Context, keys ...string) error {
	op := "objectstore.remove"
	c.logger.Warn("removing keys", "bucket", c.cfg.Bucket, "keys", keys)

	h, err := c.lane.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := h.(*handle).client.RemoveFile(c.cfg.Bucket, keys); err != nil {
		classified := classify(op, err)
		if serviceerr.Is(classified, serviceerr.ClassNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.lane.Close()
}

// exists checks for a key by listing its parent folder; the storage
// API has no cheap head call in this client.
func exists(st *storage_go.Client, bucket, key string) (bool, error) {
	dir, name := path.Split(key)
	files, err := st.ListFiles(bucket, dir, storage_go.FileSearchOptions{})
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}
