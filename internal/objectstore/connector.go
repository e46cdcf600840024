package objectstore

import (
	"context"
	"errors"
	"net"
	"strings"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// handle wraps one storage API session.
type handle struct {
	client *storage_go.Client
}

// Close is a no-op; the storage client holds no persistent socket of
// its own, the handle exists so stale sessions get rebuilt uniformly.
func (h *handle) Close() error {
	return nil
}

type connector struct {
	cfg *config.ObjectStoreConfig
}

// Connect builds a client and verifies the bucket is reachable, so a
// bad endpoint or missing bucket surfaces at dial time rather than on
// the first read.
func (cn *connector) Connect(ctx context.Context) (resilience.Handle, error) {
	client := storage_go.NewClient(cn.cfg.URL, cn.cfg.APIKey, nil)
	if _, err := client.GetBucket(cn.cfg.Bucket); err != nil {
		return nil, err
	}
	return &handle{client: client}, nil
}

// Alive re-checks the bucket. Probe failures report not-alive.
func (cn *connector) Alive(ctx context.Context, h resilience.Handle) bool {
	_, err := h.(*handle).client.GetBucket(cn.cfg.Bucket)
	return err == nil
}

// classify maps storage API failures onto the closed classification.
// The client reports most conditions as error text wrapping the HTTP
// status, so the table is substring-driven. Unknown failures classify
// stale: the original read path retried everything via reconnect.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return serviceerr.Stale(op, "network error").WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not_found"), strings.Contains(msg, "not found"),
		strings.Contains(msg, "404"):
		return serviceerr.NotFound(op, "key").WithCause(err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "jwt"), strings.Contains(msg, "403"), strings.Contains(msg, "401"):
		return serviceerr.Fatal(op, "authentication failed").WithCause(err)
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "400"):
		return serviceerr.Data(op, "bad request").WithCause(err)
	}
	return serviceerr.Stale(op, "storage request failed").WithCause(err)
}
