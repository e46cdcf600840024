// Package redisconn holds the Redis session plumbing shared by the
// queue and cache clients: dialing, liveness probing and the mapping
// from go-redis errors onto the failure classification.
package redisconn

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Handle wraps one live Redis session.
type Handle struct {
	Client *redis.Client
}

func (h *Handle) Close() error {
	return h.Client.Close()
}

// Options tunes one dialed session.
type Options struct {
	Addr     string
	Password string
	DB       int
	// ReadTimeout must cover the longest server-side wait the session
	// will see, e.g. a full long poll.
	ReadTimeout time.Duration
}

// Connector dials and probes Redis sessions for a resilience lane.
type Connector struct {
	Opts Options
}

func (cn *Connector) Connect(ctx context.Context) (resilience.Handle, error) {
	readTimeout := cn.Opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cn.Opts.Addr,
		Password: cn.Opts.Password,
		DB:       cn.Opts.DB,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  readTimeout,
		WriteTimeout: 3 * time.Second,

		// The resilience loop owns retries.
		MaxRetries: -1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Handle{Client: client}, nil
}

// Alive pings the cached session; any probe failure reports not-alive.
func (cn *Connector) Alive(ctx context.Context, h resilience.Handle) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return h.(*Handle).Client.Ping(pingCtx).Err() == nil
}

// Classify maps go-redis errors onto the closed failure
// classification. Redis reports most conditions as prefixed reply
// strings, so the table is substring-driven past the sentinel checks.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.Nil) {
		return serviceerr.NotFound(op, "key").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return serviceerr.Stale(op, "network error").WithCause(err)
	}

	msg := strings.ToUpper(err.Error())
	switch {
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "READONLY"),
		strings.HasPrefix(msg, "CLUSTERDOWN"), strings.HasPrefix(msg, "MASTERDOWN"):
		return serviceerr.Stale(op, "server unavailable").WithCause(err)
	case strings.HasPrefix(msg, "BUSY"):
		return serviceerr.Locked(op, "server busy").WithCause(err)
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return serviceerr.Fatal(op, "authentication failed").WithCause(err)
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return serviceerr.Data(op, "wrong key type").WithCause(err)
	case strings.Contains(msg, "CONNECTION REFUSED"), strings.Contains(msg, "CONNECTION RESET"),
		strings.Contains(msg, "BROKEN PIPE"), strings.Contains(msg, "EOF"),
		strings.Contains(msg, "CLOSED"):
		return serviceerr.Stale(op, "connection lost").WithCause(err)
	}
	return serviceerr.Fatal(op, "unhandled redis error").WithCause(err)
}
