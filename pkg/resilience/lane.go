package resilience

import (
	"context"
	"fmt"

	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Handle is one live backend session. Facades own the concrete type
// and recover it from the interface inside their operation closures.
type Handle interface {
	Close() error
}

// Connector dials new sessions and probes cached ones.
//
// Alive is the cheap liveness check run before every reuse of a cached
// handle, not only after failures; it is what detects server-side idle
// disconnects the client has not observed yet. Implementations must
// never panic and must report false on any probe failure.
type Connector interface {
	Connect(ctx context.Context) (Handle, error)
	Alive(ctx context.Context, h Handle) bool
}

// Lane owns one cached handle and the dial attempt counter for a
// logical read-or-write role of a client.
//
// A Lane is not safe for concurrent use: the acquire-then-use sequence
// is not atomic. Run one client instance per worker instead of sharing.
type Lane struct {
	backend     string
	name        string
	conn        Connector
	connRetries int
	handle      Handle
	attempts    int
	dialed      bool
	logger      *logging.Logger
}

// NewLane creates a lane for the given backend and role ("read",
// "write"). connRetries bounds consecutive dial failures before the
// lane escalates to a fatal error.
func NewLane(backend, name string, conn Connector, connRetries int) *Lane {
	if connRetries <= 0 {
		connRetries = 10
	}
	return &Lane{
		backend:     backend,
		name:        name,
		conn:        conn,
		connRetries: connRetries,
		logger:      logging.GetLogger(),
	}
}

// Acquire returns a live handle, reusing the cached one when the probe
// approves and dialing a fresh session otherwise. Each failed dial
// increments the attempt counter and returns a connection_stale error;
// once the counter reaches the configured bound the error escalates to
// fatal so a permanently bad endpoint cannot loop forever. A
// successful dial resets the counter to zero.
func (l *Lane) Acquire(ctx context.Context) (Handle, error) {
	if l.handle != nil {
		if l.conn.Alive(ctx, l.handle) {
			return l.handle, nil
		}
		// Half-dead session, never reuse it.
		l.Invalidate()
	}

	h, err := l.conn.Connect(ctx)
	if err != nil {
		l.attempts++
		l.logger.WithComponent(l.backend).WithFields(map[string]interface{}{
			"lane":    l.name,
			"attempt": l.attempts,
			"error":   err.Error(),
		}).Warn("connect failed")

		op := fmt.Sprintf("%s.connect", l.backend)
		if l.attempts >= l.connRetries {
			return nil, serviceerr.Fatal(op, fmt.Sprintf("connection retries exceeded on %s lane", l.name)).WithCause(err)
		}
		return nil, serviceerr.Stale(op, fmt.Sprintf("connect failed on %s lane", l.name)).WithCause(err)
	}

	if l.dialed {
		observer.Reconnected(l.backend, l.name)
	}
	l.dialed = true
	l.attempts = 0
	l.handle = h
	return h, nil
}

// Invalidate closes and discards the cached handle. The next Acquire
// dials a fresh session.
func (l *Lane) Invalidate() {
	if l.handle != nil {
		_ = l.handle.Close()
		l.handle = nil
	}
}

// Attempts returns the current dial attempt count.
func (l *Lane) Attempts() int {
	return l.attempts
}

// Close releases the cached handle, if any.
func (l *Lane) Close() error {
	if l.handle == nil {
		return nil
	}
	err := l.handle.Close()
	l.handle = nil
	return err
}
