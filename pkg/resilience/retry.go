package resilience

import (
	"context"
	"time"

	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Policy tunes one kind of operation. Write and read policies commonly
// differ from connect policies: lock contention is expected and brief
// (large bound, sub-second backoff) while repeated dial failure likely
// means an outage (small bound).
type Policy struct {
	// MaxAttempts is the number of retries after the initial attempt.
	// An operation that keeps failing retryably runs MaxAttempts+1 times.
	MaxAttempts int
	// Backoff is the fixed sleep between attempts.
	Backoff time.Duration
	// OnLocked is the pluggable lock-observed hook, run before every
	// resource_locked retry. Nil means no-op; override for metrics.
	OnLocked func()
}

// DefaultPolicy mirrors the database tuning: brief lock contention is
// normal, so the bound is high and the backoff short.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 100,
		Backoff:     500 * time.Millisecond,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	return p
}

// Operation is one unit of work already bound to its query or payload.
// It receives a live handle acquired just-in-time.
type Operation func(ctx context.Context, h Handle) error

// Executor runs operations under a classified bounded retry loop.
type Executor struct {
	logger *logging.Logger
}

// NewExecutor creates an executor.
func NewExecutor() *Executor {
	return &Executor{logger: logging.GetLogger()}
}

// Execute acquires a live handle from the lane and invokes fn,
// dispatching on the failure class:
//
//   - fatal, data_error, not_found: returned immediately, no retry.
//   - connection_stale: the cached handle is invalidated, the loop
//     sleeps the backoff and dials fresh on the next pass.
//   - resource_locked: the OnLocked hook runs, the loop sleeps and
//     retries on the same handle.
//
// Once the attempt count exceeds the policy bound a RetriesExceededError
// wrapping the last failure is returned; the error is never swallowed.
func (e *Executor) Execute(ctx context.Context, op string, lane *Lane, policy Policy, fn Operation) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > policy.MaxAttempts {
			e.logger.WithComponent(lane.backend).WithFields(map[string]interface{}{
				"operation": op,
				"attempts":  attempt,
				"error":     lastErr.Error(),
			}).Error("retries exceeded")
			observer.RetriesExhausted(lane.backend, op)
			return serviceerr.RetriesExceeded(op, attempt, lastErr)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		h, err := lane.Acquire(ctx)
		if err != nil {
			if serviceerr.ClassOf(err) == serviceerr.ClassFatal {
				return err
			}
			lastErr = err
			observer.RetryScheduled(lane.backend, string(serviceerr.ClassOf(err)))
			if err := e.sleep(ctx, policy.Backoff); err != nil {
				return err
			}
			continue
		}

		err = fn(ctx, h)
		if err == nil {
			if attempt > 0 {
				e.logger.WithComponent(lane.backend).WithFields(map[string]interface{}{
					"operation": op,
					"attempt":   attempt + 1,
				}).Info("operation recovered")
			}
			return nil
		}
		lastErr = err

		switch serviceerr.ClassOf(err) {
		case serviceerr.ClassFatal, serviceerr.ClassDataError, serviceerr.ClassNotFound:
			return err
		case serviceerr.ClassConnectionStale:
			lane.Invalidate()
			e.logger.WithComponent(lane.backend).WithFields(map[string]interface{}{
				"operation": op,
				"lane":      lane.name,
				"attempt":   attempt + 1,
				"error":     err.Error(),
			}).Warn("stale connection, reconnecting")
		case serviceerr.ClassResourceLocked:
			if policy.OnLocked != nil {
				policy.OnLocked()
			}
			e.logger.WithComponent(lane.backend).WithFields(map[string]interface{}{
				"operation": op,
				"attempt":   attempt + 1,
				"error":     err.Error(),
			}).Warn("resource locked, retrying")
		}

		observer.RetryScheduled(lane.backend, string(serviceerr.ClassOf(err)))
		if err := e.sleep(ctx, policy.Backoff); err != nil {
			return err
		}
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
