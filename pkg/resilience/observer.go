package resilience

// Observer receives retry-shell lifecycle events. Implementations must
// be safe for concurrent use; events fire from whichever goroutine
// runs the operation.
type Observer interface {
	// RetryScheduled fires before every sleep-and-retry, with the
	// failure class that caused it.
	RetryScheduled(backend, class string)
	// Reconnected fires when a lane dials a fresh session after having
	// discarded an earlier one.
	Reconnected(backend, lane string)
	// RetriesExhausted fires when an operation fails terminally after
	// its retry bound.
	RetriesExhausted(backend, operation string)
}

type noopObserver struct{}

func (noopObserver) RetryScheduled(string, string)   {}
func (noopObserver) Reconnected(string, string)      {}
func (noopObserver) RetriesExhausted(string, string) {}

// Process-wide observer, mirroring the global logger. Default no-op.
var observer Observer = noopObserver{}

// SetObserver installs the process-wide observer. Nil restores the
// no-op default.
func SetObserver(o Observer) {
	if o == nil {
		observer = noopObserver{}
		return
	}
	observer = o
}
