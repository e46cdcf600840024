package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the retry shell.
type Metrics struct {
	LocksObserved  *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	RetryExhausted *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
}

// NewMetrics creates and registers the collectors on the given
// registerer. Pass prometheus.DefaultRegisterer for the usual setup.
func NewMetrics(config Config, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LocksObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "locks_observed_total",
				Help:      "Lock or contention conditions observed before an in-place retry",
			},
			[]string{"backend"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Retry attempts by backend and failure class",
			},
			[]string{"backend", "class"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "reconnects_total",
				Help:      "Fresh connections dialed after a stale handle was discarded",
			},
			[]string{"backend", "lane"},
		),
		RetryExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_exhausted_total",
				Help:      "Operations that failed terminally after exhausting their retry bound",
			},
			[]string{"backend", "operation"},
		),
	}

	reg.MustRegister(m.LocksObserved, m.Retries, m.Reconnects, m.RetryExhausted)
	return m
}

// LockHook returns a function suitable as a resilience Policy.OnLocked
// hook for the given backend.
func (m *Metrics) LockHook(backend string) func() {
	counter := m.LocksObserved.WithLabelValues(backend)
	return func() {
		counter.Inc()
	}
}

// RetryScheduled counts a retry attempt. Metrics satisfies the
// resilience Observer interface; install with resilience.SetObserver.
func (m *Metrics) RetryScheduled(backend, class string) {
	m.Retries.WithLabelValues(backend, class).Inc()
}

// Reconnected counts a fresh dial on a lane that had a session before.
func (m *Metrics) Reconnected(backend, lane string) {
	m.Reconnects.WithLabelValues(backend, lane).Inc()
}

// RetriesExhausted counts an operation that failed terminally after
// its retry bound.
func (m *Metrics) RetriesExhausted(backend, operation string) {
	m.RetryExhausted.WithLabelValues(backend, operation).Inc()
}
