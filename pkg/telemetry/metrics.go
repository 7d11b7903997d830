package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for runs and provider operations.
// The zero-value disabled form is safe to use; every method is a no-op.
type Metrics struct {
	enabled bool

	runsStarted    *prometheus.CounterVec
	runsCompleted  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	entriesApplied *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	providerErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. When enabled is false all methods
// are no-ops.
func NewMetrics(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		enabled:  true,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reify",
			Name:      "runs_started_total",
			Help:      "Runs started, by operation.",
		}, []string{"operation"}),

		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reify",
			Name:      "runs_completed_total",
			Help:      "Runs completed, by operation and status.",
		}, []string{"operation", "status"}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reify",
			Name:      "run_duration_seconds",
			Help:      "Run wall-clock duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		entriesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reify",
			Name:      "entries_applied_total",
			Help:      "Change entries applied, by action and status.",
		}, []string{"action", "status"}),

		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reify",
			Name:      "provider_operation_duration_seconds",
			Help:      "Provider operation duration, by kind and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "operation"}),

		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reify",
			Name:      "provider_errors_total",
			Help:      "Provider operation failures, by kind and error class.",
		}, []string{"kind", "class"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.entriesApplied,
		m.opDuration,
		m.providerErrors,
	)

	return m
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted(operation string) {
	if !m.enabled {
		return
	}
	m.runsStarted.WithLabelValues(operation).Inc()
}

// RunCompleted records a finished run.
func (m *Metrics) RunCompleted(operation, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// EntryApplied records the outcome of one change entry.
func (m *Metrics) EntryApplied(action, status string) {
	if !m.enabled {
		return
	}
	m.entriesApplied.WithLabelValues(action, status).Inc()
}

// ProviderOperation records the duration of one provider operation.
func (m *Metrics) ProviderOperation(kind, operation string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.opDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// ProviderError records a classified provider failure.
func (m *Metrics) ProviderError(kind, class string) {
	if !m.enabled {
		return
	}
	m.providerErrors.WithLabelValues(kind, class).Inc()
}

// Handler returns the HTTP handler serving the metrics, or nil when metrics
// are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
