// Package metrics provides Prometheus metrics for the regimen engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ActivityEvaluations *prometheus.CounterVec
	DurationWindows     *prometheus.CounterVec
	FrequencyFallbacks  prometheus.Counter
	SafetyWarnings      *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	SafetyEvents        *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	BreakerState        *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg leaves the
// metrics unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivityEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regimen_activity_evaluations_total",
			Help: "Prescriptions evaluated for activity",
		}, []string{"view", "active"}),
		DurationWindows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regimen_duration_windows_total",
			Help: "Parsed duration windows by kind",
		}, []string{"window"}),
		FrequencyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimen_frequency_fallbacks_total",
			Help: "Frequency texts that resolved to the default slot",
		}),
		SafetyWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regimen_safety_warnings_total",
			Help: "Safety warnings emitted by type",
		}, []string{"type"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regimen_request_duration_seconds",
			Help:    "Aggregation latency per operation",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		SafetyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regimen_safety_events_total",
			Help: "Visit completion events handled by the safety monitor",
		}, []string{"result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActivityEvaluations,
			m.DurationWindows,
			m.FrequencyFallbacks,
			m.SafetyWarnings,
			m.RequestDuration,
			m.SafetyEvents,
			m.OutboxPending,
			m.BreakerState,
		)
	}

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler for the given gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// BreakerStateValue maps a breaker state name to its gauge value
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
