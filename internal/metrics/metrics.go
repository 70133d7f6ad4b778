// Package metrics provides Prometheus metrics for the dialectic engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	EventsTotal              *prometheus.CounterVec
	ContentFetchesTotal      *prometheus.CounterVec
	ReconciliationsTotal     prometheus.Counter
	FeedbackSubmissionsTotal *prometheus.CounterVec
	HydrationEntriesTotal    *prometheus.CounterVec
	FeedReconnectsTotal      prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialectic_events_total",
				Help: "Lifecycle events by kind and outcome (applied, stale, error).",
			},
			[]string{"kind", "outcome"},
		),
		ContentFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialectic_content_fetches_total",
				Help: "Content fetches triggered by reconciliation, by outcome.",
			},
			[]string{"outcome"},
		),
		ReconciliationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dialectic_reconciliations_total",
				Help: "Baseline reconciliations applied to content entries.",
			},
		),
		FeedbackSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialectic_feedback_submissions_total",
				Help: "Feedback submissions by outcome.",
			},
			[]string{"outcome"},
		),
		HydrationEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialectic_hydration_entries_total",
				Help: "Snapshot entries processed during hydration, by outcome.",
			},
			[]string{"outcome"},
		),
		FeedReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dialectic_feed_reconnects_total",
				Help: "Reconnection attempts to the lifecycle event feed.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.EventsTotal,
		m.ContentFetchesTotal,
		m.ReconciliationsTotal,
		m.FeedbackSubmissionsTotal,
		m.HydrationEntriesTotal,
		m.FeedReconnectsTotal,
	)

	return m
}

// TrackBucketCount registers a gauge that reads the current number of
// tracked progress buckets on every scrape.
func (m *Metrics) TrackBucketCount(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dialectic_tracked_buckets",
			Help: "Progress buckets currently tracked.",
		},
		func() float64 { return float64(fn()) },
	))
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (useful for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
