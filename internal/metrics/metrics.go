// Package metrics exposes Prometheus metrics for refresh batches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes used as the "outcome" label.
const (
	OutcomeUpdated         = "updated"
	OutcomeUnchanged       = "unchanged"
	OutcomeSameFingerprint = "same_fingerprint"
	OutcomeSkipped         = "skipped"
	OutcomeFailed          = "failed"
)

// Metrics tracks refresh batches, reconciliation and statistics.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	BatchRuns        prometheus.Counter
	BatchDuration    prometheus.Histogram
	BatchLastSuccess prometheus.Gauge
	Refreshes        *prometheus.CounterVec
	RefreshDuration  *prometheus.HistogramVec
	Entities         *prometheus.CounterVec
	StatDays         *prometheus.CounterVec
	CleanupDeleted   *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
}

// New creates Metrics registered on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BatchRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Total number of refresh batches run",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of refresh batches",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		BatchLastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_completed_timestamp_seconds",
			Help:      "Unix time the last refresh batch completed",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_refreshes_total",
			Help:      "Federation refreshes by outcome",
		}, []string{"federation", "outcome"}),
		RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "federation_refresh_duration_seconds",
			Help:      "Duration of one federation refresh and backfill",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"federation"}),
		Entities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_entities_total",
			Help:      "Reconciled entities by result (removed, updated, skipped)",
		}, []string{"federation", "result"}),
		StatDays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_days_computed_total",
			Help:      "Statistics days computed per federation",
		}, []string{"federation"}),
		CleanupDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Orphan rows deleted by end-of-batch cleanup",
		}, []string{"kind"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Failure notifications by channel and status",
		}, []string{"channel", "status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBatch records a finished batch started at start.
func (m *Metrics) ObserveBatch(start time.Time) {
	if m == nil {
		return
	}
	m.BatchRuns.Inc()
	m.BatchDuration.Observe(time.Since(start).Seconds())
	m.BatchLastSuccess.SetToCurrentTime()
}

// ObserveRefresh records one federation's outcome.
func (m *Metrics) ObserveRefresh(federation, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(federation, outcome).Inc()
	m.RefreshDuration.WithLabelValues(federation).Observe(time.Since(start).Seconds())
}

// AddEntities records reconciled entity counts.
func (m *Metrics) AddEntities(federation string, removed, updated, skipped int) {
	if m == nil {
		return
	}
	m.Entities.WithLabelValues(federation, "removed").Add(float64(removed))
	m.Entities.WithLabelValues(federation, "updated").Add(float64(updated))
	m.Entities.WithLabelValues(federation, "skipped").Add(float64(skipped))
}

// AddStatDays records computed statistics days.
func (m *Metrics) AddStatDays(federation string, days int) {
	if m == nil {
		return
	}
	m.StatDays.WithLabelValues(federation).Add(float64(days))
}

// AddCleanup records deleted orphan rows of kind.
func (m *Metrics) AddCleanup(kind string, n int64) {
	if m == nil {
		return
	}
	m.CleanupDeleted.WithLabelValues(kind).Add(float64(n))
}

// IncNotification records a notification attempt.
func (m *Metrics) IncNotification(channel string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.Notifications.WithLabelValues(channel, status).Inc()
}
