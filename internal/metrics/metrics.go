// Package metrics declares the Prometheus collectors for sync runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source labels.
const (
	SourceChannel   = "channel_api"
	SourceICal      = "ical"
	SourceMigration = "migration"
)

var (
	// SyncRuns counts finished runs by source and outcome (success, failed, partial).
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_runs_total",
			Help: "Total number of calendar sync runs",
		},
		[]string{"source", "outcome"},
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_sync_run_duration_seconds",
			Help:    "Wall-clock duration of calendar sync runs",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 60},
		},
		[]string{"source"},
	)

	// SyncItems counts per-record outcomes: fetched, saved, updated, skipped, errors.
	SyncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_items_total",
			Help: "Records processed by calendar sync, by outcome",
		},
		[]string{"source", "outcome"},
	)

	RemoteFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_remote_fetch_errors_total",
			Help: "Failed remote fetches (REST pages and iCal feeds)",
		},
		[]string{"source"},
	)

	// BudgetStops counts runs that stopped early with a resumable cursor.
	BudgetStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_budget_stops_total",
			Help: "Runs stopped by the runtime budget or page limit",
		},
		[]string{"reason"},
	)

	IssuesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_issues_recorded_total",
			Help: "Unresolved issues persisted for operator review",
		},
		[]string{"kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calendar_sync_circuit_breaker_state",
			Help: "Channel API circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"organization_id"},
	)
)

// ObserveRun records a finished run.
func ObserveRun(source, outcome string, elapsed time.Duration) {
	SyncRuns.WithLabelValues(source, outcome).Inc()
	SyncRunDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// AddItems adds n to the per-record outcome counter when n is positive.
func AddItems(source, outcome string, n int) {
	if n > 0 {
		SyncItems.WithLabelValues(source, outcome).Add(float64(n))
	}
}
