// Package metrics holds the Prometheus collectors for casevault.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labelling metrics
var (
	LabelMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_label_matches_total",
			Help: "Total number of label matches applied to messages",
		},
		[]string{"mode"},
	)

	LabelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_label_events_total",
			Help: "Total number of label change events by outcome",
		},
		[]string{"result"},
	)

	ResolverMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_resolver_misses_total",
			Help: "Contact lookups that failed and were treated as missing data",
		},
		[]string{"kind"},
	)
)

// Search metrics
var (
	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_search_requests_total",
			Help: "Total number of search requests",
		},
		[]string{"folder", "status"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casevault_search_duration_seconds",
			Help:    "Duration of search requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"folder"},
	)
)

// Bulk action metrics
var (
	BulkActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_bulk_actions_total",
			Help: "Total number of bulk action requests",
		},
		[]string{"action", "status"},
	)

	BulkActionMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_bulk_action_messages_total",
			Help: "Messages processed by bulk actions by result",
		},
		[]string{"action", "result"},
	)
)

// Scheduler metrics
var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_job_runs_total",
			Help: "Total number of scheduled or submitted job runs",
		},
		[]string{"kind", "status"},
	)

	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casevault_label_events_dispatched_total",
			Help: "Total number of outbox events delivered downstream by outcome",
		},
		[]string{"result"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casevault_outbox_pending",
			Help: "Label change events waiting for dispatch",
		},
	)
)

// Status returns "success" or "error" for use as a status label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveSince records the seconds elapsed since start.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
