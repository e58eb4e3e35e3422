// Package metrics defines the Prometheus instrumentation for the sync
// API server and the client agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// APIMetrics covers the server-side pull/apply endpoints.
type APIMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RowsServed      *prometheus.CounterVec
	ItemsApplied    *prometheus.CounterVec
	ScopeRejections prometheus.Counter
}

func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	factory := promauto.With(reg)
	return &APIMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_sync_requests_total",
				Help: "Total sync API requests processed",
			},
			[]string{"route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ebs_sync_request_duration_seconds",
				Help:    "Duration of sync API request handling",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RowsServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_sync_rows_served_total",
				Help: "Rows returned by the pull endpoint",
			},
			[]string{"table"},
		),
		ItemsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_sync_items_applied_total",
				Help: "Change items processed by the apply endpoint",
			},
			[]string{"op", "status"},
		),
		ScopeRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ebs_sync_scope_rejections_total",
				Help: "Change items rejected for tenant scope mismatch",
			},
		),
	}
}

// SyncMetrics covers the client-side orchestrator.
type SyncMetrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	PagesPulled        *prometheus.CounterVec
	RowsMerged         *prometheus.CounterVec
	ItemsPushed        *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	OfflineTransitions prometheus.Counter
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	factory := promauto.With(reg)
	return &SyncMetrics{
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_agent_sync_cycles_total",
				Help: "Completed sync cycles by result",
			},
			[]string{"result"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ebs_agent_sync_cycle_duration_seconds",
				Help:    "Duration of full sync cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		PagesPulled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_agent_pages_pulled_total",
				Help: "Pull pages fetched per table",
			},
			[]string{"table"},
		),
		RowsMerged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_agent_rows_merged_total",
				Help: "Remote rows merged into the local store per table",
			},
			[]string{"table"},
		),
		ItemsPushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ebs_agent_items_pushed_total",
				Help: "Queued change items pushed by outcome",
			},
			[]string{"status"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ebs_agent_pending_queue_depth",
				Help: "Change items waiting in the local pending queue",
			},
		),
		OfflineTransitions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ebs_agent_offline_transitions_total",
				Help: "Times the agent detected loss of connectivity",
			},
		),
	}
}
