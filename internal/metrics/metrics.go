package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts requests by method, path and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_cloud_http_requests_total",
		Help: "HTTP requests processed, labeled by method, path and status.",
	}, []string{"method", "path", "status"})

	// HTTPDuration observes request latency by path.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workspace_cloud_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// SchedulerTicks counts scheduler ticks by outcome (run, skipped).
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_cloud_scheduler_ticks_total",
		Help: "Scheduler ticks, labeled by outcome.",
	}, []string{"outcome"})

	// SchedulerItems counts per-pass items by pass and result.
	SchedulerItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_cloud_scheduler_items_total",
		Help: "Items handled by scheduler passes, labeled by pass and result.",
	}, []string{"pass", "result"})

	// CleanupWorkspaces counts cleanup outcomes per workspace.
	CleanupWorkspaces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_cloud_cleanup_workspaces_total",
		Help: "Workspaces handled by cleanup passes, labeled by outcome.",
	}, []string{"outcome"})

	// OperationsFinalized counts terminal operation transitions.
	OperationsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_cloud_operations_finalized_total",
		Help: "Operations that reached a terminal status.",
	}, []string{"kind", "status"})
)
