// Package metrics provides Prometheus metrics collection for the dispatch
// core. It tracks admission decisions, routing outcomes, queue traffic,
// worker cycles, and event pipeline health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0,
}

// =============================================================================
// Admission metrics
// =============================================================================

var (
	// AdmissionDecisions counts admit() outcomes per endpoint.
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission control decisions by result",
		},
		[]string{"endpoint", "result"},
	)

	// RateLimiterBackendErrors counts shared-store failures and the
	// policy action taken (allow for fail-open, deny for fail-closed).
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_backend_errors_total",
			Help:      "Rate limiter backend errors by action taken",
		},
		[]string{"store", "action"},
	)
)

// =============================================================================
// Routing metrics
// =============================================================================

var (
	// RoutingDecisions counts successful channel selections.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Channel selections by endpoint and priority tier",
		},
		[]string{"endpoint", "tier", "channel"},
	)

	// RoutingFailures counts route() calls that found no available channel.
	RoutingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Routing failures (no available channel)",
		},
		[]string{"endpoint"},
	)
)

// =============================================================================
// Queue and worker metrics
// =============================================================================

var (
	// QueuePushes counts tasks pushed per queue key and position.
	QueuePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pushes_total",
			Help:      "Tasks pushed to the job queue by position (head/tail)",
		},
		[]string{"queue", "position"},
	)

	// QueuePops counts tasks popped per queue key.
	QueuePops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pops_total",
			Help:      "Tasks popped from the job queue",
		},
		[]string{"queue"},
	)

	// WorkerTasks counts handled tasks by outcome.
	WorkerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Worker task completions by outcome (succeeded/failed/retried)",
		},
		[]string{"queue", "outcome"},
	)

	// WorkerCycleDuration tracks the wall time of one worker cycle.
	WorkerCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_cycle_duration_seconds",
			Help:      "Duration of one worker poll-and-execute cycle",
			Buckets:   LatencyBuckets,
		},
		[]string{"queue"},
	)

	// WorkerRetryBufferSize gauges the local retry buffer depth.
	WorkerRetryBufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_retry_buffer_size",
			Help:      "Current depth of the worker's local retry buffer",
		},
		[]string{"queue"},
	)
)

// =============================================================================
// Event pipeline metrics
// =============================================================================

var (
	// PipelinePublished counts snapshots accepted into the ring buffer.
	PipelinePublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_published_total",
			Help:      "Snapshots published into the event pipeline",
		},
	)

	// PipelineDropped counts snapshots dropped after the bounded publish wait.
	PipelineDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_dropped_total",
			Help:      "Snapshots dropped because the ring stayed full past the publish wait",
		},
	)

	// PipelineHandlerFailures counts isolated handler errors.
	PipelineHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_handler_failures_total",
			Help:      "Event handler failures (isolated, never propagated)",
		},
		[]string{"handler"},
	)

	// PipelineHandlerDuration tracks per-handler processing time.
	PipelineHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_handler_duration_seconds",
			Help:      "Event handler processing time per snapshot",
			Buckets:   LatencyBuckets,
		},
		[]string{"handler"},
	)
)

// =============================================================================
// Request path metrics
// =============================================================================

var (
	// RequestTotalLatency tracks end-to-end dispatch latency.
	RequestTotalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_total_latency_seconds",
			Help:      "Total request latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"endpoint", "channel"},
	)

	// RequestsTotal counts dispatched requests by status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by endpoint, channel and status code",
		},
		[]string{"endpoint", "channel", "status_code"},
	)
)
