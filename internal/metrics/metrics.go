// Package metrics exposes Prometheus instrumentation for the research
// agent core. All metrics auto-register against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn engine metrics
	TurnsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_turns_executed_total",
			Help: "Total number of agent turns executed",
		},
		[]string{"outcome"}, // continue, finished, interrupted
	)

	ActionExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_action_executions_total",
			Help: "Total number of requested action executions",
		},
		[]string{"action", "status"}, // status: ok, rejected, interrupted, error
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_action_duration_seconds",
			Help:    "Action execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"action"},
	)

	PolicyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_policy_rejections_total",
			Help: "Workflow policy rejections by rule",
		},
		[]string{"rule"}, // raw_acquisition, synthesis_summary
	)

	Interrupts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_interrupts_total",
			Help: "Total number of observed session interrupts",
		},
	)

	// Generation service metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_generation_requests_total",
			Help: "Generation service calls by status",
		},
		[]string{"status"}, // ok, error
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_generation_duration_seconds",
			Help:    "Generation service call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// Trace engine metrics
	TraceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_trace_requests_total",
			Help: "Provenance trace requests by final status",
		},
		[]string{"status"}, // success, failed, error
	)

	TraceDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_trace_depth",
			Help:    "Depth of completed provenance trace trees",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 12},
		},
	)

	FuzzyMatchFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_fuzzy_match_fallbacks_total",
			Help: "Span locations that missed the exact fast path",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	SnapshotsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_snapshots_published_total",
			Help: "Full state snapshots pushed to observers",
		},
	)

	// Archive writer metrics
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_archive_writes_total",
			Help: "Asynchronous archive writes by status",
		},
		[]string{"status"}, // ok, error, dropped
	)
)
