package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Placement Metrics
// =============================================================================

var (
	// ShardsLocatedTotal counts shards seen by placement discovery
	ShardsLocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_shards_located_total",
			Help: "Total number of shards processed by placement discovery",
		},
		[]string{"status"}, // "valid", "degraded"
	)

	// ConversionFailuresTotal counts shards whose table to matrix conversion failed
	ConversionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distknn_conversion_failures_total",
			Help: "Total number of shard conversions that failed and degraded to absent",
		},
	)

	// LocateDurationSeconds measures a full placement discovery pass
	LocateDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distknn_locate_duration_seconds",
			Help:    "Duration of placement discovery passes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// =============================================================================
// Handle Exchange Metrics
// =============================================================================

var (
	// HandleContextsOpen tracks handle contexts currently open on coordinators
	HandleContextsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distknn_handle_contexts_open",
			Help: "Current number of open device handle contexts",
		},
	)

	// HandleOpsTotal counts handle lifecycle operations
	HandleOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_handle_ops_total",
			Help: "Total number of device handle lifecycle operations",
		},
		[]string{"op", "status"}, // op: "export", "open", "close", "join"
	)
)

// =============================================================================
// Fit / Query Metrics
// =============================================================================

var (
	// FitTotal counts fit calls by outcome
	FitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_fit_total",
			Help: "Total number of fit calls",
		},
		[]string{"status"},
	)

	// FitDurationSeconds measures end to end fit latency
	FitDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distknn_fit_duration_seconds",
			Help:    "Duration of fit calls including handle teardown",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Coordinators tracks the number of elected host coordinators of the last fit
	Coordinators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distknn_coordinators",
			Help: "Number of host coordinators elected by the most recent fit",
		},
	)

	// QueryTotal counts kneighbors calls by merge mode and outcome
	QueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_query_total",
			Help: "Total number of kneighbors calls",
		},
		[]string{"merge", "status"},
	)

	// QueryDurationSeconds measures fan-out/fan-in latency
	QueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distknn_query_duration_seconds",
			Help:    "Duration of kneighbors fan-out and fan-in",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"merge"},
	)
)

// =============================================================================
// Scheduler Metrics
// =============================================================================

var (
	// TasksTotal counts tasks executed by the in-process scheduler
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_tasks_total",
			Help: "Total number of scheduler tasks by name and outcome",
		},
		[]string{"task", "status"},
	)

	// StoredResults tracks task results retained on workers
	StoredResults = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distknn_stored_results",
			Help: "Number of task results currently retained on workers",
		},
	)
)

// =============================================================================
// Device Memory Metrics
// =============================================================================

var (
	// DeviceBytesAllocatedTotal counts bytes requested from device allocators
	DeviceBytesAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_device_bytes_allocated_total",
			Help: "Total bytes allocated on devices",
		},
		[]string{"device"},
	)

	// DeviceBytesFreedTotal counts bytes returned to device allocators
	DeviceBytesFreedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distknn_device_bytes_freed_total",
			Help: "Total bytes freed on devices",
		},
		[]string{"device"},
	)

	// DeviceAllocationsActive tracks live allocations per device
	DeviceAllocationsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distknn_device_allocations_active",
			Help: "Current number of live allocations per device",
		},
		[]string{"device"},
	)
)
