package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed collection cycles.
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_cycles_total",
			Help: "Total number of collection cycles run",
		},
	)

	// UpstreamCallsTotal tracks broker API calls per operation.
	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_upstream_calls_total",
			Help: "Total number of upstream broker calls",
		},
		[]string{"call"},
	)

	// UpstreamErrorsTotal tracks broker API errors per operation.
	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_upstream_errors_total",
			Help: "Total number of upstream broker errors",
		},
		[]string{"call"},
	)

	// UpstreamLatency tracks broker call latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_upstream_latency_seconds",
			Help:    "Upstream broker call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	// BreakerState exposes breaker state per name (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collector_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// ErrorsTotal counts classified errors by category and severity.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"category", "severity"},
	)

	// PressureTier exposes the current memory pressure tier.
	PressureTier = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_memory_pressure_tier",
			Help: "Current memory pressure tier (0-3)",
		},
	)

	// DepthScale exposes the continuous strike-depth scale.
	DepthScale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_depth_scale",
			Help: "Current strike depth scale factor",
		},
	)

	// MemoryFraction exposes the EMA-smoothed RSS fraction of physical memory.
	MemoryFraction = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_memory_fraction",
			Help: "Smoothed resident memory as fraction of physical memory",
		},
	)

	// CacheHitsTotal tracks instrument/expiry cache hits per cache.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache"},
	)

	// CacheMissesTotal tracks instrument/expiry cache misses per cache.
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache"},
	)

	// RowsWrittenTotal tracks enriched option rows written per index and sink.
	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_options_rows_written_total",
			Help: "Total enriched option rows forwarded to sinks",
		},
		[]string{"index", "sink"},
	)

	// IndexCycleStatus exposes the last cycle outcome per index (1=ok, 0=failed/skipped).
	IndexCycleStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collector_index_cycle_status",
			Help: "Last cycle outcome per index (1=collected, 0=skipped or failed)",
		},
		[]string{"index"},
	)
)
