// -------------------------------------------------------------------------------
// Metrics - Prometheus Instrumentation
//
// Author: Alex Freidah
//
// Prometheus metric definitions for the redirect cache, click counter and
// analytics pipelines, storage backend, circuit breaker, rate limiter, and audit
// trail. All metrics are registered on the default registry via promauto and
// exposed on the configured metrics path.
// -------------------------------------------------------------------------------

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const namespace = "shortlinkd"

// -------------------------------------------------------------------------
// BUILD
// -------------------------------------------------------------------------

// BuildInfo exposes the running version as a constant gauge.
var BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "build_info",
	Help:      "Build information for the running binary",
}, []string{"version", "go_version"})

// -------------------------------------------------------------------------
// READ CACHE
// -------------------------------------------------------------------------

var (
	// CacheRequestsTotal counts cache lookups by result (hit, miss, negative_hit).
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Read cache lookups by result",
	}, []string{"result"})

	// CacheLoadsTotal counts miss-path loads by result (found, not_found, error).
	CacheLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_loads_total",
		Help:      "Read cache miss-path loads from storage by result",
	}, []string{"result"})

	// CacheInvalidationsTotal counts explicit invalidations.
	CacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_invalidations_total",
		Help:      "Explicit read cache invalidations",
	})

	// CacheEntries reports the current number of cached entries.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries currently held by the read cache",
	})
)

// -------------------------------------------------------------------------
// COUNTER PIPELINES
// -------------------------------------------------------------------------

var (
	// CounterIncrementsTotal counts click increments accepted by the actor.
	CounterIncrementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_increments_total",
		Help:      "Click increments accepted by the counter actor",
	})

	// BackpressureTotal counts submissions rejected because a pipeline's
	// inbound channel stayed full past the send timeout.
	BackpressureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_backpressure_total",
		Help:      "Submissions rejected due to sustained backpressure",
	}, []string{"pipeline"})

	// BufferedKeys reports keys holding unpersisted deltas in a shared view.
	BufferedKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "counter_buffered_keys",
		Help:      "Keys with unpersisted deltas in the shared view",
	}, []string{"pipeline"})

	// FlushTotal counts flushes by pipeline, stage (fast, durable) and result.
	FlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_total",
		Help:      "Pipeline flushes by stage and result",
	}, []string{"pipeline", "stage", "result"})

	// FlushDuration records flush latency by pipeline and stage.
	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "Pipeline flush latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pipeline", "stage"})

	// FlushBatchSize records the number of keys per durable flush.
	FlushBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_batch_size",
		Help:      "Keys per durable flush batch",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"pipeline"})

	// FlushQuarantinedTotal counts keys excluded from durable flushes after
	// failing with an error no retry can fix.
	FlushQuarantinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_quarantined_total",
		Help:      "Keys quarantined after an unrecoverable persist failure",
	}, []string{"pipeline"})

	// ShutdownDataLossTotal counts deltas abandoned after exhausting shutdown retries.
	ShutdownDataLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shutdown_data_loss_total",
		Help:      "Buffered deltas abandoned after shutdown flush retries were exhausted",
	}, []string{"pipeline"})
)

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

var (
	// AnalyticsEventsTotal counts visit events accepted by the analytics actor.
	AnalyticsEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_events_total",
		Help:      "Visit events accepted by the analytics actor",
	})

	// GeoIPFailuresTotal counts lookups that fell back to unknown dimensions.
	GeoIPFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_geoip_failures_total",
		Help:      "GeoIP lookups that degraded to unknown dimensions",
	})
)

// -------------------------------------------------------------------------
// STORAGE
// -------------------------------------------------------------------------

var (
	// StorageOperationsTotal counts storage calls by operation and status.
	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_operations_total",
		Help:      "Storage backend operations by status",
	}, []string{"operation", "status"})

	// StorageDuration records storage call latency by operation.
	StorageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "storage_operation_duration_seconds",
		Help:      "Storage backend operation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CircuitBreakerState reports the breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Storage circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// CircuitBreakerTransitionsTotal counts state transitions.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Storage circuit breaker state transitions",
	}, []string{"from", "to"})
)

// -------------------------------------------------------------------------
// HTTP
// -------------------------------------------------------------------------

var (
	// RequestsTotal counts handled requests by listener, operation, and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "HTTP requests by listener, operation, and status",
	}, []string{"listener", "operation", "status"})

	// RequestDuration tracks handler latency by listener and operation.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"listener", "operation"})

	// InflightRequests tracks requests currently being served.
	InflightRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_requests",
		Help:      "Requests currently in flight",
	}, []string{"listener"})

	// RedirectsTotal counts redirect responses by status code.
	RedirectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redirects_total",
		Help:      "Redirect responses by HTTP status",
	}, []string{"status"})

	// RateLimitRejectionsTotal counts requests rejected by the rate limiter.
	RateLimitRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the rate limiter",
	})

	// RateLimitErrorsTotal counts shared limiter failures that failed open.
	RateLimitErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_errors_total",
		Help:      "Shared rate limiter errors (requests allowed)",
	})

	// AuditEventsTotal counts audit log entries by event type.
	AuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_events_total",
		Help:      "Audit events by type",
	}, []string{"event"})
)
