// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for ursa-minor.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request pipeline.
type Metrics struct {
	// Atomic counters for hot-path reads (no mutex, no allocation).
	allowed         int64
	limited         int64
	redisErrors     int64
	authFresh       int64
	authReused      int64
	authDenied      int64
	mojangErrors    int64
	upstreamErrors  int64
	internalErrors  int64
	scanCycles      int64
	scanFailures    int64
	reportsReceived int64

	promAllowed        prometheus.Counter
	promLimited        prometheus.Counter
	promRedisErrors    prometheus.Counter
	promAuthFresh      prometheus.Counter
	promAuthReused     prometheus.Counter
	promAuthDenied     prometheus.Counter
	promMojangErrors   prometheus.Counter
	promUpstreamErrors prometheus.Counter
	promInternalErrors prometheus.Counter
	promScanCycles     prometheus.Counter
	promScanFailures   prometheus.Counter
	promReports        prometheus.Counter

	// PromRequestDuration observes end-to-end gateway latency, labeled by
	// status code only. Public paths are bounded by the rule table, but
	// keeping them out of the label set keeps scrape payloads small.
	PromRequestDuration *prometheus.HistogramVec

	// PromBucketUsed observes the post-increment bucket value on admitted
	// requests, a histogram rather than a per-principal gauge to avoid
	// unbounded label cardinality.
	PromBucketUsed prometheus.Histogram

	// PromRuleRequests counts requests per public rule path. Rules are a
	// small fixed table, so the label is bounded.
	PromRuleRequests *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests admitted by the rate limiter.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promAuthFresh: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "auth_fresh_total",
			Help:      "Total number of sessions established via Mojang verification.",
		}),
		promAuthReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "auth_reused_total",
			Help:      "Total number of requests authenticated by a presented token.",
		}),
		promAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "auth_denied_total",
			Help:      "Total number of requests denied authentication.",
		}),
		promMojangErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "mojang_errors_total",
			Help:      "Total number of Mojang session server transport errors.",
		}),
		promUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "upstream_errors_total",
			Help:      "Total number of non-200 upstream responses.",
		}),
		promInternalErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "internal_errors_total",
			Help:      "Total number of internal errors (500s with correlation ids).",
		}),
		promScanCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "auction_scan_cycles_total",
			Help:      "Total number of completed auction scan cycles.",
		}),
		promScanFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "auction_scan_failures_total",
			Help:      "Total number of failed auction scan cycles.",
		}),
		promReports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "inventory_reports_total",
			Help:      "Total number of inventory reports stored.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ursa",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status_code"}),
		PromBucketUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ursa",
			Name:      "ratelimit_bucket_used",
			Help:      "Distribution of post-increment bucket values on admitted requests.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PromRuleRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ursa",
			Name:      "rule_requests_total",
			Help:      "Total requests per public rule path.",
		}, []string{"rule"}),
	}

	return m
}

// IncAllowed increments the admitted requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncAuthFresh increments the fresh-verification counter.
func (m *Metrics) IncAuthFresh() {
	atomic.AddInt64(&m.authFresh, 1)
	m.promAuthFresh.Inc()
}

// IncAuthReused increments the token-reuse counter.
func (m *Metrics) IncAuthReused() {
	atomic.AddInt64(&m.authReused, 1)
	m.promAuthReused.Inc()
}

// IncAuthDenied increments the auth denied counter.
func (m *Metrics) IncAuthDenied() {
	atomic.AddInt64(&m.authDenied, 1)
	m.promAuthDenied.Inc()
}

// IncMojangErrors increments the Mojang transport error counter.
func (m *Metrics) IncMojangErrors() {
	atomic.AddInt64(&m.mojangErrors, 1)
	m.promMojangErrors.Inc()
}

// IncUpstreamErrors increments the non-200 upstream response counter.
func (m *Metrics) IncUpstreamErrors() {
	atomic.AddInt64(&m.upstreamErrors, 1)
	m.promUpstreamErrors.Inc()
}

// IncInternalErrors increments the internal error counter.
func (m *Metrics) IncInternalErrors() {
	atomic.AddInt64(&m.internalErrors, 1)
	m.promInternalErrors.Inc()
}

// IncScanCycles increments the completed auction scan counter.
func (m *Metrics) IncScanCycles() {
	atomic.AddInt64(&m.scanCycles, 1)
	m.promScanCycles.Inc()
}

// IncScanFailures increments the failed auction scan counter.
func (m *Metrics) IncScanFailures() {
	atomic.AddInt64(&m.scanFailures, 1)
	m.promScanFailures.Inc()
}

// IncReportsReceived increments the stored inventory report counter.
func (m *Metrics) IncReportsReceived() {
	atomic.AddInt64(&m.reportsReceived, 1)
	m.promReports.Inc()
}

// IncRuleRequests increments the per-rule request counter.
func (m *Metrics) IncRuleRequests(rule string) {
	m.PromRuleRequests.WithLabelValues(rule).Inc()
}

// ObserveBucketUsed records the post-increment bucket value.
func (m *Metrics) ObserveBucketUsed(used int64) {
	m.PromBucketUsed.Observe(float64(used))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed         int64
	Limited         int64
	RedisErrors     int64
	AuthFresh       int64
	AuthReused      int64
	AuthDenied      int64
	MojangErrors    int64
	UpstreamErrors  int64
	InternalErrors  int64
	ScanCycles      int64
	ScanFailures    int64
	ReportsReceived int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:         atomic.LoadInt64(&m.allowed),
		Limited:         atomic.LoadInt64(&m.limited),
		RedisErrors:     atomic.LoadInt64(&m.redisErrors),
		AuthFresh:       atomic.LoadInt64(&m.authFresh),
		AuthReused:      atomic.LoadInt64(&m.authReused),
		AuthDenied:      atomic.LoadInt64(&m.authDenied),
		MojangErrors:    atomic.LoadInt64(&m.mojangErrors),
		UpstreamErrors:  atomic.LoadInt64(&m.upstreamErrors),
		InternalErrors:  atomic.LoadInt64(&m.internalErrors),
		ScanCycles:      atomic.LoadInt64(&m.scanCycles),
		ScanFailures:    atomic.LoadInt64(&m.scanFailures),
		ReportsReceived: atomic.LoadInt64(&m.reportsReceived),
	}
}
