// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for RelayGate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the middleware hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	forwarded      int64
	originDenied   int64
	authDenied     int64
	limited        int64
	upstreamErrors int64
	tokenRefreshes int64
	storeErrors    int64

	// Prometheus counters for scraping.
	promForwarded    prometheus.Counter
	promOriginDenied prometheus.Counter
	promAuthDenied   prometheus.Counter
	promLimited      prometheus.Counter
	promStoreErrors  prometheus.Counter

	promUpstreamResults *prometheus.CounterVec
	promTokenRefreshes  *prometheus.CounterVec

	// Request duration by method and final status code.
	PromRequestDuration *prometheus.HistogramVec

	// Distribution of remaining window capacity across checks (histogram,
	// not a per-client gauge, to avoid unbounded label cardinality).
	PromRLRemaining prometheus.Histogram

	// Upstream attempt count per logical request.
	PromUpstreamAttempts prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "requests_forwarded_total",
			Help:      "Total number of requests forwarded to the upstream.",
		}),
		promOriginDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "origin_denied_total",
			Help:      "Total number of requests rejected by the IP allow-list.",
		}),
		promAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "auth_denied_total",
			Help:      "Total number of requests with missing or invalid bearer tokens.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "ratelimit_store_errors_total",
			Help:      "Total number of rate-limit store failures.",
		}),
		promUpstreamResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "upstream_results_total",
			Help:      "Upstream call results by classification.",
		}, []string{"result"}),
		promTokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "token_refreshes_total",
			Help:      "Access-token refresh attempts by result.",
		}, []string{"result"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Name:      "ratelimit_remaining_calls",
			Help:      "Distribution of remaining window capacity across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PromUpstreamAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Name:      "upstream_attempts_per_request",
			Help:      "Number of upstream attempts made per logical request.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
	}

	return m
}

// IncForwarded increments the forwarded requests counter.
func (m *Metrics) IncForwarded() {
	atomic.AddInt64(&m.forwarded, 1)
	m.promForwarded.Inc()
}

// IncOriginDenied increments the IP allow-list rejection counter.
func (m *Metrics) IncOriginDenied() {
	atomic.AddInt64(&m.originDenied, 1)
	m.promOriginDenied.Inc()
}

// IncAuthDenied increments the bearer-token rejection counter.
func (m *Metrics) IncAuthDenied() {
	atomic.AddInt64(&m.authDenied, 1)
	m.promAuthDenied.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncStoreErrors increments the rate-limit store failure counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncUpstreamResult records one upstream call result by classification
// ("success", "auth", "throttled", "client_error", "server_error",
// "timeout", "unreachable").
func (m *Metrics) IncUpstreamResult(result string) {
	if result != "success" {
		atomic.AddInt64(&m.upstreamErrors, 1)
	}
	m.promUpstreamResults.WithLabelValues(result).Inc()
}

// IncTokenRefresh records one token refresh attempt by result
// ("success", "rejected", "unavailable").
func (m *Metrics) IncTokenRefresh(result string) {
	atomic.AddInt64(&m.tokenRefreshes, 1)
	m.promTokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveRemaining records the remaining window capacity as a histogram
// observation. Distribution visibility without per-client cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Forwarded      int64
	OriginDenied   int64
	AuthDenied     int64
	Limited        int64
	UpstreamErrors int64
	TokenRefreshes int64
	StoreErrors    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Forwarded:      atomic.LoadInt64(&m.forwarded),
		OriginDenied:   atomic.LoadInt64(&m.originDenied),
		AuthDenied:     atomic.LoadInt64(&m.authDenied),
		Limited:        atomic.LoadInt64(&m.limited),
		UpstreamErrors: atomic.LoadInt64(&m.upstreamErrors),
		TokenRefreshes: atomic.LoadInt64(&m.tokenRefreshes),
		StoreErrors:    atomic.LoadInt64(&m.storeErrors),
	}
}
