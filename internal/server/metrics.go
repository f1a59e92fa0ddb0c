package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics recorded on the request path.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitedTotal prometheus.Counter
	GuardRejections  prometheus.Counter
}

// NewMetrics creates and registers the request metrics with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "simplerequest",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "simplerequest",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "simplerequest",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by admission control",
			},
		),
		GuardRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "simplerequest",
				Name:      "guard_rejections_total",
				Help:      "Total requests rejected by the guard expression",
			},
		),
	}
}

// registerStateGauges exposes registry and audit internals as gauges.
// The callbacks are sampled at scrape time.
func registerStateGauges(reg prometheus.Registerer, rateLimitKeys func() float64, auditDrops func() float64) {
	if rateLimitKeys != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "simplerequest",
				Name:      "rate_limit_keys",
				Help:      "Number of live rate limit states",
			},
			rateLimitKeys,
		)
	}
	if auditDrops != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "simplerequest",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
			auditDrops,
		)
	}
}
