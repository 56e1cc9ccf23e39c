// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamAttempts   *prometheus.CounterVec
	UpstreamDuration   *prometheus.HistogramVec
	TransformsTotal    *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	CatalogCacheHits   prometheus.Counter
	CatalogCacheMisses prometheus.Counter
	TrafficQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "upstream_attempts_total",
			Help:      "Total upstream attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "op"}),

		TransformsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "transforms_total",
			Help:      "Total cross-protocol request transforms.",
		}, []string{"source", "target", "family"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "direction"}),

		CatalogCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "catalog_cache_hits_total",
			Help:      "Total model-catalog cache hits.",
		}),

		CatalogCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "catalog_cache_misses_total",
			Help:      "Total model-catalog cache misses.",
		}),

		TrafficQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "traffic_queue_length",
			Help:      "Current number of buffered traffic events.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamAttempts,
		m.UpstreamDuration,
		m.TransformsTotal,
		m.TokensProcessed,
		m.CatalogCacheHits,
		m.CatalogCacheMisses,
		m.TrafficQueueLength,
	)

	return m
}
