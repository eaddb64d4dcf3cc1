// Package metrics defines the Prometheus instrumentation for the router.
// All collectors are registered on the default registry via promauto and
// exposed through promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts terminal request outcomes by vendor and outcome
	// ("ok", an error class, or "cancelled").
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "requests_total",
		Help:      "Terminal request outcomes by vendor and outcome.",
	}, []string{"vendor", "outcome"})

	// RequestLatency observes end-to-end request latency per vendor.
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency by vendor.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 7, 10, 20},
	}, []string{"vendor"})

	// FallbacksTotal counts router-level fallbacks by direction.
	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "fallbacks_total",
		Help:      "Vendor fallbacks by origin vendor and trigger class.",
	}, []string{"from", "class"})

	// CacheLookups counts cache probes by result ("hit", "miss", "shared").
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "cache_lookups_total",
		Help:      "Response cache lookups by result.",
	}, []string{"result"})

	// EscalationsTotal counts self-check escalations to the heavy model.
	EscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "escalations_total",
		Help:      "Self-check escalations to the heavy primary model.",
	})

	// BreakerOpens counts circuit breaker trips by tier ("global", "user").
	BreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "breaker_opens_total",
		Help:      "Circuit breaker trips by tier.",
	}, []string{"tier"})

	// PostCallFailures counts best-effort post-call steps that failed.
	PostCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "postcall_failures_total",
		Help:      "Post-call pipeline step failures.",
	}, []string{"step"})

	// VendorHealthy reports the current health view per vendor (1 or 0).
	VendorHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "vendor_healthy",
		Help:      "Current health state per vendor.",
	}, []string{"vendor"})

	// CostUSDTotal accumulates estimated spend per vendor.
	CostUSDTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "cost_usd_total",
		Help:      "Estimated cumulative spend per vendor in USD.",
	}, []string{"vendor"})
)
