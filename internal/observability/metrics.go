// Package observability holds the Prometheus metrics of the risk engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Liquidation monitor
	Scans          *prometheus.CounterVec
	ScanDuration   prometheus.Histogram
	PositionChecks *prometheus.CounterVec
	Alerts         prometheus.Counter
	Liquidations   prometheus.Counter
	HealthRatio    prometheus.Histogram

	// Gateway
	GatewayCalls    *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	PriceCacheHits  *prometheus.CounterVec

	// Ledger and lifecycle
	Transitions *prometheus.CounterVec
	Deposits    prometheus.Counter

	// Notifications
	Notifications *prometheus.CounterVec
}

// NewMetrics creates a registry with Go runtime collectors and all
// application metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_scans_total",
			Help: "Liquidation scans by result (completed, skipped, failed)",
		}, []string{"result"}),

		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "marginbot_scan_duration_seconds",
			Help:    "Wall time of one liquidation scan",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		PositionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_position_checks_total",
			Help: "Per-position risk evaluations by result (healthy, alerted, liquidated, failed)",
		}, []string{"result"}),

		Alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "marginbot_alerts_total",
			Help: "Low health warnings dispatched",
		}),

		Liquidations: f.NewCounter(prometheus.CounterOpts{
			Name: "marginbot_liquidations_total",
			Help: "Positions flagged as liquidated",
		}),

		HealthRatio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "marginbot_health_ratio",
			Help:    "Observed finite health ratios",
			Buckets: []float64{0.5, 0.8, 1, 1.05, 1.1, 1.2, 1.5, 2, 3, 5, 10},
		}),

		GatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_gateway_calls_total",
			Help: "Gateway calls by operation and result (ok, retry, timeout, unavailable, error)",
		}, []string{"op", "result"}),

		GatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marginbot_gateway_call_duration_seconds",
			Help:    "Latency of a single gateway attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		PriceCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_price_cache_total",
			Help: "Price cache lookups by result (hit, miss, error)",
		}, []string{"result"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_position_transitions_total",
			Help: "Position lifecycle transitions by target status",
		}, []string{"to"}),

		Deposits: f.NewCounter(prometheus.CounterOpts{
			Name: "marginbot_extra_deposits_total",
			Help: "Extra deposits recorded",
		}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marginbot_notifications_total",
			Help: "Notifier deliveries by channel and result",
		}, []string{"channel", "result"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
