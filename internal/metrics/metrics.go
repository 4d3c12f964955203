// Package metrics provides Prometheus metrics for the executor system.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Executor lifecycle metrics.
var (
	ExecutorsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "positron",
		Name:      "executors_active",
		Help:      "Number of executors currently running, by controller.",
	}, []string{"controller"})

	ExecutorsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "executors_created_total",
		Help:      "Total executors created, by controller and pair.",
	}, []string{"controller", "pair"})

	ExecutorsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "executors_closed_total",
		Help:      "Total executors reaching a terminal state, by close type.",
	}, []string{"controller", "close_type"})
)

// Order flow metrics.
var (
	OrdersSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "orders_submitted_total",
		Help:      "Total orders submitted through connectors, by pair and side.",
	}, []string{"pair", "side"})

	OrderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "order_failures_total",
		Help:      "Total venue-side order rejections, by pair.",
	}, []string{"pair"})
)

// Performance metrics.
var (
	NetPnLQuote = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "positron",
		Name:      "net_pnl_quote",
		Help:      "Aggregate net PnL in quote currency, by controller.",
	}, []string{"controller"})

	VolumeQuoteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "volume_quote_total",
		Help:      "Total traded volume in quote currency, by controller.",
	}, []string{"controller"})

	FeesQuoteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "fees_quote_total",
		Help:      "Total fees paid in quote currency, by controller.",
	}, []string{"controller"})
)

// System metrics.
var (
	ControlStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "positron",
		Name:      "control_step_duration_seconds",
		Help:      "Duration of orchestrator report/reap cycles.",
		Buckets:   prometheus.DefBuckets,
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positron",
		Name:      "errors_total",
		Help:      "Total internal errors, by type.",
	}, []string{"type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "positron",
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo records build metadata as a constant gauge.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
