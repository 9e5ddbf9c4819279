// Package metrics exposes the system's Prometheus surface on a private
// registry. Grounded on metrics/metrics.go's namespace/subsystem/label
// layout and promauto.With(registry) wiring; the gauge/counter/histogram
// set is generalized from per-trader equity tracking to per-trade
// options lifecycle tracking.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector behind one struct so components take
// it as a dependency instead of reaching for package-level state.
type Metrics struct {
	Registry *prometheus.Registry

	AlertsReceivedTotal   *prometheus.CounterVec
	AlertsRejectedTotal   *prometheus.CounterVec
	TradesOpenedTotal     *prometheus.CounterVec
	TradesClosedTotal     *prometheus.CounterVec
	TradePnLDollars       prometheus.Histogram
	OpenPositionsGauge    prometheus.Gauge
	OrderLatencySeconds   *prometheus.HistogramVec
	BrokerErrorsTotal     *prometheus.CounterVec
	RiskGateRejections    *prometheus.CounterVec
	SchedulerTickDuration *prometheus.HistogramVec
	SchedulerLoopRunning  *prometheus.GaugeVec
}

// New builds a Metrics bundle on a fresh registry and registers the
// standard process/go collectors alongside it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	const ns = "optionflow"

	return &Metrics{
		Registry: reg,

		AlertsReceivedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "alert", Name: "received_total", Help: "Alerts received by source"},
			[]string{"source"},
		),
		AlertsRejectedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "alert", Name: "rejected_total", Help: "Alerts rejected by reason"},
			[]string{"reason"},
		),
		TradesOpenedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "trade", Name: "opened_total", Help: "Trades promoted from alert to PENDING"},
			[]string{"ticker", "direction"},
		),
		TradesClosedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "trade", Name: "closed_total", Help: "Trades closed by exit reason"},
			[]string{"ticker", "exit_reason"},
		),
		TradePnLDollars: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: ns, Subsystem: "trade", Name: "pnl_dollars", Help: "Realized P&L per closed trade in dollars",
				Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100},
			},
		),
		OpenPositionsGauge: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{Namespace: ns, Subsystem: "trade", Name: "open_positions", Help: "Current count of non-terminal trades"},
		),
		OrderLatencySeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns, Subsystem: "broker", Name: "order_latency_seconds", Help: "Broker order round-trip latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		),
		BrokerErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "broker", Name: "errors_total", Help: "Broker call errors by kind"},
			[]string{"operation", "kind"},
		),
		RiskGateRejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "risk", Name: "gate_rejections_total", Help: "Risk gate rejections by reason"},
			[]string{"reason"},
		),
		SchedulerTickDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns, Subsystem: "scheduler", Name: "tick_duration_seconds", Help: "Periodic loop tick duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"loop"},
		),
		SchedulerLoopRunning: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{Namespace: ns, Subsystem: "scheduler", Name: "loop_running", Help: "Whether a periodic loop is currently running (1) or stopped (0)"},
			[]string{"loop"},
		),
	}
}

// RecordExit records both the counter and the P&L histogram for a
// closed trade in one call, since every call site has both values.
func (m *Metrics) RecordExit(ticker, exitReason string, pnlDollars float64) {
	m.TradesClosedTotal.WithLabelValues(ticker, exitReason).Inc()
	m.TradePnLDollars.Observe(pnlDollars)
}
