// Package metrics exposes the runner's Prometheus collectors:
//   - ladder_bars_processed_total{symbol}
//   - ladder_bar_errors_total{symbol,kind}     kind: adapter|invariant|panic|stale_sell
//   - ladder_orders_placed_total{symbol,side}
//   - ladder_trades_closed_total{symbol,reason} reason: profit|stop_loss
//   - ladder_open_trades{symbol}
//   - ladder_realized_revenue{symbol}
//   - ladder_queue_dropped_total
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"binance-ladder-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	barsProcessed   *prometheus.CounterVec
	barErrors       *prometheus.CounterVec
	ordersPlaced    *prometheus.CounterVec
	tradesClosed    *prometheus.CounterVec
	openTrades      *prometheus.GaugeVec
	realizedRevenue *prometheus.GaugeVec
	queueDropped    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		barsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ladder_bars_processed_total", Help: "Klines dispatched to a bot"},
			[]string{"symbol"},
		),
		barErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ladder_bar_errors_total", Help: "Klines whose processing failed"},
			[]string{"symbol", "kind"},
		),
		ordersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ladder_orders_placed_total", Help: "Orders placed"},
			[]string{"symbol", "side"},
		),
		tradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ladder_trades_closed_total", Help: "Trades that reached SOLD"},
			[]string{"symbol", "reason"},
		),
		openTrades: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ladder_open_trades", Help: "Trades holding a position"},
			[]string{"symbol"},
		),
		realizedRevenue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ladder_realized_revenue", Help: "Realized revenue in quote asset"},
			[]string{"symbol"},
		),
		queueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ladder_queue_dropped_total", Help: "Klines dropped because the queue was full"},
		),
	}
	reg.MustRegister(m.barsProcessed, m.barErrors, m.ordersPlaced, m.tradesClosed,
		m.openTrades, m.realizedRevenue, m.queueDropped)
	return m
}

func (m *Metrics) BarProcessed(symbol string) {
	if m == nil {
		return
	}
	m.barsProcessed.WithLabelValues(symbol).Inc()
}

func (m *Metrics) BarFailed(symbol, kind string) {
	if m == nil {
		return
	}
	m.barErrors.WithLabelValues(symbol, kind).Inc()
}

// SellStale counts sell orders that closed on the venue without filling.
func (m *Metrics) SellStale(symbol string) {
	if m == nil {
		return
	}
	m.barErrors.WithLabelValues(symbol, "stale_sell").Inc()
}

func (m *Metrics) OrderPlaced(symbol string, side models.Side) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, string(side)).Inc()
}

func (m *Metrics) TradeClosed(symbol string, forced bool) {
	if m == nil {
		return
	}
	reason := "profit"
	if forced {
		reason = "stop_loss"
	}
	m.tradesClosed.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// ObserveStatistics updates the per-symbol gauges from a report.
func (m *Metrics) ObserveStatistics(stats []models.Statistics) {
	if m == nil {
		return
	}
	for _, s := range stats {
		m.openTrades.WithLabelValues(s.Symbol).Set(float64(s.UnrealizedTrades))
		m.realizedRevenue.WithLabelValues(s.Symbol).Set(s.RealizedRevenue.InexactFloat64())
	}
}
