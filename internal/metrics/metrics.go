// Package metrics exposes the engine's Prometheus surface. Label values are
// drawn from bounded sets so cardinality stays fixed regardless of watchlist
// size or error text.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded rejection reason labels.
const (
	RejectConfidence    = "confidence_below_threshold"
	RejectDirection     = "direction_mismatch"
	RejectComputeError  = "compute_error"
	RejectNotionalCap   = "notional_cap"
	RejectPositionCount = "position_count"
	RejectShortExposure = "short_exposure"
	RejectDailyLoss     = "daily_loss_cap"
	RejectTradeCount    = "daily_trade_count"
	RejectKillSwitch    = "kill_switch"
	RejectOther         = "other"
)

// NormalizeRejectReason maps arbitrary rejection text to the bounded label set.
func NormalizeRejectReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "confidence"):
		return RejectConfidence
	case strings.Contains(lower, "direction"):
		return RejectDirection
	case strings.Contains(lower, "error") || strings.Contains(lower, "insufficient"):
		return RejectComputeError
	case strings.Contains(lower, "notional"):
		return RejectNotionalCap
	case strings.Contains(lower, "concurrent") || strings.Contains(lower, "position count"):
		return RejectPositionCount
	case strings.Contains(lower, "short exposure"):
		return RejectShortExposure
	case strings.Contains(lower, "daily loss") || strings.Contains(lower, "loss cap"):
		return RejectDailyLoss
	case strings.Contains(lower, "trade count") || strings.Contains(lower, "daily trade"):
		return RejectTradeCount
	case strings.Contains(lower, "kill switch"):
		return RejectKillSwitch
	default:
		return RejectOther
	}
}

// Bounded order status labels.
const (
	OrderStatusSubmitted = "submitted"
	OrderStatusFilled    = "filled"
	OrderStatusFailed    = "failed"
	OrderStatusCanceled  = "canceled"
)

// Cycle metrics.
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_cycles_total",
		Help: "Completed trading cycles",
	})

	CycleSymbolsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_cycle_symbols_skipped_total",
		Help: "Per-symbol cycle work skipped due to data or compute failures",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalper_cycle_duration_seconds",
		Help:    "Wall time of one full cycle across the watchlist",
		Buckets: prometheus.DefBuckets,
	})
)

// Signal metrics.
var (
	SignalsProposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalper_signals_proposed_total",
		Help: "Candidate signals emitted by strategies",
	}, []string{"strategy"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalper_signals_rejected_total",
		Help: "Signals rejected before order placement",
	}, []string{"reason"})

	ConfidenceScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalper_confidence_score",
		Help:    "Final confidence scores from computed results",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)

// Order and position metrics.
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalper_orders_total",
		Help: "Orders by terminal status",
	}, []string{"status"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_open_positions",
		Help: "Currently open positions",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_realized_pnl_today",
		Help: "Realized profit and loss for the current session in USD",
	})

	StopsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_stops_triggered_total",
		Help: "Protective or trailing stops crossed",
	})

	TrailingRaises = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_trailing_raises_total",
		Help: "Trailing stop tighten operations applied",
	})

	PhantomPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalper_phantom_positions_total",
		Help: "Internal positions deleted because the broker does not hold them",
	})

	KillSwitch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_kill_switch",
		Help: "1 when the daily loss cap latched the kill switch",
	})
)

// Broker adapter metrics.
var (
	BrokerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalper_broker_requests_total",
		Help: "Broker API requests by outcome",
	}, []string{"outcome"})

	BrokerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalper_broker_request_seconds",
		Help:    "Broker API request latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// RecordOrderStatus bumps the order counter for a terminal status.
func RecordOrderStatus(status string) {
	switch status {
	case OrderStatusSubmitted, OrderStatusFilled, OrderStatusFailed, OrderStatusCanceled:
		OrdersTotal.WithLabelValues(status).Inc()
	default:
		OrdersTotal.WithLabelValues(OrderStatusFailed).Inc()
	}
}

// RecordRejection bumps the rejection counter under a bounded reason label.
func RecordRejection(reason string) {
	SignalsRejected.WithLabelValues(NormalizeRejectReason(reason)).Inc()
}
