package broker

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Timeframe identifies a bar aggregation window.
type Timeframe string

// Supported bar timeframes.
const (
	TimeframeMinute     Timeframe = "1Min"
	TimeframeFiveMinute Timeframe = "5Min"
	TimeframeFifteenMin Timeframe = "15Min"
	TimeframeDay        Timeframe = "1Day"
)

// OrderSide is the wire-level side of an order.
type OrderSide string

// Wire order sides. Short sales and buy-to-cover use the same two values;
// the account's existing position determines the effect.
const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

// Supported order types.
const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

// Supported time-in-force values.
const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

// Order lifecycle states.
const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusDoneForDay      OrderStatus = "done_for_day"
)

// IsTerminal reports whether the order has reached a final state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected, OrderStatusDoneForDay:
		return true
	}
	return false
}

// IsFilled reports whether the order filled completely.
func (s OrderStatus) IsFilled() bool {
	return s == OrderStatusFilled
}

// Account holds the trading account state used for sizing and risk checks.
type Account struct {
	ID               string
	Status           string
	Equity           float64
	LastEquity       float64 // equity at the previous close; zero when the venue does not report it
	Cash             float64
	BuyingPower      float64
	DaytradeCount    int
	PatternDayTrader bool
}

// PositionItem is a single open position as reported by the broker.
type PositionItem struct {
	Symbol        string
	Qty           float64 // negative for shorts
	AvgEntryPrice float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPL  float64
}

// IsShort reports whether the broker position is a short.
func (p PositionItem) IsShort() bool {
	return p.Qty < 0
}

// Bar is a single OHLCV aggregation for a symbol.
type Bar struct {
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	VWAP       float64
	TradeCount int64
}

// Quote is the latest top-of-book quote for a symbol.
type Quote struct {
	Symbol    string
	BidPrice  float64
	BidSize   int64
	AskPrice  float64
	AskSize   int64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, falling back to whichever side is set.
func (q *Quote) Mid() float64 {
	if q.BidPrice > 0 && q.AskPrice > 0 {
		return (q.BidPrice + q.AskPrice) / 2
	}
	if q.AskPrice > 0 {
		return q.AskPrice
	}
	return q.BidPrice
}

// Trade is the latest trade print for a symbol.
type Trade struct {
	Symbol    string
	Price     float64
	Size      int64
	Timestamp time.Time
}

// Snapshot bundles the latest market state for a symbol in one call.
type Snapshot struct {
	Symbol       string
	LatestTrade  Trade
	LatestQuote  Quote
	MinuteBar    Bar
	DailyBar     Bar
	PrevDailyBar Bar
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	LimitPrice    float64 // used when Type is limit or stop_limit
	StopPrice     float64 // used when Type is stop or stop_limit
	ClientOrderID string
	ExtendedHours bool
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Qty            int
	FilledQty      int
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	Status         OrderStatus
	LimitPrice     float64
	StopPrice      float64
	FilledAvgPrice float64
	SubmittedAt    time.Time
	FilledAt       time.Time
}

// CalendarDay is one trading session from the exchange calendar.
type CalendarDay struct {
	Date  string // 2006-01-02
	Open  string // 09:30
	Close string // 16:00
}

// MarketClock is the broker's view of the current session.
type MarketClock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Broker defines the interface for interacting with an equities brokerage.
type Broker interface {
	// Account operations
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)

	// Market data
	GetBars(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Bar, error)
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)

	// Order placement and management
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Session state
	GetClock(ctx context.Context) (*MarketClock, error)
	GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 404
	}
	return false
}

// IsDuplicateClientOrderID reports whether err is the API's 422 rejection of
// a reused client order ID. The original submission reached the broker, so
// the caller should look the order up by client ID instead of resubmitting.
func IsDuplicateClientOrderID(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 422 && strings.Contains(apiErr.Body, "client_order_id")
	}
	return false
}

// IsPermanentAPIError checks if an error is a permanent API error that should
// not be retried. 4xx errors are permanent except 429 Too Many Requests.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// GetAccount wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Account, error) { return b.GetAccount(ctx) })
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions(ctx) })
}

// GetBars wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetBars(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Bar, error) {
		return b.GetBars(ctx, symbol, timeframe, limit)
	})
}

// GetSnapshot wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Snapshot, error) {
		return b.GetSnapshot(ctx, symbol)
	})
}

// SubmitOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// GetOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrder(ctx, orderID)
	})
}

// GetOrderByClientID wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrderByClientID(ctx, clientOrderID)
	})
}

// GetOpenOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) { return b.GetOpenOrders(ctx) })
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetClock(ctx context.Context) (*MarketClock, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClock, error) { return b.GetClock(ctx) })
}

// GetCalendar wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]CalendarDay, error) {
		return b.GetCalendar(ctx, start, end)
	})
}
