package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	max := big.NewInt(n)
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

// simSymbol tracks the synthetic price state for one symbol.
type simSymbol struct {
	price      float64
	stepVol    float64 // per-minute price noise as a fraction of price
	baseVolume int64
}

// SimBroker is an in-memory broker for dry runs. Market orders fill
// immediately at the synthetic price; stop and limit orders stay working
// until canceled. Prices follow a random walk seeded per symbol.
type SimBroker struct {
	mu          sync.Mutex
	symbols     map[string]*simSymbol
	positions   map[string]*PositionItem
	orders      map[string]*Order
	byClientID  map[string]string
	cash        float64
	equity      float64
	startEquity float64
	daytrades   int
	now         func() time.Time
}

// Ensure SimBroker implements Broker at compile time.
var _ Broker = (*SimBroker)(nil)

// NewSimBroker creates a simulated broker with the given starting equity and
// seeded prices for the watchlist symbols.
func NewSimBroker(startingEquity float64, watchlist []string) *SimBroker {
	s := &SimBroker{
		symbols:     make(map[string]*simSymbol, len(watchlist)),
		positions:   make(map[string]*PositionItem),
		orders:      make(map[string]*Order),
		byClientID:  make(map[string]string),
		cash:        startingEquity,
		equity:      startingEquity,
		startEquity: startingEquity,
		now:         time.Now,
	}
	for _, sym := range watchlist {
		s.symbols[strings.ToUpper(sym)] = &simSymbol{
			price:      15.0 + secureFloat64()*85.0,
			stepVol:    0.0005 + secureFloat64()*0.004,
			baseVolume: 50_000 + secureInt63n(450_000),
		}
	}
	return s
}

// WithClock overrides the time source (tests).
func (s *SimBroker) WithClock(now func() time.Time) *SimBroker {
	if now != nil {
		s.now = now
	}
	return s
}

// SetPrice pins a symbol's price (tests and scenario replays).
func (s *SimBroker) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := s.ensureSymbol(symbol)
	sym.price = price
}

func (s *SimBroker) ensureSymbol(symbol string) *simSymbol {
	symbol = strings.ToUpper(symbol)
	sym, ok := s.symbols[symbol]
	if !ok {
		sym = &simSymbol{
			price:      15.0 + secureFloat64()*85.0,
			stepVol:    0.0005 + secureFloat64()*0.004,
			baseVolume: 50_000 + secureInt63n(450_000),
		}
		s.symbols[symbol] = sym
	}
	return sym
}

// step advances the random walk by one tick.
func (sym *simSymbol) step() {
	drift := (secureFloat64() - 0.5) * 2 * sym.stepVol * sym.price
	sym.price = math.Max(0.01, sym.price+drift)
}

// GetAccount reports the simulated account.
func (s *SimBroker) GetAccount(_ context.Context) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := s.cash
	for _, p := range s.positions {
		sym := s.ensureSymbol(p.Symbol)
		equity += p.Qty * sym.price
	}
	s.equity = equity

	return &Account{
		ID:            "sim-account",
		Status:        "ACTIVE",
		Equity:        equity,
		LastEquity:    s.startEquity,
		Cash:          s.cash,
		BuyingPower:   equity * 2,
		DaytradeCount: s.daytrades,
	}, nil
}

// GetPositions reports open simulated positions.
func (s *SimBroker) GetPositions(_ context.Context) ([]PositionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]PositionItem, 0, len(s.positions))
	for _, p := range s.positions {
		sym := s.ensureSymbol(p.Symbol)
		item := *p
		item.CurrentPrice = sym.price
		item.MarketValue = p.Qty * sym.price
		item.UnrealizedPL = (sym.price - p.AvgEntryPrice) * p.Qty
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	return items, nil
}

// GetBars synthesizes a chronological run of bars ending at the current price.
func (s *SimBroker) GetBars(_ context.Context, symbol string, timeframe Timeframe, limit int) ([]Bar, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("bar limit must be positive, got %d", limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sym := s.ensureSymbol(symbol)
	sym.step()

	interval := time.Minute
	switch timeframe {
	case TimeframeFiveMinute:
		interval = 5 * time.Minute
	case TimeframeFifteenMin:
		interval = 15 * time.Minute
	case TimeframeDay:
		interval = 24 * time.Hour
	}

	end := s.now().Truncate(interval)
	bars := make([]Bar, limit)

	// Walk backwards from the current price so the last bar closes at it.
	closePrice := sym.price
	for i := limit - 1; i >= 0; i-- {
		noise := sym.stepVol * closePrice
		open := closePrice + (secureFloat64()-0.5)*2*noise
		high := math.Max(open, closePrice) + secureFloat64()*noise
		low := math.Min(open, closePrice) - secureFloat64()*noise
		low = math.Max(0.01, low)
		volume := sym.baseVolume/2 + secureInt63n(sym.baseVolume)
		ts := end.Add(-time.Duration(limit-i) * interval)
		bars[i] = Bar{
			Timestamp:  ts,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closePrice,
			Volume:     volume,
			TradeCount: volume / 100,
			VWAP:       (high + low + closePrice) / 3,
		}
		closePrice = open
	}
	return bars, nil
}

// GetSnapshot reports the current synthetic market state for a symbol.
func (s *SimBroker) GetSnapshot(_ context.Context, symbol string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym := s.ensureSymbol(symbol)
	sym.step()

	now := s.now()
	spread := math.Max(0.01, sym.price*0.0002)
	price := sym.price

	bar := Bar{
		Timestamp:  now.Truncate(time.Minute),
		Open:       price - (secureFloat64()-0.5)*spread,
		High:       price + secureFloat64()*spread,
		Low:        math.Max(0.01, price-secureFloat64()*spread),
		Close:      price,
		Volume:     sym.baseVolume / 390,
		TradeCount: 50,
		VWAP:       price,
	}

	return &Snapshot{
		Symbol: strings.ToUpper(symbol),
		LatestTrade: Trade{
			Symbol:    strings.ToUpper(symbol),
			Price:     price,
			Size:      100,
			Timestamp: now,
		},
		LatestQuote: Quote{
			Symbol:    strings.ToUpper(symbol),
			BidPrice:  price - spread/2,
			BidSize:   secureInt63n(50) + 1,
			AskPrice:  price + spread/2,
			AskSize:   secureInt63n(50) + 1,
			Timestamp: now,
		},
		MinuteBar: bar,
		DailyBar:  bar,
	}, nil
}

// SubmitOrder accepts an order. Market orders fill at the synthetic price.
// Duplicate client order IDs are rejected with a 422 like the live API.
func (s *SimBroker) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("order symbol cannot be empty")
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ClientOrderID != "" {
		if _, exists := s.byClientID[req.ClientOrderID]; exists {
			return nil, &APIError{Status: 422, Body: fmt.Sprintf("client_order_id must be unique: %s", req.ClientOrderID)}
		}
	}

	sym := s.ensureSymbol(req.Symbol)
	now := s.now()
	tif := req.TimeInForce
	if tif == "" {
		tif = TimeInForceDay
	}

	order := &Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        strings.ToUpper(req.Symbol),
		Qty:           req.Qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   tif,
		Status:        OrderStatusAccepted,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		SubmittedAt:   now,
	}

	if req.Type == OrderTypeMarket {
		// Fill immediately with a half-spread of slippage.
		slip := math.Max(0.01, sym.price*0.0001)
		fillPrice := sym.price
		if req.Side == OrderSideBuy {
			fillPrice += slip
		} else {
			fillPrice -= slip
		}
		order.Status = OrderStatusFilled
		order.FilledQty = req.Qty
		order.FilledAvgPrice = fillPrice
		order.FilledAt = now
		s.applyFill(order)
	}

	s.orders[order.ID] = order
	if order.ClientOrderID != "" {
		s.byClientID[order.ClientOrderID] = order.ID
	}

	cp := *order
	return &cp, nil
}

// applyFill updates positions and cash for a filled order. Callers hold mu.
func (s *SimBroker) applyFill(order *Order) {
	qty := float64(order.FilledQty)
	if order.Side == OrderSideSell {
		qty = -qty
	}

	pos, ok := s.positions[order.Symbol]
	if !ok {
		s.positions[order.Symbol] = &PositionItem{
			Symbol:        order.Symbol,
			Qty:           qty,
			AvgEntryPrice: order.FilledAvgPrice,
		}
	} else {
		prevQty := pos.Qty
		newQty := prevQty + qty
		if math.Abs(newQty) < math.Abs(prevQty) {
			// Reducing or closing counts toward the day trade tally.
			s.daytrades++
		}
		if newQty == 0 {
			delete(s.positions, order.Symbol)
		} else {
			if (prevQty > 0) == (newQty > 0) && math.Abs(newQty) > math.Abs(prevQty) {
				// Adding to the same side re-averages the entry.
				pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(prevQty) + order.FilledAvgPrice*math.Abs(qty)) / math.Abs(newQty)
			}
			pos.Qty = newQty
		}
	}

	s.cash -= qty * order.FilledAvgPrice
}

// GetOrder returns a simulated order by broker ID.
func (s *SimBroker) GetOrder(_ context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, &APIError{Status: 404, Body: fmt.Sprintf("order not found: %s", orderID)}
	}
	cp := *order
	return &cp, nil
}

// GetOrderByClientID returns a simulated order by client order ID.
func (s *SimBroker) GetOrderByClientID(_ context.Context, clientOrderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byClientID[clientOrderID]
	if !ok {
		return nil, &APIError{Status: 404, Body: fmt.Sprintf("order not found for client id: %s", clientOrderID)}
	}
	cp := *s.orders[id]
	return &cp, nil
}

// GetOpenOrders returns all working simulated orders.
func (s *SimBroker) GetOpenOrders(_ context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]Order, 0)
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].SubmittedAt.Before(orders[j].SubmittedAt) })
	return orders, nil
}

// CancelOrder cancels a working simulated order.
func (s *SimBroker) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return &APIError{Status: 404, Body: fmt.Sprintf("order not found: %s", orderID)}
	}
	if order.Status.IsTerminal() {
		return &APIError{Status: 422, Body: fmt.Sprintf("order %s is not cancelable", orderID)}
	}
	order.Status = OrderStatusCanceled
	return nil
}

// GetClock reports a market that is open on weekdays 09:30-16:00 ET.
func (s *SimBroker) GetClock(_ context.Context) (*MarketClock, error) {
	now := s.now().In(etLocation())
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, now.Location())
	close := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, now.Location())

	isOpen := now.Weekday() != time.Saturday && now.Weekday() != time.Sunday &&
		!now.Before(open) && now.Before(close)

	next := open
	if !now.Before(open) {
		next = open.AddDate(0, 0, 1)
	}
	return &MarketClock{
		Timestamp: now,
		IsOpen:    isOpen,
		NextOpen:  next,
		NextClose: close,
	}, nil
}

// GetCalendar reports weekday sessions between start and end.
func (s *SimBroker) GetCalendar(_ context.Context, start, end time.Time) ([]CalendarDay, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("calendar end %s before start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	var days []CalendarDay
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, CalendarDay{
			Date:  d.Format("2006-01-02"),
			Open:  "09:30",
			Close: "16:00",
		})
	}
	return days, nil
}

func etLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}
