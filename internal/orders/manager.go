// Package orders places, polls, and reconciles broker orders. The manager is
// the only component that talks to the broker's order endpoints: sizing,
// client order IDs, fill confirmation, and the position bookkeeping around
// fills all live here.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
	"github.com/eddiefleurent/schrute_scalper/internal/stops"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
	"github.com/eddiefleurent/schrute_scalper/internal/util"
)

// equityTick is the minimum price increment for listed equities.
const equityTick = 0.01

// Config bounds order placement and fill polling.
type Config struct {
	// PollInterval is how often a working order's status is re-checked.
	PollInterval time.Duration
	// OrderTimeout is how long to wait for a market order to fill before
	// verifying broker state and canceling.
	OrderTimeout time.Duration
	// CallTimeout is the budget for a single broker request.
	CallTimeout time.Duration
}

// DefaultConfig matches the engine's standard order budget.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	OrderTimeout: 10 * time.Second,
	CallTimeout:  5 * time.Second,
}

// ErrStopFilled reports that a resting protective stop filled while it was
// being replaced or canceled. The position is already flat at the broker;
// the caller should let reconciliation book the close from the stop's fill.
var ErrStopFilled = errors.New("protective stop filled")

// Manager owns order placement and the position lifecycle around fills.
type Manager struct {
	broker   broker.Broker
	store    storage.Interface
	risk     *risk.Manager
	stops    *stops.Manager
	policies *policy.Table
	bus      *events.Bus
	logger   zerolog.Logger
	cfg      Config
	retryCfg retry.Config

	mu      sync.Mutex
	pending map[string]struct{} // symbol+side entries in flight
}

// NewManager creates an order manager. Zero-valued config fields fall back
// to DefaultConfig.
func NewManager(
	b broker.Broker,
	store storage.Interface,
	riskMgr *risk.Manager,
	stopMgr *stops.Manager,
	policies *policy.Table,
	bus *events.Bus,
	logger zerolog.Logger,
	cfg Config,
) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig.OrderTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	return &Manager{
		broker:   b,
		store:    store,
		risk:     riskMgr,
		stops:    stopMgr,
		policies: policies,
		bus:      bus,
		logger:   logger.With().Str("component", "orders").Logger(),
		cfg:      cfg,
		retryCfg: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Timeout:        cfg.OrderTimeout,
		},
		pending: make(map[string]struct{}),
	}
}

// EntryRequest carries everything needed to size and submit one entry.
type EntryRequest struct {
	Signal      *strategy.Signal
	Policy      policy.Policy
	Equity      float64
	Price       float64 // reference price for sizing and fill fallbacks
	AccountRisk float64 // fraction of equity risked per trade
	MaxNotional float64 // per-position notional cap, 0 disables the clamp
	Confidence  float64
	Indicators  map[string]float64
	CycleTime   time.Time
}

// PlaceEntry sizes, submits, and confirms an entry order, then opens the
// position in the store and the risk ledger. Entries require a granted
// approval from the risk gate; a rejection has no way in here. The returned
// position carries the actual fill price and quantity.
func (m *Manager) PlaceEntry(ctx context.Context, req EntryRequest, appr risk.Approved) (*models.Position, error) {
	sig := req.Signal
	if sig == nil || !sig.IsEntry() {
		return nil, errors.New("entry request without an entry signal")
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("no reference price for %s", sig.Symbol)
	}
	if !appr.Granted() {
		return nil, fmt.Errorf("entry for %s lacks a granted risk approval", sig.Symbol)
	}
	key := models.PositionKey(sig.Symbol, sig.Direction())
	if !m.claimEntry(key) {
		return nil, fmt.Errorf("entry for %s already in flight", key)
	}
	defer m.releaseEntry(key)

	qty := sig.ProposedQty
	if qty <= 0 {
		var err error
		qty, err = SizeEntry(req)
		if err != nil {
			return nil, err
		}
	}
	if notional := float64(qty) * req.Price; notional > appr.Notional() {
		return nil, fmt.Errorf("entry notional %.2f for %s exceeds approved %.2f",
			notional, sig.Symbol, appr.Notional())
	}

	side := broker.OrderSideBuy
	if sig.Direction() == models.SideShort {
		side = broker.OrderSideSell
	}
	clientID := clientOrderID(sig.Symbol, req.CycleTime,
		fmt.Sprintf("entry|%s|%s|%d", sig.Action, sig.Strategy, qty))

	orderReq := broker.OrderRequest{
		Symbol:        sig.Symbol,
		Qty:           qty,
		Side:          side,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TimeInForceDay,
		ClientOrderID: clientID,
	}
	if sig.LimitPrice > 0 {
		orderReq.Type = broker.OrderTypeLimit
		orderReq.LimitPrice = util.RoundToTick(sig.LimitPrice, equityTick)
	}

	submitted, err := m.submit(ctx, orderReq)
	if err != nil {
		m.orderFailed(sig.Symbol, clientID, "entry", err)
		return nil, fmt.Errorf("submitting entry for %s: %w", sig.Symbol, err)
	}
	metrics.RecordOrderStatus(metrics.OrderStatusSubmitted)
	m.bus.Publish(events.Event{
		Type: events.OrderSubmitted, Symbol: sig.Symbol, At: time.Now().UTC(),
		Reason: string(sig.Action),
		Fields: map[string]float64{"qty": float64(qty)},
	})

	final, err := m.awaitFill(ctx, submitted)
	if err != nil {
		m.orderFailed(sig.Symbol, clientID, "entry", err)
		return nil, fmt.Errorf("entry fill for %s: %w", sig.Symbol, err)
	}

	fillQty := final.FilledQty
	if fillQty <= 0 {
		fillQty = qty
	}
	fillPrice := final.FilledAvgPrice
	if fillPrice <= 0 {
		fillPrice = req.Price
	}
	filledAt := final.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now().UTC()
	}

	pos, err := models.NewPosition(uuid.New().String(), sig.Symbol, sig.Direction(),
		fillQty, fillPrice, filledAt, req.Policy)
	if err != nil {
		return nil, fmt.Errorf("building position for %s: %w", sig.Symbol, err)
	}
	pos.EntryOrderID = final.ID
	pos.Strategy = sig.Strategy
	pos.ConfidenceAtEntry = req.Confidence
	pos.IndicatorsAtEntry = req.Indicators

	if err := m.store.SetPosition(pos); err != nil {
		m.logger.Error().Err(err).
			Str("symbol", sig.Symbol).
			Str("order_id", shortID(final.ID)).
			Msg("filled entry could not be persisted")
		return nil, fmt.Errorf("persisting position for %s: %w", sig.Symbol, err)
	}
	m.risk.RecordEntry(pos)
	metrics.RecordOrderStatus(metrics.OrderStatusFilled)
	m.bus.Publish(events.Event{
		Type: events.OrderFilled, Symbol: sig.Symbol, At: filledAt,
		Reason: string(sig.Action),
		Fields: map[string]float64{"qty": float64(fillQty), "price": fillPrice},
	})
	m.logger.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(pos.Side)).
		Str("strategy", sig.Strategy).
		Int("qty", fillQty).
		Float64("price", fillPrice).
		Msg("entry filled")
	return pos, nil
}

// PlaceProtectiveStop rests a stop order at the position's current stop
// level. Longs get a sell stop, shorts a buy-to-cover stop. The order ID is
// recorded on the position so reconciliation can match the fill later.
func (m *Manager) PlaceProtectiveStop(ctx context.Context, pos *models.Position) (string, error) {
	stopPrice := util.RoundToTick(pos.CurrentStopPrice, equityTick)
	if stopPrice <= 0 {
		return "", fmt.Errorf("position %s has no stop level", pos.Symbol)
	}
	side := broker.OrderSideSell
	if pos.Side == models.SideShort {
		side = broker.OrderSideBuy
	}
	clientID := clientOrderID(pos.Symbol, pos.EntryTime,
		fmt.Sprintf("stop|%s|%.2f", pos.ID, stopPrice))

	ord, err := m.submit(ctx, broker.OrderRequest{
		Symbol:        pos.Symbol,
		Qty:           pos.Quantity,
		Side:          side,
		Type:          broker.OrderTypeStop,
		StopPrice:     stopPrice,
		TimeInForce:   broker.TimeInForceDay,
		ClientOrderID: clientID,
	})
	if err != nil {
		m.orderFailed(pos.Symbol, clientID, "protective_stop", err)
		return "", fmt.Errorf("placing stop for %s: %w", pos.Symbol, err)
	}

	pos.StopOrderID = ord.ID
	if err := m.store.SetPosition(pos); err != nil {
		return "", fmt.Errorf("recording stop order for %s: %w", pos.Symbol, err)
	}
	metrics.RecordOrderStatus(metrics.OrderStatusSubmitted)
	m.bus.Publish(events.Event{
		Type: events.OrderSubmitted, Symbol: pos.Symbol, At: time.Now().UTC(),
		Reason: "protective_stop",
		Fields: map[string]float64{"stop": stopPrice, "qty": float64(pos.Quantity)},
	})
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("order_id", shortID(ord.ID)).
		Float64("stop", stopPrice).
		Msg("protective stop resting")
	return ord.ID, nil
}

// ReplaceProtectiveStop cancels the resting stop and re-places it at the
// position's current stop level. Returns ErrStopFilled when the cancel loses
// a race with the stop's own fill; the position is flat at the broker then
// and the next reconcile pass books the close.
func (m *Manager) ReplaceProtectiveStop(ctx context.Context, pos *models.Position) (string, error) {
	if pos.StopOrderID != "" {
		err := m.cancelOrder(ctx, pos.StopOrderID)
		switch {
		case err == nil || broker.IsNotFound(err):
		case broker.IsPermanentAPIError(err):
			// Cancel bounced off a terminal order. If it filled, the
			// position is gone and a new stop would open a naked order.
			cur, gerr := m.getOrder(ctx, &broker.Order{ID: pos.StopOrderID})
			if gerr == nil && orderFilledAny(cur) {
				return "", fmt.Errorf("%w: order %s", ErrStopFilled, shortID(pos.StopOrderID))
			}
		default:
			return "", fmt.Errorf("canceling stop for %s: %w", pos.Symbol, err)
		}
		pos.StopOrderID = ""
	}
	return m.PlaceProtectiveStop(ctx, pos)
}

// EnsureProtectiveStop places the resting stop if the position has none.
// Covers adopted positions and placements that failed on entry.
func (m *Manager) EnsureProtectiveStop(ctx context.Context, pos *models.Position) error {
	if pos.StopOrderID != "" {
		return nil
	}
	_, err := m.PlaceProtectiveStop(ctx, pos)
	return err
}

// ClosePosition flattens the position at market and books the completed
// trade. The resting stop is canceled first so the close cannot double-fill.
// at seeds the close order's client ID, so retries within one cycle are
// idempotent while later cycles submit fresh.
func (m *Manager) ClosePosition(ctx context.Context, pos *models.Position, reason string, at time.Time) error {
	if pos.StopOrderID != "" {
		err := m.cancelOrder(ctx, pos.StopOrderID)
		switch {
		case err == nil || broker.IsNotFound(err):
			pos.StopOrderID = ""
		case broker.IsPermanentAPIError(err):
			cur, gerr := m.getOrder(ctx, &broker.Order{ID: pos.StopOrderID})
			if gerr == nil && orderFilledAny(cur) {
				// The stop beat us to it; its fill is the exit.
				return m.finalizeClose(pos, cur, stopReason(pos))
			}
			pos.StopOrderID = ""
		default:
			return fmt.Errorf("canceling stop before close of %s: %w", pos.Symbol, err)
		}
	}

	side := broker.OrderSideSell
	action := models.ActionSellToClose
	if pos.Side == models.SideShort {
		side = broker.OrderSideBuy
		action = models.ActionBuyToCover
	}
	clientID := clientOrderID(pos.Symbol, at, fmt.Sprintf("close|%s|%s", pos.ID, reason))

	submitted, err := m.submit(ctx, broker.OrderRequest{
		Symbol:        pos.Symbol,
		Qty:           pos.Quantity,
		Side:          side,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TimeInForceDay,
		ClientOrderID: clientID,
	})
	if err != nil {
		m.orderFailed(pos.Symbol, clientID, "close", err)
		return fmt.Errorf("submitting close for %s: %w", pos.Symbol, err)
	}

	pos.ExitOrderID = submitted.ID
	pos.ExitReason = reason
	if err := m.store.SetPosition(pos); err != nil {
		// The close order is live regardless; keep going.
		m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("close order not recorded")
	}
	metrics.RecordOrderStatus(metrics.OrderStatusSubmitted)
	m.bus.Publish(events.Event{
		Type: events.OrderSubmitted, Symbol: pos.Symbol, At: time.Now().UTC(),
		Reason: string(action),
		Fields: map[string]float64{"qty": float64(pos.Quantity)},
	})

	final, err := m.awaitFill(ctx, submitted)
	if err != nil {
		// The close may still fill after the timeout; reconciliation
		// resolves it next cycle via the recorded exit order ID.
		m.orderFailed(pos.Symbol, clientID, "close", err)
		return fmt.Errorf("close fill for %s: %w", pos.Symbol, err)
	}
	return m.finalizeClose(pos, final, reason)
}

// finalizeClose books the completed trade from the exit order's fill and
// releases the position from the store and the risk ledger.
func (m *Manager) finalizeClose(pos *models.Position, fill *broker.Order, reason string) error {
	exitPrice := fill.FilledAvgPrice
	if exitPrice <= 0 {
		exitPrice = pos.CurrentPrice
	}
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	exitTime := fill.FilledAt
	if exitTime.IsZero() {
		exitTime = time.Now().UTC()
	}

	trade, err := m.store.ClosePosition(pos.Symbol, pos.Side, exitPrice, exitTime, reason)
	if err != nil {
		return fmt.Errorf("booking close of %s: %w", pos.Symbol, err)
	}
	m.risk.RecordClose(pos, trade.RealizedPnL)
	metrics.RecordOrderStatus(metrics.OrderStatusFilled)
	m.bus.Publish(events.Event{
		Type: events.OrderFilled, Symbol: pos.Symbol, At: exitTime, Reason: reason,
		Fields: map[string]float64{
			"qty":   float64(trade.Quantity),
			"price": exitPrice,
			"pnl":   trade.RealizedPnL,
		},
	})
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("exit_price", exitPrice).
		Float64("pnl", trade.RealizedPnL).
		Str("reason", reason).
		Msg("position closed")
	return nil
}

// submit sends the order with bounded retries. Deterministic client IDs make
// resubmission safe: a duplicate rejection means an earlier attempt reached
// the broker, so the original order is looked up and reused. If the looked-up
// order already died unfilled, its ID is retired and one salted resubmission
// goes out in its place.
func (m *Manager) submit(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	ord, adopted, err := m.submitOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if adopted && ord.Status.IsTerminal() && ord.FilledQty == 0 {
		m.logger.Warn().
			Str("client_id", req.ClientOrderID).
			Str("status", string(ord.Status)).
			Msg("client order id pinned to a dead order, resubmitting")
		salted := req
		salted.ClientOrderID = clientOrderID(req.Symbol, time.Now().UTC(), uuid.New().String())
		ord, _, err = m.submitOnce(ctx, salted)
		if err != nil {
			return nil, err
		}
	}
	return ord, nil
}

func (m *Manager) submitOnce(ctx context.Context, req broker.OrderRequest) (*broker.Order, bool, error) {
	adopted := false
	ord, err := retry.Do(ctx, m.retryCfg, m.logger, "submit_order",
		func(ctx context.Context) (*broker.Order, error) {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()
			ord, err := m.broker.SubmitOrder(callCtx, req)
			if broker.IsDuplicateClientOrderID(err) {
				adopted = true
				return m.broker.GetOrderByClientID(callCtx, req.ClientOrderID)
			}
			return ord, err
		})
	return ord, adopted, err
}

// awaitFill polls the order until it fills or the fill budget runs out. A
// terminal order that still reports filled shares counts as a (partial)
// fill; the position takes the filled quantity and reconciliation trues up
// any remainder against the broker.
func (m *Manager) awaitFill(ctx context.Context, ord *broker.Order) (*broker.Order, error) {
	if ord.Status.IsFilled() {
		return ord, nil
	}

	deadline := time.NewTimer(m.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting fill of %s: %w", shortID(ord.ID), ctx.Err())
		case <-deadline.C:
			return m.verifyAfterTimeout(ctx, ord)
		case <-ticker.C:
			cur, err := m.getOrder(ctx, ord)
			if err != nil {
				m.logger.Warn().Err(err).
					Str("order_id", shortID(ord.ID)).
					Msg("fill poll failed")
				continue
			}
			switch {
			case cur.Status.IsFilled():
				return cur, nil
			case cur.Status.IsTerminal() && cur.FilledQty > 0:
				return cur, nil
			case cur.Status.IsTerminal():
				return nil, fmt.Errorf("order %s ended %s before filling", shortID(cur.ID), cur.Status)
			}
		}
	}
}

// verifyAfterTimeout checks broker state one final time when the fill budget
// runs out. A late fill is accepted; a still-working order is canceled so it
// cannot fill after the engine has moved on.
func (m *Manager) verifyAfterTimeout(ctx context.Context, ord *broker.Order) (*broker.Order, error) {
	cur, err := m.getOrder(ctx, ord)
	if err != nil {
		return nil, fmt.Errorf("order %s timed out and state could not be verified: %w", shortID(ord.ID), err)
	}
	if orderFilledAny(cur) {
		return cur, nil
	}
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("order %s ended %s before filling", shortID(cur.ID), cur.Status)
	}

	cancelErr := m.cancelOrder(ctx, cur.ID)
	if cancelErr != nil && !broker.IsNotFound(cancelErr) {
		if broker.IsPermanentAPIError(cancelErr) {
			// Cancel raced a fill; look once more.
			if again, gerr := m.getOrder(ctx, ord); gerr == nil && orderFilledAny(again) {
				return again, nil
			}
		}
		return nil, fmt.Errorf("order %s timed out and cancel failed: %w", shortID(cur.ID), cancelErr)
	}
	metrics.RecordOrderStatus(metrics.OrderStatusCanceled)
	return nil, fmt.Errorf("order %s timed out after %s and was canceled", shortID(ord.ID), m.cfg.OrderTimeout)
}

func (m *Manager) getOrder(ctx context.Context, ord *broker.Order) (*broker.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if ord.ID != "" {
		return m.broker.GetOrder(callCtx, ord.ID)
	}
	return m.broker.GetOrderByClientID(callCtx, ord.ClientOrderID)
}

func (m *Manager) cancelOrder(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.broker.CancelOrder(callCtx, orderID)
}

func (m *Manager) orderFailed(symbol, clientID, kind string, err error) {
	metrics.RecordOrderStatus(metrics.OrderStatusFailed)
	m.bus.Publish(events.Event{
		Type: events.OrderFailed, Symbol: symbol, At: time.Now().UTC(),
		Reason: kind + ": " + err.Error(),
	})
	m.logger.Error().Err(err).
		Str("symbol", symbol).
		Str("client_id", clientID).
		Str("kind", kind).
		Msg("order failed")
}

// SizeEntry converts the account risk budget into shares. The stop distance
// is the risk per share, so qty = floor(risk dollars / (price * stopPct)),
// scaled by the symbol's size multiplier and clamped to the notional cap.
// Exposed so callers can price the intended notional before the risk gate.
func SizeEntry(req EntryRequest) (int, error) {
	perShareRisk := req.Price * req.Policy.StopPct
	if perShareRisk <= 0 {
		return 0, fmt.Errorf("no stop distance for %s", req.Signal.Symbol)
	}
	base := math.Floor(req.AccountRisk * req.Equity / perShareRisk)
	qty := int(math.Floor(base * req.Policy.SizeMultiplier))
	if req.MaxNotional > 0 {
		if maxQty := int(math.Floor(req.MaxNotional / req.Price)); qty > maxQty {
			qty = maxQty
		}
	}
	if qty <= 0 {
		return 0, fmt.Errorf("size for %s rounded to zero (equity %.2f, price %.2f)",
			req.Signal.Symbol, req.Equity, req.Price)
	}
	return qty, nil
}

// claimEntry registers an in-flight entry for a symbol+side, refusing
// duplicates within the same cycle.
func (m *Manager) claimEntry(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[key]; exists {
		return false
	}
	m.pending[key] = struct{}{}
	return true
}

func (m *Manager) releaseEntry(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
}

// clientOrderID derives a deterministic client order ID from the order's
// intent. Retries of the same intent reuse the ID, so a double submission
// resolves to the broker's duplicate rejection instead of a second order.
func clientOrderID(symbol string, ts time.Time, intent string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", symbol, ts.Unix(), intent)))
	return "sch-" + hex.EncodeToString(sum[:8])
}

// stopReason maps the position's trailing state to the exit reason its stop
// fill should book.
func stopReason(pos *models.Position) string {
	if pos.TrailingActive {
		return models.ExitReasonTrail
	}
	return models.ExitReasonStop
}

// orderFilledAny reports whether the order filled fully or partially.
func orderFilledAny(ord *broker.Order) bool {
	return ord.Status.IsFilled() || ord.FilledQty > 0
}

// shortID trims an order ID for log lines.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
