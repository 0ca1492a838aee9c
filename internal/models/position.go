package models

import (
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// Side is the direction of a position.
type Side string

const (
	// SideLong profits when price rises.
	SideLong Side = "long"
	// SideShort profits when price falls.
	SideShort Side = "short"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	switch s {
	case SideLong, SideShort:
		return true
	default:
		return false
	}
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Action is the order intent a strategy proposes.
type Action string

const (
	// ActionBuy opens a long position.
	ActionBuy Action = "buy"
	// ActionSellToClose flattens a long position.
	ActionSellToClose Action = "sell_to_close"
	// ActionShort opens a short position.
	ActionShort Action = "short"
	// ActionBuyToCover flattens a short position.
	ActionBuyToCover Action = "buy_to_cover"
)

// Valid returns true if the Action is one of the defined constants.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSellToClose, ActionShort, ActionBuyToCover:
		return true
	default:
		return false
	}
}

// IsEntry reports whether the action opens a new position.
func (a Action) IsEntry() bool {
	return a == ActionBuy || a == ActionShort
}

// Direction returns the position side the action establishes or closes.
func (a Action) Direction() Side {
	switch a {
	case ActionShort, ActionBuyToCover:
		return SideShort
	default:
		return SideLong
	}
}

// Exit reasons recorded on completed trades.
const (
	ExitReasonStop       = "stop_triggered"
	ExitReasonTarget     = "target_reached"
	ExitReasonTrail      = "trailing_stop"
	ExitReasonSignal     = "exit_signal"
	ExitReasonSessionEnd = "session_end"
	ExitReasonManual     = "manual_close"
	ExitReasonBrokerSync = "broker_sync"
)

// Position represents one open intraday equity position with trailing-stop
// state management. A position is exclusively owned by the position store
// while open; only the trailing stop manager mutates its protective levels.
type Position struct {
	Machine    *TrailMachine `json:"-"`           // Runtime only, excluded from JSON
	TrailState TrailState    `json:"trail_state"` // Canonical persisted state

	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`

	EntryOrderID string `json:"entry_order_id,omitempty"`
	StopOrderID  string `json:"stop_order_id,omitempty"`
	ExitOrderID  string `json:"exit_order_id,omitempty"`

	// Extremes observed since entry; recovery seeds these from
	// max/min(entry, current), never from entry alone.
	HighestPrice float64 `json:"highest_price"`
	LowestPrice  float64 `json:"lowest_price"`

	CurrentStopPrice  float64 `json:"current_stop_price"`
	TakeProfitPrice   float64 `json:"take_profit_price"`
	TrailingActive    bool    `json:"trailing_active"`
	TrailingStopPrice float64 `json:"trailing_stop_price,omitempty"`

	// Policy is a copy of the symbol policy taken at entry. Table changes
	// after entry do not affect open positions.
	Policy policy.Policy `json:"policy"`

	Strategy          string             `json:"strategy,omitempty"`
	ConfidenceAtEntry float64            `json:"confidence_at_entry,omitempty"`
	IndicatorsAtEntry map[string]float64 `json:"indicators_at_entry,omitempty"`

	CurrentPrice float64 `json:"current_price"`
	CurrentPnL   float64 `json:"current_pnl"`
}

// NewPosition creates an open position with initial protective levels derived
// from the policy snapshot. The entry price must be positive and the quantity
// strictly greater than zero.
func NewPosition(id, symbol string, side Side, qty int, entryPrice float64, entryTime time.Time, pol policy.Policy) (*Position, error) {
	if entryPrice <= 0 {
		return nil, fmt.Errorf("position %s: entry price must be positive, got %.4f", id, entryPrice)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("position %s: quantity must be positive, got %d", id, qty)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("position %s: invalid side %q", id, side)
	}

	p := &Position{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Quantity:     qty,
		EntryPrice:   entryPrice,
		EntryTime:    entryTime,
		HighestPrice: entryPrice,
		LowestPrice:  entryPrice,
		CurrentPrice: entryPrice,
		Policy:       pol,
		Machine:      NewTrailMachine(),
		TrailState:   TrailInitial,
	}

	if side == SideLong {
		p.CurrentStopPrice = entryPrice * (1 - pol.StopPct)
		p.TakeProfitPrice = entryPrice * (1 + pol.TargetPct)
	} else {
		p.CurrentStopPrice = entryPrice * (1 + pol.StopPct)
		p.TakeProfitPrice = entryPrice * (1 - pol.TargetPct)
	}

	return p, nil
}

// ensureMachine ensures the TrailMachine is initialized from persisted state.
func (p *Position) ensureMachine() *TrailMachine {
	if p.Machine == nil {
		p.Machine = NewTrailMachineFromState(p.TrailState)
	}
	return p.Machine
}

// State returns the canonical persisted trailing state.
func (p *Position) State() TrailState {
	return p.TrailState
}

// TransitionTrail moves the trailing machine to a new state and keeps the
// canonical persisted state in sync.
func (p *Position) TransitionTrail(to TrailState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s trail transition failed: %w", p.ID, err)
	}
	p.TrailState = to
	if to == TrailArmed {
		p.TrailingActive = true
	}
	return nil
}

// MarkPrice records a new observed price, updating extremes and unrealized
// PnL. It performs no stop evaluation; that is the trailing stop manager's
// job.
func (p *Position) MarkPrice(price float64) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	if price < p.LowestPrice {
		p.LowestPrice = price
	}
	p.CurrentPnL = p.UnrealizedPnL(price)
}

// UnrealizedPnL returns the open profit at the given mark.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Quantity) * p.Side.Sign()
}

// ProfitPct returns the favorable move from entry as a fraction: positive
// when the position is in profit regardless of side.
func (p *Position) ProfitPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * p.Side.Sign()
}

// TrailCandidate returns the trailing stop implied by the current extreme:
// highest*(1-distance) for longs, lowest*(1+distance) for shorts.
func (p *Position) TrailCandidate() float64 {
	if p.Side == SideLong {
		return p.HighestPrice * (1 - p.Policy.TrailDistancePct)
	}
	return p.LowestPrice * (1 + p.Policy.TrailDistancePct)
}

// RaiseStop tightens the protective stop to candidate if and only if the move
// is favorable. Long stops only ever rise; short stops only ever fall. It
// returns true when the stop actually moved.
func (p *Position) RaiseStop(candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if p.Side == SideLong {
		if candidate <= p.CurrentStopPrice {
			return false
		}
	} else {
		if candidate >= p.CurrentStopPrice {
			return false
		}
	}
	p.CurrentStopPrice = candidate
	if p.TrailingActive {
		p.TrailingStopPrice = candidate
	}
	return true
}

// StopCrossed reports whether the mark breaches the protective stop.
func (p *Position) StopCrossed(price float64) bool {
	if p.CurrentStopPrice <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price <= p.CurrentStopPrice
	}
	return price >= p.CurrentStopPrice
}

// TargetCrossed reports whether the mark reaches the take-profit level.
// Once trailing is armed the target is superseded and this returns false.
func (p *Position) TargetCrossed(price float64) bool {
	if p.TrailingActive || p.TakeProfitPrice <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price >= p.TakeProfitPrice
	}
	return price <= p.TakeProfitPrice
}

// StopInverted reports whether the protective stop sits on the wrong side of
// the mark, which flags the position for immediate closure.
func (p *Position) StopInverted(price float64) bool {
	if p.CurrentStopPrice <= 0 || price <= 0 {
		return false
	}
	if p.Side == SideLong {
		return p.CurrentStopPrice >= price
	}
	return p.CurrentStopPrice <= price
}

// Notional returns the absolute dollar value of the position at the mark.
func (p *Position) Notional(price float64) float64 {
	return math.Abs(price * float64(p.Quantity))
}

// InitialRisk returns the dollar distance between entry and the initial stop,
// scaled by quantity. Used for R-multiple accounting.
func (p *Position) InitialRisk() float64 {
	return p.EntryPrice * p.Policy.StopPct * float64(p.Quantity)
}

// HoldDuration returns how long the position has been open.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if p.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(p.EntryTime)
}

// Key returns the store key for the position. At most one open position may
// exist per (symbol, side).
func (p *Position) Key() string {
	return PositionKey(p.Symbol, p.Side)
}

// PositionKey builds the store key for a symbol and side.
func PositionKey(symbol string, side Side) string {
	return symbol + ":" + string(side)
}

// ValidateState ensures position data is consistent with the trailing state.
func (p *Position) ValidateState() error {
	if err := p.ensureMachine().ValidateConsistency(); err != nil {
		return fmt.Errorf("position %s state validation failed: %w", p.ID, err)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s: EntryPrice must be positive (current: %.4f)", p.ID, p.EntryPrice)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: Quantity must be > 0 (current: %d)", p.ID, p.Quantity)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("position %s: invalid side %q", p.ID, p.Side)
	}
	if p.HighestPrice < p.LowestPrice {
		return fmt.Errorf("position %s: HighestPrice %.4f below LowestPrice %.4f",
			p.ID, p.HighestPrice, p.LowestPrice)
	}

	switch p.TrailState {
	case TrailInitial:
		if p.TrailingActive {
			return fmt.Errorf("position %s in state %s: TrailingActive must be false", p.ID, p.TrailState)
		}
	case TrailArmed:
		if !p.TrailingActive {
			return fmt.Errorf("position %s in state %s: TrailingActive must be true", p.ID, p.TrailState)
		}
		if p.TrailingStopPrice <= 0 {
			return fmt.Errorf("position %s in state %s: TrailingStopPrice must be set", p.ID, p.TrailState)
		}
		if p.Side == SideLong && p.TrailingStopPrice > p.CurrentStopPrice {
			return fmt.Errorf("position %s in state %s: CurrentStopPrice %.4f below trailing %.4f",
				p.ID, p.TrailState, p.CurrentStopPrice, p.TrailingStopPrice)
		}
		if p.Side == SideShort && p.TrailingStopPrice < p.CurrentStopPrice {
			return fmt.Errorf("position %s in state %s: CurrentStopPrice %.4f above trailing %.4f",
				p.ID, p.TrailState, p.CurrentStopPrice, p.TrailingStopPrice)
		}
	case TrailTriggered:
		// Terminal; the order manager owns the flatten from here.
	default:
		return fmt.Errorf("position %s: unknown trail state %q", p.ID, p.TrailState)
	}
	return nil
}

// Copy returns a deep copy of the position.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Machine = p.Machine.Copy()
	if p.IndicatorsAtEntry != nil {
		cp.IndicatorsAtEntry = make(map[string]float64, len(p.IndicatorsAtEntry))
		for k, v := range p.IndicatorsAtEntry {
			cp.IndicatorsAtEntry[k] = v
		}
	}
	return &cp
}

// CompletedTrade is the append-only record produced when a position closes.
type CompletedTrade struct {
	ID                string             `json:"id"`
	Symbol            string             `json:"symbol"`
	Side              Side               `json:"side"`
	Quantity          int                `json:"quantity"`
	EntryPrice        float64            `json:"entry_price"`
	ExitPrice         float64            `json:"exit_price"`
	EntryTime         time.Time          `json:"entry_time"`
	ExitTime          time.Time          `json:"exit_time"`
	RealizedPnL       float64            `json:"realized_pnl"`
	ExitReason        string             `json:"exit_reason"`
	Strategy          string             `json:"strategy,omitempty"`
	ConfidenceAtEntry float64            `json:"confidence_at_entry,omitempty"`
	IndicatorsAtEntry map[string]float64 `json:"indicators_at_entry,omitempty"`
	RMultiple         float64            `json:"r_multiple"`
	HoldSeconds       int64              `json:"hold_seconds"`
}

// CompleteTrade builds the trade record for a position closed at exitPrice.
func (p *Position) CompleteTrade(exitPrice float64, exitTime time.Time, reason string) CompletedTrade {
	pnl := p.UnrealizedPnL(exitPrice)
	risk := p.InitialRisk()
	rMultiple := 0.0
	if risk > 0 {
		rMultiple = pnl / risk
	}
	hold := int64(0)
	if !p.EntryTime.IsZero() && exitTime.After(p.EntryTime) {
		hold = int64(exitTime.Sub(p.EntryTime).Seconds())
	}
	return CompletedTrade{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		Quantity:          p.Quantity,
		EntryPrice:        p.EntryPrice,
		ExitPrice:         exitPrice,
		EntryTime:         p.EntryTime,
		ExitTime:          exitTime,
		RealizedPnL:       pnl,
		ExitReason:        reason,
		Strategy:          p.Strategy,
		ConfidenceAtEntry: p.ConfidenceAtEntry,
		IndicatorsAtEntry: p.IndicatorsAtEntry,
		RMultiple:         rMultiple,
		HoldSeconds:       hold,
	}
}
