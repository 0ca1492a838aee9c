// Package risk enforces the account-level limits that stand between an
// approved signal and the order manager. The manager owns the session
// counters; a breach of the daily loss cap latches the kill switch for the
// rest of the session.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
)

// Limits are the configured account-level caps. Zero MaxShortExposure
// disables shorting entirely.
type Limits struct {
	MaxPositionNotional    float64
	MaxShortExposure       float64
	MaxConcurrentPositions int
	MaxDailyTrades         int
	DailyLossCap           float64
}

// State is the per-session risk ledger. It persists across same-day
// restarts so counters and the kill switch survive a crash.
type State struct {
	SessionDate        string    `json:"session_date"`
	StartOfDayEquity   float64   `json:"start_of_day_equity"`
	CurrentEquity      float64   `json:"current_equity"`
	RealizedPnLToday   float64   `json:"realized_pnl_today"`
	TotalShortExposure float64   `json:"total_short_exposure"`
	OpenPositionCount  int       `json:"open_position_count"`
	DailyTradeCount    int       `json:"daily_trade_count"`
	KillSwitch         bool      `json:"kill_switch"`
	KillSwitchReason   string    `json:"kill_switch_reason,omitempty"`
	KillSwitchAt       time.Time `json:"kill_switch_at,omitempty"`
}

// DayPnL returns today's realized plus unrealized move, measured as the
// equity change since the session opened.
func (s State) DayPnL() float64 {
	if s.StartOfDayEquity <= 0 {
		return 0
	}
	return s.CurrentEquity - s.StartOfDayEquity
}

// Decision is the gate's answer for one signal: Approved or Rejected,
// nothing else implements it.
type Decision interface {
	decision()
}

// Approved clears a signal for entry at the checked notional. Only Check
// constructs a granted value, and the order manager refuses the zero value,
// so no entry can be placed without passing the gate.
type Approved struct {
	notional float64
	granted  bool
}

func (Approved) decision() {}

// Granted reports whether this approval came from the gate.
func (a Approved) Granted() bool { return a.granted }

// Notional returns the notional the gate cleared. Entries may not exceed it.
func (a Approved) Notional() float64 { return a.notional }

// Rejected refuses a signal outright. It carries only the reason, so a
// refusal cannot be reshaped into an order of any kind.
type Rejected struct {
	Reason string
}

func (Rejected) decision() {}

// Manager guards the session state and answers entry checks. All methods
// are safe for concurrent use; Check holds the lock for the whole
// evaluation so limits stay exact under the per-symbol fan-out.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	state  State
	bus    *events.Bus
	logger zerolog.Logger
}

// NewManager creates a risk manager with zeroed session state.
func NewManager(limits Limits, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		limits: limits,
		bus:    bus,
		logger: logger,
	}
}

// Limits returns the configured caps.
func (m *Manager) Limits() Limits {
	return m.limits
}

// StartSession resets the ledger for a new session date. The kill switch
// unlatches only here.
func (m *Manager) StartSession(date string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		SessionDate:      date,
		StartOfDayEquity: equity,
		CurrentEquity:    equity,
	}
	metrics.KillSwitch.Set(0)
	metrics.RealizedPnL.Set(0)
	metrics.OpenPositions.Set(0)
	m.logger.Info().
		Str("session", date).
		Float64("equity", equity).
		Msg("risk session started")
}

// RestoreSession loads a persisted ledger after a same-day restart. The
// open position count is rebuilt from the store, not trusted from disk.
func (m *Manager) RestoreSession(st State, openPositions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.OpenPositionCount = openPositions
	m.state = st
	if st.KillSwitch {
		metrics.KillSwitch.Set(1)
	} else {
		metrics.KillSwitch.Set(0)
	}
	metrics.RealizedPnL.Set(st.RealizedPnLToday)
	metrics.OpenPositions.Set(float64(openPositions))
	m.logger.Info().
		Str("session", st.SessionDate).
		Int("open_positions", openPositions).
		Int("daily_trades", st.DailyTradeCount).
		Bool("kill_switch", st.KillSwitch).
		Msg("risk session restored")
}

// Snapshot returns a copy of the current ledger.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionDate returns the ledger's session date.
func (m *Manager) SessionDate() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SessionDate
}

// KillSwitchLatched reports whether the kill switch is latched.
func (m *Manager) KillSwitchLatched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.KillSwitch
}

// MarkEquity records the latest account equity and evaluates the daily
// loss cap. A breach latches the kill switch and publishes the breach.
func (m *Manager) MarkEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity > 0 {
		m.state.CurrentEquity = equity
	}
	m.evaluateLossCapLocked()
}

// Check applies the gate to an entry signal with its estimated notional.
// A rejection cancels the intent entirely; it carries no order fields, so
// no caller can reinterpret it as an opposite-side or closing order.
func (m *Manager) Check(sig *strategy.Signal, notional float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !sig.IsEntry() {
		// Exits always pass; they only reduce exposure.
		return Approved{notional: notional, granted: true}
	}

	if m.state.KillSwitch {
		return m.rejectLocked(sig, fmt.Sprintf("kill switch latched: %s", m.state.KillSwitchReason))
	}
	if m.evaluateLossCapLocked() {
		return m.rejectLocked(sig, fmt.Sprintf("kill switch latched: %s", m.state.KillSwitchReason))
	}
	if m.limits.MaxDailyTrades > 0 && m.state.DailyTradeCount >= m.limits.MaxDailyTrades {
		return m.rejectLocked(sig, fmt.Sprintf("daily trade count %d at limit %d",
			m.state.DailyTradeCount, m.limits.MaxDailyTrades))
	}
	if notional <= 0 {
		return m.rejectLocked(sig, fmt.Sprintf("notional %.2f not positive", notional))
	}
	if m.limits.MaxPositionNotional > 0 && notional > m.limits.MaxPositionNotional {
		return m.rejectLocked(sig, fmt.Sprintf("notional %.2f exceeds cap %.2f",
			notional, m.limits.MaxPositionNotional))
	}
	if m.limits.MaxConcurrentPositions > 0 && m.state.OpenPositionCount >= m.limits.MaxConcurrentPositions {
		return m.rejectLocked(sig, fmt.Sprintf("concurrent position count %d at limit %d",
			m.state.OpenPositionCount, m.limits.MaxConcurrentPositions))
	}
	if sig.Direction() == models.SideShort {
		if m.limits.MaxShortExposure <= 0 {
			return m.rejectLocked(sig, "short exposure disabled")
		}
		if m.state.TotalShortExposure+notional > m.limits.MaxShortExposure {
			return m.rejectLocked(sig, fmt.Sprintf("short exposure %.2f plus %.2f exceeds cap %.2f",
				m.state.TotalShortExposure, notional, m.limits.MaxShortExposure))
		}
	}
	return Approved{notional: notional, granted: true}
}

// RecordEntry counts a filled entry against the session.
func (m *Manager) RecordEntry(pos *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OpenPositionCount++
	m.state.DailyTradeCount++
	if pos.Side == models.SideShort {
		m.state.TotalShortExposure += pos.Notional(pos.EntryPrice)
	}
	metrics.OpenPositions.Set(float64(m.state.OpenPositionCount))
}

// RecordClose books realized PnL for a closed position and releases its
// exposure. It re-evaluates the loss cap with the new realized figure.
func (m *Manager) RecordClose(pos *models.Position, realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.OpenPositionCount > 0 {
		m.state.OpenPositionCount--
	}
	m.state.RealizedPnLToday += realized
	if pos.Side == models.SideShort {
		m.state.TotalShortExposure -= pos.Notional(pos.EntryPrice)
		if m.state.TotalShortExposure < 0 {
			m.state.TotalShortExposure = 0
		}
	}
	metrics.OpenPositions.Set(float64(m.state.OpenPositionCount))
	metrics.RealizedPnL.Set(m.state.RealizedPnLToday)
	m.evaluateLossCapLocked()
}

// SyncPositions rebuilds the open-position count and short exposure from
// the store's ground truth after reconciliation.
func (m *Manager) SyncPositions(positions []*models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	shortExposure := 0.0
	for _, pos := range positions {
		count++
		if pos.Side == models.SideShort {
			shortExposure += pos.Notional(pos.EntryPrice)
		}
	}
	m.state.OpenPositionCount = count
	m.state.TotalShortExposure = shortExposure
	metrics.OpenPositions.Set(float64(count))
}

// rejectLocked publishes and counts a rejection. Callers hold the lock.
func (m *Manager) rejectLocked(sig *strategy.Signal, reason string) Rejected {
	metrics.RecordRejection(reason)
	m.bus.Publish(events.Event{
		Type:   events.RiskLimitViolation,
		Symbol: sig.Symbol,
		Reason: reason,
	})
	m.logger.Info().
		Str("symbol", sig.Symbol).
		Str("strategy", sig.Strategy).
		Str("reason", reason).
		Msg("entry rejected")
	return Rejected{Reason: reason}
}

// evaluateLossCapLocked latches the kill switch when today's equity move
// breaches the loss cap. It returns the latched state. Callers hold the
// lock.
func (m *Manager) evaluateLossCapLocked() bool {
	if m.state.KillSwitch {
		return true
	}
	if m.limits.DailyLossCap <= 0 || m.state.StartOfDayEquity <= 0 {
		return false
	}
	loss := m.state.DayPnL()
	if loss > -m.limits.DailyLossCap {
		return false
	}
	m.state.KillSwitch = true
	m.state.KillSwitchReason = fmt.Sprintf("daily loss %.2f breached cap %.2f", loss, m.limits.DailyLossCap)
	m.state.KillSwitchAt = time.Now().UTC()
	metrics.KillSwitch.Set(1)
	m.bus.Publish(events.Event{
		Type:   events.DailyLossBreach,
		Reason: m.state.KillSwitchReason,
		Fields: map[string]float64{
			"day_pnl":  loss,
			"loss_cap": m.limits.DailyLossCap,
		},
	})
	m.logger.Error().
		Float64("day_pnl", loss).
		Float64("loss_cap", m.limits.DailyLossCap).
		Msg("daily loss cap breached, kill switch latched")
	return true
}
