// Package stops owns the protective levels of open positions: the initial
// stop, the fixed profit target, and the trailing stop once it arms. The
// manager is the single writer of a position's protection fields; callers
// hold the position exclusively for the duration of a call.
package stops

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// DefaultMinMovePct is the minimum relative stop improvement before the
// resting order is re-placed. It keeps order churn down on small ticks.
const DefaultMinMovePct = 0.005

// Action tells the cycle what to do after an evaluation.
type Action int

const (
	// ActionHold leaves the current protection in place.
	ActionHold Action = iota
	// ActionReplaceStop re-places the resting stop at Decision.NewStop.
	ActionReplaceStop
	// ActionClose flattens the position now with Decision.ExitReason.
	ActionClose
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action     Action
	ExitReason string
	NewStop    float64
	Note       string
}

// Manager evaluates protective levels against the latest mark.
type Manager struct {
	minMovePct float64
	bus        *events.Bus
	logger     zerolog.Logger
}

// NewManager creates a stop manager with the default raise threshold.
func NewManager(bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		minMovePct: DefaultMinMovePct,
		bus:        bus,
		logger:     logger,
	}
}

// WithMinMove overrides the raise threshold. Non-positive values are
// ignored.
func (m *Manager) WithMinMove(pct float64) *Manager {
	if pct > 0 {
		m.minMovePct = pct
	}
	return m
}

// Update marks the latest price on the position and decides what happens to
// its protection. Within one bar the order is: stop crossing first, then
// trail arming, then trail raising, then the fixed target. An armed trail
// supersedes the target.
func (m *Manager) Update(pos *models.Position, price float64) (Decision, error) {
	if price <= 0 {
		return Decision{}, fmt.Errorf("stop update %s: non-positive price %.4f", pos.Symbol, price)
	}
	if pos.EntryPrice <= 0 {
		return Decision{}, fmt.Errorf("stop update %s: entry price %.4f invalid", pos.Symbol, pos.EntryPrice)
	}

	pos.MarkPrice(price)

	// A previous close attempt may not have finished; keep asking for it.
	if pos.TrailState == models.TrailTriggered {
		reason := pos.ExitReason
		if reason == "" {
			reason = models.ExitReasonStop
			if pos.TrailingActive {
				reason = models.ExitReasonTrail
			}
		}
		return Decision{Action: ActionClose, ExitReason: reason, Note: "close retry"}, nil
	}

	// Stop crossing wins over anything else seen on the same bar.
	if pos.StopCrossed(price) {
		return m.trigger(pos, price)
	}

	// Arm the trail once profit reaches activation.
	if pos.TrailState == models.TrailInitial && pos.ProfitPct(price) >= pos.Policy.TrailActivationPct {
		return m.arm(pos, price, models.CondActivation)
	}

	// Raise an armed trail only when the improvement clears the minimum
	// move.
	if pos.TrailState == models.TrailArmed {
		candidate := pos.TrailCandidate()
		if m.improves(pos, candidate) && pos.RaiseStop(candidate) {
			metrics.TrailingRaises.Inc()
			m.logger.Debug().
				Str("symbol", pos.Symbol).
				Float64("stop", pos.CurrentStopPrice).
				Float64("price", price).
				Msg("trailing stop raised")
			return Decision{
				Action:  ActionReplaceStop,
				NewStop: pos.CurrentStopPrice,
				Note:    "trail raised",
			}, nil
		}
		return Decision{Action: ActionHold}, nil
	}

	// Fixed target, live only while the trail has not armed.
	if pos.TargetCrossed(price) {
		if err := pos.TransitionTrail(models.TrailTriggered, models.CondTargetHit); err != nil {
			return Decision{}, err
		}
		pos.ExitReason = models.ExitReasonTarget
		m.bus.Publish(events.Event{
			Type:   events.TargetReached,
			Symbol: pos.Symbol,
			Fields: map[string]float64{"price": price, "target": pos.TakeProfitPrice},
		})
		return Decision{Action: ActionClose, ExitReason: models.ExitReasonTarget}, nil
	}

	return Decision{Action: ActionHold}, nil
}

// Rearm applies the restart-recovery rules to a position that was offline:
// extend the persisted extremes with the current mark, close immediately if
// a protective level was gapped through, arm the trail when the recovered
// profit already clears activation, and move an armed trail to its candidate
// without the minimum-move gate. Extremes are never reset.
func (m *Manager) Rearm(pos *models.Position, price float64) (Decision, error) {
	if price <= 0 {
		return Decision{}, fmt.Errorf("rearm %s: non-positive price %.4f", pos.Symbol, price)
	}
	if pos.EntryPrice <= 0 {
		return Decision{}, fmt.Errorf("rearm %s: entry price %.4f invalid", pos.Symbol, pos.EntryPrice)
	}

	pos.MarkPrice(price)

	if pos.TrailState == models.TrailTriggered {
		reason := pos.ExitReason
		if reason == "" {
			reason = models.ExitReasonStop
		}
		return Decision{Action: ActionClose, ExitReason: reason, Note: "close retry"}, nil
	}

	if pos.StopCrossed(price) {
		return m.trigger(pos, price)
	}

	if pos.TrailState == models.TrailInitial && pos.ProfitPct(price) >= pos.Policy.TrailActivationPct {
		return m.arm(pos, price, models.CondRecovery)
	}

	if pos.TrailState == models.TrailArmed {
		if pos.RaiseStop(pos.TrailCandidate()) {
			metrics.TrailingRaises.Inc()
		}
		if pos.TrailingStopPrice <= 0 {
			pos.TrailingStopPrice = pos.CurrentStopPrice
		}
		m.logger.Info().
			Str("symbol", pos.Symbol).
			Float64("stop", pos.CurrentStopPrice).
			Msg("trailing stop restored")
		return Decision{
			Action:  ActionReplaceStop,
			NewStop: pos.CurrentStopPrice,
			Note:    "trail restored",
		}, nil
	}

	return Decision{Action: ActionHold}, nil
}

// trigger records a stop crossing and asks for the position to be closed.
func (m *Manager) trigger(pos *models.Position, price float64) (Decision, error) {
	reason := models.ExitReasonStop
	if pos.TrailingActive {
		reason = models.ExitReasonTrail
	}
	if err := pos.TransitionTrail(models.TrailTriggered, models.CondStopHit); err != nil {
		return Decision{}, err
	}
	pos.ExitReason = reason
	metrics.StopsTriggered.Inc()
	m.bus.Publish(events.Event{
		Type:   events.StopTriggered,
		Symbol: pos.Symbol,
		Reason: reason,
		Fields: map[string]float64{"price": price, "stop": pos.CurrentStopPrice},
	})
	return Decision{
		Action:     ActionClose,
		ExitReason: reason,
		Note:       fmt.Sprintf("stop %.2f crossed at %.2f", pos.CurrentStopPrice, price),
	}, nil
}

// arm transitions the trail to armed and seats the trailing stop.
func (m *Manager) arm(pos *models.Position, price float64, condition string) (Decision, error) {
	if err := pos.TransitionTrail(models.TrailArmed, condition); err != nil {
		return Decision{}, err
	}
	if !pos.RaiseStop(pos.TrailCandidate()) {
		// The candidate did not beat the existing stop; the trail tracks
		// from the current level.
		pos.TrailingStopPrice = pos.CurrentStopPrice
	}
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("price", price).
		Float64("stop", pos.CurrentStopPrice).
		Float64("profit_pct", pos.ProfitPct(price)*100).
		Msg("trailing stop armed")
	return Decision{
		Action:  ActionReplaceStop,
		NewStop: pos.CurrentStopPrice,
		Note:    "trail armed",
	}, nil
}

// improves reports whether the candidate beats the current stop by at least
// the minimum move in the favorable direction.
func (m *Manager) improves(pos *models.Position, candidate float64) bool {
	current := pos.CurrentStopPrice
	if current <= 0 {
		return candidate > 0
	}
	if pos.Side == models.SideLong {
		return candidate >= current*(1+m.minMovePct)
	}
	return candidate <= current*(1-m.minMovePct)
}
