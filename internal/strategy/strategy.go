// Package strategy holds the signal generators. Each strategy is a pure
// evaluation over an indicator snapshot; none of them touch the broker,
// storage, or any other shared state. The evaluator runs the set and
// forwards at most one candidate per symbol per cycle.
package strategy

import (
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// DefaultMinConfidence is the strategy-level pre-filter floor. It is a cheap
// screen; the confidence engine applies the authoritative gate afterwards.
const DefaultMinConfidence = 65.0

// baseConfidence is the starting score for a candidate that barely meets its
// strategy's trigger conditions. Graded bonuses must lift it over the floor.
const baseConfidence = 55.0

// Signal is one proposed action for a symbol.
type Signal struct {
	Symbol      string        `json:"symbol"`
	Action      models.Action `json:"action"`
	Strategy    string        `json:"strategy"`
	ProposedQty int           `json:"proposed_qty,omitempty"` // 0 lets the order manager size it
	LimitPrice  float64       `json:"limit_price,omitempty"`  // 0 means market
	Rationale   string        `json:"rationale"`
	Confidence  float64       `json:"confidence"`
}

// IsEntry reports whether the signal opens a new position.
func (s *Signal) IsEntry() bool {
	return s.Action.IsEntry()
}

// Direction returns the position side the signal concerns.
func (s *Signal) Direction() models.Side {
	return s.Action.Direction()
}

// Strategy evaluates one symbol's snapshot. open is the position currently
// held for the symbol, or nil. Implementations return nil when they have no
// candidate and must not mutate any argument.
type Strategy interface {
	Name() string
	Evaluate(snap *indicators.Snapshot, pol policy.Policy, open *models.Position) *Signal
}

// DefaultSet returns the built-in strategies in evaluation order.
func DefaultSet() []Strategy {
	return []Strategy{
		NewMeanReversion(),
		NewMomentumScalp(),
		NewVWAPBounce(),
	}
}

// Evaluator runs a strategy set over one snapshot and picks the single
// candidate that goes forward: any exit wins immediately, otherwise the
// highest-confidence entry above the floor.
type Evaluator struct {
	strategies    []Strategy
	minConfidence float64
	logger        zerolog.Logger
}

// NewEvaluator builds an evaluator. A non-positive floor selects the
// default; an empty strategy list selects the default set.
func NewEvaluator(minConfidence float64, logger zerolog.Logger, strategies ...Strategy) *Evaluator {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if len(strategies) == 0 {
		strategies = DefaultSet()
	}
	return &Evaluator{
		strategies:    strategies,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Evaluate runs every strategy against the snapshot and returns the chosen
// signal, or nil when nothing qualifies.
func (e *Evaluator) Evaluate(snap *indicators.Snapshot, pol policy.Policy, open *models.Position) *Signal {
	var best *Signal
	for _, st := range e.strategies {
		sig := st.Evaluate(snap, pol, open)
		if sig == nil {
			continue
		}
		metrics.SignalsProposed.WithLabelValues(st.Name()).Inc()

		// Exits reduce risk and skip the confidence floor entirely.
		if !sig.IsEntry() {
			e.logger.Debug().
				Str("symbol", sig.Symbol).
				Str("strategy", sig.Strategy).
				Str("action", string(sig.Action)).
				Str("rationale", sig.Rationale).
				Msg("exit signal")
			return sig
		}

		if sig.Confidence < e.minConfidence {
			e.logger.Debug().
				Str("symbol", sig.Symbol).
				Str("strategy", sig.Strategy).
				Float64("confidence", sig.Confidence).
				Float64("floor", e.minConfidence).
				Msg("candidate below strategy floor")
			continue
		}
		if best == nil || sig.Confidence > best.Confidence {
			best = sig
		}
	}
	return best
}

// clampConfidence bounds a strategy score to [0, 100].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
