// Package confidence scores indicator snapshots and gates every entry. A
// signal only trades when the computed score clears the threshold in the
// signal's direction; a scoring error is always a rejection.
package confidence

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// Direction is the side a score favors.
type Direction string

// Score directions.
const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// DirectionForSide maps a position side to its score direction.
func DirectionForSide(side models.Side) Direction {
	if side == models.SideShort {
		return DirectionShort
	}
	return DirectionLong
}

// Mode distinguishes a real score from a failed computation.
type Mode string

// Score modes. ModeError always rejects; there is no fallback score.
const (
	ModeComputed Mode = "computed"
	ModeError    Mode = "error"
)

// Component names used in the result breakdown.
const (
	ComponentMACD      = "macd_alignment"
	ComponentEMATrend  = "ema_trend"
	ComponentRSI       = "rsi_position"
	ComponentVolume    = "volume_confirmation"
	ComponentVWAP      = "vwap_position"
	ComponentBollinger = "bollinger_position"
	ComponentMomentum  = "momentum_strength"
	ComponentVolMatch  = "volatility_match"
)

// Scoring constants. Components add or subtract their weight; the base keeps
// a fully mixed snapshot near the middle of the scale.
const (
	baseScore       = 85.0
	weightMACD      = 15.0
	weightEMA       = 15.0
	weightRSI       = 10.0
	weightVolume    = 15.0
	weightVWAP      = 10.0
	weightBollinger = 10.0
	weightMomentum  = 15.0
	weightVolMatch  = 10.0

	rsiOversold        = 30.0
	rsiOverbought      = 70.0
	volumeConfirmRatio = 1.5
)

// DefaultThreshold is the minimum approved score.
const DefaultThreshold = 75.0

// Result is one scoring outcome for a symbol. Components hold the
// long-signed contribution of each component; the short side is the
// mirror for directional components and identical for symmetric ones.
type Result struct {
	Symbol     string             `json:"symbol"`
	At         time.Time          `json:"at"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components,omitempty"`
	Direction  Direction          `json:"direction"`
	Mode       Mode               `json:"mode"`
	Reason     string             `json:"reason,omitempty"`
}

// componentScore carries one component's contribution to each side.
type componentScore struct {
	name  string
	long  float64
	short float64
}

// Engine scores snapshots against per-symbol policies.
type Engine struct {
	policies  *policy.Table
	threshold float64
	logger    zerolog.Logger
}

// NewEngine creates a confidence engine. A non-positive threshold selects
// the default.
func NewEngine(policies *policy.Table, threshold float64, logger zerolog.Logger) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{
		policies:  policies,
		threshold: threshold,
		logger:    logger,
	}
}

// Threshold returns the approval threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Score computes the confidence result for a snapshot. The returned
// direction is the higher-scoring side.
func (e *Engine) Score(snap *indicators.Snapshot) Result {
	pol := e.policies.Get(snap.Symbol)
	th := e.policies.Thresholds(pol.Profile)

	comps := scoreComponents(snap, th)

	longScore := baseScore
	shortScore := baseScore
	breakdown := make(map[string]float64, len(comps))
	for _, c := range comps {
		longScore += c.long
		shortScore += c.short
		breakdown[c.name] = c.long
	}

	var dir Direction
	var raw float64
	switch {
	case longScore > shortScore:
		dir = DirectionLong
		raw = longScore
	case shortScore > longScore:
		dir = DirectionShort
		raw = shortScore
	default:
		dir = DirectionNeutral
		raw = longScore
	}

	score := clampScore(clampScore(raw) * pol.ConfidenceMultiplier)
	metrics.ConfidenceScore.Observe(score)

	e.logger.Debug().
		Str("symbol", snap.Symbol).
		Float64("score", score).
		Str("direction", string(dir)).
		Float64("long_raw", longScore).
		Float64("short_raw", shortScore).
		Msg("confidence scored")

	return Result{
		Symbol:     snap.Symbol,
		At:         snap.BarTime,
		Score:      score,
		Components: breakdown,
		Direction:  dir,
		Mode:       ModeComputed,
	}
}

// ErrorResult wraps a failed computation. It always rejects downstream.
func (e *Engine) ErrorResult(symbol string, err error) Result {
	return Result{
		Symbol:    symbol,
		At:        time.Now(),
		Direction: DirectionNeutral,
		Mode:      ModeError,
		Reason:    err.Error(),
	}
}

// ShouldExecute applies the gate: computed mode, score at or above the
// threshold, and direction matching the intended side. The reason explains
// any rejection.
func (e *Engine) ShouldExecute(res Result, intended Direction) (bool, string) {
	if res.Mode != ModeComputed {
		return false, "confidence_compute_error: " + res.Reason
	}
	if res.Score < e.threshold {
		return false, fmt.Sprintf("confidence_%.1f_below_threshold_%.1f", res.Score, e.threshold)
	}
	if res.Direction != intended {
		return false, fmt.Sprintf("direction_%s_mismatch_intended_%s", res.Direction, intended)
	}
	return true, ""
}

// scoreComponents evaluates all eight components for both sides.
func scoreComponents(snap *indicators.Snapshot, th policy.Thresholds) []componentScore {
	comps := make([]componentScore, 0, 8)

	// MACD alignment: line above signal favors long, below favors short.
	macd := componentScore{name: ComponentMACD, long: -weightMACD, short: -weightMACD}
	if snap.MACD > snap.MACDSignal {
		macd.long = weightMACD
	}
	if snap.MACD < snap.MACDSignal {
		macd.short = weightMACD
	}
	comps = append(comps, macd)

	// EMA trend with partial credit: half weight each for price vs fast EMA
	// and fast vs slow EMA.
	var ema float64
	if snap.Price > snap.EMAFast {
		ema += weightEMA / 2
	} else if snap.Price < snap.EMAFast {
		ema -= weightEMA / 2
	}
	if snap.EMAFast > snap.EMASlow {
		ema += weightEMA / 2
	} else if snap.EMAFast < snap.EMASlow {
		ema -= weightEMA / 2
	}
	comps = append(comps, componentScore{name: ComponentEMATrend, long: ema, short: -ema})

	// RSI position: mid-range supports either side, extremes favor the
	// reverting direction.
	rsi := componentScore{name: ComponentRSI}
	switch {
	case snap.RSI < rsiOversold:
		rsi.long, rsi.short = weightRSI, -weightRSI
	case snap.RSI > rsiOverbought:
		rsi.long, rsi.short = -weightRSI, weightRSI
	default:
		rsi.long, rsi.short = weightRSI, weightRSI
	}
	comps = append(comps, rsi)

	// Volume confirmation applies to both sides.
	vol := componentScore{name: ComponentVolume, long: -weightVolume, short: -weightVolume}
	if snap.VolumeRatio >= volumeConfirmRatio {
		vol.long, vol.short = weightVolume, weightVolume
	}
	comps = append(comps, vol)

	// VWAP position.
	vwap := componentScore{name: ComponentVWAP}
	if snap.Price > snap.VWAP {
		vwap.long, vwap.short = weightVWAP, -weightVWAP
	} else if snap.Price < snap.VWAP {
		vwap.long, vwap.short = -weightVWAP, weightVWAP
	}
	comps = append(comps, vwap)

	// Bollinger position: graded by where price sits in the band, the lower
	// half favoring long and the upper half favoring short.
	boll := componentScore{name: ComponentBollinger}
	if width := snap.BollUpper - snap.BollLower; width > 0 {
		pos := (snap.Price - snap.BollLower) / width
		if pos < 0 {
			pos = 0
		}
		if pos > 1 {
			pos = 1
		}
		val := weightBollinger * (1 - 2*pos)
		boll.long, boll.short = val, -val
	}
	comps = append(comps, boll)

	// Momentum strength: 30m and 1h momentum agreeing above the profile's
	// minimum magnitude.
	mom := componentScore{name: ComponentMomentum, long: -weightMomentum, short: -weightMomentum}
	if aligned, dir := snap.MomentumAligned(th.MinMomentumPct); aligned {
		if dir > 0 {
			mom.long = weightMomentum
		} else {
			mom.short = weightMomentum
		}
	}
	comps = append(comps, mom)

	// Volatility match applies to both sides.
	match := componentScore{name: ComponentVolMatch, long: -weightVolMatch, short: -weightVolMatch}
	if snap.RealizedVol >= th.MinRealizedVol && snap.RealizedVol <= th.MaxRealizedVol {
		match.long, match.short = weightVolMatch, weightVolMatch
	}
	comps = append(comps, match)

	return comps
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
