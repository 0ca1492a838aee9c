package strategy

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// VWAP bounce trigger levels.
const (
	vbMaxDeviation   = 0.0015 // |price - vwap| / vwap
	vbMinHoldBars    = 3
	vbMinVolumeRatio = 2.0
)

// VWAPBounce trades a tag of the session VWAP after several bars held one
// side of it: VWAP acting as support sets up a long, as resistance a short.
// It exits when price closes through VWAP against the position.
type VWAPBounce struct{}

// NewVWAPBounce returns the VWAP bounce strategy.
func NewVWAPBounce() *VWAPBounce {
	return &VWAPBounce{}
}

// Name returns the strategy identifier recorded on positions.
func (v *VWAPBounce) Name() string {
	return "vwap_bounce"
}

// Evaluate proposes an entry when price tags a held VWAP level, or an exit
// when a held position loses its side of VWAP.
func (v *VWAPBounce) Evaluate(snap *indicators.Snapshot, _ policy.Policy, open *models.Position) *Signal {
	if open != nil {
		return v.evaluateExit(snap, open)
	}
	if snap.VolumeRatio < vbMinVolumeRatio {
		return nil
	}
	dev := snap.VWAPDeviation()
	if dev > vbMaxDeviation || snap.VWAP <= 0 {
		return nil
	}
	held, side := snap.HeldVWAPSide(vbMinHoldBars)
	if !held {
		return nil
	}

	if side > 0 {
		return &Signal{
			Symbol:   snap.Symbol,
			Action:   models.ActionBuy,
			Strategy: v.Name(),
			Rationale: fmt.Sprintf("price %.2f tagging vwap %.2f from above after %d bars, volume %.1fx",
				snap.Price, snap.VWAP, snap.VWAPHoldBars, snap.VolumeRatio),
			Confidence: v.confidence(snap, dev),
		}
	}
	return &Signal{
		Symbol:   snap.Symbol,
		Action:   models.ActionShort,
		Strategy: v.Name(),
		Rationale: fmt.Sprintf("price %.2f tagging vwap %.2f from below after %d bars, volume %.1fx",
			snap.Price, snap.VWAP, snap.VWAPHoldBars, snap.VolumeRatio),
		Confidence: v.confidence(snap, dev),
	}
}

// evaluateExit flattens a bounce trade once price closes on the wrong side
// of VWAP.
func (v *VWAPBounce) evaluateExit(snap *indicators.Snapshot, open *models.Position) *Signal {
	if open.Strategy != v.Name() {
		return nil
	}
	if open.Side == models.SideLong && snap.VWAPHoldSide < 0 {
		return &Signal{
			Symbol:     snap.Symbol,
			Action:     models.ActionSellToClose,
			Strategy:   v.Name(),
			Rationale:  fmt.Sprintf("close %.2f lost vwap %.2f", snap.Price, snap.VWAP),
			Confidence: 100,
		}
	}
	if open.Side == models.SideShort && snap.VWAPHoldSide > 0 {
		return &Signal{
			Symbol:     snap.Symbol,
			Action:     models.ActionBuyToCover,
			Strategy:   v.Name(),
			Rationale:  fmt.Sprintf("close %.2f reclaimed vwap %.2f", snap.Price, snap.VWAP),
			Confidence: 100,
		}
	}
	return nil
}

// confidence grades a candidate by hold length, proximity to VWAP, and
// volume above the floor.
func (v *VWAPBounce) confidence(snap *indicators.Snapshot, dev float64) float64 {
	score := baseConfidence
	score += math.Min(12, 3*float64(snap.VWAPHoldBars-vbMinHoldBars+1))
	score += (1 - dev/vbMaxDeviation) * 12
	score += math.Min(12, (snap.VolumeRatio-vbMinVolumeRatio)*10)
	return clampConfidence(score)
}
