package strategy

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// Momentum scalp trigger levels.
const (
	msMinVolumeRatio = 2.0
	msMinConfirmMove = 0.008 // fraction over the confirmation bars
)

// MomentumScalp rides a fresh MACD cross backed by heavy volume, a confirmed
// price move, and EMA alignment in the same direction. It exits when MACD
// crosses back against the position.
type MomentumScalp struct{}

// NewMomentumScalp returns the momentum scalp strategy.
func NewMomentumScalp() *MomentumScalp {
	return &MomentumScalp{}
}

// Name returns the strategy identifier recorded on positions.
func (m *MomentumScalp) Name() string {
	return "momentum_scalp"
}

// Evaluate proposes an entry on a confirmed MACD cross, or an exit when the
// cross reverses against a held position.
func (m *MomentumScalp) Evaluate(snap *indicators.Snapshot, _ policy.Policy, open *models.Position) *Signal {
	if open != nil {
		return m.evaluateExit(snap, open)
	}
	if snap.VolumeRatio < msMinVolumeRatio {
		return nil
	}

	emaUp := snap.EMAFast > snap.EMASlow
	emaDown := snap.EMAFast < snap.EMASlow

	if snap.MACDBullishCross() && emaUp && snap.Momentum3 >= msMinConfirmMove {
		return &Signal{
			Symbol:   snap.Symbol,
			Action:   models.ActionBuy,
			Strategy: m.Name(),
			Rationale: fmt.Sprintf("macd bullish cross, %.2f%% move confirmed, emas aligned up, volume %.1fx",
				snap.Momentum3*100, snap.VolumeRatio),
			Confidence: m.confidence(snap),
		}
	}
	if snap.MACDBearishCross() && emaDown && snap.Momentum3 <= -msMinConfirmMove {
		return &Signal{
			Symbol:   snap.Symbol,
			Action:   models.ActionShort,
			Strategy: m.Name(),
			Rationale: fmt.Sprintf("macd bearish cross, %.2f%% move confirmed, emas aligned down, volume %.1fx",
				snap.Momentum3*100, snap.VolumeRatio),
			Confidence: m.confidence(snap),
		}
	}
	return nil
}

// evaluateExit flattens a scalp when MACD crosses back through the signal
// line against the position.
func (m *MomentumScalp) evaluateExit(snap *indicators.Snapshot, open *models.Position) *Signal {
	if open.Strategy != m.Name() {
		return nil
	}
	if open.Side == models.SideLong && snap.MACDBearishCross() {
		return &Signal{
			Symbol:     snap.Symbol,
			Action:     models.ActionSellToClose,
			Strategy:   m.Name(),
			Rationale:  "macd crossed bearish against long scalp",
			Confidence: 100,
		}
	}
	if open.Side == models.SideShort && snap.MACDBullishCross() {
		return &Signal{
			Symbol:     snap.Symbol,
			Action:     models.ActionBuyToCover,
			Strategy:   m.Name(),
			Rationale:  "macd crossed bullish against short scalp",
			Confidence: 100,
		}
	}
	return nil
}

// confidence grades a candidate by how far the confirmed move and volume
// exceed their floors, with a bonus when price also sits past the fast EMA.
func (m *MomentumScalp) confidence(snap *indicators.Snapshot) float64 {
	score := baseConfidence
	score += math.Min(20, (math.Abs(snap.Momentum3)-msMinConfirmMove)*2500)
	score += math.Min(15, (snap.VolumeRatio-msMinVolumeRatio)*10)
	if (snap.Momentum3 > 0 && snap.Price > snap.EMAFast) ||
		(snap.Momentum3 < 0 && snap.Price < snap.EMAFast) {
		score += 10
	}
	return clampConfidence(score)
}
