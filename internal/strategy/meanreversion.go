package strategy

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// Mean reversion trigger levels.
const (
	mrOversoldRSI    = 25.0
	mrOverboughtRSI  = 75.0
	mrMinVolumeRatio = 1.8
)

// MeanReversion fades RSI extremes confirmed by a Bollinger band breach and
// elevated volume. It exits when the reversion completes at the opposite
// extreme.
type MeanReversion struct{}

// NewMeanReversion returns the mean reversion strategy.
func NewMeanReversion() *MeanReversion {
	return &MeanReversion{}
}

// Name returns the strategy identifier recorded on positions.
func (m *MeanReversion) Name() string {
	return "mean_reversion"
}

// Evaluate proposes a fade entry at an RSI extreme, or an exit once a held
// position's reversion has played out.
func (m *MeanReversion) Evaluate(snap *indicators.Snapshot, _ policy.Policy, open *models.Position) *Signal {
	if open != nil {
		return m.evaluateExit(snap, open)
	}
	if snap.VolumeRatio < mrMinVolumeRatio {
		return nil
	}

	switch {
	case snap.RSI <= mrOversoldRSI && snap.OutsideLowerBand():
		return &Signal{
			Symbol:   snap.Symbol,
			Action:   models.ActionBuy,
			Strategy: m.Name(),
			Rationale: fmt.Sprintf("rsi %.1f oversold, close %.2f at or below lower band %.2f, volume %.1fx",
				snap.RSI, snap.Price, snap.BollLower, snap.VolumeRatio),
			Confidence: m.confidence(snap, models.SideLong),
		}
	case snap.RSI >= mrOverboughtRSI && snap.OutsideUpperBand():
		return &Signal{
			Symbol:   snap.Symbol,
			Action:   models.ActionShort,
			Strategy: m.Name(),
			Rationale: fmt.Sprintf("rsi %.1f overbought, close %.2f at or above upper band %.2f, volume %.1fx",
				snap.RSI, snap.Price, snap.BollUpper, snap.VolumeRatio),
			Confidence: m.confidence(snap, models.SideShort),
		}
	}
	return nil
}

// evaluateExit closes a reversion trade once RSI reaches the opposite
// extreme. Positions opened by other strategies are left alone.
func (m *MeanReversion) evaluateExit(snap *indicators.Snapshot, open *models.Position) *Signal {
	if open.Strategy != m.Name() {
		return nil
	}
	if open.Side == models.SideLong && snap.RSI >= mrOverboughtRSI {
		return &Signal{
			Symbol:     snap.Symbol,
			Action:     models.ActionSellToClose,
			Strategy:   m.Name(),
			Rationale:  fmt.Sprintf("rsi %.1f overbought, reversion complete", snap.RSI),
			Confidence: 100,
		}
	}
	if open.Side == models.SideShort && snap.RSI <= mrOversoldRSI {
		return &Signal{
			Symbol:     snap.Symbol,
			Action:     models.ActionBuyToCover,
			Strategy:   m.Name(),
			Rationale:  fmt.Sprintf("rsi %.1f oversold, reversion complete", snap.RSI),
			Confidence: 100,
		}
	}
	return nil
}

// confidence grades a candidate by RSI depth beyond the trigger, band
// penetration relative to band width, and volume above the floor.
func (m *MeanReversion) confidence(snap *indicators.Snapshot, side models.Side) float64 {
	score := baseConfidence

	var depth float64
	if side == models.SideLong {
		depth = mrOversoldRSI - snap.RSI
	} else {
		depth = snap.RSI - mrOverboughtRSI
	}
	score += math.Min(15, depth*3)

	if width := snap.BollUpper - snap.BollLower; width > 0 {
		var pen float64
		if side == models.SideLong {
			pen = snap.BollLower - snap.Price
		} else {
			pen = snap.Price - snap.BollUpper
		}
		if pen > 0 {
			score += math.Min(15, pen/width*100)
		}
	}

	score += math.Min(15, (snap.VolumeRatio-mrMinVolumeRatio)*10)
	return clampConfidence(score)
}
