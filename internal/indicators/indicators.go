// Package indicators computes the technical indicator snapshot each cycle
// evaluates: MACD, EMA pair, RSI, session VWAP, Bollinger Bands, volume
// ratio, short momentum, and realized volatility.
package indicators

import (
	"errors"
	"math"
	"time"
)

// MinBars is the minimum bar history required for a full snapshot. Below
// this the MACD signal line has no run-in and values whip around.
const MinBars = 50

// ErrInsufficientData means too few bars were supplied for a snapshot.
var ErrInsufficientData = errors.New("insufficient bar history for indicators")

// Standard indicator periods. Bars are 15-minute, so 30-minute momentum
// looks back 2 bars and 1-hour momentum 4 bars.
const (
	emaFastPeriod    = 9
	emaSlowPeriod    = 21
	rsiPeriod        = 14
	bollingerPeriod  = 20
	volumeSMAPeriod  = 20
	momentum30mBars  = 2
	momentum1hBars   = 4
	confirmBars      = 3
	realizedVolBars  = 20
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
)

// Snapshot holds every indicator value for one symbol at one bar close.
type Snapshot struct {
	Symbol  string
	BarTime time.Time
	Price   float64 // last bar close

	MACD         float64
	MACDSignal   float64
	MACDHist     float64
	PrevMACDHist float64

	EMAFast float64 // 9-period
	EMASlow float64 // 21-period

	RSI float64

	VWAP float64 // cumulative session VWAP

	BollUpper  float64
	BollMiddle float64
	BollLower  float64

	Volume      float64 // last bar volume
	AvgVolume   float64 // 20-bar average volume
	VolumeRatio float64 // Volume / AvgVolume

	Momentum30m float64 // 2-bar price change as a fraction
	Momentum1h  float64 // 4-bar price change as a fraction
	Momentum3   float64 // 3-bar confirmation move as a fraction
	RealizedVol float64 // stddev of 1-bar returns over 20 bars

	// VWAPHoldSide is +1 when the latest bars closed above the running
	// session VWAP, -1 below, 0 when the latest close sat on it.
	// VWAPHoldBars is the length of that consecutive streak.
	VWAPHoldSide int
	VWAPHoldBars int
}

// MACDBullishCross reports a MACD line cross above the signal line on the
// latest bar.
func (s *Snapshot) MACDBullishCross() bool {
	return s.PrevMACDHist <= 0 && s.MACDHist > 0
}

// MACDBearishCross reports a MACD line cross below the signal line on the
// latest bar.
func (s *Snapshot) MACDBearishCross() bool {
	return s.PrevMACDHist >= 0 && s.MACDHist < 0
}

// VWAPDeviation returns |price - vwap| / vwap.
func (s *Snapshot) VWAPDeviation() float64 {
	if s.VWAP <= 0 {
		return 0
	}
	return math.Abs(s.Price-s.VWAP) / s.VWAP
}

// AboveVWAP reports whether price is trading above session VWAP.
func (s *Snapshot) AboveVWAP() bool {
	return s.Price > s.VWAP
}

// HeldVWAPSide reports whether the latest minBars bars all closed on the
// same side of the running session VWAP, and which side that was.
func (s *Snapshot) HeldVWAPSide(minBars int) (held bool, side int) {
	if s.VWAPHoldSide == 0 || s.VWAPHoldBars < minBars {
		return false, 0
	}
	return true, s.VWAPHoldSide
}

// OutsideLowerBand reports a close at or below the lower Bollinger band.
func (s *Snapshot) OutsideLowerBand() bool {
	return s.BollLower > 0 && s.Price <= s.BollLower
}

// OutsideUpperBand reports a close at or above the upper Bollinger band.
func (s *Snapshot) OutsideUpperBand() bool {
	return s.BollUpper > 0 && s.Price >= s.BollUpper
}

// MomentumAligned reports whether the 30-minute and 1-hour momentum agree
// in sign and both clear the given magnitude threshold.
func (s *Snapshot) MomentumAligned(minMagnitude float64) (aligned bool, direction int) {
	if s.Momentum30m == 0 || s.Momentum1h == 0 {
		return false, 0
	}
	if (s.Momentum30m > 0) != (s.Momentum1h > 0) {
		return false, 0
	}
	if math.Abs(s.Momentum30m) < minMagnitude || math.Abs(s.Momentum1h) < minMagnitude {
		return false, 0
	}
	if s.Momentum30m > 0 {
		return true, 1
	}
	return true, -1
}

// Map flattens the snapshot for persistence alongside a position.
func (s *Snapshot) Map() map[string]float64 {
	return map[string]float64{
		"price":        s.Price,
		"macd":         s.MACD,
		"macd_signal":  s.MACDSignal,
		"macd_hist":    s.MACDHist,
		"ema_fast":     s.EMAFast,
		"ema_slow":     s.EMASlow,
		"rsi":          s.RSI,
		"vwap":         s.VWAP,
		"boll_upper":   s.BollUpper,
		"boll_middle":  s.BollMiddle,
		"boll_lower":   s.BollLower,
		"volume":       s.Volume,
		"avg_volume":   s.AvgVolume,
		"volume_ratio": s.VolumeRatio,
		"momentum_30m": s.Momentum30m,
		"momentum_1h":  s.Momentum1h,
		"momentum_3":   s.Momentum3,
		"realized_vol": s.RealizedVol,
	}
}
