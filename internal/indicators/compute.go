package indicators

import (
	"fmt"
	"math"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

// feed converts a slice to the closed buffered channel the indicator
// library computes over.
func feed(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// collect drains an indicator output channel.
func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// Compute builds a full indicator snapshot from chronological minute bars.
// It returns ErrInsufficientData when fewer than MinBars are supplied.
func Compute(symbol string, bars []broker.Bar) (*Snapshot, error) {
	if len(bars) < MinBars {
		return nil, fmt.Errorf("%w: %s has %d bars, need %d", ErrInsufficientData, symbol, len(bars), MinBars)
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		if b.Close <= 0 {
			return nil, fmt.Errorf("%w: %s bar %d has non-positive close", ErrInsufficientData, symbol, i)
		}
		closes[i] = b.Close
		volumes[i] = float64(b.Volume)
	}
	last := bars[len(bars)-1]

	snap := &Snapshot{
		Symbol:  symbol,
		BarTime: last.Timestamp,
		Price:   last.Close,
	}

	// MACD 12/26/9
	macdChan, signalChan := trend.NewMacdWithPeriod[float64](macdFastPeriod, macdSlowPeriod, macdSignalPeriod).
		Compute(feed(closes))
	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) < 2 {
		return nil, fmt.Errorf("%w: %s produced %d macd values", ErrInsufficientData, symbol, len(macdValues))
	}
	n := len(macdValues)
	snap.MACD = macdValues[n-1]
	snap.MACDSignal = signalValues[n-1]
	snap.MACDHist = macdValues[n-1] - signalValues[n-1]
	snap.PrevMACDHist = macdValues[n-2] - signalValues[n-2]

	// EMA 9/21
	emaFast := collect(trend.NewEmaWithPeriod[float64](emaFastPeriod).Compute(feed(closes)))
	emaSlow := collect(trend.NewEmaWithPeriod[float64](emaSlowPeriod).Compute(feed(closes)))
	if len(emaFast) == 0 || len(emaSlow) == 0 {
		return nil, fmt.Errorf("%w: %s produced no ema values", ErrInsufficientData, symbol)
	}
	snap.EMAFast = emaFast[len(emaFast)-1]
	snap.EMASlow = emaSlow[len(emaSlow)-1]

	// RSI 14
	rsiValues := collect(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(feed(closes)))
	if len(rsiValues) == 0 {
		return nil, fmt.Errorf("%w: %s produced no rsi values", ErrInsufficientData, symbol)
	}
	snap.RSI = rsiValues[len(rsiValues)-1]

	// Bollinger Bands 20/2
	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](bollingerPeriod).
		Compute(feed(closes))
	var lowerValues, middleValues, upperValues []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lowerValues = append(lowerValues, l)
		middleValues = append(middleValues, m)
		upperValues = append(upperValues, u)
	}
	if len(middleValues) == 0 {
		return nil, fmt.Errorf("%w: %s produced no bollinger values", ErrInsufficientData, symbol)
	}
	snap.BollLower = lowerValues[len(lowerValues)-1]
	snap.BollMiddle = middleValues[len(middleValues)-1]
	snap.BollUpper = upperValues[len(upperValues)-1]

	// Volume ratio: last bar against its 20-bar simple average.
	volSMA := collect(trend.NewSmaWithPeriod[float64](volumeSMAPeriod).Compute(feed(volumes)))
	snap.Volume = volumes[len(volumes)-1]
	if len(volSMA) > 0 && volSMA[len(volSMA)-1] > 0 {
		snap.AvgVolume = volSMA[len(volSMA)-1]
		snap.VolumeRatio = snap.Volume / snap.AvgVolume
	}

	snap.VWAP, snap.VWAPHoldSide, snap.VWAPHoldBars = sessionVWAP(bars)
	snap.Momentum30m = momentumFraction(closes, momentum30mBars)
	snap.Momentum1h = momentumFraction(closes, momentum1hBars)
	snap.Momentum3 = momentumFraction(closes, confirmBars)
	snap.RealizedVol = realizedVolatility(closes, realizedVolBars)

	return snap, nil
}

// sessionVWAP computes the cumulative volume-weighted average price over the
// bars belonging to the latest session day (exchange time). It also tracks
// the trailing streak of bars closing on one side of the running VWAP, which
// the VWAP bounce strategy reads as confirmation.
func sessionVWAP(bars []broker.Bar) (vwap float64, holdSide, holdBars int) {
	loc := nyLocation()
	last := bars[len(bars)-1]
	sessionDate := last.Timestamp.In(loc).Format("2006-01-02")

	var pv, vol float64
	for _, b := range bars {
		if b.Timestamp.In(loc).Format("2006-01-02") != sessionDate {
			continue
		}
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * float64(b.Volume)
		vol += float64(b.Volume)
		if vol <= 0 {
			continue
		}
		running := pv / vol

		side := 0
		if b.Close > running {
			side = 1
		} else if b.Close < running {
			side = -1
		}
		if side != 0 && side == holdSide {
			holdBars++
		} else {
			holdSide = side
			holdBars = 1
			if side == 0 {
				holdBars = 0
			}
		}
	}
	if vol <= 0 {
		return last.Close, 0, 0
	}
	return pv / vol, holdSide, holdBars
}

// momentumFraction returns the price change over the trailing n bars as a
// fraction of the earlier close.
func momentumFraction(closes []float64, n int) float64 {
	if len(closes) <= n {
		return 0
	}
	base := closes[len(closes)-1-n]
	if base <= 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base
}

// realizedVolatility returns the standard deviation of one-bar simple
// returns over the trailing n bars.
func realizedVolatility(closes []float64, n int) float64 {
	if len(closes) < n+1 {
		return 0
	}
	window := closes[len(closes)-n-1:]
	returns := make([]float64, 0, n)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			continue
		}
		returns = append(returns, window[i]/window[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

func nyLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}
