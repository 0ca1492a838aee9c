// Package mock builds deterministic market tapes for tests and strategy
// work. Unlike the dry-run venue in the broker package, every series here is
// a pure function of its arguments, so a failing case replays exactly.
package mock

import (
	"math"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

const (
	barSpacing = 15 * time.Minute
	baseVolume = 100_000

	// A rising tape climbs two cents a bar with a one-cent dip every
	// seventh bar, which keeps RSI and the Bollinger position off their
	// rails while the trend indicators stay unambiguous.
	trendStep = 0.02
	dipStep   = 0.01
	dipEvery  = 7
)

// RisingBars returns n bars of a steady uptrend whose last bar closes at
// lastClose, ending at end.
func RisingBars(end time.Time, n int, lastClose float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	c := lastClose
	for i := n - 1; i >= 0; i-- {
		bars[i] = bar(end, n, i, c, c-0.01, c+0.02, c-0.03)
		if i%dipEvery == 3 {
			c += dipStep
		} else {
			c -= trendStep
		}
	}
	return bars
}

// FallingBars returns n bars of a steady downtrend whose last bar closes at
// lastClose, ending at end.
func FallingBars(end time.Time, n int, lastClose float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	c := lastClose
	for i := n - 1; i >= 0; i-- {
		bars[i] = bar(end, n, i, c, c+0.01, c+0.03, c-0.02)
		if i%dipEvery == 3 {
			c -= dipStep
		} else {
			c += trendStep
		}
	}
	return bars
}

// RangeBars returns n bars oscillating around center with the given
// amplitude, one full swing every sixteen bars. The tape suits
// mean-reversion shapes: price visits both extremes repeatedly and always
// comes back.
func RangeBars(end time.Time, n int, center, amplitude float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	for i := 0; i < n; i++ {
		c := center + amplitude*math.Sin(2*math.Pi*float64(i)/16)
		bars[i] = bar(end, n, i, c, c-0.01, c+0.02, c-0.02)
	}
	return bars
}

func bar(end time.Time, n, i int, closePrice, open, high, low float64) broker.Bar {
	return broker.Bar{
		Timestamp:  end.Add(-time.Duration(n-1-i) * barSpacing),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     baseVolume,
		TradeCount: 500,
		VWAP:       (high + low + closePrice) / 3,
	}
}

// WithVolumeSurge returns a copy of bars with the final bar's volume scaled
// by ratio, for cases that need the volume-confirmation gate to fire.
func WithVolumeSurge(bars []broker.Bar, ratio float64) []broker.Bar {
	out := make([]broker.Bar, len(bars))
	copy(out, bars)
	if len(out) > 0 {
		last := &out[len(out)-1]
		last.Volume = int64(float64(last.Volume) * ratio)
	}
	return out
}

// SnapshotAt returns a market snapshot with a trade at price and a tight
// quote straddling it, both stamped ts.
func SnapshotAt(symbol string, price float64, ts time.Time) *broker.Snapshot {
	spread := math.Max(0.01, price*0.0002)
	return &broker.Snapshot{
		Symbol: symbol,
		LatestTrade: broker.Trade{
			Symbol:    symbol,
			Price:     price,
			Size:      100,
			Timestamp: ts,
		},
		LatestQuote: broker.Quote{
			Symbol:    symbol,
			BidPrice:  price - spread/2,
			BidSize:   10,
			AskPrice:  price + spread/2,
			AskSize:   10,
			Timestamp: ts,
		},
	}
}
