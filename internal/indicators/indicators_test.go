package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/logging"
)

// growthBars builds n 15-minute bars with exponential close growth so trend
// indicators have an unambiguous direction. All bars land on one exchange
// session date.
func growthBars(t *testing.T, n int, rate float64) []broker.Bar {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading tz: %v", err)
	}
	start := time.Date(2026, 8, 25, 4, 0, 0, 0, loc)
	bars := make([]broker.Bar, n)
	price := 100.0
	for i := range bars {
		price *= 1 + rate
		bars[i] = broker.Bar{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price * 0.9995,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    1000,
		}
	}
	return bars
}

func TestComputeRequiresHistory(t *testing.T) {
	bars := growthBars(t, MinBars-1, 0.001)
	if _, err := Compute("SOFI", bars); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}

	bad := growthBars(t, MinBars, 0.001)
	bad[10].Close = 0
	if _, err := Compute("SOFI", bad); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("non-positive close err = %v", err)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	bars := growthBars(t, 60, 0.002)

	first, err := Compute("SOFI", bars)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	second, err := Compute("SOFI", bars)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if *first != *second {
		t.Fatalf("same bars produced different snapshots:\n%+v\n%+v", first, second)
	}
}

func TestComputeRisingSeries(t *testing.T) {
	bars := growthBars(t, 60, 0.003)
	snap, err := Compute("SOFI", bars)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if snap.Symbol != "SOFI" || !snap.BarTime.Equal(bars[59].Timestamp) {
		t.Fatalf("identity: %s @ %v", snap.Symbol, snap.BarTime)
	}
	if snap.Price != bars[59].Close {
		t.Fatalf("price = %v, want last close %v", snap.Price, bars[59].Close)
	}
	if snap.EMAFast <= snap.EMASlow {
		t.Fatalf("rising series should have fast EMA above slow: %v vs %v", snap.EMAFast, snap.EMASlow)
	}
	if snap.MACD <= 0 {
		t.Fatalf("accelerating series should have positive MACD, got %v", snap.MACD)
	}
	if snap.RSI <= 60 {
		t.Fatalf("rsi = %v, want strongly overbought on a pure uptrend", snap.RSI)
	}
	if !(snap.BollLower < snap.BollMiddle && snap.BollMiddle < snap.BollUpper) {
		t.Fatalf("band ordering: %v / %v / %v", snap.BollLower, snap.BollMiddle, snap.BollUpper)
	}
	if math.Abs(snap.VolumeRatio-1.0) > 1e-9 {
		t.Fatalf("constant volume ratio = %v, want 1", snap.VolumeRatio)
	}
	if snap.Momentum30m <= 0 || snap.Momentum1h <= 0 || snap.Momentum3 <= 0 {
		t.Fatalf("momentum should be positive: %v / %v / %v", snap.Momentum30m, snap.Momentum1h, snap.Momentum3)
	}
	if snap.RealizedVol > 1e-9 {
		t.Fatalf("constant-return series has zero realized vol, got %v", snap.RealizedVol)
	}
	// Rising closes stay above the running session VWAP from the second bar.
	if snap.VWAPHoldSide != 1 {
		t.Fatalf("vwap hold side = %d, want +1", snap.VWAPHoldSide)
	}
	if snap.VWAPHoldBars < 50 {
		t.Fatalf("vwap hold bars = %d", snap.VWAPHoldBars)
	}
	if !snap.AboveVWAP() {
		t.Fatal("last close should sit above session VWAP")
	}
}

func TestComputeFallingSeries(t *testing.T) {
	bars := growthBars(t, 60, -0.003)
	snap, err := Compute("NIO", bars)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if snap.EMAFast >= snap.EMASlow {
		t.Fatalf("falling series should have fast EMA below slow: %v vs %v", snap.EMAFast, snap.EMASlow)
	}
	if snap.RSI >= 40 {
		t.Fatalf("rsi = %v, want oversold on a pure downtrend", snap.RSI)
	}
	if snap.Momentum30m >= 0 || snap.Momentum1h >= 0 {
		t.Fatalf("momentum should be negative: %v / %v", snap.Momentum30m, snap.Momentum1h)
	}
	if snap.VWAPHoldSide != -1 {
		t.Fatalf("vwap hold side = %d, want -1", snap.VWAPHoldSide)
	}
}

func TestSessionVWAP(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading tz: %v", err)
	}
	day := time.Date(2026, 8, 25, 10, 0, 0, 0, loc)
	flat := func(ts time.Time, px float64, vol int64) broker.Bar {
		return broker.Bar{Timestamp: ts, Open: px, High: px, Low: px, Close: px, Volume: vol}
	}

	bars := []broker.Bar{
		// Previous session carries enormous volume and must be ignored.
		flat(day.AddDate(0, 0, -1), 500, 1_000_000),
		flat(day, 10, 100),
		flat(day.Add(15*time.Minute), 11, 200),
		flat(day.Add(30*time.Minute), 12, 100),
	}

	vwap, side, hold := sessionVWAP(bars)
	// (10*100 + 11*200 + 12*100) / 400 = 11
	if math.Abs(vwap-11.0) > 1e-9 {
		t.Fatalf("vwap = %v, want 11", vwap)
	}
	// Bar one sits on its own VWAP (side 0), bars two and three close above
	// the running value.
	if side != 1 || hold != 2 {
		t.Fatalf("hold = (%d, %d), want (1, 2)", side, hold)
	}

	// No volume in the session falls back to the last close.
	quiet := []broker.Bar{flat(day, 10, 0), flat(day.Add(15*time.Minute), 12, 0)}
	vwap, side, hold = sessionVWAP(quiet)
	if vwap != 12 || side != 0 || hold != 0 {
		t.Fatalf("zero-volume vwap = (%v, %d, %d)", vwap, side, hold)
	}
}

func TestMomentumFraction(t *testing.T) {
	closes := []float64{100, 101, 100, 102}
	if got := momentumFraction(closes, 1); math.Abs(got-0.02) > 1e-9 {
		t.Fatalf("1-bar momentum = %v, want 0.02", got)
	}
	if got := momentumFraction(closes, 3); math.Abs(got-0.02) > 1e-9 {
		t.Fatalf("3-bar momentum = %v, want 0.02", got)
	}
	if got := momentumFraction(closes, 4); got != 0 {
		t.Fatalf("too-short series should yield 0, got %v", got)
	}
	if got := momentumFraction([]float64{0, 100}, 1); got != 0 {
		t.Fatalf("zero base should yield 0, got %v", got)
	}
}

func TestRealizedVolatility(t *testing.T) {
	// Constant returns mean zero dispersion.
	geometric := []float64{100, 101, 102.01, 103.0301, 104.060401}
	if got := realizedVolatility(geometric, 4); got > 1e-9 {
		t.Fatalf("constant-return vol = %v, want 0", got)
	}

	choppy := []float64{100, 103, 99, 104, 98}
	if got := realizedVolatility(choppy, 4); got <= 0.01 {
		t.Fatalf("choppy vol = %v, want clearly positive", got)
	}

	if got := realizedVolatility([]float64{100, 101}, 4); got != 0 {
		t.Fatalf("short series vol = %v, want 0", got)
	}
}

func TestMACDCrossHelpers(t *testing.T) {
	cases := []struct {
		prev, cur        float64
		bullish, bearish bool
	}{
		{-0.5, 0.3, true, false},
		{0, 0.3, true, false},
		{0.2, 0.5, false, false},
		{0.5, -0.2, false, true},
		{0, -0.2, false, true},
		{-0.5, -0.2, false, false},
	}
	for _, tc := range cases {
		s := &Snapshot{PrevMACDHist: tc.prev, MACDHist: tc.cur}
		if s.MACDBullishCross() != tc.bullish || s.MACDBearishCross() != tc.bearish {
			t.Errorf("hist %v -> %v: bullish=%v bearish=%v", tc.prev, tc.cur, s.MACDBullishCross(), s.MACDBearishCross())
		}
	}
}

func TestVWAPDeviation(t *testing.T) {
	s := &Snapshot{Price: 10.2, VWAP: 10.0}
	if got := s.VWAPDeviation(); math.Abs(got-0.02) > 1e-9 {
		t.Fatalf("deviation = %v, want 0.02", got)
	}
	s = &Snapshot{Price: 9.8, VWAP: 10.0}
	if got := s.VWAPDeviation(); math.Abs(got-0.02) > 1e-9 {
		t.Fatalf("deviation below = %v, want 0.02", got)
	}
	if got := (&Snapshot{Price: 10, VWAP: 0}).VWAPDeviation(); got != 0 {
		t.Fatalf("zero vwap deviation = %v", got)
	}
}

func TestHeldVWAPSide(t *testing.T) {
	s := &Snapshot{VWAPHoldSide: 1, VWAPHoldBars: 3}
	if held, side := s.HeldVWAPSide(3); !held || side != 1 {
		t.Fatalf("held = (%v, %d)", held, side)
	}
	if held, _ := s.HeldVWAPSide(4); held {
		t.Fatal("streak shorter than required should not count")
	}
	s = &Snapshot{VWAPHoldSide: 0, VWAPHoldBars: 10}
	if held, _ := s.HeldVWAPSide(1); held {
		t.Fatal("side 0 never counts as held")
	}
}

func TestBandChecks(t *testing.T) {
	s := &Snapshot{Price: 9.5, BollLower: 9.5, BollUpper: 10.5}
	if !s.OutsideLowerBand() {
		t.Fatal("touch of the lower band counts")
	}
	if s.OutsideUpperBand() {
		t.Fatal("price below upper band")
	}
	s.Price = 10.6
	if !s.OutsideUpperBand() || s.OutsideLowerBand() {
		t.Fatal("price above upper band only")
	}
	if (&Snapshot{Price: 5, BollLower: 0}).OutsideLowerBand() {
		t.Fatal("unset bands never trigger")
	}
}

func TestMomentumAligned(t *testing.T) {
	cases := []struct {
		m30, m1h  float64
		min       float64
		aligned   bool
		direction int
	}{
		{0.004, 0.006, 0.003, true, 1},
		{-0.004, -0.006, 0.003, true, -1},
		{0.004, -0.006, 0.003, false, 0},
		{0.002, 0.006, 0.003, false, 0},
		{0, 0.006, 0.003, false, 0},
	}
	for _, tc := range cases {
		s := &Snapshot{Momentum30m: tc.m30, Momentum1h: tc.m1h}
		aligned, dir := s.MomentumAligned(tc.min)
		if aligned != tc.aligned || dir != tc.direction {
			t.Errorf("(%v, %v) min %v = (%v, %d), want (%v, %d)",
				tc.m30, tc.m1h, tc.min, aligned, dir, tc.aligned, tc.direction)
		}
	}
}

func TestSnapshotMap(t *testing.T) {
	s := &Snapshot{Price: 10, RSI: 55, VWAP: 9.9, Momentum30m: 0.004}
	m := s.Map()
	if len(m) != 18 {
		t.Fatalf("map has %d keys", len(m))
	}
	if m["price"] != 10 || m["rsi"] != 55 || m["vwap"] != 9.9 || m["momentum_30m"] != 0.004 {
		t.Fatalf("map values: %+v", m)
	}
}

func TestServiceMemoizesPerBar(t *testing.T) {
	svc := NewService(logging.Nop())
	bars := growthBars(t, 60, 0.003)

	first, err := svc.Snapshot("SOFI", bars)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	second, err := svc.Snapshot("SOFI", bars)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if first != second {
		t.Fatal("same bar close should return the cached snapshot")
	}

	// A new bar close invalidates the cache entry.
	last := bars[len(bars)-1]
	next := make([]broker.Bar, 0, len(bars)+1)
	next = append(next, bars...)
	next = append(next, broker.Bar{
		Timestamp: last.Timestamp.Add(15 * time.Minute),
		Open:      last.Close,
		High:      last.Close * 1.004,
		Low:       last.Close * 0.999,
		Close:     last.Close * 1.003,
		Volume:    1000,
	})
	third, err := svc.Snapshot("SOFI", next)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if third == first {
		t.Fatal("new bar close should recompute")
	}
	if !third.BarTime.After(first.BarTime) {
		t.Fatalf("bar time did not advance: %v -> %v", first.BarTime, third.BarTime)
	}

	if _, err := svc.Snapshot("SOFI", nil); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("empty bars err = %v", err)
	}
}
