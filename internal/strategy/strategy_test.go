package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/logging"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

func openPosition(t *testing.T, symbol string, side models.Side, strategyName string) *models.Position {
	t.Helper()
	pos, err := models.NewPosition("pos-1", symbol, side, 10, 25.0, time.Now(), policy.Default())
	if err != nil {
		t.Fatalf("building position: %v", err)
	}
	pos.Strategy = strategyName
	return pos
}

func TestMeanReversionLongTrigger(t *testing.T) {
	mr := NewMeanReversion()
	snap := &indicators.Snapshot{
		Symbol:      "SOFI",
		Price:       10.0,
		RSI:         22,
		BollLower:   10.0,
		BollUpper:   11.0,
		VolumeRatio: 2.0,
	}

	sig := mr.Evaluate(snap, policy.Default(), nil)
	if sig == nil {
		t.Fatal("expected a long fade signal")
	}
	if sig.Action != models.ActionBuy || sig.Strategy != "mean_reversion" {
		t.Fatalf("signal = %+v", sig)
	}
	// 55 base + 9 rsi depth + 0 band penetration + 2 volume.
	if math.Abs(sig.Confidence-66) > 1e-9 {
		t.Fatalf("confidence = %v, want 66", sig.Confidence)
	}
	if sig.Direction() != models.SideLong || !sig.IsEntry() {
		t.Fatalf("direction/entry: %+v", sig)
	}
}

func TestMeanReversionDeepExtremeScoresHigher(t *testing.T) {
	mr := NewMeanReversion()
	snap := &indicators.Snapshot{
		Symbol:      "SOFI",
		Price:       9.9,
		RSI:         20,
		BollLower:   10.0,
		BollUpper:   11.0,
		VolumeRatio: 3.3,
	}

	sig := mr.Evaluate(snap, policy.Default(), nil)
	if sig == nil {
		t.Fatal("expected a signal")
	}
	// 55 base + 15 rsi depth (capped) + 10 penetration + 15 volume (capped).
	if math.Abs(sig.Confidence-95) > 1e-9 {
		t.Fatalf("confidence = %v, want 95", sig.Confidence)
	}
}

func TestMeanReversionShortTrigger(t *testing.T) {
	mr := NewMeanReversion()
	snap := &indicators.Snapshot{
		Symbol:      "QBTS",
		Price:       17.2,
		RSI:         78,
		BollLower:   16.0,
		BollUpper:   17.1,
		VolumeRatio: 2.5,
	}

	sig := mr.Evaluate(snap, policy.Default(), nil)
	if sig == nil || sig.Action != models.ActionShort {
		t.Fatalf("signal = %+v", sig)
	}
	if sig.Direction() != models.SideShort {
		t.Fatalf("direction = %s", sig.Direction())
	}
}

func TestMeanReversionRequiresVolume(t *testing.T) {
	mr := NewMeanReversion()
	snap := &indicators.Snapshot{
		Symbol:      "SOFI",
		Price:       10.0,
		RSI:         20,
		BollLower:   10.0,
		BollUpper:   11.0,
		VolumeRatio: 1.5,
	}
	if sig := mr.Evaluate(snap, policy.Default(), nil); sig != nil {
		t.Fatalf("thin volume must not trigger: %+v", sig)
	}
}

func TestMeanReversionExitOwnership(t *testing.T) {
	mr := NewMeanReversion()
	overbought := &indicators.Snapshot{Symbol: "SOFI", RSI: 76}
	oversold := &indicators.Snapshot{Symbol: "SOFI", RSI: 24}

	long := openPosition(t, "SOFI", models.SideLong, mr.Name())
	sig := mr.Evaluate(overbought, policy.Default(), long)
	if sig == nil || sig.Action != models.ActionSellToClose || sig.Confidence != 100 {
		t.Fatalf("long exit = %+v", sig)
	}

	short := openPosition(t, "SOFI", models.SideShort, mr.Name())
	sig = mr.Evaluate(oversold, policy.Default(), short)
	if sig == nil || sig.Action != models.ActionBuyToCover {
		t.Fatalf("short exit = %+v", sig)
	}

	// A position opened by another strategy is never closed here.
	foreign := openPosition(t, "SOFI", models.SideLong, "momentum_scalp")
	if sig := mr.Evaluate(overbought, policy.Default(), foreign); sig != nil {
		t.Fatalf("foreign position exit = %+v", sig)
	}

	// Holding a position suppresses fresh entries for the symbol.
	held := openPosition(t, "SOFI", models.SideLong, mr.Name())
	mid := &indicators.Snapshot{Symbol: "SOFI", Price: 10, RSI: 20, BollLower: 10, BollUpper: 11, VolumeRatio: 3}
	if sig := mr.Evaluate(mid, policy.Default(), held); sig != nil && sig.IsEntry() {
		t.Fatalf("entry proposed while holding: %+v", sig)
	}
}

func TestMomentumScalpLongTrigger(t *testing.T) {
	ms := NewMomentumScalp()
	snap := &indicators.Snapshot{
		Symbol:       "PLTR",
		Price:        25.3,
		PrevMACDHist: -0.10,
		MACDHist:     0.05,
		EMAFast:      25.1,
		EMASlow:      24.9,
		Momentum3:    0.010,
		VolumeRatio:  2.2,
	}

	sig := ms.Evaluate(snap, policy.Default(), nil)
	if sig == nil || sig.Action != models.ActionBuy || sig.Strategy != "momentum_scalp" {
		t.Fatalf("signal = %+v", sig)
	}
	// 55 base + 5 move margin + 2 volume + 10 price beyond fast EMA.
	if math.Abs(sig.Confidence-72) > 1e-9 {
		t.Fatalf("confidence = %v, want 72", sig.Confidence)
	}
}

func TestMomentumScalpShortTrigger(t *testing.T) {
	ms := NewMomentumScalp()
	snap := &indicators.Snapshot{
		Symbol:       "NIO",
		Price:        4.80,
		PrevMACDHist: 0.02,
		MACDHist:     -0.03,
		EMAFast:      4.85,
		EMASlow:      4.95,
		Momentum3:    -0.012,
		VolumeRatio:  2.6,
	}

	sig := ms.Evaluate(snap, policy.Default(), nil)
	if sig == nil || sig.Action != models.ActionShort {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestMomentumScalpRequiresAllConditions(t *testing.T) {
	ms := NewMomentumScalp()
	base := indicators.Snapshot{
		Symbol:       "PLTR",
		Price:        25.3,
		PrevMACDHist: -0.10,
		MACDHist:     0.05,
		EMAFast:      25.1,
		EMASlow:      24.9,
		Momentum3:    0.010,
		VolumeRatio:  2.2,
	}

	weakMove := base
	weakMove.Momentum3 = 0.005
	if sig := ms.Evaluate(&weakMove, policy.Default(), nil); sig != nil {
		t.Fatalf("unconfirmed move triggered: %+v", sig)
	}

	emaAgainst := base
	emaAgainst.EMAFast, emaAgainst.EMASlow = 24.9, 25.1
	if sig := ms.Evaluate(&emaAgainst, policy.Default(), nil); sig != nil {
		t.Fatalf("misaligned emas triggered: %+v", sig)
	}

	noCross := base
	noCross.PrevMACDHist = 0.02
	if sig := ms.Evaluate(&noCross, policy.Default(), nil); sig != nil {
		t.Fatalf("stale cross triggered: %+v", sig)
	}

	thin := base
	thin.VolumeRatio = 1.4
	if sig := ms.Evaluate(&thin, policy.Default(), nil); sig != nil {
		t.Fatalf("thin volume triggered: %+v", sig)
	}
}

func TestMomentumScalpExit(t *testing.T) {
	ms := NewMomentumScalp()

	long := openPosition(t, "PLTR", models.SideLong, ms.Name())
	bearish := &indicators.Snapshot{Symbol: "PLTR", PrevMACDHist: 0.05, MACDHist: -0.02}
	sig := ms.Evaluate(bearish, policy.Default(), long)
	if sig == nil || sig.Action != models.ActionSellToClose {
		t.Fatalf("long exit = %+v", sig)
	}

	short := openPosition(t, "PLTR", models.SideShort, ms.Name())
	bullish := &indicators.Snapshot{Symbol: "PLTR", PrevMACDHist: -0.05, MACDHist: 0.02}
	sig = ms.Evaluate(bullish, policy.Default(), short)
	if sig == nil || sig.Action != models.ActionBuyToCover {
		t.Fatalf("short exit = %+v", sig)
	}

	foreign := openPosition(t, "PLTR", models.SideLong, "vwap_bounce")
	if sig := ms.Evaluate(bearish, policy.Default(), foreign); sig != nil {
		t.Fatalf("foreign exit = %+v", sig)
	}
}

func TestVWAPBounceLongTrigger(t *testing.T) {
	vb := NewVWAPBounce()
	snap := &indicators.Snapshot{
		Symbol:       "SOFI",
		Price:        10.001,
		VWAP:         10.0,
		VWAPHoldSide: 1,
		VWAPHoldBars: 4,
		VolumeRatio:  2.4,
	}

	sig := vb.Evaluate(snap, policy.Default(), nil)
	if sig == nil || sig.Action != models.ActionBuy || sig.Strategy != "vwap_bounce" {
		t.Fatalf("signal = %+v", sig)
	}
	// 55 base + 6 hold + 11.2 proximity + 4 volume.
	if math.Abs(sig.Confidence-76.2) > 1e-6 {
		t.Fatalf("confidence = %v, want 76.2", sig.Confidence)
	}
}

func TestVWAPBounceShortTrigger(t *testing.T) {
	vb := NewVWAPBounce()
	snap := &indicators.Snapshot{
		Symbol:       "NIO",
		Price:        4.995,
		VWAP:         5.0,
		VWAPHoldSide: -1,
		VWAPHoldBars: 5,
		VolumeRatio:  2.1,
	}

	sig := vb.Evaluate(snap, policy.Default(), nil)
	if sig == nil || sig.Action != models.ActionShort {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestVWAPBounceRejects(t *testing.T) {
	vb := NewVWAPBounce()
	base := indicators.Snapshot{
		Symbol:       "SOFI",
		Price:        10.001,
		VWAP:         10.0,
		VWAPHoldSide: 1,
		VWAPHoldBars: 4,
		VolumeRatio:  2.4,
	}

	far := base
	far.Price = 10.05
	if sig := vb.Evaluate(&far, policy.Default(), nil); sig != nil {
		t.Fatalf("price far from vwap triggered: %+v", sig)
	}

	shortHold := base
	shortHold.VWAPHoldBars = 2
	if sig := vb.Evaluate(&shortHold, policy.Default(), nil); sig != nil {
		t.Fatalf("short hold triggered: %+v", sig)
	}

	thin := base
	thin.VolumeRatio = 1.2
	if sig := vb.Evaluate(&thin, policy.Default(), nil); sig != nil {
		t.Fatalf("thin volume triggered: %+v", sig)
	}
}

func TestVWAPBounceExit(t *testing.T) {
	vb := NewVWAPBounce()

	long := openPosition(t, "SOFI", models.SideLong, vb.Name())
	lost := &indicators.Snapshot{Symbol: "SOFI", Price: 9.97, VWAP: 10.0, VWAPHoldSide: -1}
	sig := vb.Evaluate(lost, policy.Default(), long)
	if sig == nil || sig.Action != models.ActionSellToClose {
		t.Fatalf("long exit = %+v", sig)
	}

	short := openPosition(t, "SOFI", models.SideShort, vb.Name())
	reclaimed := &indicators.Snapshot{Symbol: "SOFI", Price: 10.03, VWAP: 10.0, VWAPHoldSide: 1}
	sig = vb.Evaluate(reclaimed, policy.Default(), short)
	if sig == nil || sig.Action != models.ActionBuyToCover {
		t.Fatalf("short exit = %+v", sig)
	}
}

type stubStrategy struct {
	name string
	sig  *Signal
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Evaluate(_ *indicators.Snapshot, _ policy.Policy, _ *models.Position) *Signal {
	return s.sig
}

func TestEvaluatorPicksHighestConfidenceEntry(t *testing.T) {
	low := &Signal{Symbol: "SOFI", Action: models.ActionBuy, Strategy: "low", Confidence: 70}
	high := &Signal{Symbol: "SOFI", Action: models.ActionShort, Strategy: "high", Confidence: 80}

	ev := NewEvaluator(0, logging.Nop(),
		stubStrategy{name: "low", sig: low},
		stubStrategy{name: "high", sig: high},
		stubStrategy{name: "quiet"},
	)

	got := ev.Evaluate(&indicators.Snapshot{Symbol: "SOFI"}, policy.Default(), nil)
	if got != high {
		t.Fatalf("picked %+v", got)
	}
}

func TestEvaluatorExitPreempts(t *testing.T) {
	entry := &Signal{Symbol: "SOFI", Action: models.ActionBuy, Strategy: "entry", Confidence: 95}
	exit := &Signal{Symbol: "SOFI", Action: models.ActionSellToClose, Strategy: "exit", Confidence: 100}

	ev := NewEvaluator(0, logging.Nop(),
		stubStrategy{name: "entry", sig: entry},
		stubStrategy{name: "exit", sig: exit},
	)

	got := ev.Evaluate(&indicators.Snapshot{Symbol: "SOFI"}, policy.Default(), nil)
	if got != exit {
		t.Fatalf("exit should preempt entries, got %+v", got)
	}
}

func TestEvaluatorConfidenceFloor(t *testing.T) {
	below := &Signal{Symbol: "SOFI", Action: models.ActionBuy, Strategy: "below", Confidence: 64.9}
	at := &Signal{Symbol: "SOFI", Action: models.ActionBuy, Strategy: "at", Confidence: 65}

	ev := NewEvaluator(0, logging.Nop(), stubStrategy{name: "below", sig: below})
	if got := ev.Evaluate(&indicators.Snapshot{Symbol: "SOFI"}, policy.Default(), nil); got != nil {
		t.Fatalf("below-floor candidate survived: %+v", got)
	}

	ev = NewEvaluator(0, logging.Nop(), stubStrategy{name: "at", sig: at})
	if got := ev.Evaluate(&indicators.Snapshot{Symbol: "SOFI"}, policy.Default(), nil); got != at {
		t.Fatalf("at-floor candidate dropped: %+v", got)
	}
}

func TestDefaultSet(t *testing.T) {
	set := DefaultSet()
	if len(set) != 3 {
		t.Fatalf("default set has %d strategies", len(set))
	}
	want := []string{"mean_reversion", "momentum_scalp", "vwap_bounce"}
	for i, name := range want {
		if set[i].Name() != name {
			t.Fatalf("set[%d] = %s, want %s", i, set[i].Name(), name)
		}
	}
}
