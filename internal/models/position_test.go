package models

import (
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

func testPolicy() policy.Policy {
	return policy.Policy{
		StopPct:              0.0030,
		TargetPct:            0.0060,
		TrailActivationPct:   0.0040,
		TrailDistancePct:     0.0045,
		SizeMultiplier:       1.0,
		ConfidenceMultiplier: 1.0,
		Profile:              policy.ProfileLowTech,
	}
}

func mustPosition(t *testing.T, side Side, qty int, entry float64) *Position {
	t.Helper()
	p, err := NewPosition("test-id", "INTC", side, qty, entry, time.Now().UTC(), testPolicy())
	if err != nil {
		t.Fatalf("NewPosition: %v", err)
	}
	return p
}

func approxEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNewPosition_DerivesProtectiveLevels(t *testing.T) {
	long := mustPosition(t, SideLong, 10, 24.93)
	if !approxEq(long.CurrentStopPrice, 24.93*(1-0.0030)) {
		t.Errorf("long stop = %.6f, want %.6f", long.CurrentStopPrice, 24.93*(1-0.0030))
	}
	if !approxEq(long.TakeProfitPrice, 24.93*(1+0.0060)) {
		t.Errorf("long target = %.6f, want %.6f", long.TakeProfitPrice, 24.93*(1+0.0060))
	}

	short := mustPosition(t, SideShort, 10, 24.93)
	if !approxEq(short.CurrentStopPrice, 24.93*(1+0.0030)) {
		t.Errorf("short stop = %.6f, want %.6f", short.CurrentStopPrice, 24.93*(1+0.0030))
	}
	if !approxEq(short.TakeProfitPrice, 24.93*(1-0.0060)) {
		t.Errorf("short target = %.6f, want %.6f", short.TakeProfitPrice, 24.93*(1-0.0060))
	}

	if long.HighestPrice != 24.93 || long.LowestPrice != 24.93 {
		t.Errorf("extremes should seed from entry, got high %.4f low %.4f",
			long.HighestPrice, long.LowestPrice)
	}
	if long.State() != TrailInitial || long.TrailingActive {
		t.Errorf("new position must start in %s with trailing off", TrailInitial)
	}
}

func TestNewPosition_RejectsBadInputs(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name  string
		side  Side
		qty   int
		entry float64
	}{
		{"zero entry", SideLong, 10, 0},
		{"negative entry", SideLong, 10, -5},
		{"zero qty", SideLong, 0, 24.93},
		{"negative qty", SideShort, -3, 24.93},
		{"bad side", Side("sideways"), 10, 24.93},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPosition("x", "INTC", tc.side, tc.qty, tc.entry, now, testPolicy()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMarkPrice_TracksExtremesAndPnL(t *testing.T) {
	p := mustPosition(t, SideLong, 10, 24.93)

	p.MarkPrice(25.50)
	p.MarkPrice(24.10)
	p.MarkPrice(25.00)

	if p.HighestPrice != 25.50 {
		t.Errorf("highest = %.4f, want 25.50", p.HighestPrice)
	}
	if p.LowestPrice != 24.10 {
		t.Errorf("lowest = %.4f, want 24.10", p.LowestPrice)
	}
	if p.CurrentPrice != 25.00 {
		t.Errorf("current = %.4f, want 25.00", p.CurrentPrice)
	}
	if !approxEq(p.CurrentPnL, (25.00-24.93)*10) {
		t.Errorf("pnl = %.4f, want %.4f", p.CurrentPnL, (25.00-24.93)*10)
	}

	// Non-positive marks are ignored.
	p.MarkPrice(0)
	p.MarkPrice(-1)
	if p.CurrentPrice != 25.00 {
		t.Errorf("bad marks must not move current price, got %.4f", p.CurrentPrice)
	}
}

func TestProfitPct_IsFavorableForBothSides(t *testing.T) {
	long := mustPosition(t, SideLong, 10, 100)
	if got := long.ProfitPct(101); !approxEq(got, 0.01) {
		t.Errorf("long up 1%% = %.4f, want 0.01", got)
	}
	if got := long.ProfitPct(99); !approxEq(got, -0.01) {
		t.Errorf("long down 1%% = %.4f, want -0.01", got)
	}

	short := mustPosition(t, SideShort, 10, 100)
	if got := short.ProfitPct(99); !approxEq(got, 0.01) {
		t.Errorf("short down 1%% = %.4f, want 0.01", got)
	}
	if got := short.ProfitPct(101); !approxEq(got, -0.01) {
		t.Errorf("short up 1%% = %.4f, want -0.01", got)
	}
}

func TestRaiseStop_OnlyMovesFavorably(t *testing.T) {
	long := mustPosition(t, SideLong, 10, 100)
	initial := long.CurrentStopPrice

	if long.RaiseStop(initial - 0.50) {
		t.Error("long stop must never drop")
	}
	if long.CurrentStopPrice != initial {
		t.Errorf("stop moved to %.4f on a rejected raise", long.CurrentStopPrice)
	}
	if !long.RaiseStop(initial + 0.25) {
		t.Error("favorable raise rejected")
	}
	if !long.RaiseStop(initial + 0.50) {
		t.Error("second favorable raise rejected")
	}

	short := mustPosition(t, SideShort, 10, 100)
	sInitial := short.CurrentStopPrice
	if short.RaiseStop(sInitial + 0.50) {
		t.Error("short stop must never rise")
	}
	if !short.RaiseStop(sInitial - 0.25) {
		t.Error("favorable short tighten rejected")
	}

	if long.RaiseStop(0) || long.RaiseStop(-3) {
		t.Error("non-positive candidates must be rejected")
	}
}

func TestRaiseStop_SyncsTrailingStopWhenArmed(t *testing.T) {
	p := mustPosition(t, SideLong, 10, 100)
	if err := p.TransitionTrail(TrailArmed, CondActivation); err != nil {
		t.Fatalf("arming: %v", err)
	}
	if !p.TrailingActive {
		t.Fatal("arming must set TrailingActive")
	}
	p.RaiseStop(100.50)
	if p.TrailingStopPrice != 100.50 {
		t.Errorf("trailing stop = %.4f, want 100.50", p.TrailingStopPrice)
	}
}

func TestStopAndTargetCrossings(t *testing.T) {
	p := mustPosition(t, SideLong, 10, 100)

	if p.StopCrossed(p.CurrentStopPrice + 0.01) {
		t.Error("stop reported crossed above the level")
	}
	if !p.StopCrossed(p.CurrentStopPrice) {
		t.Error("touching the stop must count as crossed")
	}
	if !p.TargetCrossed(p.TakeProfitPrice) {
		t.Error("touching the target must count as crossed")
	}

	// Arming the trail supersedes the fixed target.
	if err := p.TransitionTrail(TrailArmed, CondActivation); err != nil {
		t.Fatalf("arming: %v", err)
	}
	p.TrailingStopPrice = p.CurrentStopPrice
	if p.TargetCrossed(p.TakeProfitPrice + 10) {
		t.Error("armed position must ignore the fixed target")
	}

	short := mustPosition(t, SideShort, 10, 100)
	if !short.StopCrossed(short.CurrentStopPrice) {
		t.Error("short stop crossing missed")
	}
	if !short.TargetCrossed(short.TakeProfitPrice) {
		t.Error("short target crossing missed")
	}
}

func TestStopInverted(t *testing.T) {
	long := mustPosition(t, SideLong, 10, 100)
	if long.StopInverted(100) {
		t.Error("healthy long flagged as inverted")
	}
	long.CurrentStopPrice = 101
	if !long.StopInverted(100) {
		t.Error("long stop above mark must flag inverted")
	}

	short := mustPosition(t, SideShort, 10, 100)
	short.CurrentStopPrice = 99
	if !short.StopInverted(100) {
		t.Error("short stop below mark must flag inverted")
	}
}

func TestCompleteTrade_Accounting(t *testing.T) {
	entry := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	p, err := NewPosition("t1", "SOFI", SideLong, 115, 24.0, entry, policy.Policy{
		StopPct: 0.0036, TargetPct: 0.0072,
		TrailActivationPct: 0.0040, TrailDistancePct: 0.0045,
		SizeMultiplier: 1.0, ConfidenceMultiplier: 1.0,
		Profile: policy.ProfileModerateFintech,
	})
	if err != nil {
		t.Fatalf("NewPosition: %v", err)
	}
	p.Strategy = "momentum_scalp"
	p.ConfidenceAtEntry = 82

	exit := entry.Add(47 * time.Minute)
	tr := p.CompleteTrade(24.30, exit, ExitReasonTrail)

	wantPnL := (24.30 - 24.0) * 115
	if !approxEq(tr.RealizedPnL, wantPnL) {
		t.Errorf("realized = %.4f, want %.4f", tr.RealizedPnL, wantPnL)
	}
	wantRisk := 24.0 * 0.0036 * 115
	if !approxEq(tr.RMultiple, wantPnL/wantRisk) {
		t.Errorf("r-multiple = %.4f, want %.4f", tr.RMultiple, wantPnL/wantRisk)
	}
	if tr.HoldSeconds != int64((47 * time.Minute).Seconds()) {
		t.Errorf("hold = %d, want %d", tr.HoldSeconds, int64((47*time.Minute).Seconds()))
	}
	if tr.ExitReason != ExitReasonTrail || tr.Strategy != "momentum_scalp" {
		t.Errorf("metadata lost: reason=%q strategy=%q", tr.ExitReason, tr.Strategy)
	}

	short := mustPosition(t, SideShort, 20, 50)
	str := short.CompleteTrade(49, time.Now().UTC(), ExitReasonSignal)
	if !approxEq(str.RealizedPnL, (50-49.0)*20) {
		t.Errorf("short realized = %.4f, want %.4f", str.RealizedPnL, (50-49.0)*20)
	}
}

func TestValidateState_CatchesInconsistencies(t *testing.T) {
	p := mustPosition(t, SideLong, 10, 100)
	if err := p.ValidateState(); err != nil {
		t.Errorf("fresh position invalid: %v", err)
	}

	// TrailingActive without the armed state.
	p.TrailingActive = true
	if err := p.ValidateState(); err == nil {
		t.Error("trailing active in initial state must fail validation")
	}
	p.TrailingActive = false

	// Armed without a trailing stop price.
	if err := p.TransitionTrail(TrailArmed, CondActivation); err != nil {
		t.Fatalf("arming: %v", err)
	}
	if err := p.ValidateState(); err == nil {
		t.Error("armed without trailing stop price must fail validation")
	}
	p.TrailingStopPrice = p.CurrentStopPrice
	if err := p.ValidateState(); err != nil {
		t.Errorf("armed position invalid: %v", err)
	}
}

func TestCopy_IsDeep(t *testing.T) {
	p := mustPosition(t, SideLong, 10, 100)
	p.IndicatorsAtEntry = map[string]float64{"rsi": 55}

	cp := p.Copy()
	cp.IndicatorsAtEntry["rsi"] = 99
	cp.MarkPrice(123)

	if p.IndicatorsAtEntry["rsi"] != 55 {
		t.Error("indicator map shared between copies")
	}
	if p.CurrentPrice == 123 {
		t.Error("copy mutation leaked into the original")
	}
	if cp.Machine == p.Machine {
		t.Error("trail machine shared between copies")
	}
}

func TestPositionKeys(t *testing.T) {
	p := mustPosition(t, SideShort, 10, 100)
	if p.Key() != PositionKey("INTC", SideShort) {
		t.Errorf("key mismatch: %s", p.Key())
	}
	if PositionKey("INTC", SideLong) == PositionKey("INTC", SideShort) {
		t.Error("long and short keys must differ")
	}
}

func TestActionAndSideHelpers(t *testing.T) {
	if !ActionBuy.IsEntry() || !ActionShort.IsEntry() {
		t.Error("buy and short are entries")
	}
	if ActionSellToClose.IsEntry() || ActionBuyToCover.IsEntry() {
		t.Error("closes are not entries")
	}
	if ActionShort.Direction() != SideShort || ActionBuyToCover.Direction() != SideShort {
		t.Error("short-side actions must map to the short side")
	}
	if ActionBuy.Direction() != SideLong || ActionSellToClose.Direction() != SideLong {
		t.Error("long-side actions must map to the long side")
	}
	if SideLong.Sign() != 1 || SideShort.Sign() != -1 {
		t.Error("side signs wrong")
	}
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("opposite sides wrong")
	}
	if Action("hold").Valid() {
		t.Error("unknown action validated")
	}
}
