package policy

import "testing"

func validPolicy() Policy {
	return Policy{
		StopPct:              0.0036,
		TargetPct:            0.0072,
		TrailActivationPct:   0.0040,
		TrailDistancePct:     0.0045,
		SizeMultiplier:       1.0,
		ConfidenceMultiplier: 1.0,
		Profile:              ProfileModerateFintech,
	}
}

func TestPolicyValidate_Bounds(t *testing.T) {
	if err := validPolicy().Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	mutations := []struct {
		name string
		mut  func(*Policy)
	}{
		{"zero stop", func(p *Policy) { p.StopPct = 0 }},
		{"stop too wide", func(p *Policy) { p.StopPct = 0.06 }},
		{"zero target", func(p *Policy) { p.TargetPct = 0 }},
		{"activation at target", func(p *Policy) { p.TrailActivationPct = p.TargetPct }},
		{"distance at target", func(p *Policy) { p.TrailDistancePct = p.TargetPct }},
		{"size too small", func(p *Policy) { p.SizeMultiplier = 0.4 }},
		{"size too large", func(p *Policy) { p.SizeMultiplier = 2.5 }},
		{"confidence out of band", func(p *Policy) { p.ConfidenceMultiplier = 1.2 }},
		{"unknown profile", func(p *Policy) { p.Profile = "medium_rare" }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			p := validPolicy()
			tc.mut(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDefaultPolicy_IsValid(t *testing.T) {
	d := Default()
	if err := d.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if d.Profile != ProfileHighVolatility {
		t.Errorf("default profile = %s, want %s", d.Profile, ProfileHighVolatility)
	}
}

func TestDefaultThresholds_CoverAllProfilesAndValidate(t *testing.T) {
	ths := DefaultThresholds()
	for _, prof := range []Profile{
		ProfileLowStable, ProfileLowTech, ProfileModerateLeveraged,
		ProfileModerateFintech, ProfileModerateEV, ProfileHighVolatility,
	} {
		th, ok := ths[prof]
		if !ok {
			t.Errorf("no default thresholds for %s", prof)
			continue
		}
		if err := th.Validate(); err != nil {
			t.Errorf("default thresholds for %s invalid: %v", prof, err)
		}
	}
}

func TestNewTable_NormalizesAndValidates(t *testing.T) {
	tbl, err := NewTable(map[string]Policy{" sofi ": validPolicy()}, nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if !tbl.Has("SOFI") || !tbl.Has("sofi") {
		t.Error("symbol lookup must be case-insensitive")
	}
	if got := tbl.Get("sofi").Profile; got != ProfileModerateFintech {
		t.Errorf("policy profile = %s, want %s", got, ProfileModerateFintech)
	}

	// Unknown symbols fall back to the default policy, not an error.
	fallback := tbl.Get("ZZZZ")
	if fallback != Default() {
		t.Errorf("unknown symbol policy = %+v, want default", fallback)
	}

	bad := validPolicy()
	bad.StopPct = 0
	if _, err := NewTable(map[string]Policy{"NIO": bad}, nil); err == nil {
		t.Error("invalid member policy must fail table construction")
	}
	if _, err := NewTable(map[string]Policy{"": validPolicy()}, nil); err == nil {
		t.Error("empty symbol key must fail table construction")
	}
}

func TestNewTable_ThresholdOverrides(t *testing.T) {
	custom := Thresholds{MinMomentumPct: 0.0050, MinRealizedVol: 0.0010, MaxRealizedVol: 0.025}
	tbl, err := NewTable(nil, map[Profile]Thresholds{ProfileLowTech: custom})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if got := tbl.Thresholds(ProfileLowTech); got != custom {
		t.Errorf("override lost: %+v", got)
	}
	// Non-overridden profiles keep their defaults.
	if got := tbl.Thresholds(ProfileLowStable); got != DefaultThresholds()[ProfileLowStable] {
		t.Errorf("default displaced: %+v", got)
	}
	// Unknown profiles use the widest band rather than zero values.
	if got := tbl.Thresholds("nope"); got != tbl.Thresholds(ProfileHighVolatility) {
		t.Errorf("unknown profile thresholds = %+v", got)
	}

	if _, err := NewTable(nil, map[Profile]Thresholds{"nope": custom}); err == nil {
		t.Error("unknown profile override must fail")
	}
	inverted := Thresholds{MinMomentumPct: 0.003, MinRealizedVol: 0.02, MaxRealizedVol: 0.01}
	if _, err := NewTable(nil, map[Profile]Thresholds{ProfileLowTech: inverted}); err == nil {
		t.Error("inverted vol band must fail")
	}
}

func TestTableSymbols_Sorted(t *testing.T) {
	tbl, err := NewTable(map[string]Policy{
		"NIO": validPolicy(), "AAPL": validPolicy(), "SOFI": validPolicy(),
	}, nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	syms := tbl.Symbols()
	want := []string{"AAPL", "NIO", "SOFI"}
	if len(syms) != len(want) {
		t.Fatalf("symbols = %v", syms)
	}
	for i := range want {
		if syms[i] != want[i] {
			t.Fatalf("symbols = %v, want %v", syms, want)
		}
	}
}
