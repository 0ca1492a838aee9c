// Package policy holds the per-symbol risk thresholds and multipliers that
// drive stop, target, and trailing calculations. The table is loaded once at
// startup and is read-only afterwards; positions copy their policy at entry.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Profile classifies a symbol's expected volatility regime.
type Profile string

const (
	// ProfileLowStable covers large, slow movers.
	ProfileLowStable Profile = "low_stable"
	// ProfileLowTech covers mature large-cap tech.
	ProfileLowTech Profile = "low_tech"
	// ProfileModerateLeveraged covers leveraged ETFs.
	ProfileModerateLeveraged Profile = "moderate_leveraged"
	// ProfileModerateFintech covers mid-cap fintech names.
	ProfileModerateFintech Profile = "moderate_fintech"
	// ProfileModerateEV covers EV and adjacent growth names.
	ProfileModerateEV Profile = "moderate_ev"
	// ProfileHighVolatility covers small caps and momentum names; it is also
	// the default for unknown symbols.
	ProfileHighVolatility Profile = "high_volatility"
)

// Valid returns true if the Profile is one of the defined constants.
func (p Profile) Valid() bool {
	switch p {
	case ProfileLowStable, ProfileLowTech, ProfileModerateLeveraged,
		ProfileModerateFintech, ProfileModerateEV, ProfileHighVolatility:
		return true
	default:
		return false
	}
}

// Policy is the immutable per-symbol parameter set.
type Policy struct {
	StopPct              float64 `yaml:"stop_pct" json:"stop_pct"`
	TargetPct            float64 `yaml:"target_pct" json:"target_pct"`
	TrailActivationPct   float64 `yaml:"trail_activation_pct" json:"trail_activation_pct"`
	TrailDistancePct     float64 `yaml:"trail_distance_pct" json:"trail_distance_pct"`
	SizeMultiplier       float64 `yaml:"size_multiplier" json:"size_multiplier"`
	ConfidenceMultiplier float64 `yaml:"confidence_multiplier" json:"confidence_multiplier"`
	Profile              Profile `yaml:"profile" json:"profile"`
}

// Default policy values applied to unknown symbols.
const (
	defaultStopPct              = 0.015
	defaultTargetPct            = 0.020
	defaultTrailActivationPct   = 0.010
	defaultTrailDistancePct     = 0.015
	defaultSizeMultiplier       = 1.0
	defaultConfidenceMultiplier = 1.0
)

// Default returns the policy used for symbols without an explicit entry.
func Default() Policy {
	return Policy{
		StopPct:              defaultStopPct,
		TargetPct:            defaultTargetPct,
		TrailActivationPct:   defaultTrailActivationPct,
		TrailDistancePct:     defaultTrailDistancePct,
		SizeMultiplier:       defaultSizeMultiplier,
		ConfidenceMultiplier: defaultConfidenceMultiplier,
		Profile:              ProfileHighVolatility,
	}
}

// Validate checks policy bounds.
func (p Policy) Validate() error {
	if p.StopPct <= 0 || p.StopPct > 0.05 {
		return fmt.Errorf("stop_pct must be in (0, 0.05], got %.4f", p.StopPct)
	}
	if p.TargetPct <= 0 || p.TargetPct > 0.05 {
		return fmt.Errorf("target_pct must be in (0, 0.05], got %.4f", p.TargetPct)
	}
	if p.TrailActivationPct <= 0 || p.TrailActivationPct >= p.TargetPct {
		return fmt.Errorf("trail_activation_pct must be in (0, target_pct), got %.4f (target %.4f)",
			p.TrailActivationPct, p.TargetPct)
	}
	if p.TrailDistancePct <= 0 || p.TrailDistancePct >= p.TargetPct {
		return fmt.Errorf("trail_distance_pct must be in (0, target_pct), got %.4f (target %.4f)",
			p.TrailDistancePct, p.TargetPct)
	}
	if p.SizeMultiplier < 0.5 || p.SizeMultiplier > 2.0 {
		return fmt.Errorf("size_multiplier must be in [0.5, 2.0], got %.2f", p.SizeMultiplier)
	}
	if p.ConfidenceMultiplier < 0.90 || p.ConfidenceMultiplier > 1.10 {
		return fmt.Errorf("confidence_multiplier must be in [0.90, 1.10], got %.2f", p.ConfidenceMultiplier)
	}
	if !p.Profile.Valid() {
		return fmt.Errorf("unknown volatility profile %q", p.Profile)
	}
	return nil
}

// Thresholds are the profile-derived bands consumed by the confidence engine.
// Momentum is the minimum absolute 30-minute move that counts as directional
// strength; the vol band brackets acceptable per-bar realized volatility.
type Thresholds struct {
	MinMomentumPct float64 `yaml:"min_momentum_pct" json:"min_momentum_pct"`
	MinRealizedVol float64 `yaml:"min_realized_vol" json:"min_realized_vol"`
	MaxRealizedVol float64 `yaml:"max_realized_vol" json:"max_realized_vol"`
}

// Validate checks threshold bounds.
func (t Thresholds) Validate() error {
	if t.MinMomentumPct <= 0 {
		return fmt.Errorf("min_momentum_pct must be > 0, got %.4f", t.MinMomentumPct)
	}
	if t.MinRealizedVol < 0 {
		return fmt.Errorf("min_realized_vol must be >= 0, got %.4f", t.MinRealizedVol)
	}
	if t.MaxRealizedVol <= t.MinRealizedVol {
		return fmt.Errorf("max_realized_vol (%.4f) must exceed min_realized_vol (%.4f)",
			t.MaxRealizedVol, t.MinRealizedVol)
	}
	return nil
}

// defaultThresholds are conservative per-profile bands. Deployments tune
// them through the volatility_profiles section of the config.
var defaultThresholds = map[Profile]Thresholds{
	ProfileLowStable:         {MinMomentumPct: 0.0015, MinRealizedVol: 0.0005, MaxRealizedVol: 0.008},
	ProfileLowTech:           {MinMomentumPct: 0.0020, MinRealizedVol: 0.0010, MaxRealizedVol: 0.012},
	ProfileModerateLeveraged: {MinMomentumPct: 0.0030, MinRealizedVol: 0.0020, MaxRealizedVol: 0.020},
	ProfileModerateFintech:   {MinMomentumPct: 0.0030, MinRealizedVol: 0.0020, MaxRealizedVol: 0.018},
	ProfileModerateEV:        {MinMomentumPct: 0.0035, MinRealizedVol: 0.0025, MaxRealizedVol: 0.022},
	ProfileHighVolatility:    {MinMomentumPct: 0.0040, MinRealizedVol: 0.0030, MaxRealizedVol: 0.030},
}

// DefaultThresholds returns a copy of the built-in profile threshold map.
func DefaultThresholds() map[Profile]Thresholds {
	out := make(map[Profile]Thresholds, len(defaultThresholds))
	for k, v := range defaultThresholds {
		out[k] = v
	}
	return out
}

// Table is the immutable symbol-to-policy lookup plus profile thresholds.
type Table struct {
	policies   map[string]Policy
	thresholds map[Profile]Thresholds
}

// NewTable validates and builds the lookup. Overrides merge over the built-in
// threshold defaults; symbols are normalized to upper case.
func NewTable(policies map[string]Policy, overrides map[Profile]Thresholds) (*Table, error) {
	t := &Table{
		policies:   make(map[string]Policy, len(policies)),
		thresholds: DefaultThresholds(),
	}
	for sym, pol := range policies {
		key := strings.ToUpper(strings.TrimSpace(sym))
		if key == "" {
			return nil, fmt.Errorf("symbol_policies: empty symbol key")
		}
		if err := pol.Validate(); err != nil {
			return nil, fmt.Errorf("symbol_policies[%s]: %w", key, err)
		}
		if _, dup := t.policies[key]; dup {
			return nil, fmt.Errorf("symbol_policies: duplicate symbol %s", key)
		}
		t.policies[key] = pol
	}
	for prof, th := range overrides {
		if !prof.Valid() {
			return nil, fmt.Errorf("volatility_profiles: unknown profile %q", prof)
		}
		if err := th.Validate(); err != nil {
			return nil, fmt.Errorf("volatility_profiles[%s]: %w", prof, err)
		}
		t.thresholds[prof] = th
	}
	return t, nil
}

// Get returns the policy for a symbol, or the default policy when the symbol
// has no explicit entry.
func (t *Table) Get(symbol string) Policy {
	if pol, ok := t.policies[strings.ToUpper(symbol)]; ok {
		return pol
	}
	return Default()
}

// Has reports whether the symbol has an explicit policy entry.
func (t *Table) Has(symbol string) bool {
	_, ok := t.policies[strings.ToUpper(symbol)]
	return ok
}

// Thresholds returns the bands for a profile, falling back to the
// high-volatility bands for unknown profiles.
func (t *Table) Thresholds(p Profile) Thresholds {
	if th, ok := t.thresholds[p]; ok {
		return th
	}
	return t.thresholds[ProfileHighVolatility]
}

// Symbols returns the explicitly configured symbols in sorted order.
func (t *Table) Symbols() []string {
	out := make([]string, 0, len(t.policies))
	for sym := range t.policies {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of explicit policy entries.
func (t *Table) Len() int {
	return len(t.policies)
}
