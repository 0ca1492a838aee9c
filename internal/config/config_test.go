package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
environment:
  mode: paper
  dry_run: true
trading:
  watchlist: [SOFI, NIO]
risk:
  max_position_notional: 5000
  max_short_exposure: 1500
  max_concurrent_positions: 4
  daily_loss_cap: 300
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.yaml.example"))
	if err != nil {
		t.Fatalf("example config must load: %v", err)
	}
	if len(cfg.Trading.Watchlist) == 0 {
		t.Error("example watchlist empty")
	}
	if !cfg.Environment.DryRun {
		t.Error("example config must ship with dry_run enabled")
	}
	if _, err := cfg.PolicyTable(); err != nil {
		t.Errorf("example policies invalid: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file must error")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, baseYAML+"\nsurprise_section:\n  x: 1\n"))
	if err == nil {
		t.Error("unknown top-level key must be rejected")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.CycleInterval() != 60*time.Second {
		t.Errorf("cycle interval = %s, want 60s", cfg.CycleInterval())
	}
	if cfg.Schedule.TradingWindowStart != "10:00" || cfg.Schedule.TradingWindowEnd != "15:30" {
		t.Errorf("window = %s-%s, want 10:00-15:30",
			cfg.Schedule.TradingWindowStart, cfg.Schedule.TradingWindowEnd)
	}
	if cfg.Trading.MinConfidence != 75 {
		t.Errorf("min confidence = %.1f, want 75", cfg.Trading.MinConfidence)
	}
	if cfg.Trading.AccountRiskPerTrade != 0.01 {
		t.Errorf("account risk = %.4f, want 0.01", cfg.Trading.AccountRiskPerTrade)
	}
	if cfg.Risk.MaxDailyTrades != 6 {
		t.Errorf("max daily trades = %d, want 6", cfg.Risk.MaxDailyTrades)
	}
	if cfg.ShutdownGrace() != 30*time.Second {
		t.Errorf("shutdown grace = %s, want 30s", cfg.ShutdownGrace())
	}
	if cfg.OrderTimeout() != 10*time.Second {
		t.Errorf("order timeout = %s, want 10s", cfg.OrderTimeout())
	}
	if cfg.DataTimeout() != 5*time.Second {
		t.Errorf("data timeout = %s, want 5s", cfg.DataTimeout())
	}
	if cfg.Timeouts.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Timeouts.MaxRetries)
	}
	if cfg.Location().String() != "America/New_York" {
		t.Errorf("location = %s, want America/New_York", cfg.Location())
	}
	if !cfg.IsPaperTrading() {
		t.Error("paper mode not detected")
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("SCALPER_TEST_KEY", "key-from-env")
	t.Setenv("SCALPER_TEST_SECRET", "secret-from-env")

	yaml := strings.Replace(baseYAML, "dry_run: true", "dry_run: false", 1) + `
broker:
  api_key: ${SCALPER_TEST_KEY}
  api_secret: ${SCALPER_TEST_SECRET}
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "key-from-env" || cfg.Broker.APISecret != "secret-from-env" {
		t.Errorf("env expansion failed: key=%q secret=%q", cfg.Broker.APIKey, cfg.Broker.APISecret)
	}
}

func TestValidate_CredentialsRequiredOutsideDryRun(t *testing.T) {
	yaml := strings.Replace(baseYAML, "dry_run: true", "dry_run: false", 1)
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("live-wire config without credentials must fail")
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad mode", strings.Replace(baseYAML, "mode: paper", "mode: yolo", 1)},
		{"empty watchlist", strings.Replace(baseYAML, "watchlist: [SOFI, NIO]", "watchlist: []", 1)},
		{"duplicate symbol", strings.Replace(baseYAML, "watchlist: [SOFI, NIO]", "watchlist: [SOFI, sofi]", 1)},
		{"window inverted", baseYAML + "schedule:\n  trading_window_start: \"15:30\"\n  trading_window_end: \"10:00\"\n"},
		{"lunch half-set", baseYAML + "schedule:\n  lunch_start: \"12:00\"\n"},
		{"cycle too fast", baseYAML + "schedule:\n  cycle_interval_seconds: 1\n"},
		{"account risk too high", `
environment:
  mode: paper
  dry_run: true
trading:
  watchlist: [SOFI]
  account_risk_per_trade: 0.5
risk:
  max_position_notional: 5000
  max_concurrent_positions: 4
  daily_loss_cap: 300
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidate_NormalizesWatchlistCase(t *testing.T) {
	cfg, err := Load(writeConfig(t, strings.Replace(baseYAML,
		"watchlist: [SOFI, NIO]", "watchlist: [\" sofi\", nio]", 1)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trading.Watchlist[0] != "SOFI" || cfg.Trading.Watchlist[1] != "NIO" {
		t.Errorf("watchlist not normalized: %v", cfg.Trading.Watchlist)
	}
}

func TestWindowAndLunchBounds(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML+`
schedule:
  lunch_start: "12:00"
  lunch_end: "13:00"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, cfg.Location())
	start, end := cfg.WindowBounds(day)
	if start.Hour() != 10 || start.Minute() != 0 {
		t.Errorf("window start = %s", start)
	}
	if end.Hour() != 15 || end.Minute() != 30 {
		t.Errorf("window end = %s", end)
	}
	if start.Location() != cfg.Location() {
		t.Error("window bounds must be in the configured zone")
	}

	ls, le, ok := cfg.LunchBounds(day)
	if !ok {
		t.Fatal("lunch bounds configured but not reported")
	}
	if ls.Hour() != 12 || le.Hour() != 13 {
		t.Errorf("lunch = %s-%s", ls, le)
	}

	plain, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, ok := plain.LunchBounds(day); ok {
		t.Error("lunch bounds reported without configuration")
	}
}

func TestPolicyTable_UsesConfiguredPolicies(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML+`
symbol_policies:
  SOFI:
    stop_pct: 0.0036
    target_pct: 0.0072
    trail_activation_pct: 0.0040
    trail_distance_pct: 0.0045
    size_multiplier: 1.0
    confidence_multiplier: 1.0
    profile: moderate_fintech
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tbl, err := cfg.PolicyTable()
	if err != nil {
		t.Fatalf("PolicyTable: %v", err)
	}
	if !tbl.Has("SOFI") {
		t.Error("configured policy missing from table")
	}
	if got := tbl.Get("SOFI").StopPct; got != 0.0036 {
		t.Errorf("stop pct = %.4f, want 0.0036", got)
	}
}
