// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/schrute_scalper/internal/policy"
)

// Defaults applied when fields are unset.
const (
	defaultCycleIntervalSeconds  = 60
	defaultMinConfidence         = 75.0
	defaultMinStrategyConfidence = 65.0
	defaultAccountRiskPerTrade   = 0.01
	defaultMaxDailyTrades        = 6 // PDT guard
	defaultTradingWindowStart    = "10:00"
	defaultTradingWindowEnd      = "15:30"
	defaultShutdownGraceSeconds  = 30
	defaultOrderTimeoutSeconds   = 10
	defaultDataTimeoutSeconds    = 5
	defaultMaxRetries            = 3
	defaultStoragePath           = "data/positions.json"
	defaultReportDir             = "data/reports"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Storage     StorageConfig     `yaml:"storage"`
	Monitor     MonitorConfig     `yaml:"monitor"`

	SymbolPolicies     map[string]policy.Policy             `yaml:"symbol_policies"`
	VolatilityProfiles map[policy.Profile]policy.Thresholds `yaml:"volatility_profiles"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // json | console
	DryRun    bool   `yaml:"dry_run"`    // log orders, fill synthetically
}

// BrokerConfig defines broker API settings. Credentials are supplied through
// environment expansion, e.g. api_key: ${ALPACA_API_KEY}.
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // alpaca | tradier
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// AccountID scopes account routes for providers that need it (tradier).
	AccountID string `yaml:"account_id,omitempty"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	// RequestsPerSecond caps outgoing broker calls; 0 uses the adapter default.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ScheduleConfig defines the cycle cadence and the trading window.
type ScheduleConfig struct {
	CycleIntervalSeconds int    `yaml:"cycle_interval_seconds"`
	TradingWindowStart   string `yaml:"trading_window_start"` // "HH:MM" ET
	TradingWindowEnd     string `yaml:"trading_window_end"`   // "HH:MM" ET
	LunchStart           string `yaml:"lunch_start,omitempty"`
	LunchEnd             string `yaml:"lunch_end,omitempty"`
	Timezone             string `yaml:"timezone"`
}

// TradingConfig defines watchlist and confidence thresholds.
type TradingConfig struct {
	Watchlist             []string `yaml:"watchlist"`
	MinConfidence         float64  `yaml:"min_confidence"`
	MinStrategyConfidence float64  `yaml:"min_strategy_confidence"`
	AccountRiskPerTrade   float64  `yaml:"account_risk_per_trade"`
}

// RiskConfig defines the hard limits the risk gate enforces.
type RiskConfig struct {
	MaxPositionNotional    float64 `yaml:"max_position_notional"`
	MaxShortExposure       float64 `yaml:"max_short_exposure"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxDailyTrades         int     `yaml:"max_daily_trades"`
	DailyLossCap           float64 `yaml:"daily_loss_cap"`
}

// TimeoutsConfig defines timeouts and the retry budget.
type TimeoutsConfig struct {
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	OrderTimeoutSeconds  int `yaml:"order_timeout_seconds"`
	DataTimeoutSeconds   int `yaml:"data_timeout_seconds"`
	MaxRetries           int `yaml:"max_retries"`
}

// StorageConfig defines persistence paths.
type StorageConfig struct {
	Path      string `yaml:"path"`
	ReportDir string `yaml:"report_dir"`
}

// MonitorConfig defines the optional health/metrics listener.
type MonitorConfig struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalizeDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation; dry runs never reach the wire so credentials are
	// optional there.
	if c.Broker.Provider != "alpaca" && c.Broker.Provider != "tradier" {
		return fmt.Errorf("broker.provider must be 'alpaca' or 'tradier'")
	}
	if !c.Environment.DryRun {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.Provider == "alpaca" && c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required")
		}
	}
	if c.Broker.RequestsPerSecond < 0 {
		return fmt.Errorf("broker.requests_per_second must be >= 0")
	}

	// Trading validation
	if len(c.Trading.Watchlist) == 0 {
		return fmt.Errorf("trading.watchlist must list at least one symbol")
	}
	seen := make(map[string]bool, len(c.Trading.Watchlist))
	for i, sym := range c.Trading.Watchlist {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			return fmt.Errorf("trading.watchlist[%d] is empty", i)
		}
		if seen[s] {
			return fmt.Errorf("trading.watchlist has duplicate symbol %s", s)
		}
		seen[s] = true
		c.Trading.Watchlist[i] = s
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 100 {
		return fmt.Errorf("trading.min_confidence must be between 0 and 100")
	}
	if c.Trading.MinStrategyConfidence < 0 || c.Trading.MinStrategyConfidence > 100 {
		return fmt.Errorf("trading.min_strategy_confidence must be between 0 and 100")
	}
	if c.Trading.AccountRiskPerTrade <= 0 || c.Trading.AccountRiskPerTrade > 0.05 {
		return fmt.Errorf("trading.account_risk_per_trade must be in (0, 0.05]")
	}

	// Risk validation
	if c.Risk.MaxPositionNotional <= 0 {
		return fmt.Errorf("risk.max_position_notional must be > 0")
	}
	if c.Risk.MaxShortExposure < 0 {
		return fmt.Errorf("risk.max_short_exposure must be >= 0")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Risk.MaxDailyTrades <= 0 {
		return fmt.Errorf("risk.max_daily_trades must be > 0")
	}
	if c.Risk.DailyLossCap <= 0 {
		return fmt.Errorf("risk.daily_loss_cap must be > 0")
	}

	// Schedule validation
	if c.Schedule.CycleIntervalSeconds < 5 {
		return fmt.Errorf("schedule.cycle_interval_seconds must be >= 5")
	}
	loc := c.Location()
	start, err1 := time.ParseInLocation("15:04", c.Schedule.TradingWindowStart, loc)
	end, err2 := time.ParseInLocation("15:04", c.Schedule.TradingWindowEnd, loc)
	if err1 != nil || err2 != nil ||
		(start.Hour() > end.Hour() || (start.Hour() == end.Hour() && start.Minute() >= end.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	if (c.Schedule.LunchStart == "") != (c.Schedule.LunchEnd == "") {
		return fmt.Errorf("schedule.lunch_start and lunch_end must be set together")
	}
	if c.Schedule.LunchStart != "" {
		ls, errA := time.ParseInLocation("15:04", c.Schedule.LunchStart, loc)
		le, errB := time.ParseInLocation("15:04", c.Schedule.LunchEnd, loc)
		if errA != nil || errB != nil || !ls.Before(le) {
			return fmt.Errorf("schedule lunch break invalid (start/end parse/order)")
		}
	}

	// Timeout validation
	if c.Timeouts.ShutdownGraceSeconds <= 0 {
		return fmt.Errorf("timeouts.shutdown_grace_seconds must be > 0")
	}
	if c.Timeouts.OrderTimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts.order_timeout_seconds must be > 0")
	}
	if c.Timeouts.DataTimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts.data_timeout_seconds must be > 0")
	}
	if c.Timeouts.MaxRetries < 0 {
		return fmt.Errorf("timeouts.max_retries must be >= 0")
	}

	// Policies validate inside PolicyTable; run it here so startup fails fast.
	if _, err := c.PolicyTable(); err != nil {
		return err
	}

	return nil
}

// normalizeDefaults fills unset fields with their documented defaults.
func (c *Config) normalizeDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "json"
	}
	c.Broker.Provider = strings.ToLower(strings.TrimSpace(c.Broker.Provider))
	if c.Broker.Provider == "" {
		c.Broker.Provider = "alpaca"
	}
	if c.Schedule.CycleIntervalSeconds == 0 {
		c.Schedule.CycleIntervalSeconds = defaultCycleIntervalSeconds
	}
	if c.Schedule.TradingWindowStart == "" {
		c.Schedule.TradingWindowStart = defaultTradingWindowStart
	}
	if c.Schedule.TradingWindowEnd == "" {
		c.Schedule.TradingWindowEnd = defaultTradingWindowEnd
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Trading.MinConfidence == 0 {
		c.Trading.MinConfidence = defaultMinConfidence
	}
	if c.Trading.MinStrategyConfidence == 0 {
		c.Trading.MinStrategyConfidence = defaultMinStrategyConfidence
	}
	if c.Trading.AccountRiskPerTrade == 0 {
		c.Trading.AccountRiskPerTrade = defaultAccountRiskPerTrade
	}
	if c.Risk.MaxDailyTrades == 0 {
		c.Risk.MaxDailyTrades = defaultMaxDailyTrades
	}
	if c.Timeouts.ShutdownGraceSeconds == 0 {
		c.Timeouts.ShutdownGraceSeconds = defaultShutdownGraceSeconds
	}
	if c.Timeouts.OrderTimeoutSeconds == 0 {
		c.Timeouts.OrderTimeoutSeconds = defaultOrderTimeoutSeconds
	}
	if c.Timeouts.DataTimeoutSeconds == 0 {
		c.Timeouts.DataTimeoutSeconds = defaultDataTimeoutSeconds
	}
	if c.Timeouts.MaxRetries == 0 {
		c.Timeouts.MaxRetries = defaultMaxRetries
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Storage.ReportDir == "" {
		c.Storage.ReportDir = defaultReportDir
	}
}

// IsPaperTrading returns true if the engine targets the paper endpoint.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured timezone, falling back to a fixed ET zone
// for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// CycleInterval returns the cycle cadence as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Schedule.CycleIntervalSeconds) * time.Second
}

// DataTimeout returns the per-call market data timeout.
func (c *Config) DataTimeout() time.Duration {
	return time.Duration(c.Timeouts.DataTimeoutSeconds) * time.Second
}

// OrderTimeout returns the per-order fill timeout.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Timeouts.OrderTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long graceful shutdown waits for in-flight work.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Timeouts.ShutdownGraceSeconds) * time.Second
}

// WindowBounds returns the configured trading window for the given date.
func (c *Config) WindowBounds(day time.Time) (start, end time.Time) {
	loc := c.Location()
	d := day.In(loc)
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingWindowStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingWindowEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		s = time.Date(0, 1, 1, 10, 0, 0, 0, loc)
		e = time.Date(0, 1, 1, 15, 30, 0, 0, loc)
	}
	start = time.Date(d.Year(), d.Month(), d.Day(), s.Hour(), s.Minute(), 0, 0, loc)
	end = time.Date(d.Year(), d.Month(), d.Day(), e.Hour(), e.Minute(), 0, 0, loc)
	return start, end
}

// LunchBounds returns the configured lunch break for the given date, or ok
// false when no break is configured.
func (c *Config) LunchBounds(day time.Time) (start, end time.Time, ok bool) {
	if c.Schedule.LunchStart == "" || c.Schedule.LunchEnd == "" {
		return time.Time{}, time.Time{}, false
	}
	loc := c.Location()
	d := day.In(loc)
	s, err1 := time.ParseInLocation("15:04", c.Schedule.LunchStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.LunchEnd, loc)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	start = time.Date(d.Year(), d.Month(), d.Day(), s.Hour(), s.Minute(), 0, 0, loc)
	end = time.Date(d.Year(), d.Month(), d.Day(), e.Hour(), e.Minute(), 0, 0, loc)
	return start, end, true
}

// PolicyTable builds the validated symbol policy table.
func (c *Config) PolicyTable() (*policy.Table, error) {
	return policy.NewTable(c.SymbolPolicies, c.VolatilityProfiles)
}
