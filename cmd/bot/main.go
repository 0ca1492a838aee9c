// Command bot runs the intraday equities trading engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/clock"
	"github.com/eddiefleurent/schrute_scalper/internal/confidence"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/engine"
	"github.com/eddiefleurent/schrute_scalper/internal/events"
	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/logging"
	"github.com/eddiefleurent/schrute_scalper/internal/marketdata"
	"github.com/eddiefleurent/schrute_scalper/internal/monitor"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/report"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
	"github.com/eddiefleurent/schrute_scalper/internal/stops"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
)

// Exit codes, stable for supervisors: 0 clean stop, 1 configuration error,
// 2 unrecoverable broker error, 3 forced shutdown.
const (
	exitOK     = 0
	exitConfig = 1
	exitBroker = 2
	exitForced = 3
)

// simStartingEquity seeds the synthetic broker in dry-run mode.
const simStartingEquity = 100_000

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logging.Init(cfg.Environment.LogLevel, cfg.Environment.LogFormat)
	logger := logging.NewLogger("bot")
	logger.Info().
		Str("config", *configPath).
		Str("mode", cfg.Environment.Mode).
		Bool("dry_run", cfg.Environment.DryRun).
		Msg("starting")

	store, err := storage.NewJSONStorage(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		return exitConfig
	}

	policies, err := cfg.PolicyTable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "policies: %v\n", err)
		return exitConfig
	}

	bus := events.NewBus(logging.NewLogger("events"))
	defer bus.Close()

	b := buildBroker(cfg)
	calendar := clock.NewCalendar(b, cfg, bus, logging.NewLogger("calendar"))
	data := marketdata.NewService(b, cfg.DataTimeout(), cfg.Timeouts.MaxRetries, logging.NewLogger("marketdata"))
	inds := indicators.NewService(logging.NewLogger("indicators"))

	riskMgr := risk.NewManager(risk.Limits{
		MaxPositionNotional:    cfg.Risk.MaxPositionNotional,
		MaxShortExposure:       cfg.Risk.MaxShortExposure,
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		MaxDailyTrades:         cfg.Risk.MaxDailyTrades,
		DailyLossCap:           cfg.Risk.DailyLossCap,
	}, bus, logging.NewLogger("risk"))

	stopMgr := stops.NewManager(bus, logging.NewLogger("stops"))
	orderMgr := orders.NewManager(b, store, riskMgr, stopMgr, policies, bus,
		logging.NewLogger("orders"), orders.Config{
			OrderTimeout: cfg.OrderTimeout(),
			CallTimeout:  cfg.DataTimeout(),
		})

	evaluator := strategy.NewEvaluator(cfg.Trading.MinStrategyConfidence, logging.NewLogger("strategy"),
		strategy.NewMeanReversion(),
		strategy.NewMomentumScalp(),
		strategy.NewVWAPBounce(),
	)

	reporter := report.NewReporter(store, report.NewFileSink(cfg.Storage.ReportDir),
		cfg.Location(), logging.NewLogger("report"))
	reporter.Tap(bus)

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Clock:      clock.NewReal(cfg.Location()),
		Calendar:   calendar,
		Broker:     b,
		Data:       data,
		Indicators: inds,
		Evaluator:  evaluator,
		Confidence: confidence.NewEngine(policies, cfg.Trading.MinConfidence, logging.NewLogger("confidence")),
		Risk:       riskMgr,
		Store:      store,
		Orders:     orderMgr,
		Stops:      stopMgr,
		Policies:   policies,
		Reporter:   reporter,
		Bus:        bus,
		Logger:     logging.NewLogger("engine"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal starts the graceful teardown; a second one aborts it.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("shutdown requested")
		cancel()
		<-sigCh
		logger.Error().Msg("forced shutdown")
		os.Exit(exitForced)
	}()

	if cfg.Monitor.Listen != "" {
		mon := monitor.NewServer(cfg.Monitor.Listen, store, engineStatus(eng), logging.NewLogger("monitor"))
		go func() {
			if err := mon.Start(); err != nil {
				logger.Error().Err(err).Msg("monitor server stopped")
			}
		}()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = mon.Shutdown(shutCtx)
		}()
	}

	if err := eng.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("engine stopped on broker failure")
		return exitBroker
	}
	logger.Info().Msg("stopped clean")
	return exitOK
}

// buildBroker picks the trading backend: the synthetic fill simulator in
// dry-run mode, otherwise the configured provider behind the circuit breaker.
func buildBroker(cfg *config.Config) broker.Broker {
	if cfg.Environment.DryRun {
		return broker.NewSimBroker(simStartingEquity, cfg.Trading.Watchlist)
	}
	paper := cfg.Environment.Mode != "live"
	switch cfg.Broker.Provider {
	case "tradier":
		client := broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, paper, cfg.Broker.BaseURL)
		if cfg.Broker.RequestsPerSecond > 0 {
			client.WithRateLimit(cfg.Broker.RequestsPerSecond, 5)
		}
		return broker.NewCircuitBreakerBroker(client)
	default:
		client := broker.NewAlpacaClient(
			cfg.Broker.APIKey,
			cfg.Broker.APISecret,
			paper,
			cfg.Broker.BaseURL,
			cfg.Broker.DataURL,
		)
		if cfg.Broker.RequestsPerSecond > 0 {
			client.WithRateLimit(cfg.Broker.RequestsPerSecond, 5)
		}
		return broker.NewCircuitBreakerBroker(client)
	}
}

// engineStatus adapts the engine's status snapshot to the monitor's shape.
func engineStatus(eng *engine.Engine) monitor.StatusFunc {
	return func() monitor.Status {
		st := eng.Status()
		return monitor.Status{
			State:       st.State,
			SessionDate: st.SessionDate,
			KillSwitch:  st.KillSwitch,
			StartedAt:   st.StartedAt,
			LastCycleAt: st.LastCycleAt,
		}
	}
}
