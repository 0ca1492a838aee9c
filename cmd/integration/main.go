// Command integration runs an end-to-end connectivity check against the
// paper API: account, clock, calendar, market data, indicators, and the
// position store. It never submits orders. Run it before the first live
// session of a new deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/indicators"
	"github.com/eddiefleurent/schrute_scalper/internal/logging"
	"github.com/eddiefleurent/schrute_scalper/internal/marketdata"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

const checkTimeout = 10 * time.Second

func main() {
	fmt.Println("=== Schrute Scalper - Paper API Integration Check ===")
	fmt.Println()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Environment.Mode != "paper" {
		fmt.Fprintln(os.Stderr, "integration checks must run in paper mode; set environment.mode: paper")
		os.Exit(1)
	}

	logging.Init("info", "console")
	logger := logging.NewLogger("integration")

	client := broker.NewAlpacaClient(
		cfg.Broker.APIKey,
		cfg.Broker.APISecret,
		true, // always the paper endpoint here
		cfg.Broker.BaseURL,
		cfg.Broker.DataURL,
	)
	data := marketdata.NewService(client, cfg.DataTimeout(), cfg.Timeouts.MaxRetries, logger)
	inds := indicators.NewService(logger)

	symbol := "SPY"
	if len(cfg.Trading.Watchlist) > 0 {
		symbol = cfg.Trading.Watchlist[0]
	}

	checks := []struct {
		name string
		run  func() error
	}{
		{"account access", func() error { return checkAccount(client) }},
		{"market clock", func() error { return checkClock(client) }},
		{"trading calendar", func() error { return checkCalendar(client) }},
		{"bars and indicators", func() error { return checkBars(data, inds, symbol) }},
		{"position storage", checkStorage},
	}

	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.name)
		if err := c.run(); err != nil {
			fmt.Printf("  FAILED: %v\n\n", err)
			continue
		}
		fmt.Printf("  passed\n\n")
		passed++
	}

	fmt.Printf("=== %d/%d checks passed ===\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}

func checkAccount(b broker.Broker) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	acct, err := b.GetAccount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  account %s, equity $%.2f (prev close $%.2f), status %s\n",
		acct.ID, acct.Equity, acct.LastEquity, acct.Status)
	if acct.Equity <= 0 {
		return fmt.Errorf("paper account reports no equity")
	}
	return nil
}

func checkClock(b broker.Broker) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	clk, err := b.GetClock(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  market open: %v, next open %s\n", clk.IsOpen, clk.NextOpen.Format(time.RFC3339))
	return nil
}

func checkCalendar(b broker.Broker) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	now := time.Now()
	days, err := b.GetCalendar(ctx, now.AddDate(0, 0, -7), now.AddDate(0, 0, 7))
	if err != nil {
		return err
	}
	fmt.Printf("  %d trading days in the surrounding two weeks\n", len(days))
	if len(days) == 0 {
		return fmt.Errorf("calendar came back empty")
	}
	return nil
}

func checkBars(data *marketdata.Service, inds *indicators.Service, symbol string) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	bars, err := data.Bars(ctx, symbol, 0)
	if err != nil {
		return err
	}
	fmt.Printf("  %d bars for %s, last close %.2f\n", len(bars), symbol, bars[len(bars)-1].Close)

	snap, err := inds.Snapshot(symbol, bars)
	if err != nil {
		return err
	}
	fmt.Printf("  rsi %.1f, vwap %.2f, volume ratio %.2f\n", snap.RSI, snap.VWAP, snap.VolumeRatio)
	return nil
}

func checkStorage() error {
	path := "data/positions_integration_check.json"
	store, err := storage.NewJSONStorage(path)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(path) }()

	pos, err := models.NewPosition("integration-check", "SPY", models.SideLong, 1, 500.0, time.Now(), policy.Default())
	if err != nil {
		return err
	}
	if err := store.SetPosition(pos); err != nil {
		return err
	}
	got := store.GetPosition("SPY", models.SideLong)
	if got == nil {
		return fmt.Errorf("stored position did not round-trip")
	}
	if err := store.RemovePosition("SPY", models.SideLong); err != nil {
		return err
	}
	fmt.Printf("  position round-trip ok at %s\n", path)
	return nil
}
