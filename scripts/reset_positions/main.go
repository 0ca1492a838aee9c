// Command reset_positions rebuilds the local position store from the broker
// account. Every equity position at the broker becomes a stored record with
// its per-symbol policy; trade history and statistics start empty. Use it
// after manual intervention at the broker left the store describing a book
// that no longer exists. Entry times are unknowable after a reset and are
// recorded as now, so hold-time stats for recovered positions will be short.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/policy"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

const callTimeout = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		outputPath = flag.String("output", "", "store path to write (default from config)")
		dryRun     = flag.Bool("dry-run", false, "print the rebuilt book without writing it")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	path := cfg.Storage.Path
	if *outputPath != "" {
		path = *outputPath
	}
	policies, err := cfg.PolicyTable()
	if err != nil {
		log.Fatalf("building policy table: %v", err)
	}

	b := buildBroker(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	fmt.Println("fetching broker positions...")
	items, err := b.GetPositions(ctx)
	if err != nil {
		log.Fatalf("fetching broker positions: %v", err)
	}

	positions := make([]*models.Position, 0, len(items))
	now := time.Now().UTC()
	for _, item := range items {
		pos, err := positionFromBroker(item, now, policies)
		if err != nil {
			log.Fatalf("rebuilding %s: %v", item.Symbol, err)
		}
		positions = append(positions, pos)
		fmt.Printf("  %-6s %-5s %4d @ %.2f  stop %.2f\n",
			pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.CurrentStopPrice)
	}

	if *dryRun {
		fmt.Printf("\ndry run: %d position(s) not written to %s\n", len(positions), path)
		return
	}

	// Start from an empty file so stale records and history cannot survive
	// the rebuild.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Fatalf("removing old store: %v", err)
	}
	store, err := storage.NewJSONStorage(path)
	if err != nil {
		log.Fatalf("creating position store: %v", err)
	}
	for _, pos := range positions {
		if err := store.SetPosition(pos); err != nil {
			log.Fatalf("storing %s: %v", pos.Symbol, err)
		}
	}

	fmt.Printf("\nwrote %d position(s) to %s\n", len(positions), path)
	fmt.Println("restart the bot; the wake reconcile re-arms protective stops")
}

// positionFromBroker converts a broker position into a stored record. The
// stop starts at the policy's initial distance from the broker's average
// entry; the wake rearm walks it forward if the mark has already run.
func positionFromBroker(item broker.PositionItem, now time.Time, policies *policy.Table) (*models.Position, error) {
	side := models.SideLong
	if item.Qty < 0 {
		side = models.SideShort
	}
	qty := int(math.Abs(item.Qty))
	id := "reset-" + uuid.New().String()[:8]
	return models.NewPosition(id, strings.ToUpper(item.Symbol), side, qty, item.AvgEntryPrice, now, policies.Get(item.Symbol))
}

// buildBroker picks the configured provider, mirroring the bot's wiring.
func buildBroker(cfg *config.Config) broker.Broker {
	paper := cfg.IsPaperTrading()
	switch cfg.Broker.Provider {
	case "tradier":
		client := broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, paper, cfg.Broker.BaseURL)
		if cfg.Broker.RequestsPerSecond > 0 {
			client.WithRateLimit(cfg.Broker.RequestsPerSecond, 5)
		}
		return client
	default:
		client := broker.NewAlpacaClient(cfg.Broker.APIKey, cfg.Broker.APISecret, paper, cfg.Broker.BaseURL, cfg.Broker.DataURL)
		if cfg.Broker.RequestsPerSecond > 0 {
			client.WithRateLimit(cfg.Broker.RequestsPerSecond, 5)
		}
		return client
	}
}
