// Command audit_positions compares the local position store against the
// broker account and reports drift: phantom records, untracked broker
// positions, quantity mismatches, and open positions with no working stop.
// It never places or cancels anything; run it when the book looks wrong,
// before reaching for reset_positions or flatten_positions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

const callTimeout = 15 * time.Second

type qtyMismatch struct {
	Symbol string `json:"symbol"`
	Store  int    `json:"store"`
	Broker int    `json:"broker"`
}

type driftReport struct {
	CheckedAt   time.Time `json:"checked_at"`
	StorePath   string    `json:"store_path"`
	StoreCount  int       `json:"store_count"`
	BrokerCount int       `json:"broker_count"`

	// Phantoms exist only in the store, orphans only at the broker.
	Phantoms      []string      `json:"phantoms,omitempty"`
	Orphans       []string      `json:"orphans,omitempty"`
	QtyMismatches []qtyMismatch `json:"qty_mismatches,omitempty"`
	MissingStops  []string      `json:"missing_stops,omitempty"`
}

func (r *driftReport) clean() bool {
	return len(r.Phantoms) == 0 && len(r.Orphans) == 0 &&
		len(r.QtyMismatches) == 0 && len(r.MissingStops) == 0
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		storePath  = flag.String("store", "", "position store path (default from config)")
		jsonOut    = flag.Bool("json", false, "emit the report as JSON")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	path := cfg.Storage.Path
	if *storePath != "" {
		path = *storePath
	}

	if *verbose {
		fmt.Printf("config:  %s\n", *configPath)
		fmt.Printf("broker:  %s (paper: %t)\n", cfg.Broker.Provider, cfg.IsPaperTrading())
		fmt.Printf("account: %s\n", maskAccountID(cfg.Broker.AccountID))
		fmt.Printf("store:   %s\n\n", path)
	}

	store, err := storage.NewJSONStorage(path)
	if err != nil {
		log.Fatalf("opening position store: %v", err)
	}
	b := buildBroker(cfg)

	report, err := audit(b, store, path)
	if err != nil {
		log.Fatalf("auditing positions: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("encoding report: %v", err)
		}
	} else {
		printReport(report)
	}

	if !report.clean() {
		os.Exit(1)
	}
}

func audit(b broker.Broker, store storage.Interface, path string) (*driftReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	brokerPositions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}
	openOrders, err := b.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	return classify(store.GetOpenPositions(), brokerPositions, openOrders, path), nil
}

// classify buckets every disagreement between the stored book and the
// broker's.
func classify(storePositions []*models.Position, brokerPositions []broker.PositionItem, openOrders []broker.Order, path string) *driftReport {
	brokerBySymbol := make(map[string]broker.PositionItem, len(brokerPositions))
	for _, item := range brokerPositions {
		brokerBySymbol[strings.ToUpper(item.Symbol)] = item
	}
	workingStops := make(map[string]bool)
	for _, ord := range openOrders {
		if ord.Type == broker.OrderTypeStop || ord.Type == broker.OrderTypeStopLimit {
			workingStops[strings.ToUpper(ord.Symbol)] = true
		}
	}

	report := &driftReport{
		CheckedAt:   time.Now().UTC(),
		StorePath:   path,
		BrokerCount: len(brokerPositions),
	}

	seen := make(map[string]bool)
	for _, pos := range storePositions {
		report.StoreCount++
		symbol := strings.ToUpper(pos.Symbol)
		seen[symbol] = true

		item, held := brokerBySymbol[symbol]
		if !held {
			report.Phantoms = append(report.Phantoms, symbol)
			continue
		}
		if brokerQty := int(math.Abs(item.Qty)); brokerQty != pos.Quantity {
			report.QtyMismatches = append(report.QtyMismatches, qtyMismatch{
				Symbol: symbol, Store: pos.Quantity, Broker: brokerQty,
			})
		}
		if !workingStops[symbol] {
			report.MissingStops = append(report.MissingStops, symbol)
		}
	}
	for symbol := range brokerBySymbol {
		if !seen[symbol] {
			report.Orphans = append(report.Orphans, symbol)
		}
	}

	sort.Strings(report.Phantoms)
	sort.Strings(report.Orphans)
	sort.Strings(report.MissingStops)
	sort.Slice(report.QtyMismatches, func(i, j int) bool {
		return report.QtyMismatches[i].Symbol < report.QtyMismatches[j].Symbol
	})
	return report
}

func printReport(r *driftReport) {
	fmt.Printf("=== position audit %s ===\n", r.CheckedAt.Format(time.RFC3339))
	fmt.Printf("store %s: %d open, broker: %d open\n\n", r.StorePath, r.StoreCount, r.BrokerCount)

	if r.clean() {
		fmt.Println("store and broker agree; nothing to do")
		return
	}
	for _, s := range r.Phantoms {
		fmt.Printf("PHANTOM   %-6s in the store but not at the broker; the next wake removes it\n", s)
	}
	for _, s := range r.Orphans {
		fmt.Printf("ORPHAN    %-6s at the broker but not in the store; the next wake adopts it\n", s)
	}
	for _, m := range r.QtyMismatches {
		fmt.Printf("QTY DRIFT %-6s store %d vs broker %d; run reset_positions to rebuild\n", m.Symbol, m.Store, m.Broker)
	}
	for _, s := range r.MissingStops {
		fmt.Printf("NO STOP   %-6s open position with no working stop order\n", s)
	}
}

// maskAccountID hides all but the last four characters.
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// buildBroker picks the configured provider. Audits read the same account
// the bot trades, so the provider wiring mirrors the bot's.
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
