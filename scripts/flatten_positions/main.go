// Command flatten_positions cancels every working order and market-closes
// every open position at the broker. It is the manual version of the bot's
// session-end flatten, for when the bot is down or cannot be trusted with
// its own book. Closing a live account requires the -yes flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
)

const callTimeout = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		dryRun     = flag.Bool("dry-run", false, "report what would be canceled and closed without doing it")
		yes        = flag.Bool("yes", false, "confirm flattening a live account")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if !cfg.IsPaperTrading() && !*yes && !*dryRun {
		log.Fatal("refusing to flatten a live account without -yes")
	}

	b := buildBroker(cfg)
	failures := 0

	orders := fetchOpenOrders(b)
	fmt.Printf("%d working order(s)\n", len(orders))
	for _, ord := range orders {
		if *dryRun {
			fmt.Printf("  would cancel %s %s %s %d\n", ord.ID, ord.Side, ord.Symbol, ord.Qty)
			continue
		}
		if err := cancelOrder(b, ord.ID); err != nil {
			fmt.Printf("  CANCEL FAILED %s %s: %v\n", ord.ID, ord.Symbol, err)
			failures++
			continue
		}
		fmt.Printf("  canceled %s %s %s %d\n", ord.ID, ord.Side, ord.Symbol, ord.Qty)
	}

	positions := fetchPositions(b)
	fmt.Printf("%d open position(s)\n", len(positions))
	for _, item := range positions {
		side := broker.OrderSideSell
		if item.Qty < 0 {
			side = broker.OrderSideBuy
		}
		qty := int(math.Abs(item.Qty))
		if *dryRun {
			fmt.Printf("  would close %s %s %d\n", item.Symbol, side, qty)
			continue
		}
		ord, err := closePosition(b, item.Symbol, side, qty)
		if err != nil {
			fmt.Printf("  CLOSE FAILED %s: %v\n", item.Symbol, err)
			failures++
			continue
		}
		if ord.Status == broker.OrderStatusFilled {
			fmt.Printf("  closed %s %s %d @ %.2f\n", item.Symbol, side, qty, ord.FilledAvgPrice)
		} else {
			fmt.Printf("  close submitted %s %s %d (status %s)\n", item.Symbol, side, qty, ord.Status)
		}
	}

	if failures > 0 {
		fmt.Printf("\n%d operation(s) failed; re-run or fix by hand\n", failures)
		os.Exit(1)
	}
	fmt.Println("\nbook flat; the bot's next wake reconciles the store")
}

func fetchOpenOrders(b broker.Broker) []broker.Order {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	orders, err := b.GetOpenOrders(ctx)
	if err != nil {
		log.Fatalf("fetching open orders: %v", err)
	}
	return orders
}

func fetchPositions(b broker.Broker) []broker.PositionItem {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	items, err := b.GetPositions(ctx)
	if err != nil {
		log.Fatalf("fetching positions: %v", err)
	}
	return items
}

func cancelOrder(b broker.Broker, orderID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return b.CancelOrder(ctx, orderID)
}

func closePosition(b broker.Broker, symbol string, side broker.OrderSide, qty int) (*broker.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return b.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          side,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TimeInForceDay,
		ClientOrderID: "flat-" + uuid.New().String()[:8],
	})
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
