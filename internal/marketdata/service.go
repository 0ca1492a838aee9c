// Package marketdata fetches bars and snapshots with timeouts, bounded
// retries, and staleness checks so one slow symbol cannot stall a cycle.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
)

// Sentinel errors callers branch on.
var (
	// ErrNoData means the feed returned nothing for the symbol.
	ErrNoData = errors.New("no market data available")
	// ErrStaleData means the latest data point is too old to trade on.
	ErrStaleData = errors.New("market data is stale")
)

// DefaultBarLookback is how many bars a cycle fetches. Indicators need 50;
// the extra headroom absorbs warm-up loss and thin-volume gaps.
const DefaultBarLookback = 120

// BarResolution is the strategy bar size.
const BarResolution = broker.TimeframeFifteenMin

// defaultStaleAfter bounds how old the latest bar may be: twice the bar
// resolution, so one missed bar is tolerated and two are not.
const defaultStaleAfter = 30 * time.Minute

// quoteStaleAfter bounds how old the latest trade print may be.
const quoteStaleAfter = 5 * time.Minute

// Service wraps the broker's data endpoints with the engine's retry and
// freshness policy.
type Service struct {
	broker      broker.Broker
	logger      zerolog.Logger
	retryCfg    retry.Config
	dataTimeout time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

// NewService creates a market data service. dataTimeout bounds each broker
// call; maxRetries bounds how often transient failures are retried.
func NewService(b broker.Broker, dataTimeout time.Duration, maxRetries int, logger zerolog.Logger) *Service {
	cfg := retry.DefaultConfig
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = 500 * time.Millisecond
	cfg.MaxBackoff = 5 * time.Second
	// Budget for all attempts plus backoff between them.
	cfg.Timeout = time.Duration(maxRetries+1)*dataTimeout + 15*time.Second

	return &Service{
		broker:      b,
		logger:      logger,
		retryCfg:    cfg,
		dataTimeout: dataTimeout,
		staleAfter:  defaultStaleAfter,
		now:         time.Now,
	}
}

// WithStaleAfter overrides the freshness bound.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Bars returns up to limit strategy bars for symbol in chronological order.
// The last bar must be fresh enough to trade on.
func (s *Service) Bars(ctx context.Context, symbol string, limit int) ([]broker.Bar, error) {
	if limit <= 0 {
		limit = DefaultBarLookback
	}

	bars, err := retry.Do(ctx, s.retryCfg, s.logger, "get_bars_"+symbol,
		func(ctx context.Context) ([]broker.Bar, error) {
			callCtx, cancel := context.WithTimeout(ctx, s.dataTimeout)
			defer cancel()
			return s.broker.GetBars(callCtx, symbol, BarResolution, limit)
		})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s returned no bars", ErrNoData, symbol)
	}

	last := bars[len(bars)-1]
	if age := s.now().Sub(last.Timestamp); age > s.staleAfter {
		return nil, fmt.Errorf("%w: %s last bar is %s old", ErrStaleData, symbol, age.Round(time.Second))
	}

	return bars, nil
}

// Snapshot returns the latest market state for symbol. The latest trade must
// be fresh enough to trade on.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	snap, err := retry.Do(ctx, s.retryCfg, s.logger, "get_snapshot_"+symbol,
		func(ctx context.Context) (*broker.Snapshot, error) {
			callCtx, cancel := context.WithTimeout(ctx, s.dataTimeout)
			defer cancel()
			return s.broker.GetSnapshot(callCtx, symbol)
		})
	if err != nil {
		return nil, err
	}
	if snap.LatestTrade.Price <= 0 && snap.LatestQuote.Mid() <= 0 {
		return nil, fmt.Errorf("%w: %s snapshot has no tradable price", ErrNoData, symbol)
	}

	ts := snap.LatestTrade.Timestamp
	if ts.IsZero() {
		ts = snap.LatestQuote.Timestamp
	}
	if age := s.now().Sub(ts); age > quoteStaleAfter {
		return nil, fmt.Errorf("%w: %s latest print is %s old", ErrStaleData, symbol, age.Round(time.Second))
	}

	return snap, nil
}

// LatestPrice returns the freshest tradable price for symbol, preferring the
// last trade and falling back to the quote midpoint.
func (s *Service) LatestPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	snap, err := s.Snapshot(ctx, symbol)
	if err != nil {
		return 0, time.Time{}, err
	}
	if snap.LatestTrade.Price > 0 {
		return snap.LatestTrade.Price, snap.LatestTrade.Timestamp, nil
	}
	return snap.LatestQuote.Mid(), snap.LatestQuote.Timestamp, nil
}
