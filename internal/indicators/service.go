package indicators

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

type cacheEntry struct {
	barTime time.Time
	snap    *Snapshot
}

// Service memoizes snapshots per symbol and bar close so concurrent symbol
// evaluations within a cycle share one computation. Snapshots are treated as
// read-only by callers.
type Service struct {
	logger zerolog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewService creates an indicator service with an empty cache.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Snapshot returns the indicator snapshot for the latest bar, computing it
// at most once per (symbol, bar close).
func (s *Service) Snapshot(symbol string, bars []broker.Bar) (*Snapshot, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s has no bars", ErrInsufficientData, symbol)
	}
	barTime := bars[len(bars)-1].Timestamp

	s.mu.Lock()
	if e, ok := s.cache[symbol]; ok && e.barTime.Equal(barTime) {
		s.mu.Unlock()
		return e.snap, nil
	}
	s.mu.Unlock()

	key := symbol + "@" + barTime.UTC().Format(time.RFC3339)
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		snap, err := Compute(symbol, bars)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[symbol] = cacheEntry{barTime: barTime, snap: snap}
		s.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug().Str("symbol", symbol).Time("bar", barTime).Msg("shared indicator computation")
	}
	return v.(*Snapshot), nil
}
