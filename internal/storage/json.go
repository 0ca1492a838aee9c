package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
)

// JSONStorage persists the engine's positions, trades, and session ledger to
// a single JSON file. Every mutating method writes through to disk with a
// temp-file write and atomic rename.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	data *fileData
}

type fileData struct {
	Positions   map[string]*models.Position `json:"positions"`
	Trades      []models.CompletedTrade     `json:"trades"`
	DailyPnL    map[string]float64          `json:"daily_pnl"`
	Statistics  Statistics                  `json:"statistics"`
	RiskState   *risk.State                 `json:"risk_state,omitempty"`
	LastUpdated time.Time                   `json:"last_updated"`
}

func newFileData() *fileData {
	return &fileData{
		Positions: make(map[string]*models.Position),
		DailyPnL:  make(map[string]float64),
	}
}

// Statistics aggregates closed-trade results across the store's lifetime.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// NewJSONStorage opens or creates a JSON-backed store at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		path: path,
		data: newFileData(),
	}

	// Load existing data if file exists
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

// Load replaces in-memory state with the file contents. Persisted positions
// are validated before they are accepted.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	loaded := newFileData()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return err
	}
	if loaded.Positions == nil {
		loaded.Positions = make(map[string]*models.Position)
	}
	if loaded.DailyPnL == nil {
		loaded.DailyPnL = make(map[string]float64)
	}
	for key, pos := range loaded.Positions {
		if err := pos.ValidateState(); err != nil {
			return fmt.Errorf("stored position %s: %w", key, err)
		}
	}

	s.data = loaded
	return nil
}

// Save writes the current state to disk.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Write to temp file first
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.path)
}

// GetPosition returns the open position for the key, or nil.
func (s *JSONStorage) GetPosition(symbol string, side models.Side) *models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Positions[models.PositionKey(symbol, side)]
}

// GetPositionBySymbol returns the open position for a symbol on either side,
// or nil. The engine holds at most one side per symbol.
func (s *JSONStorage) GetPositionBySymbol(symbol string) *models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.data.Positions[models.PositionKey(symbol, models.SideLong)]; ok {
		return pos
	}
	if pos, ok := s.data.Positions[models.PositionKey(symbol, models.SideShort)]; ok {
		return pos
	}
	return nil
}

// GetOpenPositions returns the open positions sorted by symbol.
func (s *JSONStorage) GetOpenPositions() []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Position, 0, len(s.data.Positions))
	for _, pos := range s.data.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// SetPosition upserts a position and persists. Writing a different position
// ID over an existing key is rejected; close or remove the old one first.
func (s *JSONStorage) SetPosition(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	if err := pos.ValidateState(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pos.Key()
	if existing, ok := s.data.Positions[key]; ok && existing.ID != pos.ID {
		return fmt.Errorf("%w: %s held by %s", ErrDuplicatePosition, key, existing.ID)
	}
	s.data.Positions[key] = pos
	return s.saveLocked()
}

// RemovePosition deletes a position without any trade accounting. This is
// the phantom-position path; no close order and no PnL are recorded.
func (s *JSONStorage) RemovePosition(symbol string, side models.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.PositionKey(symbol, side)
	if _, ok := s.data.Positions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	delete(s.data.Positions, key)
	return s.saveLocked()
}

// ClosePosition removes the position, appends its completed trade, and books
// the realized PnL into daily totals and statistics.
func (s *JSONStorage) ClosePosition(symbol string, side models.Side, exitPrice float64, exitTime time.Time, reason string) (models.CompletedTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PositionKey(symbol, side)
	pos, ok := s.data.Positions[key]
	if !ok {
		return models.CompletedTrade{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}

	trade := pos.CompleteTrade(exitPrice, exitTime, reason)
	delete(s.data.Positions, key)
	s.data.Trades = append(s.data.Trades, trade)
	s.data.DailyPnL[sessionDate(exitTime)] += trade.RealizedPnL
	s.updateStatisticsLocked(trade.RealizedPnL)

	if err := s.saveLocked(); err != nil {
		return models.CompletedTrade{}, err
	}
	return trade, nil
}

// RiskState returns the persisted session ledger, if any.
func (s *JSONStorage) RiskState() (risk.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.RiskState == nil {
		return risk.State{}, false
	}
	return *s.data.RiskState, true
}

// SetRiskState persists the session ledger.
func (s *JSONStorage) SetRiskState(st risk.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.RiskState = &st
	return s.saveLocked()
}

// GetTrades returns a copy of the completed trade history.
func (s *JSONStorage) GetTrades() []models.CompletedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CompletedTrade, len(s.data.Trades))
	copy(out, s.data.Trades)
	return out
}

// GetTradesForDay returns the trades that exited on the given session date
// (YYYY-MM-DD, exchange time).
func (s *JSONStorage) GetTradesForDay(date string) []models.CompletedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CompletedTrade
	for _, tr := range s.data.Trades {
		if sessionDate(tr.ExitTime) == date {
			out = append(out, tr)
		}
	}
	return out
}

// HasTrade reports whether a trade with the given position ID was recorded.
func (s *JSONStorage) HasTrade(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tr := range s.data.Trades {
		if tr.ID == id {
			return true
		}
	}
	return false
}

// GetStatistics returns a copy of the aggregate statistics.
func (s *JSONStorage) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Statistics
}

// GetDailyPnL returns the realized PnL booked on the given session date.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func (s *JSONStorage) updateStatisticsLocked(pnl float64) {
	stats := &s.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL += pnl

	switch {
	case pnl > 0:
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		stats.AverageWin = (stats.AverageWin*float64(stats.WinningTrades-1) + pnl) /
			float64(stats.WinningTrades)
	case pnl < 0:
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		stats.AverageLoss = (stats.AverageLoss*float64(stats.LosingTrades-1) + pnl) /
			float64(stats.LosingTrades)
	}
	// pnl == 0 is breakeven - neither a win nor a loss

	decided := stats.WinningTrades + stats.LosingTrades
	if decided > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(decided) * 100
	}

	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}

var (
	etOnce sync.Once
	etLoc  *time.Location
)

// sessionDate formats a time as its exchange-local calendar date.
func sessionDate(t time.Time) string {
	etOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("ET", -5*60*60)
		}
		etLoc = loc
	})
	return t.In(etLoc).Format("2006-01-02")
}
