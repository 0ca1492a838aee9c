package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
)

// MockStorage implements Interface for testing. It mirrors JSONStorage's
// accounting without touching disk and lets tests inject save/load errors.
type MockStorage struct {
	saveError     error
	loadError     error
	positions     map[string]*models.Position
	trades        []models.CompletedTrade
	dailyPnL      map[string]float64
	statistics    Statistics
	riskState     *risk.State
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: make(map[string]*models.Position),
		dailyPnL:  make(map[string]float64),
	}
}

// Position management methods

func (m *MockStorage) GetPosition(symbol string, side models.Side) *models.Position {
	return m.positions[models.PositionKey(symbol, side)]
}

func (m *MockStorage) GetPositionBySymbol(symbol string) *models.Position {
	if pos, ok := m.positions[models.PositionKey(symbol, models.SideLong)]; ok {
		return pos
	}
	if pos, ok := m.positions[models.PositionKey(symbol, models.SideShort)]; ok {
		return pos
	}
	return nil
}

func (m *MockStorage) GetOpenPositions() []*models.Position {
	out := make([]*models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
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

func (m *MockStorage) SetPosition(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	if m.saveError != nil {
		return m.saveError
	}
	key := pos.Key()
	if existing, ok := m.positions[key]; ok && existing.ID != pos.ID {
		return fmt.Errorf("%w: %s held by %s", ErrDuplicatePosition, key, existing.ID)
	}
	m.positions[key] = pos
	return nil
}

func (m *MockStorage) RemovePosition(symbol string, side models.Side) error {
	key := models.PositionKey(symbol, side)
	if _, ok := m.positions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	delete(m.positions, key)
	return nil
}

func (m *MockStorage) ClosePosition(symbol string, side models.Side, exitPrice float64, exitTime time.Time, reason string) (models.CompletedTrade, error) {
	key := models.PositionKey(symbol, side)
	pos, ok := m.positions[key]
	if !ok {
		return models.CompletedTrade{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	trade := pos.CompleteTrade(exitPrice, exitTime, reason)
	delete(m.positions, key)
	m.trades = append(m.trades, trade)
	m.dailyPnL[sessionDate(exitTime)] += trade.RealizedPnL
	m.updateStatistics(trade.RealizedPnL)
	return trade, nil
}

// Session ledger methods

func (m *MockStorage) RiskState() (risk.State, bool) {
	if m.riskState == nil {
		return risk.State{}, false
	}
	return *m.riskState, true
}

func (m *MockStorage) SetRiskState(st risk.State) error {
	if m.saveError != nil {
		return m.saveError
	}
	m.riskState = &st
	return nil
}

// Data persistence methods (mocked)

func (m *MockStorage) Save() error {
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.loadCallCount++
	return m.loadError
}

// Historical data and analytics

func (m *MockStorage) GetTrades() []models.CompletedTrade {
	out := make([]models.CompletedTrade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *MockStorage) GetTradesForDay(date string) []models.CompletedTrade {
	var out []models.CompletedTrade
	for _, tr := range m.trades {
		if sessionDate(tr.ExitTime) == date {
			out = append(out, tr)
		}
	}
	return out
}

func (m *MockStorage) HasTrade(id string) bool {
	for _, tr := range m.trades {
		if tr.ID == id {
			return true
		}
	}
	return false
}

func (m *MockStorage) GetStatistics() Statistics {
	return m.statistics
}

func (m *MockStorage) GetDailyPnL(date string) float64 {
	return m.dailyPnL[date]
}

// Mock control methods for testing

func (m *MockStorage) SetSaveError(err error) {
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	return m.loadCallCount
}

func (m *MockStorage) AddTrade(tr models.CompletedTrade) {
	m.trades = append(m.trades, tr)
	m.dailyPnL[sessionDate(tr.ExitTime)] += tr.RealizedPnL
	m.updateStatistics(tr.RealizedPnL)
}

func (m *MockStorage) SetDailyPnL(date string, pnl float64) {
	m.dailyPnL[date] = pnl
}

func (m *MockStorage) updateStatistics(pnl float64) {
	stats := &m.statistics
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

	decided := stats.WinningTrades + stats.LosingTrades
	if decided > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(decided) * 100
	}

	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
