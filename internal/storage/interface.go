package storage

import (
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/risk"
)

// Interface defines the contract for position and trade data persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
//
// Open positions are handed out as live pointers under a per-symbol
// ownership discipline: within one cycle, exactly one goroutine mutates a
// given position's fields, then persists them with SetPosition. The store
// serializes its own map access with sync.RWMutex.
type Interface interface {
	// Position management. At most one open position exists per
	// (symbol, side) key.
	GetPosition(symbol string, side models.Side) *models.Position
	GetPositionBySymbol(symbol string) *models.Position
	GetOpenPositions() []*models.Position
	SetPosition(pos *models.Position) error
	RemovePosition(symbol string, side models.Side) error
	ClosePosition(symbol string, side models.Side, exitPrice float64, exitTime time.Time, reason string) (models.CompletedTrade, error)

	// Session risk ledger, persisted so a same-day restart restores its
	// counters and kill switch.
	RiskState() (risk.State, bool)
	SetRiskState(st risk.State) error

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetTrades() []models.CompletedTrade
	GetTradesForDay(date string) []models.CompletedTrade
	HasTrade(id string) bool
	GetStatistics() Statistics
	GetDailyPnL(date string) float64
}

// NewStorage creates a new storage implementation (currently JSON-based)
// In the future, this can be extended to support different storage backends
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
