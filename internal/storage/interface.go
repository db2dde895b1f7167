// Package storage provides durable persistence for positions, pending
// orders, trade history, strategy budgets and cached market data.
package storage

import (
	"time"

	"github.com/quantfold/depthtrader/internal/models"
)

// StrategyPerformance aggregates closed-trade results for one strategy.
// Administrative exits (manual closes, reconciliation artifacts) are
// excluded; they say nothing about how the strategy trades.
type StrategyPerformance struct {
	Strategy   string  `json:"strategy"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	TotalPnL   float64 `json:"total_pnl"`
	AvgPnL     float64 `json:"avg_pnl"`
	WinRate    float64 `json:"win_rate"`
	BestTrade  float64 `json:"best_trade"`
	WorstTrade float64 `json:"worst_trade"`
}

// SymbolPerformance aggregates closed-trade results for one underlying.
type SymbolPerformance struct {
	Symbol     string  `json:"symbol"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	TotalPnL   float64 `json:"total_pnl"`
	AvgPnL     float64 `json:"avg_pnl"`
	WinRate    float64 `json:"win_rate"`
	BestTrade  float64 `json:"best_trade"`
	WorstTrade float64 `json:"worst_trade"`
}

// HistoryFilter narrows trade-history queries. Zero values apply no
// constraint. Winners and Losers are mutually exclusive; setting both
// matches nothing.
type HistoryFilter struct {
	Symbol                string
	Strategy              string
	Since                 time.Time
	Until                 time.Time
	Winners               bool
	Losers                bool
	Limit                 int
	IncludeAdministrative bool
}

// Interface defines the storage operations the trading core depends on.
// The durable row is the source of truth: pending orders are written
// before the broker sees them, and closes are transactional with their
// budget release.
type Interface interface {
	// Positions lifecycle
	InsertPendingPosition(po *models.PendingOrder) (int64, error)
	UpdateOrderIDs(id int64, entryID, stopID, targetID string) error
	MarkPositionOpen(id int64, fillPrice float64, filledQty int, entryTime time.Time) error
	UpdatePeakPrice(id int64, peak float64) error
	GetPendingOrders() ([]models.PendingOrder, error)
	GetOpenPositions() ([]models.Position, error)
	// ClosePosition removes the row, writes the history entry and settles
	// the strategy budget in a single transaction. Pending rows settle with
	// zero PnL and a pure uncommit; open rows release committed capital and
	// fold the realized result into drawdown.
	ClosePosition(id int64, exitPrice float64, exitTime time.Time, reason models.ExitReason, exitOrderID string) error

	// Budgets
	SetBudget(strategy string, budget float64) error
	GetBudget(strategy string) (*models.StrategyBudget, error)
	GetAllBudgets() ([]models.StrategyBudget, error)
	CommitBudget(strategy string, amount float64) error
	// AdjustCommitted adds delta to the committed figure, clamping at zero.
	// Fills pass the actual-minus-intended difference; cancels pass the
	// negated intended cost.
	AdjustCommitted(strategy string, delta float64) error
	// RecalculateBudget rebuilds committed from live rows and drawdown from
	// history, repairing any divergence after a crash.
	RecalculateBudget(strategy string) error

	// History and performance
	GetTradeHistory(limit int) ([]models.TradeHistoryEntry, error)
	GetTradeHistoryForStrategy(strategy string, limit int) ([]models.TradeHistoryEntry, error)
	GetPerformance() (map[string]StrategyPerformance, error)
	GetSymbolPerformance() (map[string]SymbolPerformance, error)
	GetTradeHistoryFiltered(f HistoryFilter) ([]models.TradeHistoryEntry, error)
	GetDailyPnL(day time.Time) (float64, error)
	GetConsecutiveLosses(strategy string) (int, error)
	HasTradedSymbolToday(strategy, symbol string, now time.Time) (bool, error)

	// Order references
	NextOrderRef() (string, error)

	// Bar cache
	PutBars(symbol, barSize string, bars []models.Bar) error
	GetBars(symbol, barSize string, maxAge time.Duration) ([]models.Bar, bool, error)

	Close() error
}
