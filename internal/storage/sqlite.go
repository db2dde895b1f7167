package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/quantfold/depthtrader/internal/models"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SQLiteStore is the durable trade store. A single writer connection in WAL
// mode; the scan loop, poller and command reader all share it.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Interface at compile time.
var _ Interface = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	status TEXT NOT NULL,
	symbol TEXT NOT NULL,
	local_symbol TEXT NOT NULL,
	con_id INTEGER NOT NULL,
	strike REAL NOT NULL,
	expiry TEXT NOT NULL,
	opt_right TEXT NOT NULL,
	direction TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	stop_loss REAL NOT NULL,
	profit_target REAL NOT NULL,
	order_time INTEGER NOT NULL,
	entry_time INTEGER,
	peak_price REAL NOT NULL DEFAULT 0,
	entry_order_id TEXT NOT NULL DEFAULT '',
	stop_order_id TEXT NOT NULL DEFAULT '',
	target_order_id TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL DEFAULT '',
	order_ref TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trade_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	local_symbol TEXT NOT NULL,
	con_id INTEGER NOT NULL,
	strike REAL NOT NULL,
	expiry TEXT NOT NULL,
	opt_right TEXT NOT NULL,
	direction TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	entry_time INTEGER NOT NULL,
	exit_price REAL NOT NULL,
	exit_time INTEGER NOT NULL,
	exit_reason TEXT NOT NULL,
	exit_order_id TEXT NOT NULL DEFAULT '',
	pnl REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	strategy TEXT NOT NULL DEFAULT '',
	order_ref TEXT NOT NULL DEFAULT '',
	stop_loss REAL NOT NULL DEFAULT 0,
	profit_target REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS budgets (
	strategy TEXT PRIMARY KEY,
	budget REAL NOT NULL,
	drawdown REAL NOT NULL DEFAULT 0,
	committed REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bar_cache (
	symbol TEXT NOT NULL,
	bar_size TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (symbol, bar_size)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_strategy ON trade_history(strategy, exit_time);
CREATE INDEX IF NOT EXISTS idx_history_symbol ON trade_history(symbol, entry_time);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema and any pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer; sqlite serializes writes anyway and a single connection
	// avoids SQLITE_BUSY under concurrent pollers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// migrate adds columns introduced after the first release to databases
// created by older builds.
func (s *SQLiteStore) migrate() error {
	adds := []struct {
		table, column, ddl string
	}{
		{"positions", "strategy", "ALTER TABLE positions ADD COLUMN strategy TEXT NOT NULL DEFAULT ''"},
		{"positions", "peak_price", "ALTER TABLE positions ADD COLUMN peak_price REAL NOT NULL DEFAULT 0"},
		{"trade_history", "strategy", "ALTER TABLE trade_history ADD COLUMN strategy TEXT NOT NULL DEFAULT ''"},
		{"budgets", "committed", "ALTER TABLE budgets ADD COLUMN committed REAL NOT NULL DEFAULT 0"},
	}
	for _, a := range adds {
		ok, err := s.hasColumn(a.table, a.column)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.Exec(a.ddl); err != nil {
				return fmt.Errorf("adding %s.%s: %w", a.table, a.column, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const expiryLayout = "2006-01-02"

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// InsertPendingPosition writes the pending row before the broker sees the
// order and returns the new row id.
func (s *SQLiteStore) InsertPendingPosition(po *models.PendingOrder) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO positions (status, symbol, local_symbol, con_id, strike, expiry, opt_right,
			direction, quantity, entry_price, stop_loss, profit_target, order_time,
			entry_order_id, stop_order_id, target_order_id, strategy, order_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(models.StatusPendingFill),
		po.Contract.Symbol, po.Contract.LocalSymbol, po.Contract.ConID,
		po.Contract.Strike, po.Contract.Expiry.Format(expiryLayout), string(po.Contract.Right),
		string(po.Direction), po.Quantity, po.EntryPrice, po.StopLoss, po.ProfitTarget,
		toMillis(po.OrderTime),
		po.EntryOrderID, po.StopOrderID, po.TargetOrderID, po.Strategy, po.OrderRef)
	if err != nil {
		return 0, fmt.Errorf("inserting pending position: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	po.StoreID = id
	return id, nil
}

// UpdateOrderIDs records the broker order ids once placement succeeds.
func (s *SQLiteStore) UpdateOrderIDs(id int64, entryID, stopID, targetID string) error {
	res, err := s.db.Exec(
		`UPDATE positions SET entry_order_id = ?, stop_order_id = ?, target_order_id = ? WHERE id = ?`,
		entryID, stopID, targetID, id)
	if err != nil {
		return fmt.Errorf("updating order ids: %w", err)
	}
	return requireRow(res, id)
}

// MarkPositionOpen promotes a pending row to open, rewriting the entry price
// to the average fill and the quantity to what actually filled. PeakPrice
// seeds at the fill price.
func (s *SQLiteStore) MarkPositionOpen(id int64, fillPrice float64, filledQty int, entryTime time.Time) error {
	res, err := s.db.Exec(`
		UPDATE positions SET status = ?, entry_price = ?, quantity = ?, entry_time = ?, peak_price = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusOpen), fillPrice, filledQty, toMillis(entryTime), fillPrice,
		id, string(models.StatusPendingFill))
	if err != nil {
		return fmt.Errorf("marking position open: %w", err)
	}
	return requireRow(res, id)
}

// UpdatePeakPrice persists the running peak so trailing stops survive restarts.
func (s *SQLiteStore) UpdatePeakPrice(id int64, peak float64) error {
	res, err := s.db.Exec(`UPDATE positions SET peak_price = ? WHERE id = ?`, peak, id)
	if err != nil {
		return fmt.Errorf("updating peak price: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

const positionColumns = `id, symbol, local_symbol, con_id, strike, expiry, opt_right,
	direction, quantity, entry_price, stop_loss, profit_target, order_time, entry_time,
	peak_price, entry_order_id, stop_order_id, target_order_id, strategy, order_ref`

type positionRow struct {
	id            int64
	symbol        string
	localSymbol   string
	conID         int64
	strike        float64
	expiry        string
	right         string
	direction     string
	quantity      int
	entryPrice    float64
	stopLoss      float64
	profitTarget  float64
	orderTime     int64
	entryTime     sql.NullInt64
	peakPrice     float64
	entryOrderID  string
	stopOrderID   string
	targetOrderID string
	strategy      string
	orderRef      string
}

func scanPositionRow(rows interface{ Scan(...any) error }) (*positionRow, error) {
	var r positionRow
	err := rows.Scan(&r.id, &r.symbol, &r.localSymbol, &r.conID, &r.strike, &r.expiry, &r.right,
		&r.direction, &r.quantity, &r.entryPrice, &r.stopLoss, &r.profitTarget,
		&r.orderTime, &r.entryTime, &r.peakPrice,
		&r.entryOrderID, &r.stopOrderID, &r.targetOrderID, &r.strategy, &r.orderRef)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *positionRow) contract() (models.OptionContract, error) {
	exp, err := time.ParseInLocation(expiryLayout, r.expiry, time.UTC)
	if err != nil {
		return models.OptionContract{}, fmt.Errorf("position %d: bad expiry %q: %w", r.id, r.expiry, err)
	}
	return models.OptionContract{
		Symbol:      r.symbol,
		LocalSymbol: r.localSymbol,
		ConID:       r.conID,
		Strike:      r.strike,
		Expiry:      exp,
		Right:       models.Right(r.right),
	}, nil
}

// GetPendingOrders returns every pending_fill row, oldest first.
func (s *SQLiteStore) GetPendingOrders() ([]models.PendingOrder, error) {
	rows, err := s.db.Query(
		`SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY id`,
		string(models.StatusPendingFill))
	if err != nil {
		return nil, fmt.Errorf("querying pending orders: %w", err)
	}
	defer rows.Close()

	var out []models.PendingOrder
	for rows.Next() {
		r, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending order: %w", err)
		}
		c, err := r.contract()
		if err != nil {
			return nil, err
		}
		out = append(out, models.PendingOrder{
			Contract:      c,
			EntryPrice:    r.entryPrice,
			Quantity:      r.quantity,
			Direction:     models.Direction(r.direction),
			StopLoss:      r.stopLoss,
			ProfitTarget:  r.profitTarget,
			OrderTime:     fromMillis(r.orderTime),
			EntryOrderID:  r.entryOrderID,
			StopOrderID:   r.stopOrderID,
			TargetOrderID: r.targetOrderID,
			Strategy:      r.strategy,
			OrderRef:      r.orderRef,
			StoreID:       r.id,
		})
	}
	return out, rows.Err()
}

// GetOpenPositions returns every open row, oldest first.
func (s *SQLiteStore) GetOpenPositions() ([]models.Position, error) {
	rows, err := s.db.Query(
		`SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY id`,
		string(models.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		r, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning open position: %w", err)
		}
		c, err := r.contract()
		if err != nil {
			return nil, err
		}
		out = append(out, models.Position{
			Contract:      c,
			EntryPrice:    r.entryPrice,
			Quantity:      r.quantity,
			Direction:     models.Direction(r.direction),
			StopLoss:      r.stopLoss,
			ProfitTarget:  r.profitTarget,
			EntryTime:     fromMillis(r.entryTime.Int64),
			PeakPrice:     r.peakPrice,
			StopOrderID:   r.stopOrderID,
			TargetOrderID: r.targetOrderID,
			Strategy:      r.strategy,
			OrderRef:      r.orderRef,
			StoreID:       r.id,
		})
	}
	return out, rows.Err()
}

// ClosePosition removes the row, writes the history entry and settles the
// strategy budget, all in one transaction. A pending_fill row settles with
// zero PnL and a pure uncommit of its intended cost; an open row releases
// committed capital and folds the realized result into drawdown.
func (s *SQLiteStore) ClosePosition(id int64, exitPrice float64, exitTime time.Time, reason models.ExitReason, exitOrderID string) error {
	if !reason.Valid() {
		return fmt.Errorf("close position %d: invalid exit reason %q", id, reason)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning close transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT status, `+positionColumns+` FROM positions WHERE id = ?`, id)
	var status string
	var r positionRow
	err = row.Scan(&status, &r.id, &r.symbol, &r.localSymbol, &r.conID, &r.strike, &r.expiry, &r.right,
		&r.direction, &r.quantity, &r.entryPrice, &r.stopLoss, &r.profitTarget,
		&r.orderTime, &r.entryTime, &r.peakPrice,
		&r.entryOrderID, &r.stopOrderID, &r.targetOrderID, &r.strategy, &r.orderRef)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading position %d: %w", id, err)
	}

	amount := r.entryPrice * float64(r.quantity) * models.ContractMultiplier

	var pnl, pnlPct float64
	entryTime := fromMillis(r.orderTime)
	if status == string(models.StatusOpen) {
		entryTime = fromMillis(r.entryTime.Int64)
		exitValue := exitPrice * float64(r.quantity) * models.ContractMultiplier
		pnl = exitValue - amount
		if amount != 0 {
			pnlPct = pnl / amount
		}
	}

	_, err = tx.Exec(`
		INSERT INTO trade_history (symbol, local_symbol, con_id, strike, expiry, opt_right,
			direction, quantity, entry_price, entry_time, exit_price, exit_time, exit_reason,
			exit_order_id, pnl, pnl_pct, strategy, order_ref, stop_loss, profit_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.symbol, r.localSymbol, r.conID, r.strike, r.expiry, r.right,
		r.direction, r.quantity, r.entryPrice, toMillis(entryTime),
		exitPrice, toMillis(exitTime), string(reason),
		exitOrderID, pnl, pnlPct, r.strategy, r.orderRef, r.stopLoss, r.profitTarget)
	if err != nil {
		return fmt.Errorf("writing history for position %d: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting position %d: %w", id, err)
	}

	if r.strategy != "" {
		if status == string(models.StatusOpen) {
			// Release committed capital and fold the result into drawdown.
			// Profits reduce drawdown, never below zero.
			_, err = tx.Exec(`
				UPDATE budgets
				SET committed = MAX(0, committed - ?), drawdown = MAX(0, drawdown - ?)
				WHERE strategy = ?`,
				amount, pnl, r.strategy)
		} else {
			// Never filled: uncommit without touching drawdown.
			_, err = tx.Exec(`
				UPDATE budgets SET committed = MAX(0, committed - ?) WHERE strategy = ?`,
				amount, r.strategy)
		}
		if err != nil {
			return fmt.Errorf("settling budget for %s: %w", r.strategy, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing close for position %d: %w", id, err)
	}
	return nil
}

// SetBudget creates or updates a strategy's budget figure, preserving any
// existing drawdown and committed amounts.
func (s *SQLiteStore) SetBudget(strategy string, budget float64) error {
	_, err := s.db.Exec(`
		INSERT INTO budgets (strategy, budget) VALUES (?, ?)
		ON CONFLICT(strategy) DO UPDATE SET budget = excluded.budget`,
		strategy, budget)
	if err != nil {
		return fmt.Errorf("setting budget for %s: %w", strategy, err)
	}
	return nil
}

// GetBudget returns the budget row for a strategy.
func (s *SQLiteStore) GetBudget(strategy string) (*models.StrategyBudget, error) {
	var b models.StrategyBudget
	b.Strategy = strategy
	err := s.db.QueryRow(
		`SELECT budget, drawdown, committed FROM budgets WHERE strategy = ?`, strategy).
		Scan(&b.Budget, &b.Drawdown, &b.Committed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("budget for %s: %w", strategy, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying budget for %s: %w", strategy, err)
	}
	return &b, nil
}

// GetAllBudgets returns every budget row, ordered by strategy name.
func (s *SQLiteStore) GetAllBudgets() ([]models.StrategyBudget, error) {
	rows, err := s.db.Query(`SELECT strategy, budget, drawdown, committed FROM budgets ORDER BY strategy`)
	if err != nil {
		return nil, fmt.Errorf("querying budgets: %w", err)
	}
	defer rows.Close()
	var out []models.StrategyBudget
	for rows.Next() {
		var b models.StrategyBudget
		if err := rows.Scan(&b.Strategy, &b.Budget, &b.Drawdown, &b.Committed); err != nil {
			return nil, fmt.Errorf("scanning budget: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CommitBudget reserves amount against the strategy's headroom.
func (s *SQLiteStore) CommitBudget(strategy string, amount float64) error {
	res, err := s.db.Exec(
		`UPDATE budgets SET committed = committed + ? WHERE strategy = ?`, amount, strategy)
	if err != nil {
		return fmt.Errorf("committing budget for %s: %w", strategy, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("budget for %s: %w", strategy, ErrNotFound)
	}
	return nil
}

// AdjustCommitted adds delta to the committed figure, clamping at zero.
func (s *SQLiteStore) AdjustCommitted(strategy string, delta float64) error {
	res, err := s.db.Exec(
		`UPDATE budgets SET committed = MAX(0, committed + ?) WHERE strategy = ?`, delta, strategy)
	if err != nil {
		return fmt.Errorf("adjusting committed for %s: %w", strategy, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("budget for %s: %w", strategy, ErrNotFound)
	}
	return nil
}

// RecalculateBudget rebuilds committed from live position rows and drawdown
// from trade history, repairing divergence after a crash mid-transaction.
func (s *SQLiteStore) RecalculateBudget(strategy string) error {
	var committed float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(entry_price * quantity * ?), 0)
		FROM positions WHERE strategy = ?`,
		models.ContractMultiplier, strategy).Scan(&committed)
	if err != nil {
		return fmt.Errorf("recomputing committed for %s: %w", strategy, err)
	}

	// Replay closes in entry-time order with the same per-trade clamp
	// ClosePosition applies, so the repaired figure matches what the
	// incremental updates would have produced.
	rows, err := s.db.Query(
		`SELECT pnl FROM trade_history WHERE strategy = ? ORDER BY entry_time, id`, strategy)
	if err != nil {
		return fmt.Errorf("recomputing drawdown for %s: %w", strategy, err)
	}
	defer rows.Close()
	drawdown := 0.0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return fmt.Errorf("recomputing drawdown for %s: %w", strategy, err)
		}
		drawdown = math.Max(0, drawdown-pnl)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("recomputing drawdown for %s: %w", strategy, err)
	}

	res, err := s.db.Exec(
		`UPDATE budgets SET committed = ?, drawdown = ? WHERE strategy = ?`,
		committed, drawdown, strategy)
	if err != nil {
		return fmt.Errorf("writing recalculated budget for %s: %w", strategy, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("budget for %s: %w", strategy, ErrNotFound)
	}
	return nil
}

const historyColumns = `id, symbol, local_symbol, con_id, strike, expiry, opt_right,
	direction, quantity, entry_price, entry_time, exit_price, exit_time, exit_reason,
	exit_order_id, pnl, pnl_pct, strategy, order_ref, stop_loss, profit_target`

func (s *SQLiteStore) queryHistory(where string, args ...any) ([]models.TradeHistoryEntry, error) {
	rows, err := s.db.Query(`SELECT `+historyColumns+` FROM trade_history `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trade history: %w", err)
	}
	defer rows.Close()

	var out []models.TradeHistoryEntry
	for rows.Next() {
		var e models.TradeHistoryEntry
		var expiry, right, direction, reason string
		var entryMs, exitMs int64
		err := rows.Scan(&e.ID, &e.Contract.Symbol, &e.Contract.LocalSymbol, &e.Contract.ConID,
			&e.Contract.Strike, &expiry, &right, &direction, &e.Quantity,
			&e.EntryPrice, &entryMs, &e.ExitPrice, &exitMs, &reason,
			&e.ExitOrderID, &e.PnL, &e.PnLPct, &e.Strategy, &e.OrderRef,
			&e.StopLoss, &e.ProfitTarget)
		if err != nil {
			return nil, fmt.Errorf("scanning trade history: %w", err)
		}
		exp, err := time.ParseInLocation(expiryLayout, expiry, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("trade %d: bad expiry %q: %w", e.ID, expiry, err)
		}
		e.Contract.Expiry = exp
		e.Contract.Right = models.Right(right)
		e.Direction = models.Direction(direction)
		e.ExitReason = models.ExitReason(reason)
		e.EntryTime = fromMillis(entryMs)
		e.ExitTime = fromMillis(exitMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetTradeHistory returns the most recent closed trades, newest first.
// limit <= 0 returns everything.
func (s *SQLiteStore) GetTradeHistory(limit int) ([]models.TradeHistoryEntry, error) {
	if limit <= 0 {
		return s.queryHistory(`ORDER BY exit_time DESC, id DESC`)
	}
	return s.queryHistory(`ORDER BY exit_time DESC, id DESC LIMIT ?`, limit)
}

// GetTradeHistoryForStrategy returns a strategy's trades, newest first.
func (s *SQLiteStore) GetTradeHistoryForStrategy(strategy string, limit int) ([]models.TradeHistoryEntry, error) {
	if limit <= 0 {
		return s.queryHistory(`WHERE strategy = ? ORDER BY exit_time DESC, id DESC`, strategy)
	}
	return s.queryHistory(`WHERE strategy = ? ORDER BY exit_time DESC, id DESC LIMIT ?`, strategy, limit)
}

// administrativeReasons is the SQL fragment excluding exits that say nothing
// about strategy performance.
var administrativeReasons = fmt.Sprintf("('%s', '%s')",
	models.ExitManualClose, models.ExitReconciliationNotFound)

// bookkeepingReasons covers unfilled or aborted entries: rows closed with
// these reasons carry zero quantity at risk and no realized P&L.
var bookkeepingReasons = fmt.Sprintf("('%s', '%s', '%s', '%s', '%s')",
	models.ExitOrderCancelled, models.ExitOrderTimeoutDrift,
	models.ExitOrderTimeoutNoPrice, models.ExitOrderFailed, models.ExitOrderNoFills)

// GetPerformance aggregates closed-trade results per strategy, excluding
// administrative exits.
func (s *SQLiteStore) GetPerformance() (map[string]StrategyPerformance, error) {
	rows, err := s.db.Query(`
		SELECT strategy,
			COUNT(*),
			SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(pnl), 0),
			COALESCE(MAX(pnl), 0),
			COALESCE(MIN(pnl), 0)
		FROM trade_history
		WHERE exit_reason NOT IN ` + administrativeReasons + `
		GROUP BY strategy`)
	if err != nil {
		return nil, fmt.Errorf("querying performance: %w", err)
	}
	defer rows.Close()

	out := make(map[string]StrategyPerformance)
	for rows.Next() {
		var p StrategyPerformance
		if err := rows.Scan(&p.Strategy, &p.Trades, &p.Wins, &p.Losses,
			&p.TotalPnL, &p.BestTrade, &p.WorstTrade); err != nil {
			return nil, fmt.Errorf("scanning performance: %w", err)
		}
		if p.Trades > 0 {
			p.AvgPnL = p.TotalPnL / float64(p.Trades)
			p.WinRate = float64(p.Wins) / float64(p.Trades)
		}
		out[p.Strategy] = p
	}
	return out, rows.Err()
}

// GetSymbolPerformance aggregates closed-trade results per underlying,
// excluding administrative exits.
func (s *SQLiteStore) GetSymbolPerformance() (map[string]SymbolPerformance, error) {
	rows, err := s.db.Query(`
		SELECT symbol,
			COUNT(*),
			SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(pnl), 0),
			COALESCE(MAX(pnl), 0),
			COALESCE(MIN(pnl), 0)
		FROM trade_history
		WHERE exit_reason NOT IN ` + administrativeReasons + `
		GROUP BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("querying symbol performance: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SymbolPerformance)
	for rows.Next() {
		var p SymbolPerformance
		if err := rows.Scan(&p.Symbol, &p.Trades, &p.Wins, &p.Losses,
			&p.TotalPnL, &p.BestTrade, &p.WorstTrade); err != nil {
			return nil, fmt.Errorf("scanning symbol performance: %w", err)
		}
		if p.Trades > 0 {
			p.AvgPnL = p.TotalPnL / float64(p.Trades)
			p.WinRate = float64(p.Wins) / float64(p.Trades)
		}
		out[p.Symbol] = p
	}
	return out, rows.Err()
}

// GetTradeHistoryFiltered returns closed trades matching the filter,
// newest first.
func (s *SQLiteStore) GetTradeHistoryFiltered(f HistoryFilter) ([]models.TradeHistoryEntry, error) {
	var conds []string
	var args []any
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Strategy != "" {
		conds = append(conds, "strategy = ?")
		args = append(args, f.Strategy)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "exit_time >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "exit_time < ?")
		args = append(args, toMillis(f.Until))
	}
	if f.Winners {
		conds = append(conds, "pnl > 0")
	}
	if f.Losers {
		conds = append(conds, "pnl < 0")
	}
	if !f.IncludeAdministrative {
		conds = append(conds, "exit_reason NOT IN "+administrativeReasons)
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ") + " "
	}
	clause += "ORDER BY exit_time DESC, id DESC"
	if f.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryHistory(clause, args...)
}

// GetDailyPnL sums realized PnL for the calendar day containing day,
// excluding administrative exits. Day boundaries follow day's location.
func (s *SQLiteStore) GetDailyPnL(day time.Time) (float64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)
	var pnl float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(pnl), 0) FROM trade_history
		WHERE exit_time >= ? AND exit_time < ?
		AND exit_reason NOT IN `+administrativeReasons,
		toMillis(start), toMillis(end)).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("querying daily pnl: %w", err)
	}
	return pnl, nil
}

// GetConsecutiveLosses counts losses from the newest trade backwards,
// stopping at the first non-loss. Administrative exits and the order_*
// bookkeeping rows that never risked capital are not part of the streak.
func (s *SQLiteStore) GetConsecutiveLosses(strategy string) (int, error) {
	rows, err := s.db.Query(`
		SELECT pnl FROM trade_history
		WHERE strategy = ? AND exit_reason NOT IN `+administrativeReasons+`
		AND exit_reason NOT IN `+bookkeepingReasons+`
		ORDER BY exit_time DESC, id DESC`, strategy)
	if err != nil {
		return 0, fmt.Errorf("querying losses for %s: %w", strategy, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return 0, fmt.Errorf("scanning pnl: %w", err)
		}
		// A break-even trade ends the streak like a winner does.
		if pnl >= 0 {
			break
		}
		count++
	}
	return count, rows.Err()
}

// HasTradedSymbolToday reports whether the strategy already placed an order
// for symbol during the calendar day containing now. Both live rows and
// history entries count; a cancelled entry still consumed the day's attempt.
func (s *SQLiteStore) HasTradedSymbolToday(strategy, symbol string, now time.Time) (bool, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startMs := toMillis(start)

	var n int
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM positions WHERE strategy = ? AND symbol = ? AND order_time >= ?) +
			(SELECT COUNT(*) FROM trade_history WHERE strategy = ? AND symbol = ? AND entry_time >= ?)`,
		strategy, symbol, startMs, strategy, symbol, startMs).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying trades today for %s/%s: %w", strategy, symbol, err)
	}
	return n > 0, nil
}

// NextOrderRef returns a fresh monotonic order reference, skipping any value
// already present on a live row or in history.
func (s *SQLiteStore) NextOrderRef() (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning ref transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var raw string
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = 'order_ref_seq'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 0
	case err != nil:
		return "", fmt.Errorf("reading ref counter: %w", err)
	default:
		if _, err := fmt.Sscanf(raw, "%d", &seq); err != nil {
			return "", fmt.Errorf("parsing ref counter %q: %w", raw, err)
		}
	}

	var ref string
	for {
		seq++
		ref = fmt.Sprintf("DT-%06d", seq)
		var n int
		err = tx.QueryRow(`
			SELECT
				(SELECT COUNT(*) FROM positions WHERE order_ref = ?) +
				(SELECT COUNT(*) FROM trade_history WHERE order_ref = ?)`,
			ref, ref).Scan(&n)
		if err != nil {
			return "", fmt.Errorf("checking ref collision: %w", err)
		}
		if n == 0 {
			break
		}
	}

	_, err = tx.Exec(`
		INSERT INTO meta (key, value) VALUES ('order_ref_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", seq))
	if err != nil {
		return "", fmt.Errorf("writing ref counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing ref counter: %w", err)
	}
	return ref, nil
}

// PutBars caches a bar series for symbol and bar size, replacing any prior
// entry.
func (s *SQLiteStore) PutBars(symbol, barSize string, bars []models.Bar) error {
	data, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("encoding bars for %s: %w", symbol, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO bar_cache (symbol, bar_size, fetched_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, bar_size) DO UPDATE SET fetched_at = excluded.fetched_at, data = excluded.data`,
		symbol, barSize, toMillis(time.Now()), string(data))
	if err != nil {
		return fmt.Errorf("caching bars for %s: %w", symbol, err)
	}
	return nil
}

// GetBars returns the cached bar series when one exists and is younger than
// maxAge. The second return value reports a usable hit.
func (s *SQLiteStore) GetBars(symbol, barSize string, maxAge time.Duration) ([]models.Bar, bool, error) {
	var fetchedMs int64
	var data string
	err := s.db.QueryRow(
		`SELECT fetched_at, data FROM bar_cache WHERE symbol = ? AND bar_size = ?`,
		symbol, barSize).Scan(&fetchedMs, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading bar cache for %s: %w", symbol, err)
	}
	if time.Since(fromMillis(fetchedMs)) > maxAge {
		return nil, false, nil
	}
	var bars []models.Bar
	if err := json.Unmarshal([]byte(data), &bars); err != nil {
		return nil, false, fmt.Errorf("decoding cached bars for %s: %w", symbol, err)
	}
	return bars, true, nil
}
