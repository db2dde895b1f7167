package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/quantfold/depthtrader/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testContract(symbol string) models.OptionContract {
	c := models.OptionContract{
		Symbol: symbol,
		ConID:  12345,
		Strike: 185,
		Expiry: time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		Right:  models.RightCall,
	}
	c.LocalSymbol = c.OCC()
	return c
}

func testPending(symbol, strategy string) *models.PendingOrder {
	return &models.PendingOrder{
		Contract:     testContract(symbol),
		EntryPrice:   2.50,
		Quantity:     2,
		Direction:    models.DirectionLongCall,
		StopLoss:     1.25,
		ProfitTarget: 3.75,
		OrderTime:    time.Now().Add(-time.Minute),
		Strategy:     strategy,
		OrderRef:     "DT-000001",
	}
}

func TestPendingToOpenLifecycle(t *testing.T) {
	s := newTestStore(t)

	po := testPending("AAPL", "swing_a")
	id, err := s.InsertPendingPosition(po)
	require.NoError(t, err)
	assert.Equal(t, id, po.StoreID)

	require.NoError(t, s.UpdateOrderIDs(id, "e1", "s1", "t1"))

	pendings, err := s.GetPendingOrders()
	require.NoError(t, err)
	require.Len(t, pendings, 1)
	assert.Equal(t, "e1", pendings[0].EntryOrderID)
	assert.Equal(t, "AAPL", pendings[0].Contract.Symbol)
	assert.Equal(t, po.Contract.LocalSymbol, pendings[0].Contract.LocalSymbol)

	// Fill at a better price than the limit, partial quantity.
	fillTime := time.Now()
	require.NoError(t, s.MarkPositionOpen(id, 2.45, 1, fillTime))

	pendings, err = s.GetPendingOrders()
	require.NoError(t, err)
	assert.Empty(t, pendings)

	open, err := s.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2.45, open[0].EntryPrice)
	assert.Equal(t, 1, open[0].Quantity)
	assert.Equal(t, 2.45, open[0].PeakPrice)
	assert.Equal(t, "swing_a", open[0].Strategy)

	// Marking an already-open row again is an error.
	assert.Error(t, s.MarkPositionOpen(id, 2.45, 1, fillTime))
}

func TestClosePositionSettlesBudget(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 5000))

	po := testPending("AAPL", "swing_a")
	id, err := s.InsertPendingPosition(po)
	require.NoError(t, err)
	require.NoError(t, s.CommitBudget("swing_a", po.IntendedCost())) // 2.50*2*100 = 500

	require.NoError(t, s.MarkPositionOpen(id, 2.50, 2, time.Now()))

	// Close at 3.00: exit value 600, pnl +100.
	require.NoError(t, s.ClosePosition(id, 3.00, time.Now(), models.ExitProfitTarget, "x1"))

	b, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, 0, b.Committed, 1e-9)
	assert.InDelta(t, 0, b.Drawdown, 1e-9) // profit cannot push drawdown below zero
	assert.InDelta(t, 5000, b.Available(), 1e-9)

	hist, err := s.GetTradeHistory(10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.InDelta(t, 100, hist[0].PnL, 1e-9)
	assert.InDelta(t, 0.2, hist[0].PnLPct, 1e-9)
	assert.Equal(t, models.ExitProfitTarget, hist[0].ExitReason)
	assert.Equal(t, "x1", hist[0].ExitOrderID)
}

func TestCloseLossIncreasesDrawdown(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 5000))

	po := testPending("AAPL", "swing_a")
	id, err := s.InsertPendingPosition(po)
	require.NoError(t, err)
	require.NoError(t, s.CommitBudget("swing_a", po.IntendedCost()))
	require.NoError(t, s.MarkPositionOpen(id, 2.50, 2, time.Now()))

	// Close at 1.25: exit value 250, pnl -250.
	require.NoError(t, s.ClosePosition(id, 1.25, time.Now(), models.ExitStopLoss, "x2"))

	b, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, 0, b.Committed, 1e-9)
	assert.InDelta(t, 250, b.Drawdown, 1e-9)
	assert.InDelta(t, 4750, b.Available(), 1e-9)
}

func TestClosePendingIsPureUncommit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("scalp_a", 2000))

	po := testPending("TSLA", "scalp_a")
	id, err := s.InsertPendingPosition(po)
	require.NoError(t, err)
	require.NoError(t, s.CommitBudget("scalp_a", po.IntendedCost()))

	require.NoError(t, s.ClosePosition(id, 0, time.Now(), models.ExitOrderCancelled, ""))

	b, err := s.GetBudget("scalp_a")
	require.NoError(t, err)
	assert.InDelta(t, 0, b.Committed, 1e-9)
	assert.InDelta(t, 0, b.Drawdown, 1e-9)

	hist, err := s.GetTradeHistory(10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Zero(t, hist[0].PnL)
	assert.Equal(t, models.ExitOrderCancelled, hist[0].ExitReason)
}

func TestCloseUnknownPosition(t *testing.T) {
	s := newTestStore(t)
	err := s.ClosePosition(999, 1.0, time.Now(), models.ExitStopLoss, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseRejectsInvalidReason(t *testing.T) {
	s := newTestStore(t)
	err := s.ClosePosition(1, 1.0, time.Now(), models.ExitReason("bogus"), "")
	assert.Error(t, err)
}

func TestAdjustCommittedClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 1000))
	require.NoError(t, s.CommitBudget("swing_a", 300))

	// Fill cheaper than intended: adjust down by 50.
	require.NoError(t, s.AdjustCommitted("swing_a", -50))
	b, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, 250, b.Committed, 1e-9)

	// Over-release clamps at zero.
	require.NoError(t, s.AdjustCommitted("swing_a", -500))
	b, err = s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.Zero(t, b.Committed)

	assert.Error(t, s.AdjustCommitted("missing", -1))
}

func TestRecalculateBudget(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 5000))

	// One live row worth 500, one closed loss of 250.
	po := testPending("AAPL", "swing_a")
	_, err := s.InsertPendingPosition(po)
	require.NoError(t, err)

	po2 := testPending("MSFT", "swing_a")
	id2, err := s.InsertPendingPosition(po2)
	require.NoError(t, err)
	require.NoError(t, s.MarkPositionOpen(id2, 2.50, 2, time.Now()))
	require.NoError(t, s.ClosePosition(id2, 1.25, time.Now(), models.ExitStopLoss, ""))

	// Corrupt the budget row, then repair it.
	require.NoError(t, s.CommitBudget("swing_a", 9999))
	require.NoError(t, s.RecalculateBudget("swing_a"))

	b, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, 500, b.Committed, 1e-9)
	assert.InDelta(t, 250, b.Drawdown, 1e-9)
}

func TestRecalculateBudgetMatchesIncremental(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 5000))

	base := time.Now().Add(-time.Hour)
	closeAt := func(symbol string, exit float64, at time.Time) {
		po := testPending(symbol, "swing_a")
		id, err := s.InsertPendingPosition(po)
		require.NoError(t, err)
		require.NoError(t, s.MarkPositionOpen(id, 2.50, 2, at))
		require.NoError(t, s.ClosePosition(id, exit, at.Add(time.Minute), models.ExitStopLoss, ""))
	}

	// Winner (+100) then loser (-50). A net-sum rebuild would report zero
	// drawdown; the per-close clamp leaves the loss unrecovered.
	closeAt("AAPL", 3.00, base)
	closeAt("MSFT", 2.25, base.Add(5*time.Minute))

	b, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, 50, b.Drawdown, 1e-9)

	require.NoError(t, s.RecalculateBudget("swing_a"))
	after, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, b.Drawdown, after.Drawdown, 1e-9)
	assert.InDelta(t, b.Committed, after.Committed, 1e-9)

	// Idempotent: a second run changes nothing.
	require.NoError(t, s.RecalculateBudget("swing_a"))
	again, err := s.GetBudget("swing_a")
	require.NoError(t, err)
	assert.InDelta(t, after.Drawdown, again.Drawdown, 1e-9)
}

func TestNextOrderRefMonotonicAndCollisionFree(t *testing.T) {
	s := newTestStore(t)

	ref1, err := s.NextOrderRef()
	require.NoError(t, err)
	assert.Equal(t, "DT-000001", ref1)

	// Occupy the next value with a live row; the generator must skip it.
	po := testPending("AAPL", "swing_a")
	po.OrderRef = "DT-000002"
	_, err = s.InsertPendingPosition(po)
	require.NoError(t, err)

	ref2, err := s.NextOrderRef()
	require.NoError(t, err)
	assert.Equal(t, "DT-000003", ref2)
}

func TestConsecutiveLosses(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 10000))

	base := time.Now().Add(-time.Hour)
	closeAt := func(entry, exit float64, reason models.ExitReason, at time.Time) {
		po := testPending("AAPL", "swing_a")
		po.EntryPrice = entry
		id, err := s.InsertPendingPosition(po)
		require.NoError(t, err)
		require.NoError(t, s.MarkPositionOpen(id, entry, 2, at.Add(-time.Minute)))
		require.NoError(t, s.ClosePosition(id, exit, at, reason, ""))
	}

	closeAt(2.0, 3.0, models.ExitProfitTarget, base)                     // win
	closeAt(2.0, 1.0, models.ExitStopLoss, base.Add(time.Minute))        // loss
	closeAt(2.0, 2.0, models.ExitManualClose, base.Add(2*time.Minute))   // admin, skipped
	closeAt(2.0, 1.5, models.ExitStopLoss, base.Add(3*time.Minute))      // loss
	closeAt(2.0, 1.9, models.ExitTrailingStop, base.Add(4*time.Minute))  // loss

	n, err := s.GetConsecutiveLosses("swing_a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// A break-even close ends the streak.
	closeAt(2.0, 2.0, models.ExitMaxHold, base.Add(5*time.Minute))
	closeAt(2.0, 1.8, models.ExitStopLoss, base.Add(6*time.Minute))

	n, err = s.GetConsecutiveLosses("swing_a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.GetConsecutiveLosses("unknown")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHasTradedSymbolToday(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 1000))
	now := time.Now()

	ok, err := s.HasTradedSymbolToday("swing_a", "AAPL", now)
	require.NoError(t, err)
	assert.False(t, ok)

	po := testPending("AAPL", "swing_a")
	po.OrderTime = now
	id, err := s.InsertPendingPosition(po)
	require.NoError(t, err)

	ok, err = s.HasTradedSymbolToday("swing_a", "AAPL", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Still true after the row moves to history.
	require.NoError(t, s.MarkPositionOpen(id, 2.50, 2, now))
	require.NoError(t, s.ClosePosition(id, 2.60, now, models.ExitProfitTarget, ""))
	ok, err = s.HasTradedSymbolToday("swing_a", "AAPL", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Different strategy or symbol does not count.
	ok, err = s.HasTradedSymbolToday("scalp_a", "AAPL", now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.HasTradedSymbolToday("swing_a", "MSFT", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerformanceExcludesAdministrative(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 10000))

	open := func(entry float64) int64 {
		po := testPending("AAPL", "swing_a")
		po.EntryPrice = entry
		id, err := s.InsertPendingPosition(po)
		require.NoError(t, err)
		require.NoError(t, s.MarkPositionOpen(id, entry, 2, time.Now()))
		return id
	}

	require.NoError(t, s.ClosePosition(open(2.0), 3.0, time.Now(), models.ExitProfitTarget, "")) // +200
	require.NoError(t, s.ClosePosition(open(2.0), 1.5, time.Now(), models.ExitStopLoss, ""))     // -100
	require.NoError(t, s.ClosePosition(open(2.0), 9.0, time.Now(), models.ExitManualClose, ""))  // excluded

	perf, err := s.GetPerformance()
	require.NoError(t, err)
	p, ok := perf["swing_a"]
	require.True(t, ok)
	assert.Equal(t, 2, p.Trades)
	assert.Equal(t, 1, p.Wins)
	assert.Equal(t, 1, p.Losses)
	assert.InDelta(t, 100, p.TotalPnL, 1e-9)
	assert.InDelta(t, 0.5, p.WinRate, 1e-9)
	assert.InDelta(t, 200, p.BestTrade, 1e-9)
	assert.InDelta(t, -100, p.WorstTrade, 1e-9)
}

func TestDailyPnL(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 10000))
	now := time.Now()

	po := testPending("AAPL", "swing_a")
	id, err := s.InsertPendingPosition(po)
	require.NoError(t, err)
	require.NoError(t, s.MarkPositionOpen(id, 2.0, 2, now))
	require.NoError(t, s.ClosePosition(id, 2.5, now, models.ExitProfitTarget, "")) // +100

	pnl, err := s.GetDailyPnL(now)
	require.NoError(t, err)
	assert.InDelta(t, 100, pnl, 1e-9)

	pnl, err = s.GetDailyPnL(now.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, pnl)
}

func TestBarCache(t *testing.T) {
	s := newTestStore(t)

	bars := []models.Bar{
		{Time: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1000},
		{Time: time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 900},
	}
	require.NoError(t, s.PutBars("SPY", "1 day", bars))

	got, ok, err := s.GetBars("SPY", "1 day", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, bars[0].Close, got[0].Close)

	// Expired entries miss.
	_, ok, err = s.GetBars("SPY", "1 day", -time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown key misses without error.
	_, ok, err = s.GetBars("QQQ", "1 day", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate())
	require.NoError(t, s.migrate())
}

func TestSymbolPerformanceAndFilteredHistory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetBudget("swing_a", 10000))

	base := time.Date(2026, 8, 18, 15, 0, 0, 0, time.UTC)
	closeAt := func(symbol string, entry, exit float64, reason models.ExitReason, at time.Time) {
		po := testPending(symbol, "swing_a")
		po.EntryPrice = entry
		id, err := s.InsertPendingPosition(po)
		require.NoError(t, err)
		require.NoError(t, s.MarkPositionOpen(id, entry, 2, at.Add(-time.Hour)))
		require.NoError(t, s.ClosePosition(id, exit, at, reason, ""))
	}

	closeAt("AAPL", 2.0, 3.0, models.ExitProfitTarget, base)                  // +200
	closeAt("AAPL", 2.0, 1.5, models.ExitStopLoss, base.AddDate(0, 0, 1))     // -100
	closeAt("MSFT", 2.0, 2.5, models.ExitProfitTarget, base.AddDate(0, 0, 2)) // +100
	closeAt("MSFT", 2.0, 0, models.ExitManualClose, base.AddDate(0, 0, 2))    // excluded

	perf, err := s.GetSymbolPerformance()
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, 2, perf["AAPL"].Trades)
	assert.InDelta(t, 100, perf["AAPL"].TotalPnL, 1e-9)
	assert.InDelta(t, 0.5, perf["AAPL"].WinRate, 1e-9)
	assert.Equal(t, 1, perf["MSFT"].Trades)

	winners, err := s.GetTradeHistoryFiltered(HistoryFilter{Winners: true})
	require.NoError(t, err)
	require.Len(t, winners, 2)
	for _, tr := range winners {
		assert.Positive(t, tr.PnL)
	}

	aapl, err := s.GetTradeHistoryFiltered(HistoryFilter{Symbol: "AAPL", Losers: true})
	require.NoError(t, err)
	require.Len(t, aapl, 1)
	assert.Equal(t, models.ExitStopLoss, aapl[0].ExitReason)

	ranged, err := s.GetTradeHistoryFiltered(HistoryFilter{
		Since: base.AddDate(0, 0, 1),
		Until: base.AddDate(0, 0, 2),
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "AAPL", ranged[0].Contract.Symbol)

	all, err := s.GetTradeHistoryFiltered(HistoryFilter{IncludeAdministrative: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
