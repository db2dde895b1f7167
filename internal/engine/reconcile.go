package engine

import (
	"fmt"
	"time"

	"github.com/quantfold/depthtrader/internal/models"
)

// Reconcile compares stored open positions against the broker portfolio at
// startup. A stored position the broker no longer holds is settled with
// reason reconciliation_not_found, which keeps it out of performance
// figures. Safe to call repeatedly; already-settled rows are gone from the
// store and never reprocessed.
func (e *Engine) Reconcile(now time.Time) error {
	if !e.broker.IsConnected() {
		return fmt.Errorf("broker not connected, reconciliation skipped")
	}

	e.settleOrphanedPendings(now)

	positions := e.OpenPositions()
	if len(positions) == 0 {
		return nil
	}

	portfolio, err := e.broker.GetPortfolio()
	if err != nil {
		return fmt.Errorf("fetching portfolio: %w", err)
	}
	if len(portfolio) == 0 {
		// Cannot tell "all sold" from "feed not ready" on an empty list.
		e.logger.Printf("Portfolio empty with %d stored positions; reconciliation deferred",
			len(positions))
		return nil
	}

	held := make(map[int64]bool, len(portfolio))
	for _, item := range portfolio {
		if item.Quantity != 0 {
			held[item.ConID] = true
		}
	}

	reconciled := 0
	for i := range positions {
		pos := positions[i]
		if pos.Contract.ConID == 0 || held[pos.Contract.ConID] {
			continue
		}
		e.logger.Printf("Stored position %s not in portfolio; settling as not found",
			pos.Contract.LocalSymbol)
		if err := e.closePosition(&pos, 0, models.ExitReconciliationNotFound, now); err != nil {
			e.logger.Printf("Settling %s: %v", pos.Contract.LocalSymbol, err)
			continue
		}
		reconciled++
	}
	if reconciled > 0 {
		e.logger.Printf("Reconciliation settled %d positions", reconciled)
	}
	return nil
}

// settleOrphanedPendings closes pending rows whose entry order the broker no
// longer knows. They belong to a previous process; nothing was ever filled,
// so the close is a pure budget uncommit.
func (e *Engine) settleOrphanedPendings(now time.Time) {
	for _, po := range e.PendingOrders() {
		p := po
		if p.EntryOrderID != "" {
			if _, err := e.broker.GetOrderStatus(p.EntryOrderID); err == nil {
				continue // still known, the poller resolves it
			}
		}
		e.logger.Printf("Pending order %s unknown to broker; settling with no fills", p.OrderRef)
		if err := e.store.ClosePosition(p.StoreID, 0, now, models.ExitOrderNoFills, ""); err != nil {
			e.logger.Printf("Settling pending %s: %v", p.OrderRef, err)
			continue
		}
		e.removePending(p.StoreID)
	}
}
