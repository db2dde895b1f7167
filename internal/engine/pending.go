package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/quantfold/depthtrader/internal/util"
)

// PollPendingOrders checks every working entry order against the broker and
// resolves fills, cancellations and timeouts. Each order is handled
// independently; one broker error never blocks the rest.
func (e *Engine) PollPendingOrders(now time.Time) {
	for _, po := range e.PendingOrders() {
		p := po
		if err := e.resolvePending(&p, now); err != nil {
			e.logger.Printf("Pending order %s: %v", p.OrderRef, err)
		}
	}
}

func (e *Engine) resolvePending(po *models.PendingOrder, now time.Time) error {
	state, err := e.broker.GetOrderStatus(po.EntryOrderID)
	if err != nil {
		return fmt.Errorf("querying status of %s: %w", po.EntryOrderID, err)
	}

	switch {
	case state.Status == broker.StatusFilled || (state.Remaining == 0 && state.Filled > 0):
		return e.promoteFill(po, state.AvgFillPrice, int(state.Filled), now)

	case state.Status.TerminalNotFilled() && state.Filled > 0:
		// Partial fill then cancel or reject: keep what we own.
		e.logger.Printf("Order %s terminal (%s) with partial fill %d of %d",
			po.OrderRef, state.Status, int(state.Filled), po.Quantity)
		return e.promoteFill(po, state.AvgFillPrice, int(state.Filled), now)

	case state.Status.TerminalNotFilled():
		e.logger.Printf("Order %s terminal (%s) with no fills", po.OrderRef, state.Status)
		return e.abandonPending(po, models.ExitOrderCancelled, now)

	case po.Age(now) > e.orderTimeout():
		return e.expirePending(po, state, now)
	}
	return nil
}

// promoteFill converts a pending row into an open position and reconciles
// the committed budget with the actual fill.
func (e *Engine) promoteFill(po *models.PendingOrder, avgFill float64, filledQty int, now time.Time) error {
	if filledQty <= 0 {
		filledQty = po.Quantity
	}
	fillPrice := avgFill
	if fillPrice <= 0 {
		fillPrice = po.EntryPrice
	}

	if err := e.store.MarkPositionOpen(po.StoreID, fillPrice, filledQty, now); err != nil {
		return fmt.Errorf("marking position %d open: %w", po.StoreID, err)
	}
	actual := fillPrice * float64(filledQty) * models.ContractMultiplier
	e.adjustIfBudgeted(po.Strategy, actual-po.IntendedCost())

	pos := &models.Position{
		Contract:      po.Contract,
		EntryPrice:    fillPrice,
		Quantity:      filledQty,
		Direction:     po.Direction,
		StopLoss:      po.StopLoss,
		ProfitTarget:  po.ProfitTarget,
		EntryTime:     now,
		PeakPrice:     fillPrice,
		StopOrderID:   po.StopOrderID,
		TargetOrderID: po.TargetOrderID,
		Strategy:      po.Strategy,
		OrderRef:      po.OrderRef,
		StoreID:       po.StoreID,
	}

	e.removePending(po.StoreID)
	e.mu.Lock()
	e.positions = append(e.positions, pos)
	e.mu.Unlock()

	e.logger.Printf("Filled %s x%d at %.2f (ref %s)",
		pos.Contract.LocalSymbol, filledQty, fillPrice, po.OrderRef)
	e.registry.NotifyOpened(pos)
	if e.notifier != nil {
		e.notifier.TradeOpened(pos)
	}
	return nil
}

// abandonPending cancels the bracket children and closes the durable row.
// The close releases the committed budget.
func (e *Engine) abandonPending(po *models.PendingOrder, reason models.ExitReason, now time.Time) error {
	ctx := context.Background()
	for _, orderID := range []string{po.EntryOrderID, po.StopOrderID, po.TargetOrderID} {
		if orderID == "" {
			continue
		}
		if err := e.retrier.CancelOrderWithRetry(ctx, orderID); err != nil {
			e.logger.Printf("Cancelling order %s: %v", orderID, err)
		}
	}
	if err := e.store.ClosePosition(po.StoreID, 0, now, reason, ""); err != nil {
		return fmt.Errorf("closing pending row %d: %w", po.StoreID, err)
	}
	e.removePending(po.StoreID)
	e.logger.Printf("Abandoned order %s (%s)", po.OrderRef, reason)
	return nil
}

// expirePending handles an entry that has outlived the placement timeout. A
// partial fill keeps the filled portion; otherwise the decision rides on how
// far the market has drifted from the limit.
func (e *Engine) expirePending(po *models.PendingOrder, state *broker.OrderState, now time.Time) error {
	if filled := state.Filled; filled > 0 {
		e.logger.Printf("Order %s timed out with partial fill %d of %d; keeping the fill",
			po.OrderRef, int(filled), po.Quantity)
		if err := e.retrier.CancelOrderWithRetry(context.Background(), po.EntryOrderID); err != nil {
			e.logger.Printf("Cancelling remainder of %s: %v", po.EntryOrderID, err)
		}
		return e.promoteFill(po, state.AvgFillPrice, int(filled), now)
	}

	quote, err := e.broker.GetQuote(po.Contract.LocalSymbol)
	if err != nil || quote.Mid() <= 0 {
		e.logger.Printf("Order %s timed out with no usable price", po.OrderRef)
		return e.abandonPending(po, models.ExitOrderTimeoutNoPrice, now)
	}

	drift := util.Clamp((quote.Mid()-po.EntryPrice)/po.EntryPrice, -10, 10)
	if drift < 0 {
		drift = -drift
	}
	if drift > e.cfg.OrderManagement.PriceDriftThreshold {
		e.logger.Printf("Order %s timed out; price drifted %.1f%% from limit %.2f",
			po.OrderRef, drift*100, po.EntryPrice)
		return e.abandonPending(po, models.ExitOrderTimeoutDrift, now)
	}

	// Within drift tolerance: leave the order working another cycle.
	return nil
}

func (e *Engine) orderTimeout() time.Duration {
	secs := e.cfg.OrderManagement.OrderTimeoutSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}
