package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/depthtrader/internal/strategy"
)

// statusEvery is how many scan cycles pass between summary log lines.
const statusEvery = 60

// scanLoop runs one cycle per scan interval. Pending orders and exits are
// always serviced; new entries only inside regular trading hours when the
// hours gate is on.
func (b *Bot) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.config.ScanInterval())
	defer ticker.Stop()

	cycles := 0
	b.runCycle(time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			b.runCycle(now)
			cycles++
			if cycles%statusEvery == 0 {
				b.logStatusSummary()
			}
		}
	}
}

func (b *Bot) logStatusSummary() {
	open := b.engine.OpenPositions()
	pending := b.engine.PendingOrders()
	pnl, err := b.store.GetDailyPnL(time.Now())
	if err != nil {
		b.logger.Printf("Status: daily pnl unavailable: %v", err)
		return
	}
	b.logger.Printf("Status: regime=%s open=%d pending=%d daily_pnl=%+.2f",
		b.market.Regime(), len(open), len(pending), pnl)
}

func (b *Bot) runCycle(now time.Time) {
	cycleID := uuid.New().String()[:8]

	if err := b.market.RefreshIfStale(now); err != nil {
		b.logger.Printf("[%s] Market context refresh: %v", cycleID, err)
	}

	b.engine.PollPendingOrders(now)

	if !b.config.Safety.TradingHoursOnly || b.config.IsWithinTradingHours(now) {
		for _, symbol := range b.config.Symbols {
			b.scanSymbol(cycleID, symbol, now)
		}
	}

	b.engine.CheckExits(now)
}

// scanSymbol gathers one symbol's market state and routes the resulting
// signals. Feed errors skip the symbol for this cycle only.
func (b *Bot) scanSymbol(cycleID, symbol string, now time.Time) {
	quote, err := b.broker.GetQuote(symbol)
	if err != nil {
		b.logger.Printf("[%s] Quote for %s: %v", cycleID, symbol, err)
		return
	}
	price := quote.LivePrice()
	if price <= 0 {
		return
	}
	depth, err := b.broker.GetDepth(symbol, b.config.Liquidity.DepthLevels)
	if err != nil {
		b.logger.Printf("[%s] Depth for %s: %v", cycleID, symbol, err)
		return
	}

	slope, known := b.market.SectorSlope(symbol)
	actx := &strategy.AnalysisContext{
		Symbol:      symbol,
		Quote:       *quote,
		Depth:       depth,
		Price:       price,
		Regime:      b.market.Regime(),
		SectorSlope: slope,
		SectorKnown: known,
		VIXSlope:    b.market.VIXSlope(),
		Now:         now,
	}

	for _, sig := range b.registry.AnalyzeAll(actx) {
		s := sig
		if err := b.engine.ProcessSignal(&s, price, now); err != nil {
			b.logger.Printf("[%s] Signal %s on %s: %v", cycleID, s.Pattern, symbol, err)
		}
	}
}
