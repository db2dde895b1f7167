package engine

import (
	"time"

	"github.com/quantfold/depthtrader/internal/models"
)

// CheckExits walks the open positions and closes any that hit an exit
// condition. Exit priority per position: profit target, protective stop,
// trailing stop, max hold. Manual closes are detected first against the
// broker portfolio.
func (e *Engine) CheckExits(now time.Time) {
	positions := e.OpenPositions()
	if len(positions) == 0 {
		return
	}

	manuallyClosed := e.detectManualCloses(positions, now)

	for i := range positions {
		pos := positions[i]
		if manuallyClosed[pos.StoreID] {
			continue
		}
		if err := e.checkExit(&pos, now); err != nil {
			e.logger.Printf("Exit check for %s: %v", pos.Contract.LocalSymbol, err)
		}
	}
}

// detectManualCloses compares tracked positions against the broker's
// portfolio. A tracked contract the broker no longer holds was closed
// outside the bot; the row is settled with no exit order. An empty
// portfolio while positions are tracked is treated as a data problem, not
// a mass liquidation.
func (e *Engine) detectManualCloses(positions []models.Position, now time.Time) map[int64]bool {
	closed := make(map[int64]bool)
	if !e.broker.IsConnected() {
		return closed
	}
	portfolio, err := e.broker.GetPortfolio()
	if err != nil {
		e.logger.Printf("Portfolio fetch failed, skipping manual-close detection: %v", err)
		return closed
	}
	if len(portfolio) == 0 {
		if len(positions) > 0 {
			e.logger.Printf("Portfolio empty while %d positions tracked; skipping manual-close detection",
				len(positions))
		}
		return closed
	}

	held := make(map[int64]bool, len(portfolio))
	for _, item := range portfolio {
		if item.Quantity != 0 {
			held[item.ConID] = true
		}
	}
	for i := range positions {
		pos := positions[i]
		if pos.Contract.ConID == 0 || held[pos.Contract.ConID] {
			continue
		}
		e.logger.Printf("Position %s missing from portfolio; recording manual close",
			pos.Contract.LocalSymbol)
		if err := e.closePosition(&pos, 0, models.ExitManualClose, now); err != nil {
			e.logger.Printf("Recording manual close of %s: %v", pos.Contract.LocalSymbol, err)
			continue
		}
		closed[pos.StoreID] = true
	}
	return closed
}

func (e *Engine) checkExit(pos *models.Position, now time.Time) error {
	quote, err := e.broker.GetQuote(pos.Contract.LocalSymbol)
	if err != nil {
		e.logger.Printf("Quote for %s failed: %v", pos.Contract.LocalSymbol, err)
		return nil
	}
	price := quote.LivePrice()
	if price <= 0 {
		return nil
	}

	if pos.UpdatePeak(price) {
		if err := e.store.UpdatePeakPrice(pos.StoreID, pos.PeakPrice); err != nil {
			e.logger.Printf("Persisting peak for %s: %v", pos.Contract.LocalSymbol, err)
		}
		e.syncPeak(pos.StoreID, pos.PeakPrice)
	}

	if pos.HitProfitTarget(price) {
		return e.closePosition(pos, price, models.ExitProfitTarget, now)
	}
	if pos.HitStop(price, pos.StopLevel()) {
		return e.closePosition(pos, price, models.ExitStopLoss, now)
	}
	if level, active := e.trailingLevel(pos); active && pos.HitStop(price, level) {
		return e.closePosition(pos, price, models.ExitTrailingStop, now)
	}
	if pos.HoldingPeriod(now) >= e.maxHold() {
		return e.closePosition(pos, price, models.ExitMaxHold, now)
	}
	return nil
}

// trailingLevel returns the effective trailing stop once the activation
// threshold has been reached. The trail only ever tightens the stop.
func (e *Engine) trailingLevel(pos *models.Position) (float64, bool) {
	r := e.cfg.Risk
	if !r.TrailingStopEnabled || pos.PeakProfitPct() < r.TrailingStopActivationPct {
		return 0, false
	}
	trail := pos.TrailLevel(r.TrailingStopDistancePct)
	base := pos.StopLevel()
	if pos.Direction.Right() == models.RightPut {
		if trail < base {
			return trail, true
		}
		return base, true
	}
	if trail > base {
		return trail, true
	}
	return base, true
}

func (e *Engine) maxHold() time.Duration {
	days := e.cfg.Risk.MaxHoldDays
	if days <= 0 {
		days = 5
	}
	return time.Duration(days) * 24 * time.Hour
}

// syncPeak mirrors a persisted peak into the canonical in-memory position.
func (e *Engine) syncPeak(storeID int64, peak float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.positions {
		if p.StoreID == storeID {
			p.PeakPrice = peak
			return
		}
	}
}
