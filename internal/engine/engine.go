// Package engine implements the trading pipeline: signal evaluation and
// veto, position sizing, option selection, bracket placement, pending-order
// reconciliation, exit checks and startup reconciliation against the broker
// portfolio. The engine is the single writer to its position and pending
// lists; everything durable goes through the trade store first.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/quantfold/depthtrader/internal/notify"
	"github.com/quantfold/depthtrader/internal/retry"
	"github.com/quantfold/depthtrader/internal/storage"
	"github.com/quantfold/depthtrader/internal/strategy"
	"github.com/quantfold/depthtrader/internal/util"
)

// Engine is the central trading state machine.
type Engine struct {
	broker   broker.Broker
	store    storage.Interface
	context  market.Provider
	registry *strategy.Registry
	cfg      *config.Config
	retrier  *retry.Client
	logger   *log.Logger
	notifier notify.Notifier

	mu        sync.Mutex
	positions []*models.Position
	pendings  []*models.PendingOrder
}

// New creates an engine with empty lists; call LoadState before the first
// scan.
func New(b broker.Broker, store storage.Interface, ctx market.Provider,
	registry *strategy.Registry, cfg *config.Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		broker:   b,
		store:    store,
		context:  ctx,
		registry: registry,
		cfg:      cfg,
		retrier:  retry.NewClient(b, logger),
		logger:   logger,
	}
}

// SetNotifier attaches an outbound notifier for fills and closes.
func (e *Engine) SetNotifier(n notify.Notifier) {
	e.notifier = n
}

// LoadState populates the in-memory lists from the durable store.
func (e *Engine) LoadState() error {
	open, err := e.store.GetOpenPositions()
	if err != nil {
		return fmt.Errorf("loading open positions: %w", err)
	}
	pending, err := e.store.GetPendingOrders()
	if err != nil {
		return fmt.Errorf("loading pending orders: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = e.positions[:0]
	for i := range open {
		e.positions = append(e.positions, &open[i])
	}
	e.pendings = e.pendings[:0]
	for i := range pending {
		e.pendings = append(e.pendings, &pending[i])
	}
	e.logger.Printf("State loaded: %d open positions, %d pending orders",
		len(e.positions), len(e.pendings))
	return nil
}

// OpenPositions returns a copy of the live position list.
func (e *Engine) OpenPositions() []models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// PendingOrders returns a copy of the pending-order list.
func (e *Engine) PendingOrders() []models.PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.PendingOrder, 0, len(e.pendings))
	for _, p := range e.pendings {
		out = append(out, *p)
	}
	return out
}

// EvaluateSignal applies the global veto table and the legacy rules table.
// It returns the direction to trade, or false when the signal is rejected.
func (e *Engine) EvaluateSignal(sig *models.Signal) (models.Direction, bool) {
	if sig.Direction == models.DirectionNoTrade {
		return "", false
	}
	regime := e.context.Regime()

	// Global veto table.
	switch {
	case sig.Direction.Bullish() && regime == market.RegimeBearTrend:
		return "", false
	case sig.Direction.Bearish() && regime == market.RegimeBullTrend:
		return "", false
	case sig.Direction == models.DirectionIronCondor && regime != market.RegimeRangeBound:
		return "", false
	case regime == market.RegimeHighChaos && sig.Meta(models.MetaStrategyType) != "scalping":
		return "", false
	}

	// Legacy pattern rules: a configured rule supplies the threshold and the
	// direction. Swing patterns without a rule are not traded; everything
	// else passes through on its own direction.
	if sig.Pattern != "" {
		if minConf, ok := e.cfg.TradingRules[string(sig.Pattern)]; ok {
			if sig.Confidence < minConf {
				return "", false
			}
			if dir, ok := patternDirection(sig.Pattern); ok {
				return dir, true
			}
			return sig.Direction, true
		}
		if isSwingPattern(sig.Pattern) {
			return "", false
		}
	}
	return sig.Direction, true
}

// patternDirection is the canonical direction of each legacy pattern.
func patternDirection(p models.Pattern) (models.Direction, bool) {
	switch p {
	case models.PatternRejectionAtSupport, models.PatternTestingSupport,
		models.PatternBreakoutUp, models.PatternORBBreakoutUp, models.PatternScalpLong:
		return models.DirectionLongCall, true
	case models.PatternRejectionAtResistance, models.PatternTestingResistance,
		models.PatternBreakoutDown, models.PatternORBBreakoutDown, models.PatternScalpShort:
		return models.DirectionLongPut, true
	default:
		return "", false
	}
}

func isSwingPattern(p models.Pattern) bool {
	switch p {
	case models.PatternRejectionAtSupport, models.PatternRejectionAtResistance,
		models.PatternTestingSupport, models.PatternTestingResistance,
		models.PatternBreakoutUp, models.PatternBreakoutDown:
		return true
	default:
		return false
	}
}

// ProcessSignal runs one signal through the full entry pipeline. A nil
// return means either a placed order or a clean rejection; hard failures
// surface as errors.
func (e *Engine) ProcessSignal(sig *models.Signal, spot float64, now time.Time) error {
	if sig.Direction == models.DirectionNoTrade {
		return e.handleExitHint(sig, now)
	}

	direction, ok := e.EvaluateSignal(sig)
	if !ok {
		return nil
	}
	symbol := sig.Meta(models.MetaSymbol)
	strategyName := sig.Strategy()
	if symbol == "" || strategyName == "" {
		return fmt.Errorf("signal missing symbol or strategy metadata")
	}

	if direction == models.DirectionIronCondor {
		// Four legs need a combo order; the execution layer only speaks
		// single-leg brackets. Surfaced so the operator sees the setup.
		e.logger.Printf("Iron condor setup on %s (confidence %.2f) skipped: no multi-leg execution",
			symbol, sig.Confidence)
		return nil
	}

	if reason := e.entryBlocked(strategyName, symbol, now); reason != "" {
		e.logger.Printf("Entry %s %s for %s blocked: %s", direction, symbol, strategyName, reason)
		return nil
	}

	contract, err := e.selectOption(symbol, direction, spot)
	if err != nil {
		return fmt.Errorf("selecting option for %s %s: %w", symbol, direction, err)
	}

	quote, err := e.broker.GetQuote(contract.LocalSymbol)
	if err != nil {
		return fmt.Errorf("quoting option %s: %w", contract.LocalSymbol, err)
	}
	price := quote.Mid()
	if price <= 0 {
		price = quote.LivePrice()
	}
	if price <= 0 {
		return fmt.Errorf("no usable price for option %s", contract.LocalSymbol)
	}
	if sc, ok := e.cfg.Strategies[strategyName]; ok && sc.EntryPriceBias != 0 {
		price *= 1 + sc.EntryPriceBias
	}
	price = util.RoundToTick(price, util.OptionTick)

	qty, err := e.size(price, sig.Confidence, strategyName)
	if err != nil {
		e.logger.Printf("Entry %s %s for %s rejected by sizing: %v", direction, symbol, strategyName, err)
		return nil
	}

	return e.placeBracket(contract, direction, strategyName, price, qty, now)
}

// entryBlocked applies the process-level gates and the per-strategy scope
// invariants. It returns a human-readable reason, or "" to proceed.
func (e *Engine) entryBlocked(strategyName, symbol string, now time.Time) string {
	if e.cfg.Safety.EmergencyStop {
		return "emergency stop engaged"
	}
	if e.cfg.Safety.RequireManualApproval {
		return "manual approval required"
	}
	if e.cfg.Safety.MaxDailyLoss > 0 {
		pnl, err := e.store.GetDailyPnL(now)
		if err != nil {
			return fmt.Sprintf("daily pnl unavailable: %v", err)
		}
		if pnl <= -e.cfg.Safety.MaxDailyLoss {
			return fmt.Sprintf("max daily loss reached (%.2f)", pnl)
		}
	}

	e.mu.Lock()
	count := 0
	samePair := false
	for _, p := range e.positions {
		if p.Strategy == strategyName {
			count++
			if p.Contract.Symbol == symbol {
				samePair = true
			}
		}
	}
	for _, p := range e.pendings {
		if p.Strategy == strategyName {
			count++
			if p.Contract.Symbol == symbol {
				samePair = true
			}
		}
	}
	e.mu.Unlock()

	if samePair {
		return "position already live for this symbol"
	}
	if count >= e.cfg.MaxPositionsFor(strategyName) {
		return fmt.Sprintf("max positions reached (%d)", count)
	}

	sc, hasCfg := e.cfg.Strategies[strategyName]
	if hasCfg && sc.OncePerSymbolPerDay {
		traded, err := e.store.HasTradedSymbolToday(strategyName, symbol, now)
		if err != nil {
			return fmt.Sprintf("daily-trade check failed: %v", err)
		}
		if traded {
			return "already traded this symbol today"
		}
	}
	if hasCfg && sc.DailyLossLimit > 0 {
		if loss := e.strategyDailyLoss(strategyName, now); loss >= sc.DailyLossLimit {
			return fmt.Sprintf("strategy daily loss limit reached (%.2f)", loss)
		}
	}
	return ""
}

// strategyDailyLoss sums today's realized losses for one strategy.
func (e *Engine) strategyDailyLoss(strategyName string, now time.Time) float64 {
	trades, err := e.store.GetTradeHistoryForStrategy(strategyName, 0)
	if err != nil {
		e.logger.Printf("Daily loss check for %s failed: %v", strategyName, err)
		return 0
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var pnl float64
	for _, tr := range trades {
		if tr.ExitTime.Before(dayStart) {
			break // newest first
		}
		if !tr.ExitReason.Administrative() {
			pnl += tr.PnL
		}
	}
	if pnl < 0 {
		return -pnl
	}
	return 0
}

// size converts confidence and price into a contract count, applying the
// account-percent base, the per-trade dollar cap, the global count cap and
// the strategy budget.
func (e *Engine) size(price, confidence float64, strategyName string) (int, error) {
	if price <= 0 {
		return 0, fmt.Errorf("non-positive option price %.2f", price)
	}
	account, err := e.broker.GetAccountValue(broker.AccountValueNetLiquidation)
	if err != nil {
		return 0, fmt.Errorf("reading account value: %w", err)
	}

	base := account * e.cfg.Risk.PositionSizePct
	scaled := base * util.Clamp(confidence, 0.1, 1.0)
	perContract := price * models.ContractMultiplier
	contracts := int(math.Floor(scaled / perContract))

	if maxByDollars := int(math.Floor(e.cfg.Risk.MaxPositionSize / perContract)); contracts > maxByDollars {
		contracts = maxByDollars
	}
	if contracts > e.cfg.Risk.MaxPositions {
		contracts = e.cfg.Risk.MaxPositions
	}
	if contracts < 1 {
		return 0, fmt.Errorf("sized to zero contracts (scaled $%.2f, contract $%.2f)", scaled, perContract)
	}

	budget, err := e.store.GetBudget(strategyName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return contracts, nil // unbudgeted strategy
	case err != nil:
		return 0, fmt.Errorf("reading budget for %s: %w", strategyName, err)
	}

	available := budget.Available()
	if available <= 0 {
		return 0, fmt.Errorf("budget exhausted for %s", strategyName)
	}
	// Strategies with a configured cost basis budget against it when it is
	// more conservative than the live premium.
	perBudget := perContract
	if sc, ok := e.cfg.Strategies[strategyName]; ok && sc.ContractCostBasis > 0 {
		perBudget = math.Max(perContract, sc.ContractCostBasis*models.ContractMultiplier)
	}
	if maxByBudget := int(math.Floor(available / perBudget)); contracts > maxByBudget {
		contracts = maxByBudget
	}
	if contracts < 1 {
		return 0, fmt.Errorf("budget headroom $%.2f below one contract for %s", available, strategyName)
	}
	return contracts, nil
}

// selectOption finds a tradable contract near the target strike: up to the
// first three expirations in the DTE window, up to the twenty nearest
// strikes each, first qualified contract wins.
func (e *Engine) selectOption(symbol string, direction models.Direction, spot float64) (*models.OptionContract, error) {
	right := direction.Right()
	if !right.Valid() {
		return nil, fmt.Errorf("direction %s has no single-leg right", direction)
	}

	target := spot * e.cfg.OptionSelection.CallStrikePct
	if right == models.RightPut {
		target = spot * e.cfg.OptionSelection.PutStrikePct
	}

	expirations, err := e.broker.GetOptionExpirations(symbol,
		e.cfg.OptionSelection.MinDTE, e.cfg.OptionSelection.MaxDTE)
	if err != nil {
		return nil, fmt.Errorf("fetching expirations: %w", err)
	}
	if len(expirations) == 0 {
		return nil, fmt.Errorf("no expirations between %d and %d DTE",
			e.cfg.OptionSelection.MinDTE, e.cfg.OptionSelection.MaxDTE)
	}
	if len(expirations) > 3 {
		expirations = expirations[:3]
	}

	for _, expiration := range expirations {
		strikes, err := e.broker.GetStrikes(symbol, expiration)
		if err != nil {
			e.logger.Printf("Strikes for %s %s failed: %v", symbol, expiration, err)
			continue
		}
		sort.Slice(strikes, func(i, j int) bool {
			return math.Abs(strikes[i]-target) < math.Abs(strikes[j]-target)
		})
		if len(strikes) > 20 {
			strikes = strikes[:20]
		}
		for _, strike := range strikes {
			contract, err := e.broker.QualifyOption(symbol, expiration, strike, right, true)
			if err != nil || contract == nil || contract.LocalSymbol == "" {
				continue
			}
			return contract, nil
		}
	}
	return nil, fmt.Errorf("no qualifiable %s contract near %.2f for %s", right, target, symbol)
}

// placeBracket writes the durable pending row, places the bracket and
// records the order ids. Placement failure closes the row with
// order_failed; the budget uncommit rides the same transaction.
func (e *Engine) placeBracket(contract *models.OptionContract, direction models.Direction,
	strategyName string, entry float64, qty int, now time.Time) error {

	stop := util.RoundToTick(entry*(1-e.cfg.Risk.StopLossPct), util.OptionTick)
	target := util.RoundToTick(entry*(1+e.cfg.Risk.ProfitTargetPct), util.OptionTick)

	orderRef, err := e.store.NextOrderRef()
	if err != nil {
		return fmt.Errorf("generating order ref: %w", err)
	}

	po := &models.PendingOrder{
		Contract:     *contract,
		EntryPrice:   entry,
		Quantity:     qty,
		Direction:    direction,
		StopLoss:     stop,
		ProfitTarget: target,
		OrderTime:    now,
		Strategy:     strategyName,
		OrderRef:     orderRef,
	}
	id, err := e.store.InsertPendingPosition(po)
	if err != nil {
		return fmt.Errorf("inserting pending row: %w", err)
	}
	if err := e.commitIfBudgeted(strategyName, po.IntendedCost()); err != nil {
		return err
	}

	handles, err := e.broker.PlaceBracketOrder(*contract, qty, entry, stop, target, broker.TIFGTC, orderRef)
	if err != nil {
		e.logger.Printf("Bracket placement failed for %s: %v", contract.LocalSymbol, err)
		if cerr := e.store.ClosePosition(id, 0, now, models.ExitOrderFailed, ""); cerr != nil {
			e.logger.Printf("Closing failed pending row %d: %v", id, cerr)
		}
		return nil
	}

	po.EntryOrderID = handles.Entry
	po.StopOrderID = handles.Stop
	po.TargetOrderID = handles.Target
	if err := e.store.UpdateOrderIDs(id, handles.Entry, handles.Stop, handles.Target); err != nil {
		e.logger.Printf("Recording order ids for row %d: %v", id, err)
	}

	e.mu.Lock()
	e.pendings = append(e.pendings, po)
	e.mu.Unlock()

	e.logger.Printf("Placed %s bracket: %s x%d entry %.2f stop %.2f target %.2f ref %s",
		direction, contract.LocalSymbol, qty, entry, stop, target, orderRef)
	return nil
}

// commitIfBudgeted reserves budget headroom when the strategy has a budget
// row; unbudgeted strategies trade uncapped.
func (e *Engine) commitIfBudgeted(strategyName string, amount float64) error {
	err := e.store.CommitBudget(strategyName, amount)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("committing budget for %s: %w", strategyName, err)
	}
	return nil
}

// adjustIfBudgeted applies a committed-figure delta for budgeted strategies.
func (e *Engine) adjustIfBudgeted(strategyName string, delta float64) {
	if delta == 0 {
		return
	}
	err := e.store.AdjustCommitted(strategyName, delta)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Printf("Adjusting committed for %s by %.2f failed: %v", strategyName, delta, err)
	}
}

// handleExitHint closes the open position a no_trade signal points at.
func (e *Engine) handleExitHint(sig *models.Signal, now time.Time) error {
	hint := sig.Meta(models.MetaExitReason)
	if hint == "" {
		return nil
	}
	symbol := sig.Meta(models.MetaSymbol)
	strategyName := sig.Strategy()

	var target *models.Position
	e.mu.Lock()
	for _, p := range e.positions {
		if p.Strategy == strategyName && p.Contract.Symbol == symbol {
			target = p
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return nil
	}

	reason := mapExitHint(hint)
	price := e.optionPrice(target.Contract.LocalSymbol)
	if price <= 0 {
		price = target.EntryPrice
	}
	e.logger.Printf("Exit hint %q from %s closes %s", hint, strategyName, target.Contract.LocalSymbol)
	return e.closePosition(target, price, reason, now)
}

// mapExitHint folds strategy hints into the closed exit-reason set.
func mapExitHint(hint string) models.ExitReason {
	switch hint {
	case strategy.ExitHintImbalanceFlip:
		return models.ExitStopLoss
	default:
		return models.ExitMaxHold
	}
}

// optionPrice returns the best available option price, or 0.
func (e *Engine) optionPrice(localSymbol string) float64 {
	quote, err := e.broker.GetQuote(localSymbol)
	if err != nil {
		return 0
	}
	return quote.LivePrice()
}

// closePosition cancels the bracket children, sells the contract and
// settles the durable row. reason manual_close and
// reconciliation_not_found skip the broker sell: the contract is already
// gone.
func (e *Engine) closePosition(pos *models.Position, exitPrice float64, reason models.ExitReason, now time.Time) error {
	ctx := context.Background()
	for _, orderID := range []string{pos.StopOrderID, pos.TargetOrderID} {
		if orderID == "" {
			continue
		}
		if err := e.retrier.CancelOrderWithRetry(ctx, orderID); err != nil {
			e.logger.Printf("Cancelling bracket child %s: %v", orderID, err)
		}
	}

	exitOrderID := ""
	if !reason.Administrative() {
		limit := util.RoundToTick(exitPrice, util.OptionTick)
		orderID, err := e.broker.PlaceCloseOrder(pos.Contract, pos.Quantity, limit)
		if err != nil {
			e.logger.Printf("Close order for %s failed: %v", pos.Contract.LocalSymbol, err)
		} else {
			exitOrderID = orderID
		}
	} else {
		exitPrice = 0
	}

	if err := e.store.ClosePosition(pos.StoreID, exitPrice, now, reason, exitOrderID); err != nil {
		return fmt.Errorf("closing position %d: %w", pos.StoreID, err)
	}
	e.removePosition(pos.StoreID)

	pnl := (exitPrice - pos.EntryPrice) * float64(pos.Quantity) * models.ContractMultiplier
	e.logger.Printf("Closed %s x%d at %.2f (%s, pnl %.2f)",
		pos.Contract.LocalSymbol, pos.Quantity, exitPrice, reason, pnl)

	trade := &models.TradeHistoryEntry{
		Contract:   pos.Contract,
		Direction:  pos.Direction,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		EntryTime:  pos.EntryTime,
		ExitPrice:  exitPrice,
		ExitTime:   now,
		ExitReason: reason,
		PnL:        pnl,
		Strategy:   pos.Strategy,
		OrderRef:   pos.OrderRef,
	}
	e.registry.NotifyClosed(trade)
	if e.notifier != nil {
		e.notifier.TradeClosed(trade)
	}
	return nil
}

func (e *Engine) removePosition(storeID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.positions {
		if p.StoreID == storeID {
			e.positions = append(e.positions[:i], e.positions[i+1:]...)
			return
		}
	}
}

func (e *Engine) removePending(storeID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pendings {
		if p.StoreID == storeID {
			e.pendings = append(e.pendings[:i], e.pendings[i+1:]...)
			return
		}
	}
}
