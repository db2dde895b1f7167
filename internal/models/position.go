package models

import (
	"math"
	"time"
)

// ContractMultiplier is the standard equity-option share multiplier.
const ContractMultiplier = 100.0

// PositionStatus is the durable status of a positions-table row.
type PositionStatus string

const (
	// StatusPendingFill marks a row whose entry order has not filled yet.
	StatusPendingFill PositionStatus = "pending_fill"
	// StatusOpen marks a filled, live position.
	StatusOpen PositionStatus = "open"
)

// PendingOrder tracks a bracket entry between placement and fill. The
// durable row (StoreID) is written before the broker sees the order.
type PendingOrder struct {
	Contract      OptionContract `json:"contract"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      int            `json:"quantity"`
	Direction     Direction      `json:"direction"`
	StopLoss      float64        `json:"stop_loss"`
	ProfitTarget  float64        `json:"profit_target"`
	OrderTime     time.Time      `json:"order_time"`
	EntryOrderID  string         `json:"entry_order_id"`
	StopOrderID   string         `json:"stop_order_id"`
	TargetOrderID string         `json:"target_order_id"`
	Strategy      string         `json:"strategy"`
	OrderRef      string         `json:"order_ref"`
	StoreID       int64          `json:"store_id"`
}

// Age returns how long the entry order has been working.
func (p *PendingOrder) Age(now time.Time) time.Duration {
	return now.Sub(p.OrderTime)
}

// IntendedCost is the dollars reserved at placement: limit x qty x 100.
func (p *PendingOrder) IntendedCost() float64 {
	return p.EntryPrice * float64(p.Quantity) * ContractMultiplier
}

// Position is a filled, live option position. EntryPrice is the average
// fill, PeakPrice the running extremum in the trade's favorable direction.
type Position struct {
	Contract      OptionContract `json:"contract"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      int            `json:"quantity"`
	Direction     Direction      `json:"direction"`
	StopLoss      float64        `json:"stop_loss"`
	ProfitTarget  float64        `json:"profit_target"`
	EntryTime     time.Time      `json:"entry_time"`
	PeakPrice     float64        `json:"peak_price"`
	StopOrderID   string         `json:"stop_order_id,omitempty"`
	TargetOrderID string         `json:"target_order_id,omitempty"`
	Strategy      string         `json:"strategy"`
	OrderRef      string         `json:"order_ref"`
	StoreID       int64          `json:"store_id"`
}

// EntryCost is the dollars committed by the fill: entry x qty x 100.
func (p *Position) EntryCost() float64 {
	return p.EntryPrice * float64(p.Quantity) * ContractMultiplier
}

// favorable reports whether the position's favorable premium direction is up.
// Long calls profit on rising premium; long puts are modeled on the mirrored
// directional distance, so their favorable direction is down.
func (p *Position) favorableUp() bool {
	return p.Direction.Right() != RightPut
}

// UpdatePeak folds the current price into PeakPrice and reports whether it
// changed. The peak is monotone: non-decreasing for calls, non-increasing
// for puts. Non-positive prices never move the peak.
func (p *Position) UpdatePeak(cur float64) bool {
	if cur <= 0 {
		return false
	}
	if p.PeakPrice == 0 {
		p.PeakPrice = p.EntryPrice
	}
	if p.favorableUp() {
		if cur > p.PeakPrice {
			p.PeakPrice = cur
			return true
		}
		return false
	}
	if cur < p.PeakPrice {
		p.PeakPrice = cur
		return true
	}
	return false
}

// PeakProfitPct is the best favorable move seen so far, as a fraction of
// the entry price.
func (p *Position) PeakProfitPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.favorableUp() {
		return (p.PeakPrice - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - p.PeakPrice) / p.EntryPrice
}

// ProfitLevel is the price at which the profit target fires. The stored
// target sits above entry for both rights (premium arithmetic); puts
// evaluate the mirrored distance below entry.
func (p *Position) ProfitLevel() float64 {
	if p.favorableUp() {
		return p.ProfitTarget
	}
	return p.EntryPrice - (p.ProfitTarget - p.EntryPrice)
}

// StopLevel is the price at which the protective stop fires, mirrored for
// puts the same way as ProfitLevel.
func (p *Position) StopLevel() float64 {
	if p.favorableUp() {
		return p.StopLoss
	}
	return p.EntryPrice + (p.EntryPrice - p.StopLoss)
}

// TrailLevel computes the trailing stop anchored at the peak. The trail may
// only tighten: callers take max(StopLevel, trail) for calls and
// min(StopLevel, trail) for puts.
func (p *Position) TrailLevel(distancePct float64) float64 {
	if p.favorableUp() {
		return p.PeakPrice * (1 - distancePct)
	}
	return p.PeakPrice * (1 + distancePct)
}

// HitProfitTarget reports whether cur has reached the profit level.
func (p *Position) HitProfitTarget(cur float64) bool {
	if p.favorableUp() {
		return cur >= p.ProfitLevel()
	}
	return cur <= p.ProfitLevel()
}

// HitStop reports whether cur has breached the given stop level.
func (p *Position) HitStop(cur, level float64) bool {
	if p.favorableUp() {
		return cur <= level
	}
	return cur >= level
}

// HoldingPeriod returns the time the position has been open.
func (p *Position) HoldingPeriod(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// TradeHistoryEntry is the immutable record written when a position (or a
// never-filled pending row) leaves the books.
type TradeHistoryEntry struct {
	ID           int64          `json:"id"`
	Contract     OptionContract `json:"contract"`
	Direction    Direction      `json:"direction"`
	Quantity     int            `json:"quantity"`
	EntryPrice   float64        `json:"entry_price"`
	EntryTime    time.Time      `json:"entry_time"`
	ExitPrice    float64        `json:"exit_price"`
	ExitTime     time.Time      `json:"exit_time"`
	ExitReason   ExitReason     `json:"exit_reason"`
	ExitOrderID  string         `json:"exit_order_id,omitempty"`
	PnL          float64        `json:"pnl"`
	PnLPct       float64        `json:"pnl_pct"`
	Strategy     string         `json:"strategy"`
	OrderRef     string         `json:"order_ref"`
	StopLoss     float64        `json:"stop_loss"`
	ProfitTarget float64        `json:"profit_target"`
}

// StrategyBudget tracks capital headroom per strategy instance. All four
// derived quantities are non-negative at all times.
type StrategyBudget struct {
	Strategy  string  `json:"strategy"`
	Budget    float64 `json:"budget"`
	Drawdown  float64 `json:"drawdown"`
	Committed float64 `json:"committed"`
}

// Available is the headroom left for new trades:
// max(0, budget - drawdown - committed).
func (b *StrategyBudget) Available() float64 {
	return math.Max(0, b.Budget-b.Drawdown-b.Committed)
}
