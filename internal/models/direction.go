// Package models defines the core domain types shared across the trading
// pipeline: signals, contracts, pending orders, positions and budgets.
package models

// Direction is the closed set of trade directions a strategy may emit.
type Direction string

const (
	// DirectionLongCall buys a call option.
	DirectionLongCall Direction = "long_call"
	// DirectionLongPut buys a put option.
	DirectionLongPut Direction = "long_put"
	// DirectionBullPutSpread is a bullish credit spread signal.
	DirectionBullPutSpread Direction = "bull_put_spread"
	// DirectionBearPutSpread is a bearish debit spread signal.
	DirectionBearPutSpread Direction = "bear_put_spread"
	// DirectionLongPutStraight is an outright put purchase in stressed tape.
	DirectionLongPutStraight Direction = "long_put_straight"
	// DirectionIronCondor is a range-bound four-leg signal.
	DirectionIronCondor Direction = "iron_condor"
	// DirectionNoTrade means the strategy has nothing to do, or carries an
	// exit hint for an existing position in its metadata.
	DirectionNoTrade Direction = "no_trade"
)

// Valid returns true if the Direction is one of the defined constants.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLongCall, DirectionLongPut, DirectionBullPutSpread,
		DirectionBearPutSpread, DirectionLongPutStraight, DirectionIronCondor,
		DirectionNoTrade:
		return true
	default:
		return false
	}
}

// Bullish reports whether the direction profits from a rising underlying.
func (d Direction) Bullish() bool {
	return d == DirectionLongCall || d == DirectionBullPutSpread
}

// Bearish reports whether the direction profits from a falling underlying.
func (d Direction) Bearish() bool {
	return d == DirectionLongPut || d == DirectionBearPutSpread || d == DirectionLongPutStraight
}

// Right returns the option right used to express the direction as a single
// leg. Iron condors have no single-leg proxy and return an empty right.
func (d Direction) Right() Right {
	switch d {
	case DirectionLongCall, DirectionBullPutSpread:
		return RightCall
	case DirectionLongPut, DirectionBearPutSpread, DirectionLongPutStraight:
		return RightPut
	default:
		return ""
	}
}

// Pattern is the closed set of pattern labels signals carry.
type Pattern string

const (
	// PatternRejectionAtSupport fires when price bounces off a bid zone.
	PatternRejectionAtSupport Pattern = "rejection_at_support"
	// PatternRejectionAtResistance fires when price rejects an ask zone.
	PatternRejectionAtResistance Pattern = "rejection_at_resistance"
	// PatternTestingSupport is the weaker, untraded support variant.
	PatternTestingSupport Pattern = "testing_support"
	// PatternTestingResistance is the weaker, untraded resistance variant.
	PatternTestingResistance Pattern = "testing_resistance"
	// PatternBreakoutUp fires on strong positive book imbalance near resistance.
	PatternBreakoutUp Pattern = "potential_breakout_up"
	// PatternBreakoutDown fires on strong negative book imbalance near support.
	PatternBreakoutDown Pattern = "potential_breakout_down"
	// PatternORBBreakoutUp is an opening-range breakout to the upside.
	PatternORBBreakoutUp Pattern = "orb_breakout_up"
	// PatternORBBreakoutDown is an opening-range breakout to the downside.
	PatternORBBreakoutDown Pattern = "orb_breakout_down"
	// PatternScalpLong is an order-book imbalance scalp entry, long side.
	PatternScalpLong Pattern = "imbalance_scalp_long"
	// PatternScalpShort is an order-book imbalance scalp entry, short side.
	PatternScalpShort Pattern = "imbalance_scalp_short"
)

// ExitReason is the closed set of reasons recorded when a position or a
// pending order leaves the books.
type ExitReason string

const (
	// ExitProfitTarget means the profit target level was reached.
	ExitProfitTarget ExitReason = "profit_target"
	// ExitStopLoss means the protective stop level was breached.
	ExitStopLoss ExitReason = "stop_loss"
	// ExitTrailingStop means the ratcheted trail was breached.
	ExitTrailingStop ExitReason = "trailing_stop"
	// ExitMaxHold means the position aged past the holding limit.
	ExitMaxHold ExitReason = "max_hold"
	// ExitManualClose means the contract vanished from the broker portfolio.
	ExitManualClose ExitReason = "manual_close"
	// ExitReconciliationNotFound means startup reconciliation found a stored
	// position the broker no longer holds.
	ExitReconciliationNotFound ExitReason = "reconciliation_not_found"
	// ExitOrderCancelled means the entry order was cancelled with no fills.
	ExitOrderCancelled ExitReason = "order_cancelled"
	// ExitOrderTimeoutDrift means the entry timed out with price drifted away.
	ExitOrderTimeoutDrift ExitReason = "order_timeout_drift"
	// ExitOrderTimeoutNoPrice means the entry timed out and no price was available.
	ExitOrderTimeoutNoPrice ExitReason = "order_timeout_no_price"
	// ExitOrderFailed means the broker rejected the order at placement.
	ExitOrderFailed ExitReason = "order_failed"
	// ExitOrderNoFills means the order reached a terminal state untouched.
	ExitOrderNoFills ExitReason = "order_no_fills"
)

// Administrative reports whether the reason is excluded from strategy
// performance figures. Manual intervention and reconciliation artifacts say
// nothing about how the strategy trades.
func (r ExitReason) Administrative() bool {
	return r == ExitManualClose || r == ExitReconciliationNotFound
}

// Valid returns true if the ExitReason is one of the defined constants.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitProfitTarget, ExitStopLoss, ExitTrailingStop, ExitMaxHold,
		ExitManualClose, ExitReconciliationNotFound, ExitOrderCancelled,
		ExitOrderTimeoutDrift, ExitOrderTimeoutNoPrice, ExitOrderFailed,
		ExitOrderNoFills:
		return true
	default:
		return false
	}
}
