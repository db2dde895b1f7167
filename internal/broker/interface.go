// Package broker defines the gateway contract the trading core depends on,
// plus resilience wrappers around it. Concrete gateway adapters (the
// reference deployment speaks the Interactive Brokers socket protocol) live
// behind this interface; the core never sees wire formats.
package broker

import (
	"time"

	"github.com/quantfold/depthtrader/internal/models"
)

// Quote is a top-of-book snapshot for a symbol.
type Quote struct {
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
	Last  float64 `json:"last"`
	Close float64 `json:"close"`
}

// LivePrice returns the best usable price: last trade if present, else the
// bid/ask midpoint, else the prior close. Zero means no price available.
func (q Quote) LivePrice() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Close
}

// Mid returns the bid/ask midpoint, or zero when either side is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// DepthLevel is one price level of a depth-of-market book.
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// DepthSnapshot holds both sides of the book, best level at index 0.
// Either side may be empty when the feed is thin or unsubscribed.
type DepthSnapshot struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// Imbalance computes (sum bids - sum asks) / (sum bids + sum asks) over the
// snapshot sizes, in [-1, 1]. Returns 0 for an empty book.
func (d *DepthSnapshot) Imbalance() float64 {
	var bids, asks float64
	for _, l := range d.Bids {
		bids += l.Size
	}
	for _, l := range d.Asks {
		asks += l.Size
	}
	total := bids + asks
	if total == 0 {
		return 0
	}
	return (bids - asks) / total
}

// BarRequest describes a historical bar query. Adapters are expected to
// attempt sensible fallbacks (RTH off, alternate price type, alternate
// exchange) before returning an empty series.
type BarRequest struct {
	BarSize      string // e.g. "1 day", "5 mins"
	Duration     string // e.g. "1 Y", "30 D"
	SecurityType string // e.g. "STK", "IND"
	WhatToShow   string // e.g. "TRADES", "MIDPOINT"
	RTH          bool
}

// PortfolioItem is one row of the broker's authoritative portfolio.
type PortfolioItem struct {
	ConID    int64   `json:"con_id"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"` // signed
	AvgCost  float64 `json:"avg_cost"`
}

// BracketHandles are the three order ids of a placed bracket. Stop and
// target form a one-cancels-all pair attached to the entry.
type BracketHandles struct {
	Entry  string `json:"entry"`
	Stop   string `json:"stop"`
	Target string `json:"target"`
}

// OrderStatus is the closed set of broker order states.
type OrderStatus string

const (
	// StatusPendingSubmit means the order has not reached the exchange yet.
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	// StatusPreSubmitted means the order is held at the gateway.
	StatusPreSubmitted OrderStatus = "PreSubmitted"
	// StatusSubmitted means the order is working at the exchange.
	StatusSubmitted OrderStatus = "Submitted"
	// StatusFilled means the order is completely filled.
	StatusFilled OrderStatus = "Filled"
	// StatusCancelled means the order was cancelled.
	StatusCancelled OrderStatus = "Cancelled"
	// StatusInactive means the exchange deactivated the order.
	StatusInactive OrderStatus = "Inactive"
	// StatusAPICancelled means the order was cancelled through the API.
	StatusAPICancelled OrderStatus = "ApiCancelled"
	// StatusRejected means the broker refused the order.
	StatusRejected OrderStatus = "Rejected"
)

// Terminal reports whether the status is final from the broker's side.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusInactive, StatusAPICancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// TerminalNotFilled reports a terminal state that is not a complete fill.
func (s OrderStatus) TerminalNotFilled() bool {
	return s.Terminal() && s != StatusFilled
}

// OrderState is a point-in-time order status snapshot.
type OrderState struct {
	Status       OrderStatus `json:"status"`
	Filled       float64     `json:"filled"`
	Remaining    float64     `json:"remaining"`
	AvgFillPrice float64     `json:"avg_fill_price"`
}

// TimeInForce values for order placement.
const (
	TIFDay = "DAY"
	TIFGTC = "GTC"
)

// Broker is the gateway contract the core requires. Methods are synchronous
// and safe for concurrent use; every call may block briefly on gateway I/O.
// Failure modes are soft where noted: market-data methods return errors the
// caller treats as a transient feed problem, never as a position event.
type Broker interface {
	// Market data
	GetQuote(symbol string) (*Quote, error)
	GetDepth(symbol string, levels int) (*DepthSnapshot, error)
	GetHistoricalBars(symbol string, req BarRequest) ([]models.Bar, error)

	// Option chain
	// GetOptionExpirations returns expirations between minDays and maxDays
	// out, nearest first, for the chain with the richest coverage.
	GetOptionExpirations(symbol string, minDays, maxDays int) ([]string, error)
	GetStrikes(symbol, expiration string) ([]float64, error)
	// QualifyOption verifies a contract exists. quiet suppresses per-probe
	// error noise; callers probe many strikes per expiry.
	QualifyOption(symbol, expiration string, strike float64, right models.Right, quiet bool) (*models.OptionContract, error)

	// Orders
	PlaceBracketOrder(contract models.OptionContract, qty int, entry, stop, target float64, tif, ref string) (*BracketHandles, error)
	// PlaceCloseOrder sells an existing long contract at a limit and
	// returns the order id.
	PlaceCloseOrder(contract models.OptionContract, qty int, limit float64) (string, error)
	GetOrderStatus(orderID string) (*OrderState, error)
	CancelOrder(orderID string) error

	// Account
	GetPortfolio() ([]PortfolioItem, error)
	GetAccountValue(tag string) (float64, error)
	GetIndustry(symbol string) (string, error)

	// IsConnected is the authoritative socket-level check. Any logic that
	// interprets an empty portfolio must gate on it.
	IsConnected() bool
}

// AccountValueNetLiquidation is the account tag used for position sizing.
const AccountValueNetLiquidation = "NetLiquidation"

// DaysUntil returns calendar days from now until an expiration date in
// YYYY-MM-DD form, or -1 when the date does not parse.
func DaysUntil(expiration string, now time.Time) int {
	exp, err := time.ParseInLocation("2006-01-02", expiration, time.UTC)
	if err != nil {
		return -1
	}
	d := int(exp.Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if d < 0 {
		return -1
	}
	return d
}
