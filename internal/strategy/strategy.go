// Package strategy hosts the pluggable signal generators and the registry
// that owns their lifecycle. Strategies never place orders or touch budgets;
// their only output is a Signal.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/models"
)

// AnalysisContext is the read-only view of one symbol's market state handed
// to every strategy on each scan tick.
type AnalysisContext struct {
	Symbol      string
	Quote       broker.Quote
	Depth       *broker.DepthSnapshot
	Price       float64
	Regime      market.Regime
	SectorSlope float64
	SectorKnown bool
	VIXSlope    float64
	Now         time.Time
}

// Strategy is the contract every signal generator implements. Analyze may
// return nil when there is nothing to say; it must never block on I/O.
type Strategy interface {
	Name() string
	Type() string
	Version() string
	Description() string
	Analyze(ctx *AnalysisContext) *models.Signal
	OnPositionOpened(pos *models.Position)
	OnPositionClosed(trade *models.TradeHistoryEntry)
	ValidateConfig() error
}

// paramFloat reads a float parameter with a default, accepting the numeric
// types YAML decoding produces.
func paramFloat(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// paramInt reads an integer parameter with a default.
func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// noopLifecycle provides empty lifecycle callbacks for strategies that do
// not track open positions.
type noopLifecycle struct{}

func (noopLifecycle) OnPositionOpened(*models.Position)          {}
func (noopLifecycle) OnPositionClosed(*models.TradeHistoryEntry) {}

// requirePositive validates a named parameter at configure time.
func requirePositive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be > 0, got %v", name, v)
	}
	return nil
}
