package strategy

import (
	"fmt"
	"math"

	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/models"
)

// spreadKind selects which regime-conditioned wrapper a SpreadStrategy is.
type spreadKind string

const (
	kindBullPutSpread  spreadKind = "bull_put_spread"
	kindBearPutSpread  spreadKind = "bear_put_spread"
	kindPutStraight    spreadKind = "long_put_straight"
	kindIronCondor     spreadKind = "iron_condor"
	straightMinConf               = 0.75
	condorMidTolerance            = 0.25 // fraction of the zone-pair span
)

// SpreadStrategy wraps the swing logic and converts its directional reads
// into regime-conditioned spread signals. Each kind fires only in the
// regime it is built for; the required legs travel in signal metadata.
type SpreadStrategy struct {
	noopLifecycle
	name string
	kind spreadKind
	base *SwingStrategy
}

func newSpreadStrategy(kind spreadKind) func(string, config.StrategyConfig, config.LiquidityConfig) (Strategy, error) {
	return func(name string, cfg config.StrategyConfig, liq config.LiquidityConfig) (Strategy, error) {
		base, err := NewSwingStrategy(name+"_base", cfg, liq)
		if err != nil {
			return nil, err
		}
		return &SpreadStrategy{
			name: name,
			kind: kind,
			base: base.(*SwingStrategy),
		}, nil
	}
}

// Name returns the instance name.
func (s *SpreadStrategy) Name() string { return s.name }

// Type returns the implementation kind.
func (s *SpreadStrategy) Type() string { return string(s.kind) }

// Version returns the strategy version.
func (s *SpreadStrategy) Version() string { return "1.0.0" }

// Description returns a one-line summary for status output.
func (s *SpreadStrategy) Description() string {
	return fmt.Sprintf("regime-conditioned %s on swing zones", s.kind)
}

// ValidateConfig delegates to the wrapped swing configuration.
func (s *SpreadStrategy) ValidateConfig() error {
	return s.base.ValidateConfig()
}

// Analyze runs the swing base and rewrites qualifying signals into the
// spread's direction.
func (s *SpreadStrategy) Analyze(ctx *AnalysisContext) *models.Signal {
	baseSig := s.base.Analyze(ctx)

	switch s.kind {
	case kindBullPutSpread:
		if ctx.Regime != market.RegimeBullTrend || baseSig == nil || !baseSig.Direction.Bullish() {
			return nil
		}
		out := *baseSig
		out.Direction = models.DirectionBullPutSpread
		out.SetMeta(models.MetaLegs, "sell_put:-0.02,buy_put:-0.05")
		return &out

	case kindBearPutSpread:
		if ctx.Regime != market.RegimeBearTrend || baseSig == nil || !baseSig.Direction.Bearish() {
			return nil
		}
		out := *baseSig
		out.Direction = models.DirectionBearPutSpread
		out.SetMeta(models.MetaLegs, "buy_put:-0.02,sell_put:-0.05")
		return &out

	case kindPutStraight:
		if ctx.Regime != market.RegimeBearTrend && ctx.Regime != market.RegimeHighChaos {
			return nil
		}
		if baseSig == nil || !baseSig.Direction.Bearish() || baseSig.Confidence <= straightMinConf {
			return nil
		}
		out := *baseSig
		out.Direction = models.DirectionLongPutStraight
		out.SetMeta(models.MetaLegs, "buy_put:-0.02")
		return &out

	case kindIronCondor:
		if ctx.Regime != market.RegimeRangeBound {
			return nil
		}
		return s.condorSignal(ctx)
	}
	return nil
}

// condorSignal fires when price sits near the midpoint of the nearest
// support/resistance pair.
func (s *SpreadStrategy) condorSignal(ctx *AnalysisContext) *models.Signal {
	if ctx.Depth == nil || ctx.Price <= 0 {
		return nil
	}
	supports := extractZones(ctx.Depth.Bids, s.base.liquidityThreshold)
	resistances := extractZones(ctx.Depth.Asks, s.base.liquidityThreshold)
	support, okS := nearestZone(supports, ctx.Price, s.base.zoneProximity)
	resistance, okR := nearestZone(resistances, ctx.Price, s.base.zoneProximity)
	if !okS || !okR || resistance.price <= support.price {
		return nil
	}

	span := resistance.price - support.price
	mid := support.price + span/2
	if math.Abs(ctx.Price-mid) > span*condorMidTolerance {
		return nil
	}

	sig := &models.Signal{
		Direction:  models.DirectionIronCondor,
		Confidence: clamp01((support.strength + resistance.strength) / 2),
		PriceLevel: mid,
	}
	sig.SetMeta(models.MetaLegs, "sell_put:-0.02,buy_put:-0.05,sell_call:0.02,buy_call:0.05")
	return sig
}
