package strategy

import (
	"fmt"
	"math"
	"sync"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
)

// zone is one liquidity concentration on the book.
type zone struct {
	price    float64
	strength float64 // size / max size on its side
}

// SwingStrategy trades support/resistance levels read off the L2 book. A
// zone is any price level whose resting size clears the liquidity
// threshold; crossing back through a zone is a rejection, pressing into one
// with aligned imbalance is a potential breakout.
type SwingStrategy struct {
	noopLifecycle
	name string

	liquidityThreshold float64
	zoneProximity      float64
	imbalanceThreshold float64

	mu        sync.Mutex
	prevPrice map[string]float64
}

// NewSwingStrategy builds a swing instance. Liquidity parameters come from
// the shared liquidity section, overridable per instance through params.
func NewSwingStrategy(name string, cfg config.StrategyConfig, liq config.LiquidityConfig) (Strategy, error) {
	s := &SwingStrategy{
		name:               name,
		liquidityThreshold: paramFloat(cfg.Params, "liquidity_threshold", liq.LiquidityThreshold),
		zoneProximity:      paramFloat(cfg.Params, "zone_proximity", liq.ZoneProximity),
		imbalanceThreshold: paramFloat(cfg.Params, "imbalance_threshold", liq.ImbalanceThreshold),
		prevPrice:          make(map[string]float64),
	}
	if err := s.ValidateConfig(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the instance name.
func (s *SwingStrategy) Name() string { return s.name }

// Type returns the implementation kind.
func (s *SwingStrategy) Type() string { return "swing" }

// Version returns the strategy version.
func (s *SwingStrategy) Version() string { return "1.2.0" }

// Description returns a one-line summary for status output.
func (s *SwingStrategy) Description() string {
	return "support/resistance swings from L2 liquidity zones"
}

// ValidateConfig checks the liquidity parameters.
func (s *SwingStrategy) ValidateConfig() error {
	if err := requirePositive("liquidity_threshold", s.liquidityThreshold); err != nil {
		return err
	}
	if err := requirePositive("zone_proximity", s.zoneProximity); err != nil {
		return err
	}
	if s.imbalanceThreshold <= 0 || s.imbalanceThreshold > 1 {
		return fmt.Errorf("imbalance_threshold must be in (0,1], got %v", s.imbalanceThreshold)
	}
	return nil
}

// Analyze inspects the book for a zone pattern near the current price.
func (s *SwingStrategy) Analyze(ctx *AnalysisContext) *models.Signal {
	if ctx.Depth == nil || ctx.Price <= 0 {
		return nil
	}

	s.mu.Lock()
	prev, hasPrev := s.prevPrice[ctx.Symbol]
	s.prevPrice[ctx.Symbol] = ctx.Price
	s.mu.Unlock()

	supports := extractZones(ctx.Depth.Bids, s.liquidityThreshold)
	resistances := extractZones(ctx.Depth.Asks, s.liquidityThreshold)

	support, hasSupport := nearestZone(supports, ctx.Price, s.zoneProximity)
	resistance, hasResistance := nearestZone(resistances, ctx.Price, s.zoneProximity)
	imbalance := ctx.Depth.Imbalance()

	// Checked in order: rejections first, then imbalance-qualified
	// breakouts, then the weaker testing fallbacks.
	if hasSupport && hasPrev && prev <= support.price && ctx.Price > support.price {
		return s.signal(models.DirectionLongCall, models.PatternRejectionAtSupport,
			s.adjusted(support.strength, imbalance, true), support.price)
	}
	if hasResistance && hasPrev && prev >= resistance.price && ctx.Price < resistance.price {
		return s.signal(models.DirectionLongPut, models.PatternRejectionAtResistance,
			s.adjusted(resistance.strength, imbalance, false), resistance.price)
	}
	if hasResistance && imbalance > s.imbalanceThreshold {
		return s.signal(models.DirectionLongCall, models.PatternBreakoutUp,
			math.Abs(imbalance), resistance.price)
	}
	if hasSupport && imbalance < -s.imbalanceThreshold {
		return s.signal(models.DirectionLongPut, models.PatternBreakoutDown,
			math.Abs(imbalance), support.price)
	}
	if hasSupport {
		return s.signal(models.DirectionLongCall, models.PatternTestingSupport,
			s.adjusted(support.strength*0.7, imbalance, true), support.price)
	}
	if hasResistance {
		return s.signal(models.DirectionLongPut, models.PatternTestingResistance,
			s.adjusted(resistance.strength*0.7, imbalance, false), resistance.price)
	}
	return nil
}

// adjusted applies the imbalance alignment bonus, up to +/-0.3.
func (s *SwingStrategy) adjusted(strength, imbalance float64, bullish bool) float64 {
	if bullish {
		return clamp01(strength + 0.3*imbalance)
	}
	return clamp01(strength - 0.3*imbalance)
}

func (s *SwingStrategy) signal(dir models.Direction, pattern models.Pattern, confidence, level float64) *models.Signal {
	return &models.Signal{
		Direction:  dir,
		Confidence: clamp01(confidence),
		Pattern:    pattern,
		PriceLevel: level,
	}
}

// extractZones returns the levels whose size clears the threshold, with
// strength normalized by the largest size on the side.
func extractZones(levels []broker.DepthLevel, threshold float64) []zone {
	var maxSize float64
	for _, l := range levels {
		maxSize = math.Max(maxSize, l.Size)
	}
	if maxSize == 0 {
		return nil
	}
	var out []zone
	for _, l := range levels {
		if l.Size >= threshold {
			out = append(out, zone{price: l.Price, strength: l.Size / maxSize})
		}
	}
	return out
}

// nearestZone picks the zone closest to price within the proximity
// fraction.
func nearestZone(zones []zone, price, proximity float64) (zone, bool) {
	var best zone
	bestDist := math.MaxFloat64
	for _, z := range zones {
		dist := math.Abs(z.price-price) / price
		if dist <= proximity && dist < bestDist {
			best = z
			bestDist = dist
		}
	}
	return best, bestDist != math.MaxFloat64
}
