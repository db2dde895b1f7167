package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
)

// orbDay is the per-symbol state machine for one trading day.
type orbDay struct {
	date     string
	high     float64
	low      float64
	samples  int
	signaled bool
	disabled bool
}

// ORBStrategy trades opening-range breakouts filtered by VIX momentum: an
// upward break is only taken while VIX is falling, a downward break only
// while it is rising. One signal per symbol per day; a late start with no
// observed opening range disables the symbol until the next day.
type ORBStrategy struct {
	noopLifecycle
	name string

	openingMinutes int
	tradingMinutes int

	mu   sync.Mutex
	days map[string]*orbDay
	loc  *time.Location
}

// NewORBStrategy builds an opening-range breakout instance.
func NewORBStrategy(name string, cfg config.StrategyConfig, _ config.LiquidityConfig) (Strategy, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone: %w", err)
	}
	s := &ORBStrategy{
		name:           name,
		openingMinutes: paramInt(cfg.Params, "opening_minutes", 15),
		tradingMinutes: paramInt(cfg.Params, "trading_minutes", 30),
		days:           make(map[string]*orbDay),
		loc:            loc,
	}
	if err := s.ValidateConfig(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the instance name.
func (s *ORBStrategy) Name() string { return s.name }

// Type returns the implementation kind.
func (s *ORBStrategy) Type() string { return "orb" }

// Version returns the strategy version.
func (s *ORBStrategy) Version() string { return "1.0.1" }

// Description returns a one-line summary for status output.
func (s *ORBStrategy) Description() string {
	return "opening-range breakouts gated on VIX momentum"
}

// ValidateConfig checks the window lengths.
func (s *ORBStrategy) ValidateConfig() error {
	if s.openingMinutes < 1 {
		return fmt.Errorf("opening_minutes must be >= 1, got %d", s.openingMinutes)
	}
	if s.tradingMinutes < 1 {
		return fmt.Errorf("trading_minutes must be >= 1, got %d", s.tradingMinutes)
	}
	return nil
}

// Analyze feeds the day's state machine with the current price.
func (s *ORBStrategy) Analyze(ctx *AnalysisContext) *models.Signal {
	if ctx.Price <= 0 {
		return nil
	}

	et := ctx.Now.In(s.loc)
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, s.loc)
	rangeEnd := open.Add(time.Duration(s.openingMinutes) * time.Minute)
	tradeEnd := rangeEnd.Add(time.Duration(s.tradingMinutes) * time.Minute)
	date := et.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ctx.Symbol
	day := s.days[key]
	if day == nil || day.date != date {
		day = &orbDay{date: date, low: math.MaxFloat64}
		s.days[key] = day
	}
	if day.disabled || day.signaled {
		return nil
	}

	switch {
	case et.Before(open):
		return nil
	case et.Before(rangeEnd):
		day.high = math.Max(day.high, ctx.Price)
		day.low = math.Min(day.low, ctx.Price)
		day.samples++
		return nil
	case et.Before(tradeEnd):
		if day.samples == 0 {
			// Started too late to see the opening range; sit out the day.
			day.disabled = true
			return nil
		}
		confidence := math.Max(0.1, math.Min(0.95, 0.8+10*math.Abs(ctx.VIXSlope)))
		if ctx.Price > day.high && ctx.VIXSlope < 0 {
			day.signaled = true
			return &models.Signal{
				Direction:  models.DirectionLongCall,
				Confidence: confidence,
				Pattern:    models.PatternORBBreakoutUp,
				PriceLevel: day.high,
			}
		}
		if ctx.Price < day.low && ctx.VIXSlope > 0 {
			day.signaled = true
			return &models.Signal{
				Direction:  models.DirectionLongPut,
				Confidence: confidence,
				Pattern:    models.PatternORBBreakoutDown,
				PriceLevel: day.low,
			}
		}
		return nil
	default:
		// Trading window over for the day.
		day.disabled = true
		return nil
	}
}
