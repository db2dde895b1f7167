package strategy

import (
	"testing"
	"time"

	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestORB(t *testing.T) *ORBStrategy {
	t.Helper()
	s, err := NewORBStrategy("orb_a", config.StrategyConfig{Type: "orb"}, config.LiquidityConfig{})
	require.NoError(t, err)
	return s.(*ORBStrategy)
}

// etTime builds an America/New_York timestamp on a fixed weekday.
func etTime(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2026, 8, 24, hour, minute, 0, 0, loc)
}

func orbCtx(t *testing.T, price, vixSlope float64, at time.Time) *AnalysisContext {
	t.Helper()
	return &AnalysisContext{Symbol: "SPY", Price: price, VIXSlope: vixSlope, Now: at}
}

func TestORBBreakoutUpNeedsFallingVIX(t *testing.T) {
	s := newTestORB(t)

	// Build the range during the opening window.
	assert.Nil(t, s.Analyze(orbCtx(t, 100, -0.1, etTime(t, 9, 35))))
	assert.Nil(t, s.Analyze(orbCtx(t, 101, -0.1, etTime(t, 9, 40))))
	assert.Nil(t, s.Analyze(orbCtx(t, 99.5, -0.1, etTime(t, 9, 44))))

	// Break above the range with VIX falling.
	sig := s.Analyze(orbCtx(t, 101.5, -0.01, etTime(t, 9, 50)))
	require.NotNil(t, sig)
	assert.Equal(t, models.DirectionLongCall, sig.Direction)
	assert.Equal(t, models.PatternORBBreakoutUp, sig.Pattern)
	assert.Equal(t, 101.0, sig.PriceLevel)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9) // 0.8 + 10*0.01

	// One signal per symbol per day.
	assert.Nil(t, s.Analyze(orbCtx(t, 102, -0.01, etTime(t, 9, 55))))
}

func TestORBBreakoutUpSuppressedByRisingVIX(t *testing.T) {
	s := newTestORB(t)
	s.Analyze(orbCtx(t, 100, 0, etTime(t, 9, 35)))
	s.Analyze(orbCtx(t, 101, 0, etTime(t, 9, 40)))

	assert.Nil(t, s.Analyze(orbCtx(t, 101.5, 0.02, etTime(t, 9, 50))))
}

func TestORBBreakoutDownNeedsRisingVIX(t *testing.T) {
	s := newTestORB(t)
	s.Analyze(orbCtx(t, 100, 0, etTime(t, 9, 35)))
	s.Analyze(orbCtx(t, 99, 0, etTime(t, 9, 40)))

	sig := s.Analyze(orbCtx(t, 98.5, 0.03, etTime(t, 9, 50)))
	require.NotNil(t, sig)
	assert.Equal(t, models.DirectionLongPut, sig.Direction)
	assert.Equal(t, models.PatternORBBreakoutDown, sig.Pattern)
	assert.InDelta(t, 0.95, sig.Confidence, 1e-9) // clamped at 0.95

	// Falling VIX suppresses downward breaks.
	s2 := newTestORB(t)
	s2.Analyze(orbCtx(t, 100, 0, etTime(t, 9, 35)))
	s2.Analyze(orbCtx(t, 99, 0, etTime(t, 9, 40)))
	assert.Nil(t, s2.Analyze(orbCtx(t, 98.5, -0.03, etTime(t, 9, 50))))
}

func TestORBLateStartDisablesForDay(t *testing.T) {
	s := newTestORB(t)
	// First tick lands in the trading window with no observed range.
	assert.Nil(t, s.Analyze(orbCtx(t, 101.5, -0.01, etTime(t, 9, 50))))
	// Even a clean break later stays suppressed.
	assert.Nil(t, s.Analyze(orbCtx(t, 105, -0.01, etTime(t, 10, 0))))
}

func TestORBWindowBoundaries(t *testing.T) {
	s := newTestORB(t)
	// Pre-open and post-window ticks produce nothing.
	assert.Nil(t, s.Analyze(orbCtx(t, 100, -0.01, etTime(t, 9, 0))))
	assert.Nil(t, s.Analyze(orbCtx(t, 100, -0.01, etTime(t, 11, 0))))
}

func TestORBResetsNextDay(t *testing.T) {
	s := newTestORB(t)
	// Burn today with a late start.
	assert.Nil(t, s.Analyze(orbCtx(t, 100, -0.01, etTime(t, 10, 0))))

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	nextDay := time.Date(2026, 8, 25, 9, 35, 0, 0, loc)
	assert.Nil(t, s.Analyze(orbCtx(t, 100, -0.01, nextDay))) // range building again
	nextDay = time.Date(2026, 8, 25, 9, 50, 0, 0, loc)
	sig := s.Analyze(orbCtx(t, 100.5, -0.01, nextDay))
	assert.NotNil(t, sig)
}
