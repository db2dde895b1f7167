package strategy

import (
	"testing"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLiquidity() config.LiquidityConfig {
	return config.LiquidityConfig{
		LiquidityThreshold: 500,
		ZoneProximity:      0.01,
		ImbalanceThreshold: 0.3,
		DepthLevels:        10,
	}
}

func newTestSwing(t *testing.T) *SwingStrategy {
	t.Helper()
	s, err := NewSwingStrategy("swing_a", config.StrategyConfig{Type: "swing"}, testLiquidity())
	require.NoError(t, err)
	return s.(*SwingStrategy)
}

func depthWith(bids, asks []broker.DepthLevel) *broker.DepthSnapshot {
	return &broker.DepthSnapshot{Bids: bids, Asks: asks}
}

func swingCtx(price float64, depth *broker.DepthSnapshot) *AnalysisContext {
	return &AnalysisContext{
		Symbol: "AAPL",
		Price:  price,
		Depth:  depth,
		Now:    time.Now(),
	}
}

func TestSwingRejectionAtSupport(t *testing.T) {
	s := newTestSwing(t)
	depth := depthWith(
		[]broker.DepthLevel{{Price: 99.80, Size: 900}, {Price: 99.50, Size: 300}},
		[]broker.DepthLevel{{Price: 100.20, Size: 400}},
	)

	// First tick below the zone, second tick back above it.
	assert.NotNil(t, s.Analyze(swingCtx(99.75, depth)))
	sig := s.Analyze(swingCtx(99.90, depth))
	require.NotNil(t, sig)
	assert.Equal(t, models.PatternRejectionAtSupport, sig.Pattern)
	assert.Equal(t, models.DirectionLongCall, sig.Direction)
	assert.Equal(t, 99.80, sig.PriceLevel)
	// Zone strength 1.0, imbalance (900+300-400)/1600 = 0.5 -> +0.15, clamped.
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
}

func TestSwingRejectionAtResistance(t *testing.T) {
	s := newTestSwing(t)
	depth := depthWith(
		[]broker.DepthLevel{{Price: 98.00, Size: 200}},
		[]broker.DepthLevel{{Price: 100.20, Size: 800}},
	)

	s.Analyze(swingCtx(100.30, depth))
	sig := s.Analyze(swingCtx(100.10, depth))
	require.NotNil(t, sig)
	assert.Equal(t, models.PatternRejectionAtResistance, sig.Pattern)
	assert.Equal(t, models.DirectionLongPut, sig.Direction)
	// Strength 1.0, imbalance (200-800)/1000 = -0.6 -> bearish bonus +0.18.
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
}

func TestSwingBreakoutUp(t *testing.T) {
	s := newTestSwing(t)
	// Heavy bid side drives imbalance over the threshold while price sits
	// just under a resistance zone.
	depth := depthWith(
		[]broker.DepthLevel{{Price: 99.00, Size: 300}, {Price: 98.90, Size: 3000}},
		[]broker.DepthLevel{{Price: 100.05, Size: 600}},
	)
	sig := s.Analyze(swingCtx(100.00, depth))
	require.NotNil(t, sig)
	assert.Equal(t, models.PatternBreakoutUp, sig.Pattern)
	assert.Equal(t, models.DirectionLongCall, sig.Direction)
	// Imbalance (3300-600)/3900 ~ 0.692 is the confidence.
	assert.InDelta(t, 0.6923, sig.Confidence, 1e-3)
}

func TestSwingBreakoutDown(t *testing.T) {
	s := newTestSwing(t)
	depth := depthWith(
		[]broker.DepthLevel{{Price: 99.95, Size: 600}},
		[]broker.DepthLevel{{Price: 101.00, Size: 3000}},
	)
	sig := s.Analyze(swingCtx(100.00, depth))
	require.NotNil(t, sig)
	assert.Equal(t, models.PatternBreakoutDown, sig.Pattern)
	assert.Equal(t, models.DirectionLongPut, sig.Direction)
}

func TestSwingTestingFallback(t *testing.T) {
	s := newTestSwing(t)
	// Balanced book near a support zone, no prior price: testing pattern at
	// strength x0.7.
	depth := depthWith(
		[]broker.DepthLevel{{Price: 99.90, Size: 800}},
		[]broker.DepthLevel{{Price: 105.00, Size: 800}}, // outside proximity
	)
	sig := s.Analyze(swingCtx(100.00, depth))
	require.NotNil(t, sig)
	assert.Equal(t, models.PatternTestingSupport, sig.Pattern)
	assert.InDelta(t, 0.7, sig.Confidence, 1e-9)
}

func TestSwingNoZonesNoSignal(t *testing.T) {
	s := newTestSwing(t)
	// All sizes below the liquidity threshold.
	depth := depthWith(
		[]broker.DepthLevel{{Price: 99.90, Size: 100}},
		[]broker.DepthLevel{{Price: 100.10, Size: 100}},
	)
	assert.Nil(t, s.Analyze(swingCtx(100.00, depth)))
	assert.Nil(t, s.Analyze(swingCtx(100.00, nil)))
	assert.Nil(t, s.Analyze(swingCtx(0, depth)))
}

func TestSwingValidateConfig(t *testing.T) {
	_, err := NewSwingStrategy("bad", config.StrategyConfig{
		Type:   "swing",
		Params: map[string]any{"imbalance_threshold": 2.0},
	}, testLiquidity())
	assert.Error(t, err)

	_, err = NewSwingStrategy("bad", config.StrategyConfig{Type: "swing"},
		config.LiquidityConfig{LiquidityThreshold: 0, ZoneProximity: 0.01, ImbalanceThreshold: 0.3})
	assert.Error(t, err)
}
