package strategy

import (
	"testing"
	"time"

	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// panicStrategy blows up on every analyze call.
type panicStrategy struct {
	noopLifecycle
	name string
}

func (p *panicStrategy) Name() string        { return p.name }
func (p *panicStrategy) Type() string        { return "panic" }
func (p *panicStrategy) Version() string     { return "0.0.1" }
func (p *panicStrategy) Description() string { return "always panics" }
func (p *panicStrategy) ValidateConfig() error { return nil }
func (p *panicStrategy) Analyze(*AnalysisContext) *models.Signal { panic("boom") }

func newTestRegistry(t *testing.T, strategies map[string]config.StrategyConfig) *Registry {
	t.Helper()
	r := NewRegistry(testLiquidity(), nil)
	r.Configure(strategies)
	return r
}

func TestRegistryAnalyzeAllTagsSignals(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true},
	})

	ctx := scalpCtx("AAPL", 100, 0.8)
	ctx.Regime = market.RegimeBullTrend
	signals := r.AnalyzeAll(ctx)
	require.Len(t, signals, 1)
	assert.Equal(t, "scalp_a", signals[0].Meta(models.MetaStrategy))
	assert.Equal(t, "scalping", signals[0].Meta(models.MetaStrategyType))
	assert.Equal(t, "AAPL", signals[0].Meta(models.MetaSymbol))
}

func TestRegistryDisabledStrategySkipped(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: false},
	})
	assert.Empty(t, r.AnalyzeAll(scalpCtx("AAPL", 100, 0.8)))

	require.NoError(t, r.Enable("scalp_a"))
	assert.Len(t, r.AnalyzeAll(scalpCtx("AAPL", 100, 0.8)), 1)

	require.NoError(t, r.Disable("scalp_a"))
	assert.Empty(t, r.AnalyzeAll(scalpCtx("AAPL", 100, 0.9)))
}

func TestRegistryPanicIsolation(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true},
	})
	// Inject a panicking instance alongside the healthy one.
	r.instances["bad"] = &instance{strategy: &panicStrategy{name: "bad"}, enabled: true}

	signals := r.AnalyzeAll(scalpCtx("AAPL", 100, 0.8))
	require.Len(t, signals, 1)
	assert.Equal(t, "scalp_a", signals[0].Meta(models.MetaStrategy))

	// The panicking strategy stays loaded.
	_, ok := r.Get("bad")
	assert.True(t, ok)
}

func TestRegistryUnknownTypeSkipped(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"mystery": {Type: "nope", Enabled: true},
	})
	_, ok := r.Get("mystery")
	assert.False(t, ok)
}

func TestRegistryReloadPreservesEnabled(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true},
	})
	require.NoError(t, r.Disable("scalp_a"))
	require.NoError(t, r.Reload("scalp_a"))

	status := r.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Enabled)

	assert.Error(t, r.Reload("missing"))
}

func TestRegistryDiscoverLoadsNewInstances(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true},
	})
	r.configs["swing_b"] = config.StrategyConfig{Type: "swing", Enabled: true}
	r.configs["idle_c"] = config.StrategyConfig{Type: "swing", Enabled: false}

	added := r.Discover()
	assert.Equal(t, []string{"swing_b"}, added)
	_, ok := r.Get("swing_b")
	assert.True(t, ok)
	_, ok = r.Get("idle_c")
	assert.False(t, ok)

	// Second discover finds nothing new.
	assert.Empty(t, r.Discover())
}

func TestRegistrySymbolScoping(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true, Symbols: []string{"TSLA"}},
	})
	assert.Empty(t, r.AnalyzeAll(scalpCtx("AAPL", 100, 0.8)))
	assert.Len(t, r.AnalyzeAll(scalpCtx("TSLA", 100, 0.8)), 1)
}

func TestRegistryAllowedRegimes(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true, AllowedRegimes: []string{"high_chaos"}},
	})
	ctx := scalpCtx("AAPL", 100, 0.8)
	ctx.Regime = market.RegimeBullTrend
	assert.Empty(t, r.AnalyzeAll(ctx))

	ctx = scalpCtx("AAPL", 100, 0.8)
	ctx.Regime = market.RegimeHighChaos
	assert.Len(t, r.AnalyzeAll(ctx), 1)
}

func TestRegistryMinSectorRS(t *testing.T) {
	floor := 0.001
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true, MinSectorRS: &floor},
	})

	// Bullish signal with a weak sector is suppressed.
	ctx := scalpCtx("AAPL", 100, 0.8)
	ctx.SectorKnown = true
	ctx.SectorSlope = -0.002
	assert.Empty(t, r.AnalyzeAll(ctx))

	// Strong sector passes.
	ctx = scalpCtx("MSFT", 100, 0.8)
	ctx.SectorKnown = true
	ctx.SectorSlope = 0.002
	assert.Len(t, r.AnalyzeAll(ctx), 1)
}

func TestRegistryLifecycleFanout(t *testing.T) {
	r := newTestRegistry(t, map[string]config.StrategyConfig{
		"scalp_a": {Type: "scalping", Enabled: true},
	})
	require.Len(t, r.AnalyzeAll(scalpCtx("AAPL", 100, 0.8)), 1)

	// Closing through the registry clears the scalp record.
	r.NotifyClosed(&models.TradeHistoryEntry{
		Contract: models.OptionContract{Symbol: "AAPL"},
		Strategy: "scalp_a",
		ExitTime: time.Now(),
	})
	assert.Len(t, r.AnalyzeAll(scalpCtx("AAPL", 100, 0.8)), 1)
}
