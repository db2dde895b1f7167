package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/engine"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/quantfold/depthtrader/internal/notify"
	"github.com/quantfold/depthtrader/internal/report"
	"github.com/quantfold/depthtrader/internal/storage"
	"github.com/quantfold/depthtrader/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBot(t *testing.T) *Bot {
	t.Helper()
	cfg := &config.Config{
		Symbols: []string{"AAPL"},
		Risk: config.RiskConfig{
			ProfitTargetPct: 0.5, StopLossPct: 0.2, MaxHoldDays: 3,
			MaxPositionSize: 5000, MaxPositions: 3, PositionSizePct: 0.05,
		},
		Strategies: map[string]config.StrategyConfig{
			"scalp_a": {Type: "scalping", Enabled: true, Budget: 10000},
		},
	}

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SetBudget("scalp_a", 10000))

	logger := log.New(io.Discard, "", 0)
	pb := broker.NewPaperBroker(50000)

	detector := market.NewRegimeDetector(pb, store, cfg.MarketRegime, logger)
	rotation := market.NewSectorRotation(pb, pb, cfg.SectorRotation, logger)
	mkt := market.NewContext(detector, rotation, time.Minute, time.Minute)

	registry := strategy.NewRegistry(cfg.Liquidity, logger)
	registry.Configure(cfg.Strategies)

	eng := engine.New(pb, store, mkt, registry, cfg, logger)
	require.NoError(t, eng.LoadState())

	return &Bot{
		config:   cfg,
		broker:   pb,
		store:    store,
		market:   mkt,
		registry: registry,
		engine:   eng,
		notifier: notify.NewDiscord("", logger),
		reporter: report.NewReporter(store),
		logger:   logger,
	}
}

func TestHandleCommandStrategies(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer
	b.handleCommand("/strategies", &out, t.TempDir())
	assert.Contains(t, out.String(), "scalp_a")
	assert.Contains(t, out.String(), "enabled")
}

func TestHandleCommandEnableDisable(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer

	b.handleCommand("/disable scalp_a", &out, t.TempDir())
	assert.Contains(t, out.String(), "ok: disable scalp_a")

	out.Reset()
	b.handleCommand("/strategies", &out, t.TempDir())
	assert.Contains(t, out.String(), "disabled")

	out.Reset()
	b.handleCommand("/enable nope", &out, t.TempDir())
	assert.Contains(t, out.String(), "error")

	out.Reset()
	b.handleCommand("/enable", &out, t.TempDir())
	assert.Contains(t, out.String(), "usage")
}

func TestHandleCommandBudgets(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer
	b.handleCommand("/budgets", &out, t.TempDir())
	assert.Contains(t, out.String(), "scalp_a")
	assert.Contains(t, out.String(), "10000.00")
}

func closeTestTrade(t *testing.T, b *Bot, symbol string, entry, exit float64) {
	t.Helper()
	id, err := b.store.InsertPendingPosition(&models.PendingOrder{
		Contract: models.OptionContract{
			Symbol: symbol, LocalSymbol: symbol + "-OPT", Right: models.RightCall,
		},
		EntryPrice: entry, Quantity: 1, Direction: models.DirectionLongCall,
		StopLoss: entry * 0.8, ProfitTarget: entry * 1.5,
		OrderTime: time.Now().Add(-time.Hour), Strategy: "scalp_a", OrderRef: "DT-T-" + symbol,
	})
	require.NoError(t, err)
	require.NoError(t, b.store.MarkPositionOpen(id, entry, 1, time.Now().Add(-time.Hour)))
	require.NoError(t, b.store.ClosePosition(id, exit, time.Now(), models.ExitProfitTarget, ""))
}

func TestHandleCommandMetrics(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer

	b.handleCommand("/metrics", &out, t.TempDir())
	assert.Contains(t, out.String(), "no closed trades yet")

	closeTestTrade(t, b, "AAPL", 2.00, 3.00)
	closeTestTrade(t, b, "MSFT", 2.00, 1.50)

	out.Reset()
	b.handleCommand("/metrics", &out, t.TempDir())
	assert.Contains(t, out.String(), "AAPL")
	assert.Contains(t, out.String(), "MSFT")

	out.Reset()
	b.handleCommand("/metrics aapl", &out, t.TempDir())
	assert.Contains(t, out.String(), "AAPL")
	assert.NotContains(t, out.String(), "MSFT")
}

func TestHandleCommandTradesFilters(t *testing.T) {
	b := testBot(t)
	closeTestTrade(t, b, "AAPL", 2.00, 3.00)
	closeTestTrade(t, b, "MSFT", 2.00, 1.50)

	var out bytes.Buffer
	b.handleCommand("/trades winners", &out, t.TempDir())
	assert.Contains(t, out.String(), "AAPL")
	assert.NotContains(t, out.String(), "MSFT")

	out.Reset()
	b.handleCommand("/trades 5 msft", &out, t.TempDir())
	assert.Contains(t, out.String(), "MSFT")
	assert.NotContains(t, out.String(), "AAPL")

	out.Reset()
	b.handleCommand("/trades 0", &out, t.TempDir())
	assert.Contains(t, out.String(), "usage")
}

func TestHandleCommandStatus(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer
	b.handleCommand("/status", &out, t.TempDir())
	assert.Contains(t, out.String(), "connected: true")
	assert.Contains(t, out.String(), "open positions: 0")
}

func TestHandleCommandExport(t *testing.T) {
	b := testBot(t)
	dir := filepath.Join(t.TempDir(), "reports")
	var out bytes.Buffer
	b.handleCommand("/export", &out, dir)
	assert.Contains(t, out.String(), "trades-")
}

func TestHandleCommandUnknown(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer
	b.handleCommand("/frobnicate", &out, t.TempDir())
	assert.Contains(t, out.String(), "unknown command")
}

func TestCommandLoopQuit(t *testing.T) {
	b := testBot(t)
	var out bytes.Buffer
	err := b.commandLoop(context.Background(), strings.NewReader("/help\n/quit\n"), &out, t.TempDir())
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Shutting down")
	assert.Contains(t, out.String(), "Commands:")
}
