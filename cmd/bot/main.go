// Command bot runs the depth-driven options trading loop: scans the order
// book per symbol, routes strategy signals through the engine, polls
// pending orders and exits, and serves an operator console on stdin plus
// an optional HTTP dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/dashboard"
	"github.com/quantfold/depthtrader/internal/engine"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/notify"
	"github.com/quantfold/depthtrader/internal/report"
	"github.com/quantfold/depthtrader/internal/storage"
	"github.com/quantfold/depthtrader/internal/strategy"
)

// Bot wires the trading components together for the run loop.
type Bot struct {
	config   *config.Config
	broker   broker.Broker
	store    storage.Interface
	market   *market.Context
	registry *strategy.Registry
	engine   *engine.Engine
	notifier notify.Notifier
	reporter *report.Reporter
	logger   *log.Logger
}

func main() {
	var configPath string
	var reportDir string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&reportDir, "reports", "reports", "Directory for CSV report exports")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Startup failed: %v", err)
	}
	defer func() {
		if err := bot.store.Close(); err != nil {
			logger.Printf("Closing store: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx, reportDir); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

func newBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening trade store: %w", err)
	}

	// Budgets follow config; committed and drawdown figures survive restarts.
	for name, sc := range cfg.Strategies {
		if sc.Budget > 0 {
			if err := store.SetBudget(name, sc.Budget); err != nil {
				return nil, fmt.Errorf("seeding budget for %s: %w", name, err)
			}
		}
	}

	var bkr broker.Broker
	if cfg.Operation.EnablePaperTrading {
		logger.Println("PAPER TRADING MODE - no real money at risk")
		bkr = broker.NewPaperBroker(100000)
	} else {
		// The socket adapter for the live gateway ships separately; refuse
		// to start rather than silently paper-trade.
		return nil, fmt.Errorf("live trading requires a gateway adapter; set operation.enable_paper_trading")
	}
	bkr = broker.NewCircuitBreakerBroker(bkr)

	detector := market.NewRegimeDetector(bkr, store, cfg.MarketRegime, logger)
	rotation := market.NewSectorRotation(bkr, bkr, cfg.SectorRotation, logger)
	mkt := market.NewContext(detector, rotation,
		time.Duration(cfg.MarketRegime.RefreshMinutes)*time.Minute,
		time.Duration(cfg.SectorRotation.RefreshMinutes)*time.Minute)

	registry := strategy.NewRegistry(cfg.Liquidity, logger)
	registry.Configure(cfg.Strategies)

	eng := engine.New(bkr, store, mkt, registry, cfg, logger)
	if err := eng.LoadState(); err != nil {
		return nil, fmt.Errorf("loading engine state: %w", err)
	}
	if err := eng.Reconcile(time.Now()); err != nil {
		logger.Printf("Startup reconciliation: %v", err)
	}

	notifier := notify.NewDiscord(cfg.Notifications.DiscordWebhook, logger)
	eng.SetNotifier(notifier)

	return &Bot{
		config:   cfg,
		broker:   bkr,
		store:    store,
		market:   mkt,
		registry: registry,
		engine:   eng,
		notifier: notifier,
		reporter: report.NewReporter(store),
		logger:   logger,
	}, nil
}

// Run drives the scan loop, stdin console, scheduled jobs and dashboard
// until the context is cancelled.
func (b *Bot) Run(ctx context.Context, reportDir string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.scanLoop(ctx) })
	g.Go(func() error { return b.commandLoop(ctx, os.Stdin, os.Stdout, reportDir) })
	g.Go(func() error { return b.runScheduler(ctx, reportDir) })

	if b.config.Dashboard.Port > 0 {
		srv := dashboard.NewServer(b.config.Dashboard.Port, b.config.Dashboard.AuthToken,
			b.store, b.broker, b.engine, b.market, newDashboardLogger(b.config.Operation.LogLevel))
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// runScheduler owns the cron jobs: a daily post-close report export, a
// nightly budget repair and periodic strategy discovery.
func (b *Bot) runScheduler(ctx context.Context, reportDir string) error {
	c := cron.New(cron.WithLocation(time.UTC))

	// 21:00 UTC is after the New York close year-round.
	if _, err := c.AddFunc("0 21 * * 1-5", func() {
		if written, err := b.reporter.ExportAll(reportDir); err != nil {
			b.logger.Printf("Scheduled report export: %v", err)
		} else {
			b.logger.Printf("Exported %d report files to %s", len(written), reportDir)
		}
	}); err != nil {
		return fmt.Errorf("scheduling report export: %w", err)
	}

	if _, err := c.AddFunc("30 4 * * *", func() {
		for name := range b.config.Strategies {
			if err := b.store.RecalculateBudget(name); err != nil {
				b.logger.Printf("Budget recalculation for %s: %v", name, err)
			}
		}
	}); err != nil {
		return fmt.Errorf("scheduling budget repair: %w", err)
	}

	// Pick up strategies enabled in config after startup.
	if _, err := c.AddFunc("*/10 * * * *", func() {
		if added := b.registry.Discover(); len(added) > 0 {
			b.logger.Printf("Discovered strategies: %v", added)
		}
	}); err != nil {
		return fmt.Errorf("scheduling strategy discovery: %w", err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// newDashboardLogger builds the structured logger the HTTP layer uses.
func newDashboardLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
