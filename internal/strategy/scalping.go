package strategy

import (
	"fmt"
	"sync"

	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
)

// Exit-hint values carried in no_trade signal metadata.
const (
	// ExitHintTimeDecay means the scalp failed to make progress in time.
	ExitHintTimeDecay = "time_decay"
	// ExitHintImbalanceFlip means the book flipped against the scalp.
	ExitHintImbalanceFlip = "imbalance_flip"
)

// scalpState is the in-memory record of one live scalp, keyed by symbol.
// ticks counts the scans seen since entry for that symbol.
type scalpState struct {
	direction  models.Direction
	entryPrice float64 // underlying price at entry signal
	ticks      int
}

// ScalpingStrategy trades raw order-book imbalance. It is the only strategy
// allowed to run in high-chaos regimes, and the only one that emits exit
// hints: when a scalp stalls or the book flips, it asks the engine to close
// the position rather than waiting out the bracket.
type ScalpingStrategy struct {
	name string

	entryThreshold float64
	exitThreshold  float64
	minProgressPct float64
	maxTicksNoProg int

	mu     sync.Mutex
	scalps map[string]*scalpState
}

// NewScalpingStrategy builds a scalping instance.
func NewScalpingStrategy(name string, cfg config.StrategyConfig, _ config.LiquidityConfig) (Strategy, error) {
	s := &ScalpingStrategy{
		name:           name,
		entryThreshold: paramFloat(cfg.Params, "entry_threshold", 0.7),
		exitThreshold:  paramFloat(cfg.Params, "exit_threshold", 0.5),
		minProgressPct: paramFloat(cfg.Params, "min_progress_pct", 0.001),
		maxTicksNoProg: paramInt(cfg.Params, "max_ticks_without_progress", 5),
		scalps:         make(map[string]*scalpState),
	}
	if err := s.ValidateConfig(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the instance name.
func (s *ScalpingStrategy) Name() string { return s.name }

// Type returns the implementation kind.
func (s *ScalpingStrategy) Type() string { return "scalping" }

// Version returns the strategy version.
func (s *ScalpingStrategy) Version() string { return "1.1.0" }

// Description returns a one-line summary for status output.
func (s *ScalpingStrategy) Description() string {
	return "order-book imbalance scalps with stall and flip exits"
}

// ValidateConfig checks the thresholds.
func (s *ScalpingStrategy) ValidateConfig() error {
	if s.entryThreshold <= 0 || s.entryThreshold > 1 {
		return fmt.Errorf("entry_threshold must be in (0,1], got %v", s.entryThreshold)
	}
	if s.exitThreshold <= 0 || s.exitThreshold > 1 {
		return fmt.Errorf("exit_threshold must be in (0,1], got %v", s.exitThreshold)
	}
	if err := requirePositive("min_progress_pct", s.minProgressPct); err != nil {
		return err
	}
	if s.maxTicksNoProg < 1 {
		return fmt.Errorf("max_ticks_without_progress must be >= 1, got %d", s.maxTicksNoProg)
	}
	return nil
}

// Analyze emits entries on extreme imbalance and exit hints for stalled or
// flipped scalps.
func (s *ScalpingStrategy) Analyze(ctx *AnalysisContext) *models.Signal {
	if ctx.Depth == nil || ctx.Price <= 0 {
		return nil
	}
	imbalance := ctx.Depth.Imbalance()

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.scalps[ctx.Symbol]; ok {
		st.ticks++
		if hint := s.checkScalp(st, ctx.Price, imbalance); hint != "" {
			delete(s.scalps, ctx.Symbol)
			sig := &models.Signal{Direction: models.DirectionNoTrade}
			sig.SetMeta(models.MetaExitReason, hint)
			sig.SetMeta(models.MetaSymbol, ctx.Symbol)
			return sig
		}
		// One scalp per symbol at a time.
		return nil
	}

	switch {
	case imbalance >= s.entryThreshold:
		s.scalps[ctx.Symbol] = &scalpState{
			direction: models.DirectionLongCall, entryPrice: ctx.Price,
		}
		return &models.Signal{
			Direction:  models.DirectionLongCall,
			Confidence: clamp01(imbalance),
			Pattern:    models.PatternScalpLong,
			PriceLevel: ctx.Price,
		}
	case imbalance <= -s.entryThreshold:
		s.scalps[ctx.Symbol] = &scalpState{
			direction: models.DirectionLongPut, entryPrice: ctx.Price,
		}
		return &models.Signal{
			Direction:  models.DirectionLongPut,
			Confidence: clamp01(-imbalance),
			Pattern:    models.PatternScalpShort,
			PriceLevel: ctx.Price,
		}
	}
	return nil
}

// checkScalp returns the exit hint for a live scalp, or empty to keep it.
func (s *ScalpingStrategy) checkScalp(st *scalpState, price, imbalance float64) string {
	bullish := st.direction == models.DirectionLongCall

	// Book flipped hard against the scalp.
	if bullish && imbalance <= -s.exitThreshold {
		return ExitHintImbalanceFlip
	}
	if !bullish && imbalance >= s.exitThreshold {
		return ExitHintImbalanceFlip
	}

	progress := (price - st.entryPrice) / st.entryPrice
	if !bullish {
		progress = -progress
	}
	if progress < s.minProgressPct && st.ticks >= s.maxTicksNoProg {
		return ExitHintTimeDecay
	}
	return ""
}

// OnPositionOpened is a no-op; the scalp record was created at signal time.
func (s *ScalpingStrategy) OnPositionOpened(*models.Position) {}

// OnPositionClosed drops the scalp record when the engine closes the
// position for any reason, so the symbol is tradable again.
func (s *ScalpingStrategy) OnPositionClosed(trade *models.TradeHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scalps, trade.Contract.Symbol)
}
