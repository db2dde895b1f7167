package strategy

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
)

// Constructor builds a strategy instance from its merged configuration.
type Constructor func(name string, cfg config.StrategyConfig, liq config.LiquidityConfig) (Strategy, error)

// constructors is the compile-time strategy catalog. Plugin discovery walks
// the configuration rather than the filesystem; a new instance only needs a
// config block with a known type.
var constructors = map[string]Constructor{
	"swing":             NewSwingStrategy,
	"scalping":          NewScalpingStrategy,
	"orb":               NewORBStrategy,
	"bull_put_spread":   newSpreadStrategy(kindBullPutSpread),
	"bear_put_spread":   newSpreadStrategy(kindBearPutSpread),
	"long_put_straight": newSpreadStrategy(kindPutStraight),
	"iron_condor":       newSpreadStrategy(kindIronCondor),
}

// instance pairs a loaded strategy with its runtime flags and config.
type instance struct {
	strategy Strategy
	enabled  bool
	cfg      config.StrategyConfig
}

// InstanceStatus is one row of the registry's status report.
type InstanceStatus struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Registry owns the strategy instances: loading, hot reload, enable state
// and per-scan dispatch.
type Registry struct {
	liq    config.LiquidityConfig
	logger *log.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	configs   map[string]config.StrategyConfig
}

// NewRegistry creates an empty registry.
func NewRegistry(liq config.LiquidityConfig, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		liq:       liq,
		logger:    logger,
		instances: make(map[string]*instance),
		configs:   make(map[string]config.StrategyConfig),
	}
}

// Configure loads every configured strategy instance. Instances that fail
// to construct are logged and skipped; the rest still load.
func (r *Registry) Configure(strategies map[string]config.StrategyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = strategies
	for name, cfg := range strategies {
		if _, ok := r.instances[name]; ok {
			continue
		}
		if err := r.loadLocked(name, cfg); err != nil {
			r.logger.Printf("Strategy %s failed to load: %v", name, err)
		}
	}
}

func (r *Registry) loadLocked(name string, cfg config.StrategyConfig) error {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
	strat, err := ctor(name, cfg, r.liq)
	if err != nil {
		return err
	}
	r.instances[name] = &instance{strategy: strat, enabled: cfg.Enabled, cfg: cfg}
	r.logger.Printf("Strategy %s loaded (type=%s version=%s enabled=%v)",
		name, strat.Type(), strat.Version(), cfg.Enabled)
	return nil
}

// Reload replaces one instance with a freshly constructed copy, preserving
// its current enabled flag.
func (r *Registry) Reload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[name]
	if !ok {
		return fmt.Errorf("no configuration for strategy %q", name)
	}
	enabled := cfg.Enabled
	if inst, ok := r.instances[name]; ok {
		enabled = inst.enabled
	}
	delete(r.instances, name)
	if err := r.loadLocked(name, cfg); err != nil {
		return err
	}
	r.instances[name].enabled = enabled
	return nil
}

// Discover loads any configured, enabled instance that is not yet loaded
// and returns the names it added. New config blocks appear after a config
// reload or when an earlier load failed transiently.
func (r *Registry) Discover() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []string
	for name, cfg := range r.configs {
		if _, ok := r.instances[name]; ok || !cfg.Enabled {
			continue
		}
		if err := r.loadLocked(name, cfg); err != nil {
			r.logger.Printf("Strategy %s failed to load: %v", name, err)
			continue
		}
		added = append(added, name)
	}
	sort.Strings(added)
	return added
}

// Enable turns an instance on.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable turns an instance off without unloading it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	inst.enabled = enabled
	return nil
}

// Get returns a loaded strategy by instance name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, false
	}
	return inst.strategy, true
}

// Config returns the configuration block for an instance.
func (r *Registry) Config(name string) (config.StrategyConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Status reports every loaded instance, sorted by name.
func (r *Registry) Status() []InstanceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstanceStatus, 0, len(r.instances))
	for name, inst := range r.instances {
		out = append(out, InstanceStatus{
			Name:        name,
			Type:        inst.strategy.Type(),
			Version:     inst.strategy.Version(),
			Description: inst.strategy.Description(),
			Enabled:     inst.enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnalyzeAll dispatches the context to every enabled strategy and returns
// the tagged signals. A panicking strategy is logged and skipped for the
// scan; it stays loaded. Per-instance symbol scoping, allowed regimes and
// the sector relative-strength floor are applied here so the strategies
// themselves stay unaware of scheduling policy.
func (r *Registry) AnalyzeAll(ctx *AnalysisContext) []models.Signal {
	r.mu.RLock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var signals []models.Signal
	for _, name := range names {
		r.mu.RLock()
		inst, ok := r.instances[name]
		r.mu.RUnlock()
		if !ok || !inst.enabled {
			continue
		}
		if !r.admits(inst, ctx) {
			continue
		}

		sig := r.analyzeOne(name, inst.strategy, ctx)
		if sig == nil {
			continue
		}
		sig.SetMeta(models.MetaStrategy, name)
		sig.SetMeta(models.MetaStrategyType, inst.strategy.Type())
		if sig.Meta(models.MetaSymbol) == "" {
			sig.SetMeta(models.MetaSymbol, ctx.Symbol)
		}
		if err := sig.Validate(); err != nil {
			r.logger.Printf("Strategy %s produced invalid signal: %v", name, err)
			continue
		}
		if r.belowSectorFloor(inst, sig, ctx) {
			continue
		}
		signals = append(signals, *sig)
	}
	return signals
}

// admits applies per-instance symbol and regime scoping.
func (r *Registry) admits(inst *instance, ctx *AnalysisContext) bool {
	if len(inst.cfg.Symbols) > 0 {
		found := false
		for _, s := range inst.cfg.Symbols {
			if s == ctx.Symbol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(inst.cfg.AllowedRegimes) > 0 {
		for _, reg := range inst.cfg.AllowedRegimes {
			if reg == string(ctx.Regime) {
				return true
			}
		}
		return false
	}
	return true
}

// belowSectorFloor suppresses directional entries whose sector RS slope
// sits under the configured floor. Exit hints always pass.
func (r *Registry) belowSectorFloor(inst *instance, sig *models.Signal, ctx *AnalysisContext) bool {
	if inst.cfg.MinSectorRS == nil || sig.Direction == models.DirectionNoTrade {
		return false
	}
	if !ctx.SectorKnown {
		return false
	}
	if sig.Direction.Bullish() && ctx.SectorSlope < *inst.cfg.MinSectorRS {
		return true
	}
	return false
}

func (r *Registry) analyzeOne(name string, strat Strategy, ctx *AnalysisContext) (sig *models.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("Strategy %s panicked during analyze: %v", name, rec)
			sig = nil
		}
	}()
	return strat.Analyze(ctx)
}

// NotifyOpened fans the position-opened callback to the owning strategy.
func (r *Registry) NotifyOpened(pos *models.Position) {
	if strat, ok := r.Get(pos.Strategy); ok {
		strat.OnPositionOpened(pos)
	}
}

// NotifyClosed fans the position-closed callback to the owning strategy.
func (r *Registry) NotifyClosed(trade *models.TradeHistoryEntry) {
	if strat, ok := r.Get(trade.Strategy); ok {
		strat.OnPositionClosed(trade)
	}
}
