// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when fields are unset.
const (
	defaultScanInterval        = 5
	defaultOrderTimeoutSeconds = 120
	defaultPriceDriftThreshold = 0.10
	defaultMaxHoldDays         = 3
	defaultMinDTE              = 7
	defaultMaxDTE              = 45
	defaultCallStrikePct       = 1.02
	defaultPutStrikePct        = 0.98
	defaultRSWindow            = 20
)

// Config represents the complete application configuration.
type Config struct {
	IBConnection    IBConnectionConfig        `yaml:"ib_connection"`
	Symbols         []string                  `yaml:"symbols"`
	Risk            RiskConfig                `yaml:"risk_management"`
	TradingRules    map[string]float64        `yaml:"trading_rules"`
	OptionSelection OptionSelectionConfig     `yaml:"option_selection"`
	OrderManagement OrderManagementConfig     `yaml:"order_management"`
	MarketRegime    MarketRegimeConfig        `yaml:"market_regime"`
	SectorRotation  SectorRotationConfig      `yaml:"sector_rotation"`
	Liquidity       LiquidityConfig           `yaml:"liquidity_analysis"`
	Strategies      map[string]StrategyConfig `yaml:"strategies"`
	Safety          SafetyConfig              `yaml:"safety"`
	Operation       OperationConfig           `yaml:"operation"`
	Database        DatabaseConfig            `yaml:"database"`
	Notifications   NotificationsConfig       `yaml:"notifications"`
	Dashboard       DashboardConfig           `yaml:"dashboard"`
}

// IBConnectionConfig is the broker gateway connection target.
type IBConnectionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID int    `yaml:"client_id"`
}

// RiskConfig defines global risk management parameters.
type RiskConfig struct {
	ProfitTargetPct           float64 `yaml:"profit_target_pct"`
	StopLossPct               float64 `yaml:"stop_loss_pct"`
	TrailingStopEnabled       bool    `yaml:"trailing_stop_enabled"`
	TrailingStopActivationPct float64 `yaml:"trailing_stop_activation_pct"`
	TrailingStopDistancePct   float64 `yaml:"trailing_stop_distance_pct"`
	MaxHoldDays               int     `yaml:"max_hold_days"`
	MaxPositionSize           float64 `yaml:"max_position_size"` // dollar cap per trade
	MaxPositions              int     `yaml:"max_positions"`     // count cap per strategy
	PositionSizePct           float64 `yaml:"position_size_pct"`
}

// OptionSelectionConfig controls contract selection.
type OptionSelectionConfig struct {
	MinDTE        int     `yaml:"min_dte"`
	MaxDTE        int     `yaml:"max_dte"`
	CallStrikePct float64 `yaml:"call_strike_pct"`
	PutStrikePct  float64 `yaml:"put_strike_pct"`
}

// OrderManagementConfig controls pending-order handling.
type OrderManagementConfig struct {
	OrderTimeoutSeconds int     `yaml:"order_timeout_seconds"`
	PriceDriftThreshold float64 `yaml:"price_drift_threshold"`
	UseBracketOrders    bool    `yaml:"use_bracket_orders"`
}

// MarketRegimeConfig holds regime-detector thresholds.
type MarketRegimeConfig struct {
	HighChaosVIXChange float64 `yaml:"high_chaos_vix_change"`
	HighChaosSPYVol    float64 `yaml:"high_chaos_spy_vol"`
	HighChaosVIX       float64 `yaml:"high_chaos_vix"`
	RangeVIXMin        float64 `yaml:"range_vix_min"`
	RangeVIXMax        float64 `yaml:"range_vix_max"`
	BullVIX            float64 `yaml:"bull_vix"`
	RefreshMinutes     int     `yaml:"refresh_minutes"`
}

// SectorRotationConfig holds sector relative-strength settings.
type SectorRotationConfig struct {
	RSWindow        int               `yaml:"rs_window"`
	SectorOverrides map[string]string `yaml:"sector_overrides"`
	RefreshMinutes  int               `yaml:"refresh_minutes"`
}

// LiquidityConfig holds depth-analysis parameters shared by strategies.
type LiquidityConfig struct {
	LiquidityThreshold float64 `yaml:"liquidity_threshold"`
	ZoneProximity      float64 `yaml:"zone_proximity"`
	ImbalanceThreshold float64 `yaml:"imbalance_threshold"`
	DepthLevels        int     `yaml:"depth_levels"`
}

// StrategyConfig configures one strategy instance.
type StrategyConfig struct {
	Type               string         `yaml:"type"`
	Enabled            bool           `yaml:"enabled"`
	Budget             float64        `yaml:"budget"`
	Symbols            []string       `yaml:"symbols"`
	MaxPositions       int            `yaml:"max_positions"`
	AllowedRegimes     []string       `yaml:"allowed_regimes"`
	MinSectorRS        *float64       `yaml:"min_sector_rs"`
	EntryPriceBias     float64        `yaml:"entry_price_bias"`
	ContractCostBasis  float64        `yaml:"contract_cost_basis"`
	DailyLossLimit     float64        `yaml:"daily_loss_limit"`
	OncePerSymbolPerDay bool          `yaml:"once_per_symbol_per_day"`
	Params             map[string]any `yaml:"params"`
}

// SafetyConfig holds process-level guard rails.
type SafetyConfig struct {
	TradingHoursOnly      bool    `yaml:"trading_hours_only"`
	EmergencyStop         bool    `yaml:"emergency_stop"`
	RequireManualApproval bool    `yaml:"require_manual_approval"`
	MaxDailyLoss          float64 `yaml:"max_daily_loss"`
}

// OperationConfig holds run-loop settings.
type OperationConfig struct {
	ScanInterval       int    `yaml:"scan_interval"` // seconds
	LogLevel           string `yaml:"log_level"`
	EnablePaperTrading bool   `yaml:"enable_paper_trading"`
}

// DatabaseConfig points at the trade store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NotificationsConfig holds outbound notification targets.
type NotificationsConfig struct {
	DiscordWebhook string `yaml:"discord_webhook"`
}

// DashboardConfig configures the HTTP status server. Port 0 disables it.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults for unset fields.
func (c *Config) normalize() {
	if c.Operation.ScanInterval <= 0 {
		c.Operation.ScanInterval = defaultScanInterval
	}
	if c.Operation.LogLevel == "" {
		c.Operation.LogLevel = "info"
	}
	if c.OrderManagement.OrderTimeoutSeconds <= 0 {
		c.OrderManagement.OrderTimeoutSeconds = defaultOrderTimeoutSeconds
	}
	if c.OrderManagement.PriceDriftThreshold <= 0 {
		c.OrderManagement.PriceDriftThreshold = defaultPriceDriftThreshold
	}
	if c.Risk.MaxHoldDays <= 0 {
		c.Risk.MaxHoldDays = defaultMaxHoldDays
	}
	if c.OptionSelection.MinDTE <= 0 {
		c.OptionSelection.MinDTE = defaultMinDTE
	}
	if c.OptionSelection.MaxDTE <= 0 {
		c.OptionSelection.MaxDTE = defaultMaxDTE
	}
	if c.OptionSelection.CallStrikePct == 0 {
		c.OptionSelection.CallStrikePct = defaultCallStrikePct
	}
	if c.OptionSelection.PutStrikePct == 0 {
		c.OptionSelection.PutStrikePct = defaultPutStrikePct
	}
	if c.MarketRegime.HighChaosVIXChange == 0 {
		c.MarketRegime.HighChaosVIXChange = 0.20
	}
	if c.MarketRegime.HighChaosSPYVol == 0 {
		c.MarketRegime.HighChaosSPYVol = 0.02
	}
	if c.MarketRegime.HighChaosVIX == 0 {
		c.MarketRegime.HighChaosVIX = 30
	}
	if c.MarketRegime.RangeVIXMin == 0 {
		c.MarketRegime.RangeVIXMin = 15
	}
	if c.MarketRegime.RangeVIXMax == 0 {
		c.MarketRegime.RangeVIXMax = 25
	}
	if c.MarketRegime.BullVIX == 0 {
		c.MarketRegime.BullVIX = 20
	}
	if c.MarketRegime.RefreshMinutes <= 0 {
		c.MarketRegime.RefreshMinutes = 15
	}
	if c.SectorRotation.RSWindow <= 0 {
		c.SectorRotation.RSWindow = defaultRSWindow
	}
	if c.SectorRotation.RefreshMinutes <= 0 {
		c.SectorRotation.RefreshMinutes = 30
	}
	if c.Liquidity.DepthLevels <= 0 {
		c.Liquidity.DepthLevels = 10
	}
	if c.Database.Path == "" {
		c.Database.Path = "trades.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
// Validation failures abort startup before the broker is contacted.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols list is required")
	}
	if c.Risk.ProfitTargetPct <= 0 {
		return fmt.Errorf("risk_management.profit_target_pct must be > 0")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("risk_management.stop_loss_pct must be in (0,1)")
	}
	if c.Risk.PositionSizePct <= 0 || c.Risk.PositionSizePct > 1 {
		return fmt.Errorf("risk_management.position_size_pct must be in (0,1]")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk_management.max_position_size must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk_management.max_positions must be > 0")
	}
	if c.Risk.TrailingStopEnabled {
		if c.Risk.TrailingStopActivationPct <= 0 {
			return fmt.Errorf("risk_management.trailing_stop_activation_pct must be > 0 when trailing is enabled")
		}
		if c.Risk.TrailingStopDistancePct <= 0 || c.Risk.TrailingStopDistancePct >= 1 {
			return fmt.Errorf("risk_management.trailing_stop_distance_pct must be in (0,1)")
		}
	}
	if c.OptionSelection.MinDTE > c.OptionSelection.MaxDTE {
		return fmt.Errorf("option_selection.min_dte (%d) must be <= max_dte (%d)",
			c.OptionSelection.MinDTE, c.OptionSelection.MaxDTE)
	}
	for pattern, minConf := range c.TradingRules {
		if minConf < 0 || minConf > 1 {
			return fmt.Errorf("trading_rules.%s min confidence %.2f outside [0,1]", pattern, minConf)
		}
	}
	for name, sc := range c.Strategies {
		if sc.Type == "" {
			return fmt.Errorf("strategies.%s: type is required", name)
		}
		if sc.Budget < 0 {
			return fmt.Errorf("strategies.%s: budget must be >= 0", name)
		}
	}
	if c.MarketRegime.RangeVIXMin >= c.MarketRegime.RangeVIXMax {
		return fmt.Errorf("market_regime.range_vix_min must be < range_vix_max")
	}
	return nil
}

// ScanInterval returns the scan cadence as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Operation.ScanInterval) * time.Second
}

// nyLocation caches the exchange timezone.
var nyLocation = mustLoadNY()

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours reports whether now falls inside regular trading
// hours, 09:30-16:00 America/New_York, Monday through Friday.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	et := now.In(nyLocation)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, nyLocation)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, nyLocation)
	// Inclusive open, exclusive close
	return !et.Before(open) && et.Before(close)
}

// SymbolsFor returns the symbols a strategy instance scans: its own list
// when configured, the global universe otherwise.
func (c *Config) SymbolsFor(name string) []string {
	if sc, ok := c.Strategies[name]; ok && len(sc.Symbols) > 0 {
		return sc.Symbols
	}
	return c.Symbols
}

// MaxPositionsFor returns the per-strategy position count cap, falling back
// to the global cap when the instance does not set one.
func (c *Config) MaxPositionsFor(name string) int {
	if sc, ok := c.Strategies[name]; ok && sc.MaxPositions > 0 {
		return sc.MaxPositions
	}
	return c.Risk.MaxPositions
}
