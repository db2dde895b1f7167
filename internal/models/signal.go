package models

import "fmt"

// Metadata keys set by the registry and consumed by the engine.
const (
	// MetaStrategy is the originating strategy instance name.
	MetaStrategy = "strategy"
	// MetaStrategyType is the implementation kind of the originating strategy.
	MetaStrategyType = "strategy_type"
	// MetaExitReason carries an exit hint on a no_trade signal.
	MetaExitReason = "exit_reason"
	// MetaSymbol names the symbol an exit hint applies to.
	MetaSymbol = "symbol"
	// MetaLegs describes the option legs a spread signal requires, as
	// "right:relative_strike" pairs joined by commas.
	MetaLegs = "legs"
)

// Signal is the sole output of a strategy's analyze call. Signals are
// constructed per scan, consumed synchronously and never persisted.
type Signal struct {
	Direction  Direction         `json:"direction"`
	Confidence float64           `json:"confidence"`
	Pattern    Pattern           `json:"pattern"`
	PriceLevel float64           `json:"price_level,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the signal invariants: a known direction and a
// confidence within [0, 1].
func (s *Signal) Validate() error {
	if !s.Direction.Valid() {
		return fmt.Errorf("invalid signal direction %q", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence %.4f outside [0,1]", s.Confidence)
	}
	return nil
}

// Strategy returns the originating strategy instance name, if tagged.
func (s *Signal) Strategy() string {
	return s.Metadata[MetaStrategy]
}

// Meta returns a metadata value, or "" when absent.
func (s *Signal) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (s *Signal) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}
