package market

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
)

// sectorETFs are the eleven SPDR sector funds tracked for rotation.
var sectorETFs = []string{
	"XLK", "XLE", "XLF", "XLV", "XLI", "XLP", "XLY", "XLB", "XLU", "XLRE", "XLC",
}

// industryKeywords maps broker industry strings to sector ETFs. Matched
// case-insensitively by substring, first hit wins.
var industryKeywords = []struct {
	keyword string
	etf     string
}{
	{"technology", "XLK"},
	{"software", "XLK"},
	{"semiconductor", "XLK"},
	{"energy", "XLE"},
	{"oil", "XLE"},
	{"financial", "XLF"},
	{"bank", "XLF"},
	{"insurance", "XLF"},
	{"health", "XLV"},
	{"pharmaceutical", "XLV"},
	{"biotech", "XLV"},
	{"industrial", "XLI"},
	{"aerospace", "XLI"},
	{"staples", "XLP"},
	{"non-cyclical", "XLP"},
	{"food", "XLP"},
	{"discretionary", "XLY"},
	{"cyclical", "XLY"},
	{"retail", "XLY"},
	{"materials", "XLB"},
	{"chemical", "XLB"},
	{"mining", "XLB"},
	{"utilit", "XLU"},
	{"real estate", "XLRE"},
	{"reit", "XLRE"},
	{"communication", "XLC"},
	{"media", "XLC"},
	{"telecom", "XLC"},
}

// IndustrySource is the slice of the broker contract sector lookup needs.
type IndustrySource interface {
	GetIndustry(symbol string) (string, error)
}

// SectorRotation tracks the relative strength of each sector ETF against
// SPY. Slope is the per-point trend of the sector/SPY close ratio over the
// configured window; positive means the sector is outperforming.
type SectorRotation struct {
	bars     BarSource
	industry IndustrySource
	cfg      config.SectorRotationConfig
	logger   *log.Logger

	mu         sync.RWMutex
	slopes     map[string]float64 // etf -> RS slope
	sectorByID map[string]string  // symbol -> etf, resolved lazily
}

// NewSectorRotation creates a rotation tracker with empty slopes.
func NewSectorRotation(bars BarSource, industry IndustrySource, cfg config.SectorRotationConfig, logger *log.Logger) *SectorRotation {
	if logger == nil {
		logger = log.Default()
	}
	return &SectorRotation{
		bars:       bars,
		industry:   industry,
		cfg:        cfg,
		logger:     logger,
		slopes:     make(map[string]float64),
		sectorByID: make(map[string]string),
	}
}

// Refresh recomputes the RS slope for every sector ETF. ETFs whose bars
// fail to fetch keep their previous slope; the first error is returned
// after the full pass.
func (r *SectorRotation) Refresh() error {
	req := broker.BarRequest{
		BarSize: "1 day", Duration: fmt.Sprintf("%d D", r.cfg.RSWindow+5),
		SecurityType: "STK", WhatToShow: "TRADES", RTH: true,
	}

	spyBars, err := r.bars.GetHistoricalBars("SPY", req)
	if err != nil {
		return fmt.Errorf("fetching SPY bars for rotation: %w", err)
	}
	spyByDay := make(map[string]float64, len(spyBars))
	for _, b := range spyBars {
		spyByDay[b.Time.Format("2006-01-02")] = b.Close
	}

	var firstErr error
	for _, etf := range sectorETFs {
		bars, err := r.bars.GetHistoricalBars(etf, req)
		if err != nil {
			r.logger.Printf("Sector rotation: bars for %s failed: %v", etf, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		// Align by timestamp; skip days where either leg is missing.
		var ratios []float64
		for _, b := range bars {
			spyClose, ok := spyByDay[b.Time.Format("2006-01-02")]
			if !ok || spyClose == 0 {
				continue
			}
			ratios = append(ratios, b.Close/spyClose)
		}
		if len(ratios) > r.cfg.RSWindow {
			ratios = ratios[len(ratios)-r.cfg.RSWindow:]
		}
		if len(ratios) < 2 {
			r.logger.Printf("Sector rotation: insufficient aligned bars for %s", etf)
			continue
		}

		slope := (ratios[len(ratios)-1] - ratios[0]) / float64(len(ratios))
		r.mu.Lock()
		r.slopes[etf] = slope
		r.mu.Unlock()
	}
	return firstErr
}

// SectorETF resolves the sector ETF for a symbol: the config override map
// first, then the broker's industry string through the keyword map. Returns
// false when no mapping exists.
func (r *SectorRotation) SectorETF(symbol string) (string, bool) {
	if etf, ok := r.cfg.SectorOverrides[symbol]; ok {
		return etf, true
	}

	r.mu.RLock()
	etf, ok := r.sectorByID[symbol]
	r.mu.RUnlock()
	if ok {
		return etf, etf != ""
	}

	industry, err := r.industry.GetIndustry(symbol)
	if err != nil {
		r.logger.Printf("Sector lookup for %s failed: %v", symbol, err)
		return "", false
	}
	etf = matchIndustry(industry)

	// Cache the resolution, including misses.
	r.mu.Lock()
	r.sectorByID[symbol] = etf
	r.mu.Unlock()
	return etf, etf != ""
}

// SlopeFor returns the RS slope of the symbol's sector. The second return
// value is false when the sector is unknown or not yet refreshed.
func (r *SectorRotation) SlopeFor(symbol string) (float64, bool) {
	etf, ok := r.SectorETF(symbol)
	if !ok {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	slope, ok := r.slopes[etf]
	return slope, ok
}

// Slopes returns a copy of the current ETF slope map for status output.
func (r *SectorRotation) Slopes() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.slopes))
	for k, v := range r.slopes {
		out[k] = v
	}
	return out
}

func matchIndustry(industry string) string {
	lower := strings.ToLower(industry)
	if lower == "" {
		return ""
	}
	for _, kw := range industryKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.etf
		}
	}
	return ""
}
