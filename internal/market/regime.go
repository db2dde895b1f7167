// Package market maintains the broad-market context the engine filters
// signals through: a four-way regime classification driven by SPY and VIX,
// and sector relative-strength slopes for the eleven sector ETFs.
package market

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
)

// Regime is the categorical state of the broad market.
type Regime string

const (
	// RegimeBullTrend means SPY above its 200-SMA with calm VIX.
	RegimeBullTrend Regime = "bull_trend"
	// RegimeBearTrend means SPY below its 200-SMA or elevated VIX.
	RegimeBearTrend Regime = "bear_trend"
	// RegimeRangeBound means a narrow SPY range with mid-band VIX.
	RegimeRangeBound Regime = "range_bound"
	// RegimeHighChaos means a VIX spike or outsized realized volatility.
	RegimeHighChaos Regime = "high_chaos"
	// RegimeUnknown is the state before the first successful refresh.
	RegimeUnknown Regime = "unknown"
)

// BarSource is the slice of the broker contract the detectors need.
type BarSource interface {
	GetHistoricalBars(symbol string, req broker.BarRequest) ([]models.Bar, error)
}

// BarCache is the slice of the store used to avoid refetching daily series
// every refresh.
type BarCache interface {
	PutBars(symbol, barSize string, bars []models.Bar) error
	GetBars(symbol, barSize string, maxAge time.Duration) ([]models.Bar, bool, error)
}

const (
	smaPeriod       = 200
	vixChangeDays   = 5
	realizedVolDays = 5
	rangeDays       = 10
	barCacheMaxAge  = 10 * time.Minute
)

// RegimeDetector classifies the market using daily SPY and VIX bars. A bar
// fetch failure retains the last known regime rather than flapping to
// unknown mid-session.
type RegimeDetector struct {
	source BarSource
	cache  BarCache
	cfg    config.MarketRegimeConfig
	logger *log.Logger

	mu       sync.RWMutex
	current  Regime
	vixSlope float64
	lastGood time.Time
}

// NewRegimeDetector creates a detector in the unknown state. cache may be
// nil, in which case every refresh hits the bar source.
func NewRegimeDetector(source BarSource, cache BarCache, cfg config.MarketRegimeConfig, logger *log.Logger) *RegimeDetector {
	if logger == nil {
		logger = log.Default()
	}
	return &RegimeDetector{
		source:  source,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		current: RegimeUnknown,
	}
}

// Current returns the last classified regime.
func (d *RegimeDetector) Current() Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// VIXSlope returns the per-bar slope of the recent VIX closes, used by the
// opening-range strategy as a momentum filter.
func (d *RegimeDetector) VIXSlope() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vixSlope
}

// Refresh refetches the SPY and VIX series and reclassifies. On any fetch
// failure the previous regime is retained and the error returned.
func (d *RegimeDetector) Refresh() error {
	spy, err := d.fetchBars("SPY", broker.BarRequest{
		BarSize: "1 day", Duration: "1 Y", SecurityType: "STK", WhatToShow: "TRADES", RTH: true,
	})
	if err != nil {
		return fmt.Errorf("fetching SPY bars: %w", err)
	}
	vix, err := d.fetchBars("VIX", broker.BarRequest{
		BarSize: "1 day", Duration: "30 D", SecurityType: "IND", WhatToShow: "TRADES", RTH: true,
	})
	if err != nil {
		return fmt.Errorf("fetching VIX bars: %w", err)
	}

	regime, slope, err := d.classify(closes(spy), closes(vix))
	if err != nil {
		return err
	}

	d.mu.Lock()
	prev := d.current
	d.current = regime
	d.vixSlope = slope
	d.lastGood = time.Now()
	d.mu.Unlock()

	if prev != regime {
		d.logger.Printf("Market regime changed: %s -> %s", prev, regime)
	}
	return nil
}

// classify runs the clause chain top-down; the first match wins.
func (d *RegimeDetector) classify(spy, vix []float64) (Regime, float64, error) {
	if len(spy) < smaPeriod {
		return RegimeUnknown, 0, fmt.Errorf("classify: need %d SPY closes, have %d", smaPeriod, len(spy))
	}
	if len(vix) < vixChangeDays+1 {
		return RegimeUnknown, 0, fmt.Errorf("classify: need %d VIX closes, have %d", vixChangeDays+1, len(vix))
	}

	spyLast := spy[len(spy)-1]
	vixLast := vix[len(vix)-1]

	sma := talib.Sma(spy, smaPeriod)
	sma200 := sma[len(sma)-1]

	vixRef := vix[len(vix)-1-vixChangeDays]
	vixChange := 0.0
	if vixRef > 0 {
		vixChange = (vixLast - vixRef) / vixRef
	}

	vol := realizedVol(spy, realizedVolDays)
	slope := seriesSlope(vix, vixChangeDays)

	var regime Regime
	switch {
	case vixChange > d.cfg.HighChaosVIXChange || vol > d.cfg.HighChaosSPYVol || vixLast > d.cfg.HighChaosVIX:
		regime = RegimeHighChaos
	case spyLast < sma200 || vixLast > d.cfg.HighChaosVIX:
		regime = RegimeBearTrend
	case narrowRange(spy, rangeDays) && vixLast >= d.cfg.RangeVIXMin && vixLast <= d.cfg.RangeVIXMax:
		regime = RegimeRangeBound
	case spyLast > sma200 && vixLast < d.cfg.BullVIX:
		regime = RegimeBullTrend
	default:
		// Conservative default when nothing else matches.
		regime = RegimeRangeBound
	}
	return regime, slope, nil
}

func (d *RegimeDetector) fetchBars(symbol string, req broker.BarRequest) ([]models.Bar, error) {
	if d.cache != nil {
		bars, ok, err := d.cache.GetBars(symbol, req.BarSize, barCacheMaxAge)
		if err != nil {
			d.logger.Printf("Bar cache read failed for %s: %v", symbol, err)
		} else if ok {
			return bars, nil
		}
	}
	bars, err := d.source.GetHistoricalBars(symbol, req)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := d.cache.PutBars(symbol, req.BarSize, bars); err != nil {
			d.logger.Printf("Bar cache write failed for %s: %v", symbol, err)
		}
	}
	return bars, nil
}

func closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// realizedVol is the stdev of daily returns over the trailing window.
func realizedVol(series []float64, days int) float64 {
	if len(series) < days+1 {
		return 0
	}
	tail := series[len(series)-days-1:]
	returns := make([]float64, 0, days)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] == 0 {
			continue
		}
		returns = append(returns, tail[i]/tail[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	std := talib.StdDev(returns, len(returns), 1.0)
	return std[len(std)-1]
}

// narrowRange reports whether the trailing window's (max-min)/min is under 2%.
func narrowRange(series []float64, days int) bool {
	if len(series) < days {
		return false
	}
	tail := series[len(series)-days:]
	lo, hi := tail[0], tail[0]
	for _, v := range tail[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo <= 0 {
		return false
	}
	return (hi-lo)/lo < 0.02
}

// seriesSlope is the average per-bar change over the trailing window.
func seriesSlope(series []float64, window int) float64 {
	if len(series) < window+1 {
		return 0
	}
	tail := series[len(series)-window-1:]
	return (tail[len(tail)-1] - tail[0]) / float64(window)
}
