package market

import (
	"testing"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/config"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegimeConfig() config.MarketRegimeConfig {
	return config.MarketRegimeConfig{
		HighChaosVIXChange: 0.20,
		HighChaosSPYVol:    0.02,
		HighChaosVIX:       30,
		RangeVIXMin:        15,
		RangeVIXMax:        25,
		BullVIX:            20,
	}
}

func flatSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func risingSeries(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestClassifyHighChaosOnVIXLevel(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	spy := risingSeries(250, 400, 0.1)
	vix := flatSeries(30, 35) // above high_chaos_vix
	regime, _, err := d.classify(spy, vix)
	require.NoError(t, err)
	assert.Equal(t, RegimeHighChaos, regime)
}

func TestClassifyHighChaosOnVIXSpike(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	spy := risingSeries(250, 400, 0.1)
	vix := flatSeries(30, 15)
	vix[len(vix)-1] = 19 // +27% over five days
	regime, _, err := d.classify(spy, vix)
	require.NoError(t, err)
	assert.Equal(t, RegimeHighChaos, regime)
}

func TestClassifyBearTrendBelowSMA(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	// Long decline keeps SPY below its 200-SMA with tame daily moves.
	spy := make([]float64, 250)
	for i := range spy {
		spy[i] = 500 - float64(i)*0.3
	}
	vix := flatSeries(30, 22)
	regime, _, err := d.classify(spy, vix)
	require.NoError(t, err)
	assert.Equal(t, RegimeBearTrend, regime)
}

func TestClassifyRangeBound(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	// Slow uptrend flattening into a tight band keeps SPY above the SMA but
	// inside a <2% ten-day range, with VIX mid-band.
	spy := risingSeries(240, 300, 0.5)
	for i := 0; i < 10; i++ {
		spy = append(spy, 420+float64(i%2)*0.5)
	}
	vix := flatSeries(30, 21) // above bull threshold, inside range band
	regime, _, err := d.classify(spy, vix)
	require.NoError(t, err)
	assert.Equal(t, RegimeRangeBound, regime)
}

func TestClassifyBullTrend(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	spy := risingSeries(250, 300, 0.5) // well above its SMA, wide 10-day range
	vix := flatSeries(30, 14)
	regime, _, err := d.classify(spy, vix)
	require.NoError(t, err)
	assert.Equal(t, RegimeBullTrend, regime)
}

func TestClassifyDefaultsToRangeBound(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	spy := risingSeries(250, 300, 0.5) // above SMA, wide range
	vix := flatSeries(30, 26)          // too high for bull, outside range band
	regime, _, err := d.classify(spy, vix)
	require.NoError(t, err)
	assert.Equal(t, RegimeRangeBound, regime)
}

func TestClassifyRejectsShortSeries(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	_, _, err := d.classify(risingSeries(50, 300, 0.5), flatSeries(30, 20))
	assert.Error(t, err)
}

func barsFromCloses(closes []float64, start time.Time) []models.Bar {
	out := make([]models.Bar, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{Time: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return out
}

func TestRefreshRetainsRegimeOnFetchFailure(t *testing.T) {
	pb := broker.NewPaperBroker(100000)
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	pb.SetBars("SPY", "1 day", barsFromCloses(risingSeries(250, 300, 0.5), start))
	pb.SetBars("VIX", "1 day", barsFromCloses(flatSeries(30, 14), start))

	d := NewRegimeDetector(pb, nil, testRegimeConfig(), nil)
	require.NoError(t, d.Refresh())
	assert.Equal(t, RegimeBullTrend, d.Current())

	// Kill the feed; the classification must survive.
	pb.SetBars("SPY", "1 day", nil)
	pb2 := broker.NewPaperBroker(100000) // no bars seeded at all
	d.source = pb2
	assert.Error(t, d.Refresh())
	assert.Equal(t, RegimeBullTrend, d.Current())
}

func TestVIXSlopeSign(t *testing.T) {
	d := NewRegimeDetector(nil, nil, testRegimeConfig(), nil)
	spy := risingSeries(250, 300, 0.5)

	_, slope, err := d.classify(spy, risingSeries(30, 10, 0.2))
	require.NoError(t, err)
	assert.Greater(t, slope, 0.0)

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 20 - float64(i)*0.1
	}
	_, slope, err = d.classify(spy, falling)
	require.NoError(t, err)
	assert.Less(t, slope, 0.0)
}
