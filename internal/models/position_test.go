package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callPosition() *Position {
	return &Position{
		Contract:     OptionContract{Symbol: "AAPL", Right: RightCall},
		EntryPrice:   2.50,
		Quantity:     2,
		Direction:    DirectionLongCall,
		StopLoss:     2.00,
		ProfitTarget: 3.75,
	}
}

func putPosition() *Position {
	p := callPosition()
	p.Contract.Right = RightPut
	p.Direction = DirectionLongPut
	return p
}

func TestPeakMonotoneForCalls(t *testing.T) {
	p := callPosition()

	assert.True(t, p.UpdatePeak(2.60))
	assert.Equal(t, 2.60, p.PeakPrice)
	// Lower prints never move the peak.
	assert.False(t, p.UpdatePeak(2.40))
	assert.Equal(t, 2.60, p.PeakPrice)
	assert.True(t, p.UpdatePeak(3.10))
	assert.Equal(t, 3.10, p.PeakPrice)
	// Garbage prices are ignored.
	assert.False(t, p.UpdatePeak(0))
	assert.False(t, p.UpdatePeak(-1))
}

func TestPeakMonotoneForPuts(t *testing.T) {
	p := putPosition()

	// First print seeds the peak at entry, then ratchets downward.
	assert.True(t, p.UpdatePeak(2.30))
	assert.Equal(t, 2.30, p.PeakPrice)
	assert.False(t, p.UpdatePeak(2.45))
	assert.Equal(t, 2.30, p.PeakPrice)

	assert.InDelta(t, 0.08, p.PeakProfitPct(), 1e-9) // (2.50-2.30)/2.50
}

func TestExitLevelsMirroredForPuts(t *testing.T) {
	call := callPosition()
	assert.Equal(t, 3.75, call.ProfitLevel())
	assert.Equal(t, 2.00, call.StopLevel())
	assert.True(t, call.HitProfitTarget(3.80))
	assert.False(t, call.HitProfitTarget(3.70))
	assert.True(t, call.HitStop(1.95, call.StopLevel()))

	put := putPosition()
	// Same stored premium distances, mirrored around entry.
	assert.InDelta(t, 1.25, put.ProfitLevel(), 1e-9)
	assert.InDelta(t, 3.00, put.StopLevel(), 1e-9)
	assert.True(t, put.HitProfitTarget(1.20))
	assert.False(t, put.HitProfitTarget(1.30))
	assert.True(t, put.HitStop(3.05, put.StopLevel()))
	assert.False(t, put.HitStop(2.95, put.StopLevel()))
}

func TestTrailLevelAnchorsAtPeak(t *testing.T) {
	call := callPosition()
	call.UpdatePeak(3.00)
	assert.InDelta(t, 2.70, call.TrailLevel(0.10), 1e-9)

	put := putPosition()
	put.UpdatePeak(2.00)
	assert.InDelta(t, 2.20, put.TrailLevel(0.10), 1e-9)
}

func TestIntendedAndEntryCost(t *testing.T) {
	po := &PendingOrder{EntryPrice: 2.50, Quantity: 3}
	assert.InDelta(t, 750.0, po.IntendedCost(), 1e-9)

	p := callPosition()
	assert.InDelta(t, 500.0, p.EntryCost(), 1e-9)
}

func TestBudgetAvailable(t *testing.T) {
	b := &StrategyBudget{Budget: 10000, Drawdown: 2000, Committed: 3000}
	assert.Equal(t, 5000.0, b.Available())

	// Never negative.
	b = &StrategyBudget{Budget: 1000, Drawdown: 800, Committed: 500}
	assert.Zero(t, b.Available())
}

func TestOCCRoundTrip(t *testing.T) {
	expiry := time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC)
	c := OptionContract{Symbol: "AAPL", Expiry: expiry, Strike: 102.5, Right: RightCall}
	occ := c.OCC()
	assert.Equal(t, "AAPL260925C00102500", occ)

	parsed, err := ParseOCCSymbol(occ)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", parsed.Symbol)
	assert.Equal(t, 102.5, parsed.Strike)
	assert.Equal(t, RightCall, parsed.Right)
	assert.True(t, parsed.Expiry.Equal(expiry))
}

func TestParseOCCSymbolRejectsGarbage(t *testing.T) {
	for _, symbol := range []string{
		"",
		"AAPL",
		"AAPL260925X00102500", // bad right
		"AAPL260925C0010250",  // short strike
	} {
		_, err := ParseOCCSymbol(symbol)
		assert.Error(t, err, symbol)
	}
}

func TestDirectionProperties(t *testing.T) {
	assert.True(t, DirectionLongCall.Bullish())
	assert.True(t, DirectionBullPutSpread.Bullish())
	assert.True(t, DirectionLongPut.Bearish())
	assert.True(t, DirectionLongPutStraight.Bearish())
	assert.False(t, DirectionIronCondor.Bullish())
	assert.False(t, DirectionIronCondor.Bearish())

	assert.Equal(t, RightCall, DirectionLongCall.Right())
	assert.Equal(t, RightPut, DirectionBearPutSpread.Right())
	assert.False(t, DirectionIronCondor.Right().Valid())

	assert.True(t, DirectionNoTrade.Valid())
	assert.False(t, Direction("sideways").Valid())
}

func TestExitReasonAdministrative(t *testing.T) {
	assert.True(t, ExitManualClose.Administrative())
	assert.True(t, ExitReconciliationNotFound.Administrative())
	assert.False(t, ExitStopLoss.Administrative())
	assert.False(t, ExitOrderFailed.Administrative())
}

func TestSignalValidateAndMeta(t *testing.T) {
	sig := &Signal{Direction: DirectionLongCall, Confidence: 0.7}
	require.NoError(t, sig.Validate())

	sig.Confidence = 1.2
	assert.Error(t, sig.Validate())

	sig = &Signal{Direction: "weird", Confidence: 0.5}
	assert.Error(t, sig.Validate())

	sig = &Signal{Direction: DirectionNoTrade}
	assert.Empty(t, sig.Meta(MetaSymbol))
	sig.SetMeta(MetaSymbol, "AAPL")
	assert.Equal(t, "AAPL", sig.Meta(MetaSymbol))
	assert.Empty(t, sig.Strategy())
}
