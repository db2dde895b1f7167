package market

import "time"

// Provider is the read side of the market context, consumed by the engine
// and strategies. Implementations must be safe for concurrent use.
type Provider interface {
	Regime() Regime
	VIXSlope() float64
	// SectorSlope returns the RS slope of the symbol's sector; false when
	// the sector is unknown or slopes have not been computed yet.
	SectorSlope(symbol string) (float64, bool)
}

// Context couples the regime detector and sector rotation behind the
// Provider interface, with independent refresh cadences.
type Context struct {
	detector *RegimeDetector
	rotation *SectorRotation

	regimeEvery   time.Duration
	rotationEvery time.Duration
	lastRegime    time.Time
	lastRotation  time.Time
}

// Ensure Context implements Provider at compile time.
var _ Provider = (*Context)(nil)

// NewContext wires a detector and rotation tracker together.
func NewContext(detector *RegimeDetector, rotation *SectorRotation, regimeEvery, rotationEvery time.Duration) *Context {
	return &Context{
		detector:      detector,
		rotation:      rotation,
		regimeEvery:   regimeEvery,
		rotationEvery: rotationEvery,
	}
}

// RefreshIfStale refreshes whichever piece has aged past its cadence.
// Called from the scan loop; errors are returned for logging but stale
// values remain served.
func (c *Context) RefreshIfStale(now time.Time) error {
	var firstErr error
	if now.Sub(c.lastRegime) >= c.regimeEvery {
		if err := c.detector.Refresh(); err != nil {
			firstErr = err
		}
		// Throttle retries on failure too; a dead feed should not turn
		// every scan into a bar fetch.
		c.lastRegime = now
	}
	if now.Sub(c.lastRotation) >= c.rotationEvery {
		if err := c.rotation.Refresh(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.lastRotation = now
	}
	return firstErr
}

// Regime returns the current market regime.
func (c *Context) Regime() Regime {
	return c.detector.Current()
}

// VIXSlope returns the recent VIX trend.
func (c *Context) VIXSlope() float64 {
	return c.detector.VIXSlope()
}

// SectorSlope returns the RS slope for the symbol's sector.
func (c *Context) SectorSlope(symbol string) (float64, bool) {
	return c.rotation.SlopeFor(symbol)
}
