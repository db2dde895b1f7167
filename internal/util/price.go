// Package util provides common utility functions for price calculations.
package util

import "math"

// OptionTick is the standard $0.05 increment for option limit prices.
const OptionTick = 0.05

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 2.337 becomes 2.35.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}

// Clamp limits x to the inclusive range [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
