package models

import (
	"fmt"
	"strconv"
	"time"
)

// Right is the option right of a contract.
type Right string

const (
	// RightCall is a call option.
	RightCall Right = "C"
	// RightPut is a put option.
	RightPut Right = "P"
)

// Valid returns true if the Right is C or P.
func (r Right) Valid() bool {
	return r == RightCall || r == RightPut
}

// OptionContract identifies a single option leg. ConID is the broker's
// numeric contract id; LocalSymbol is the exchange-local (OCC) symbol.
type OptionContract struct {
	Symbol      string    `json:"symbol"`
	LocalSymbol string    `json:"local_symbol"`
	ConID       int64     `json:"con_id"`
	Strike      float64   `json:"strike"`
	Expiry      time.Time `json:"expiry"`
	Right       Right     `json:"right"`
}

// OCC formats the contract as an OCC option symbol:
// TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits].
// Example: SPY241220C00500000.
func (c OptionContract) OCC() string {
	return fmt.Sprintf("%s%s%s%08d",
		c.Symbol, c.Expiry.Format("060102"), c.Right, int64(c.Strike*1000+0.5))
}

// ParseOCCSymbol parses an OCC option symbol into an OptionContract.
// The underlying ticker is everything before the first run of six digits
// that is followed by C or P.
func ParseOCCSymbol(symbol string) (OptionContract, error) {
	if len(symbol) < 15 {
		return OptionContract{}, fmt.Errorf("option symbol too short: %s", symbol)
	}

	datePos := -1
	for i := 1; i <= len(symbol)-6; i++ {
		if !isAllDigits(symbol[i : i+6]) {
			continue
		}
		// Require C/P after the date to confirm OCC format.
		if i+6 < len(symbol) {
			t := symbol[i+6]
			if t != 'C' && t != 'P' {
				continue
			}
		}
		datePos = i
		break
	}
	if datePos == -1 {
		return OptionContract{}, fmt.Errorf("no YYMMDD expiration found in symbol: %s", symbol)
	}

	expiry, err := time.ParseInLocation("060102", symbol[datePos:datePos+6], time.UTC)
	if err != nil {
		return OptionContract{}, fmt.Errorf("bad expiration in symbol %s: %w", symbol, err)
	}

	rightPos := datePos + 6
	if rightPos >= len(symbol) {
		return OptionContract{}, fmt.Errorf("symbol truncated after expiration: %s", symbol)
	}
	right := Right(symbol[rightPos])
	if !right.Valid() {
		return OptionContract{}, fmt.Errorf("invalid right %q in symbol: %s", symbol[rightPos], symbol)
	}

	strikeStart := rightPos + 1
	strikeEnd := strikeStart + 8
	if strikeEnd > len(symbol) {
		return OptionContract{}, fmt.Errorf("symbol too short for 8-digit strike: %s", symbol)
	}
	strikeStr := symbol[strikeStart:strikeEnd]
	if !isAllDigits(strikeStr) {
		return OptionContract{}, fmt.Errorf("invalid strike %q in symbol: %s", strikeStr, symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return OptionContract{}, fmt.Errorf("parsing strike in %s: %w", symbol, err)
	}

	return OptionContract{
		Symbol:      symbol[:datePos],
		LocalSymbol: symbol,
		Strike:      float64(strikeInt) / 1000.0,
		Expiry:      expiry,
		Right:       right,
	}, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Bar is a single OHLCV bar.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
