// Package numeric converts between human-readable decimal amounts and fixed-point token units.
package numeric

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the precision of both confidential tokens.
const DefaultDecimals uint8 = 6

var maxUnits = decimal.NewFromUint64(math.MaxUint64)

// ParseUnits converts a decimal string such as "1.5" into token units at the given precision.
// Digits beyond the precision are rejected rather than rounded.
func ParseUnits(s string, decimals uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("numeric: empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("numeric: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("numeric: negative amount %q", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("numeric: %q has more than %d decimals", s, decimals)
	}
	if scaled.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("numeric: %q overflows 64-bit units", s)
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatUnits renders token units as a decimal string with exactly decimals fractional digits.
func FormatUnits(v uint64, decimals uint8) string {
	return decimal.NewFromUint64(v).Shift(-int32(decimals)).StringFixed(int32(decimals))
}

// Price returns the average price of out per unit of in, truncated to scale digits.
// It returns the empty string when in is zero.
func Price(in, out uint64, inDecimals, outDecimals uint8, scale int32) string {
	if in == 0 {
		return ""
	}
	num := decimal.NewFromUint64(out).Shift(-int32(outDecimals))
	den := decimal.NewFromUint64(in).Shift(-int32(inDecimals))
	return num.DivRound(den, scale+1).Truncate(scale).StringFixed(scale)
}
