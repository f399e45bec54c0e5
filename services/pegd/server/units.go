package server

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FormatUnits renders base units as a decimal string with the given number of
// fractional digits, trailing zeros trimmed.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// ParseBaseUnits parses a non-negative integer amount of base units.
func ParseBaseUnits(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

// ParseUnits converts a human decimal such as "1.5" into base units. Values
// with more fractional digits than decimals are rejected rather than rounded.
func ParseUnits(raw string, decimals uint8) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative")
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount precision exceeds %d decimals", decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount out of range")
	}
	return v, nil
}
