package peg

import (
	"github.com/holiman/uint256"
)

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// mulDivFloor returns floor(a*b/d) with a full 512-bit intermediate.
func mulDivFloor(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrInvalidRate
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func feeOf(amount *uint256.Int, bps uint64) *uint256.Int {
	// bps < 10000 so the quotient never exceeds amount.
	z, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(bps), uint256.NewInt(bpsDenominator))
	return z
}

func addChecked(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func rateUnits(rate int64) *uint256.Int {
	if rate <= 0 {
		return new(uint256.Int)
	}
	return uint256.NewInt(uint64(rate))
}

// NativeUnit returns 10^decimals as a uint256.
func NativeUnit(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// RequiredBacking returns floor(supply * unit / rate), the native base units
// needed to redeem supply token base units at rate.
func RequiredBacking(supply *uint256.Int, rate int64, unit *uint256.Int) (*uint256.Int, error) {
	if rate <= 0 {
		return nil, ErrInvalidRate
	}
	return mulDivFloor(amountOrZero(supply), unit, rateUnits(rate))
}
