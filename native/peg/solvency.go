package peg

import (
	"github.com/holiman/uint256"
)

// Solvency summarises how well the reserve covers the outstanding pegs.
type Solvency struct {
	NativeBalance   *uint256.Int
	Buffer          *uint256.Int
	Dividends       *uint256.Int
	Backing         map[Currency]*uint256.Int
	RequiredBacking *uint256.Int
	// Surplus is nativeBalance - (requiredBacking + dividends) when positive.
	Surplus *uint256.Int
	// Deficit is the shortfall when the reserve cannot cover backing plus dividends.
	Deficit *uint256.Int
	// CollateralRatioBps is nativeBalance / requiredBacking in basis points, zero
	// when nothing is outstanding.
	CollateralRatioBps uint64
}

// Collateralized reports whether the reserve covers backing plus dividends.
func (s Solvency) Collateralized() bool {
	return s.Deficit == nil || s.Deficit.IsZero()
}

// Solvency computes the current coverage report.
func (e *Engine) Solvency() (Solvency, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	report := Solvency{
		NativeBalance:   e.reserve.NativeBalance(),
		Buffer:          e.reserve.Buffer(),
		Dividends:       e.reserve.Dividends(),
		Backing:         make(map[Currency]*uint256.Int, len(Currencies)),
		RequiredBacking: new(uint256.Int),
		Surplus:         new(uint256.Int),
		Deficit:         new(uint256.Int),
	}
	for _, c := range Currencies {
		required, err := e.requiredBackingLocked(c)
		if err != nil {
			return Solvency{}, err
		}
		report.Backing[c] = required
		total, err := addChecked(report.RequiredBacking, required)
		if err != nil {
			return Solvency{}, err
		}
		report.RequiredBacking = total
	}
	obligations, err := addChecked(report.RequiredBacking, report.Dividends)
	if err != nil {
		return Solvency{}, err
	}
	if report.NativeBalance.Lt(obligations) {
		report.Deficit.Sub(obligations, report.NativeBalance)
	} else {
		report.Surplus.Sub(report.NativeBalance, obligations)
	}
	if !report.RequiredBacking.IsZero() {
		ratio, overflow := new(uint256.Int).MulDivOverflow(report.NativeBalance, uint256.NewInt(bpsDenominator), report.RequiredBacking)
		if overflow || !ratio.IsUint64() {
			report.CollateralRatioBps = ^uint64(0)
		} else {
			report.CollateralRatioBps = ratio.Uint64()
		}
	}
	return report, nil
}
