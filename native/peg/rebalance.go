package peg

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// RebalanceInput carries everything a policy needs to recompute one buffer share.
type RebalanceInput struct {
	Supply  *uint256.Int
	Buffer  *uint256.Int
	OldRate int64
	NewRate int64
	Unit    *uint256.Int
}

// RebalancePolicy recomputes a currency's buffer share after a rate change.
type RebalancePolicy interface {
	Name() string
	Rebalance(in RebalanceInput) (*uint256.Int, error)
}

const (
	PolicyBackingDelta = "backing-delta"
	PolicyProportional = "proportional"
)

// PolicyByName resolves a configured policy name. An empty name selects backing-delta.
func PolicyByName(name string) (RebalancePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyBackingDelta:
		return BackingDelta{}, nil
	case PolicyProportional:
		return Proportional{}, nil
	default:
		return nil, fmt.Errorf("peg: unknown rebalance policy %q", name)
	}
}

// BackingDelta moves the buffer by the change in native value required to back
// the outstanding supply: requiredNew - requiredOld.
type BackingDelta struct{}

func (BackingDelta) Name() string { return PolicyBackingDelta }

func (BackingDelta) Rebalance(in RebalanceInput) (*uint256.Int, error) {
	buffer := amountOrZero(in.Buffer)
	if in.OldRate <= 0 || in.NewRate <= 0 {
		return nil, ErrInvalidRate
	}
	if in.OldRate == in.NewRate {
		return buffer, nil
	}
	requiredOld, err := RequiredBacking(in.Supply, in.OldRate, in.Unit)
	if err != nil {
		return nil, err
	}
	requiredNew, err := RequiredBacking(in.Supply, in.NewRate, in.Unit)
	if err != nil {
		return nil, err
	}
	if !requiredNew.Lt(requiredOld) {
		delta := new(uint256.Int).Sub(requiredNew, requiredOld)
		return addChecked(buffer, delta)
	}
	delta := new(uint256.Int).Sub(requiredOld, requiredNew)
	if buffer.Lt(delta) {
		return nil, fmt.Errorf("%w: release of %s exceeds buffer share %s", ErrBufferUnderflow, delta.Dec(), buffer.Dec())
	}
	return buffer.Sub(buffer, delta), nil
}

// Proportional scales the buffer share by oldRate/newRate, so halving the rate
// doubles the buffer. It never underflows.
type Proportional struct{}

func (Proportional) Name() string { return PolicyProportional }

func (Proportional) Rebalance(in RebalanceInput) (*uint256.Int, error) {
	buffer := amountOrZero(in.Buffer)
	if in.OldRate <= 0 || in.NewRate <= 0 {
		return nil, ErrInvalidRate
	}
	if in.OldRate == in.NewRate {
		return buffer, nil
	}
	return mulDivFloor(buffer, rateUnits(in.OldRate), rateUnits(in.NewRate))
}
