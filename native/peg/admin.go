package peg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Administrator is the capability allowed to write conversion rates.
type Administrator struct {
	address common.Address
}

// NewAdministrator binds the rate-writing capability to addr.
func NewAdministrator(addr common.Address) (*Administrator, error) {
	if addr == (common.Address{}) {
		return nil, errors.New("peg: administrator address required")
	}
	return &Administrator{address: addr}, nil
}

func (a *Administrator) Address() common.Address {
	if a == nil {
		return common.Address{}
	}
	return a.address
}

// Authorizes reports whether caller holds the capability.
func (a *Administrator) Authorizes(caller common.Address) bool {
	return a != nil && caller == a.address
}

// Rebalancer is notified synchronously before a new rate becomes visible. A
// returned error rejects the rate write.
type Rebalancer interface {
	RebalanceBuffer(ctx context.Context, c Currency, oldRate, newRate int64) error
}

// RateOracleAdmin stores the live conversion rates. Rates are only ever written
// by the administrator; nothing here fetches or derives prices.
type RateOracleAdmin struct {
	mu         sync.RWMutex
	admin      *Administrator
	rates      map[Currency]int64
	rebalancer Rebalancer
}

// NewRateOracleAdmin seeds the oracle with initial, falling back to the
// default rates for any currency left unset.
func NewRateOracleAdmin(admin *Administrator, initial map[Currency]int64) (*RateOracleAdmin, error) {
	if admin == nil {
		return nil, errors.New("peg: administrator required")
	}
	rates := map[Currency]int64{USD: DefaultUSDRate, EUR: DefaultEURRate}
	for c, rate := range initial {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
		}
		if rate <= 0 {
			return nil, fmt.Errorf("%w: %s rate %d", ErrInvalidRate, c, rate)
		}
		rates[c] = rate
	}
	return &RateOracleAdmin{admin: admin, rates: rates}, nil
}

func (o *RateOracleAdmin) setRebalancer(r Rebalancer) {
	o.mu.Lock()
	o.rebalancer = r
	o.mu.Unlock()
}

// Rate returns the live rate for c.
func (o *RateOracleAdmin) Rate(c Currency) (int64, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rates[c], nil
}

// Rates returns a copy of every live rate.
func (o *RateOracleAdmin) Rates() map[Currency]int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ratesLocked()
}

// ratesLocked copies the rates for callers already holding o.mu, such as the
// rebalancer running inside SetRate.
func (o *RateOracleAdmin) ratesLocked() map[Currency]int64 {
	out := make(map[Currency]int64, len(o.rates))
	for c, rate := range o.rates {
		out[c] = rate
	}
	return out
}

// SetRate replaces the rate for c. The rebalancer runs under the oracle lock and
// must not read back through the oracle.
func (o *RateOracleAdmin) SetRate(ctx context.Context, caller common.Address, c Currency, newRate int64) error {
	if !o.admin.Authorizes(caller) {
		return fmt.Errorf("%w: %s may not set rates", ErrUnauthorized, caller.Hex())
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	if newRate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRate, newRate)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	oldRate := o.rates[c]
	if o.rebalancer != nil {
		if err := o.rebalancer.RebalanceBuffer(ctx, c, oldRate, newRate); err != nil {
			return err
		}
	}
	o.rates[c] = newRate
	return nil
}

func (o *RateOracleAdmin) restore(rates map[Currency]int64) error {
	next := o.Rates()
	for c, rate := range rates {
		if !c.Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
		}
		if rate <= 0 {
			return fmt.Errorf("%w: persisted %s rate %d", ErrInvalidRate, c, rate)
		}
		next[c] = rate
	}
	o.mu.Lock()
	o.rates = next
	o.mu.Unlock()
	return nil
}
