package peg

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ReserveSnapshot is a detached copy of the reserve pools.
type ReserveSnapshot struct {
	NativeBalance *uint256.Int
	Buffers       map[Currency]*uint256.Int
	Dividends     *uint256.Int
}

// Buffer sums the per-currency buffer shares.
func (s ReserveSnapshot) Buffer() *uint256.Int {
	total := new(uint256.Int)
	for _, c := range Currencies {
		if share, ok := s.Buffers[c]; ok && share != nil {
			total.Add(total, share)
		}
	}
	return total
}

// ReserveAccount holds the native deposits and the two fee pools. The buffer is
// a notional figure carved out of nativeBalance and is never moved out of it.
type ReserveAccount struct {
	native    uint256.Int
	buffers   map[Currency]*uint256.Int
	dividends uint256.Int
}

// NewReserveAccount returns an empty reserve.
func NewReserveAccount() *ReserveAccount {
	r := &ReserveAccount{buffers: make(map[Currency]*uint256.Int, len(Currencies))}
	for _, c := range Currencies {
		r.buffers[c] = new(uint256.Int)
	}
	return r
}

func (r *ReserveAccount) clone() *ReserveAccount {
	out := NewReserveAccount()
	out.native.Set(&r.native)
	out.dividends.Set(&r.dividends)
	for c, share := range r.buffers {
		out.buffers[c] = share.Clone()
	}
	return out
}

func (r *ReserveAccount) NativeBalance() *uint256.Int { return r.native.Clone() }

func (r *ReserveAccount) Dividends() *uint256.Int { return r.dividends.Clone() }

func (r *ReserveAccount) BufferOf(c Currency) *uint256.Int {
	if share, ok := r.buffers[c]; ok {
		return share.Clone()
	}
	return new(uint256.Int)
}

func (r *ReserveAccount) Buffer() *uint256.Int {
	return r.Snapshot().Buffer()
}

func (r *ReserveAccount) Snapshot() ReserveSnapshot {
	snap := ReserveSnapshot{
		NativeBalance: r.native.Clone(),
		Buffers:       make(map[Currency]*uint256.Int, len(r.buffers)),
		Dividends:     r.dividends.Clone(),
	}
	for c, share := range r.buffers {
		snap.Buffers[c] = share.Clone()
	}
	return snap
}

func (r *ReserveAccount) restore(snap ReserveSnapshot) error {
	for c := range snap.Buffers {
		if !c.Valid() {
			return fmt.Errorf("%w: buffer share for %s", ErrUnknownCurrency, c)
		}
	}
	r.native.Set(amountOrZero(snap.NativeBalance))
	r.dividends.Set(amountOrZero(snap.Dividends))
	for _, c := range Currencies {
		r.buffers[c] = amountOrZero(snap.Buffers[c])
	}
	return nil
}

// deposit credits a buy: the whole amount to nativeBalance and the fees to their pools.
func (r *ReserveAccount) deposit(c Currency, amount, bufferFee, dividendFee *uint256.Int) error {
	native, err := addChecked(&r.native, amount)
	if err != nil {
		return err
	}
	buffer, err := addChecked(r.buffers[c], bufferFee)
	if err != nil {
		return err
	}
	dividends, err := addChecked(&r.dividends, dividendFee)
	if err != nil {
		return err
	}
	r.native.Set(native)
	r.buffers[c] = buffer
	r.dividends.Set(dividends)
	return nil
}

// withdraw debits a payout from nativeBalance.
func (r *ReserveAccount) withdraw(amount *uint256.Int) error {
	if r.native.Lt(amount) {
		return fmt.Errorf("%w: payout %s exceeds native balance %s", ErrInsufficientReserve, amount.Dec(), r.native.Dec())
	}
	r.native.Sub(&r.native, amount)
	return nil
}

func (r *ReserveAccount) setBuffer(c Currency, value *uint256.Int) {
	r.buffers[c] = value.Clone()
}
