package peg

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenLedger tracks balances and reserved native backing for one pegged token.
// Only the issuance engine mutates a ledger.
type TokenLedger interface {
	Symbol() string
	Mint(holder common.Address, amount *uint256.Int) error
	Burn(holder common.Address, amount *uint256.Int) error
	AddReserved(holder common.Address, amount *uint256.Int) error
	// ReleaseReserved lowers the holder's reserved figure, stopping at zero,
	// and returns the amount actually released.
	ReleaseReserved(holder common.Address, amount *uint256.Int) *uint256.Int
	BalanceOf(holder common.Address) *uint256.Int
	ReservedAmountOf(holder common.Address) *uint256.Int
	TotalSupply() *uint256.Int
}

// LedgerRestorer is implemented by ledgers that can be rebuilt from persisted entries.
type LedgerRestorer interface {
	Restore(entries []HolderState) error
	Holders() []HolderState
}

type ledgerEntry struct {
	balance  uint256.Int
	reserved uint256.Int
}

// MemoryLedger is the in-process TokenLedger used by the engine.
type MemoryLedger struct {
	mu      sync.RWMutex
	symbol  string
	entries map[common.Address]*ledgerEntry
	supply  uint256.Int
}

// NewMemoryLedger returns an empty ledger for the given token symbol.
func NewMemoryLedger(symbol string) *MemoryLedger {
	return &MemoryLedger{symbol: symbol, entries: make(map[common.Address]*ledgerEntry)}
}

func (l *MemoryLedger) Symbol() string { return l.symbol }

func (l *MemoryLedger) entryLocked(holder common.Address) *ledgerEntry {
	entry, ok := l.entries[holder]
	if !ok {
		entry = &ledgerEntry{}
		l.entries[holder] = entry
	}
	return entry
}

// Mint credits amount to holder and grows the supply.
func (l *MemoryLedger) Mint(holder common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(&l.supply, amount)
	if overflow {
		return ErrOverflow
	}
	entry := l.entryLocked(holder)
	entry.balance.Add(&entry.balance, amount)
	l.supply.Set(supply)
	return nil
}

// Burn debits amount from holder and shrinks the supply.
func (l *MemoryLedger) Burn(holder common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: burn amount must be positive", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[holder]
	if !ok || entry.balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	entry.balance.Sub(&entry.balance, amount)
	l.supply.Sub(&l.supply, amount)
	return nil
}

func (l *MemoryLedger) AddReserved(holder common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entryLocked(holder)
	reserved, overflow := new(uint256.Int).AddOverflow(&entry.reserved, amount)
	if overflow {
		return ErrOverflow
	}
	entry.reserved.Set(reserved)
	return nil
}

func (l *MemoryLedger) ReleaseReserved(holder common.Address, amount *uint256.Int) *uint256.Int {
	released := new(uint256.Int)
	if amount == nil || amount.IsZero() {
		return released
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[holder]
	if !ok {
		return released
	}
	if entry.reserved.Lt(amount) {
		released.Set(&entry.reserved)
		entry.reserved.Clear()
		return released
	}
	released.Set(amount)
	entry.reserved.Sub(&entry.reserved, amount)
	return released
}

func (l *MemoryLedger) BalanceOf(holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if entry, ok := l.entries[holder]; ok {
		return entry.balance.Clone()
	}
	return new(uint256.Int)
}

func (l *MemoryLedger) ReservedAmountOf(holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if entry, ok := l.entries[holder]; ok {
		return entry.reserved.Clone()
	}
	return new(uint256.Int)
}

func (l *MemoryLedger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply.Clone()
}

// Holders returns every entry ever created, including zero balances, ordered by address.
func (l *MemoryLedger) Holders() []HolderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]HolderState, 0, len(l.entries))
	for holder, entry := range l.entries {
		out = append(out, HolderState{
			Holder:   holder,
			Balance:  entry.balance.Clone(),
			Reserved: entry.reserved.Clone(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Holder.Bytes(), out[j].Holder.Bytes()) < 0
	})
	return out
}

// Restore replaces the ledger contents and recomputes the supply from the balances.
func (l *MemoryLedger) Restore(entries []HolderState) error {
	restored := make(map[common.Address]*ledgerEntry, len(entries))
	var supply uint256.Int
	for _, state := range entries {
		if _, dup := restored[state.Holder]; dup {
			return fmt.Errorf("peg: duplicate %s ledger entry for %s", l.symbol, state.Holder.Hex())
		}
		entry := &ledgerEntry{}
		entry.balance.Set(amountOrZero(state.Balance))
		entry.reserved.Set(amountOrZero(state.Reserved))
		if _, overflow := supply.AddOverflow(&supply, &entry.balance); overflow {
			return ErrOverflow
		}
		restored[state.Holder] = entry
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = restored
	l.supply.Set(&supply)
	return nil
}
