package peg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CheckpointKind labels the operation a checkpoint records.
type CheckpointKind string

const (
	CheckpointBuy  CheckpointKind = "buy"
	CheckpointSell CheckpointKind = "sell"
	CheckpointRate CheckpointKind = "rate"
)

// Checkpoint carries the absolute post-operation values touched by one engine
// operation. It is handed to the Journal before any in-memory state changes.
// Rates and NativeUnit describe the pricing every checkpoint was made under,
// so a journal always holds the rates that back its balances.
type Checkpoint struct {
	Kind       CheckpointKind
	Currency   Currency
	Holder     *HolderState
	Supply     *uint256.Int
	Reserve    ReserveSnapshot
	Rates      map[Currency]int64
	NativeUnit *uint256.Int
	Buy        *BuyReceipt
	Sell       *SellReceipt
	Rate       *RateChange
}

// Journal durably records checkpoints. A failed commit aborts the operation.
type Journal interface {
	Commit(ctx context.Context, cp Checkpoint) error
}

// JournalFunc adapts a function to Journal.
type JournalFunc func(ctx context.Context, cp Checkpoint) error

func (f JournalFunc) Commit(ctx context.Context, cp Checkpoint) error { return f(ctx, cp) }

// Config assembles an Engine. Only Administrator is required.
type Config struct {
	Administrator *Administrator
	Rates         map[Currency]int64
	Ledgers       map[Currency]TokenLedger
	Fees          *FeeSchedule
	NativeUnit    *uint256.Int
	Policy        RebalancePolicy
	Journal       Journal
	Logger        *slog.Logger
}

// Engine executes buys, sells and rate updates against the reserve and the
// two token ledgers. All mutations are serialised by a single lock.
type Engine struct {
	mu         sync.RWMutex
	admin      *Administrator
	oracle     *RateOracleAdmin
	ledgers    map[Currency]TokenLedger
	reserve    *ReserveAccount
	fees       FeeSchedule
	unit       *uint256.Int
	policy     RebalancePolicy
	journal    Journal
	logger     *slog.Logger
	lastChange RateChange
}

// NewEngine constructs an engine with empty pools and the configured rates.
func NewEngine(cfg Config) (*Engine, error) {
	oracle, err := NewRateOracleAdmin(cfg.Administrator, cfg.Rates)
	if err != nil {
		return nil, err
	}
	fees := DefaultFees()
	if cfg.Fees != nil {
		fees = *cfg.Fees
	}
	if err := fees.validate(); err != nil {
		return nil, err
	}
	unit := NativeUnit(DefaultNativeDecimals)
	if cfg.NativeUnit != nil {
		if cfg.NativeUnit.IsZero() {
			return nil, errors.New("peg: native unit must be positive")
		}
		unit = cfg.NativeUnit.Clone()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = BackingDelta{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledgers := make(map[Currency]TokenLedger, len(Currencies))
	for _, c := range Currencies {
		if ledger, ok := cfg.Ledgers[c]; ok && ledger != nil {
			ledgers[c] = ledger
			continue
		}
		ledgers[c] = NewMemoryLedger(c.Symbol())
	}
	e := &Engine{
		admin:   cfg.Administrator,
		oracle:  oracle,
		ledgers: ledgers,
		reserve: NewReserveAccount(),
		fees:    fees,
		unit:    unit,
		policy:  policy,
		journal: cfg.Journal,
		logger:  logger,
	}
	oracle.setRebalancer(rebalanceHook{e})
	return e, nil
}

func (e *Engine) ledger(c Currency) (TokenLedger, error) {
	ledger, ok := e.ledgers[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	return ledger, nil
}

func (e *Engine) commitLocked(ctx context.Context, cp Checkpoint) error {
	if e.journal == nil {
		return nil
	}
	if cp.Rates == nil {
		cp.Rates = e.oracle.Rates()
	}
	cp.NativeUnit = e.unit.Clone()
	if err := e.journal.Commit(ctx, cp); err != nil {
		return fmt.Errorf("peg: journal %s checkpoint: %w", cp.Kind, err)
	}
	return nil
}

// Buy converts amountIn native base units into freshly minted tokens of c.
func (e *Engine) Buy(ctx context.Context, c Currency, investor common.Address, amountIn *uint256.Int) (BuyReceipt, error) {
	if amountIn == nil || amountIn.IsZero() {
		return BuyReceipt{}, ErrZeroInvestment
	}
	ledger, err := e.ledger(c)
	if err != nil {
		return BuyReceipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rate, err := e.oracle.Rate(c)
	if err != nil {
		return BuyReceipt{}, err
	}
	bufferFee := feeOf(amountIn, e.fees.BufferBps)
	dividendFee := feeOf(amountIn, e.fees.DividendBps)
	net := new(uint256.Int).Sub(amountIn, bufferFee)
	net.Sub(net, dividendFee)
	minted, err := mulDivFloor(rateUnits(rate), net, e.unit)
	if err != nil {
		return BuyReceipt{}, err
	}
	if minted.IsZero() {
		return BuyReceipt{}, fmt.Errorf("%w: %s native base units mint nothing at rate %d", ErrInvalidAmount, amountIn.Dec(), rate)
	}

	balance, err := addChecked(ledger.BalanceOf(investor), minted)
	if err != nil {
		return BuyReceipt{}, err
	}
	reserved, err := addChecked(ledger.ReservedAmountOf(investor), net)
	if err != nil {
		return BuyReceipt{}, err
	}
	supply, err := addChecked(ledger.TotalSupply(), minted)
	if err != nil {
		return BuyReceipt{}, err
	}
	next := e.reserve.clone()
	if err := next.deposit(c, amountIn, bufferFee, dividendFee); err != nil {
		return BuyReceipt{}, err
	}

	receipt := BuyReceipt{
		Currency:    c,
		Investor:    investor,
		Rate:        rate,
		NativeIn:    amountIn.Clone(),
		BufferFee:   bufferFee,
		DividendFee: dividendFee,
		Net:         net,
		Minted:      minted,
	}
	cp := Checkpoint{
		Kind:     CheckpointBuy,
		Currency: c,
		Holder:   &HolderState{Holder: investor, Balance: balance, Reserved: reserved},
		Supply:   supply,
		Reserve:  next.Snapshot(),
		Buy:      &receipt,
	}
	if err := e.commitLocked(ctx, cp); err != nil {
		return BuyReceipt{}, err
	}
	// Mint and AddReserved cannot fail past the checked sums above.
	if err := ledger.Mint(investor, minted); err != nil {
		return BuyReceipt{}, err
	}
	if err := ledger.AddReserved(investor, net); err != nil {
		return BuyReceipt{}, err
	}
	e.reserve = next
	return receipt, nil
}

// Sell burns tokens of c held by investor and pays out their native value at
// the live rate.
func (e *Engine) Sell(ctx context.Context, c Currency, investor common.Address, tokens *uint256.Int) (SellReceipt, error) {
	if tokens == nil || tokens.IsZero() {
		return SellReceipt{}, fmt.Errorf("%w: sell amount must be positive", ErrInvalidAmount)
	}
	ledger, err := e.ledger(c)
	if err != nil {
		return SellReceipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	balance := ledger.BalanceOf(investor)
	if balance.Lt(tokens) {
		return SellReceipt{}, fmt.Errorf("%w: %s holds %s %s, sell of %s", ErrInsufficientBalance, investor.Hex(), balance.Dec(), c.Symbol(), tokens.Dec())
	}
	rate, err := e.oracle.Rate(c)
	if err != nil {
		return SellReceipt{}, err
	}
	payout, err := mulDivFloor(tokens, e.unit, rateUnits(rate))
	if err != nil {
		return SellReceipt{}, err
	}
	next := e.reserve.clone()
	if err := next.withdraw(payout); err != nil {
		return SellReceipt{}, err
	}

	reserved := ledger.ReservedAmountOf(investor)
	release := reserved.Clone()
	if !tokens.Eq(balance) {
		if release, err = mulDivFloor(reserved, tokens, balance); err != nil {
			return SellReceipt{}, err
		}
	}
	remainingReserved := new(uint256.Int).Sub(reserved, release)
	remainingBalance := new(uint256.Int).Sub(balance, tokens)
	supply := ledger.TotalSupply()
	supply.Sub(supply, tokens)

	receipt := SellReceipt{
		Currency: c,
		Investor: investor,
		Rate:     rate,
		Burned:   tokens.Clone(),
		Payout:   payout,
		Released: release,
	}
	cp := Checkpoint{
		Kind:     CheckpointSell,
		Currency: c,
		Holder:   &HolderState{Holder: investor, Balance: remainingBalance, Reserved: remainingReserved},
		Supply:   supply,
		Reserve:  next.Snapshot(),
		Sell:     &receipt,
	}
	if err := e.commitLocked(ctx, cp); err != nil {
		return SellReceipt{}, err
	}
	if err := ledger.Burn(investor, tokens); err != nil {
		return SellReceipt{}, err
	}
	ledger.ReleaseReserved(investor, release)
	e.reserve = next
	return receipt, nil
}

// SetRate writes a new rate for c on behalf of caller and rebalances the
// buffer in the same step. Either both change or neither does.
func (e *Engine) SetRate(ctx context.Context, caller common.Address, c Currency, newRate int64) (RateChange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastChange = RateChange{}
	if err := e.oracle.SetRate(ctx, caller, c, newRate); err != nil {
		return RateChange{}, err
	}
	return e.lastChange, nil
}

type rebalanceHook struct{ e *Engine }

// RebalanceBuffer runs with the engine lock held by SetRate.
func (h rebalanceHook) RebalanceBuffer(ctx context.Context, c Currency, oldRate, newRate int64) error {
	return h.e.rebalanceBufferLocked(ctx, c, oldRate, newRate)
}

func (e *Engine) rebalanceBufferLocked(ctx context.Context, c Currency, oldRate, newRate int64) error {
	ledger, err := e.ledger(c)
	if err != nil {
		return err
	}
	supply := ledger.TotalSupply()
	before := e.reserve.BufferOf(c)
	after, err := e.policy.Rebalance(RebalanceInput{
		Supply:  supply,
		Buffer:  before,
		OldRate: oldRate,
		NewRate: newRate,
		Unit:    e.unit,
	})
	if err != nil {
		if errors.Is(err, ErrBufferUnderflow) {
			e.logger.Error("peg: buffer underflow rejected rate update",
				"currency", c.String(),
				"old_rate", oldRate,
				"new_rate", newRate,
				"supply", supply.Dec(),
				"buffer", before.Dec(),
				"error", err)
		}
		return err
	}
	requiredOld, err := RequiredBacking(supply, oldRate, e.unit)
	if err != nil {
		return err
	}
	requiredNew, err := RequiredBacking(supply, newRate, e.unit)
	if err != nil {
		return err
	}
	next := e.reserve.clone()
	next.setBuffer(c, after)
	change := RateChange{
		Currency:     c,
		OldRate:      oldRate,
		NewRate:      newRate,
		Supply:       supply,
		RequiredOld:  requiredOld,
		RequiredNew:  requiredNew,
		BufferBefore: before,
		BufferAfter:  after.Clone(),
		Policy:       e.policy.Name(),
	}
	rates := e.oracle.ratesLocked()
	rates[c] = newRate
	cp := Checkpoint{
		Kind:     CheckpointRate,
		Currency: c,
		Supply:   supply.Clone(),
		Reserve:  next.Snapshot(),
		Rates:    rates,
		Rate:     &change,
	}
	if err := e.commitLocked(ctx, cp); err != nil {
		return err
	}
	e.reserve = next
	e.lastChange = change
	return nil
}

// Restore replaces rates, pools and ledger entries with persisted state. Ledgers
// that do not implement LedgerRestorer are left untouched.
func (e *Engine) Restore(state State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.NativeUnit != nil && !state.NativeUnit.Eq(e.unit) {
		return fmt.Errorf("%w: persisted %s, configured %s", ErrNativeUnitMismatch, state.NativeUnit.Dec(), e.unit.Dec())
	}
	for c, entries := range state.Holders {
		ledger, err := e.ledger(c)
		if err != nil {
			return err
		}
		restorer, ok := ledger.(LedgerRestorer)
		if !ok {
			continue
		}
		if err := restorer.Restore(entries); err != nil {
			return fmt.Errorf("restore %s ledger: %w", c.Symbol(), err)
		}
	}
	next := NewReserveAccount()
	if err := next.restore(state.Reserve); err != nil {
		return err
	}
	if err := e.oracle.restore(state.Rates); err != nil {
		return err
	}
	e.reserve = next
	return nil
}

// Snapshot captures the engine state in the form accepted by Restore.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state := State{
		Rates:      e.oracle.Rates(),
		NativeUnit: e.unit.Clone(),
		Reserve:    e.reserve.Snapshot(),
		Holders:    make(map[Currency][]HolderState, len(e.ledgers)),
	}
	for c, ledger := range e.ledgers {
		if restorer, ok := ledger.(LedgerRestorer); ok {
			state.Holders[c] = restorer.Holders()
		}
	}
	return state
}

func (e *Engine) Administrator() common.Address { return e.admin.Address() }

func (e *Engine) PolicyName() string { return e.policy.Name() }

func (e *Engine) Fees() FeeSchedule { return e.fees }

func (e *Engine) NativeUnit() *uint256.Int { return e.unit.Clone() }

func (e *Engine) Rate(c Currency) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oracle.Rate(c)
}

func (e *Engine) Rates() map[Currency]int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oracle.Rates()
}

func (e *Engine) NativeBalance() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.NativeBalance()
}

// Buffer returns the total buffer across both pegs.
func (e *Engine) Buffer() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.Buffer()
}

func (e *Engine) BufferOf(c Currency) (*uint256.Int, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.BufferOf(c), nil
}

func (e *Engine) Dividends() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.Dividends()
}

func (e *Engine) BalanceOf(c Currency, holder common.Address) (*uint256.Int, error) {
	ledger, err := e.ledger(c)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ledger.BalanceOf(holder), nil
}

func (e *Engine) ReservedAmountOf(c Currency, holder common.Address) (*uint256.Int, error) {
	ledger, err := e.ledger(c)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ledger.ReservedAmountOf(holder), nil
}

func (e *Engine) TotalSupply(c Currency) (*uint256.Int, error) {
	ledger, err := e.ledger(c)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ledger.TotalSupply(), nil
}

// RequiredBacking returns the native value needed to redeem the whole supply of c.
func (e *Engine) RequiredBacking(c Currency) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.requiredBackingLocked(c)
}

func (e *Engine) requiredBackingLocked(c Currency) (*uint256.Int, error) {
	ledger, err := e.ledger(c)
	if err != nil {
		return nil, err
	}
	rate, err := e.oracle.Rate(c)
	if err != nil {
		return nil, err
	}
	return RequiredBacking(ledger.TotalSupply(), rate, e.unit)
}

// TotalPeggedValue sums the native value of every outstanding pegged token.
func (e *Engine) TotalPeggedValue() (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := new(uint256.Int)
	for _, c := range Currencies {
		required, err := e.requiredBackingLocked(c)
		if err != nil {
			return nil, err
		}
		if total, err = addChecked(total, required); err != nil {
			return nil, err
		}
	}
	return total, nil
}
