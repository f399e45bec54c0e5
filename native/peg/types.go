package peg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Currency identifies one of the fiat pegs issued against the native reserve.
type Currency uint8

const (
	// USD is the dollar peg, issued as CUSD.
	USD Currency = iota + 1
	// EUR is the euro peg, issued as CEUR.
	EUR
)

// Currencies lists every supported peg in a stable order.
var Currencies = []Currency{USD, EUR}

const (
	// DefaultUSDRate is the CUSD base units minted per native unit at genesis.
	DefaultUSDRate int64 = 25000
	// DefaultEURRate is the CEUR base units minted per native unit at genesis.
	DefaultEURRate int64 = 20000
	// DefaultBufferFeeBps is the share of every deposit credited to the buffer.
	DefaultBufferFeeBps uint64 = 50
	// DefaultDividendFeeBps is the share of every deposit credited to dividends.
	DefaultDividendFeeBps uint64 = 50
	// DefaultNativeDecimals is the number of base units per native unit, as a power of ten.
	DefaultNativeDecimals uint8 = 18

	bpsDenominator uint64 = 10_000
)

var (
	ErrZeroInvestment      = errors.New("peg: zero investment")
	ErrInvalidAmount       = errors.New("peg: invalid amount")
	ErrInsufficientBalance = errors.New("peg: insufficient balance")
	ErrInsufficientReserve = errors.New("peg: insufficient reserve")
	ErrUnauthorized        = errors.New("peg: unauthorized")
	ErrInvalidRate         = errors.New("peg: invalid rate")
	ErrBufferUnderflow     = errors.New("peg: buffer underflow")
	ErrUnknownCurrency     = errors.New("peg: unknown currency")
	ErrOverflow            = errors.New("peg: amount overflow")
	// ErrNativeUnitMismatch means persisted balances were priced with a
	// different native unit than the one configured.
	ErrNativeUnitMismatch = errors.New("peg: native unit differs from persisted state")
)

// String returns the ISO code of the pegged fiat currency.
func (c Currency) String() string {
	switch c {
	case USD:
		return "USD"
	case EUR:
		return "EUR"
	default:
		return fmt.Sprintf("Currency(%d)", uint8(c))
	}
}

// Symbol returns the ticker of the token ledger backing the currency.
func (c Currency) Symbol() string {
	switch c {
	case USD:
		return "CUSD"
	case EUR:
		return "CEUR"
	default:
		return ""
	}
}

// Valid reports whether c is a supported peg.
func (c Currency) Valid() bool {
	return c == USD || c == EUR
}

// ParseCurrency accepts either the fiat code or the token symbol, case-insensitively.
func ParseCurrency(raw string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "USD", "CUSD":
		return USD, nil
	case "EUR", "CEUR":
		return EUR, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, raw)
	}
}

// OrderKind distinguishes issuance from redemption.
type OrderKind string

const (
	OrderBuy  OrderKind = "buy"
	OrderSell OrderKind = "sell"
)

// Order is the transient request handed to the engine by a transport.
type Order struct {
	Investor common.Address
	Currency Currency
	Kind     OrderKind
	// Amount is native base units for buys and token base units for sells.
	Amount *uint256.Int
}

// FeeSchedule splits the issuance fee between the buffer and dividend pools.
type FeeSchedule struct {
	BufferBps   uint64
	DividendBps uint64
}

// DefaultFees returns the 0.5% + 0.5% issuance fee.
func DefaultFees() FeeSchedule {
	return FeeSchedule{BufferBps: DefaultBufferFeeBps, DividendBps: DefaultDividendFeeBps}
}

func (f FeeSchedule) validate() error {
	if f.BufferBps+f.DividendBps >= bpsDenominator {
		return fmt.Errorf("peg: fee schedule %d+%d bps leaves nothing to mint", f.BufferBps, f.DividendBps)
	}
	return nil
}

// BuyReceipt reports the full accounting of an executed buy.
type BuyReceipt struct {
	Currency    Currency
	Investor    common.Address
	Rate        int64
	NativeIn    *uint256.Int
	BufferFee   *uint256.Int
	DividendFee *uint256.Int
	Net         *uint256.Int
	Minted      *uint256.Int
}

// SellReceipt reports the full accounting of an executed sell.
type SellReceipt struct {
	Currency Currency
	Investor common.Address
	Rate     int64
	Burned   *uint256.Int
	Payout   *uint256.Int
	Released *uint256.Int
}

// RateChange describes a committed rate update and its effect on the buffer.
type RateChange struct {
	Currency     Currency
	OldRate      int64
	NewRate      int64
	Supply       *uint256.Int
	RequiredOld  *uint256.Int
	RequiredNew  *uint256.Int
	BufferBefore *uint256.Int
	BufferAfter  *uint256.Int
	Policy       string
}

// HolderState is the persisted form of one ledger entry.
type HolderState struct {
	Holder   common.Address
	Balance  *uint256.Int
	Reserved *uint256.Int
}

// State is everything needed to rebuild an engine after a restart.
type State struct {
	Rates      map[Currency]int64
	NativeUnit *uint256.Int
	Reserve    ReserveSnapshot
	Holders    map[Currency][]HolderState
}

// ErrorCode maps an engine error to a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrZeroInvestment):
		return "zero_investment"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientReserve):
		return "insufficient_reserve"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidRate):
		return "invalid_rate"
	case errors.Is(err, ErrBufferUnderflow):
		return "buffer_underflow"
	case errors.Is(err, ErrUnknownCurrency):
		return "unknown_currency"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	default:
		return "internal"
	}
}
