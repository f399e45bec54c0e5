package peg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerMintBurn(t *testing.T) {
	ledger := NewMemoryLedger("CUSD")
	require.Equal(t, "CUSD", ledger.Symbol())
	require.ErrorIs(t, ledger.Mint(aliceAddr, new(uint256.Int)), ErrInvalidAmount)

	require.NoError(t, ledger.Mint(aliceAddr, uint256.NewInt(100)))
	require.NoError(t, ledger.Mint(bobAddr, uint256.NewInt(50)))
	require.Equal(t, uint64(150), ledger.TotalSupply().Uint64())

	require.ErrorIs(t, ledger.Burn(aliceAddr, uint256.NewInt(101)), ErrInsufficientBalance)
	require.ErrorIs(t, ledger.Burn(mallory, uint256.NewInt(1)), ErrInsufficientBalance)
	require.NoError(t, ledger.Burn(aliceAddr, uint256.NewInt(100)))
	require.True(t, ledger.BalanceOf(aliceAddr).IsZero())
	require.Equal(t, uint64(50), ledger.TotalSupply().Uint64())

	// Entries persist at zero balance.
	require.Len(t, ledger.Holders(), 2)
}

func TestMemoryLedgerReservedNeverGoesNegative(t *testing.T) {
	ledger := NewMemoryLedger("CEUR")
	require.NoError(t, ledger.AddReserved(aliceAddr, uint256.NewInt(10)))
	released := ledger.ReleaseReserved(aliceAddr, uint256.NewInt(25))
	require.Equal(t, uint64(10), released.Uint64())
	require.True(t, ledger.ReservedAmountOf(aliceAddr).IsZero())
	require.True(t, ledger.ReleaseReserved(bobAddr, uint256.NewInt(1)).IsZero())
}

func TestMemoryLedgerRestore(t *testing.T) {
	ledger := NewMemoryLedger("CUSD")
	err := ledger.Restore([]HolderState{
		{Holder: aliceAddr, Balance: uint256.NewInt(7), Reserved: uint256.NewInt(3)},
		{Holder: bobAddr, Balance: uint256.NewInt(5)},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(12), ledger.TotalSupply().Uint64())
	require.Equal(t, uint64(3), ledger.ReservedAmountOf(aliceAddr).Uint64())

	err = ledger.Restore([]HolderState{{Holder: aliceAddr}, {Holder: aliceAddr}})
	require.Error(t, err)
	require.Equal(t, uint64(12), ledger.TotalSupply().Uint64())
}

func TestParseCurrency(t *testing.T) {
	for raw, want := range map[string]Currency{"usd": USD, "CUSD": USD, " eur ": EUR, "ceur": EUR} {
		got, err := ParseCurrency(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseCurrency("GBP")
	require.ErrorIs(t, err, ErrUnknownCurrency)
	require.Equal(t, "CUSD", USD.Symbol())
	require.Equal(t, "EUR", EUR.String())
}

func TestRateOracleAdmin(t *testing.T) {
	_, err := NewAdministrator(common.Address{})
	require.Error(t, err)
	admin, err := NewAdministrator(adminAddr)
	require.NoError(t, err)
	require.True(t, admin.Authorizes(adminAddr))
	require.False(t, admin.Authorizes(mallory))

	oracle, err := NewRateOracleAdmin(admin, map[Currency]int64{EUR: 21000})
	require.NoError(t, err)
	rate, err := oracle.Rate(EUR)
	require.NoError(t, err)
	require.Equal(t, int64(21000), rate)

	ctx := context.Background()
	require.ErrorIs(t, oracle.SetRate(ctx, mallory, USD, 1), ErrUnauthorized)
	require.ErrorIs(t, oracle.SetRate(ctx, adminAddr, Currency(0), 1), ErrUnknownCurrency)
	require.NoError(t, oracle.SetRate(ctx, adminAddr, USD, 26000))
	rate, err = oracle.Rate(USD)
	require.NoError(t, err)
	require.Equal(t, int64(26000), rate)
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, "", ErrorCode(nil))
	require.Equal(t, "buffer_underflow", ErrorCode(fmt.Errorf("wrapped: %w", ErrBufferUnderflow)))
	require.Equal(t, "internal", ErrorCode(errors.New("boom")))
}
