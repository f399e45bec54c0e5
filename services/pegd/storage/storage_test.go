package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"cryptofiat/native/peg"
)

var (
	adminAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	investor  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	store, err := Open(MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJournaledEngine(t *testing.T, store *Storage) *peg.Engine {
	t.Helper()
	admin, err := peg.NewAdministrator(adminAddr)
	require.NoError(t, err)
	seq := 0
	engine, err := peg.NewEngine(peg.Config{
		Administrator: admin,
		Journal: peg.JournalFunc(func(ctx context.Context, cp peg.Checkpoint) error {
			seq++
			return store.Commit(ctx, CommitRecord{
				Checkpoint: cp,
				OrderID:    "order-" + uint256.NewInt(uint64(seq)).Dec(),
				Actor:      adminAddr,
				At:         time.Unix(1700000000+int64(seq), 0),
			})
		}),
	})
	require.NoError(t, err)
	return engine
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.ErrorIs(t, err, ErrPathRequired)
	_, err = FileDSN("")
	require.ErrorIs(t, err, ErrPathRequired)
	dsn, err := FileDSN("data/pegd.sqlite")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:/"))
	require.Contains(t, dsn, "_pragma=journal_mode%28WAL%29")

	mem, err := FileDSN(" :memory: ")
	require.NoError(t, err)
	require.Equal(t, "file:pegd?mode=memory&cache=shared", mem)
	require.Equal(t, "file:TestX_sub_case?mode=memory&cache=shared", MemoryDSN("TestX/sub case"))
}

func TestCommitAndLoadState(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	engine := newJournaledEngine(t, store)

	oneEther := peg.NativeUnit(18)
	_, err := engine.Buy(ctx, peg.USD, investor, oneEther)
	require.NoError(t, err)
	_, err = engine.Sell(ctx, peg.USD, investor, uint256.NewInt(750))
	require.NoError(t, err)
	_, err = engine.SetRate(ctx, adminAddr, peg.USD, 12500)
	require.NoError(t, err)

	state, found, err := store.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(12500), state.Rates[peg.USD])
	require.Equal(t, engine.NativeBalance(), state.Reserve.NativeBalance)
	require.Equal(t, engine.Dividends(), state.Reserve.Dividends)
	usdBuffer, err := engine.BufferOf(peg.USD)
	require.NoError(t, err)
	require.Equal(t, usdBuffer, state.Reserve.Buffers[peg.USD])
	require.Len(t, state.Holders[peg.USD], 1)
	require.Equal(t, uint64(24000), state.Holders[peg.USD][0].Balance.Uint64())

	supply, err := store.StoredSupply(ctx, peg.USD)
	require.NoError(t, err)
	require.Equal(t, uint64(24000), supply.Uint64())

	restored, err := peg.NewEngine(peg.Config{Administrator: mustAdmin(t)})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(state))
	got, err := restored.TotalSupply(peg.USD)
	require.NoError(t, err)
	require.Equal(t, uint64(24000), got.Uint64())
	rate, err := restored.Rate(peg.USD)
	require.NoError(t, err)
	require.Equal(t, int64(12500), rate)
}

func TestFirstCommitPersistsPricing(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	engine := newJournaledEngine(t, store)

	_, err := engine.Buy(ctx, peg.EUR, investor, peg.NativeUnit(18))
	require.NoError(t, err)

	state, found, err := store.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, map[peg.Currency]int64{peg.USD: peg.DefaultUSDRate, peg.EUR: peg.DefaultEURRate}, state.Rates)
	require.NotNil(t, state.NativeUnit)
	require.Equal(t, peg.NativeUnit(18).Dec(), state.NativeUnit.Dec())
}

func TestLoadStateEmpty(t *testing.T) {
	store := openTestDB(t)
	_, found, err := store.LoadState(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestFailedCommitLeavesNothingBehind(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	cp := peg.Checkpoint{
		Kind:     peg.CheckpointBuy,
		Currency: peg.USD,
		Supply:   uint256.NewInt(1),
		Reserve:  peg.ReserveSnapshot{NativeBalance: uint256.NewInt(1)},
	}
	err := store.Commit(ctx, CommitRecord{Checkpoint: cp})
	require.Error(t, err)
	_, found, err := store.LoadState(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestListOrdersAndRateChanges(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	engine := newJournaledEngine(t, store)
	oneEther := peg.NativeUnit(18)
	_, err := engine.Buy(ctx, peg.EUR, investor, oneEther)
	require.NoError(t, err)
	_, err = engine.Sell(ctx, peg.EUR, investor, uint256.NewInt(800))
	require.NoError(t, err)
	_, err = engine.SetRate(ctx, adminAddr, peg.EUR, 10000)
	require.NoError(t, err)

	orders, err := store.ListOrders(ctx, investor, 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, peg.OrderSell, orders[0].Kind)
	require.Equal(t, uint64(800), orders[0].TokenAmount.Uint64())
	require.Equal(t, "40000000000000000", orders[0].NativeAmount.Dec())
	require.Equal(t, peg.OrderBuy, orders[1].Kind)
	require.Equal(t, uint64(19800), orders[1].TokenAmount.Uint64())
	require.Equal(t, "5000000000000000", orders[1].BufferFee.Dec())
	require.Equal(t, peg.EUR, orders[1].Currency)

	other, err := store.ListOrders(ctx, adminAddr, 10)
	require.NoError(t, err)
	require.Empty(t, other)

	changes, err := store.ListRateChanges(ctx, peg.EUR, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, int64(20000), changes[0].OldRate)
	require.Equal(t, int64(10000), changes[0].NewRate)
	require.Equal(t, adminAddr, changes[0].Actor)
	require.Equal(t, peg.PolicyBackingDelta, changes[0].Policy)
}

func TestClaimNonce(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.ClaimNonce(ctx, adminAddr, 1))
	require.ErrorIs(t, store.ClaimNonce(ctx, adminAddr, 1), ErrStaleNonce)
	require.ErrorIs(t, store.ClaimNonce(ctx, adminAddr, 0), ErrStaleNonce)
	require.NoError(t, store.ClaimNonce(ctx, adminAddr, 5))
	require.NoError(t, store.ClaimNonce(ctx, investor, 1))
}

func TestThrottlePolicy(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	_, err := store.GetPolicy(ctx, "default")
	require.True(t, errors.Is(err, ErrNotFound))

	policy := Policy{ID: "default", BuyLimit: uint256.NewInt(100), Window: time.Minute}
	require.NoError(t, store.SavePolicy(ctx, policy))
	loaded, err := store.GetPolicy(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, uint64(100), loaded.BuyLimit.Uint64())
	require.Nil(t, loaded.SellLimit)
	require.Equal(t, time.Minute, loaded.Window)

	subject := investor.Hex()
	now := time.Now()
	allow, err := store.CheckThrottle(ctx, loaded.ID, subject, ActionBuy, loaded.BuyLimit, loaded.Window, uint256.NewInt(60), now)
	require.NoError(t, err)
	require.True(t, allow)
	allow, err = store.CheckThrottle(ctx, loaded.ID, subject, ActionBuy, loaded.BuyLimit, loaded.Window, uint256.NewInt(41), now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, allow)
	allow, err = store.CheckThrottle(ctx, loaded.ID, subject, ActionBuy, loaded.BuyLimit, loaded.Window, uint256.NewInt(40), now.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, allow)

	// Another investor has an independent budget.
	allow, err = store.CheckThrottle(ctx, loaded.ID, adminAddr.Hex(), ActionBuy, loaded.BuyLimit, loaded.Window, uint256.NewInt(100), now)
	require.NoError(t, err)
	require.True(t, allow)

	// Usage expires with the window.
	allow, err = store.CheckThrottle(ctx, loaded.ID, subject, ActionBuy, loaded.BuyLimit, loaded.Window, uint256.NewInt(100), now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, allow)

	allow, err = store.CheckThrottle(ctx, loaded.ID, subject, ActionSell, loaded.SellLimit, loaded.Window, uint256.NewInt(1_000_000), now)
	require.NoError(t, err)
	require.True(t, allow)

	pruned, err := store.PruneThrottleEvents(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(4), pruned)
}

func mustAdmin(t *testing.T) *peg.Administrator {
	t.Helper()
	admin, err := peg.NewAdministrator(adminAddr)
	require.NoError(t, err)
	return admin
}
