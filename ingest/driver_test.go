package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/gasrefund/epoch"
	"github.com/paraswap/gasrefund/pricing"
	"github.com/paraswap/gasrefund/refund"
	"github.com/paraswap/gasrefund/types"
)

type window struct{ from, to uint64 }

type fakeSwapSource struct {
	mu      sync.Mutex
	windows []window
	swaps   []types.Swap
}

func (f *fakeSwapSource) Swaps(_ context.Context, fromTime, toTime uint64) ([]types.Swap, error) {
	f.mu.Lock()
	f.windows = append(f.windows, window{fromTime, toTime})
	f.mu.Unlock()

	var matching []types.Swap
	for _, swap := range f.swaps {
		if swap.Timestamp >= fromTime && swap.Timestamp < toTime {
			matching = append(matching, swap)
		}
	}
	return matching, nil
}

type fakeGasUsed struct{}

func (fakeGasUsed) TransactionGasUsed(context.Context, common.Hash) (uint64, error) {
	return 210_000, nil
}

type fakeDriverStakes struct{}

func (fakeDriverStakes) EffectiveBalance(common.Address, uint64, uint64) decimal.Decimal {
	return decimal.NewFromInt(500_000).Shift(18)
}

type fakeBudget struct{ spent bool }

func (f *fakeBudget) IsGlobalSpent() bool { return f.spent }

type fakeDriverStore struct {
	mu            sync.Mutex
	upserts       [][]types.GasRefundTransaction
	lastProcessed map[uint64]uint64 // epoch -> timestamp
}

func (f *fakeDriverStore) UpsertTransactions(_ context.Context, rows []types.GasRefundTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, rows)
	return nil
}

func (f *fakeDriverStore) LastProcessedTimestamp(_ context.Context, _, e uint64) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.lastProcessed[e]
	return t, ok, nil
}

const testEpoch = 20

// testInfo builds an epoch calendar where testEpoch covers [0, 86400).
func testInfo() *epoch.Info {
	return &epoch.Info{Genesis: testEpoch, GenesisTime: 0, Duration: 86_400}
}

func testRates() *pricing.Resolver {
	day := time.Unix(0, 0).UTC()
	points := make([]pricing.PricePoint, 0, 2)
	for i := 0; i < 2; i++ {
		points = append(points, pricing.PricePoint{
			Timestamp:       uint64(day.AddDate(0, 0, i).Unix()),
			PSPPriceUSD:     decimal.RequireFromString("0.05"),
			ChainPriceUSD:   decimal.RequireFromString("3000"),
			PSPToNativeRate: decimal.RequireFromString("0.00002"),
		})
	}
	return pricing.NewResolver(points)
}

func driverSwap(n byte, timestamp uint64) types.Swap {
	origin := common.HexToAddress("0x1000000000000000000000000000000000000001")
	return types.Swap{
		TxHash:     common.BytesToHash([]byte{n}),
		TxOrigin:   origin,
		Initiator:  origin,
		TxGasPrice: decimal.NewFromInt(50_000_000_000),
		Timestamp:  timestamp,
		ChainID:    types.ChainIDMainnet,
	}
}

func newTestDriver(swaps *fakeSwapSource, budget *fakeBudget, store *fakeDriverStore) *Driver {
	stakes := fakeDriverStakes{}
	qualifier := refund.NewQualifier(stakes, 12, 12, 23, nil)
	calculator := refund.NewCalculator(16)
	return NewDriver(types.ChainIDMainnet, testInfo(), swaps, fakeGasUsed{}, testRates(),
		stakes, qualifier, calculator, budget, store, 6*time.Hour)
}

func TestRunEpochSlicesAndPersists(t *testing.T) {
	swaps := &fakeSwapSource{swaps: []types.Swap{
		driverSwap(1, 1_000),
		driverSwap(2, 30_000),
		driverSwap(3, 80_000),
	}}
	store := &fakeDriverStore{}
	require.NoError(t, newTestDriver(swaps, &fakeBudget{}, store).RunEpoch(context.Background(), testEpoch))

	// 24h epoch in 6h slices
	require.Len(t, swaps.windows, 4)
	assert.Equal(t, window{0, 21_600}, swaps.windows[0])
	assert.Equal(t, window{64_800, 86_400}, swaps.windows[3])

	var staged []types.GasRefundTransaction
	for _, batch := range store.upserts {
		staged = append(staged, batch...)
	}
	require.Len(t, staged, 3)
	for _, row := range staged {
		assert.Equal(t, types.TxStatusIdle, row.Status)
		assert.Equal(t, uint64(testEpoch), row.Epoch)
		assert.Equal(t, uint64(210_000), row.GasUsed)
		assert.NotEqual(t, "0", row.RefundedAmountPSP)
	}
}

func TestRunEpochResumesAfterLastProcessed(t *testing.T) {
	swaps := &fakeSwapSource{}
	store := &fakeDriverStore{lastProcessed: map[uint64]uint64{testEpoch: 21_599}}
	require.NoError(t, newTestDriver(swaps, &fakeBudget{}, store).RunEpoch(context.Background(), testEpoch))

	require.NotEmpty(t, swaps.windows)
	assert.Equal(t, uint64(21_600), swaps.windows[0].from)
}

func TestRunEpochAbortsWhenGlobalBudgetSpent(t *testing.T) {
	swaps := &fakeSwapSource{}
	store := &fakeDriverStore{}
	require.NoError(t, newTestDriver(swaps, &fakeBudget{spent: true}, store).RunEpoch(context.Background(), testEpoch))

	assert.Empty(t, swaps.windows)
	assert.Empty(t, store.upserts)
}

func TestRunEpochMissingPriceIsFatal(t *testing.T) {
	// the resolver holds no price points at all
	swaps := &fakeSwapSource{swaps: []types.Swap{driverSwap(1, 1_000)}}
	store := &fakeDriverStore{}

	stakes := fakeDriverStakes{}
	qualifier := refund.NewQualifier(stakes, 12, 12, 23, nil)
	calculator := refund.NewCalculator(16)
	driver := NewDriver(types.ChainIDMainnet, testInfo(), swaps, fakeGasUsed{}, pricing.NewResolver(nil),
		stakes, qualifier, calculator, &fakeBudget{}, store, 6*time.Hour)

	err := driver.RunEpoch(context.Background(), testEpoch)
	assert.ErrorIs(t, err, pricing.ErrNoPriceForDay)
	assert.Empty(t, store.upserts)
}
