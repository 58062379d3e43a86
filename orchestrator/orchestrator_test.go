package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/gasrefund/epoch"
	"github.com/paraswap/gasrefund/storage"
	"github.com/paraswap/gasrefund/types"
)

type chainEpoch struct{ chain, epoch uint64 }

type fakeOrchStore struct {
	mu           sync.Mutex
	distributed  map[chainEpoch]bool
	epochsWithTx map[uint64][]uint64
	totals       map[chainEpoch][]storage.AddressTotal
	sealed       []types.GasRefundDistribution
	participated [][]types.GasRefundParticipation
}

func newFakeOrchStore() *fakeOrchStore {
	return &fakeOrchStore{
		distributed:  make(map[chainEpoch]bool),
		epochsWithTx: make(map[uint64][]uint64),
		totals:       make(map[chainEpoch][]storage.AddressTotal),
	}
}

func (f *fakeOrchStore) LastDistributedEpoch(_ context.Context, chainID uint64) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last uint64
	found := false
	for key := range f.distributed {
		if key.chain == chainID && (!found || key.epoch > last) {
			last = key.epoch
			found = true
		}
	}
	return last, found, nil
}

func (f *fakeOrchStore) HasDistribution(_ context.Context, chainID, e uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distributed[chainEpoch{chainID, e}], nil
}

func (f *fakeOrchStore) EpochsWithTransactions(_ context.Context, chainID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epochsWithTx[chainID], nil
}

func (f *fakeOrchStore) ValidatedTotals(_ context.Context, chainID, e uint64) ([]storage.AddressTotal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[chainEpoch{chainID, e}], nil
}

func (f *fakeOrchStore) SealEpoch(_ context.Context, distribution types.GasRefundDistribution, participations []types.GasRefundParticipation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributed[chainEpoch{distribution.ChainID, distribution.Epoch}] = true
	f.sealed = append(f.sealed, distribution)
	f.participated = append(f.participated, participations)
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	runs   []chainEpoch
	chain  uint64
	failAt uint64 // epoch to fail on, 0 = never
	events *eventLog
}

func (f *fakeRunner) RunEpoch(_ context.Context, e uint64) error {
	f.mu.Lock()
	f.runs = append(f.runs, chainEpoch{f.chain, e})
	f.mu.Unlock()
	f.events.add(fmt.Sprintf("index:%d:%d", f.chain, e))
	if f.failAt != 0 && e == f.failAt {
		return errors.New("subgraph unavailable")
	}
	return nil
}

type fakeRevalidator struct {
	events *eventLog
	err    error
}

func (f *fakeRevalidator) Run(context.Context) error {
	f.events.add("revalidate")
	return f.err
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// testEpochs builds a calendar whose current epoch is comfortably past 21.
func testEpochs(t *testing.T) *epoch.Info {
	t.Helper()
	now := uint64(time.Now().Unix())
	return &epoch.Info{Genesis: 20, GenesisTime: now - 3*86_400, Duration: 86_400}
}

func TestRunIndexesRevalidatesAndSeals(t *testing.T) {
	events := &eventLog{}
	store := newFakeOrchStore()
	store.epochsWithTx[1] = []uint64{20, 21}
	store.totals[chainEpoch{1, 20}] = []storage.AddressTotal{
		{Address: common.HexToAddress("0x01"), Amount: decimal.NewFromInt(100).Shift(18)},
		{Address: common.HexToAddress("0x02"), Amount: decimal.NewFromInt(50).Shift(18)},
	}
	store.totals[chainEpoch{1, 21}] = []storage.AddressTotal{
		{Address: common.HexToAddress("0x01"), Amount: decimal.NewFromInt(7).Shift(18)},
	}

	runner := &fakeRunner{chain: 1, events: events}
	revalidator := &fakeRevalidator{events: events}
	o := New(testEpochs(t), store, map[uint64]EpochRunner{1: runner}, revalidator, 20, t.TempDir())
	require.NoError(t, o.Run(context.Background()))

	// indexing strictly precedes re-validation, which precedes sealing
	snapshot := events.snapshot()
	require.NotEmpty(t, snapshot)
	assert.Equal(t, "revalidate", snapshot[len(snapshot)-1])

	require.Len(t, store.sealed, 2)
	assert.Equal(t, uint64(20), store.sealed[0].Epoch)
	assert.Equal(t, decimal.NewFromInt(150).Shift(18).String(), store.sealed[0].TotalPSPAmountToRefund)
	assert.True(t, store.sealed[0].IsCompleted)
	require.Len(t, store.participated[0], 2)
	assert.True(t, store.participated[0][0].IsCompleted)
	assert.NotEmpty(t, store.sealed[0].MerkleRoot)
}

func TestRunSkipsSealedEpochs(t *testing.T) {
	events := &eventLog{}
	store := newFakeOrchStore()
	store.distributed[chainEpoch{1, 20}] = true
	store.epochsWithTx[1] = []uint64{20}

	runner := &fakeRunner{chain: 1, events: events}
	o := New(testEpochs(t), store, map[uint64]EpochRunner{1: runner}, &fakeRevalidator{events: events}, 20, t.TempDir())
	require.NoError(t, o.Run(context.Background()))

	// epoch 20 is already distributed: not re-indexed, not re-sealed
	for _, run := range runner.runs {
		assert.NotEqual(t, uint64(20), run.epoch)
	}
	assert.Empty(t, store.sealed)
}

func TestRunChainFailureAbortsBeforeSealing(t *testing.T) {
	events := &eventLog{}
	store := newFakeOrchStore()
	store.epochsWithTx[1] = []uint64{20}
	store.epochsWithTx[56] = []uint64{20}
	store.totals[chainEpoch{1, 20}] = []storage.AddressTotal{
		{Address: common.HexToAddress("0x01"), Amount: decimal.NewFromInt(1).Shift(18)},
	}

	healthy := &fakeRunner{chain: 1, events: events}
	broken := &fakeRunner{chain: 56, failAt: 20, events: events}
	o := New(testEpochs(t), store, map[uint64]EpochRunner{1: healthy, 56: broken},
		&fakeRevalidator{events: events}, 20, t.TempDir())

	err := o.Run(context.Background())
	require.Error(t, err)

	// the healthy chain still indexed (settled join), but nothing sealed
	assert.NotEmpty(t, healthy.runs)
	assert.Empty(t, store.sealed)
	assert.NotContains(t, events.snapshot(), "revalidate")
}

func TestRunRevalidationFailureAbortsSealing(t *testing.T) {
	events := &eventLog{}
	store := newFakeOrchStore()
	store.epochsWithTx[1] = []uint64{20}
	store.totals[chainEpoch{1, 20}] = []storage.AddressTotal{
		{Address: common.HexToAddress("0x01"), Amount: decimal.NewFromInt(1).Shift(18)},
	}

	runner := &fakeRunner{chain: 1, events: events}
	o := New(testEpochs(t), store, map[uint64]EpochRunner{1: runner},
		&fakeRevalidator{events: events, err: errors.New("idle rows remain")}, 20, t.TempDir())

	require.Error(t, o.Run(context.Background()))
	assert.Empty(t, store.sealed)
}
