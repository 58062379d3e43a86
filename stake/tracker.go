package stake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// BalanceChange is one observed stake movement for an address.
type BalanceChange struct {
	Timestamp uint64
	Balance   decimal.Decimal // absolute staked balance after the change, PSP-wei
}

// ChangeSource supplies the historical stake movements of a contract over a
// block window. Implementations talk to a subgraph; the tracker calls it
// exactly once per run.
type ChangeSource interface {
	BalanceChanges(ctx context.Context, fromBlock, toBlock uint64) (map[common.Address][]BalanceChange, error)
}

// Tracker answers point-in-time staked balances for one stake contract.
// Load fetches the full window up front; BalanceAt is then a pure lookup
// and performs no I/O. BalanceAt on an unloaded tracker panics: querying
// before loading is a programming error, not a recoverable condition.
type Tracker struct {
	name   string
	source ChangeSource

	mu     sync.RWMutex
	loaded bool
	series map[common.Address][]BalanceChange
}

func NewTracker(name string, source ChangeSource) *Tracker {
	return &Tracker{name: name, source: source}
}

// Load fetches and indexes all balance changes in [fromBlock, toBlock].
// The per-address series is sorted by timestamp so lookups can bisect.
func (t *Tracker) Load(ctx context.Context, fromBlock, toBlock uint64) error {
	series, err := t.source.BalanceChanges(ctx, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("failed to load %s stake changes: %w", t.name, err)
	}
	for _, changes := range series {
		sort.Slice(changes, func(i, j int) bool { return changes[i].Timestamp < changes[j].Timestamp })
	}

	t.mu.Lock()
	t.series = series
	t.loaded = true
	t.mu.Unlock()

	log.Debug("stake tracker loaded", "tracker", t.name, "from", fromBlock, "to", toBlock, "addresses", len(series))
	return nil
}

// BalanceAt returns the staked balance of addr as of timestamp: the balance
// after the latest change at or before it, zero if none.
func (t *Tracker) BalanceAt(addr common.Address, timestamp uint64) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.loaded {
		panic(fmt.Sprintf("stake tracker %s queried before Load", t.name))
	}

	changes := t.series[addr]
	// index of the first change strictly after timestamp
	i := sort.Search(len(changes), func(i int) bool { return changes[i].Timestamp > timestamp })
	if i == 0 {
		return decimal.Zero
	}
	return changes[i-1].Balance
}
