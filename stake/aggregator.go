package stake

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceReader is the lookup half of a Tracker, split out so the qualifier
// and the re-validation pass can run against fakes.
type BalanceReader interface {
	BalanceAt(addr common.Address, timestamp uint64) decimal.Decimal
}

// Aggregator sums an address's effective staked PSP across the two stake
// sources. The safety module only counts from SMStartEpoch onward; before
// that only the single-pool staking balance is effective.
type Aggregator struct {
	spsp         BalanceReader
	safetyModule BalanceReader
	smStartEpoch uint64
}

func NewAggregator(spsp, safetyModule BalanceReader, smStartEpoch uint64) *Aggregator {
	return &Aggregator{spsp: spsp, safetyModule: safetyModule, smStartEpoch: smStartEpoch}
}

// EffectiveBalance returns the staked PSP of addr at the given timestamp,
// under the rules of the given epoch.
func (a *Aggregator) EffectiveBalance(addr common.Address, timestamp, epoch uint64) decimal.Decimal {
	balance := a.spsp.BalanceAt(addr, timestamp)
	if epoch >= a.smStartEpoch {
		balance = balance.Add(a.safetyModule.BalanceAt(addr, timestamp))
	}
	return balance
}

// LoadTrackers loads both underlying trackers over the scan window.
// It is a convenience for callers holding concrete *Tracker sources.
func LoadTrackers(ctx context.Context, fromBlock, toBlock uint64, trackers ...*Tracker) error {
	for _, tracker := range trackers {
		if err := tracker.Load(ctx, fromBlock, toBlock); err != nil {
			return err
		}
	}
	return nil
}
