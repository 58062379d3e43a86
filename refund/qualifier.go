package refund

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/paraswap/gasrefund/stake"
	"github.com/paraswap/gasrefund/types"
)

// ErrDuplicateSwap means the subgraph returned two swaps with the same
// txHash inside one slice. From the dedup epoch onward this indicates an
// upstream inconsistency and aborts the run instead of being skipped.
var ErrDuplicateSwap = errors.New("duplicate swap txHash in slice")

// StakeSource answers effective staked balances; *stake.Aggregator is the
// production implementation.
type StakeSource interface {
	EffectiveBalance(addr common.Address, timestamp, epoch uint64) decimal.Decimal
}

// Qualifier filters raw subgraph swaps down to the ones a refund may be
// computed for. The policy is cumulative by epoch: later epochs add checks,
// never remove them.
type Qualifier struct {
	stakes             StakeSource
	txOriginCheckEpoch uint64
	dedupEpoch         uint64
	contractTxsEpoch   uint64
	reorgBlacklist     map[uint64]map[common.Hash]struct{} // chainID -> excluded block hashes
}

func NewQualifier(stakes StakeSource, txOriginCheckEpoch, dedupEpoch, contractTxsEpoch uint64, blacklist map[uint64][]common.Hash) *Qualifier {
	indexed := make(map[uint64]map[common.Hash]struct{}, len(blacklist))
	for chainID, hashes := range blacklist {
		set := make(map[common.Hash]struct{}, len(hashes))
		for _, h := range hashes {
			set[h] = struct{}{}
		}
		indexed[chainID] = set
	}
	return &Qualifier{
		stakes:             stakes,
		txOriginCheckEpoch: txOriginCheckEpoch,
		dedupEpoch:         dedupEpoch,
		contractTxsEpoch:   contractTxsEpoch,
		reorgBlacklist:     indexed,
	}
}

// Qualify returns the swaps of one slice that are eligible for refund
// consideration, in chronological order. Swaps on blacklisted (reorged)
// blocks are always dropped; from the txOrigin-check epoch the swap
// initiator must be the transaction origin; from the dedup epoch a repeated
// txHash is fatal. Whatever survives must be staked at or above the tier
// minimum at swap time.
func (q *Qualifier) Qualify(epoch uint64, swaps []types.Swap) ([]types.Swap, error) {
	seen := make(map[common.Hash]struct{}, len(swaps))
	qualified := make([]types.Swap, 0, len(swaps))

	for _, swap := range swaps {
		if blacklisted, ok := q.reorgBlacklist[swap.ChainID]; ok {
			if _, dropped := blacklisted[swap.BlockHash]; dropped {
				log.Debug("dropping swap on reorged block", "tx", swap.TxHash, "block", swap.BlockHash)
				continue
			}
		}

		if epoch >= q.txOriginCheckEpoch && swap.Initiator != swap.TxOrigin {
			log.Debug("dropping contract-initiated swap", "tx", swap.TxHash, "initiator", swap.Initiator, "origin", swap.TxOrigin)
			continue
		}

		if epoch >= q.dedupEpoch {
			if _, dup := seen[swap.TxHash]; dup {
				return nil, fmt.Errorf("%w: %s on chain %d", ErrDuplicateSwap, swap.TxHash, swap.ChainID)
			}
			seen[swap.TxHash] = struct{}{}
		}

		staked := q.stakes.EffectiveBalance(swap.TxOrigin, swap.Timestamp, epoch)
		if staked.LessThan(stake.MinStake) {
			continue
		}
		qualified = append(qualified, swap)
	}

	sort.SliceStable(qualified, func(i, j int) bool { return qualified[i].Timestamp < qualified[j].Timestamp })
	return qualified, nil
}
