package refund

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/gasrefund/types"
)

const (
	txOriginCheckEpoch = 12
	dedupEpoch         = 12
	contractTxsEpoch   = 23
)

// fakeStakes returns a fixed balance per address.
type fakeStakes struct {
	balances map[common.Address]decimal.Decimal
}

func (f *fakeStakes) EffectiveBalance(addr common.Address, _, _ uint64) decimal.Decimal {
	return f.balances[addr]
}

var (
	staker    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	nonStaker = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func stakesOf() *fakeStakes {
	return &fakeStakes{balances: map[common.Address]decimal.Decimal{
		staker: decimal.NewFromInt(500).Shift(18),
	}}
}

func swapN(n byte, origin common.Address, timestamp uint64) types.Swap {
	return types.Swap{
		TxHash:     common.BytesToHash([]byte{n}),
		BlockHash:  common.BytesToHash([]byte{0xb0, n}),
		TxOrigin:   origin,
		Initiator:  origin,
		TxGasPrice: decimal.NewFromInt(50_000_000_000),
		Timestamp:  timestamp,
		ChainID:    types.ChainIDMainnet,
	}
}

func TestQualifyMinStake(t *testing.T) {
	qualifier := NewQualifier(stakesOf(), txOriginCheckEpoch, dedupEpoch, contractTxsEpoch, nil)

	eligible := swapN(1, staker, 100)
	ineligible := swapN(2, nonStaker, 200)

	qualified, err := qualifier.Qualify(20, []types.Swap{eligible, ineligible})
	require.NoError(t, err)
	require.Len(t, qualified, 1)
	assert.Equal(t, eligible.TxHash, qualified[0].TxHash)
}

func TestQualifyTxOriginCheck(t *testing.T) {
	qualifier := NewQualifier(stakesOf(), txOriginCheckEpoch, dedupEpoch, contractTxsEpoch, nil)

	contractSwap := swapN(1, staker, 100)
	contractSwap.Initiator = common.HexToAddress("0x3000000000000000000000000000000000000003")

	// before the gate the mismatch is allowed
	qualified, err := qualifier.Qualify(txOriginCheckEpoch-1, []types.Swap{contractSwap})
	require.NoError(t, err)
	assert.Len(t, qualified, 1)

	// from the gate onward it is dropped
	qualified, err = qualifier.Qualify(txOriginCheckEpoch, []types.Swap{contractSwap})
	require.NoError(t, err)
	assert.Empty(t, qualified)

	// the check stays in force in later epochs, the contract-txs epoch included
	qualified, err = qualifier.Qualify(contractTxsEpoch, []types.Swap{contractSwap})
	require.NoError(t, err)
	assert.Empty(t, qualified)
}

func TestQualifyDuplicateIsFatal(t *testing.T) {
	qualifier := NewQualifier(stakesOf(), txOriginCheckEpoch, dedupEpoch, contractTxsEpoch, nil)

	first := swapN(1, staker, 100)
	duplicate := swapN(1, staker, 150)

	// before the dedup epoch duplicates slip through
	qualified, err := qualifier.Qualify(dedupEpoch-1, []types.Swap{first, duplicate})
	require.NoError(t, err)
	assert.Len(t, qualified, 2)

	// from the dedup epoch a duplicate txHash aborts the slice
	_, err = qualifier.Qualify(dedupEpoch, []types.Swap{first, duplicate})
	assert.ErrorIs(t, err, ErrDuplicateSwap)
}

func TestQualifyReorgBlacklist(t *testing.T) {
	reorged := swapN(1, staker, 100)
	kept := swapN(2, staker, 200)
	qualifier := NewQualifier(stakesOf(), txOriginCheckEpoch, dedupEpoch, contractTxsEpoch, map[uint64][]common.Hash{
		types.ChainIDMainnet: {reorged.BlockHash},
	})

	qualified, err := qualifier.Qualify(20, []types.Swap{reorged, kept})
	require.NoError(t, err)
	require.Len(t, qualified, 1)
	assert.Equal(t, kept.TxHash, qualified[0].TxHash)
}

func TestQualifyChronologicalOrder(t *testing.T) {
	qualifier := NewQualifier(stakesOf(), txOriginCheckEpoch, dedupEpoch, contractTxsEpoch, nil)

	late := swapN(1, staker, 300)
	early := swapN(2, staker, 100)
	middle := swapN(3, staker, 200)

	qualified, err := qualifier.Qualify(20, []types.Swap{late, early, middle})
	require.NoError(t, err)
	require.Len(t, qualified, 3)
	assert.Equal(t, []uint64{100, 200, 300}, []uint64{qualified[0].Timestamp, qualified[1].Timestamp, qualified[2].Timestamp})
}
