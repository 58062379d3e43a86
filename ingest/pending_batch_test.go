package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/gasrefund/types"
)

func stagedRow(hash string, epoch uint64) *types.GasRefundTransaction {
	return &types.GasRefundTransaction{
		ChainID: types.ChainIDMainnet,
		Epoch:   epoch,
		Hash:    hash,
		Status:  types.TxStatusIdle,
	}
}

func TestPendingBatchKeepsInsertionOrder(t *testing.T) {
	batch := NewPendingBatch()
	batch.Add(stagedRow("0x03", 20))
	batch.Add(stagedRow("0x01", 20))
	batch.Add(stagedRow("0x02", 20))

	rows := batch.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"0x03", "0x01", "0x02"}, []string{rows[0].Hash, rows[1].Hash, rows[2].Hash})
}

func TestPendingBatchReplacesDuplicateInPlace(t *testing.T) {
	batch := NewPendingBatch()
	batch.Add(stagedRow("0x01", 20))
	batch.Add(stagedRow("0x02", 20))

	replacement := stagedRow("0x01", 21)
	batch.Add(replacement)

	assert.Equal(t, 2, batch.Len())
	rows := batch.Rows()
	require.Len(t, rows, 2)
	// the replaced row keeps its queue position but carries the new data
	assert.Equal(t, "0x01", rows[0].Hash)
	assert.Equal(t, uint64(21), rows[0].Epoch)
}

func TestPendingBatchClear(t *testing.T) {
	batch := NewPendingBatch()
	batch.Add(stagedRow("0x01", 20))
	require.True(t, batch.Contains("0x01"))

	batch.Clear()
	assert.Equal(t, 0, batch.Len())
	assert.False(t, batch.Contains("0x01"))
	assert.Empty(t, batch.Rows())
}
