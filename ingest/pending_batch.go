package ingest

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/paraswap/gasrefund/types"
)

// PendingBatch collects staged refund transactions for one slice before
// they are persisted. It keeps first-come order while deduplicating by
// transaction hash: the enrichment workers may finish out of order, and a
// re-fetched swap must replace its earlier entry rather than append twice.
type PendingBatch struct {
	mu      sync.Mutex
	rowMap  map[string]*types.GasRefundTransaction // hash -> staged row
	rowList []*types.GasRefundTransaction          // insertion order
}

func NewPendingBatch() *PendingBatch {
	return &PendingBatch{
		rowMap:  make(map[string]*types.GasRefundTransaction),
		rowList: make([]*types.GasRefundTransaction, 0),
	}
}

// Add stages a row. If a row with the same hash exists it is replaced in
// place, keeping its queue position.
func (b *PendingBatch) Add(row *types.GasRefundTransaction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, exists := b.rowMap[row.Hash]; exists {
		*old = *row
		log.Trace("pending refund replaced", "tx", row.Hash)
		return
	}
	b.rowMap[row.Hash] = row
	b.rowList = append(b.rowList, row)
	MetricsPendingRefundInc(1)
	log.Trace("pending refund staged", "tx", row.Hash)
}

// Contains checks if a row with the given hash is staged.
func (b *PendingBatch) Contains(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.rowMap[hash]
	return exists
}

// Rows returns the staged rows in insertion order.
func (b *PendingBatch) Rows() []types.GasRefundTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([]types.GasRefundTransaction, len(b.rowList))
	for i, row := range b.rowList {
		rows[i] = *row
	}
	return rows
}

// Len returns the number of staged rows.
func (b *PendingBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.rowMap)
}

// Clear drops all staged rows.
func (b *PendingBatch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	MetricsPendingRefundDec(len(b.rowMap))
	b.rowMap = make(map[string]*types.GasRefundTransaction)
	b.rowList = make([]*types.GasRefundTransaction, 0)
}
