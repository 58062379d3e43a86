package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// Entitlement is one address's aggregated validated refund for an epoch.
// Amount must already be integer PSP-wei.
type Entitlement struct {
	Address common.Address
	Amount  decimal.Decimal
}

// EpochLeaf is one sealed leaf with its proof path, hex-encoded for
// persistence and the claim API.
type EpochLeaf struct {
	Address common.Address
	Amount  string
	Proofs  []string
}

// EpochTree is the sealed result for one (chain, epoch).
type EpochTree struct {
	Root   common.Hash
	Total  decimal.Decimal // sum of all leaf amounts
	Leaves []EpochLeaf
}

// BuildEpochTree builds the Merkle tree over the entitlements in the given
// order and derives every leaf's proof. Returns nil when there is nothing
// to distribute.
func BuildEpochTree(entitlements []Entitlement) *EpochTree {
	if len(entitlements) == 0 {
		return nil
	}

	leaves := make([]common.Hash, len(entitlements))
	total := decimal.Zero
	amounts := make([]string, len(entitlements))
	for i, entitlement := range entitlements {
		amounts[i] = entitlement.Amount.String()
		leaves[i] = Leaf(entitlement.Address, amounts[i])
		total = total.Add(entitlement.Amount)
	}

	tree := NewTree(leaves)
	epochLeaves := make([]EpochLeaf, len(entitlements))
	for i, entitlement := range entitlements {
		proof := tree.Proof(i)
		proofs := make([]string, len(proof))
		for j, h := range proof {
			proofs[j] = h.Hex()
		}
		epochLeaves[i] = EpochLeaf{Address: entitlement.Address, Amount: amounts[i], Proofs: proofs}
	}

	log.Debug("built epoch tree", "leaves", len(epochLeaves), "root", tree.Root(), "total", total)
	return &EpochTree{Root: tree.Root(), Total: total, Leaves: epochLeaves}
}
