package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leaf encodes one (address, amount) entitlement. Amount is the ASCII
// decimal string of the aggregated PSP-wei refund. The leaf hash is
// keccak256 over the raw 20 address bytes concatenated with the amount
// bytes; this encoding is observable on-chain and must never change.
func Leaf(address common.Address, amount string) common.Hash {
	return common.BytesToHash(crypto.Keccak256(address.Bytes(), []byte(amount)))
}

// Tree is a keccak256 Merkle tree over a fixed leaf sequence. Internal
// nodes hash the sorted concatenation of their children, matching the
// MerkleProof verification of the on-chain redeem contract. An unpaired
// node is promoted to the next level unchanged.
type Tree struct {
	levels [][]common.Hash // levels[0] = leaves, last level = root
}

// NewTree builds the tree over leaves in the given order.
// It returns nil for an empty leaf set.
func NewTree(leaves []common.Hash) *Tree {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][]common.Hash{leaves}
	for level := leaves; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Proof returns the sibling path of the leaf at index, bottom-up. Verifying
// folds the leaf with each sibling via the same sorted-pair hash.
func (t *Tree) Proof(index int) []common.Hash {
	proof := make([]common.Hash, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof
}

// Verify folds leaf through proof and compares against root.
func Verify(root, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(crypto.Keccak256(a.Bytes(), b.Bytes()))
}
