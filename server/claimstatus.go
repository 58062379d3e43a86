package server

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// claimStatusSelector is the 4-byte selector of
// claimStatus(address,uint256,uint256) on the MerkleRedeem contract.
var claimStatusSelector = crypto.Keccak256([]byte("claimStatus(address,uint256,uint256)"))[:4]

// MerkleRedeemReader answers on-chain claim bitmaps by eth_call against the
// per-chain MerkleRedeem contract. Clients are dialed lazily and reused.
type MerkleRedeemReader struct {
	rpcURLs   map[uint64]string
	contracts map[uint64]common.Address

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
}

func NewMerkleRedeemReader(rpcURLs map[uint64]string, contracts map[uint64]common.Address) *MerkleRedeemReader {
	return &MerkleRedeemReader{
		rpcURLs:   rpcURLs,
		contracts: contracts,
		clients:   make(map[uint64]*ethclient.Client),
	}
}

// ClaimedEpochs reports which of the given epochs the address has already
// redeemed on-chain.
func (r *MerkleRedeemReader) ClaimedEpochs(ctx context.Context, chainID uint64, address common.Address, epochs []uint64) (map[uint64]bool, error) {
	if len(epochs) == 0 {
		return map[uint64]bool{}, nil
	}
	contract, ok := r.contracts[chainID]
	if !ok {
		return nil, fmt.Errorf("no redeem contract configured for chain %d", chainID)
	}
	client, err := r.client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	begin, end := epochs[0], epochs[0]
	for _, e := range epochs {
		begin, end = min(begin, e), max(end, e)
	}

	data := packClaimStatus(address, begin, end)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("claimStatus call failed on chain %d: %w", chainID, err)
	}
	bitmap, err := unpackBoolArray(result)
	if err != nil {
		return nil, fmt.Errorf("bad claimStatus result on chain %d: %w", chainID, err)
	}

	claimed := make(map[uint64]bool, len(epochs))
	for _, e := range epochs {
		if i := e - begin; i < uint64(len(bitmap)) {
			claimed[e] = bitmap[i]
		}
	}
	return claimed, nil
}

func (r *MerkleRedeemReader) client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[chainID]; ok {
		return client, nil
	}
	url, ok := r.rpcURLs[chainID]
	if !ok {
		return nil, fmt.Errorf("no rpc url configured for chain %d", chainID)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc for chain %d: %w", chainID, err)
	}
	r.clients[chainID] = client
	return client, nil
}

func packClaimStatus(address common.Address, begin, end uint64) []byte {
	data := make([]byte, 0, 4+3*32)
	data = append(data, claimStatusSelector...)
	data = append(data, common.LeftPadBytes(address.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(begin).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(end).Bytes(), 32)...)
	return data
}

// unpackBoolArray decodes the ABI encoding of a dynamic bool array:
// a 32-byte offset, a 32-byte length, then one word per element.
func unpackBoolArray(result []byte) ([]bool, error) {
	if len(result) < 64 {
		return nil, fmt.Errorf("result too short: %d bytes", len(result))
	}
	length := new(big.Int).SetBytes(result[32:64]).Uint64()
	if uint64(len(result)) < 64+length*32 {
		return nil, fmt.Errorf("result truncated: want %d elements, have %d bytes", length, len(result))
	}
	bitmap := make([]bool, length)
	for i := uint64(0); i < length; i++ {
		word := result[64+i*32 : 64+(i+1)*32]
		bitmap[i] = word[31] == 1
	}
	return bitmap, nil
}
