package server

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/paraswap/gasrefund/types"
)

type epochEntry struct {
	Address      string   `json:"address"`
	Amount       string   `json:"amount"`
	MerkleProofs []string `json:"merkleProofs"`
	IsCompleted  bool     `json:"isCompleted"`
}

type claim struct {
	Epoch        uint64   `json:"epoch"`
	Amount       string   `json:"amount"`
	MerkleProofs []string `json:"merkleProofs"`
}

type claimsResponse struct {
	TotalClaimable string  `json:"totalClaimable"`
	Claims         []claim `json:"claims"`
}

func (s *Server) entriesForEpochHandler(r *http.Request, routeParams map[string]string) (interface{}, *handlerError) {
	chainID, err := strconv.ParseUint(routeParams[routeParamChainID], 10, 64)
	if err != nil || !types.IsSupportedChain(chainID) {
		return nil, newHandlerError(http.StatusUnprocessableEntity, "The given chainId %q is not a supported chain.", routeParams[routeParamChainID])
	}
	epoch, err := strconv.ParseUint(routeParams[routeParamEpoch], 10, 64)
	if err != nil {
		return nil, newHandlerError(http.StatusUnprocessableEntity, "The given epoch %q is not a number.", routeParams[routeParamEpoch])
	}

	rows, err := s.store.EpochEntries(r.Context(), chainID, epoch)
	if err != nil {
		return nil, newHandlerError(http.StatusInternalServerError, "Internal server error occurred")
	}
	entries := make([]epochEntry, len(rows))
	for i, row := range rows {
		entries[i] = epochEntry{
			Address:      row.Address,
			Amount:       row.Amount,
			MerkleProofs: row.MerkleProofs,
			IsCompleted:  row.IsCompleted,
		}
	}
	return entries, nil
}

func (s *Server) claimsForAddressHandler(r *http.Request, routeParams map[string]string) (interface{}, *handlerError) {
	chainID, err := strconv.ParseUint(routeParams[routeParamChainID], 10, 64)
	if err != nil || !types.IsSupportedChain(chainID) {
		return nil, newHandlerError(http.StatusUnprocessableEntity, "The given chainId %q is not a supported chain.", routeParams[routeParamChainID])
	}
	if !common.IsHexAddress(routeParams[routeParamAddress]) {
		return nil, newHandlerError(http.StatusUnprocessableEntity, "The given address %q is not a hex address.", routeParams[routeParamAddress])
	}
	address := common.HexToAddress(routeParams[routeParamAddress])

	rows, err := s.store.AddressClaims(r.Context(), chainID, address)
	if err != nil {
		return nil, newHandlerError(http.StatusInternalServerError, "Internal server error occurred")
	}
	if len(rows) == 0 {
		return claimsResponse{TotalClaimable: "0", Claims: []claim{}}, nil
	}

	epochs := make([]uint64, len(rows))
	for i, row := range rows {
		epochs[i] = row.Epoch
	}
	claimed, err := s.claims.ClaimedEpochs(r.Context(), chainID, address, epochs)
	if err != nil {
		return nil, newHandlerError(http.StatusInternalServerError, "Internal server error occurred")
	}

	total := decimal.Zero
	claims := make([]claim, 0, len(rows))
	for _, row := range rows {
		if claimed[row.Epoch] {
			continue
		}
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			return nil, newHandlerError(http.StatusInternalServerError, "Internal server error occurred")
		}
		total = total.Add(amount)
		claims = append(claims, claim{Epoch: row.Epoch, Amount: row.Amount, MerkleProofs: row.MerkleProofs})
	}
	return claimsResponse{TotalClaimable: total.String(), Claims: claims}, nil
}
