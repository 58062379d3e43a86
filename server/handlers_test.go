package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/gasrefund/types"
)

type fakeServerStore struct {
	entries []types.GasRefundParticipation
	claims  []types.GasRefundParticipation
}

func (f *fakeServerStore) EpochEntries(context.Context, uint64, uint64) ([]types.GasRefundParticipation, error) {
	return f.entries, nil
}

func (f *fakeServerStore) AddressClaims(context.Context, uint64, common.Address) ([]types.GasRefundParticipation, error) {
	return f.claims, nil
}

type fakeClaimStatus struct {
	claimed map[uint64]bool
}

func (f *fakeClaimStatus) ClaimedEpochs(_ context.Context, _ uint64, _ common.Address, _ []uint64) (map[uint64]bool, error) {
	return f.claimed, nil
}

func participation(e uint64, amount string) types.GasRefundParticipation {
	return types.GasRefundParticipation{
		Epoch:        e,
		Address:      "0xbeef00000000000000000000000000000000beef",
		ChainID:      types.ChainIDMainnet,
		Amount:       amount,
		MerkleProofs: []string{"0x01", "0x02"},
		IsCompleted:  true,
	}
}

func get(t *testing.T, store Store, claims ClaimStatusSource, path string) *httptest.ResponseRecorder {
	t.Helper()
	api := New(":0", store, claims)
	recorder := httptest.NewRecorder()
	api.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

func TestEntriesForEpoch(t *testing.T) {
	store := &fakeServerStore{entries: []types.GasRefundParticipation{participation(20, "100")}}
	recorder := get(t, store, &fakeClaimStatus{}, "/gas-refund/entries/1/20")
	require.Equal(t, http.StatusOK, recorder.Code)

	var entries []epochEntry
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "100", entries[0].Amount)
	assert.Equal(t, []string{"0x01", "0x02"}, entries[0].MerkleProofs)
}

func TestEntriesForEpochRejectsUnsupportedChain(t *testing.T) {
	recorder := get(t, &fakeServerStore{}, &fakeClaimStatus{}, "/gas-refund/entries/999/20")
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestClaimsForAddressFiltersClaimed(t *testing.T) {
	store := &fakeServerStore{claims: []types.GasRefundParticipation{
		participation(20, "100"),
		participation(21, "50"),
		participation(22, "25"),
	}}
	claims := &fakeClaimStatus{claimed: map[uint64]bool{21: true}}

	recorder := get(t, store, claims, "/gas-refund/claims/1/0xBEEF00000000000000000000000000000000BEEF")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response claimsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "125", response.TotalClaimable)
	require.Len(t, response.Claims, 2)
	assert.Equal(t, uint64(20), response.Claims[0].Epoch)
	assert.Equal(t, uint64(22), response.Claims[1].Epoch)
}

func TestClaimsForAddressEmpty(t *testing.T) {
	recorder := get(t, &fakeServerStore{}, &fakeClaimStatus{}, "/gas-refund/claims/1/0xBEEF00000000000000000000000000000000BEEF")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response claimsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "0", response.TotalClaimable)
	assert.Empty(t, response.Claims)
}

func TestClaimsForAddressRejectsBadAddress(t *testing.T) {
	recorder := get(t, &fakeServerStore{}, &fakeClaimStatus{}, "/gas-refund/claims/1/nothex")
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestUnpackBoolArray(t *testing.T) {
	// offset word, length 3, then true/false/true
	result := make([]byte, 0, 5*32)
	result = append(result, common.LeftPadBytes([]byte{0x20}, 32)...)
	result = append(result, common.LeftPadBytes([]byte{0x03}, 32)...)
	result = append(result, common.LeftPadBytes([]byte{0x01}, 32)...)
	result = append(result, common.LeftPadBytes([]byte{0x00}, 32)...)
	result = append(result, common.LeftPadBytes([]byte{0x01}, 32)...)

	bitmap, err := unpackBoolArray(result)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bitmap)

	_, err = unpackBoolArray(result[:40])
	assert.Error(t, err)
}
