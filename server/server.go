package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/paraswap/gasrefund/types"
)

const (
	routeParamChainID = "chainId"
	routeParamEpoch   = "epoch"
	routeParamAddress = "address"
)

// Store is the read surface the API serves from.
type Store interface {
	EpochEntries(ctx context.Context, chainID, epoch uint64) ([]types.GasRefundParticipation, error)
	AddressClaims(ctx context.Context, chainID uint64, address common.Address) ([]types.GasRefundParticipation, error)
}

// ClaimStatusSource reports which of an address's sealed epochs were
// already claimed on-chain, per the redeem contract's claim bitmap.
type ClaimStatusSource interface {
	ClaimedEpochs(ctx context.Context, chainID uint64, address common.Address, epochs []uint64) (map[uint64]bool, error)
}

// Server is the thin HTTP surface exposing claim data.
type Server struct {
	store  Store
	claims ClaimStatusSource
	http   *http.Server
}

func New(addr string, store Store, claims ClaimStatusSource) *Server {
	server := &Server{store: store, claims: claims}
	router := mux.NewRouter()
	addRoutes(router, server)
	server.http = &http.Server{Addr: addr, Handler: router}
	return server
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	log.Info("claim API listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type handlerError struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *handlerError) Error() string { return e.ErrorMessage }

func newHandlerError(code int, format string, args ...interface{}) *handlerError {
	return &handlerError{ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...)}
}

func makeHandler(handler func(r *http.Request, routeParams map[string]string) (interface{}, *handlerError)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		response, hErr := handler(r, mux.Vars(r))
		if hErr != nil {
			sendErr(w, hErr)
			return
		}
		sendJSONResponse(w, response)
	}
}

func sendErr(w http.ResponseWriter, hErr *handlerError) {
	log.Warn("claim API request failed", "code", hErr.ErrorCode, "err", hErr.ErrorMessage)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(hErr.ErrorCode)
	sendJSONBody(w, hErr)
}

func sendJSONResponse(w http.ResponseWriter, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	sendJSONBody(w, response)
}

func sendJSONBody(w http.ResponseWriter, body interface{}) {
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to encode response", "err", err)
	}
}

func addRoutes(router *mux.Router, s *Server) {
	router.HandleFunc(
		fmt.Sprintf("/gas-refund/entries/{%s}/{%s}", routeParamChainID, routeParamEpoch),
		makeHandler(s.entriesForEpochHandler)).
		Methods("GET")

	router.HandleFunc(
		fmt.Sprintf("/gas-refund/claims/{%s}/{%s}", routeParamChainID, routeParamAddress),
		makeHandler(s.claimsForAddressHandler)).
		Methods("GET")
}
