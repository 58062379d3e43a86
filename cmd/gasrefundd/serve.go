package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/paraswap/gasrefund/config"
	"github.com/paraswap/gasrefund/server"
	"github.com/paraswap/gasrefund/storage"
)

var (
	serveCommand = &cli.Command{
		Action: doServe,
		Name:   "serve",
		Usage:  "Serve the claim read API",
		Flags: []cli.Flag{
			dbDSNFlag,
			httpAddrFlag,
			rpcFlag,
			redeemContractFlag,
		},
	}

	httpAddrFlag = &cli.StringFlag{
		Name:  "http-addr",
		Usage: "Listen address of the claim API",
		Value: config.DefaultConfig.HTTPAddr,
	}
	rpcFlag = &cli.StringSliceFlag{
		Name:  "rpc",
		Usage: "JSON-RPC endpoint as chainId=url (repeatable)",
	}
	redeemContractFlag = &cli.StringSliceFlag{
		Name:  "redeem-contract",
		Usage: "MerkleRedeem contract as chainId=address (repeatable)",
	}
)

func doServe(cliCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cliCtx.String(dbDSNFlag.Name))
	if err != nil {
		return err
	}
	rpcURLs, err := parseChainValues(cliCtx.StringSlice(rpcFlag.Name))
	if err != nil {
		return fmt.Errorf("bad --rpc: %w", err)
	}
	contractValues, err := parseChainValues(cliCtx.StringSlice(redeemContractFlag.Name))
	if err != nil {
		return fmt.Errorf("bad --redeem-contract: %w", err)
	}
	contracts := make(map[uint64]common.Address, len(contractValues))
	for chainID, value := range contractValues {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("bad --redeem-contract address %q for chain %d", value, chainID)
		}
		contracts[chainID] = common.HexToAddress(value)
	}

	claims := server.NewMerkleRedeemReader(rpcURLs, contracts)
	api := server.New(cliCtx.String(httpAddrFlag.Name), store, claims)

	errCh := make(chan error, 1)
	go func() { errCh <- api.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down claim API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	}
	return nil
}
