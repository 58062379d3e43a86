package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/paraswap/gasrefund/config"
	"github.com/paraswap/gasrefund/epoch"
	"github.com/paraswap/gasrefund/ingest"
	"github.com/paraswap/gasrefund/orchestrator"
	"github.com/paraswap/gasrefund/pricing"
	"github.com/paraswap/gasrefund/refund"
	"github.com/paraswap/gasrefund/stake"
	"github.com/paraswap/gasrefund/storage"
)

var (
	runCommand = &cli.Command{
		Action: doRun,
		Name:   "run",
		Usage:  "Run one full refund pipeline round across all configured chains",
		Flags: []cli.Flag{
			dbDSNFlag,
			lockDirFlag,
			oracleURLFlag,
			subgraphFlag,
			explorerFlag,
			explorerKeyFlag,
			spspSubgraphFlag,
			smSubgraphFlag,
			reorgBlacklistFlag,
			genesisEpochFlag,
			genesisTimeFlag,
		},
	}

	dbDSNFlag = &cli.StringFlag{
		Name:     "db-dsn",
		Usage:    "Postgres DSN of the refund database",
		Required: true,
	}
	lockDirFlag = &cli.StringFlag{
		Name:  "lock-dir",
		Usage: "Directory holding the per-chain lock files",
		Value: config.DefaultConfig.LockDir,
	}
	oracleURLFlag = &cli.StringFlag{
		Name:     "oracle-url",
		Usage:    "Base URL of the historical price oracle",
		Required: true,
	}
	subgraphFlag = &cli.StringSliceFlag{
		Name:  "subgraph",
		Usage: "Swaps subgraph endpoint as chainId=url (repeatable)",
	}
	explorerFlag = &cli.StringSliceFlag{
		Name:  "explorer",
		Usage: "Block explorer API endpoint as chainId=url (repeatable)",
	}
	explorerKeyFlag = &cli.StringSliceFlag{
		Name:  "explorer-key",
		Usage: "Block explorer API key as chainId=key (repeatable)",
	}
	spspSubgraphFlag = &cli.StringFlag{
		Name:     "spsp-subgraph",
		Usage:    "SPSP staking subgraph endpoint",
		Required: true,
	}
	smSubgraphFlag = &cli.StringFlag{
		Name:     "sm-subgraph",
		Usage:    "Safety module staking subgraph endpoint",
		Required: true,
	}
	reorgBlacklistFlag = &cli.StringSliceFlag{
		Name:  "reorg-blacklist",
		Usage: "Reorged block to exclude as chainId=blockHash (repeatable)",
	}
	genesisEpochFlag = &cli.Uint64Flag{
		Name:  "genesis-epoch",
		Usage: "First epoch covered by the refund program",
		Value: config.DefaultConfig.GenesisEpoch,
	}
	genesisTimeFlag = &cli.Uint64Flag{
		Name:  "genesis-time",
		Usage: "Unix start of the genesis epoch",
		Value: config.DefaultConfig.GenesisTime,
	}
)

func doRun(cliCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultConfig
	cfg.DatabaseDSN = cliCtx.String(dbDSNFlag.Name)
	cfg.LockDir = cliCtx.String(lockDirFlag.Name)
	cfg.OracleURL = cliCtx.String(oracleURLFlag.Name)
	cfg.GenesisEpoch = cliCtx.Uint64(genesisEpochFlag.Name)
	cfg.GenesisTime = cliCtx.Uint64(genesisTimeFlag.Name)

	var err error
	if cfg.SubgraphURLs, err = parseChainValues(cliCtx.StringSlice(subgraphFlag.Name)); err != nil {
		return fmt.Errorf("bad --subgraph: %w", err)
	}
	if cfg.ExplorerURLs, err = parseChainValues(cliCtx.StringSlice(explorerFlag.Name)); err != nil {
		return fmt.Errorf("bad --explorer: %w", err)
	}
	explorerKeys, err := parseChainValues(cliCtx.StringSlice(explorerKeyFlag.Name))
	if err != nil {
		return fmt.Errorf("bad --explorer-key: %w", err)
	}
	blacklist, err := parseBlacklist(cliCtx.StringSlice(reorgBlacklistFlag.Name))
	if err != nil {
		return fmt.Errorf("bad --reorg-blacklist: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, chainID := range cfg.Chains {
		if cfg.SubgraphURLs[chainID] == "" {
			return fmt.Errorf("no swaps subgraph configured for chain %d", chainID)
		}
		if cfg.ExplorerURLs[chainID] == "" {
			return fmt.Errorf("no explorer configured for chain %d", chainID)
		}
	}
	log.Info("starting refund pipeline", "config", cfg.String())

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	epochs := epoch.NewInfo(cfg.GenesisEpoch, cfg.GenesisTime)

	// Preload both stake trackers over the full scan window, mapped to
	// mainnet blocks. Every later balance query is a pure lookup.
	if cfg.ExplorerURLs[1] == "" {
		return fmt.Errorf("a mainnet explorer is required to resolve the stake tracking window")
	}
	mainnetExplorer := ingest.NewExplorerClient(1, cfg.ExplorerURLs[1], explorerKeys[1], cfg.RequestTimeout)
	fromBlock, err := mainnetExplorer.BlockAfterTimestamp(ctx, epochs.StartTime(cfg.GenesisEpoch))
	if err != nil {
		return fmt.Errorf("failed to resolve scan start block: %w", err)
	}
	toBlock, err := mainnetExplorer.BlockAfterTimestamp(ctx, uint64(time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("failed to resolve scan end block: %w", err)
	}
	spsp := stake.NewTracker("spsp", stake.NewSubgraphSource(cliCtx.String(spspSubgraphFlag.Name), cfg.RequestTimeout))
	safetyModule := stake.NewTracker("safety-module", stake.NewSubgraphSource(cliCtx.String(smSubgraphFlag.Name), cfg.RequestTimeout))
	if err := stake.LoadTrackers(ctx, fromBlock, toBlock, spsp, safetyModule); err != nil {
		return err
	}
	aggregator := stake.NewAggregator(spsp, safetyModule, cfg.SMStartEpoch)

	qualifier := refund.NewQualifier(aggregator, cfg.TxOriginCheckEpoch, cfg.DedupEpoch, cfg.ContractTxsEpoch, blacklist)
	calculator := refund.NewCalculator(cfg.PrecisionGlitchEpoch)
	revalidator := refund.NewRevalidator(store, cfg.GenesisEpoch, cfg.EpochBudgetEpoch, cfg.PrecisionGlitchEpoch, cfg.PageSize)

	oracle := pricing.NewClient(cfg.OracleURL, cfg.RequestTimeout)
	scanStart := epochs.StartTime(cfg.GenesisEpoch)
	scanEnd := uint64(time.Now().Unix())

	runners := make(map[uint64]orchestrator.EpochRunner, len(cfg.Chains))
	for _, chainID := range cfg.Chains {
		points, err := oracle.DailyRates(ctx, chainID, scanStart, scanEnd)
		if err != nil {
			return fmt.Errorf("failed to load daily rates for chain %d: %w", chainID, err)
		}
		swaps := ingest.NewSwapsClient(chainID, cfg.SubgraphURLs[chainID], blacklist[chainID], cfg.RequestTimeout)
		explorer := ingest.NewExplorerClient(chainID, cfg.ExplorerURLs[chainID], explorerKeys[chainID], cfg.RequestTimeout)
		runners[chainID] = ingest.NewDriver(chainID, epochs, swaps, explorer, pricing.NewResolver(points),
			aggregator, qualifier, calculator, revalidator.Guardian(), store, cfg.SliceDuration)
	}

	driver := orchestrator.New(epochs, store, runners, revalidator, cfg.GenesisEpoch, cfg.LockDir)
	return driver.Run(ctx)
}

// parseChainValues parses repeated "chainId=value" flags.
func parseChainValues(values []string) (map[uint64]string, error) {
	parsed := make(map[uint64]string, len(values))
	for _, value := range values {
		chainPart, rest, found := strings.Cut(value, "=")
		if !found {
			return nil, fmt.Errorf("expected chainId=value, got %q", value)
		}
		chainID, err := strconv.ParseUint(chainPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id %q: %w", chainPart, err)
		}
		parsed[chainID] = rest
	}
	return parsed, nil
}

func parseBlacklist(values []string) (map[uint64][]common.Hash, error) {
	parsed := make(map[uint64][]common.Hash)
	for _, value := range values {
		chainPart, rest, found := strings.Cut(value, "=")
		if !found {
			return nil, fmt.Errorf("expected chainId=blockHash, got %q", value)
		}
		chainID, err := strconv.ParseUint(chainPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id %q: %w", chainPart, err)
		}
		parsed[chainID] = append(parsed[chainID], common.HexToHash(rest))
	}
	return parsed, nil
}
