package config

import (
	"fmt"
	"time"

	"github.com/paraswap/gasrefund/types"
)

var (
	DefaultConfig = Config{
		Chains:               types.SupportedChains,
		GenesisEpoch:         9,
		GenesisTime:          1_631_491_200, // 2021-09-13 00:00:00 UTC
		SMStartEpoch:         11,
		TxOriginCheckEpoch:   12,
		DedupEpoch:           12,
		PrecisionGlitchEpoch: 16,
		EpochBudgetEpoch:     20,
		ContractTxsEpoch:     23,
		SliceDuration:        6 * time.Hour,
		RequestTimeout:       30 * time.Second,
		PageSize:             1000,
		LockDir:              "/var/run/gasrefund",
		HTTPAddr:             ":8080",
	}
)

// Config carries everything the pipeline needs: the supported chain set, the
// epoch calendar, the epoch-gated feature switches and the ingestion knobs.
// Feature switches gate behavior by epoch number, never by wall clock, so a
// replay of historical epochs reproduces historical classification.
type Config struct {
	Chains []uint64

	GenesisEpoch uint64 // first epoch covered by the program
	GenesisTime  uint64 // unix start of GenesisEpoch

	SMStartEpoch         uint64 // safety module stake counts from here
	TxOriginCheckEpoch   uint64 // initiator == txOrigin required from here
	DedupEpoch           uint64 // duplicate txHash is fatal from here
	PrecisionGlitchEpoch uint64 // epoch that floors refundPSP_raw before USD conversion
	EpochBudgetEpoch     uint64 // per-address epoch USD cap active from here
	ContractTxsEpoch     uint64 // handed to the qualifier; no qualification rule depends on it

	SliceDuration  time.Duration // ingestion window width
	RequestTimeout time.Duration // per-HTTP-request deadline
	PageSize       int           // re-validation scan page size

	DatabaseDSN string
	LockDir     string // directory holding the per-chain lock files
	HTTPAddr    string

	SubgraphURLs map[uint64]string // swaps subgraph endpoint per chain
	ExplorerURLs map[uint64]string // block explorer endpoint per chain
	OracleURL    string            // historical price oracle
}

func (c *Config) String() string {
	return fmt.Sprintf("Chains: %v, GenesisEpoch: %d, SMStartEpoch: %d, TxOriginCheckEpoch: %d, DedupEpoch: %d, PrecisionGlitchEpoch: %d, EpochBudgetEpoch: %d, ContractTxsEpoch: %d, SliceDuration: %s, RequestTimeout: %s, PageSize: %d",
		c.Chains, c.GenesisEpoch, c.SMStartEpoch, c.TxOriginCheckEpoch, c.DedupEpoch, c.PrecisionGlitchEpoch, c.EpochBudgetEpoch, c.ContractTxsEpoch, c.SliceDuration, c.RequestTimeout, c.PageSize)
}

// Validate rejects unsupported chains and nonsensical gate ordering.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	for _, id := range c.Chains {
		if !types.IsSupportedChain(id) {
			return fmt.Errorf("unsupported chain id %d", id)
		}
	}
	if c.SMStartEpoch < c.GenesisEpoch {
		return fmt.Errorf("SMStartEpoch %d precedes GenesisEpoch %d", c.SMStartEpoch, c.GenesisEpoch)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	return nil
}
