package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"

	"github.com/paraswap/gasrefund/epoch"
	"github.com/paraswap/gasrefund/merkle"
	"github.com/paraswap/gasrefund/storage"
	"github.com/paraswap/gasrefund/types"
)

// EpochRunner indexes one epoch for one chain; *ingest.Driver in production.
type EpochRunner interface {
	RunEpoch(ctx context.Context, e uint64) error
}

// Revalidator re-classifies all persisted rows; *refund.Revalidator in
// production.
type Revalidator interface {
	Run(ctx context.Context) error
}

// Store is the persistence surface the orchestrator itself needs.
type Store interface {
	LastDistributedEpoch(ctx context.Context, chainID uint64) (uint64, bool, error)
	HasDistribution(ctx context.Context, chainID, epoch uint64) (bool, error)
	EpochsWithTransactions(ctx context.Context, chainID uint64) ([]uint64, error)
	ValidatedTotals(ctx context.Context, chainID, epoch uint64) ([]storage.AddressTotal, error)
	SealEpoch(ctx context.Context, distribution types.GasRefundDistribution, participations []types.GasRefundParticipation) error
}

// Orchestrator drives the whole pipeline: one indexing worker per chain
// under a per-chain lock, then the global single-threaded re-validation
// pass, then Merkle sealing of every fully elapsed epoch.
type Orchestrator struct {
	epochs       *epoch.Info
	store        Store
	runners      map[uint64]EpochRunner
	revalidator  Revalidator
	genesisEpoch uint64
	lockDir      string
}

func New(epochs *epoch.Info, store Store, runners map[uint64]EpochRunner, revalidator Revalidator, genesisEpoch uint64, lockDir string) *Orchestrator {
	return &Orchestrator{
		epochs:       epochs,
		store:        store,
		runners:      runners,
		revalidator:  revalidator,
		genesisEpoch: genesisEpoch,
		lockDir:      lockDir,
	}
}

// Run executes one full round. Chains index in parallel with settled-join
// semantics: one chain failing does not cancel the others, but any failure
// aborts the round before sealing so no root is published from a partial
// scan.
func (o *Orchestrator) Run(ctx context.Context) error {
	currentEpoch := o.epochs.Current(time.Now())

	chainErrs := make(map[uint64]error, len(o.runners))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for chainID, runner := range o.runners {
		chainID, runner := chainID, runner
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.runChain(ctx, chainID, runner, currentEpoch)
			mu.Lock()
			chainErrs[chainID] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	var failed []error
	for chainID, err := range chainErrs {
		if err != nil {
			log.Error("chain indexing failed", "chain", chainID, "err", err)
			failed = append(failed, fmt.Errorf("chain %d: %w", chainID, err))
		}
	}
	if len(failed) > 0 {
		return errors.Join(failed...)
	}

	if err := o.revalidator.Run(ctx); err != nil {
		return fmt.Errorf("re-validation failed: %w", err)
	}

	return o.sealEpochs(ctx, currentEpoch)
}

// runChain indexes every unfinished epoch of one chain under its lock.
func (o *Orchestrator) runChain(ctx context.Context, chainID uint64, runner EpochRunner, currentEpoch uint64) error {
	lock, err := o.acquireLock(ctx, chainID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("failed to release chain lock", "chain", chainID, "err", err)
		}
	}()

	fromEpoch := o.genesisEpoch
	if last, found, err := o.store.LastDistributedEpoch(ctx, chainID); err != nil {
		return fmt.Errorf("failed to resolve last distributed epoch: %w", err)
	} else if found {
		fromEpoch = last + 1
	}

	for e := fromEpoch; e < currentEpoch; e++ {
		sealed, err := o.store.HasDistribution(ctx, chainID, e)
		if err != nil {
			return err
		}
		if sealed {
			continue
		}
		if err := runner.RunEpoch(ctx, e); err != nil {
			return fmt.Errorf("epoch %d: %w", e, err)
		}
	}
	return nil
}

// acquireLock takes the named per-chain lock. A concurrent holder makes the
// call block until release or context cancellation.
func (o *Orchestrator) acquireLock(ctx context.Context, chainID uint64) (*flock.Flock, error) {
	if err := os.MkdirAll(o.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(o.lockDir, fmt.Sprintf("gas-refund:%d.lock", chainID)))
	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for chain %d: %w", chainID, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock for chain %d not acquired", chainID)
	}
	log.Debug("chain lock acquired", "chain", chainID)
	return lock, nil
}

// sealEpochs builds and persists the Merkle root of every fully elapsed,
// not yet distributed (chain, epoch).
func (o *Orchestrator) sealEpochs(ctx context.Context, currentEpoch uint64) error {
	for chainID := range o.runners {
		epochs, err := o.store.EpochsWithTransactions(ctx, chainID)
		if err != nil {
			return err
		}
		for _, e := range epochs {
			if e >= currentEpoch {
				continue // epoch still running
			}
			sealed, err := o.store.HasDistribution(ctx, chainID, e)
			if err != nil {
				return err
			}
			if sealed {
				continue
			}
			if err := o.sealEpoch(ctx, chainID, e); err != nil {
				return fmt.Errorf("failed to seal chain %d epoch %d: %w", chainID, e, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) sealEpoch(ctx context.Context, chainID, e uint64) error {
	totals, err := o.store.ValidatedTotals(ctx, chainID, e)
	if err != nil {
		return err
	}
	entitlements := make([]merkle.Entitlement, len(totals))
	for i, total := range totals {
		entitlements[i] = merkle.Entitlement{Address: total.Address, Amount: total.Amount}
	}

	tree := merkle.BuildEpochTree(entitlements)
	if tree == nil {
		log.Info("no validated refunds to distribute", "chain", chainID, "epoch", e)
		return nil
	}

	participations := make([]types.GasRefundParticipation, len(tree.Leaves))
	for i, leaf := range tree.Leaves {
		participations[i] = types.GasRefundParticipation{
			Epoch:        e,
			Address:      types.AddressHex(leaf.Address),
			ChainID:      chainID,
			Amount:       leaf.Amount,
			MerkleProofs: leaf.Proofs,
			IsCompleted:  true,
		}
	}
	distribution := types.GasRefundDistribution{
		ChainID:                chainID,
		Epoch:                  e,
		MerkleRoot:             tree.Root.Hex(),
		TotalPSPAmountToRefund: tree.Total.String(),
		IsCompleted:            true,
	}

	if err := o.store.SealEpoch(ctx, distribution, participations); err != nil {
		return err
	}
	log.Info("epoch sealed", "chain", chainID, "epoch", e, "root", tree.Root, "total", tree.Total, "addresses", len(participations))
	return nil
}
