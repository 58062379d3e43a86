package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/paraswap/gasrefund/refund"
	"github.com/paraswap/gasrefund/types"
)

// Store wraps the relational database holding refund transactions,
// participations and distributions. It is the only durable shared state of
// the pipeline.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing gorm handle without migrating the schema.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate creates or updates the three tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&types.GasRefundTransaction{},
		&types.GasRefundParticipation{},
		&types.GasRefundDistribution{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// UpsertTransactions bulk-writes staged rows. Conflicts on (chainId, hash)
// overwrite the mutable fields so a re-scan of a slice is idempotent.
func (s *Store) UpsertTransactions(ctx context.Context, rows []types.GasRefundTransaction) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}, {Name: "hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"epoch", "address", "timestamp", "block_number", "gas_used",
			"gas_used_chain_currency", "psp_chain_currency", "psp_usd",
			"chain_currency_usd", "total_stake_amount_psp",
			"refunded_amount_psp", "refunded_amount_usd", "status",
		}),
	}).Create(&rows).Error
}

// LastProcessedTimestamp returns the newest persisted swap timestamp for
// (chainID, epoch), letting the ingestion driver resume idempotently.
func (s *Store) LastProcessedTimestamp(ctx context.Context, chainID, epoch uint64) (uint64, bool, error) {
	var row types.GasRefundTransaction
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND epoch = ?", chainID, epoch).
		Order("timestamp DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Timestamp, true, nil
}

// LastRefundedEpoch returns the highest epoch holding a classified row.
func (s *Store) LastRefundedEpoch(ctx context.Context) (uint64, bool, error) {
	var row types.GasRefundTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []types.TxStatus{types.TxStatusValidated, types.TxStatusRejected}).
		Order("epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Epoch, true, nil
}

// BudgetSnapshot sums validated refunds below upToEpoch: the global PSP
// total plus the per-address USD totals. Summation happens in Go decimals
// so no precision is lost to SQL numeric coercion.
func (s *Store) BudgetSnapshot(ctx context.Context, upToEpoch uint64) (decimal.Decimal, map[common.Address]decimal.Decimal, error) {
	totalPSP := decimal.Zero
	yearlyUSD := make(map[common.Address]decimal.Decimal)

	var page []types.GasRefundTransaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND epoch < ?", types.TxStatusValidated, upToEpoch).
		FindInBatches(&page, 1000, func(tx *gorm.DB, batch int) error {
			for _, row := range page {
				psp, err := decimal.NewFromString(row.RefundedAmountPSP)
				if err != nil {
					return fmt.Errorf("row %d: bad refundedAmountPSP %q: %w", row.ID, row.RefundedAmountPSP, err)
				}
				usd, err := decimal.NewFromString(row.RefundedAmountUSD)
				if err != nil {
					return fmt.Errorf("row %d: bad refundedAmountUSD %q: %w", row.ID, row.RefundedAmountUSD, err)
				}
				addr := common.HexToAddress(row.Address)
				totalPSP = totalPSP.Add(psp)
				yearlyUSD[addr] = yearlyUSD[addr].Add(usd)
			}
			return nil
		}).Error
	if err != nil {
		return decimal.Zero, nil, err
	}
	return totalPSP, yearlyUSD, nil
}

// ScanCanonical pages through rows with epoch >= fromEpoch in the canonical
// (timestamp ASC, hash ASC) order. The hash tie-break applies even when
// timestamps are unique so the ordering is stable across database engines.
func (s *Store) ScanCanonical(ctx context.Context, fromEpoch uint64, pageSize int, fn func(rows []types.GasRefundTransaction) error) error {
	for offset := 0; ; offset += pageSize {
		var rows []types.GasRefundTransaction
		err := s.db.WithContext(ctx).
			Where("epoch >= ?", fromEpoch).
			Order("timestamp ASC, hash ASC").
			Limit(pageSize).
			Offset(offset).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < pageSize {
			return nil
		}
	}
}

// ApplyStatusUpdates persists staged classification changes in one
// transaction.
func (s *Store) ApplyStatusUpdates(ctx context.Context, updates []refund.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, update := range updates {
			err := tx.Model(&types.GasRefundTransaction{}).
				Where("id = ?", update.ID).
				Updates(map[string]interface{}{
					"status":              update.Status,
					"refunded_amount_psp": update.RefundedAmountPSP,
					"refunded_amount_usd": update.RefundedAmountUSD,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CountIdle counts rows still unclassified.
func (s *Store) CountIdle(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.GasRefundTransaction{}).
		Where("status = ?", types.TxStatusIdle).
		Count(&count).Error
	return count, err
}

// HasDistribution reports whether (chainID, epoch) is already sealed.
func (s *Store) HasDistribution(ctx context.Context, chainID, epoch uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.GasRefundDistribution{}).
		Where("chain_id = ? AND epoch = ?", chainID, epoch).
		Count(&count).Error
	return count > 0, err
}

// LastDistributedEpoch returns the highest sealed epoch for a chain.
func (s *Store) LastDistributedEpoch(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var row types.GasRefundDistribution
	err := s.db.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Epoch, true, nil
}

// EpochsWithTransactions lists the distinct epochs a chain has rows for,
// ascending.
func (s *Store) EpochsWithTransactions(ctx context.Context, chainID uint64) ([]uint64, error) {
	var epochs []uint64
	err := s.db.WithContext(ctx).
		Model(&types.GasRefundTransaction{}).
		Where("chain_id = ?", chainID).
		Distinct("epoch").
		Order("epoch ASC").
		Pluck("epoch", &epochs).Error
	return epochs, err
}

// AddressTotal is one address's aggregated validated refund for an epoch.
type AddressTotal struct {
	Address common.Address
	Amount  decimal.Decimal
}

// ValidatedTotals aggregates refundedAmountPSP per address over validated
// rows of (chainID, epoch), in ascending address order. The ordering fixes
// the Merkle leaf sequence.
func (s *Store) ValidatedTotals(ctx context.Context, chainID, epoch uint64) ([]AddressTotal, error) {
	var rows []types.GasRefundTransaction
	err := s.db.WithContext(ctx).
		Select("address", "refunded_amount_psp").
		Where("chain_id = ? AND epoch = ? AND status = ?", chainID, epoch, types.TxStatusValidated).
		Order("address ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := make([]AddressTotal, 0)
	for _, row := range rows {
		amount, err := decimal.NewFromString(row.RefundedAmountPSP)
		if err != nil {
			return nil, fmt.Errorf("bad refundedAmountPSP %q for %s: %w", row.RefundedAmountPSP, row.Address, err)
		}
		addr := common.HexToAddress(row.Address)
		if n := len(totals); n > 0 && totals[n-1].Address == addr {
			totals[n-1].Amount = totals[n-1].Amount.Add(amount)
			continue
		}
		totals = append(totals, AddressTotal{Address: addr, Amount: amount})
	}
	return totals, nil
}

// SealEpoch writes the Distribution row and completes the Participation
// rows in a single transaction, so an orchestrator failure can never leave
// a partial distribution behind.
func (s *Store) SealEpoch(ctx context.Context, distribution types.GasRefundDistribution, participations []types.GasRefundParticipation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(participations) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "epoch"}, {Name: "address"}, {Name: "chain_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"amount", "merkle_proofs", "is_completed"}),
			}).Create(&participations).Error
			if err != nil {
				return err
			}
		}
		return tx.Create(&distribution).Error
	})
}

// EpochEntries returns every participation of (chainID, epoch).
func (s *Store) EpochEntries(ctx context.Context, chainID, epoch uint64) ([]types.GasRefundParticipation, error) {
	var rows []types.GasRefundParticipation
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND epoch = ?", chainID, epoch).
		Order("address ASC").
		Find(&rows).Error
	return rows, err
}

// AddressClaims returns the sealed participations of an address on a chain.
func (s *Store) AddressClaims(ctx context.Context, chainID uint64, address common.Address) ([]types.GasRefundParticipation, error) {
	var rows []types.GasRefundParticipation
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND address = ? AND is_completed = ?", chainID, types.AddressHex(address), true).
		Order("epoch ASC").
		Find(&rows).Error
	return rows, err
}
