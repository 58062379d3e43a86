package types

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Supported chain ids. The refund program runs on mainnet plus four EVM
// sidechains; anything else is rejected at config load.
const (
	ChainIDMainnet   uint64 = 1
	ChainIDBinance   uint64 = 56
	ChainIDPolygon   uint64 = 137
	ChainIDFantom    uint64 = 250
	ChainIDAvalanche uint64 = 43114
)

// SupportedChains lists every chain the pipeline scans, in fixed order.
var SupportedChains = []uint64{
	ChainIDMainnet,
	ChainIDBinance,
	ChainIDPolygon,
	ChainIDFantom,
	ChainIDAvalanche,
}

// IsSupportedChain reports whether chainID belongs to the closed supported set.
func IsSupportedChain(chainID uint64) bool {
	for _, id := range SupportedChains {
		if id == chainID {
			return true
		}
	}
	return false
}

// TxStatus is the lifecycle state of a persisted refund transaction.
// Rows are inserted idle by the ingestion driver and flipped to validated or
// rejected by the re-validation pass. No row may stay idle once a pass ends.
type TxStatus string

const (
	TxStatusIdle      TxStatus = "idle"
	TxStatusValidated TxStatus = "validated"
	TxStatusRejected  TxStatus = "rejected"
)

// Swap is one successful aggregator swap as reported by the swaps subgraph.
type Swap struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	TxOrigin    common.Address
	Initiator   common.Address
	TxGasPrice  decimal.Decimal
	BlockNumber uint64
	Timestamp   uint64
	ChainID     uint64
}

// GasRefundTransaction is the persisted refund record, unique on
// (ChainID, Hash). Monetary fields are stored as decimal strings:
// RefundedAmountPSP is an integer string (decimals truncated),
// RefundedAmountUSD keeps full precision.
type GasRefundTransaction struct {
	ID                   uint64   `gorm:"primaryKey;autoIncrement"`
	ChainID              uint64   `gorm:"column:chain_id;uniqueIndex:idx_grt_chain_hash;index:idx_grt_epoch_ts_hash,priority:4"`
	Epoch                uint64   `gorm:"index:idx_grt_epoch_ts_hash,priority:1"`
	Hash                 string   `gorm:"uniqueIndex:idx_grt_chain_hash;index:idx_grt_epoch_ts_hash,priority:3"`
	Address              string   `gorm:"index"`
	Timestamp            uint64   `gorm:"index:idx_grt_epoch_ts_hash,priority:2"`
	BlockNumber          uint64
	GasUsed              uint64
	GasUsedChainCurrency string
	PSPChainCurrency     string   `gorm:"column:psp_chain_currency"`
	PSPUSD               string   `gorm:"column:psp_usd"`
	ChainCurrencyUSD     string   `gorm:"column:chain_currency_usd"`
	TotalStakeAmountPSP  string   `gorm:"column:total_stake_amount_psp"`
	RefundedAmountPSP    string   `gorm:"column:refunded_amount_psp"`
	RefundedAmountUSD    string   `gorm:"column:refunded_amount_usd"`
	Status               TxStatus `gorm:"index"`
}

// TableName keeps the historical table name.
func (GasRefundTransaction) TableName() string { return "gas_refund_transaction" }

// HashHex renders a hash as lowercase 0x-prefixed hex. All persisted hashes
// use this form: fixed-length lowercase hex makes string ordering equal
// numeric ordering, which the canonical (timestamp, hash) scan relies on.
func HashHex(h common.Hash) string { return h.Hex() }

// AddressHex renders an address as lowercase 0x-prefixed hex, avoiding the
// mixed-case checksum form so DB grouping and sorting are byte-stable.
func AddressHex(a common.Address) string { return strings.ToLower(a.Hex()) }

// GasRefundParticipation aggregates validated refunds per
// (chain, epoch, address) together with the Merkle proof path of the
// address's leaf. IsCompleted turns true only once the epoch root is sealed.
type GasRefundParticipation struct {
	ID           uint64   `gorm:"primaryKey;autoIncrement"`
	Epoch        uint64   `gorm:"uniqueIndex:idx_grp_epoch_addr_chain,priority:1"`
	Address      string   `gorm:"uniqueIndex:idx_grp_epoch_addr_chain,priority:2"`
	ChainID      uint64   `gorm:"column:chain_id;uniqueIndex:idx_grp_epoch_addr_chain,priority:3"`
	Amount       string
	MerkleProofs []string `gorm:"serializer:json"`
	IsCompleted  bool
}

func (GasRefundParticipation) TableName() string { return "gas_refund_participation" }

// GasRefundDistribution is the sealed per-(chain, epoch) Merkle root.
type GasRefundDistribution struct {
	ID                     uint64 `gorm:"primaryKey;autoIncrement"`
	ChainID                uint64 `gorm:"column:chain_id;uniqueIndex:idx_grd_chain_epoch,priority:1"`
	Epoch                  uint64 `gorm:"uniqueIndex:idx_grd_chain_epoch,priority:2"`
	MerkleRoot             string
	TotalPSPAmountToRefund string `gorm:"column:total_psp_amount_to_refund"`
	IsCompleted            bool
}

func (GasRefundDistribution) TableName() string { return "gas_refund_distribution" }
