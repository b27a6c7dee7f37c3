package types

import (
	"time"

	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/shopspring/decimal"
)

// BatchStatus is the anchoring state of a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchAnchoring BatchStatus = "anchoring"
	BatchConfirmed BatchStatus = "confirmed"
	BatchFailed    BatchStatus = "failed"
)

// Batch is a group of donations committed under one Merkle root.
type Batch struct {
	ID          string          `json:"id"`
	MerkleRoot  merkle.Hash     `json:"merkle_root"`
	TreeHeight  int             `json:"tree_height"`
	LeafCount   int             `json:"leaf_count"`
	RecordCount int             `json:"record_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`

	// Leaves keeps the ordered leaf hashes so proofs can be rewritten
	// without re-selecting records.
	Leaves []merkle.Hash `json:"leaves"`

	Status          BatchStatus       `json:"status"`
	RetryCount      int               `json:"retry_count"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	LedgerSignature *string           `json:"ledger_signature,omitempty"`
	LedgerPosition  *uint64           `json:"ledger_position,omitempty"`
	LedgerTimestamp *time.Time        `json:"ledger_timestamp,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Anchored reports whether the ledger accepted the batch root.
func (b *Batch) Anchored() bool {
	return b.LedgerSignature != nil && *b.LedgerSignature != ""
}

// Claim links one donation to a batch at creation time.
type Claim struct {
	DonationID string
	LeafIndex  int
	LeafHash   merkle.Hash
}

// Lookup is the result of resolving a donation reference together with its batch.
type Lookup struct {
	Found    bool
	Donation *Donation
	Batch    *Batch // nil when the donation is not batched
}

// NotFound is the Lookup returned for unknown references.
func NotFound() Lookup {
	return Lookup{}
}
