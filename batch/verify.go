package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/airchains-network/donation-anchor/types"
)

// Outcome is the public verdict for one donation.
type Outcome string

const (
	OutcomeVerified   Outcome = "verified"
	OutcomeTampered   Outcome = "tampered"
	OutcomeNotBatched Outcome = "not_batched"
	// OutcomeInvalidProof means the record hashes as stored but its proof
	// does not lead to the batch root.
	OutcomeInvalidProof Outcome = "invalid_proof"
)

// Verification is the result of checking a donation against its batch.
type Verification struct {
	Outcome         Outcome            `json:"outcome"`
	DonationID      string             `json:"donation_id"`
	Amount          string             `json:"amount"`
	Currency        string             `json:"currency"`
	LeafHash        string             `json:"leaf_hash"`
	StoredLeafHash  string             `json:"stored_leaf_hash,omitempty"`
	LeafIndex       *int               `json:"leaf_index,omitempty"`
	Proof           []merkle.ProofStep `json:"proof,omitempty"`
	BatchID         string             `json:"batch_id,omitempty"`
	BatchStatus     types.BatchStatus  `json:"batch_status,omitempty"`
	MerkleRoot      string             `json:"merkle_root,omitempty"`
	Anchored        bool               `json:"anchored"`
	Ledger          string             `json:"ledger,omitempty"`
	LedgerSignature *string            `json:"ledger_signature,omitempty"`
	LedgerPosition  *uint64            `json:"ledger_position,omitempty"`
	LedgerTimestamp *time.Time         `json:"ledger_timestamp,omitempty"`
}

// Verify resolves ref (donation id, payment reference or secondary
// reference), recomputes the leaf hash from the stored fields and checks it
// against the stored hash and the batch root.
func (m *Manager) Verify(ctx context.Context, ref string) (*Verification, error) {
	res, err := m.store.Lookup(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %q: %w", ref, err)
	}
	if !res.Found {
		return nil, fmt.Errorf("%w: %s", ErrDonationNotFound, ref)
	}

	d := res.Donation
	leaf := d.Hash()
	v := &Verification{
		DonationID: d.ID,
		Amount:     d.AmountString(),
		Currency:   d.Currency,
		LeafHash:   leaf.Hex(),
	}
	if !d.Batched() {
		v.Outcome = OutcomeNotBatched
		return v, nil
	}

	idx := d.LeafIndex
	v.LeafIndex = &idx
	v.StoredLeafHash = d.LeafHash
	v.Proof = d.Proof
	v.BatchID = d.BatchID
	v.Anchored = d.Anchored

	if leaf.Hex() != d.LeafHash {
		m.log.Warnf("Donation %s in batch %s does not match its stored leaf hash", d.ID, d.BatchID)
		v.Outcome = OutcomeTampered
		return v, nil
	}

	b := res.Batch
	if b == nil {
		m.log.Errorf("Donation %s references missing batch %s", d.ID, d.BatchID)
		v.Outcome = OutcomeInvalidProof
		return v, nil
	}
	v.BatchStatus = b.Status
	v.MerkleRoot = b.MerkleRoot.Hex()
	v.Ledger = b.Metadata["ledger"]
	v.LedgerSignature = b.LedgerSignature
	v.LedgerPosition = b.LedgerPosition
	v.LedgerTimestamp = b.LedgerTimestamp

	if merkle.Verify(leaf, d.Proof, b.MerkleRoot) {
		v.Outcome = OutcomeVerified
	} else {
		v.Outcome = OutcomeInvalidProof
	}
	return v, nil
}
