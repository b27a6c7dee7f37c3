package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/airchains-network/donation-anchor/types"
)

var (
	// ErrNotFound is returned when a donation or batch key is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned when a claim touches a donation that
	// already belongs to a batch. The whole claim is discarded.
	ErrAlreadyClaimed = errors.New("donation already claimed by a batch")
	// ErrNotEligible is returned when a claim touches an incomplete payment.
	ErrNotEligible = errors.New("donation is not eligible for batching")
	// ErrStatusConflict is returned by conditional batch transitions.
	ErrStatusConflict = errors.New("batch status changed concurrently")
	// ErrImmutable is returned when a batched donation would be rewritten.
	ErrImmutable = errors.New("batched donation is immutable")
	// ErrDuplicateReference is returned when a payment or secondary
	// reference already belongs to another donation.
	ErrDuplicateReference = errors.New("reference already used by another donation")
)

const (
	donationPrefix    = "donation_"
	paymentRefPrefix  = "payref_"
	secondaryPrefix   = "secref_"
	eligiblePrefix    = "eligible_"
	batchPrefix       = "batch_"
	batchIndexPrefix  = "batchidx_"
	batchMemberPrefix = "batchmember_"
	proofPrefix       = "proof_"

	sortTimeLayout = "20060102T150405.000000000"
)

// DonationKey is the key a donation record is stored under.
func DonationKey(id string) []byte {
	return []byte(donationPrefix + id)
}

// ProofKey is the key a donation's inclusion proof is stored under.
func ProofKey(id string) []byte {
	return []byte(proofPrefix + id)
}

// BatchKey is the key a batch record is stored under.
func BatchKey(id string) []byte {
	return []byte(batchPrefix + id)
}

func eligibleKey(d *types.Donation) ([]byte, error) {
	created, err := d.CreatedTime()
	if err != nil {
		return nil, err
	}
	return []byte(eligiblePrefix + created.UTC().Format(sortTimeLayout) + "_" + d.ID), nil
}

func batchIndexKey(b *types.Batch) []byte {
	return []byte(fmt.Sprintf("%s%020d_%s", batchIndexPrefix, b.CreatedAt.UnixNano(), b.ID))
}

func batchMemberPrefixFor(batchID string) []byte {
	return []byte(batchMemberPrefix + batchID + "_")
}

func batchMemberKey(batchID string, leafIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s_%08d", batchMemberPrefix, batchID, leafIndex))
}

// Store keeps donations, batches and their links in LevelDB.
type Store struct {
	db DB
}

// NewStore wraps db.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// OpenStore opens a LevelDB store at path.
func OpenStore(path string) (*Store, error) {
	ldb, err := NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open donation store at %s: %w", path, err)
	}
	return NewStore(ldb), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type getter interface {
	Get(key []byte) ([]byte, error)
}

func getJSON(g getter, key []byte, v any) (bool, error) {
	data, err := g.Get(key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

type putter interface {
	Put(key, value []byte) error
}

func putJSON(p putter, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return p.Put(key, data)
}

// getDonation loads a donation record and attaches its stored proof.
func getDonation(g getter, id string) (types.Donation, bool, error) {
	var d types.Donation
	found, err := getJSON(g, DonationKey(id), &d)
	if err != nil || !found {
		return d, found, err
	}
	raw, err := g.Get(ProofKey(id))
	if err != nil {
		return d, false, err
	}
	d.Proof = nil
	if raw != nil {
		if d.Proof, err = merkle.DecodeProof(raw); err != nil {
			return d, false, fmt.Errorf("donation %s: %w", id, err)
		}
	}
	return d, true, nil
}

// putDonation writes the record without its proof, which lives under ProofKey.
func putDonation(p putter, d *types.Donation) error {
	record := *d
	record.Proof = nil
	return putJSON(p, DonationKey(d.ID), &record)
}

// PutDonation inserts a donation or updates an unbatched one. Batched
// donations cannot be rewritten through the store.
func (s *Store) PutDonation(ctx context.Context, d *types.Donation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *Txn) error {
		var existing types.Donation
		found, err := getJSON(tx, DonationKey(d.ID), &existing)
		if err != nil {
			return err
		}
		if found {
			if existing.Batched() {
				return fmt.Errorf("%w: %s belongs to batch %s", ErrImmutable, d.ID, existing.BatchID)
			}
			if key, err := eligibleKey(&existing); err == nil {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
			if existing.PaymentReference != d.PaymentReference {
				if err := tx.Delete([]byte(paymentRefPrefix + existing.PaymentReference)); err != nil {
					return err
				}
			}
			if existing.SecondaryReference != nil && (d.SecondaryReference == nil || *existing.SecondaryReference != *d.SecondaryReference) {
				if err := tx.Delete([]byte(secondaryPrefix + *existing.SecondaryReference)); err != nil {
					return err
				}
			}
		}

		if err := claimReference(tx, paymentRefPrefix, d.PaymentReference, d.ID); err != nil {
			return err
		}
		if d.SecondaryReference != nil && *d.SecondaryReference != "" {
			if err := claimReference(tx, secondaryPrefix, *d.SecondaryReference, d.ID); err != nil {
				return err
			}
		}

		record := *d
		record.BatchID = ""
		record.LeafHash = ""
		record.LeafIndex = 0
		record.Proof = nil
		record.Anchored = false
		if err := putDonation(tx, &record); err != nil {
			return err
		}
		if record.Eligible() {
			key, err := eligibleKey(&record)
			if err != nil {
				return err
			}
			return tx.Put(key, []byte(record.ID))
		}
		return nil
	})
}

func claimReference(tx *Txn, prefix, ref, id string) error {
	key := []byte(prefix + ref)
	owner, err := tx.Get(key)
	if err != nil {
		return err
	}
	if owner != nil && string(owner) != id {
		return fmt.Errorf("%w: %q belongs to %s", ErrDuplicateReference, ref, owner)
	}
	return tx.Put(key, []byte(id))
}

// GetDonation loads a donation by id.
func (s *Store) GetDonation(ctx context.Context, id string) (*types.Donation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, found, err := getDonation(s.db, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

// EligibleDonations returns up to limit completed, unbatched donations
// ordered by creation time then id.
func (s *Store) EligibleDonations(ctx context.Context, limit int) ([]types.Donation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.Donation
	err := s.db.Iterate([]byte(eligiblePrefix), func(_, value []byte) (bool, error) {
		if limit > 0 && len(out) >= limit {
			return false, nil
		}
		d, found, err := getDonation(s.db, string(value))
		if err != nil {
			return false, err
		}
		if found && d.Eligible() {
			out = append(out, d)
		}
		return true, nil
	})
	return out, err
}

// ClaimBatch atomically persists b and moves every claimed donation from
// unclaimed to claimed by b. Nothing is written if any donation is missing,
// ineligible or already claimed.
func (s *Store) ClaimBatch(ctx context.Context, b *types.Batch, claims []types.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *Txn) error {
		existing, err := tx.Get(BatchKey(b.ID))
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("batch %s already exists", b.ID)
		}

		for _, c := range claims {
			var d types.Donation
			found, err := getJSON(tx, DonationKey(c.DonationID), &d)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("donation %s: %w", c.DonationID, ErrNotFound)
			}
			if d.Batched() {
				return fmt.Errorf("donation %s in batch %s: %w", d.ID, d.BatchID, ErrAlreadyClaimed)
			}
			if d.PaymentStatus != types.PaymentCompleted {
				return fmt.Errorf("donation %s has payment status %s: %w", d.ID, d.PaymentStatus, ErrNotEligible)
			}

			d.BatchID = b.ID
			d.LeafIndex = c.LeafIndex
			d.LeafHash = c.LeafHash.Hex()
			if err := putDonation(tx, &d); err != nil {
				return err
			}
			if err := tx.Delete(ProofKey(d.ID)); err != nil {
				return err
			}
			if key, err := eligibleKey(&d); err == nil {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
			if err := tx.Put(batchMemberKey(b.ID, c.LeafIndex), []byte(d.ID)); err != nil {
				return err
			}
		}

		if err := putJSON(tx, BatchKey(b.ID), b); err != nil {
			return err
		}
		return tx.Put(batchIndexKey(b), []byte(b.ID))
	})
}

// SaveProof stores the proof for a donation already claimed by batchID.
func (s *Store) SaveProof(ctx context.Context, donationID, batchID string, proof []merkle.ProofStep) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *Txn) error {
		var d types.Donation
		found, err := getJSON(tx, DonationKey(donationID), &d)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("donation %s: %w", donationID, ErrNotFound)
		}
		if d.BatchID != batchID {
			return fmt.Errorf("donation %s is linked to batch %q, not %s", donationID, d.BatchID, batchID)
		}
		raw, err := merkle.EncodeProof(proof)
		if err != nil {
			return fmt.Errorf("donation %s: %w", donationID, err)
		}
		return tx.Put(ProofKey(donationID), raw)
	})
}

// GetBatch loads a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b types.Batch
	found, err := getJSON(s.db, BatchKey(id), &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

// ListBatches returns batches in creation order, optionally filtered by status.
func (s *Store) ListBatches(ctx context.Context, status types.BatchStatus) ([]types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.Batch
	err := s.db.Iterate([]byte(batchIndexPrefix), func(_, value []byte) (bool, error) {
		var b types.Batch
		found, err := getJSON(s.db, BatchKey(string(value)), &b)
		if err != nil {
			return false, err
		}
		if found && (status == "" || b.Status == status) {
			out = append(out, b)
		}
		return true, nil
	})
	return out, err
}

// TransitionBatch applies fn only if the batch is currently in status from.
// The read, check and write happen in one transaction, so two callers racing
// on the same transition cannot both succeed.
func (s *Store) TransitionBatch(ctx context.Context, id string, from types.BatchStatus, fn func(*types.Batch)) (*types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updated types.Batch
	err := s.db.Update(func(tx *Txn) error {
		found, err := getJSON(tx, BatchKey(id), &updated)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		if updated.Status != from {
			return fmt.Errorf("batch %s is %s, expected %s: %w", id, updated.Status, from, ErrStatusConflict)
		}
		fn(&updated)
		updated.UpdatedAt = time.Now().UTC()
		return putJSON(tx, BatchKey(id), &updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// BatchDonations returns the donations of a batch in leaf order.
func (s *Store) BatchDonations(ctx context.Context, batchID string) ([]types.Donation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []types.Donation
	err := s.db.Iterate(batchMemberPrefixFor(batchID), func(_, value []byte) (bool, error) {
		d, found, err := getDonation(s.db, string(value))
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("batch %s references missing donation %s", batchID, value)
		}
		out = append(out, d)
		return true, nil
	})
	return out, err
}

// MarkAnchored flags every donation of a batch as anchored and returns how
// many records changed.
func (s *Store) MarkAnchored(ctx context.Context, batchID string) (int, error) {
	members, err := s.BatchDonations(ctx, batchID)
	if err != nil {
		return 0, err
	}

	marked := 0
	err = s.db.Update(func(tx *Txn) error {
		for _, m := range members {
			var d types.Donation
			found, err := getJSON(tx, DonationKey(m.ID), &d)
			if err != nil {
				return err
			}
			if !found || d.BatchID != batchID || d.Anchored {
				continue
			}
			d.Anchored = true
			if err := putDonation(tx, &d); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// Lookup resolves ref as a donation id, then a payment reference, then a
// secondary reference, and joins the donation's batch when it has one.
func (s *Store) Lookup(ctx context.Context, ref string) (types.Lookup, error) {
	if err := ctx.Err(); err != nil {
		return types.NotFound(), err
	}
	if ref == "" {
		return types.NotFound(), nil
	}

	d, found, err := getDonation(s.db, ref)
	if err != nil {
		return types.NotFound(), err
	}
	for _, prefix := range []string{paymentRefPrefix, secondaryPrefix} {
		if found {
			break
		}
		owner, err := s.db.Get([]byte(prefix + ref))
		if err != nil {
			return types.NotFound(), err
		}
		if owner == nil {
			continue
		}
		d, found, err = getDonation(s.db, string(owner))
		if err != nil {
			return types.NotFound(), err
		}
	}
	if !found {
		return types.NotFound(), nil
	}

	result := types.Lookup{Found: true, Donation: &d}
	if d.Batched() {
		b, err := s.GetBatch(ctx, d.BatchID)
		switch {
		case errors.Is(err, ErrNotFound):
			// dangling link; the caller reports it against the proof
		case err != nil:
			return types.NotFound(), fmt.Errorf("donation %s links to unreadable batch: %w", d.ID, err)
		default:
			result.Batch = b
		}
	}
	return result, nil
}
