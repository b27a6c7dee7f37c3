package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/types"
)

// Anchor submits a pending batch's root to the ledger. A batch that already
// carries a ledger signature is reported as anchored without resubmitting.
//
// Once the batch is moved to anchoring, submission and the final transition
// run detached from ctx cancellation so a disconnecting caller cannot leave
// the batch stuck. When the ledger call fails the batch is marked failed and
// the returned result carries it alongside the error.
func (m *Manager) Anchor(ctx context.Context, id string) (*AnchorResult, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Anchored() {
		return &AnchorResult{Batch: b, AlreadyAnchored: true}, nil
	}
	if err := checkAnchorable(b); err != nil {
		return nil, err
	}

	claimed, err := m.store.TransitionBatch(ctx, id, types.BatchPending, func(b *types.Batch) {
		b.Status = types.BatchAnchoring
	})
	if errors.Is(err, db.ErrStatusConflict) {
		// lost the race; report what the winner left behind
		current, gerr := m.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current.Anchored() {
			return &AnchorResult{Batch: current, AlreadyAnchored: true}, nil
		}
		if current.Status == types.BatchAnchoring {
			return nil, fmt.Errorf("%w: %s", ErrAnchorInFlight, id)
		}
		return nil, fmt.Errorf("%w: batch %s is %s", ErrInvalidState, id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch %s for anchoring: %w", id, err)
	}
	m.emit(EventAnchoring, claimed, nil)

	sctx := context.WithoutCancel(ctx)
	receipt, anchorErr := m.anchorer.Anchor(sctx, claimed)
	if anchorErr != nil {
		return m.fail(sctx, id, anchorErr)
	}

	confirmed, err := m.store.TransitionBatch(sctx, id, types.BatchAnchoring, func(b *types.Batch) {
		ts := receipt.Timestamp.UTC()
		pos := receipt.Position
		sig := receipt.Signature
		b.Status = types.BatchConfirmed
		b.LedgerSignature = &sig
		b.LedgerPosition = &pos
		b.LedgerTimestamp = &ts
		b.ErrorMessage = nil
	})
	if err != nil {
		// the ledger holds the root but we could not record it; leave the
		// batch in anchoring so it is never resubmitted automatically
		m.log.Errorf("Batch %s anchored with signature %s but confirmation was not stored: %v", id, receipt.Signature, err)
		return nil, fmt.Errorf("failed to record confirmation for batch %s: %w", id, err)
	}
	m.log.Infof("Batch %s confirmed at position %d", id, receipt.Position)

	marked, err := m.store.MarkAnchored(sctx, id)
	if err != nil {
		m.log.Warnf("Failed to mark donations of batch %s as anchored: %v", id, err)
	}
	m.emit(EventConfirmed, confirmed, nil)

	return &AnchorResult{Batch: confirmed, RecordsMarked: marked}, nil
}

func checkAnchorable(b *types.Batch) error {
	switch b.Status {
	case types.BatchPending:
	case types.BatchAnchoring:
		return fmt.Errorf("%w: %s", ErrAnchorInFlight, b.ID)
	default:
		return fmt.Errorf("%w: batch %s is %s", ErrInvalidState, b.ID, b.Status)
	}
	if b.MerkleRoot.IsZero() {
		return fmt.Errorf("%w: batch %s has no merkle root", ErrInvalidState, b.ID)
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, id string, cause error) (*AnchorResult, error) {
	msg := cause.Error()
	failed, err := m.store.TransitionBatch(ctx, id, types.BatchAnchoring, func(b *types.Batch) {
		b.Status = types.BatchFailed
		b.ErrorMessage = &msg
		b.RetryCount++
	})
	if err != nil {
		m.log.Errorf("Failed to mark batch %s as failed after %v: %v", id, cause, err)
		return nil, fmt.Errorf("anchor batch %s: %w (state not recorded: %v)", id, cause, err)
	}

	m.log.Warnf("Anchoring batch %s failed (attempt %d): %v", id, failed.RetryCount, cause)
	m.emit(EventFailed, failed, cause)
	return &AnchorResult{Batch: failed}, fmt.Errorf("anchor batch %s: %w", id, cause)
}

// Retry puts a failed batch back to pending and returns the advisory delay
// before the next Anchor. Confirmed and pending batches are left untouched.
func (m *Manager) Retry(ctx context.Context, id string) (*RetryResult, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case types.BatchConfirmed, types.BatchPending:
		return &RetryResult{Batch: b, Skipped: true}, nil
	case types.BatchFailed:
	default:
		return nil, fmt.Errorf("%w: batch %s is %s", ErrInvalidState, id, b.Status)
	}
	if b.RetryCount >= m.cfg.MaxRetries {
		return nil, fmt.Errorf("%w: batch %s failed %d times", ErrRetryLimit, id, b.RetryCount)
	}

	reset, err := m.store.TransitionBatch(ctx, id, types.BatchFailed, func(b *types.Batch) {
		b.Status = types.BatchPending
		b.ErrorMessage = nil
	})
	if errors.Is(err, db.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: batch %s changed concurrently", ErrInvalidState, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reset batch %s: %w", id, err)
	}

	backoff := m.Backoff(reset.RetryCount)
	m.log.Infof("Batch %s reset to pending after %d failures, suggested backoff %s", id, reset.RetryCount, backoff)
	m.emit(EventRetried, reset, nil)
	return &RetryResult{Batch: reset, Backoff: backoff}, nil
}

// Backoff is base * 2^retries.
func (m *Manager) Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	return m.cfg.BackoffBase << uint(retries)
}
