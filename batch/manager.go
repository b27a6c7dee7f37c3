package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config holds the retry policy.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
}

// Manager drives batches through pending, anchoring, confirmed and failed.
// It holds no locks of its own; conditional store transitions serialize
// concurrent callers.
type Manager struct {
	store    Store
	anchorer Anchorer
	cfg      Config
	log      *logrus.Logger
	notifier Notifier
	now      func() time.Time
}

// NewManager creates a manager, filling zero config values with defaults
func NewManager(store Store, anchorer Anchorer, cfg Config, log *logrus.Logger) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	return &Manager{
		store:    store,
		anchorer: anchorer,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers n for batch events.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *Manager) emit(typ string, b *types.Batch, err error) {
	if m.notifier == nil {
		return
	}
	ev := Event{Type: typ, BatchID: b.ID, Status: b.Status, Batch: b, Time: m.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.notifier.Notify(ev)
}

// Create claims up to opts.MaxBatchSize eligible donations into a new
// pending batch. Fewer than opts.MinBatchSize eligible donations is a no-op.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*CreateResult, error) {
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = 1
	}
	if opts.MaxBatchSize <= 0 || opts.MinBatchSize > opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: max_batch_size %d, min_batch_size %d", ErrInvalidOptions, opts.MaxBatchSize, opts.MinBatchSize)
	}

	eligible, err := m.store.EligibleDonations(ctx, opts.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible donations: %w", err)
	}
	if len(eligible) < opts.MinBatchSize {
		m.log.Infof("Only %d eligible donations, need %d; no batch created", len(eligible), opts.MinBatchSize)
		return &CreateResult{Eligible: len(eligible)}, nil
	}

	b, tree, err := m.build(eligible)
	if err != nil {
		return nil, err
	}

	claims := make([]types.Claim, len(eligible))
	for i := range eligible {
		claims[i] = types.Claim{DonationID: eligible[i].ID, LeafIndex: i, LeafHash: b.Leaves[i]}
	}
	if err := m.store.ClaimBatch(ctx, b, claims); err != nil {
		return nil, fmt.Errorf("failed to claim donations for batch %s: %w", b.ID, err)
	}
	m.log.Infof("Created batch %s with %d donations, root %s", b.ID, b.RecordCount, b.MerkleRoot.Hex())

	// the batch and its claims are durable; proof rows can be rewritten later
	failures := 0
	for i := range eligible {
		proof, err := tree.ProofAt(i)
		if err == nil {
			err = m.store.SaveProof(ctx, eligible[i].ID, b.ID, proof)
		}
		if err != nil {
			failures++
			m.log.Warnf("Failed to store proof for donation %s in batch %s: %v", eligible[i].ID, b.ID, err)
		}
	}

	m.emit(EventCreated, b, nil)
	return &CreateResult{
		Created:      true,
		Eligible:     len(eligible),
		Batch:        b,
		LinkFailures: failures,
	}, nil
}

func (m *Manager) build(donations []types.Donation) (*types.Batch, *merkle.Tree, error) {
	leaves := make([]merkle.Hash, len(donations))
	total := decimal.Zero
	currency := donations[0].Currency
	var start, end time.Time

	for i := range donations {
		d := &donations[i]
		leaves[i] = d.Hash()
		total = total.Add(d.Amount)
		if d.Currency != currency {
			currency = "mixed"
		}

		created, err := d.CreatedTime()
		if err != nil {
			return nil, nil, err
		}
		if i == 0 || created.Before(start) {
			start = created
		}
		if i == 0 || created.After(end) {
			end = created
		}
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	return &types.Batch{
		ID:          uuid.NewString(),
		MerkleRoot:  tree.Root(),
		TreeHeight:  tree.Height(),
		LeafCount:   tree.LeafCount(),
		RecordCount: len(donations),
		TotalAmount: total,
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
		Leaves:      leaves,
		Status:      types.BatchPending,
		Metadata: map[string]string{
			"currency": currency,
			"ledger":   m.anchorer.Name(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, tree, nil
}

// RepairLinks rewrites every proof of batchID that does not verify against
// the stored root. The tree is rebuilt from the batch's stored leaves, never
// from the donation rows.
func (m *Manager) RepairLinks(ctx context.Context, batchID string) (*RepairResult, error) {
	b, err := m.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(b.Leaves) == 0 {
		return nil, fmt.Errorf("%w: batch %s has no stored leaves", ErrInvalidState, batchID)
	}

	tree, err := merkle.NewTree(b.Leaves)
	if err != nil {
		return nil, err
	}
	if tree.Root() != b.MerkleRoot {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrRootMismatch)
	}

	members, err := m.store.BatchDonations(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load donations of batch %s: %w", batchID, err)
	}

	res := &RepairResult{}
	for _, d := range members {
		res.Checked++
		if d.LeafIndex < 0 || d.LeafIndex >= len(b.Leaves) {
			return res, fmt.Errorf("donation %s has leaf index %d outside batch %s", d.ID, d.LeafIndex, batchID)
		}
		leaf := b.Leaves[d.LeafIndex]
		if merkle.Verify(leaf, d.Proof, b.MerkleRoot) {
			continue
		}
		proof, err := tree.ProofAt(d.LeafIndex)
		if err != nil {
			return res, err
		}
		if err := m.store.SaveProof(ctx, d.ID, batchID, proof); err != nil {
			return res, fmt.Errorf("failed to store proof for donation %s: %w", d.ID, err)
		}
		res.Repaired++
	}

	if res.Repaired > 0 {
		m.log.Infof("Repaired %d of %d proof links in batch %s", res.Repaired, res.Checked, batchID)
		m.emit(EventRepaired, b, nil)
	}
	return res, nil
}

// Get loads one batch
func (m *Manager) Get(ctx context.Context, id string) (*types.Batch, error) {
	b, err := m.store.GetBatch(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, err
}

// List returns batches in creation order, filtered by status when non-empty
func (m *Manager) List(ctx context.Context, status types.BatchStatus) ([]types.Batch, error) {
	return m.store.ListBatches(ctx, status)
}
