package batch

import (
	"context"
	"errors"
	"time"

	"github.com/airchains-network/donation-anchor/batch/ledger"
	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/airchains-network/donation-anchor/types"
)

const (
	// DefaultMaxRetries caps how often a failed batch may be put back to pending.
	DefaultMaxRetries = 5
	// DefaultBackoffBase is the advisory delay unit returned by Retry.
	DefaultBackoffBase = time.Second
)

var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrDonationNotFound = errors.New("donation not found")
	ErrInvalidState     = errors.New("batch is not in a valid state for this operation")
	ErrAnchorInFlight   = errors.New("batch is already being anchored")
	ErrRetryLimit       = errors.New("batch reached its retry limit")
	ErrInvalidOptions   = errors.New("invalid batch options")
	ErrRootMismatch     = errors.New("stored leaves do not reproduce the batch root")
)

// Store is the persistence the manager needs. db.Store implements it.
type Store interface {
	EligibleDonations(ctx context.Context, limit int) ([]types.Donation, error)
	ClaimBatch(ctx context.Context, b *types.Batch, claims []types.Claim) error
	SaveProof(ctx context.Context, donationID, batchID string, proof []merkle.ProofStep) error
	GetBatch(ctx context.Context, id string) (*types.Batch, error)
	ListBatches(ctx context.Context, status types.BatchStatus) ([]types.Batch, error)
	TransitionBatch(ctx context.Context, id string, from types.BatchStatus, fn func(*types.Batch)) (*types.Batch, error)
	BatchDonations(ctx context.Context, batchID string) ([]types.Donation, error)
	MarkAnchored(ctx context.Context, batchID string) (int, error)
	Lookup(ctx context.Context, ref string) (types.Lookup, error)
}

// Anchorer writes a batch root to a ledger. ledger.Client implements it.
type Anchorer interface {
	Name() string
	Anchor(ctx context.Context, b *types.Batch) (*ledger.Receipt, error)
}

// CreateOptions bound the size of a new batch.
type CreateOptions struct {
	MaxBatchSize int `json:"max_batch_size"`
	MinBatchSize int `json:"min_batch_size"`
}

// CreateResult reports what Create did. Batch is nil when Created is false.
type CreateResult struct {
	Created      bool         `json:"created"`
	Eligible     int          `json:"eligible"`
	Batch        *types.Batch `json:"batch,omitempty"`
	LinkFailures int          `json:"link_failures"`
}

// AnchorResult reports the batch after an Anchor call.
type AnchorResult struct {
	Batch           *types.Batch `json:"batch"`
	AlreadyAnchored bool         `json:"already_anchored"`
	RecordsMarked   int          `json:"records_marked"`
}

// RetryResult carries the reset batch and the advisory delay before the
// next Anchor call. Skipped is set when the batch needed no retry.
type RetryResult struct {
	Batch   *types.Batch  `json:"batch"`
	Backoff time.Duration `json:"backoff"`
	Skipped bool          `json:"skipped"`
}

// RepairResult counts proof links rewritten by RepairLinks.
type RepairResult struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
}

// Event describes one batch transition.
type Event struct {
	Type    string            `json:"type"`
	BatchID string            `json:"batch_id"`
	Status  types.BatchStatus `json:"status"`
	Batch   *types.Batch      `json:"batch,omitempty"`
	Error   string            `json:"error,omitempty"`
	Time    time.Time         `json:"time"`
}

const (
	EventCreated   = "batch.created"
	EventAnchoring = "batch.anchoring"
	EventConfirmed = "batch.confirmed"
	EventFailed    = "batch.failed"
	EventRetried   = "batch.retried"
	EventRepaired  = "batch.repaired"
)

// Notifier receives batch events. Notify must not block.
type Notifier interface {
	Notify(Event)
}
