package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/airchains-network/donation-anchor/types"
	"github.com/sirupsen/logrus"
)

// Options tune the checks the client runs before and around a submission.
type Options struct {
	MaxMemoBytes   int
	MinBalance     *big.Int
	ConfirmTimeout time.Duration
}

// Client turns a batch into a ledger memo and anchors it through a Backend.
// It never retries; retry policy belongs to the batch lifecycle.
type Client struct {
	backend        Backend
	maxMemo        int
	minBalance     *big.Int
	confirmTimeout time.Duration
	log            *logrus.Logger
	now            func() time.Time
}

// NewClient wires backend with opts, filling zero values with defaults
func NewClient(backend Backend, opts Options, log *logrus.Logger) *Client {
	if opts.MaxMemoBytes <= 0 {
		opts.MaxMemoBytes = DefaultMaxMemoBytes
	}
	if opts.MinBalance == nil {
		opts.MinBalance = new(big.Int)
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 60 * time.Second
	}
	return &Client{
		backend:        backend,
		maxMemo:        opts.MaxMemoBytes,
		minBalance:     opts.MinBalance,
		confirmTimeout: opts.ConfirmTimeout,
		log:            log,
		now:            time.Now,
	}
}

// Name is the backend's ledger name
func (c *Client) Name() string {
	return c.backend.Name()
}

// Memo encodes b as the ledger payload and enforces the size ceiling.
func (c *Client) Memo(b *types.Batch) ([]byte, error) {
	memo, err := NewPayload(b, c.now()).Encode()
	if err != nil {
		return nil, err
	}
	if len(memo) > c.maxMemo {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(memo), c.maxMemo)
	}
	return memo, nil
}

// Anchor writes b's root to the ledger and waits for confirmation
func (c *Client) Anchor(ctx context.Context, b *types.Batch) (*Receipt, error) {
	memo, err := c.Memo(b)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	balance, err := c.backend.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s balance: %w", c.backend.Name(), err)
	}
	if balance.Cmp(c.minBalance) < 0 {
		return nil, &InsufficientFundsError{
			Account: c.backend.Account(),
			Balance: balance,
			Minimum: new(big.Int).Set(c.minBalance),
		}
	}

	c.log.Infof("Submitting batch %s to %s (%d bytes, root %s)", b.ID, c.backend.Name(), len(memo), b.MerkleRoot.Hex())
	receipt, err := c.backend.Submit(ctx, memo)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrConfirmationTimeout, c.confirmTimeout, err)
		}
		return nil, fmt.Errorf("%s submission failed: %w", c.backend.Name(), err)
	}

	c.log.Infof("Batch %s confirmed on %s at position %d, signature %s", b.ID, c.backend.Name(), receipt.Position, receipt.Signature)
	return receipt, nil
}
