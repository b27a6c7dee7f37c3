package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultMaxMemoBytes is the memo ceiling of the reference ledger.
const DefaultMaxMemoBytes = 566

var (
	// ErrPayloadTooLarge is returned before any network call when the memo
	// exceeds the ledger's size ceiling.
	ErrPayloadTooLarge = errors.New("anchor payload exceeds ledger memo limit")
	// ErrConfirmationTimeout is returned when the ledger did not confirm in time.
	ErrConfirmationTimeout = errors.New("timed out waiting for ledger confirmation")
	// ErrRejected is returned when the ledger included but rejected the transaction.
	ErrRejected = errors.New("ledger rejected anchor transaction")
)

// InsufficientFundsError reports a signing account below the fee floor.
type InsufficientFundsError struct {
	Account string
	Balance *big.Int
	Minimum *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: balance %s below minimum %s", e.Account, e.Balance, e.Minimum)
}

// Receipt is the confirmation metadata of an anchored memo.
type Receipt struct {
	Signature string    `json:"signature"`
	Position  uint64    `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend is a ledger able to carry a memo in a single transaction.
type Backend interface {
	// Name identifies the ledger in logs and batch metadata.
	Name() string
	// Account is the address paying for anchor transactions.
	Account() string
	// Balance returns the spendable balance of Account in the ledger's base unit.
	Balance(ctx context.Context) (*big.Int, error)
	// Submit sends memo and blocks until the ledger confirms it, rejects it,
	// or ctx expires.
	Submit(ctx context.Context, memo []byte) (*Receipt, error)
}
