package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the gateway-reported state of a donation payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// DonationLeaf holds exactly the fields committed into a batch leaf.
type DonationLeaf struct {
	ID                 string          `json:"id"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	PaymentReference   string          `json:"payment_reference"`
	SecondaryReference *string         `json:"secondary_reference,omitempty"`
	CreatedAt          string          `json:"created_at"` // stored verbatim, never reformatted
	PaymentMethod      *string         `json:"payment_method,omitempty"`
	DisplayName        *string         `json:"display_name,omitempty"`
	Anonymous          *bool           `json:"anonymous,omitempty"`
}

// Donation is a stored donation record with its batch link.
type Donation struct {
	DonationLeaf
	PaymentStatus PaymentStatus `json:"payment_status"`

	BatchID   string             `json:"batch_id,omitempty"`
	LeafHash  string             `json:"leaf_hash,omitempty"`
	LeafIndex int                `json:"leaf_index"`
	Proof     []merkle.ProofStep `json:"proof,omitempty"`
	Anchored  bool               `json:"anchored"`
}

// Batched reports whether the donation has been claimed by a batch.
func (d *Donation) Batched() bool {
	return d.BatchID != ""
}

// Eligible reports whether the donation may be claimed by a new batch.
func (d *Donation) Eligible() bool {
	return d.PaymentStatus == PaymentCompleted && !d.Batched()
}

// CreatedTime parses CreatedAt for ordering and window computation.
func (d *DonationLeaf) CreatedTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("donation %s: created_at %q is not ISO-8601: %w", d.ID, d.CreatedAt, err)
	}
	return t, nil
}

// Validate checks a donation before it is stored.
func (d *Donation) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return errors.New("donation id is required")
	case d.Amount.IsNegative():
		return fmt.Errorf("donation %s: amount must not be negative", d.ID)
	case !d.Amount.Equal(d.Amount.Truncate(2)):
		return fmt.Errorf("donation %s: amount %s has more than 2 decimal places", d.ID, d.Amount)
	case d.Currency == "":
		return fmt.Errorf("donation %s: currency is required", d.ID)
	case d.PaymentReference == "":
		return fmt.Errorf("donation %s: payment_reference is required", d.ID)
	}
	switch d.PaymentStatus {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
	default:
		return fmt.Errorf("donation %s: unknown payment_status %q", d.ID, d.PaymentStatus)
	}
	if _, err := d.CreatedTime(); err != nil {
		return err
	}
	return nil
}
