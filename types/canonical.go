package types

import (
	"strings"

	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/shopspring/decimal"
)

const fieldDelimiter = "|"

// Null sentinels begin with an unescaped backslash. Real values have every
// backslash doubled by escapeField, so no real value can render as a sentinel.
const (
	noSecondaryReference = `\N:secondary_reference`
	noPaymentMethod      = `\N:payment_method`
	noDisplayName        = `\N:display_name`
	noAnonymousFlag      = `\N:anonymous`
)

var fieldEscaper = strings.NewReplacer(`\`, `\\`, fieldDelimiter, `\`+fieldDelimiter)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

func optionalField(s *string, sentinel string) string {
	if s == nil {
		return sentinel
	}
	return escapeField(*s)
}

// canonicalAmount renders valid amounts with exactly two decimals. Amounts
// with sub-cent digits, which Validate never admits, keep every digit so they
// cannot hash like their rounded value.
func canonicalAmount(d decimal.Decimal) string {
	if d.Equal(d.Truncate(2)) {
		return d.StringFixed(2)
	}
	return d.String()
}

// AmountString is the amount exactly as the leaf commits to it.
func (l DonationLeaf) AmountString() string {
	return canonicalAmount(l.Amount)
}

// Canonical renders the leaf in its fixed field order. The output is the
// exact preimage of the leaf hash and must never change for stored records.
func (l DonationLeaf) Canonical() string {
	anonymous := noAnonymousFlag
	if l.Anonymous != nil {
		if *l.Anonymous {
			anonymous = "true"
		} else {
			anonymous = "false"
		}
	}

	fields := []string{
		escapeField(l.ID),
		canonicalAmount(l.Amount),
		escapeField(l.Currency),
		escapeField(l.PaymentReference),
		optionalField(l.SecondaryReference, noSecondaryReference),
		escapeField(l.CreatedAt),
		optionalField(l.PaymentMethod, noPaymentMethod),
		optionalField(l.DisplayName, noDisplayName),
		anonymous,
	}
	return strings.Join(fields, fieldDelimiter)
}

// Hash is SHA-256 over the UTF-8 bytes of Canonical.
func (l DonationLeaf) Hash() merkle.Hash {
	return merkle.Sum([]byte(l.Canonical()))
}
