package batch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreeDonationScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.donate(t, 1, 1000)
	d2 := h.donate(t, 2, 2000)
	d3 := h.donate(t, 3, 3000)

	b := h.create(t, 10)
	assert.Equal(t, 3, b.TreeHeight)
	assert.Equal(t, "6000.00", b.TotalAmount.StringFixed(2))

	_, err := h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)

	for _, d := range []string{d1.ID, d2.ID, d3.ID} {
		v, err := h.mgr.Verify(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, OutcomeVerified, v.Outcome, d)
		assert.True(t, v.Anchored)
		assert.Equal(t, b.MerkleRoot.Hex(), v.MerkleRoot)
		require.NotNil(t, v.LedgerSignature)
	}

	// rewrite donation 2's amount behind the store's back
	stored, err := h.store.GetDonation(ctx, d2.ID)
	require.NoError(t, err)
	stored.Amount = decimal.NewFromInt(2500)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, h.ldb.Put(db.DonationKey(d2.ID), raw))

	v, err := h.mgr.Verify(ctx, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTampered, v.Outcome)
	assert.NotEqual(t, v.StoredLeafHash, v.LeafHash)

	for _, d := range []string{d1.ID, d3.ID} {
		v, err := h.mgr.Verify(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, OutcomeVerified, v.Outcome, d)
	}
}

func TestSubCentTamperIsDetected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 1000)
	d2 := h.donate(t, 2, 2000)
	h.create(t, 10)

	stored, err := h.store.GetDonation(ctx, d2.ID)
	require.NoError(t, err)
	stored.Amount = decimal.RequireFromString("2000.004")
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, h.ldb.Put(db.DonationKey(d2.ID), raw))

	v, err := h.mgr.Verify(ctx, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTampered, v.Outcome)
	assert.Equal(t, "2000.004", v.Amount)
}

func TestVerifyWithMissingBatchReportsInvalidProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.donate(t, 1, 1000)
	b := h.create(t, 10)
	require.NoError(t, h.ldb.Delete(db.BatchKey(b.ID)))

	v, err := h.mgr.Verify(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidProof, v.Outcome)
	assert.Equal(t, b.ID, v.BatchID)
	assert.Empty(t, v.MerkleRoot)
}

func TestVerifyByReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.donate(t, 4, 500)

	v, err := h.mgr.Verify(ctx, d.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotBatched, v.Outcome)
	assert.Equal(t, d.ID, v.DonationID)
	assert.Empty(t, v.BatchID)

	h.create(t, 10)
	v, err = h.mgr.Verify(ctx, *d.SecondaryReference)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, v.Outcome)
	assert.False(t, v.Anchored)

	_, err = h.mgr.Verify(ctx, "unknown-ref")
	require.ErrorIs(t, err, ErrDonationNotFound)
}

func TestVerifyRejectsForeignProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	h.donate(t, 2, 200)
	h.create(t, 10)

	raw, err := merkle.EncodeProof([]merkle.ProofStep{{Position: merkle.Right, Hash: merkle.Sum([]byte("forged"))}})
	require.NoError(t, err)
	require.NoError(t, h.ldb.Put(db.ProofKey("don-1"), raw))

	v, err := h.mgr.Verify(ctx, "don-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidProof, v.Outcome)
}
