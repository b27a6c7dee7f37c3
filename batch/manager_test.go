package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airchains-network/donation-anchor/batch/ledger"
	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/merkle"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnchorer struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	hook  func()
	calls int32
}

func (f *fakeAnchorer) Name() string { return "fake" }

func (f *fakeAnchorer) Anchor(ctx context.Context, b *types.Batch) (*ledger.Receipt, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	err, delay, hook := f.err, f.delay, f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &ledger.Receipt{
		Signature: fmt.Sprintf("sig-%s-%d", b.ID, n),
		Position:  uint64(1000 + n),
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}, nil
}

func (f *fakeAnchorer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	ldb      *db.LevelDB
	store    *db.Store
	anchorer *fakeAnchorer
	events   *recorder
	mgr      *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	store := db.NewStore(ldb)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{ldb: ldb, store: store, anchorer: &fakeAnchorer{}, events: &recorder{}}
	h.mgr = NewManager(store, h.anchorer, Config{}, log)
	h.mgr.SetNotifier(h.events)
	return h
}

func (h *harness) donate(t *testing.T, i int, amount int64) *types.Donation {
	t.Helper()
	utr := fmt.Sprintf("UTR%06d", i)
	d := &types.Donation{
		DonationLeaf: types.DonationLeaf{
			ID:                 fmt.Sprintf("don-%d", i),
			Amount:             decimal.NewFromInt(amount),
			Currency:           "INR",
			PaymentReference:   fmt.Sprintf("pay_%d", i),
			SecondaryReference: &utr,
			CreatedAt:          time.Date(2024, 3, 1, 10, i, 0, 0, time.UTC).Format(time.RFC3339Nano),
		},
		PaymentStatus: types.PaymentCompleted,
	}
	require.NoError(t, h.store.PutDonation(context.Background(), d))
	return d
}

func (h *harness) create(t *testing.T, max int) *types.Batch {
	t.Helper()
	res, err := h.mgr.Create(context.Background(), CreateOptions{MaxBatchSize: max, MinBatchSize: 1})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Batch
}

func TestCreateNoopWhenNothingEligible(t *testing.T) {
	h := newHarness(t)
	res, err := h.mgr.Create(context.Background(), CreateOptions{MaxBatchSize: 10})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Zero(t, res.Eligible)

	batches, err := h.mgr.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestCreateNoopBelowMinimum(t *testing.T) {
	h := newHarness(t)
	h.donate(t, 1, 100)
	h.donate(t, 2, 100)

	res, err := h.mgr.Create(context.Background(), CreateOptions{MaxBatchSize: 10, MinBatchSize: 3})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 2, res.Eligible)

	batches, err := h.mgr.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestCreateRejectsBadOptions(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Create(context.Background(), CreateOptions{MaxBatchSize: 0})
	require.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.mgr.Create(context.Background(), CreateOptions{MaxBatchSize: 2, MinBatchSize: 3})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestCreateBuildsBatchAndLinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		h.donate(t, i, int64(i*100))
	}

	b := h.create(t, 4)
	assert.Equal(t, types.BatchPending, b.Status)
	assert.Equal(t, 4, b.RecordCount)
	assert.Equal(t, 4, b.LeafCount)
	assert.Equal(t, 3, b.TreeHeight)
	assert.True(t, decimal.NewFromInt(1000).Equal(b.TotalAmount))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC), b.WindowStart)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 4, 0, 0, time.UTC), b.WindowEnd)
	assert.Equal(t, "INR", b.Metadata["currency"])
	assert.Equal(t, "fake", b.Metadata["ledger"])
	assert.Nil(t, b.LedgerSignature)

	members, err := h.store.BatchDonations(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, members, 4)
	for i, d := range members {
		assert.Equal(t, i, d.LeafIndex)
		assert.Equal(t, b.Leaves[i].Hex(), d.LeafHash)
		assert.False(t, d.Anchored, "creation must not mark records anchored")
		assert.True(t, merkle.Verify(d.Hash(), d.Proof, b.MerkleRoot))
	}

	// the fifth donation stays eligible for the next batch
	next := h.create(t, 4)
	assert.Equal(t, 1, next.RecordCount)
	assert.NotEqual(t, b.ID, next.ID)

	assert.Equal(t, []string{EventCreated, EventCreated}, h.events.kinds())
}

func TestAnchorConfirmsAndMarksRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	h.donate(t, 2, 200)
	b := h.create(t, 10)

	res, err := h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyAnchored)
	assert.Equal(t, 2, res.RecordsMarked)

	got := res.Batch
	assert.Equal(t, types.BatchConfirmed, got.Status)
	require.NotNil(t, got.LedgerSignature)
	require.NotNil(t, got.LedgerPosition)
	require.NotNil(t, got.LedgerTimestamp)
	assert.Nil(t, got.ErrorMessage)

	members, err := h.store.BatchDonations(ctx, b.ID)
	require.NoError(t, err)
	for _, d := range members {
		assert.True(t, d.Anchored)
	}
	assert.Equal(t, []string{EventCreated, EventAnchoring, EventConfirmed}, h.events.kinds())
}

func TestAnchorIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	b := h.create(t, 10)

	first, err := h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)
	second, err := h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)

	assert.True(t, second.AlreadyAnchored)
	assert.Equal(t, *first.Batch.LedgerSignature, *second.Batch.LedgerSignature)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.anchorer.calls))
}

func TestAnchorUnknownBatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Anchor(context.Background(), "missing")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestAnchorFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	b := h.create(t, 10)

	cause := &ledger.InsufficientFundsError{Account: "acct"}
	h.anchorer.setErr(cause)

	res, err := h.mgr.Anchor(ctx, b.ID)
	var funds *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	require.NotNil(t, res)
	assert.Equal(t, types.BatchFailed, res.Batch.Status)
	assert.Equal(t, 1, res.Batch.RetryCount)
	require.NotNil(t, res.Batch.ErrorMessage)
	assert.Nil(t, res.Batch.LedgerSignature)

	members, err := h.store.BatchDonations(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.False(t, members[0].Anchored)
	assert.Equal(t, b.ID, members[0].BatchID, "failed batch keeps its records")

	// a failed batch must go through Retry first
	_, err = h.mgr.Anchor(ctx, b.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRetryCapAndBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	b := h.create(t, 10)
	h.anchorer.setErr(errors.New("ledger unreachable"))

	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		res, err := h.mgr.Anchor(ctx, b.ID)
		require.Error(t, err)
		assert.Equal(t, attempt, res.Batch.RetryCount)

		retry, err := h.mgr.Retry(ctx, b.ID)
		if attempt < DefaultMaxRetries {
			require.NoError(t, err, "attempt %d", attempt)
			assert.Equal(t, types.BatchPending, retry.Batch.Status)
			assert.Nil(t, retry.Batch.ErrorMessage)
			assert.Equal(t, time.Second<<uint(attempt), retry.Backoff)
		} else {
			require.ErrorIs(t, err, ErrRetryLimit)
		}
	}

	got, err := h.mgr.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.RetryCount)
}

func TestRetryThenAnchorSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	b := h.create(t, 10)

	h.anchorer.setErr(errors.New("timeout"))
	_, err := h.mgr.Anchor(ctx, b.ID)
	require.Error(t, err)

	h.anchorer.setErr(nil)
	_, err = h.mgr.Retry(ctx, b.ID)
	require.NoError(t, err)

	res, err := h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchConfirmed, res.Batch.Status)
	assert.Equal(t, 1, res.Batch.RetryCount)
	assert.Nil(t, res.Batch.ErrorMessage)
}

func TestRetrySkipsTerminalAndPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	b := h.create(t, 10)

	res, err := h.mgr.Retry(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	_, err = h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)
	res, err = h.mgr.Retry(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, types.BatchConfirmed, res.Batch.Status)
}

func TestConcurrentAnchorSubmitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.donate(t, 1, 100)
	b := h.create(t, 10)
	h.anchorer.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.mgr.Anchor(ctx, b.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrAnchorInFlight)
		}
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.anchorer.calls))

	got, err := h.mgr.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchConfirmed, got.Status)
}

func TestAnchorSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.donate(t, 1, 100)
	b := h.create(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	h.anchorer.hook = cancel
	_, err := h.mgr.Anchor(ctx, b.ID)
	require.NoError(t, err)

	got, err := h.mgr.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchConfirmed, got.Status)
}

func TestRepairLinksRewritesMissingProofs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		h.donate(t, i, 100)
	}
	b := h.create(t, 10)

	// drop one proof the way a failed link write would leave it
	require.NoError(t, h.ldb.Delete(db.ProofKey("don-2")))

	v, err := h.mgr.Verify(ctx, "don-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidProof, v.Outcome)

	res, err := h.mgr.RepairLinks(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Repaired)

	v, err = h.mgr.Verify(ctx, "don-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, v.Outcome)

	res, err = h.mgr.RepairLinks(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Repaired)
}
