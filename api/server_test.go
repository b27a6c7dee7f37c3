package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airchains-network/donation-anchor/batch"
	"github.com/airchains-network/donation-anchor/batch/ledger"
	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminToken = "s3cret-admin"

type stubAnchorer struct {
	mu  sync.Mutex
	err error
	n   int
}

func (s *stubAnchorer) Name() string { return "stub" }

func (s *stubAnchorer) Anchor(_ context.Context, b *types.Batch) (*ledger.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.n++
	return &ledger.Receipt{Signature: fmt.Sprintf("0xsig%d", s.n), Position: uint64(s.n), Timestamp: time.Now().UTC()}, nil
}

type fixture struct {
	srv      *httptest.Server
	anchorer *stubAnchorer
	hub      *Hub
}

func newFixture(t *testing.T, tokenHash string) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	store := db.NewStore(ldb)

	anchorer := &stubAnchorer{}
	mgr := batch.NewManager(store, anchorer, batch.Config{}, log)
	hub := NewHub(log)
	go hub.Run()
	mgr.SetNotifier(hub)

	s := NewServer(mgr, store, NewTokenPolicy(tokenHash), hub, batch.CreateOptions{MaxBatchSize: 10, MinBatchSize: 1}, log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
		store.Close()
	})
	return &fixture{srv: srv, anchorer: anchorer, hub: hub}
}

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func donationBody(amounts ...int) map[string]any {
	var ds []map[string]any
	for i, amt := range amounts {
		ds = append(ds, map[string]any{
			"id":                fmt.Sprintf("don-%d", i+1),
			"amount":            fmt.Sprintf("%d", amt),
			"currency":          "INR",
			"payment_reference": fmt.Sprintf("pay_%d", i+1),
			"created_at":        fmt.Sprintf("2024-03-01T10:0%d:00Z", i),
			"payment_status":    "completed",
		})
	}
	return map[string]any{"donations": ds}
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, testHash(t))

	status, _ := f.do(t, http.MethodGet, "/v1/admin/batches", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/v1/admin/batches", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/v1/admin/batches", nil, adminToken)
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	f := newFixture(t, "")
	status, _ := f.do(t, http.MethodPost, "/v1/admin/batches", nil, adminToken)
	assert.Equal(t, http.StatusForbidden, status)

	// public verification stays open
	status, _ = f.do(t, http.MethodGet, "/v1/verify/nothing", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestImportCreateAnchorVerify(t *testing.T) {
	f := newFixture(t, testHash(t))

	status, body := f.do(t, http.MethodPost, "/v1/admin/donations", donationBody(1000, 2000, 3000), adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["imported"])

	status, body = f.do(t, http.MethodGet, "/v1/verify/pay_2", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "not_batched", body["outcome"])

	status, body = f.do(t, http.MethodPost, "/v1/admin/batches", map[string]int{"max_batch_size": 10, "min_batch_size": 3}, adminToken)
	require.Equal(t, http.StatusCreated, status)
	created := body["batch"].(map[string]any)
	id := created["id"].(string)
	assert.EqualValues(t, 3, created["tree_height"])
	assert.Equal(t, "pending", created["status"])

	status, body = f.do(t, http.MethodPost, "/v1/admin/batches/"+id+"/anchor", nil, adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", body["batch"].(map[string]any)["status"])

	status, body = f.do(t, http.MethodPost, "/v1/admin/batches/"+id+"/anchor", nil, adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["already_anchored"])

	for _, ref := range []string{"don-1", "pay_2", "don-3"} {
		status, body = f.do(t, http.MethodGet, "/v1/verify/"+ref, nil, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "verified", body["outcome"], ref)
		assert.Equal(t, id, body["batch_id"])
		assert.Equal(t, "0xsig1", body["ledger_signature"])
	}

	status, body = f.do(t, http.MethodGet, "/v1/admin/batches?status=confirmed", nil, adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["batches"], 1)

	// batched records are frozen
	status, body = f.do(t, http.MethodPost, "/v1/admin/donations", donationBody(1), adminToken)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Len(t, body["failed"], 1)
}

func TestCreateBelowMinimumIsNoop(t *testing.T) {
	f := newFixture(t, testHash(t))
	f.do(t, http.MethodPost, "/v1/admin/donations", donationBody(100), adminToken)

	status, body := f.do(t, http.MethodPost, "/v1/admin/batches", map[string]int{"min_batch_size": 2}, adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["created"])
	assert.EqualValues(t, 1, body["eligible"])
}

func TestAnchorFailureAndRetry(t *testing.T) {
	f := newFixture(t, testHash(t))
	f.do(t, http.MethodPost, "/v1/admin/donations", donationBody(100), adminToken)
	_, body := f.do(t, http.MethodPost, "/v1/admin/batches", nil, adminToken)
	id := body["batch"].(map[string]any)["id"].(string)

	f.anchorer.mu.Lock()
	f.anchorer.err = errors.New("rpc down")
	f.anchorer.mu.Unlock()

	status, body := f.do(t, http.MethodPost, "/v1/admin/batches/"+id+"/anchor", nil, adminToken)
	require.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "failed", body["batch"].(map[string]any)["status"])

	status, _ = f.do(t, http.MethodPost, "/v1/admin/batches/"+id+"/anchor", nil, adminToken)
	assert.Equal(t, http.StatusConflict, status)

	status, body = f.do(t, http.MethodPost, "/v1/admin/batches/"+id+"/retry", nil, adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", body["batch"].(map[string]any)["status"])
	assert.EqualValues(t, 2, body["backoff_seconds"])

	status, _ = f.do(t, http.MethodPost, "/v1/admin/batches/missing/retry", nil, adminToken)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventFeed(t *testing.T) {
	f := newFixture(t, testHash(t))

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/admin/events"
	header := http.Header{"Authorization": []string{"Bearer " + adminToken}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// registration is asynchronous, keep publishing until the feed delivers
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.hub.Notify(batch.Event{Type: batch.EventCreated, BatchID: "b-1", Status: types.BatchPending})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev batch.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, batch.EventCreated, ev.Type)
	assert.Equal(t, "b-1", ev.BatchID)
}

func TestEventFeedRejectsAnonymous(t *testing.T) {
	f := newFixture(t, testHash(t))
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/admin/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
