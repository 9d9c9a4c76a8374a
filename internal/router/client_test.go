package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/failure"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Endpoints: endpoints, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestClientFollowsLeaderHint(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		var req api.CoordinateCommitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeJSON(w, http.StatusOK, api.CoordinateCommitResponse{Txn: req.Txn, Decision: api.DecisionCommit, CommitTS: 7})
	}))
	defer primary.Close()
	standby := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: api.CodeNotPrimary, LeaderEndpoint: primary.URL})
	}))
	defer standby.Close()

	c := newClient(t, standby.URL)
	resp, err := c.CoordinateCommit(context.Background(), api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
	if err != nil || resp.CommitTS != 7 {
		t.Fatalf("unexpected %+v %v", resp, err)
	}
	if primaryCalls.Load() != 1 {
		t.Fatalf("expected one call to the primary, got %d", primaryCalls.Load())
	}
}

func TestClientRotatesOnServerErrors(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.CoordinateCommitResponse{Decision: api.DecisionCommit, CommitTS: 2})
	}))
	defer healthy.Close()

	c := newClient(t, broken.URL, healthy.URL)
	resp, err := c.CoordinateCommit(context.Background(), api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
	if err != nil || resp.CommitTS != 2 {
		t.Fatalf("unexpected %+v %v", resp, err)
	}
}

func TestClientAbortIsDefinitive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, api.ErrorResponse{ErrorCode: api.CodeNoSuchTransaction})
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)
	_, err := c.CoordinateCommit(context.Background(), api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
	if !IsAborted(err) {
		t.Fatalf("expected abort, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("abort must not be retried, got %d calls", calls.Load())
	}
}

func TestClientRetriesSteppedDownUntilContextEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: api.CodeCoordinatorSteppedDown})
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.CoordinateCommit(ctx, api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
	if err == nil || failure.HasCode(err, api.CodeNoSuchTransaction) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestClientStaysOnThrottlingPrimary(t *testing.T) {
	var calls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, api.ErrorResponse{ErrorCode: api.CodeThrottled, RetryAfterSeconds: 1})
			return
		}
		writeJSON(w, http.StatusOK, api.CoordinateCommitResponse{Decision: api.DecisionCommit, CommitTS: 4})
	}))
	defer primary.Close()
	var standbyCalls atomic.Int32
	standby := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		standbyCalls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: api.CodeNotPrimary, LeaderEndpoint: primary.URL})
	}))
	defer standby.Close()

	c := newClient(t, primary.URL, standby.URL)
	resp, err := c.CoordinateCommit(context.Background(), api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
	if err != nil || resp.CommitTS != 4 {
		t.Fatalf("unexpected %+v %v", resp, err)
	}
	if standbyCalls.Load() != 0 {
		t.Fatalf("throttling must not rotate away from the primary, standby saw %d calls", standbyCalls.Load())
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(ClientConfig{Endpoints: []string{" "}}); err == nil {
		t.Fatalf("expected error")
	}
}
