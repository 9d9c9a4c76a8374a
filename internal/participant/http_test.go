package participant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/failure"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *atomic.Int32) {
	t.Helper()
	var retries atomic.Int32
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewHTTPClient(HTTPConfig{
		Endpoints:  map[string]string{"p1": srv.URL + "/"},
		HTTPClient: srv.Client(),
		Timeout:    time.Second,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		OnRetry:    func(string) { retries.Add(1) },
	})
	return c, &retries
}

func TestPrepareRetriesUntilVote(t *testing.T) {
	var calls atomic.Int32
	c, retries := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != preparePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: api.CodeStorageUnavailable})
			return
		}
		var req api.PrepareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeJSON(w, http.StatusOK, api.PrepareResponse{Txn: req.Txn, Vote: api.VoteCommit, PreparedTS: 7})
	}))
	vote, err := c.Prepare(context.Background(), "p1", api.TxnID{LSID: "s", TxnNumber: 1})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !vote.Commit() || vote.PreparedTS != 7 || vote.Participant != "p1" {
		t.Fatalf("unexpected vote %+v", vote)
	}
	if calls.Load() != 3 || retries.Load() != 2 {
		t.Fatalf("want 3 calls / 2 retries, got %d / %d", calls.Load(), retries.Load())
	}
}

func TestPrepareConflictIsAbortVote(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, api.ErrorResponse{ErrorCode: api.CodePrepareConflict, Detail: "key locked"})
	}))
	vote, err := c.Prepare(context.Background(), "p1", api.TxnID{LSID: "s", TxnNumber: 1})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if vote.Commit() || vote.Reason != api.CodePrepareConflict {
		t.Fatalf("unexpected vote %+v", vote)
	}
	if calls.Load() != 1 {
		t.Fatalf("definitive answer was retried: %d calls", calls.Load())
	}
}

func TestCommitReplayIsAck(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, api.ErrorResponse{ErrorCode: api.CodeAlreadyCommitted})
	}))
	if err := c.Commit(context.Background(), "p1", api.TxnID{LSID: "s", TxnNumber: 1}, 9); err != nil {
		t.Fatalf("commit replay should ack: %v", err)
	}
}

func TestCommitNotPreparedIsDefinitive(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, api.ErrorResponse{ErrorCode: api.CodeNotPrepared})
	}))
	err := c.Commit(context.Background(), "p1", api.TxnID{LSID: "s", TxnNumber: 1}, 9)
	if !failure.HasCode(err, api.CodeNotPrepared) {
		t.Fatalf("expected not_prepared, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestAbortRetriesUntilContextEnds(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{ErrorCode: "upstream"})
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Abort(ctx, "p1", api.TxnID{LSID: "s", TxnNumber: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	seen := make(chan string, 1)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get(correlation.Header)
		writeJSON(w, http.StatusOK, api.AckResponse{Ack: true})
	}))
	ctx := correlation.Set(context.Background(), "corr-123")
	if err := c.Abort(ctx, "p1", api.TxnID{LSID: "s", TxnNumber: 1}); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := <-seen; got != "corr-123" {
		t.Fatalf("expected correlation id, got %q", got)
	}
}

func TestUnknownParticipant(t *testing.T) {
	c := NewHTTPClient(HTTPConfig{})
	if _, err := c.Prepare(context.Background(), "ghost", api.TxnID{LSID: "s"}); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if c.Known("ghost") {
		t.Fatalf("ghost should be unknown")
	}
}
