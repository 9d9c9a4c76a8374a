package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/catalog"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/qrf"
	"pkt.systems/tpcd/internal/router"
	"pkt.systems/tpcd/internal/shard"
	"pkt.systems/tpcd/internal/storage"
	"pkt.systems/tpcd/internal/storage/memory"
)

type stubLease struct {
	status  api.HAStatusResponse
	holds   []time.Duration
	stepped bool
}

func (s *stubLease) Status() api.HAStatusResponse { return s.status }

func (s *stubLease) StepDown(_ context.Context, hold time.Duration) (bool, time.Time) {
	s.holds = append(s.holds, hold)
	was := s.status.Active
	s.status.Active = false
	s.stepped = true
	return was, time.Unix(1_700_000_000, 0).Add(hold)
}

// cluster is one coordinator node with a local shard p2 and a remote shard
// p1 reached over HTTP.
type cluster struct {
	coordinator *httptest.Server
	remote      *httptest.Server
	p1, p2      *shard.Shard
	catalog     *catalog.Catalog
	log         *coordlog.Log
	backend     *memory.Store
}

func newCluster(t *testing.T, primary bool) *cluster {
	t.Helper()
	c := &cluster{
		p1:      shard.New(shard.Config{ID: "p1"}),
		p2:      shard.New(shard.Config{ID: "p2"}),
		backend: memory.New(),
	}
	remoteMux := http.NewServeMux()
	New(Config{Shard: c.p1, NodeID: "p1"}).Register(remoteMux)
	c.remote = httptest.NewServer(remoteMux)
	t.Cleanup(c.remote.Close)

	log, err := coordlog.New(coordlog.Config{Backend: c.backend})
	if err != nil {
		t.Fatalf("coordlog: %v", err)
	}
	c.log = log
	dir := participant.NewDirectory(participant.NewHTTPClient(participant.HTTPConfig{
		Endpoints:  map[string]string{"p1": c.remote.URL},
		MaxElapsed: 2 * time.Second,
	}))
	dir.AddLocal("p2", c.p2)

	var rt *router.Router
	cat, err := catalog.New(catalog.Config{Log: log, Client: dir, OnFinished: func(txn api.TxnID, out coordinator.Outcome) {
		rt.Remember(txn, out)
	}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(cat.Close)
	c.catalog = cat
	rt, err = router.New(router.Config{
		Catalog: cat,
		Log:     log,
		Known:   dir.Known,
		Leader:  func() (string, string) { return "node-b", "http://node-b:9340" },
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	if primary {
		cat.BecamePrimary(1)
	}
	mux := http.NewServeMux()
	New(Config{
		Router:     rt,
		Catalog:    cat,
		Log:        log,
		Shard:      c.p2,
		Backend:    c.backend,
		Failpoints: failpoint.NewSet(),
		NodeID:     "node-a",
	}).Register(mux)
	c.coordinator = httptest.NewServer(mux)
	t.Cleanup(c.coordinator.Close)
	return c
}

func (c *cluster) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.catalog.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("coordinators did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func post(t *testing.T, url string, body any, out any) (int, http.Header) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode, resp.Header
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestCoordinateCommitOverHTTP(t *testing.T) {
	c := newCluster(t, true)
	txn := api.TxnID{LSID: "s1", TxnNumber: 1}
	var staged api.StageResponse
	if status, _ := post(t, c.remote.URL+"/v1/participant/stage", api.StageRequest{Txn: txn, Key: "k1", Value: json.RawMessage(`{"n":1}`)}, &staged); status != http.StatusOK || staged.Writes != 1 {
		t.Fatalf("stage p1: %d %+v", status, staged)
	}
	if _, err := c.p2.Stage(context.Background(), txn, "k2", json.RawMessage(`"two"`)); err != nil {
		t.Fatalf("stage p2: %v", err)
	}

	var resp api.CoordinateCommitResponse
	status, header := post(t, c.coordinator.URL+"/v1/txn/coordinate-commit", api.CoordinateCommitRequest{Txn: txn, Participants: []string{"p1", "p2"}}, &resp)
	if status != http.StatusOK {
		t.Fatalf("coordinate-commit status %d", status)
	}
	if resp.Decision != api.DecisionCommit || resp.CommitTS != 1 || resp.Source != router.SourceCoordinator {
		t.Fatalf("unexpected response %+v", resp)
	}
	if header.Get(correlation.Header) == "" {
		t.Fatalf("expected correlation id header")
	}

	c.waitIdle(t)
	var doc api.DocumentResponse
	if status := get(t, c.remote.URL+"/v1/participant/documents/k1", &doc); status != http.StatusOK {
		t.Fatalf("read k1 status %d", status)
	}
	if string(doc.Value) != `{"n":1}` || doc.CommitTS != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
	var again api.CoordinateCommitResponse
	post(t, c.coordinator.URL+"/v1/txn/coordinate-commit", api.CoordinateCommitRequest{Txn: txn, Participants: []string{"p1", "p2"}}, &again)
	if again.CommitTS != 1 || again.Source == router.SourceCoordinator {
		t.Fatalf("retry should be answered without a new coordinator, got %+v", again)
	}
}

func TestCoordinateCommitAbortReportsNoSuchTransaction(t *testing.T) {
	c := newCluster(t, true)
	txn := api.TxnID{LSID: "s2", TxnNumber: 1}
	post(t, c.remote.URL+"/v1/participant/stage", api.StageRequest{Txn: txn, Key: "k", Value: json.RawMessage(`1`)}, nil)
	if status, _ := post(t, c.remote.URL+"/v1/participant/txns/abort-local", api.AbortRequest{Txn: txn}, nil); status != http.StatusOK {
		t.Fatalf("abort-local status %d", status)
	}
	c.p2.Stage(context.Background(), txn, "k", json.RawMessage(`2`))

	var errResp api.ErrorResponse
	status, _ := post(t, c.coordinator.URL+"/v1/txn/coordinate-commit", api.CoordinateCommitRequest{Txn: txn, Participants: []string{"p1", "p2"}}, &errResp)
	if status != http.StatusConflict || errResp.ErrorCode != api.CodeNoSuchTransaction {
		t.Fatalf("expected 409 no_such_transaction, got %d %+v", status, errResp)
	}
	c.waitIdle(t)
	var txns api.ParticipantTxnsResponse
	get(t, c.coordinator.URL+"/v1/participant/txns", &txns)
	if len(txns.Txns) != 1 || txns.Txns[0].State != shard.StateAborted {
		t.Fatalf("p2 should abort too, got %+v", txns.Txns)
	}
}

func TestCoordinateCommitNotPrimary(t *testing.T) {
	c := newCluster(t, false)
	var errResp api.ErrorResponse
	status, header := post(t, c.coordinator.URL+"/v1/txn/coordinate-commit", api.CoordinateCommitRequest{Txn: api.TxnID{LSID: "s", TxnNumber: 1}, Participants: []string{"p1"}}, &errResp)
	if status != http.StatusServiceUnavailable || errResp.ErrorCode != api.CodeNotPrimary {
		t.Fatalf("expected 503 not_primary, got %d %+v", status, errResp)
	}
	if errResp.LeaderEndpoint != "http://node-b:9340" || header.Get("Retry-After") != "1" {
		t.Fatalf("expected leader hint and retry-after, got %+v %q", errResp, header.Get("Retry-After"))
	}
}

func TestRequestValidation(t *testing.T) {
	c := newCluster(t, true)
	cases := []struct {
		name string
		body string
		code string
	}{
		{"unknown field", `{"txn":{"lsid":"s","txn_number":1},"participants":["p1"],"extra":1}`, api.CodeInvalidRequest},
		{"missing lsid", `{"txn":{"txn_number":1},"participants":["p1"]}`, api.CodeInvalidRequest},
		{"duplicate participant", `{"txn":{"lsid":"s","txn_number":1},"participants":["p1","p1"]}`, api.CodeInvalidRequest},
		{"unknown participant", `{"txn":{"lsid":"s","txn_number":1},"participants":["p9"]}`, api.CodeUnknownParticipant},
		{"trailing value", `{"txn":{"lsid":"s","txn_number":1},"participants":["p1"]} {}`, api.CodeInvalidRequest},
	}
	for _, tc := range cases {
		resp, err := http.Post(c.coordinator.URL+"/v1/txn/coordinate-commit", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		var errResp api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		resp.Body.Close()
		if errResp.ErrorCode != tc.code {
			t.Fatalf("%s: expected %s, got %d %+v", tc.name, tc.code, resp.StatusCode, errResp)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	mux := http.NewServeMux()
	New(Config{Shard: shard.New(shard.Config{ID: "p1"}), MaxBodyBytes: 64}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	big := api.StageRequest{Txn: api.TxnID{LSID: "s", TxnNumber: 1}, Key: "k", Value: json.RawMessage(`"` + strings.Repeat("x", 256) + `"`)}
	var errResp api.ErrorResponse
	status, _ := post(t, srv.URL+"/v1/participant/stage", big, &errResp)
	if status != http.StatusRequestEntityTooLarge || errResp.ErrorCode != api.CodeInvalidRequest {
		t.Fatalf("expected 413 invalid_request, got %d %+v", status, errResp)
	}
}

type stubAdmission struct {
	err      error
	kinds    []qrf.Kind
	released int
}

func (s *stubAdmission) Admit(_ context.Context, kind qrf.Kind) (func(), error) {
	s.kinds = append(s.kinds, kind)
	if s.err != nil {
		return nil, s.err
	}
	return func() { s.released++ }, nil
}

func TestAdmissionThrottlesStaging(t *testing.T) {
	adm := &stubAdmission{err: &qrf.WaitError{Delay: 1500 * time.Millisecond, Reason: "stage_inflight_hard"}}
	mux := http.NewServeMux()
	New(Config{Shard: shard.New(shard.Config{ID: "p1"}), Admission: adm}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	txn := api.TxnID{LSID: "s", TxnNumber: 1}
	var errResp api.ErrorResponse
	status, headers := post(t, srv.URL+"/v1/participant/stage", api.StageRequest{Txn: txn, Key: "k", Value: json.RawMessage(`1`)}, &errResp)
	if status != http.StatusTooManyRequests || errResp.ErrorCode != api.CodeThrottled {
		t.Fatalf("expected 429 throttled, got %d %+v", status, errResp)
	}
	if headers.Get("Retry-After") != "2" || errResp.RetryAfterSeconds != 2 {
		t.Fatalf("expected retry after 2s, got %q %d", headers.Get("Retry-After"), errResp.RetryAfterSeconds)
	}
	if len(adm.kinds) != 1 || adm.kinds[0] != qrf.KindStage {
		t.Fatalf("expected one stage admission, got %v", adm.kinds)
	}

	// Protocol calls bypass admission.
	var vote api.PrepareResponse
	if status, _ := post(t, srv.URL+"/v1/participant/prepare", api.PrepareRequest{Txn: txn}, &vote); status != http.StatusOK {
		t.Fatalf("prepare should not be paced, got %d", status)
	}
	if len(adm.kinds) != 1 {
		t.Fatalf("prepare went through admission: %v", adm.kinds)
	}

	adm.err = nil
	var staged api.StageResponse
	if status, _ := post(t, srv.URL+"/v1/participant/stage", api.StageRequest{Txn: api.TxnID{LSID: "s", TxnNumber: 2}, Key: "k", Value: json.RawMessage(`1`)}, &staged); status != http.StatusOK {
		t.Fatalf("admitted stage failed with %d", status)
	}
	if adm.released != 1 {
		t.Fatalf("expected admission released once, got %d", adm.released)
	}
}

func TestParticipantOnlyNode(t *testing.T) {
	s := shard.New(shard.Config{ID: "p1"})
	mux := http.NewServeMux()
	New(Config{Shard: s}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/txn/coordinate-commit", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("coordinator routes should be absent, got %d", resp.StatusCode)
	}

	var vote api.PrepareResponse
	post(t, srv.URL+"/v1/participant/prepare", api.PrepareRequest{Txn: api.TxnID{LSID: "s", TxnNumber: 1}}, &vote)
	if vote.Vote != api.VoteAbort || vote.Reason != api.CodeNoSuchTransaction {
		t.Fatalf("unknown txn should vote abort, got %+v", vote)
	}
	var errResp api.ErrorResponse
	status, _ := post(t, srv.URL+"/v1/participant/commit", api.CommitRequest{Txn: api.TxnID{LSID: "s", TxnNumber: 2}, CommitTS: 4}, &errResp)
	if status != http.StatusConflict || errResp.ErrorCode != api.CodeNotPrepared {
		t.Fatalf("expected 409 not_prepared, got %d %+v", status, errResp)
	}
	if status := get(t, srv.URL+"/v1/participant/documents/missing", &errResp); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing document, got %d", status)
	}
}

func TestFailpointsEndpoint(t *testing.T) {
	set := failpoint.NewSet()
	mux := http.NewServeMux()
	New(Config{Failpoints: set}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var resp api.FailpointResponse
	status, _ := post(t, srv.URL+"/v1/admin/failpoints", api.FailpointRequest{Name: failpoint.HangAfterWritingDecision, Mode: api.FailpointModeHang}, &resp)
	if status != http.StatusOK || resp.Active[failpoint.HangAfterWritingDecision] != api.FailpointModeHang {
		t.Fatalf("unexpected enable response %d %+v", status, resp)
	}
	var errResp api.ErrorResponse
	status, _ = post(t, srv.URL+"/v1/admin/failpoints", api.FailpointRequest{Name: "nope", Mode: api.FailpointModeHang}, &errResp)
	if status != http.StatusBadRequest || errResp.ErrorCode != api.CodeInvalidRequest {
		t.Fatalf("unknown failpoint should be rejected, got %d %+v", status, errResp)
	}
	post(t, srv.URL+"/v1/admin/failpoints", api.FailpointRequest{Name: failpoint.HangAfterWritingDecision, Mode: api.FailpointModeOff}, &resp)
	if len(set.Active()) != 0 {
		t.Fatalf("failpoint should be off, got %v", set.Active())
	}

	disabled := http.NewServeMux()
	New(Config{Failpoints: set, DisableFailpoints: true}).Register(disabled)
	srv2 := httptest.NewServer(disabled)
	defer srv2.Close()
	status, _ = post(t, srv2.URL+"/v1/admin/failpoints", api.FailpointRequest{Name: failpoint.HangAfterWritingDecision, Mode: api.FailpointModeHang}, &errResp)
	if status != http.StatusForbidden || errResp.ErrorCode != api.CodeFailpointsDisabled {
		t.Fatalf("expected 403 failpoints_disabled, got %d %+v", status, errResp)
	}
}

func TestStepDownAndStatus(t *testing.T) {
	lease := &stubLease{status: api.HAStatusResponse{NodeID: "a", Active: true, Term: 3}}
	mux := http.NewServeMux()
	New(Config{Lease: lease}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var status api.HAStatusResponse
	get(t, srv.URL+"/v1/ha/status", &status)
	if !status.Active || status.Term != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
	var resp api.StepDownResponse
	post(t, srv.URL+"/v1/admin/stepdown", api.StepDownRequest{HoldSeconds: 10}, &resp)
	if !resp.SteppedDown || len(lease.holds) != 1 || lease.holds[0] != 10*time.Second {
		t.Fatalf("unexpected stepdown %+v %v", resp, lease.holds)
	}
	var errResp api.ErrorResponse
	code, _ := post(t, srv.URL+"/v1/admin/stepdown", api.StepDownRequest{HoldSeconds: -1}, &errResp)
	if code != http.StatusBadRequest {
		t.Fatalf("negative hold should be rejected, got %d", code)
	}
}

func TestStepDownHoldIsCapped(t *testing.T) {
	lease := &stubLease{status: api.HAStatusResponse{NodeID: "a", Active: true, Term: 1}}
	mux := http.NewServeMux()
	New(Config{Lease: lease}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, secs := range []int64{7200, math.MaxInt64 / 1_000_000_000 * 2, math.MaxInt64} {
		var resp api.StepDownResponse
		post(t, srv.URL+"/v1/admin/stepdown", api.StepDownRequest{HoldSeconds: secs}, &resp)
	}
	if len(lease.holds) != 3 {
		t.Fatalf("expected 3 stepdowns, got %v", lease.holds)
	}
	for i, hold := range lease.holds {
		if hold != maxStepDownHold {
			t.Fatalf("stepdown %d: hold %s, want %s", i, hold, maxStepDownHold)
		}
	}
}

func TestDocumentsAndCoordinators(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()
	txn := api.TxnID{LSID: "doc", TxnNumber: 7}
	if _, err := c.log.Create(ctx, txn, []string{"p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var docs api.CoordinatorDocumentsResponse
	get(t, c.coordinator.URL+"/v1/coordinator/documents", &docs)
	if len(docs.Documents) != 1 || docs.Documents[0].Txn != txn || docs.Documents[0].Stage != string(coordlog.StageAwaitingVotes) {
		t.Fatalf("unexpected documents %+v", docs)
	}
	var list api.CoordinatorListResponse
	get(t, c.coordinator.URL+"/v1/txn/coordinators", &list)
	if !list.Primary || list.Term != 1 {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestHealthz(t *testing.T) {
	backend := memory.New()
	mux := http.NewServeMux()
	New(Config{Backend: backend, NodeID: "a", Version: "v1.2.3"}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var health api.HealthResponse
	if code := get(t, srv.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("healthz status %d", code)
	}
	if health.Status != "ok" || health.Backend != "memory" || health.Version != "v1.2.3" {
		t.Fatalf("unexpected health %+v", health)
	}
	backend.InjectFault("list_objects", storage.NewTransientError(errors.New("unreachable")))
	if code := get(t, srv.URL+"/healthz", &health); code != http.StatusServiceUnavailable || health.Status != "degraded" {
		t.Fatalf("expected degraded health, got %d %+v", code, health)
	}
}
