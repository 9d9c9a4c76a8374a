package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/catalog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/storage/memory"
)

type votingClient struct {
	mu       sync.Mutex
	votes    map[string]participant.Vote
	prepares int
}

func (v *votingClient) Prepare(ctx context.Context, id string, txn api.TxnID) (participant.Vote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prepares++
	vote := v.votes[id]
	vote.Participant = id
	return vote, nil
}

func (v *votingClient) Commit(context.Context, string, api.TxnID, uint64) error { return nil }
func (v *votingClient) Abort(context.Context, string, api.TxnID) error          { return nil }

func (v *votingClient) prepareCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.prepares
}

type fixture struct {
	router  *Router
	catalog *catalog.Catalog
	log     *coordlog.Log
	client  *votingClient
}

func newFixture(t *testing.T, votes map[string]participant.Vote) *fixture {
	t.Helper()
	log, err := coordlog.New(coordlog.Config{Backend: memory.New()})
	if err != nil {
		t.Fatalf("coordlog: %v", err)
	}
	client := &votingClient{votes: votes}
	f := &fixture{log: log, client: client}
	cat, err := catalog.New(catalog.Config{Log: log, Client: client, OnFinished: func(txn api.TxnID, out coordinator.Outcome) {
		f.router.Remember(txn, out)
	}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(cat.Close)
	r, err := New(Config{
		Catalog: cat,
		Log:     log,
		Leader:  func() (string, string) { return "node-b", "http://node-b:9340" },
		Known:   func(id string) bool { _, ok := votes[id]; return ok },
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	f.router = r
	f.catalog = cat
	return f
}

func waitIdle(t *testing.T, cat *catalog.Catalog) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for cat.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("coordinators did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoordinateCommitCommitsAndCaches(t *testing.T) {
	f := newFixture(t, map[string]participant.Vote{
		"p1": {Kind: api.VoteCommit, PreparedTS: 5},
		"p2": {Kind: api.VoteCommit, PreparedTS: 7},
		"p3": {Kind: api.VoteCommit, PreparedTS: 3},
	})
	f.catalog.BecamePrimary(1)
	ctx := context.Background()
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	parts := []string{"p1", "p2", "p3"}

	resp, err := f.router.CoordinateCommit(ctx, txn, parts)
	if err != nil {
		t.Fatalf("coordinate: %v", err)
	}
	if resp.Decision != api.DecisionCommit || resp.CommitTS != 7 || resp.Source != SourceCoordinator {
		t.Fatalf("unexpected response %+v", resp)
	}
	waitIdle(t, f.catalog)
	again, err := f.router.CoordinateCommit(ctx, txn, parts)
	if err != nil || again.CommitTS != 7 || again.Source != SourceCache {
		t.Fatalf("retry should hit the cache: %+v %v", again, err)
	}
	if f.client.prepareCount() != 3 {
		t.Fatalf("retry re-ran prepare: %d prepares", f.client.prepareCount())
	}
}

func TestAbortIsNoSuchTransaction(t *testing.T) {
	f := newFixture(t, map[string]participant.Vote{
		"p1": {Kind: api.VoteCommit, PreparedTS: 1},
		"p2": {Kind: api.VoteAbort, Reason: api.CodeAlreadyAborted},
	})
	f.catalog.BecamePrimary(1)
	_, err := f.router.CoordinateCommit(context.Background(), api.TxnID{LSID: "sess", TxnNumber: 2}, []string{"p1", "p2"})
	if !failure.HasCode(err, api.CodeNoSuchTransaction) {
		t.Fatalf("expected no_such_transaction, got %v", err)
	}
}

func TestDecisionServedFromLog(t *testing.T) {
	f := newFixture(t, map[string]participant.Vote{"p1": {Kind: api.VoteAbort}})
	f.catalog.BecamePrimary(1)
	ctx := context.Background()
	txn := api.TxnID{LSID: "sess", TxnNumber: 3}
	f.log.Create(ctx, txn, []string{"p1"})
	f.log.SetDecision(ctx, txn, coordlog.Commit(12))

	resp, err := f.router.CoordinateCommit(ctx, txn, []string{"p1"})
	if err != nil || resp.CommitTS != 12 || resp.Source != SourceLog {
		t.Fatalf("expected decision from log: %+v %v", resp, err)
	}
	if _, err := f.router.CoordinateCommit(ctx, txn, []string{"p1", "p2"}); err == nil {
		t.Fatalf("expected an error for a different participant list")
	}
}

func TestNotPrimaryCarriesLeader(t *testing.T) {
	f := newFixture(t, map[string]participant.Vote{"p1": {Kind: api.VoteCommit}})
	_, err := f.router.CoordinateCommit(context.Background(), api.TxnID{LSID: "sess", TxnNumber: 1}, []string{"p1"})
	fail, ok := failure.As(err)
	if !ok || fail.Code != api.CodeNotPrimary || fail.LeaderEndpoint != "http://node-b:9340" {
		t.Fatalf("expected not_primary with leader hint, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t, map[string]participant.Vote{"p1": {Kind: api.VoteCommit}})
	f.catalog.BecamePrimary(1)
	ctx := context.Background()
	cases := []struct {
		name  string
		txn   api.TxnID
		parts []string
		code  string
	}{
		{"empty lsid", api.TxnID{}, []string{"p1"}, api.CodeInvalidRequest},
		{"no participants", api.TxnID{LSID: "s"}, nil, api.CodeInvalidRequest},
		{"duplicate", api.TxnID{LSID: "s"}, []string{"p1", "p1"}, api.CodeInvalidRequest},
		{"unknown", api.TxnID{LSID: "s"}, []string{"p9"}, api.CodeUnknownParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.router.CoordinateCommit(ctx, tc.txn, tc.parts); !failure.HasCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestForgetDropsCache(t *testing.T) {
	f := newFixture(t, map[string]participant.Vote{"p1": {Kind: api.VoteCommit}})
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	f.router.Remember(txn, coordinator.Outcome{Decision: api.DecisionCommit, CommitTS: 4})
	if f.router.recent.size() != 1 {
		t.Fatalf("expected cached decision")
	}
	f.router.Forget()
	if f.router.recent.size() != 0 {
		t.Fatalf("cache should be empty")
	}
}

func TestDecisionCacheBounds(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache := newDecisionCache(clk, time.Minute, 2)
	a := api.TxnID{LSID: "a", TxnNumber: 1}
	b := api.TxnID{LSID: "b", TxnNumber: 1}
	c := api.TxnID{LSID: "c", TxnNumber: 1}
	cache.put(a, coordinator.Outcome{Decision: api.DecisionCommit})
	cache.put(b, coordinator.Outcome{Decision: api.DecisionAbort})
	cache.put(c, coordinator.Outcome{Decision: api.DecisionCommit})
	if _, ok := cache.get(a); ok {
		t.Fatalf("oldest entry should be evicted")
	}
	if out, ok := cache.get(b); !ok || out.Decision != api.DecisionAbort {
		t.Fatalf("b missing")
	}
	clk.Advance(time.Minute)
	if _, ok := cache.get(c); ok {
		t.Fatalf("entries expire after the ttl")
	}
	if newDecisionCache(clk, 0, 10) != nil {
		t.Fatalf("a zero ttl disables the cache")
	}
}

func TestSteppedDownMidCall(t *testing.T) {
	block := make(chan struct{})
	log, _ := coordlog.New(coordlog.Config{Backend: memory.New()})
	client := &blockingClient{gate: block}
	cat, _ := catalog.New(catalog.Config{Log: log, Client: client})
	t.Cleanup(cat.Close)
	r, _ := New(Config{Catalog: cat, Log: log, Leader: func() (string, string) { return "b", "http://b" }})
	cat.BecamePrimary(1)

	errc := make(chan error, 1)
	go func() {
		_, err := r.CoordinateCommit(context.Background(), api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
		errc <- err
	}()
	for cat.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	cat.SteppedDown()
	err := <-errc
	fail, ok := failure.As(err)
	if !ok || fail.Code != api.CodeCoordinatorSteppedDown || fail.LeaderEndpoint != "http://b" || !fail.Retryable() {
		t.Fatalf("expected retryable coordinator_stepped_down, got %v", err)
	}
	close(block)
}

func TestSupersededRetryIsNoSuchTransaction(t *testing.T) {
	block := make(chan struct{})
	log, _ := coordlog.New(coordlog.Config{Backend: memory.New()})
	var r *Router
	cat, _ := catalog.New(catalog.Config{Log: log, Client: &blockingClient{gate: block}, OnFinished: func(txn api.TxnID, out coordinator.Outcome) {
		r.Remember(txn, out)
	}})
	t.Cleanup(cat.Close)
	r, _ = New(Config{Catalog: cat, Log: log})
	cat.BecamePrimary(1)
	ctx := context.Background()
	oldTxn := api.TxnID{LSID: "s", TxnNumber: 1}
	newTxn := api.TxnID{LSID: "s", TxnNumber: 2}

	oldErr := make(chan error, 1)
	go func() {
		_, err := r.CoordinateCommit(ctx, oldTxn, []string{"p1"})
		oldErr <- err
	}()
	for {
		if coord, ok := cat.Get(oldTxn); ok && coord.State() == coordinator.StatePreparing {
			break
		}
		time.Sleep(time.Millisecond)
	}
	newResp := make(chan error, 1)
	go func() {
		_, err := r.CoordinateCommit(ctx, newTxn, []string{"p1"})
		newResp <- err
	}()
	if err := <-oldErr; !failure.HasCode(err, api.CodeTransactionSuperseded) {
		t.Fatalf("expected transaction_superseded, got %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := cat.Get(oldTxn); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("superseded coordinator did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := log.Get(ctx, oldTxn); !errors.Is(err, coordlog.ErrNotFound) {
		t.Fatalf("superseded document should be deleted, got %v", err)
	}
	if _, err := r.CoordinateCommit(ctx, oldTxn, []string{"p1"}); !failure.HasCode(err, api.CodeNoSuchTransaction) {
		t.Fatalf("retry of a superseded txn should be no_such_transaction, got %v", err)
	}
	close(block)
	if err := <-newResp; err != nil {
		t.Fatalf("newer txn: %v", err)
	}
}

type blockingClient struct{ gate chan struct{} }

func (b *blockingClient) Prepare(ctx context.Context, id string, txn api.TxnID) (participant.Vote, error) {
	select {
	case <-b.gate:
		return participant.Vote{Participant: id, Kind: api.VoteCommit}, nil
	case <-ctx.Done():
		return participant.Vote{}, context.Cause(ctx)
	}
}
func (b *blockingClient) Commit(context.Context, string, api.TxnID, uint64) error { return nil }
func (b *blockingClient) Abort(context.Context, string, api.TxnID) error          { return nil }
