package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/participant"
	"pkt.systems/tpcd/internal/storage/memory"
)

// stubClient votes Commit with a fixed timestamp. Prepares block while gate
// is non-nil and open.
type stubClient struct {
	mu        sync.Mutex
	ts        uint64
	gate      chan struct{}
	commits   int
	aborts    int
	committed []api.TxnID
	aborted   []api.TxnID
}

func (s *stubClient) Prepare(ctx context.Context, id string, txn api.TxnID) (participant.Vote, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return participant.Vote{}, context.Cause(ctx)
		}
	}
	return participant.Vote{Participant: id, Kind: api.VoteCommit, PreparedTS: s.ts}, nil
}

func (s *stubClient) Commit(ctx context.Context, id string, txn api.TxnID, ts uint64) error {
	s.mu.Lock()
	s.commits++
	s.committed = append(s.committed, txn)
	s.mu.Unlock()
	return nil
}

func (s *stubClient) Abort(ctx context.Context, id string, txn api.TxnID) error {
	s.mu.Lock()
	s.aborts++
	s.aborted = append(s.aborted, txn)
	s.mu.Unlock()
	return nil
}

func (s *stubClient) resolved(txn api.TxnID) (commits, aborts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.committed {
		if t == txn {
			commits++
		}
	}
	for _, t := range s.aborted {
		if t == txn {
			aborts++
		}
	}
	return commits, aborts
}

func (s *stubClient) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func newTestCatalog(t *testing.T, client participant.Client, onFinished FinishedFunc) (*Catalog, *coordlog.Log) {
	t.Helper()
	log, err := coordlog.New(coordlog.Config{Backend: memory.New()})
	if err != nil {
		t.Fatalf("coordlog: %v", err)
	}
	cat, err := New(Config{Log: log, Client: client, OnFinished: onFinished})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(cat.Close)
	return cat, log
}

func waitEmpty(t *testing.T, cat *Catalog) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for cat.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("catalog still holds %d coordinators", cat.Len())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotPrimaryRefusesWork(t *testing.T) {
	cat, _ := newTestCatalog(t, &stubClient{}, nil)
	if _, err := cat.GetOrCreate(api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"}); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
}

func TestGetOrCreateJoinsExisting(t *testing.T) {
	client := &stubClient{ts: 3, gate: make(chan struct{})}
	cat, _ := newTestCatalog(t, client, nil)
	cat.BecamePrimary(1)
	txn := api.TxnID{LSID: "s", TxnNumber: 1}
	first, err := cat.GetOrCreate(txn, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := cat.GetOrCreate(txn, []string{"p1", "p2"})
	if err != nil || second != first {
		t.Fatalf("expected the same coordinator, got %p vs %p (%v)", second, first, err)
	}
	if _, err := cat.GetOrCreate(txn, []string{"p1"}); !failure.HasCode(err, api.CodeParticipantListMismatch) {
		t.Fatalf("expected participant_list_mismatch, got %v", err)
	}
	close(client.gate)
	out, err := first.Wait(context.Background())
	if err != nil || out.CommitTS != 3 {
		t.Fatalf("unexpected outcome %+v %v", out, err)
	}
	waitEmpty(t, cat)
}

func TestNewerTxnSupersedesUndecided(t *testing.T) {
	client := &stubClient{ts: 1, gate: make(chan struct{})}
	cat, _ := newTestCatalog(t, client, nil)
	cat.BecamePrimary(1)
	older, err := cat.GetOrCreate(api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	for older.State() != coordinator.StatePreparing {
		time.Sleep(time.Millisecond)
	}
	newer, err := cat.GetOrCreate(api.TxnID{LSID: "s", TxnNumber: 2}, []string{"p1"})
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}
	if _, err := older.Wait(context.Background()); !errors.Is(err, coordinator.ErrAbandoned) {
		t.Fatalf("older should be abandoned, got %v", err)
	}
	if _, err := cat.GetOrCreate(api.TxnID{LSID: "s", TxnNumber: 1}, []string{"p1"}); !failure.HasCode(err, api.CodeTransactionSuperseded) {
		t.Fatalf("expected transaction_superseded, got %v", err)
	}
	close(client.gate)
	if _, err := newer.Wait(context.Background()); err != nil {
		t.Fatalf("newer: %v", err)
	}
}

func TestSupersededTxnAbortsAndReleases(t *testing.T) {
	client := &stubClient{ts: 4, gate: make(chan struct{})}
	var mu sync.Mutex
	finished := map[api.TxnID]coordinator.Outcome{}
	cat, log := newTestCatalog(t, client, func(txn api.TxnID, out coordinator.Outcome) {
		mu.Lock()
		finished[txn] = out
		mu.Unlock()
	})
	cat.BecamePrimary(1)
	ctx := context.Background()
	oldTxn := api.TxnID{LSID: "s", TxnNumber: 1}
	newTxn := api.TxnID{LSID: "s", TxnNumber: 2}
	older, err := cat.GetOrCreate(oldTxn, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	for older.State() != coordinator.StatePreparing {
		time.Sleep(time.Millisecond)
	}
	newer, err := cat.GetOrCreate(newTxn, []string{"p1"})
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := cat.Get(oldTxn); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("abandoned coordinator did not finish, state %s", older.State())
		}
		time.Sleep(time.Millisecond)
	}
	if rec, err := log.Get(ctx, oldTxn); err == nil {
		if d := rec.Document.Decision; d == nil || d.Kind != api.DecisionAbort {
			t.Fatalf("superseded document must be gone or aborted, got %+v", rec.Document)
		}
	} else if !errors.Is(err, coordlog.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if commits, aborts := client.resolved(oldTxn); commits != 0 || aborts != 2 {
		t.Fatalf("superseded participants should be aborted: %d commits %d aborts", commits, aborts)
	}
	mu.Lock()
	out := finished[oldTxn]
	mu.Unlock()
	if out.Decision != api.DecisionAbort {
		t.Fatalf("superseded txn should finish as abort, got %+v", out)
	}

	// A failover cycle must not resurrect the old transaction.
	for newer.State() != coordinator.StatePreparing {
		time.Sleep(time.Millisecond)
	}
	cat.SteppedDown()
	cat.BecamePrimary(2)
	if err := cat.WaitRecovered(ctx); err != nil {
		t.Fatalf("wait recovered: %v", err)
	}
	client.release()
	waitEmpty(t, cat)
	if commits, _ := client.resolved(oldTxn); commits != 0 {
		t.Fatalf("superseded txn committed after failover")
	}
	if commits, _ := client.resolved(newTxn); commits != 1 {
		t.Fatalf("newer txn should commit after failover, got %d", commits)
	}
}

func TestRecoveryAbortsSupersededDocument(t *testing.T) {
	client := &stubClient{ts: 9}
	var mu sync.Mutex
	finished := map[api.TxnID]coordinator.Outcome{}
	cat, log := newTestCatalog(t, client, func(txn api.TxnID, out coordinator.Outcome) {
		mu.Lock()
		finished[txn] = out
		mu.Unlock()
	})
	ctx := context.Background()
	oldTxn := api.TxnID{LSID: "s", TxnNumber: 3}
	newTxn := api.TxnID{LSID: "s", TxnNumber: 4}
	other := api.TxnID{LSID: "t", TxnNumber: 1}
	log.Create(ctx, oldTxn, []string{"p1"})
	log.Create(ctx, newTxn, []string{"p1"})
	log.Create(ctx, other, []string{"p1"})

	cat.BecamePrimary(1)
	if err := cat.WaitRecovered(ctx); err != nil {
		t.Fatalf("wait recovered: %v", err)
	}
	waitEmpty(t, cat)
	if commits, aborts := client.resolved(oldTxn); commits != 0 || aborts != 1 {
		t.Fatalf("superseded document should abort: %d commits %d aborts", commits, aborts)
	}
	for _, txn := range []api.TxnID{newTxn, other} {
		if commits, _ := client.resolved(txn); commits != 1 {
			t.Fatalf("%s should commit, got %d", txn, commits)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if finished[oldTxn].Decision != api.DecisionAbort || finished[newTxn].CommitTS != 9 {
		t.Fatalf("unexpected outcomes %+v", finished)
	}
}

func TestBecamePrimaryRecoversDocuments(t *testing.T) {
	client := &stubClient{ts: 8}
	var mu sync.Mutex
	finished := map[api.TxnID]coordinator.Outcome{}
	cat, log := newTestCatalog(t, client, func(txn api.TxnID, out coordinator.Outcome) {
		mu.Lock()
		finished[txn] = out
		mu.Unlock()
	})
	ctx := context.Background()
	decided := api.TxnID{LSID: "a", TxnNumber: 1}
	undecided := api.TxnID{LSID: "b", TxnNumber: 1}
	log.Create(ctx, decided, []string{"p1", "p2"})
	log.SetDecision(ctx, decided, coordlog.Commit(5))
	log.Create(ctx, undecided, []string{"p1"})

	cat.BecamePrimary(2)
	if err := cat.WaitRecovered(ctx); err != nil {
		t.Fatalf("wait recovered: %v", err)
	}
	waitEmpty(t, cat)
	docs, err := log.ScanAll(ctx)
	if err != nil || len(docs) != 0 {
		t.Fatalf("recovery should finish every document, left %d (%v)", len(docs), err)
	}
	mu.Lock()
	defer mu.Unlock()
	if out := finished[decided]; out.Decision != api.DecisionCommit || out.CommitTS != 5 {
		t.Fatalf("decided txn must keep its decision, got %+v", out)
	}
	if out := finished[undecided]; out.Decision != api.DecisionCommit || out.CommitTS != 8 {
		t.Fatalf("undecided txn should re-prepare, got %+v", out)
	}
}

func TestSteppedDownCancelsCoordinators(t *testing.T) {
	client := &stubClient{gate: make(chan struct{})}
	cat, log := newTestCatalog(t, client, nil)
	cat.BecamePrimary(1)
	txn := api.TxnID{LSID: "s", TxnNumber: 1}
	coord, err := cat.GetOrCreate(txn, []string{"p1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for coord.State() != coordinator.StatePreparing {
		time.Sleep(time.Millisecond)
	}
	cat.SteppedDown()
	if _, err := coord.Wait(context.Background()); !errors.Is(err, ErrSteppedDown) {
		t.Fatalf("expected ErrSteppedDown, got %v", err)
	}
	if active, _ := cat.Active(); active || cat.Len() != 0 {
		t.Fatalf("catalog should be inactive and empty")
	}
	if _, err := log.Get(context.Background(), txn); err != nil {
		t.Fatalf("document must survive step-down: %v", err)
	}
	if _, err := cat.GetOrCreate(txn, []string{"p1"}); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary after step-down, got %v", err)
	}
}

func TestListOrdersCoordinators(t *testing.T) {
	client := &stubClient{gate: make(chan struct{})}
	cat, _ := newTestCatalog(t, client, nil)
	cat.BecamePrimary(4)
	cat.GetOrCreate(api.TxnID{LSID: "b", TxnNumber: 1}, []string{"p1"})
	cat.GetOrCreate(api.TxnID{LSID: "a", TxnNumber: 3}, []string{"p1"})
	list := cat.List()
	if !list.Primary || list.Term != 4 || len(list.Coordinators) != 2 {
		t.Fatalf("unexpected list %+v", list)
	}
	if list.Coordinators[0].Txn.LSID != "a" {
		t.Fatalf("unexpected order %+v", list.Coordinators)
	}
}
