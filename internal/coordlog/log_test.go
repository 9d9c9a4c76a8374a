package coordlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/storage"
	"pkt.systems/tpcd/internal/storage/disk"
	"pkt.systems/tpcd/internal/storage/memory"
)

func newLog(t *testing.T, backend storage.Backend) *Log {
	t.Helper()
	l, err := New(Config{Backend: backend, Clock: clock.NewManual(time.Unix(1_700_000_000, 0))})
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func TestKeyOrdersByTxnNumber(t *testing.T) {
	a := Key(api.TxnID{LSID: "s", TxnNumber: 9})
	b := Key(api.TxnID{LSID: "s", TxnNumber: 10})
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
	if got := Key(api.TxnID{LSID: "a b", TxnNumber: 1}); got != "coordinators/a%20b/00000000000000000001.json" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestCreateIsWriteOnce(t *testing.T) {
	l := newLog(t, memory.New())
	ctx := context.Background()
	txn := api.TxnID{LSID: "s1", TxnNumber: 1}

	rec, err := l.Create(ctx, txn, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Document.Stage() != StageAwaitingVotes {
		t.Fatalf("unexpected stage %s", rec.Document.Stage())
	}
	existing, err := l.Create(ctx, txn, []string{"p3"})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if len(existing.Document.Participants) != 2 || existing.Document.Participants[0] != "p1" {
		t.Fatalf("participant list was rewritten: %+v", existing.Document.Participants)
	}
}

func TestSetDecisionIsWriteOnce(t *testing.T) {
	l := newLog(t, memory.New())
	ctx := context.Background()
	txn := api.TxnID{LSID: "s1", TxnNumber: 2}
	if _, err := l.SetDecision(ctx, txn, Commit(7)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}
	if _, err := l.Create(ctx, txn, []string{"p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := l.SetDecision(ctx, txn, Commit(7))
	if err != nil {
		t.Fatalf("set decision: %v", err)
	}
	if rec.Document.Stage() != StageAwaitingAcks || rec.Document.DecidedAt == nil {
		t.Fatalf("unexpected document %+v", rec.Document)
	}
	if _, err := l.SetDecision(ctx, txn, Commit(7)); err != nil {
		t.Fatalf("idempotent set decision: %v", err)
	}
	stored, err := l.SetDecision(ctx, txn, Abort())
	if !errors.Is(err, ErrDecisionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if *stored.Document.Decision != Commit(7) {
		t.Fatalf("stored decision changed: %+v", stored.Document.Decision)
	}
	if _, err := l.SetDecision(ctx, txn, Commit(8)); !errors.Is(err, ErrDecisionConflict) {
		t.Fatalf("expected conflict for different commit ts, got %v", err)
	}
}

func TestConcurrentDecisionWritersOneWins(t *testing.T) {
	l := newLog(t, memory.New())
	ctx := context.Background()
	txn := api.TxnID{LSID: "race", TxnNumber: 1}
	if _, err := l.Create(ctx, txn, []string{"p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Commit(uint64(i + 1))
			_, err := l.SetDecision(ctx, txn, d)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrDecisionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != 7 {
		t.Fatalf("want 1 win / 7 conflicts, got %d / %d", wins.Load(), conflicts.Load())
	}
}

func TestDeleteAndScanAll(t *testing.T) {
	l := newLog(t, memory.New())
	ctx := context.Background()
	var txns []api.TxnID
	for i := 0; i < 5; i++ {
		txn := api.TxnID{LSID: fmt.Sprintf("s%d", i%2), TxnNumber: uint64(i)}
		txns = append(txns, txn)
		if _, err := l.Create(ctx, txn, []string{"p1"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := l.SetDecision(ctx, txns[1], Abort()); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := l.Delete(ctx, txns[2]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := l.Delete(ctx, txns[2]); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	recs, err := l.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 documents, got %d", len(recs))
	}
	seen := map[api.TxnID]bool{}
	for i, rec := range recs {
		if seen[rec.Document.Txn] {
			t.Fatalf("duplicate document %s", rec.Document.Txn)
		}
		seen[rec.Document.Txn] = true
		if i > 0 && recs[i-1].Key >= rec.Key {
			t.Fatalf("scan not ordered: %q then %q", recs[i-1].Key, rec.Key)
		}
	}
	if seen[txns[2]] {
		t.Fatalf("deleted document returned by scan")
	}
	if _, err := l.Get(ctx, txns[2]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDocumentsSurviveDiskReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	txn := api.TxnID{LSID: "durable", TxnNumber: 3}

	store, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	l := newLog(t, store)
	if _, err := l.Create(ctx, txn, []string{"p1", "p2", "p3"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.SetDecision(ctx, txn, Commit(7)); err != nil {
		t.Fatalf("decide: %v", err)
	}
	store.Close()

	reopened, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	recs, err := newLog(t, reopened).ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(recs))
	}
	doc := recs[0].Document
	if doc.Txn != txn || doc.Decision == nil || *doc.Decision != Commit(7) || len(doc.Participants) != 3 {
		t.Fatalf("unexpected document after reopen: %+v", doc)
	}
	if view := recs[0].API(); view.Stage != string(StageAwaitingAcks) || view.CommitTS != 7 {
		t.Fatalf("unexpected api view %+v", view)
	}
}
