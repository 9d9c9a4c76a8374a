package shard

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/failure"
)

func newTestShard(t *testing.T) (*Shard, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := New(Config{
		ID:              "shard0",
		Clock:           clk,
		Lifetime:        10 * time.Second,
		PrepareLifetime: time.Minute,
		Retention:       5 * time.Minute,
	})
	return s, clk
}

func stage(t *testing.T, s *Shard, txn api.TxnID, key, value string) {
	t.Helper()
	if _, err := s.Stage(context.Background(), txn, key, json.RawMessage(value)); err != nil {
		t.Fatalf("stage %s: %v", key, err)
	}
}

func TestPrepareCommitApplies(t *testing.T) {
	s, _ := newTestShard(t)
	ctx := context.Background()
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	stage(t, s, txn, "a", `{"n":1}`)
	stage(t, s, txn, "b", `{"n":2}`)

	vote, err := s.Prepare(ctx, txn)
	if err != nil || vote.Vote != api.VoteCommit || vote.PreparedTS != 1 {
		t.Fatalf("unexpected prepare %+v err %v", vote, err)
	}
	if _, ok := s.Read("a"); ok {
		t.Fatalf("prepared writes must not be visible")
	}
	if _, err := s.Commit(ctx, txn, 9); err != nil {
		t.Fatalf("commit: %v", err)
	}
	doc, ok := s.Read("a")
	if !ok || doc.CommitTS != 9 || string(doc.Value) != `{"n":1}` {
		t.Fatalf("unexpected document %+v", doc)
	}
	if s.ClusterTime() != 9 {
		t.Fatalf("cluster time should advance to commit ts, got %d", s.ClusterTime())
	}

	ack, err := s.Commit(ctx, txn, 9)
	if err != nil || !ack.Replayed {
		t.Fatalf("commit replay: %+v %v", ack, err)
	}
	replay, err := s.Prepare(ctx, txn)
	if err != nil || replay.Vote != api.VoteCommit || replay.PreparedTS != 1 {
		t.Fatalf("prepare after commit should replay original vote: %+v", replay)
	}
	if _, err := s.Abort(ctx, txn); !failure.HasCode(err, api.CodeAlreadyCommitted) {
		t.Fatalf("abort after commit: %v", err)
	}
}

func TestNullValueDeletesOnCommit(t *testing.T) {
	s, _ := newTestShard(t)
	ctx := context.Background()
	first := api.TxnID{LSID: "sess", TxnNumber: 1}
	stage(t, s, first, "a", `1`)
	s.Prepare(ctx, first)
	s.Commit(ctx, first, 1)

	second := api.TxnID{LSID: "sess", TxnNumber: 2}
	stage(t, s, second, "a", `null`)
	s.Prepare(ctx, second)
	s.Commit(ctx, second, 2)
	if _, ok := s.Read("a"); ok {
		t.Fatalf("null write should delete the document")
	}
}

func TestPrepareTimestampsIncrease(t *testing.T) {
	s, _ := newTestShard(t)
	s.ObserveClusterTime(40)
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	stage(t, s, txn, "a", `1`)
	vote, _ := s.Prepare(context.Background(), txn)
	if vote.PreparedTS != 41 {
		t.Fatalf("expected prepared ts 41, got %d", vote.PreparedTS)
	}
	again, _ := s.Prepare(context.Background(), txn)
	if again.PreparedTS != 41 {
		t.Fatalf("repeated prepare must return the same ts, got %d", again.PreparedTS)
	}
}

func TestPrepareConflictVotesAbort(t *testing.T) {
	s, _ := newTestShard(t)
	ctx := context.Background()
	holder := api.TxnID{LSID: "a", TxnNumber: 1}
	other := api.TxnID{LSID: "b", TxnNumber: 1}
	stage(t, s, holder, "k", `1`)
	stage(t, s, other, "k", `2`)
	if v, _ := s.Prepare(ctx, holder); v.Vote != api.VoteCommit {
		t.Fatalf("holder should prepare")
	}
	v, _ := s.Prepare(ctx, other)
	if v.Vote != api.VoteAbort || v.Reason != api.CodePrepareConflict {
		t.Fatalf("expected conflict abort, got %+v", v)
	}
	if _, err := s.Abort(ctx, holder); err != nil {
		t.Fatalf("abort holder: %v", err)
	}
	third := api.TxnID{LSID: "c", TxnNumber: 1}
	stage(t, s, third, "k", `3`)
	if v, _ := s.Prepare(ctx, third); v.Vote != api.VoteCommit {
		t.Fatalf("lock should be released after abort, got %+v", v)
	}
}

func TestAbortLocalBeforePrepare(t *testing.T) {
	s, _ := newTestShard(t)
	ctx := context.Background()
	txn := api.TxnID{LSID: "sess", TxnNumber: 3}
	stage(t, s, txn, "a", `1`)
	if _, err := s.AbortLocal(ctx, txn); err != nil {
		t.Fatalf("abort-local: %v", err)
	}
	v, _ := s.Prepare(ctx, txn)
	if v.Vote != api.VoteAbort || v.Reason != ReasonManual {
		t.Fatalf("expected abort vote, got %+v", v)
	}
	if _, err := s.Commit(ctx, txn, 5); !failure.HasCode(err, api.CodeAlreadyAborted) {
		t.Fatalf("commit after abort: %v", err)
	}
	if _, ok := s.Read("a"); ok {
		t.Fatalf("aborted write visible")
	}
}

func TestAbortLocalRefusesPrepared(t *testing.T) {
	s, _ := newTestShard(t)
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	stage(t, s, txn, "a", `1`)
	s.Prepare(context.Background(), txn)
	if _, err := s.AbortLocal(context.Background(), txn); !failure.HasCode(err, api.CodePrepareConflict) {
		t.Fatalf("expected prepare_conflict, got %v", err)
	}
}

func TestAbortUnknownThenPrepareVotesAbort(t *testing.T) {
	s, _ := newTestShard(t)
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	if _, err := s.Abort(context.Background(), txn); err != nil {
		t.Fatalf("abort unknown: %v", err)
	}
	v, _ := s.Prepare(context.Background(), txn)
	if v.Vote != api.VoteAbort {
		t.Fatalf("expected abort vote after early abort, got %+v", v)
	}
	if _, err := s.Stage(context.Background(), txn, "a", json.RawMessage(`1`)); !failure.HasCode(err, api.CodeAlreadyAborted) {
		t.Fatalf("stage after abort: %v", err)
	}
}

func TestPrepareUnknownVotesAbort(t *testing.T) {
	s, _ := newTestShard(t)
	v, err := s.Prepare(context.Background(), api.TxnID{LSID: "x", TxnNumber: 1})
	if err != nil || v.Vote != api.VoteAbort || v.Reason != api.CodeNoSuchTransaction {
		t.Fatalf("unexpected %+v %v", v, err)
	}
}

func TestCommitRequiresPrepare(t *testing.T) {
	s, _ := newTestShard(t)
	txn := api.TxnID{LSID: "sess", TxnNumber: 1}
	stage(t, s, txn, "a", `1`)
	if _, err := s.Commit(context.Background(), txn, 3); !failure.HasCode(err, api.CodeNotPrepared) {
		t.Fatalf("expected not_prepared, got %v", err)
	}
}

func TestSweepExpiresTransactions(t *testing.T) {
	s, clk := newTestShard(t)
	ctx := context.Background()
	staged := api.TxnID{LSID: "sess", TxnNumber: 1}
	prepared := api.TxnID{LSID: "other", TxnNumber: 1}
	stage(t, s, staged, "a", `1`)
	stage(t, s, prepared, "b", `1`)
	s.Prepare(ctx, prepared)

	clk.Advance(10 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected the unprepared txn to expire, aborted %d", n)
	}
	if v, _ := s.Prepare(ctx, staged); v.Vote != api.VoteAbort || v.Reason != ReasonExpired {
		t.Fatalf("expired txn should vote abort, got %+v", v)
	}

	clk.Advance(time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected the prepared txn to expire, aborted %d", n)
	}
	if _, err := s.Commit(ctx, prepared, 4); !failure.HasCode(err, api.CodeAlreadyAborted) {
		t.Fatalf("commit after prepare expiry: %v", err)
	}

	clk.Advance(5 * time.Minute)
	s.Sweep()
	if got := len(s.Txns().Txns); got != 0 {
		t.Fatalf("finished txns should be forgotten after retention, %d left", got)
	}
}

func TestNewerTxnSupersedesActive(t *testing.T) {
	s, _ := newTestShard(t)
	old := api.TxnID{LSID: "sess", TxnNumber: 1}
	stage(t, s, old, "a", `1`)
	stage(t, s, api.TxnID{LSID: "sess", TxnNumber: 2}, "b", `1`)
	v, _ := s.Prepare(context.Background(), old)
	if v.Vote != api.VoteAbort || v.Reason != ReasonSuperseded {
		t.Fatalf("expected superseded abort, got %+v", v)
	}
}

func TestTxnsListing(t *testing.T) {
	s, _ := newTestShard(t)
	stage(t, s, api.TxnID{LSID: "b", TxnNumber: 1}, "y", `1`)
	stage(t, s, api.TxnID{LSID: "a", TxnNumber: 2}, "x", `1`)
	stage(t, s, api.TxnID{LSID: "a", TxnNumber: 2}, "w", `1`)
	out := s.Txns()
	if out.ParticipantID != "shard0" || len(out.Txns) != 2 {
		t.Fatalf("unexpected listing %+v", out)
	}
	if out.Txns[0].Txn.LSID != "a" || len(out.Txns[0].Keys) != 2 || out.Txns[0].Keys[0] != "w" {
		t.Fatalf("unexpected order %+v", out.Txns)
	}
}

func TestStageValidation(t *testing.T) {
	s, _ := newTestShard(t)
	if _, err := s.Stage(context.Background(), api.TxnID{}, "a", nil); !failure.HasCode(err, api.CodeInvalidRequest) {
		t.Fatalf("expected invalid lsid, got %v", err)
	}
	if _, err := s.Stage(context.Background(), api.TxnID{LSID: "s"}, "a", json.RawMessage(`{`)); !failure.HasCode(err, api.CodeInvalidRequest) {
		t.Fatalf("expected invalid json, got %v", err)
	}
}
