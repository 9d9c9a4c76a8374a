// Package failoversuite drives commits across coordinator failover against
// any storage backend. Backend-specific integration packages supply the
// backend and run the same scenarios.
package failoversuite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/integration/internal/hatest"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/router"
	"pkt.systems/tpcd/internal/shard"
	"pkt.systems/tpcd/internal/storage"
)

// BackendFactory returns a fresh, empty backend for one scenario.
type BackendFactory func(t *testing.T) storage.Backend

// Run executes every scenario against backends from factory.
func Run(t *testing.T, factory BackendFactory) {
	t.Run("CommitSurvivesFailoverAfterDecision", func(t *testing.T) {
		CommitSurvivesFailoverAfterDecision(t, factory(t))
	})
	t.Run("UndecidedTransactionAbortsAfterFailover", func(t *testing.T) {
		UndecidedTransactionAbortsAfterFailover(t, factory(t))
	})
	t.Run("ConcurrentTransactionsAllDecide", func(t *testing.T) {
		ConcurrentTransactionsAllDecide(t, factory(t))
	})
}

var participantIDs = []string{"alpha", "beta", "gamma"}

type group struct {
	log          *coordlog.Log
	shards       map[string]*tpcd.TestServer
	coordinators []*tpcd.TestServer
	failpoints   []*failpoint.Set
}

func newGroup(t *testing.T, backend storage.Backend, shardCfg func(*tpcd.Config)) *group {
	t.Helper()
	log, err := coordlog.New(coordlog.Config{Backend: backend})
	if err != nil {
		t.Fatalf("coordlog: %v", err)
	}
	g := &group{log: log, shards: make(map[string]*tpcd.TestServer)}
	endpoints := make(map[string]string, len(participantIDs))
	for _, id := range participantIDs {
		ts := tpcd.StartTestServer(t, tpcd.WithTestConfigFunc(func(cfg *tpcd.Config) {
			cfg.ParticipantID = id
			cfg.DisableCoordinator = true
			if shardCfg != nil {
				shardCfg(cfg)
			}
		}))
		g.shards[id] = ts
		endpoints[id] = ts.BaseURL
	}
	for i := 0; i < 2; i++ {
		fp := failpoint.NewSet()
		ts := tpcd.StartTestServer(t,
			tpcd.WithTestBackend(backend),
			tpcd.WithTestFailpoints(fp),
			tpcd.WithTestConfigFunc(func(cfg *tpcd.Config) {
				cfg.Participants = endpoints
				// Remote object stores are slower than loopback.
				cfg.HALeaseTTL = 2 * time.Second
				cfg.RPCTimeout = 2 * time.Second
			}),
		)
		g.coordinators = append(g.coordinators, ts)
		g.failpoints = append(g.failpoints, fp)
	}
	return g
}

func (g *group) primary(t *testing.T, ctx context.Context) (int, *tpcd.TestServer) {
	t.Helper()
	ts, err := hatest.WaitForPrimary(ctx, g.coordinators...)
	if err != nil {
		t.Fatalf("wait for primary: %v", err)
	}
	for i, c := range g.coordinators {
		if c == ts {
			return i, ts
		}
	}
	t.Fatalf("primary %s is not part of the group", ts.BaseURL)
	return 0, nil
}

func (g *group) stage(t *testing.T, txn api.TxnID, key string) {
	t.Helper()
	for _, id := range participantIDs {
		value := json.RawMessage(fmt.Sprintf(`{"owner":%q,"txn":%q}`, id, txn.String()))
		if _, err := g.shards[id].Server.Shard().Stage(context.Background(), txn, key, value); err != nil {
			t.Fatalf("stage on %s: %v", id, err)
		}
	}
}

func (g *group) client(t *testing.T) *router.Client {
	t.Helper()
	endpoints := make([]string, 0, len(g.coordinators))
	for _, ts := range g.coordinators {
		endpoints = append(endpoints, ts.BaseURL)
	}
	client, err := router.NewClient(router.ClientConfig{
		Endpoints:      endpoints,
		AttemptTimeout: 5 * time.Second,
		BaseDelay:      20 * time.Millisecond,
		MaxDelay:       250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("router client: %v", err)
	}
	return client
}

func (g *group) documents(t *testing.T) []coordlog.Record {
	t.Helper()
	recs, err := g.log.ScanAll(context.Background())
	if err != nil {
		t.Fatalf("scan coordinator documents: %v", err)
	}
	return recs
}

func (g *group) committedEverywhere(key string, commitTS uint64) bool {
	for _, id := range participantIDs {
		doc, ok := g.shards[id].Server.Shard().Read(key)
		if !ok || doc.CommitTS != commitTS {
			return false
		}
	}
	return true
}

func (g *group) abortedEverywhere(txn api.TxnID) bool {
	for _, id := range participantIDs {
		aborted := false
		for _, rec := range g.shards[id].Server.Shard().Txns().Txns {
			if rec.Txn == txn && rec.State == shard.StateAborted {
				aborted = true
			}
		}
		if !aborted {
			return false
		}
	}
	return true
}

func eventually(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func scenarioContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	return ctx
}

// CommitSurvivesFailoverAfterDecision hangs the primary right after the
// commit decision is durable, fails over, and checks that the standby
// delivers the same decision.
func CommitSurvivesFailoverAfterDecision(t *testing.T, backend storage.Backend) {
	g := newGroup(t, backend, nil)
	ctx := scenarioContext(t)
	idx, primary := g.primary(t, ctx)
	if err := g.failpoints[idx].Enable(failpoint.HangAfterWritingDecision, failpoint.Hang); err != nil {
		t.Fatal(err)
	}
	txn := api.TxnID{LSID: "failover-commit", TxnNumber: 1}
	g.stage(t, txn, "balance")

	resp, err := primary.Client.CoordinateCommit(ctx, txn, participantIDs)
	if err != nil {
		t.Fatalf("coordinate commit: %v", err)
	}
	if resp.Decision != api.DecisionCommit || resp.CommitTS == 0 {
		t.Fatalf("expected a commit decision, got %+v", resp)
	}
	if err := g.failpoints[idx].WaitReached(ctx, failpoint.HangAfterWritingDecision); err != nil {
		t.Fatalf("failpoint: %v", err)
	}
	if was, _ := primary.Server.Lease().StepDown(ctx, time.Minute); !was {
		t.Fatal("primary reported no lease on step-down")
	}
	if _, err := hatest.WaitForPrimaryChange(ctx, primary, g.coordinators...); err != nil {
		t.Fatalf("standby never took over: %v", err)
	}
	eventually(t, 20*time.Second, "recovery to commit on every participant", func() bool {
		return g.committedEverywhere("balance", resp.CommitTS)
	})
	eventually(t, 20*time.Second, "the coordinator document to be deleted", func() bool {
		return len(g.documents(t)) == 0
	})
	retried, err := g.client(t).CoordinateCommit(ctx, txn, participantIDs)
	if err != nil {
		t.Fatalf("retried coordinate commit: %v", err)
	}
	if retried.Decision != api.DecisionCommit || retried.CommitTS != resp.CommitTS {
		t.Fatalf("retry returned %+v, want commit @ %d", retried, resp.CommitTS)
	}
}

// UndecidedTransactionAbortsAfterFailover hangs the primary before the
// participant list is durable; participants must abort on their own and the
// new primary must answer the retry with an abort.
func UndecidedTransactionAbortsAfterFailover(t *testing.T, backend storage.Backend) {
	g := newGroup(t, backend, func(cfg *tpcd.Config) {
		cfg.TxnLifetime = 500 * time.Millisecond
	})
	ctx := scenarioContext(t)
	idx, primary := g.primary(t, ctx)
	if err := g.failpoints[idx].Enable(failpoint.HangBeforeWritingParticipantList, failpoint.Hang); err != nil {
		t.Fatal(err)
	}
	txn := api.TxnID{LSID: "failover-abort", TxnNumber: 4}
	g.stage(t, txn, "balance")

	// A raw request sees the stepped-down answer; the router client would
	// keep retrying the passive node.
	body, _ := json.Marshal(api.CoordinateCommitRequest{Txn: txn, Participants: participantIDs})
	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Post(primary.BaseURL+router.CoordinateCommitPath, "application/json", bytes.NewReader(body))
		if err != nil {
			statusCh <- 0
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()
	if err := g.failpoints[idx].WaitReached(ctx, failpoint.HangBeforeWritingParticipantList); err != nil {
		t.Fatalf("failpoint: %v", err)
	}
	if was, _ := primary.Server.Lease().StepDown(ctx, time.Minute); !was {
		t.Fatal("primary reported no lease on step-down")
	}
	select {
	case status := <-statusCh:
		if status != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 from the stepped-down coordinator, got %d", status)
		}
	case <-ctx.Done():
		t.Fatal("hung coordinator never returned after step-down")
	}
	eventually(t, 20*time.Second, "participants to expire the transaction", func() bool {
		return g.abortedEverywhere(txn)
	})
	if _, err := g.client(t).CoordinateCommit(ctx, txn, participantIDs); !router.IsAborted(err) {
		t.Fatalf("expected the retry to abort, got %v", err)
	}
	for _, id := range participantIDs {
		if _, ok := g.shards[id].Server.Shard().Read("balance"); ok {
			t.Fatalf("participant %s applied an aborted transaction", id)
		}
	}
	eventually(t, 20*time.Second, "the coordinator document to be deleted", func() bool {
		return len(g.documents(t)) == 0
	})
}

// ConcurrentTransactionsAllDecide runs several transactions in parallel
// through the failover client and checks each lands on every participant.
func ConcurrentTransactionsAllDecide(t *testing.T, backend storage.Backend) {
	g := newGroup(t, backend, nil)
	ctx := scenarioContext(t)
	client := g.client(t)
	const n = 8
	type outcome struct {
		key  string
		resp api.CoordinateCommitResponse
		err  error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		txn := api.TxnID{LSID: fmt.Sprintf("concurrent-%d", i), TxnNumber: 1}
		key := fmt.Sprintf("doc-%d", i)
		g.stage(t, txn, key)
		go func() {
			resp, err := client.CoordinateCommit(ctx, txn, participantIDs)
			results <- outcome{key: key, resp: resp, err: err}
		}()
	}
	for i := 0; i < n; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("commit of %s: %v", res.key, res.err)
		}
		eventually(t, 20*time.Second, res.key+" to commit everywhere", func() bool {
			return g.committedEverywhere(res.key, res.resp.CommitTS)
		})
	}
	eventually(t, 20*time.Second, "every coordinator document to be deleted", func() bool {
		return len(g.documents(t)) == 0
	})
}
