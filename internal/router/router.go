// Package router is the client-facing entry point of the coordinator. It
// joins or starts the coordinator of a transaction and blocks until a
// decision can be reported, answering repeated calls for finished
// transactions from the durable log or a recent-decision cache.
package router

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/catalog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
)

// Where a reported decision came from.
const (
	SourceCoordinator = "coordinator"
	SourceLog         = "log"
	SourceCache       = "cache"
)

const (
	defaultRecentTTL   = 5 * time.Minute
	defaultRecentLimit = 10000
)

// Catalog is the subset of the coordinator catalog the router drives.
type Catalog interface {
	Active() (bool, uint64)
	Get(txn api.TxnID) (*coordinator.Coordinator, bool)
	GetOrCreate(txn api.TxnID, participants []string) (*coordinator.Coordinator, error)
}

// Log looks up durable coordinator documents.
type Log interface {
	Get(ctx context.Context, txn api.TxnID) (*coordlog.Record, error)
}

// Config wires a Router.
type Config struct {
	Catalog Catalog
	Log     Log
	// Leader returns the current primary's id and endpoint for not_primary
	// answers.
	Leader func() (string, string)
	// Known rejects participant ids with no route when set.
	Known               func(id string) bool
	Logger              pslog.Logger
	Clock               clock.Clock
	RecentDecisionTTL   time.Duration
	RecentDecisionLimit int
}

// Router is safe for concurrent use.
type Router struct {
	catalog Catalog
	log     Log
	leader  func() (string, string)
	known   func(string) bool
	logger  pslog.Logger
	recent  *decisionCache
}

// New returns a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Catalog == nil || cfg.Log == nil {
		return nil, errors.New("router: catalog and log required")
	}
	ttl := cfg.RecentDecisionTTL
	if ttl == 0 {
		ttl = defaultRecentTTL
	}
	limit := cfg.RecentDecisionLimit
	if limit == 0 {
		limit = defaultRecentLimit
	}
	return &Router{
		catalog: cfg.Catalog,
		log:     cfg.Log,
		leader:  cfg.Leader,
		known:   cfg.Known,
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "router"),
		recent:  newDecisionCache(clock.OrReal(cfg.Clock), ttl, limit),
	}, nil
}

// Remember records a finished decision. It matches catalog.FinishedFunc.
func (r *Router) Remember(txn api.TxnID, outcome coordinator.Outcome) {
	r.recent.put(txn, outcome)
}

// Forget drops every remembered decision. Called on step-down.
func (r *Router) Forget() {
	r.recent.clear()
}

// CoordinateCommit runs or joins two-phase commit for txn. A Commit outcome
// is returned as a response; an Abort outcome is a no_such_transaction
// failure. The call is idempotent and safe to retry after failover.
func (r *Router) CoordinateCommit(ctx context.Context, txn api.TxnID, participants []string) (api.CoordinateCommitResponse, error) {
	if err := r.validate(txn, participants); err != nil {
		return api.CoordinateCommitResponse{}, err
	}
	logger := loggingutil.FromContext(ctx, r.logger).With("txn_id", txn.String())
	if active, _ := r.catalog.Active(); !active {
		return api.CoordinateCommitResponse{}, r.notPrimary()
	}
	if out, ok := r.recent.get(txn); ok {
		logger.Debug("router.decision.cached", "decision", out.Decision)
		return respond(txn, out, SourceCache)
	}
	if coord, ok := r.catalog.Get(txn); ok {
		return r.join(ctx, logger, coord, participants)
	}
	rec, err := r.log.Get(ctx, txn)
	switch {
	case err == nil:
		if !slices.Equal(rec.Document.Participants, participants) {
			return api.CoordinateCommitResponse{}, failure.New(api.CodeParticipantListMismatch,
				"transaction %s is coordinated with participants %v", txn, rec.Document.Participants)
		}
		if d := rec.Document.Decision; d != nil {
			logger.Debug("router.decision.durable", "decision", d.Kind, "commit_ts", d.CommitTS)
			return respond(txn, coordinator.Outcome{Decision: d.Kind, CommitTS: d.CommitTS}, SourceLog)
		}
	case errors.Is(err, coordlog.ErrNotFound):
	default:
		if ctx.Err() != nil {
			return api.CoordinateCommitResponse{}, context.Cause(ctx)
		}
		logger.Warn("router.log.lookup_failed", "error", err)
		return api.CoordinateCommitResponse{}, failure.New(api.CodeStorageUnavailable, "reading coordinator log: %v", err)
	}
	// The coordinator may have finished since the first cache lookup; it
	// reaches the cache before it leaves the catalog.
	if out, ok := r.recent.get(txn); ok {
		return respond(txn, out, SourceCache)
	}
	coord, err := r.catalog.GetOrCreate(txn, participants)
	if err != nil {
		if errors.Is(err, catalog.ErrNotPrimary) {
			return api.CoordinateCommitResponse{}, r.notPrimary()
		}
		return api.CoordinateCommitResponse{}, err
	}
	return r.join(ctx, logger, coord, participants)
}

func (r *Router) join(ctx context.Context, logger pslog.Logger, coord *coordinator.Coordinator, participants []string) (api.CoordinateCommitResponse, error) {
	txn := coord.Txn()
	if !slices.Equal(coord.Participants(), participants) {
		return api.CoordinateCommitResponse{}, failure.New(api.CodeParticipantListMismatch,
			"transaction %s is coordinated with participants %v", txn, coord.Participants())
	}
	out, err := coord.Wait(ctx)
	if err != nil {
		return api.CoordinateCommitResponse{}, r.translate(ctx, logger, err)
	}
	logger.Debug("router.decision.reported", "decision", out.Decision, "commit_ts", out.CommitTS)
	return respond(txn, out, SourceCoordinator)
}

func (r *Router) translate(ctx context.Context, logger pslog.Logger, err error) error {
	switch {
	case ctx.Err() != nil:
		return context.Cause(ctx)
	case errors.Is(err, coordinator.ErrAbandoned):
		return failure.New(api.CodeTransactionSuperseded, "a newer transaction of the session superseded this one")
	case errors.Is(err, catalog.ErrSteppedDown):
		f := failure.New(api.CodeCoordinatorSteppedDown, "coordinator stepped down; retry against the primary")
		f.RetryAfter = 1
		if r.leader != nil {
			_, f.LeaderEndpoint = r.leader()
		}
		return f
	}
	if _, ok := failure.As(err); ok {
		return err
	}
	logger.Warn("router.coordinator.failed", "error", err)
	return failure.New(api.CodeInternal, "%v", err)
}

func (r *Router) notPrimary() error {
	f := failure.New(api.CodeNotPrimary, "this node does not coordinate transactions")
	f.RetryAfter = 1
	if r.leader != nil {
		_, f.LeaderEndpoint = r.leader()
	}
	return f
}

func (r *Router) validate(txn api.TxnID, participants []string) error {
	if err := txn.Validate(); err != nil {
		return failure.New(api.CodeInvalidRequest, "%v", err)
	}
	if len(participants) == 0 {
		return failure.New(api.CodeInvalidRequest, "participants required")
	}
	seen := make(map[string]struct{}, len(participants))
	for _, id := range participants {
		if strings.TrimSpace(id) == "" {
			return failure.New(api.CodeInvalidRequest, "participant id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return failure.New(api.CodeInvalidRequest, "participant %q listed twice", id)
		}
		seen[id] = struct{}{}
		if r.known != nil && !r.known(id) {
			return failure.New(api.CodeUnknownParticipant, "participant %q has no route", id)
		}
	}
	return nil
}

func respond(txn api.TxnID, out coordinator.Outcome, source string) (api.CoordinateCommitResponse, error) {
	if out.Decision != api.DecisionCommit {
		return api.CoordinateCommitResponse{}, failure.New(api.CodeNoSuchTransaction, "transaction %s aborted", txn)
	}
	return api.CoordinateCommitResponse{Txn: txn, Decision: out.Decision, CommitTS: out.CommitTS, Source: source}, nil
}
