// Package coordinator runs the two-phase commit state machine for a single
// distributed transaction: it makes the participant list durable, collects
// prepare votes, makes the decision durable, delivers it to every
// participant and finally deletes its durable record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/participant"
)

// State is the coordinator's position in the protocol.
type State int

const (
	StateInit State = iota
	StateWritingParticipantList
	StatePreparing
	StateMakingDecision
	StateAcking
	StateDeleting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWritingParticipantList:
		return "writing_participant_list"
	case StatePreparing:
		return "preparing"
	case StateMakingDecision:
		return "making_decision"
	case StateAcking:
		return "acking"
	case StateDeleting:
		return "deleting"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAbandoned is the cancellation cause of a coordinator superseded by a
// newer transaction of the same session.
var ErrAbandoned = errors.New("coordinator: abandoned")

var (
	errVotedAbort     = errors.New("participant voted abort")
	errPrepareTimeout = errors.New("prepare timed out")
)

const (
	reasonPrepareTimeout = "prepare_timeout"
	defaultWriteBase     = 50 * time.Millisecond
	defaultWriteMax      = 2 * time.Second
)

// Log is the part of the durable coordinator log a coordinator writes to.
type Log interface {
	Create(ctx context.Context, txn api.TxnID, participants []string) (*coordlog.Record, error)
	SetDecision(ctx context.Context, txn api.TxnID, decision coordlog.Decision) (*coordlog.Record, error)
	Delete(ctx context.Context, txn api.TxnID) error
}

// Config wires one coordinator.
type Config struct {
	Txn          api.TxnID
	Participants []string
	Log          Log
	Client       participant.Client
	Logger       pslog.Logger
	Clock        clock.Clock
	Failpoints   *failpoint.Set
	Metrics      *Metrics
	// PrepareTimeout bounds how long a single participant may stay
	// unreachable during Preparing before the coordinator decides Abort.
	// Zero waits for as long as the coordinator runs.
	PrepareTimeout time.Duration
	// WriteBaseDelay and WriteMaxDelay shape the retry of decision and
	// delete writes, which repeat until they succeed or the coordinator
	// is cancelled.
	WriteBaseDelay time.Duration
	WriteMaxDelay  time.Duration
}

// Outcome is a durable decision.
type Outcome struct {
	Decision api.Decision
	CommitTS uint64
}

// Coordinator drives one transaction. Create it with New or Recover, then
// call Start once.
type Coordinator struct {
	txn            api.TxnID
	participants   []string
	log            Log
	client         participant.Client
	logger         pslog.Logger
	clock          clock.Clock
	failpoints     *failpoint.Set
	metrics        *Metrics
	prepareTimeout time.Duration
	writeBase      time.Duration
	writeMax       time.Duration
	recovered      bool
	startedAt      time.Time

	mu        sync.Mutex
	state     State
	decision  *coordlog.Decision
	err       error
	abandoned error
	cancel    context.CancelCauseFunc
	started   bool
	decided   chan struct{}
	quit      chan struct{}
	done      chan struct{}
}

// New returns a coordinator that starts from Init.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Txn.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if len(cfg.Participants) == 0 {
		return nil, errors.New("coordinator: participants required")
	}
	if cfg.Log == nil || cfg.Client == nil {
		return nil, errors.New("coordinator: log and participant client required")
	}
	c := &Coordinator{
		txn:            cfg.Txn,
		participants:   slices.Clone(cfg.Participants),
		log:            cfg.Log,
		client:         cfg.Client,
		clock:          clock.OrReal(cfg.Clock),
		failpoints:     cfg.Failpoints,
		metrics:        cfg.Metrics,
		prepareTimeout: cfg.PrepareTimeout,
		writeBase:      cfg.WriteBaseDelay,
		writeMax:       cfg.WriteMaxDelay,
		state:          StateInit,
		decided:        make(chan struct{}),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	if c.writeBase <= 0 {
		c.writeBase = defaultWriteBase
	}
	if c.writeMax <= 0 {
		c.writeMax = defaultWriteMax
	}
	c.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "coordinator.txn").With("txn_id", cfg.Txn.String())
	c.startedAt = c.clock.Now()
	return c, nil
}

// Recover rebuilds a coordinator from a durable record. A record without a
// decision resumes at Preparing; one with a decision resumes at Acking with
// that exact decision.
func Recover(cfg Config, rec coordlog.Record) (*Coordinator, error) {
	cfg.Txn = rec.Document.Txn
	cfg.Participants = rec.Document.Participants
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.recovered = true
	c.state = StatePreparing
	if d := rec.Document.Decision; d != nil {
		decision := *d
		c.state = StateAcking
		c.decision = &decision
		close(c.decided)
	}
	return c, nil
}

// Txn returns the transaction id.
func (c *Coordinator) Txn() api.TxnID { return c.txn }

// Participants returns the participant list.
func (c *Coordinator) Participants() []string { return slices.Clone(c.participants) }

// Recovered reports whether the coordinator was rebuilt from the log.
func (c *Coordinator) Recovered() bool { return c.recovered }

// State returns the current protocol state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Decided is closed once the decision is durable or the coordinator failed
// before reaching one.
func (c *Coordinator) Decided() <-chan struct{} { return c.decided }

// Done is closed when the coordinator stops for any reason.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns why the coordinator stopped early, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Abandoned reports whether a newer transaction superseded this one.
func (c *Coordinator) Abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned != nil
}

// Outcome returns the durable decision, if any.
func (c *Coordinator) Outcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision == nil {
		return Outcome{}, false
	}
	return Outcome{Decision: c.decision.Kind, CommitTS: c.decision.CommitTS}, true
}

// Wait blocks until the decision is durable and returns it. It returns the
// coordinator's error when it stopped first, the abandon cause once it was
// superseded, or ctx's error.
func (c *Coordinator) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, context.Cause(ctx)
	case <-c.decided:
	case <-c.quit:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	committed := c.decision != nil && c.decision.Kind == api.DecisionCommit
	switch {
	case c.abandoned != nil && !committed:
		return Outcome{}, c.abandoned
	case c.decision != nil:
		return Outcome{Decision: c.decision.Kind, CommitTS: c.decision.CommitTS}, nil
	}
	return Outcome{}, c.err
}

// Snapshot describes the coordinator for diagnostics.
func (c *Coordinator) Snapshot() api.CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := api.CoordinatorStatus{
		Txn:           c.txn,
		State:         c.state.String(),
		Participants:  slices.Clone(c.participants),
		Recovered:     c.recovered,
		StartedAtUnix: c.startedAt.Unix(),
	}
	if c.decision != nil {
		status.Decision = c.decision.Kind
		status.CommitTS = c.decision.CommitTS
	}
	return status
}

// Start launches the state machine on its own goroutine. Cancelling ctx
// (failover) stops it without further RPCs or writes.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancelCause(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx, runCtx)
}

// Abandon stops a coordinator that has not begun writing its decision and
// makes it abort instead, releasing its participants before it deletes the
// document. A coordinator abandoned before Start aborts once started.
// Abandon reports false, and does nothing, once the decision write has
// started or when already abandoned.
func (c *Coordinator) Abandon(cause error) bool {
	if cause == nil {
		cause = ErrAbandoned
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateMakingDecision || c.decision != nil || c.abandoned != nil {
		return false
	}
	c.abandoned = cause
	close(c.quit)
	if c.cancel != nil {
		c.cancel(cause)
	}
	return true
}

// run drives the protocol under ctx. parent is the term context: it outlives
// an abandon, so the abort that follows one still runs until failover.
func (c *Coordinator) run(parent, ctx context.Context) {
	defer close(c.done)
	defer c.cancel(nil)
	if c.recovered {
		c.metrics.recordRecovered(ctx, c.State().String())
		c.logger.Info("txn.coord.recovered", "state", c.State().String(), "participants", c.participants)
	} else {
		c.logger.Debug("txn.coord.start", "participants", c.participants)
	}
	err := c.abandonCause()
	if err == nil {
		err = c.drive(ctx)
	}
	if err == nil {
		c.setState(StateDone)
		c.logger.Info("txn.coord.done")
		return
	}
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	c.mu.Lock()
	decided := c.decision != nil
	abort := c.abandoned != nil && !decided && parent.Err() == nil
	if !abort {
		c.err = err
	}
	c.mu.Unlock()
	if abort {
		c.abortAbandoned(parent)
		return
	}
	if !decided {
		close(c.decided)
	}
	c.logger.Info("txn.coord.interrupted", "state", c.State().String(), "error", err)
}

// abortAbandoned releases what a superseded coordinator may hold. Abort goes
// through the write-once decision, so a decision stored in an earlier term
// wins. Without a document nothing was prepared.
func (c *Coordinator) abortAbandoned(ctx context.Context) {
	cause := c.abandonCause()
	c.setState(StateMakingDecision)
	decision, err := c.writeDecision(ctx, coordlog.Abort())
	if errors.Is(err, coordlog.ErrNotFound) {
		c.fail(cause)
		c.publish(coordlog.Abort())
		c.setState(StateDone)
		c.logger.Info("txn.coord.abandoned", "document", "absent")
		return
	}
	if err != nil {
		c.fail(err)
		close(c.decided)
		c.logger.Info("txn.coord.interrupted", "state", c.State().String(), "error", err)
		return
	}
	if decision.Kind != api.DecisionCommit {
		c.fail(cause)
	}
	c.publish(decision)
	c.metrics.recordDecision(ctx, string(decision.Kind))
	c.logger.Info("txn.coord.abandoned", "decision", decision.Kind, "commit_ts", decision.CommitTS)
	if err := c.finish(ctx, decision); err != nil {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		c.logger.Info("txn.coord.interrupted", "state", c.State().String(), "error", err)
		return
	}
	c.setState(StateDone)
	c.logger.Info("txn.coord.done")
}

func (c *Coordinator) abandonCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Coordinator) drive(ctx context.Context) error {
	var decision coordlog.Decision
	switch c.State() {
	case StateInit:
		d, decided, err := c.writeParticipantList(ctx)
		if err != nil {
			return err
		}
		if decided {
			decision = d
			break
		}
		if decision, err = c.decide(ctx); err != nil {
			return err
		}
	case StatePreparing:
		var err error
		if decision, err = c.decide(ctx); err != nil {
			return err
		}
	case StateAcking:
		decision = *c.decision
	default:
		return fmt.Errorf("coordinator: cannot run from %s", c.State())
	}
	return c.finish(ctx, decision)
}

// writeParticipantList creates the durable document. When a document for
// the same participants already exists it is adopted, including any
// decision it carries.
func (c *Coordinator) writeParticipantList(ctx context.Context) (coordlog.Decision, bool, error) {
	c.setState(StateWritingParticipantList)
	if err := c.failpoints.Hit(ctx, failpoint.HangBeforeWritingParticipantList); err != nil {
		return coordlog.Decision{}, false, err
	}
	if err := c.failpoints.Hit(ctx, failpoint.FailWritingParticipantList); err != nil {
		if ctx.Err() != nil {
			return coordlog.Decision{}, false, err
		}
		return coordlog.Decision{}, false, failure.New(api.CodeStorageUnavailable, "writing participant list: %v", err)
	}
	rec, err := c.log.Create(ctx, c.txn, c.participants)
	switch {
	case errors.Is(err, coordlog.ErrExists):
		if !slices.Equal(rec.Document.Participants, c.participants) {
			return coordlog.Decision{}, false, failure.New(api.CodeParticipantListMismatch,
				"transaction %s is coordinated with participants %v", c.txn, rec.Document.Participants)
		}
		if d := rec.Document.Decision; d != nil {
			c.logger.Info("txn.coord.decision.adopted", "decision", d.Kind, "commit_ts", d.CommitTS)
			c.publish(*d)
			return *d, true, nil
		}
		c.logger.Debug("txn.coord.participants.adopted")
	case err != nil:
		if ctx.Err() != nil {
			return coordlog.Decision{}, false, context.Cause(ctx)
		}
		c.logger.Warn("txn.coord.participants.write_failed", "error", err)
		return coordlog.Decision{}, false, failure.New(api.CodeStorageUnavailable, "writing participant list: %v", err)
	default:
		c.logger.Debug("txn.coord.participants.durable")
	}
	if err := c.failpoints.Hit(ctx, failpoint.HangAfterWritingParticipantList); err != nil {
		return coordlog.Decision{}, false, err
	}
	return coordlog.Decision{}, false, nil
}

// decide collects votes and makes the decision durable.
func (c *Coordinator) decide(ctx context.Context) (coordlog.Decision, error) {
	c.setState(StatePreparing)
	decision, err := c.prepareAll(ctx)
	if err != nil {
		return coordlog.Decision{}, err
	}
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return coordlog.Decision{}, context.Cause(ctx)
	}
	c.state = StateMakingDecision
	c.mu.Unlock()
	if err := c.failpoints.Hit(ctx, failpoint.HangBeforeWritingDecision); err != nil {
		return coordlog.Decision{}, err
	}
	durable, err := c.writeDecision(ctx, decision)
	if err != nil {
		return coordlog.Decision{}, err
	}
	c.publish(durable)
	c.metrics.recordDecision(ctx, string(durable.Kind))
	c.metrics.recordCoordinate(ctx, string(durable.Kind), c.clock.Now().Sub(c.startedAt))
	c.logger.Info("txn.coord.decision.durable", "decision", durable.Kind, "commit_ts", durable.CommitTS)
	if err := c.failpoints.Hit(ctx, failpoint.HangAfterWritingDecision); err != nil {
		return coordlog.Decision{}, err
	}
	return durable, nil
}

// prepareAll sends prepare to every participant concurrently. The first
// Abort vote cancels the outstanding prepares. Only cancellation of ctx is
// returned as an error.
func (c *Coordinator) prepareAll(ctx context.Context) (coordlog.Decision, error) {
	votes := make([]participant.Vote, len(c.participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range c.participants {
		g.Go(func() error {
			vote, err := c.prepareOne(gctx, id)
			if err != nil {
				return err
			}
			votes[i] = vote
			c.metrics.recordVote(ctx, string(vote.Kind))
			c.logger.Debug("txn.coord.prepare.vote", "participant", id, "vote", vote.Kind, "prepared_ts", vote.PreparedTS, "reason", vote.Reason)
			if !vote.Commit() {
				return fmt.Errorf("%w: %s (%s)", errVotedAbort, id, vote.Reason)
			}
			return nil
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return coordlog.Decision{}, context.Cause(ctx)
	}
	if err != nil {
		if errors.Is(err, errVotedAbort) {
			c.logger.Info("txn.coord.prepare.abort", "reason", err.Error())
			return coordlog.Abort(), nil
		}
		return coordlog.Decision{}, err
	}
	var commitTS uint64
	for _, v := range votes {
		commitTS = max(commitTS, v.PreparedTS)
	}
	return coordlog.Commit(commitTS), nil
}

// prepareOne returns a vote. Timeouts and definitive errors become Abort
// votes; cancellation of the group is returned as an error.
func (c *Coordinator) prepareOne(ctx context.Context, id string) (participant.Vote, error) {
	pctx := ctx
	if c.prepareTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeoutCause(ctx, c.prepareTimeout, errPrepareTimeout)
		defer cancel()
	}
	vote, err := c.client.Prepare(pctx, id, c.txn)
	if err == nil {
		return vote, nil
	}
	if ctx.Err() != nil {
		return participant.Vote{}, context.Cause(ctx)
	}
	if errors.Is(context.Cause(pctx), errPrepareTimeout) {
		c.logger.Warn("txn.coord.prepare.timeout", "participant", id, "timeout", c.prepareTimeout)
		return participant.Vote{Participant: id, Kind: api.VoteAbort, Reason: reasonPrepareTimeout}, nil
	}
	reason := api.CodeInternal
	if f, ok := failure.As(err); ok {
		reason = f.Code
	} else if errors.Is(err, participant.ErrUnknownParticipant) {
		reason = api.CodeUnknownParticipant
	}
	c.logger.Warn("txn.coord.prepare.failed", "participant", id, "error", err)
	return participant.Vote{Participant: id, Kind: api.VoteAbort, Reason: reason}, nil
}

// writeDecision retries until the decision is durable. A conflicting
// stored decision wins and is returned instead.
func (c *Coordinator) writeDecision(ctx context.Context, decision coordlog.Decision) (coordlog.Decision, error) {
	rec, err := backoff.Retry(ctx, func() (*coordlog.Record, error) {
		rec, err := c.log.SetDecision(ctx, c.txn, decision)
		if errors.Is(err, coordlog.ErrDecisionConflict) || errors.Is(err, coordlog.ErrNotFound) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	}, c.writeRetryOptions("decision")...)
	switch {
	case err == nil:
		return decision, nil
	case errors.Is(err, coordlog.ErrDecisionConflict) && rec != nil && rec.Document.Decision != nil:
		stored := *rec.Document.Decision
		c.logger.Warn("txn.coord.decision.conflict", "wanted", decision.String(), "stored", stored.String())
		return stored, nil
	case ctx.Err() != nil:
		return coordlog.Decision{}, context.Cause(ctx)
	default:
		return coordlog.Decision{}, fmt.Errorf("coordinator: write decision for %s: %w", c.txn, err)
	}
}

// finish delivers the decision and deletes the durable record.
func (c *Coordinator) finish(ctx context.Context, decision coordlog.Decision) error {
	c.setState(StateAcking)
	if err := c.ackAll(ctx, decision); err != nil {
		return err
	}
	c.setState(StateDeleting)
	if err := c.failpoints.Hit(ctx, failpoint.HangBeforeDeletingDocument); err != nil {
		return err
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.log.Delete(ctx, c.txn)
	}, c.writeRetryOptions("delete")...)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("coordinator: delete %s: %w", c.txn, err)
	}
	return nil
}

// ackAll delivers decision to every participant in parallel. Participant
// clients retry transient failures themselves. A definitive refusal means
// the participant resolved the transaction the other way: it is recorded as
// a heuristic outcome and then treated as delivered, since retrying cannot
// change it.
func (c *Coordinator) ackAll(ctx context.Context, decision coordlog.Decision) error {
	var g errgroup.Group
	for _, id := range c.participants {
		g.Go(func() error {
			var err error
			if decision.Kind == api.DecisionCommit {
				err = c.client.Commit(ctx, id, c.txn, decision.CommitTS)
			} else {
				err = c.client.Abort(ctx, id, c.txn)
			}
			if err != nil {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				code := api.CodeInternal
				if f, ok := failure.As(err); ok {
					code = f.Code
				}
				c.metrics.recordHeuristic(ctx, string(decision.Kind), code)
				c.logger.Error("txn.coord.ack.heuristic", "participant", id, "decision", decision.Kind, "commit_ts", decision.CommitTS, "code", code, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Debug("txn.coord.ack.complete", "decision", decision.Kind)
	return nil
}

func (c *Coordinator) writeRetryOptions(op string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.writeBase
	b.MaxInterval = c.writeMax
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("txn.coord.write.retry", "op", op, "error", err, "next", next)
		}),
	}
}

func (c *Coordinator) publish(decision coordlog.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision != nil {
		return
	}
	c.decision = &decision
	close(c.decided)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
