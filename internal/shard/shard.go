// Package shard is the reference transaction participant: a small in-memory
// document store that stages per-transaction write sets, votes in two-phase
// commit and applies decisions idempotently.
package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
)

// Transaction states reported by Txns.
const (
	StateActive    = "active"
	StatePrepared  = "prepared"
	StateCommitted = "committed"
	StateAborted   = "aborted"
)

// Abort reasons recorded on transactions the shard aborted by itself.
const (
	ReasonManual          = "aborted_locally"
	ReasonExpired         = "transaction_expired"
	ReasonPrepareExpired  = "prepare_lifetime_expired"
	ReasonSuperseded      = "superseded"
	ReasonCoordinator     = "coordinator_abort"
	ReasonPrepareConflict = api.CodePrepareConflict
)

const (
	defaultLifetime        = time.Minute
	defaultPrepareLifetime = 5 * time.Minute
	defaultRetention       = 10 * time.Minute
	defaultSweepInterval   = time.Second
)

// Config configures a Shard.
type Config struct {
	ID     string
	Logger pslog.Logger
	Clock  clock.Clock
	// Lifetime bounds how long a transaction may stay unprepared.
	Lifetime time.Duration
	// PrepareLifetime bounds how long a prepared transaction waits for a
	// decision before the shard aborts it. It must exceed the time a
	// failover takes, or a recovered Commit decision can reach a shard
	// that already gave up.
	PrepareLifetime time.Duration
	// Retention keeps finished transactions around for replayed requests.
	Retention     time.Duration
	SweepInterval time.Duration
}

type txnRecord struct {
	id          api.TxnID
	state       string
	writes      map[string]json.RawMessage
	preparedTS  uint64
	commitTS    uint64
	abortReason string
	startedAt   time.Time
	preparedAt  time.Time
	updatedAt   time.Time
}

type document struct {
	value    json.RawMessage
	commitTS uint64
}

// Shard is safe for concurrent use.
type Shard struct {
	id              string
	logger          pslog.Logger
	clock           clock.Clock
	lifetime        time.Duration
	prepareLifetime time.Duration
	retention       time.Duration
	sweepInterval   time.Duration

	mu          sync.Mutex
	clusterTime uint64
	txns        map[api.TxnID]*txnRecord
	locks       map[string]api.TxnID
	docs        map[string]document
}

// New returns an empty shard.
func New(cfg Config) *Shard {
	s := &Shard{
		id:              cfg.ID,
		logger:          loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "participant.shard"),
		clock:           clock.OrReal(cfg.Clock),
		lifetime:        cfg.Lifetime,
		prepareLifetime: cfg.PrepareLifetime,
		retention:       cfg.Retention,
		sweepInterval:   cfg.SweepInterval,
		txns:            make(map[api.TxnID]*txnRecord),
		locks:           make(map[string]api.TxnID),
		docs:            make(map[string]document),
	}
	if s.lifetime <= 0 {
		s.lifetime = defaultLifetime
	}
	if s.prepareLifetime <= 0 {
		s.prepareLifetime = defaultPrepareLifetime
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = defaultSweepInterval
	}
	if s.id != "" {
		s.logger = s.logger.With("participant", s.id)
	}
	return s
}

// ID returns the participant id.
func (s *Shard) ID() string { return s.id }

// ClusterTime returns the shard's logical clock.
func (s *Shard) ClusterTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterTime
}

// ObserveClusterTime advances the logical clock to at least ts.
func (s *Shard) ObserveClusterTime(ts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(ts)
}

func (s *Shard) observeLocked(ts uint64) {
	if ts > s.clusterTime {
		s.clusterTime = ts
	}
}

// Stage adds one write to txn, starting it when needed. A null or empty
// value deletes key on commit. Staging a newer transaction number aborts any
// unprepared older transaction of the same session.
func (s *Shard) Stage(ctx context.Context, txn api.TxnID, key string, value json.RawMessage) (api.StageResponse, error) {
	if err := txn.Validate(); err != nil {
		return api.StageResponse{}, failure.New(api.CodeInvalidRequest, "%v", err)
	}
	if strings.TrimSpace(key) == "" {
		return api.StageResponse{}, failure.New(api.CodeInvalidRequest, "key required")
	}
	if len(value) > 0 && !json.Valid(value) {
		return api.StageResponse{}, failure.New(api.CodeInvalidRequest, "value for %q is not valid JSON", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rec, ok := s.txns[txn]
	if !ok {
		s.supersedeLocked(txn, now)
		rec = &txnRecord{
			id:        txn,
			state:     StateActive,
			writes:    make(map[string]json.RawMessage),
			startedAt: now,
		}
		s.txns[txn] = rec
		s.logger.Debug("shard.txn.begin", "txn_id", txn.String())
	}
	switch rec.state {
	case StateAborted:
		return api.StageResponse{}, failure.New(api.CodeAlreadyAborted, "transaction %s aborted: %s", txn, rec.abortReason)
	case StateCommitted:
		return api.StageResponse{}, failure.New(api.CodeAlreadyCommitted, "transaction %s committed", txn)
	case StatePrepared:
		return api.StageResponse{}, failure.New(api.CodeInvalidRequest, "transaction %s is prepared", txn)
	}
	rec.writes[key] = normalizeValue(value)
	rec.updatedAt = now
	return api.StageResponse{Txn: txn, Writes: len(rec.writes)}, nil
}

func (s *Shard) supersedeLocked(txn api.TxnID, now time.Time) {
	for id, rec := range s.txns {
		if id.LSID != txn.LSID || id.TxnNumber >= txn.TxnNumber || rec.state != StateActive {
			continue
		}
		s.abortLocked(rec, ReasonSuperseded, now)
	}
}

func normalizeValue(value json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

// Read returns the committed document stored at key.
func (s *Shard) Read(key string) (api.DocumentResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return api.DocumentResponse{}, false
	}
	return api.DocumentResponse{Key: key, Value: doc.value, CommitTS: doc.commitTS}, true
}

// Prepare votes on txn. Replays return the original outcome: a prepared or
// committed transaction votes Commit with its original prepare timestamp, an
// aborted or unknown one votes Abort.
func (s *Shard) Prepare(ctx context.Context, txn api.TxnID) (api.PrepareResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rec, ok := s.txns[txn]
	if !ok {
		s.logger.Info("shard.prepare.unknown", "txn_id", txn.String())
		return abortVote(txn, api.CodeNoSuchTransaction), nil
	}
	switch rec.state {
	case StatePrepared, StateCommitted:
		return api.PrepareResponse{Txn: txn, Vote: api.VoteCommit, PreparedTS: rec.preparedTS}, nil
	case StateAborted:
		return abortVote(txn, rec.abortReason), nil
	}
	for key := range rec.writes {
		if holder, locked := s.locks[key]; locked && holder != txn {
			s.abortLocked(rec, ReasonPrepareConflict, now)
			s.logger.Info("shard.prepare.conflict", "txn_id", txn.String(), "key", key, "holder", holder.String())
			return abortVote(txn, api.CodePrepareConflict), nil
		}
	}
	for key := range rec.writes {
		s.locks[key] = txn
	}
	s.clusterTime++
	rec.state = StatePrepared
	rec.preparedTS = s.clusterTime
	rec.preparedAt = now
	rec.updatedAt = now
	s.logger.Debug("shard.prepare.vote", "txn_id", txn.String(), "prepared_ts", rec.preparedTS, "writes", len(rec.writes))
	return api.PrepareResponse{Txn: txn, Vote: api.VoteCommit, PreparedTS: rec.preparedTS}, nil
}

func abortVote(txn api.TxnID, reason string) api.PrepareResponse {
	return api.PrepareResponse{Txn: txn, Vote: api.VoteAbort, Reason: reason}
}

// Commit applies txn's write set at commitTS.
func (s *Shard) Commit(ctx context.Context, txn api.TxnID, commitTS uint64) (api.AckResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.txns[txn]
	if !ok {
		return api.AckResponse{}, failure.New(api.CodeNotPrepared, "transaction %s unknown", txn)
	}
	switch rec.state {
	case StateCommitted:
		return api.AckResponse{Txn: txn, Ack: true, Replayed: true}, nil
	case StateAborted:
		return api.AckResponse{}, failure.New(api.CodeAlreadyAborted, "transaction %s aborted: %s", txn, rec.abortReason)
	case StateActive:
		return api.AckResponse{}, failure.New(api.CodeNotPrepared, "transaction %s not prepared", txn)
	}
	now := s.clock.Now()
	for key, value := range rec.writes {
		if value == nil {
			delete(s.docs, key)
		} else {
			s.docs[key] = document{value: value, commitTS: commitTS}
		}
	}
	s.releaseLocked(rec)
	s.observeLocked(commitTS)
	rec.state = StateCommitted
	rec.commitTS = commitTS
	rec.updatedAt = now
	s.logger.Info("shard.txn.committed", "txn_id", txn.String(), "commit_ts", commitTS, "writes", len(rec.writes))
	return api.AckResponse{Txn: txn, Ack: true}, nil
}

// Abort discards txn. Aborting an unknown transaction records the abort so a
// late prepare votes Abort.
func (s *Shard) Abort(ctx context.Context, txn api.TxnID) (api.AckResponse, error) {
	return s.abort(txn, ReasonCoordinator, false)
}

// AbortLocal aborts an unprepared transaction on this shard alone. Prepared
// transactions belong to their coordinator and are refused.
func (s *Shard) AbortLocal(ctx context.Context, txn api.TxnID) (api.AckResponse, error) {
	return s.abort(txn, ReasonManual, true)
}

func (s *Shard) abort(txn api.TxnID, reason string, local bool) (api.AckResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rec, ok := s.txns[txn]
	if !ok {
		rec = &txnRecord{id: txn, state: StateActive, startedAt: now}
		s.txns[txn] = rec
	}
	switch rec.state {
	case StateAborted:
		return api.AckResponse{Txn: txn, Ack: true, Replayed: true}, nil
	case StateCommitted:
		return api.AckResponse{}, failure.New(api.CodeAlreadyCommitted, "transaction %s committed at %d", txn, rec.commitTS)
	case StatePrepared:
		if local {
			return api.AckResponse{}, failure.New(api.CodePrepareConflict, "transaction %s is prepared and awaits its coordinator", txn)
		}
	}
	s.abortLocked(rec, reason, now)
	s.logger.Info("shard.txn.aborted", "txn_id", txn.String(), "reason", reason)
	return api.AckResponse{Txn: txn, Ack: true}, nil
}

func (s *Shard) abortLocked(rec *txnRecord, reason string, now time.Time) {
	s.releaseLocked(rec)
	rec.state = StateAborted
	rec.abortReason = reason
	rec.writes = nil
	rec.updatedAt = now
}

func (s *Shard) releaseLocked(rec *txnRecord) {
	for key := range rec.writes {
		if holder, ok := s.locks[key]; ok && holder == rec.id {
			delete(s.locks, key)
		}
	}
}

// Sweep aborts transactions past their lifetime and forgets finished ones
// past the retention window. It returns the number of transactions aborted.
func (s *Shard) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	aborted := 0
	for id, rec := range s.txns {
		switch rec.state {
		case StateActive:
			if !now.Before(rec.startedAt.Add(s.lifetime)) {
				s.abortLocked(rec, ReasonExpired, now)
				s.logger.Info("shard.txn.expired", "txn_id", id.String())
				aborted++
			}
		case StatePrepared:
			if !now.Before(rec.preparedAt.Add(s.prepareLifetime)) {
				s.abortLocked(rec, ReasonPrepareExpired, now)
				s.logger.Warn("shard.txn.prepare_expired", "txn_id", id.String(), "prepared_ts", rec.preparedTS)
				aborted++
			}
		default:
			if !now.Before(rec.updatedAt.Add(s.retention)) {
				delete(s.txns, id)
			}
		}
	}
	return aborted
}

// Run sweeps on SweepInterval until ctx ends.
func (s *Shard) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.sweepInterval):
			s.Sweep()
		}
	}
}

// Txns lists known transactions ordered by session and number.
func (s *Shard) Txns() api.ParticipantTxnsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := api.ParticipantTxnsResponse{ParticipantID: s.id, ClusterTime: s.clusterTime, Txns: make([]api.ParticipantTxn, 0, len(s.txns))}
	for id, rec := range s.txns {
		view := api.ParticipantTxn{
			Txn:           id,
			State:         rec.state,
			PreparedTS:    rec.preparedTS,
			CommitTS:      rec.commitTS,
			AbortReason:   rec.abortReason,
			UpdatedAtUnix: rec.updatedAt.Unix(),
		}
		for key := range rec.writes {
			view.Keys = append(view.Keys, key)
		}
		sort.Strings(view.Keys)
		out.Txns = append(out.Txns, view)
	}
	sort.Slice(out.Txns, func(i, j int) bool {
		a, b := out.Txns[i].Txn, out.Txns[j].Txn
		if a.LSID != b.LSID {
			return a.LSID < b.LSID
		}
		return a.TxnNumber < b.TxnNumber
	})
	return out
}
