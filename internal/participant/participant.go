// Package participant sends prepare, commit and abort to transaction
// participants. Transient failures are retried with exponential backoff until
// the participant gives a definitive answer or the caller's context ends.
package participant

import (
	"context"
	"errors"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/failure"
)

var (
	// ErrUnknownParticipant is returned for participant ids with no route.
	ErrUnknownParticipant = errors.New("participant: unknown participant")
	// ErrUnknownTransaction is returned by participants asked about a
	// transaction they never saw.
	ErrUnknownTransaction = errors.New("participant: unknown transaction")
)

// Vote is one participant's answer to prepare.
type Vote struct {
	Participant string
	Kind        api.Vote
	PreparedTS  uint64
	Reason      string
}

// Commit reports whether the vote is a Commit vote.
func (v Vote) Commit() bool { return v.Kind == api.VoteCommit }

// Client is the coordinator's view of its participants.
type Client interface {
	Prepare(ctx context.Context, participantID string, txn api.TxnID) (Vote, error)
	Commit(ctx context.Context, participantID string, txn api.TxnID, commitTS uint64) error
	Abort(ctx context.Context, participantID string, txn api.TxnID) error
}

// Resource is a participant reachable in-process. The shard package
// implements it and the HTTP handlers serve it.
type Resource interface {
	Prepare(ctx context.Context, txn api.TxnID) (api.PrepareResponse, error)
	Commit(ctx context.Context, txn api.TxnID, commitTS uint64) (api.AckResponse, error)
	Abort(ctx context.Context, txn api.TxnID) (api.AckResponse, error)
}

// voteFromPrepare turns a prepare answer into a vote. Application refusals
// (conflict, already aborted, unknown transaction) are Abort votes rather
// than errors.
func voteFromPrepare(participantID string, resp api.PrepareResponse, err error) (Vote, error) {
	if err != nil {
		if f, ok := failure.As(err); ok {
			switch f.Code {
			case api.CodePrepareConflict, api.CodeAlreadyAborted, api.CodeNoSuchTransaction:
				return Vote{Participant: participantID, Kind: api.VoteAbort, Reason: f.Code}, nil
			}
		}
		return Vote{}, err
	}
	if resp.Vote != api.VoteCommit {
		reason := resp.Reason
		if reason == "" {
			reason = "participant_voted_abort"
		}
		return Vote{Participant: participantID, Kind: api.VoteAbort, Reason: reason}, nil
	}
	return Vote{Participant: participantID, Kind: api.VoteCommit, PreparedTS: resp.PreparedTS}, nil
}

// ackFromCommit treats an already-committed participant as acknowledged.
func ackFromCommit(err error) error {
	if err == nil || failure.HasCode(err, api.CodeAlreadyCommitted) {
		return nil
	}
	return err
}

// ackFromAbort treats an already-aborted participant as acknowledged.
func ackFromAbort(err error) error {
	if err == nil || failure.HasCode(err, api.CodeAlreadyAborted) || failure.HasCode(err, api.CodeNoSuchTransaction) {
		return nil
	}
	return err
}

// IsDefinitive reports whether err is an application answer that retrying
// cannot change.
func IsDefinitive(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownParticipant) {
		return true
	}
	f, ok := failure.As(err)
	return ok && !f.Retryable()
}
