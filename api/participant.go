package api

import "encoding/json"

// PrepareRequest drives POST /v1/participant/prepare.
type PrepareRequest struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
}

// PrepareResponse carries the participant's vote.
type PrepareResponse struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Vote is commit or abort.
	Vote Vote `json:"vote"`
	// PreparedTS is the participant's prepare timestamp for Commit votes.
	PreparedTS uint64 `json:"prepared_ts,omitempty"`
	// Reason explains an Abort vote (for example prepare_conflict).
	Reason string `json:"reason,omitempty"`
}

// CommitRequest drives POST /v1/participant/commit.
type CommitRequest struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// CommitTS is the coordinator's commit timestamp.
	CommitTS uint64 `json:"commit_ts"`
}

// AbortRequest drives POST /v1/participant/abort and /v1/participant/txns/abort-local.
type AbortRequest struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
}

// AckResponse acknowledges commit or abort.
type AckResponse struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Ack is always true on success.
	Ack bool `json:"ack"`
	// Replayed is true when the transaction had already reached this outcome.
	Replayed bool `json:"replayed,omitempty"`
}

// StageRequest drives POST /v1/participant/stage. It adds one write to the
// transaction's write set, beginning the transaction when needed.
type StageRequest struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Key is the document key.
	Key string `json:"key"`
	// Value is the JSON document to write. A null value deletes the key on commit.
	Value json.RawMessage `json:"value"`
}

// StageResponse acknowledges a staged write.
type StageResponse struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Writes is the number of keys in the write set.
	Writes int `json:"writes"`
}

// DocumentResponse is returned by GET /v1/participant/documents/{key}.
type DocumentResponse struct {
	// Key is the document key.
	Key string `json:"key"`
	// Value is the committed document.
	Value json.RawMessage `json:"value"`
	// CommitTS is the timestamp of the transaction that wrote Value.
	CommitTS uint64 `json:"commit_ts"`
}

// ParticipantTxn describes one transaction known to a participant.
type ParticipantTxn struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// State is active, prepared, committed or aborted.
	State string `json:"state"`
	// Keys lists the write set.
	Keys []string `json:"keys,omitempty"`
	// PreparedTS is set once prepared.
	PreparedTS uint64 `json:"prepared_ts,omitempty"`
	// CommitTS is set once committed.
	CommitTS uint64 `json:"commit_ts,omitempty"`
	// AbortReason records why the transaction aborted.
	AbortReason string `json:"abort_reason,omitempty"`
	// UpdatedAtUnix is the last state change in Unix seconds.
	UpdatedAtUnix int64 `json:"updated_at_unix"`
}

// ParticipantTxnsResponse is returned by GET /v1/participant/txns.
type ParticipantTxnsResponse struct {
	// ParticipantID identifies the answering participant.
	ParticipantID string `json:"participant_id"`
	// ClusterTime is the participant's logical clock.
	ClusterTime uint64 `json:"cluster_time"`
	// Txns lists known transactions ordered by id.
	Txns []ParticipantTxn `json:"txns"`
}
