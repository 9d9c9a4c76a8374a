package api

// CoordinateCommitRequest drives POST /v1/txn/coordinate-commit.
type CoordinateCommitRequest struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Participants lists the participant ids touched by the transaction, in order.
	Participants []string `json:"participants"`
}

// CoordinateCommitResponse reports a Commit decision. Abort is reported as
// a no_such_transaction error.
type CoordinateCommitResponse struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Decision is always "commit" on success.
	Decision Decision `json:"decision"`
	// CommitTS is the logical commit timestamp, usable for causally consistent reads.
	CommitTS uint64 `json:"commit_ts"`
	// Source reports where the decision came from: coordinator, log or cache.
	Source string `json:"source,omitempty"`
}

// CoordinatorStatus describes one live catalog entry.
type CoordinatorStatus struct {
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// State is the coordinator state machine position.
	State string `json:"state"`
	// Participants is the durable participant list.
	Participants []string `json:"participants"`
	// Decision is set once the decision is durable.
	Decision Decision `json:"decision,omitempty"`
	// CommitTS is set for durable Commit decisions.
	CommitTS uint64 `json:"commit_ts,omitempty"`
	// Recovered is true when the coordinator was rebuilt from the durable log.
	Recovered bool `json:"recovered,omitempty"`
	// StartedAtUnix is when this coordinator instance started, in Unix seconds.
	StartedAtUnix int64 `json:"started_at_unix"`
}

// CoordinatorListResponse is returned by GET /v1/txn/coordinators.
type CoordinatorListResponse struct {
	// Primary reports whether the catalog is accepting work.
	Primary bool `json:"primary"`
	// Term is the failover term the catalog was activated in.
	Term uint64 `json:"term,omitempty"`
	// Coordinators lists live coordinators ordered by transaction id.
	Coordinators []CoordinatorStatus `json:"coordinators"`
}

// CoordinatorDocument is the diagnostic view of a durable coordinator record.
type CoordinatorDocument struct {
	// Key is the storage key holding the document.
	Key string `json:"key"`
	// Txn identifies the distributed transaction.
	Txn TxnID `json:"txn"`
	// Participants is the durable participant list.
	Participants []string `json:"participants"`
	// Decision is empty while votes are outstanding.
	Decision Decision `json:"decision,omitempty"`
	// CommitTS is set for durable Commit decisions.
	CommitTS uint64 `json:"commit_ts,omitempty"`
	// Stage is the derived stage: awaiting_votes or awaiting_acks.
	Stage string `json:"stage"`
	// CreatedAtUnix is when the participant list was written.
	CreatedAtUnix int64 `json:"created_at_unix"`
	// DecidedAtUnix is when the decision was written.
	DecidedAtUnix int64 `json:"decided_at_unix,omitempty"`
}

// CoordinatorDocumentsResponse is returned by GET /v1/coordinator/documents.
type CoordinatorDocumentsResponse struct {
	// Documents lists every durable document in key order.
	Documents []CoordinatorDocument `json:"documents"`
}
