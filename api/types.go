// Package api holds the JSON wire types shared by the tpcd server, its
// participant endpoints, the router client and the CLI.
package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Stable error codes carried in ErrorResponse.ErrorCode.
const (
	CodeNoSuchTransaction       = "no_such_transaction"
	CodeNotPrimary              = "not_primary"
	CodeTransactionSuperseded   = "transaction_superseded"
	CodeCoordinatorSteppedDown  = "coordinator_stepped_down"
	CodeParticipantListMismatch = "participant_list_mismatch"
	CodeInvalidRequest          = "invalid_request"
	CodeStorageUnavailable      = "storage_unavailable"
	CodePrepareConflict         = "prepare_conflict"
	CodeNotPrepared             = "not_prepared"
	CodeAlreadyAborted          = "already_aborted"
	CodeAlreadyCommitted        = "already_committed"
	CodeUnknownParticipant      = "unknown_participant"
	CodeFailpointsDisabled      = "failpoints_disabled"
	CodeNotFound                = "not_found"
	CodeThrottled               = "throttled"
	CodeInternal                = "internal_error"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable tpcd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// LeaderEndpoint identifies the active primary to retry against when applicable.
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// TxnID identifies one distributed transaction: a logical session and a
// transaction number within it.
type TxnID struct {
	// LSID is the logical session identifier.
	LSID string `json:"lsid"`
	// TxnNumber orders transactions within a session; higher numbers supersede lower ones.
	TxnNumber uint64 `json:"txn_number"`
}

// String renders the id as "<lsid>:<txn_number>".
func (id TxnID) String() string {
	return id.LSID + ":" + strconv.FormatUint(id.TxnNumber, 10)
}

// Validate reports whether the id is usable.
func (id TxnID) Validate() error {
	if strings.TrimSpace(id.LSID) == "" {
		return fmt.Errorf("lsid required")
	}
	if strings.ContainsAny(id.LSID, "/\\") {
		return fmt.Errorf("lsid %q must not contain path separators", id.LSID)
	}
	return nil
}

// ParseTxnID parses the String form.
func ParseTxnID(raw string) (TxnID, error) {
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return TxnID{}, fmt.Errorf("txn id %q: want <lsid>:<txn_number>", raw)
	}
	n, err := strconv.ParseUint(raw[idx+1:], 10, 64)
	if err != nil {
		return TxnID{}, fmt.Errorf("txn id %q: %w", raw, err)
	}
	id := TxnID{LSID: raw[:idx], TxnNumber: n}
	return id, id.Validate()
}

// Decision is the coordinator's irrevocable outcome.
type Decision string

const (
	// DecisionCommit commits at the decision's commit timestamp.
	DecisionCommit Decision = "commit"
	// DecisionAbort discards the transaction everywhere.
	DecisionAbort Decision = "abort"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionCommit || d == DecisionAbort
}

// Vote is a participant's answer to prepare.
type Vote string

const (
	// VoteCommit promises to commit once told to.
	VoteCommit Vote = "commit"
	// VoteAbort refuses the transaction.
	VoteAbort Vote = "abort"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	// Status is "ok" when the storage backend is reachable.
	Status string `json:"status"`
	// NodeID identifies the answering node.
	NodeID string `json:"node_id"`
	// Version is the build version of the answering node.
	Version string `json:"version,omitempty"`
	// Primary reports whether the node currently coordinates transactions.
	Primary bool `json:"primary"`
	// Backend names the storage backend kind.
	Backend string `json:"backend,omitempty"`
	// StoragePath is the backend location (directory, bucket or container).
	StoragePath string `json:"storage_path,omitempty"`
	// FreeBytes is the free capacity reported by the backend, when known.
	FreeBytes uint64 `json:"free_bytes,omitempty"`
	// TotalBytes is the total capacity reported by the backend, when known.
	TotalBytes uint64 `json:"total_bytes,omitempty"`
	// Detail carries the backend error when Status is not "ok".
	Detail string `json:"detail,omitempty"`
}
