package api

// HAStatusResponse is returned by GET /v1/ha/status.
type HAStatusResponse struct {
	// NodeID identifies the answering node.
	NodeID string `json:"node_id"`
	// Active reports whether the node holds the failover lease.
	Active bool `json:"active"`
	// Term is the lease term last observed.
	Term uint64 `json:"term"`
	// LeaderID identifies the current lease owner, if any.
	LeaderID string `json:"leader_id,omitempty"`
	// LeaderEndpoint is the advertised endpoint of the current lease owner.
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
	// ExpiresAtUnix is when the observed lease expires.
	ExpiresAtUnix int64 `json:"expires_at_unix,omitempty"`
	// HoldUntilUnix is set while the node refuses to claim after a step-down.
	HoldUntilUnix int64 `json:"hold_until_unix,omitempty"`
}

// StepDownRequest drives POST /v1/admin/stepdown.
type StepDownRequest struct {
	// HoldSeconds keeps the node from re-claiming the lease for this long.
	HoldSeconds int64 `json:"hold_seconds"`
}

// StepDownResponse acknowledges a step-down.
type StepDownResponse struct {
	// SteppedDown is true when the node held the lease and released it.
	SteppedDown bool `json:"stepped_down"`
	// HoldUntilUnix is when the node may claim again.
	HoldUntilUnix int64 `json:"hold_until_unix"`
}

// Failpoint modes accepted by POST /v1/admin/failpoints.
const (
	FailpointModeHang  = "hang"
	FailpointModeError = "error"
	FailpointModeOff   = "off"
)

// FailpointRequest drives POST /v1/admin/failpoints.
type FailpointRequest struct {
	// Name is the failpoint name, for example hangAfterWritingDecision.
	Name string `json:"name"`
	// Mode is hang, error or off.
	Mode string `json:"mode"`
}

// FailpointResponse lists the failpoints currently enabled.
type FailpointResponse struct {
	// Active maps failpoint name to mode.
	Active map[string]string `json:"active"`
}
