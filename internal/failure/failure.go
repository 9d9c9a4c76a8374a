// Package failure carries transport-neutral error details that the HTTP
// layer maps onto api.ErrorResponse and that clients rebuild from it.
package failure

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/tpcd/api"
)

// Failure is an application-level error with a stable code.
type Failure struct {
	Code           string
	Detail         string
	RetryAfter     int64 // seconds
	LeaderEndpoint string
	HTTPStatus     int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// New builds a Failure with the conventional HTTP status for code.
func New(code, format string, args ...any) Failure {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return Failure{Code: code, Detail: detail, HTTPStatus: StatusFor(code)}
}

// StatusFor maps a stable error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case api.CodeInvalidRequest:
		return http.StatusBadRequest
	case api.CodeNotFound, api.CodeUnknownParticipant:
		return http.StatusNotFound
	case api.CodeFailpointsDisabled:
		return http.StatusForbidden
	case api.CodeThrottled:
		return http.StatusTooManyRequests
	case api.CodeNotPrimary, api.CodeCoordinatorSteppedDown, api.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case api.CodeNoSuchTransaction, api.CodeTransactionSuperseded, api.CodeParticipantListMismatch,
		api.CodePrepareConflict, api.CodeNotPrepared, api.CodeAlreadyAborted, api.CodeAlreadyCommitted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// As extracts a Failure from err.
func As(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	var fp *Failure
	if errors.As(err, &fp) && fp != nil {
		return *fp, true
	}
	return Failure{}, false
}

// HasCode reports whether err carries a Failure with code.
func HasCode(err error, code string) bool {
	f, ok := As(err)
	return ok && f.Code == code
}

// FromResponse rebuilds a Failure from a decoded error envelope.
func FromResponse(status int, resp api.ErrorResponse) Failure {
	code := resp.ErrorCode
	if code == "" {
		code = api.CodeInternal
	}
	return Failure{
		Code:           code,
		Detail:         resp.Detail,
		RetryAfter:     resp.RetryAfterSeconds,
		LeaderEndpoint: resp.LeaderEndpoint,
		HTTPStatus:     status,
	}
}

// Retryable reports whether the failure is worth retrying against the same
// or another node.
func (f Failure) Retryable() bool {
	switch f.Code {
	case api.CodeNotPrimary, api.CodeCoordinatorSteppedDown, api.CodeStorageUnavailable, api.CodeThrottled:
		return true
	}
	return f.HTTPStatus >= http.StatusInternalServerError
}
