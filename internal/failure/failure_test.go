package failure

import (
	"fmt"
	"net/http"
	"testing"

	"pkt.systems/tpcd/api"
)

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		api.CodeNoSuchTransaction:  http.StatusConflict,
		api.CodeNotPrimary:         http.StatusServiceUnavailable,
		api.CodeInvalidRequest:     http.StatusBadRequest,
		api.CodeStorageUnavailable: http.StatusServiceUnavailable,
		api.CodeThrottled:          http.StatusTooManyRequests,
		"something_else":           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Fatalf("%s: want %d got %d", code, want, got)
		}
	}
}

func TestAsUnwrapsWrappedFailure(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(api.CodeNotPrepared, "txn %s", "s:1"))
	f, ok := As(err)
	if !ok {
		t.Fatalf("expected failure")
	}
	if f.Code != api.CodeNotPrepared || f.Detail != "txn s:1" || f.HTTPStatus != http.StatusConflict {
		t.Fatalf("unexpected failure %+v", f)
	}
	if !HasCode(err, api.CodeNotPrepared) || HasCode(err, api.CodeAlreadyAborted) {
		t.Fatalf("HasCode mismatch")
	}
}

func TestRetryable(t *testing.T) {
	if !New(api.CodeNotPrimary, "").Retryable() {
		t.Fatalf("not_primary should be retryable")
	}
	if !New(api.CodeThrottled, "").Retryable() {
		t.Fatal("throttled should be retryable")
	}
	if New(api.CodeNoSuchTransaction, "").Retryable() {
		t.Fatalf("no_such_transaction is definitive")
	}
	if !(Failure{Code: "x", HTTPStatus: http.StatusBadGateway}).Retryable() {
		t.Fatalf("5xx should be retryable")
	}
}
