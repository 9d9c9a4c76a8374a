package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// connectionErrors are the sentinels that mean the request may not have
// reached the store, or its answer never came back.
var connectionErrors = []error{
	context.DeadlineExceeded,
	net.ErrClosed,
	io.EOF,
	io.ErrUnexpectedEOF,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsNetworkError reports whether err is a connection-level failure worth
// retrying. Cloud backends mark such errors transient.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range connectionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}
