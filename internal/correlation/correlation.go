// Package correlation carries a correlation id from the commit router through
// coordinator fan-out into participant RPCs so one distributed commit can be
// followed across nodes.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate correlation ids.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a child of ctx carrying id. Invalid ids are ignored.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx unchanged when it already has an id, otherwise a child
// context with a freshly generated one.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return Set(ctx, Generate())
}

// FromRequest extracts the correlation id from r, generating one when the
// header is missing or invalid.
func FromRequest(r *http.Request) string {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return id
	}
	return Generate()
}

// Inject copies the id on ctx onto an outgoing request.
func Inject(ctx context.Context, r *http.Request) {
	if id := ID(ctx); id != "" {
		r.Header.Set(Header, id)
	}
}

// Normalize validates an externally supplied id.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered (UUIDv7) id.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
