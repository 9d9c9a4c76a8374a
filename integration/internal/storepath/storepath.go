// Package storepath gives each integration run its own key prefix inside a
// shared bucket or container.
package storepath

import (
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/rs/xid"
)

// RunPrefix is fixed for the life of the test binary. xids sort by time,
// so leftovers from old runs are easy to find and prune.
var RunPrefix = sync.OnceValue(func() string { return "it-" + xid.New().String() })

// Scoped appends the run prefix and scope to the path of the store URL.
func Scoped(tb testing.TB, store, scope string) string {
	tb.Helper()
	u, err := url.Parse(store)
	if err != nil {
		tb.Fatalf("parse store %q: %v", store, err)
	}
	u.Path = "/" + strings.Trim(path.Join(u.Path, RunPrefix(), scope), "/")
	return u.String()
}
