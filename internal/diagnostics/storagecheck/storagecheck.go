// Package storagecheck exercises a backend the way the coordinator log and
// the failover lease use it, so an operator learns before deployment whether
// conditional writes behave.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/storage"
)

// Prefix holds synthetic diagnostic objects. Every check removes what it
// writes.
const Prefix = "diagnostics/"

const verifyTimeout = 20 * time.Second

// Result summarises a verification run.
type Result struct {
	Provider string
	Location string
	Checks   []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore opens the configured backend and runs Verify against it.
func VerifyStore(ctx context.Context, cfg tpcd.Config) (Result, error) {
	provider, location := describe(cfg.Store)
	result := Result{Provider: provider, Location: location}
	backend, err := tpcd.OpenBackend(ctx, cfg)
	if err != nil {
		result.Checks = append(result.Checks, CheckResult{Name: "Open", Err: err})
		return result, nil
	}
	defer backend.Close()
	result.Checks = append(result.Checks, CheckResult{Name: "Open"})
	result.Checks = append(result.Checks, Verify(ctx, backend)...)
	return result, nil
}

// Verify runs the conditional-write checks against backend.
func Verify(ctx context.Context, backend storage.Backend) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	var checks []CheckResult
	failed := false
	run := func(name string, fn func(context.Context) error) {
		if failed {
			checks = append(checks, CheckResult{Name: name, Err: errors.New("skipped after earlier failure")})
			return
		}
		err := fn(ctx)
		if err != nil {
			failed = true
		}
		checks = append(checks, CheckResult{Name: name, Err: err})
	}

	id, err := uuid.NewV7()
	if err != nil {
		return []CheckResult{{Name: "Init", Err: err}}
	}
	dir := path.Join(strings.TrimSuffix(Prefix, "/"), id.String())
	key := dir + "/probe.json"
	var etag string

	run("ListObjects", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: Prefix, Limit: 1})
		return err
	})
	run("CreateIfNotExists", func(ctx context.Context) error {
		info, err := storage.WriteObject(ctx, backend, key, []byte(`{"v":1}`), storage.PutObjectOptions{IfNotExists: true, ContentType: "application/json"})
		if err != nil {
			return err
		}
		if info == nil || info.ETag == "" {
			return errors.New("backend returned no etag")
		}
		etag = info.ETag
		return nil
	})
	run("RejectDuplicateCreate", func(ctx context.Context) error {
		_, err := storage.WriteObject(ctx, backend, key, []byte(`{"v":0}`), storage.PutObjectOptions{IfNotExists: true})
		return expectCASMismatch(err)
	})
	run("ReadBack", func(ctx context.Context) error {
		data, info, err := storage.ReadObject(ctx, backend, key)
		if err != nil {
			return err
		}
		if string(data) != `{"v":1}` {
			return fmt.Errorf("read %q, wrote %q", data, `{"v":1}`)
		}
		if info.ETag != etag {
			return fmt.Errorf("read etag %q, write returned %q", info.ETag, etag)
		}
		return nil
	})
	run("ConditionalUpdate", func(ctx context.Context) error {
		info, err := storage.WriteObject(ctx, backend, key, []byte(`{"v":2}`), storage.PutObjectOptions{ExpectedETag: etag})
		if err != nil {
			return err
		}
		if info.ETag == etag {
			return errors.New("etag did not change after update")
		}
		stale := etag
		etag = info.ETag
		_, err = storage.WriteObject(ctx, backend, key, []byte(`{"v":3}`), storage.PutObjectOptions{ExpectedETag: stale})
		return expectCASMismatch(err)
	})
	run("ConditionalDelete", func(ctx context.Context) error {
		err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: "stale-" + etag})
		if err := expectCASMismatch(err); err != nil {
			return err
		}
		return backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag})
	})
	run("Gone", func(ctx context.Context) error {
		res, err := backend.GetObject(ctx, key)
		if err == nil {
			_, _ = io.Copy(io.Discard, res.Reader)
			res.Reader.Close()
			return errors.New("object still readable after delete")
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if failed {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = backend.DeleteObject(cleanup, key, storage.DeleteObjectOptions{IgnoreNotFound: true})
	}
	return checks
}

func expectCASMismatch(err error) error {
	switch {
	case err == nil:
		return errors.New("conditional write succeeded; the backend ignores preconditions")
	case errors.Is(err, storage.ErrCASMismatch):
		return nil
	default:
		return fmt.Errorf("expected a precondition failure, got: %w", err)
	}
}

func describe(store string) (string, string) {
	u, err := url.Parse(store)
	if err != nil || u.Scheme == "" {
		return "memory", ""
	}
	switch u.Scheme {
	case "mem", "memory":
		return "memory", ""
	case "disk":
		return "disk", path.Join(u.Host, u.Path)
	case "s3":
		return "s3-compatible", u.Host + u.Path
	case "aws":
		return "aws-s3", u.Host + u.Path
	case "azure":
		return "azure-blob", u.Host + u.Path
	default:
		return u.Scheme, u.Host + u.Path
	}
}
