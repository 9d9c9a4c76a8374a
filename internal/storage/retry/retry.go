// Package retry wraps a storage.Backend so transient failures (throttling,
// dropped connections, 5xx) are retried with exponential backoff before
// they reach the coordinator log.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/storage"
)

// Config controls attempts and delays. Delays are not jittered; callers
// above the store already spread their retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Wrap returns inner with retries, or nil when inner is nil.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger, clock: clock.OrReal(clk), cfg: cfg.withDefaults()}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// Unwrap exposes the wrapped backend.
func (b *backend) Unwrap() storage.Backend { return b.inner }

func (b *backend) Close() error { return b.inner.Close() }

// Health forwards when the wrapped backend reports health.
func (b *backend) Health(ctx context.Context) (storage.Health, error) {
	if reporter, ok := b.inner.(storage.HealthReporter); ok {
		return reporter.Health(ctx)
	}
	return storage.Health{}, storage.ErrNotImplemented
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	return attempt(ctx, b, "get_object", key, func() (storage.GetObjectResult, error) {
		return b.inner.GetObject(ctx, key)
	})
}

// PutObject buffers body once so every attempt sends the same payload.
func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var payload []byte
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("storage retry: buffer %s: %w", key, err)
		}
		payload = data
	}
	return attempt(ctx, b, "put_object", key, func() (*storage.ObjectInfo, error) {
		return b.inner.PutObject(ctx, key, bytes.NewReader(payload), opts)
	})
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	_, err := attempt(ctx, b, "delete_object", key, func() (struct{}, error) {
		return struct{}{}, b.inner.DeleteObject(ctx, key, opts)
	})
	return err
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	return attempt(ctx, b, "list_objects", opts.Prefix, func() (*storage.ListResult, error) {
		return b.inner.ListObjects(ctx, opts)
	})
}

// attempt runs fn until it succeeds, fails permanently or runs out of
// attempts. Waits go through the injected clock so tests stay instant.
func attempt[T any](ctx context.Context, b *backend, op, key string, fn func() (T, error)) (T, error) {
	policy := &backoff.ExponentialBackOff{
		InitialInterval: b.cfg.BaseDelay,
		Multiplier:      b.cfg.Multiplier,
		MaxInterval:     b.cfg.MaxDelay,
	}
	policy.Reset()
	for n := 1; ; n++ {
		out, err := fn()
		if err == nil || !storage.IsTransient(err) || n >= b.cfg.MaxAttempts {
			return out, err
		}
		delay := policy.NextBackOff()
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"key", key,
			"attempt", n,
			"max_attempts", b.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.clock.After(delay):
		}
	}
}
