// Package logging decorates a storage.Backend with OpenTelemetry spans and
// trace-level logging for every object operation.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/tpcd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "tpcd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tpcd.storage.operation", op),
		attribute.String("tpcd.storage.key", key),
		attribute.String("tpcd.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("tpcd.correlation_id", corr))
		if pslog.LoggerFromContext(ctx) == nil {
			logger = logger.With("cid", corr)
		}
	}
	logger.Trace("storage."+op+".begin", "key", key)

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		elapsed := time.Since(begin)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "key", key, "elapsed", elapsed)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
			span.SetStatus(codes.Ok, result)
			logger.Debug("storage."+op+"."+result, "key", key, "elapsed", elapsed)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		}
		span.AddEvent("tpcd.storage.end", trace.WithAttributes(
			attribute.String("tpcd.storage.result", result),
			attribute.Int64("tpcd.storage.duration_ms", elapsed.Milliseconds()),
		))
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrCASMismatch):
		return "cas_mismatch"
	default:
		return "error"
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, _, finish := b.start(ctx, "get_object", key)
	defer span.End()
	res, err := b.inner.GetObject(ctx, key)
	if err == nil && res.Info != nil {
		span.SetAttributes(attribute.Int64("tpcd.storage.size", res.Info.Size))
	}
	finish(resultOf(err), err)
	return res, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := b.start(ctx, "put_object", key)
	defer span.End()
	span.SetAttributes(
		attribute.Bool("tpcd.storage.if_not_exists", opts.IfNotExists),
		attribute.Bool("tpcd.storage.has_expected_etag", opts.ExpectedETag != ""),
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(resultOf(err), err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, _, finish := b.start(ctx, "delete_object", key)
	defer span.End()
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(resultOf(err), err)
	return err
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, logger, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()
	res, err := b.inner.ListObjects(ctx, opts)
	if err == nil {
		span.SetAttributes(
			attribute.Int("tpcd.storage.objects", len(res.Objects)),
			attribute.Bool("tpcd.storage.truncated", res.Truncated),
		)
		logger.Trace("storage.list_objects.page", "prefix", opts.Prefix, "objects", len(res.Objects), "truncated", res.Truncated)
	}
	finish(resultOf(err), err)
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

// Health forwards to the wrapped backend when it reports capacity.
func (b *backend) Health(ctx context.Context) (storage.Health, error) {
	if reporter, ok := b.inner.(storage.HealthReporter); ok {
		return reporter.Health(ctx)
	}
	return storage.Health{}, storage.ErrNotImplemented
}
