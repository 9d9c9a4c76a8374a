// Package httpapi serves the tpcd HTTP surface: the commit router, the
// coordinator diagnostics, the admin controls and the participant protocol
// of the local shard.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/qrf"
	"pkt.systems/tpcd/internal/storage"
)

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes int64 = 1 << 20

const healthProbeTimeout = 2 * time.Second

// Router coordinates commits on behalf of clients.
type Router interface {
	CoordinateCommit(ctx context.Context, txn api.TxnID, participants []string) (api.CoordinateCommitResponse, error)
}

// Catalog lists live coordinators.
type Catalog interface {
	List() api.CoordinatorListResponse
}

// DocumentLog scans the durable coordinator log.
type DocumentLog interface {
	ScanAll(ctx context.Context) ([]coordlog.Record, error)
}

// Lease exposes the failover lease of this node.
type Lease interface {
	Status() api.HAStatusResponse
	StepDown(ctx context.Context, hold time.Duration) (bool, time.Time)
}

// Shard is the participant served under /v1/participant.
type Shard interface {
	ID() string
	Stage(ctx context.Context, txn api.TxnID, key string, value json.RawMessage) (api.StageResponse, error)
	Read(key string) (api.DocumentResponse, bool)
	Prepare(ctx context.Context, txn api.TxnID) (api.PrepareResponse, error)
	Commit(ctx context.Context, txn api.TxnID, commitTS uint64) (api.AckResponse, error)
	Abort(ctx context.Context, txn api.TxnID) (api.AckResponse, error)
	AbortLocal(ctx context.Context, txn api.TxnID) (api.AckResponse, error)
	Txns() api.ParticipantTxnsResponse
}

// Admission paces new work under load. The returned function releases the
// admission once the request is done.
type Admission interface {
	Admit(ctx context.Context, kind qrf.Kind) (func(), error)
}

// Config wires a Handler. Nil components leave their routes unregistered,
// so a participant-only node needs just Shard.
type Config struct {
	Router  Router
	Catalog Catalog
	Log     DocumentLog
	Lease   Lease
	Shard   Shard
	Backend storage.Backend
	// Admission is optional; nil admits everything.
	Admission Admission

	Failpoints        *failpoint.Set
	DisableFailpoints bool

	NodeID       string
	Version      string
	MaxBodyBytes int64
	Logger       pslog.Logger
	// Tracing wraps every route in otelhttp and opens an operation span.
	Tracing bool
}

// Handler implements the HTTP endpoints.
type Handler struct {
	cfg          Config
	logger       pslog.Logger
	tracer       trace.Tracer
	maxBodyBytes int64
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) *Handler {
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return &Handler{
		cfg:          cfg,
		logger:       loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "api.http"),
		tracer:       otel.Tracer("pkt.systems/tpcd/httpapi"),
		maxBodyBytes: limit,
	}
}

// Register wires the routes of every configured component.
func (h *Handler) Register(mux *http.ServeMux) {
	if h.cfg.Router != nil {
		mux.Handle("POST /v1/txn/coordinate-commit", h.wrap("txn.coordinate_commit", h.handleCoordinateCommit))
	}
	if h.cfg.Catalog != nil {
		mux.Handle("GET /v1/txn/coordinators", h.wrap("txn.coordinators", h.handleCoordinators))
	}
	if h.cfg.Log != nil {
		mux.Handle("GET /v1/coordinator/documents", h.wrap("coordinator.documents", h.handleDocuments))
	}
	if h.cfg.Lease != nil {
		mux.Handle("GET /v1/ha/status", h.wrap("ha.status", h.handleHAStatus))
		mux.Handle("POST /v1/admin/stepdown", h.wrap("admin.stepdown", h.handleStepDown))
	}
	mux.Handle("GET /v1/admin/failpoints", h.wrap("admin.failpoints", h.handleFailpointsList))
	mux.Handle("POST /v1/admin/failpoints", h.wrap("admin.failpoints", h.handleFailpointsSet))
	if h.cfg.Shard != nil {
		mux.Handle("POST /v1/participant/prepare", h.wrap("participant.prepare", h.handlePrepare))
		mux.Handle("POST /v1/participant/commit", h.wrap("participant.commit", h.handleCommit))
		mux.Handle("POST /v1/participant/abort", h.wrap("participant.abort", h.handleAbort))
		mux.Handle("POST /v1/participant/stage", h.wrap("participant.stage", h.handleStage))
		mux.Handle("GET /v1/participant/documents/{key...}", h.wrap("participant.read", h.handleRead))
		mux.Handle("GET /v1/participant/txns", h.wrap("participant.txns", h.handleTxns))
		mux.Handle("POST /v1/participant/txns/abort-local", h.wrap("participant.abort_local", h.handleAbortLocal))
	}
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "tpcd.op." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuid.Must(uuid.NewV7()).String()

		var span trace.Span
		if h.cfg.Tracing {
			ctx, span = h.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
			span.SetAttributes(
				attribute.String("tpcd.operation", operation),
				attribute.String("tpcd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		cid := correlation.FromRequest(r)
		ctx = correlation.Set(ctx, cid)
		logger := h.logger.With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		w.Header().Set(correlation.Header, cid)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		}
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if h.cfg.Tracing {
				span.RecordError(err)
				span.SetStatus(codes.Error, errorCode(err))
				span.SetAttributes(attribute.String("tpcd.error_code", errorCode(err)))
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if h.cfg.Tracing {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.cfg.Tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "tpcd.http."+operation)
}

func errorCode(err error) string {
	if f, ok := failure.As(err); ok {
		return f.Code
	}
	return api.CodeInternal
}

func (h *Handler) admit(ctx context.Context, kind qrf.Kind) (func(), error) {
	if h.cfg.Admission == nil {
		return func() {}, nil
	}
	release, err := h.cfg.Admission.Admit(ctx, kind)
	if err == nil {
		return release, nil
	}
	var waitErr *qrf.WaitError
	if errors.As(err, &waitErr) {
		retry := int64(math.Ceil(waitErr.Delay.Seconds()))
		if retry < 1 {
			retry = 1
		}
		return nil, failure.Failure{
			Code:       api.CodeThrottled,
			Detail:     waitErr.Reason,
			RetryAfter: retry,
			HTTPStatus: http.StatusTooManyRequests,
		}
	}
	return nil, err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	f, ok := failure.As(err)
	if !ok {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			f = failure.Failure{Code: api.CodeInternal, Detail: "request cancelled", HTTPStatus: http.StatusServiceUnavailable, RetryAfter: 1}
		default:
			logger.Error("http.request.internal_error", "error", err)
			f = failure.Failure{Code: api.CodeInternal, Detail: "internal server error", HTTPStatus: http.StatusInternalServerError}
		}
	}
	status := f.HTTPStatus
	if status == 0 {
		status = failure.StatusFor(f.Code)
	}
	logger.Debug("http.request.failure",
		"status", status,
		"code", f.Code,
		"detail", f.Detail,
		"leader_endpoint", f.LeaderEndpoint,
		"retry_after", f.RetryAfter,
	)
	headers := map[string]string{}
	if f.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(f.RetryAfter, 10)
	}
	writeJSON(w, status, api.ErrorResponse{
		ErrorCode:         f.Code,
		Detail:            f.Detail,
		LeaderEndpoint:    f.LeaderEndpoint,
		RetryAfterSeconds: f.RetryAfter,
	}, headers)
}

func writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody reads exactly one JSON value into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return failure.New(api.CodeInvalidRequest, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			f := failure.New(api.CodeInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
			f.HTTPStatus = http.StatusRequestEntityTooLarge
			return f
		}
		return failure.New(api.CodeInvalidRequest, "decode body: %v", err)
	}
	if dec.More() {
		return failure.New(api.CodeInvalidRequest, "unexpected trailing JSON value")
	}
	return nil
}

func validateTxn(txn api.TxnID) error {
	if err := txn.Validate(); err != nil {
		return failure.New(api.CodeInvalidRequest, "%v", err)
	}
	return nil
}

func storageFailure(err error) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return failure.New(api.CodeStorageUnavailable, "%v", err)
}

func (h *Handler) primary() bool {
	if h.cfg.Lease != nil {
		return h.cfg.Lease.Status().Active
	}
	if h.cfg.Catalog != nil {
		return h.cfg.Catalog.List().Primary
	}
	return false
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	resp := api.HealthResponse{
		Status:  "ok",
		NodeID:  h.cfg.NodeID,
		Version: h.cfg.Version,
		Primary: h.primary(),
	}
	status := http.StatusOK
	if b := h.cfg.Backend; b != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if _, err := b.ListObjects(ctx, storage.ListOptions{Prefix: coordlog.Prefix, Limit: 1}); err != nil {
			resp.Status = "degraded"
			resp.Detail = err.Error()
			status = http.StatusServiceUnavailable
		}
		if hr, ok := b.(storage.HealthReporter); ok {
			health, err := hr.Health(ctx)
			if err == nil {
				resp.Backend = health.Backend
				resp.StoragePath = health.Path
				resp.FreeBytes = health.FreeBytes
				resp.TotalBytes = health.TotalBytes
			} else if !errors.Is(err, storage.ErrNotImplemented) {
				loggingutil.FromContext(r.Context(), h.logger).Warn("healthz.backend_health_failed", "error", err)
			}
		}
	}
	if resp.Status != "ok" {
		loggingutil.FromContext(r.Context(), h.logger).Warn("healthz.degraded", "detail", resp.Detail)
	}
	writeJSON(w, status, resp, nil)
	return nil
}
