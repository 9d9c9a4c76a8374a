package participant

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
)

const (
	preparePath = "/v1/participant/prepare"
	commitPath  = "/v1/participant/commit"
	abortPath   = "/v1/participant/abort"
)

// HTTPConfig configures the HTTP participant client.
type HTTPConfig struct {
	// Endpoints maps participant id to base URL.
	Endpoints  map[string]string
	HTTPClient *http.Client
	Logger     pslog.Logger

	// Timeout bounds a single attempt.
	Timeout    time.Duration
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// MaxElapsed bounds the whole retry loop. Zero retries until ctx ends.
	MaxElapsed time.Duration

	// EnableH2C speaks cleartext HTTP/2 to http:// endpoints.
	EnableH2C bool
	// OnRetry is called before every retry with the operation name.
	OnRetry func(op string)
}

// HTTPClient implements Client over the participant HTTP protocol.
type HTTPClient struct {
	endpoints  map[string]string
	httpClient *http.Client
	logger     pslog.Logger
	timeout    time.Duration
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	maxElapsed time.Duration
	onRetry    func(string)
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	c := &HTTPClient{
		endpoints:  make(map[string]string, len(cfg.Endpoints)),
		httpClient: cfg.HTTPClient,
		logger:     loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "participant.client"),
		timeout:    cfg.Timeout,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		multiplier: cfg.Multiplier,
		maxElapsed: cfg.MaxElapsed,
		onRetry:    cfg.OnRetry,
	}
	for id, endpoint := range cfg.Endpoints {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			c.endpoints[id] = trimmed
		}
	}
	if c.httpClient == nil {
		c.httpClient = NewTransportClient(cfg.EnableH2C)
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 50 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	if c.multiplier <= 1 {
		c.multiplier = 2
	}
	return c
}

// NewTransportClient returns an http.Client instrumented with otelhttp. With
// h2c enabled it speaks HTTP/2 without TLS.
func NewTransportClient(h2c bool) *http.Client {
	var base http.RoundTripper
	if h2c {
		base = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	} else if def, ok := http.DefaultTransport.(*http.Transport); ok {
		clone := def.Clone()
		clone.MaxIdleConnsPerHost = 64
		base = clone
	} else {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

// Known reports whether id has an endpoint.
func (c *HTTPClient) Known(id string) bool {
	_, ok := c.endpoints[id]
	return ok
}

// Prepare asks participantID to prepare txn.
func (c *HTTPClient) Prepare(ctx context.Context, participantID string, txn api.TxnID) (Vote, error) {
	var resp api.PrepareResponse
	err := c.call(ctx, "prepare", participantID, preparePath, api.PrepareRequest{Txn: txn}, &resp)
	return voteFromPrepare(participantID, resp, err)
}

// Commit tells participantID to commit txn at commitTS.
func (c *HTTPClient) Commit(ctx context.Context, participantID string, txn api.TxnID, commitTS uint64) error {
	var resp api.AckResponse
	return ackFromCommit(c.call(ctx, "commit", participantID, commitPath, api.CommitRequest{Txn: txn, CommitTS: commitTS}, &resp))
}

// Abort tells participantID to abort txn.
func (c *HTTPClient) Abort(ctx context.Context, participantID string, txn api.TxnID) error {
	var resp api.AckResponse
	return ackFromAbort(c.call(ctx, "abort", participantID, abortPath, api.AbortRequest{Txn: txn}, &resp))
}

func (c *HTTPClient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.Multiplier = c.multiplier
	return b
}

func (c *HTTPClient) call(ctx context.Context, op, participantID, path string, payload, out any) error {
	endpoint, ok := c.endpoints[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	url := joinEndpoint(endpoint, path)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	logger := loggingutil.FromContext(ctx, c.logger)
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.once(ctx, url, body, out)
		if err == nil {
			return struct{}{}, nil
		}
		if IsDefinitive(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(c.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("participant.rpc.retry",
				"op", op,
				"participant", participantID,
				"attempt", attempt,
				"next_delay", next,
				"error", err,
			)
			if c.onRetry != nil {
				c.onRetry(op)
			}
		}),
	)
	if err != nil {
		return err
	}
	logger.Trace("participant.rpc.ok", "op", op, "participant", participantID, "attempts", attempt)
	return nil
}

func (c *HTTPClient) once(ctx context.Context, url string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	correlation.Inject(ctx, req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp api.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.ErrorCode != "" {
		return failure.FromResponse(resp.StatusCode, errResp)
	}
	return failure.Failure{
		Code:       api.CodeInternal,
		Detail:     fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		HTTPStatus: resp.StatusCode,
	}
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}
