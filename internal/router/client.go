package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
)

// CoordinateCommitPath is the HTTP route of coordinateCommit.
const CoordinateCommitPath = "/v1/txn/coordinate-commit"

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoints      []string
	HTTPClient     *http.Client
	Logger         pslog.Logger
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// Client calls coordinateCommit against a set of tpcd nodes. It follows
// leader hints, rotates endpoints on transport failures and retries until a
// definitive Commit or Abort or until its context ends.
type Client struct {
	endpoints  []string
	httpClient *http.Client
	logger     pslog.Logger
	timeout    time.Duration
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu      sync.Mutex
	current string
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var endpoints []string
	for _, ep := range cfg.Endpoints {
		if ep = strings.TrimRight(strings.TrimSpace(ep), "/"); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, errors.New("router: at least one endpoint required")
	}
	c := &Client{
		endpoints:  endpoints,
		httpClient: cfg.HTTPClient,
		logger:     loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "router.client"),
		timeout:    cfg.AttemptTimeout,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		current:    endpoints[0],
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	return c, nil
}

// IsAborted reports whether err is the Abort outcome of coordinateCommit.
func IsAborted(err error) bool {
	return failure.HasCode(err, api.CodeNoSuchTransaction)
}

// CoordinateCommit returns the Commit response, or an error for which
// IsAborted reports true when the transaction aborted.
func (c *Client) CoordinateCommit(ctx context.Context, txn api.TxnID, participants []string) (api.CoordinateCommitResponse, error) {
	body, err := json.Marshal(api.CoordinateCommitRequest{Txn: txn, Participants: participants})
	if err != nil {
		return api.CoordinateCommitResponse{}, err
	}
	ctx = correlation.Ensure(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	return backoff.Retry(ctx, func() (api.CoordinateCommitResponse, error) {
		endpoint := c.endpoint()
		resp, err := c.once(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}
		if f, ok := failure.As(err); ok {
			switch {
			case f.Code == api.CodeNotPrimary || f.Code == api.CodeCoordinatorSteppedDown:
				c.follow(endpoint, f.LeaderEndpoint)
				return resp, err
			case f.Code == api.CodeThrottled:
				// The primary is shedding load; stay on it.
				return resp, err
			case !f.Retryable():
				return resp, backoff.Permanent(err)
			}
		}
		c.rotate(endpoint)
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0), backoff.WithNotify(func(err error, next time.Duration) {
		c.logger.Debug("router.client.retry", "txn_id", txn.String(), "error", err, "next", next)
	}))
}

func (c *Client) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// follow switches to the advertised leader, or rotates when none is known.
func (c *Client) follow(failed, leader string) {
	leader = strings.TrimRight(strings.TrimSpace(leader), "/")
	if leader == "" || leader == failed {
		c.rotate(failed)
		return
	}
	c.mu.Lock()
	c.current = leader
	c.mu.Unlock()
	c.logger.Debug("router.client.follow_leader", "from", failed, "to", leader)
}

func (c *Client) rotate(failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != failed {
		return
	}
	idx := slices.Index(c.endpoints, failed)
	c.current = c.endpoints[(idx+1)%len(c.endpoints)]
}

func (c *Client) once(ctx context.Context, endpoint string, body []byte) (api.CoordinateCommitResponse, error) {
	var out api.CoordinateCommitResponse
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint+CoordinateCommitPath, bytes.NewReader(body))
	if err != nil {
		return out, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	correlation.Inject(ctx, req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return out, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp api.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.ErrorCode != "" {
		return out, failure.FromResponse(resp.StatusCode, errResp)
	}
	return out, failure.Failure{
		Code:       api.CodeInternal,
		Detail:     fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		HTTPStatus: resp.StatusCode,
	}
}
