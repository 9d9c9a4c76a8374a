package hatest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/participant"
)

const (
	statusPath   = "/v1/ha/status"
	probeTimeout = 2 * time.Second
	probeDelay   = 50 * time.Millisecond
)

var probeClient = participant.NewTransportClient(false)

// Status fetches the HA status of ts over HTTP, the same view an operator
// or load balancer gets.
func Status(ctx context.Context, ts *tpcd.TestServer) (api.HAStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.BaseURL+statusPath, nil)
	if err != nil {
		return api.HAStatusResponse{}, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return api.HAStatusResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return api.HAStatusResponse{}, fmt.Errorf("ha status %s: %s", ts.BaseURL, resp.Status)
	}
	var out api.HAStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.HAStatusResponse{}, fmt.Errorf("decode ha status: %w", err)
	}
	return out, nil
}

// FindPrimary probes each server once and returns the one holding the
// failover lease, or nil when none does.
func FindPrimary(ctx context.Context, servers ...*tpcd.TestServer) (*tpcd.TestServer, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers provided")
	}
	var lastErr error
	for _, ts := range servers {
		if ts == nil {
			continue
		}
		status, err := Status(ctx, ts)
		if err != nil {
			lastErr = err
			continue
		}
		if status.Active {
			return ts, nil
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, lastErr
}

// WaitForPrimary polls until one of servers holds the lease or ctx ends.
func WaitForPrimary(ctx context.Context, servers ...*tpcd.TestServer) (*tpcd.TestServer, error) {
	var lastErr error
	for {
		ts, err := FindPrimary(ctx, servers...)
		if ts != nil {
			return ts, nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, fmt.Errorf("no primary: %w", lastErr)
		case <-time.After(probeDelay):
		}
	}
}

// WaitForPrimaryChange waits until a server other than prev holds the lease.
func WaitForPrimaryChange(ctx context.Context, prev *tpcd.TestServer, servers ...*tpcd.TestServer) (*tpcd.TestServer, error) {
	others := make([]*tpcd.TestServer, 0, len(servers))
	for _, ts := range servers {
		if ts != prev {
			others = append(others, ts)
		}
	}
	return WaitForPrimary(ctx, others...)
}
