// Package ha elects the primary tpcd node with a lease object stored in the
// shared backend and reports transitions as became-primary and
// stepped-down events.
package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/storage"
)

// LeaseKey is the storage key of the failover lease.
const LeaseKey = ".ha/lease"

const (
	minRefreshInterval = 250 * time.Millisecond
	maxRefreshTimeout  = 2 * time.Second
)

// Lease is the persisted lease document.
type Lease struct {
	OwnerID       string `json:"owner_id"`
	OwnerEndpoint string `json:"owner_endpoint,omitempty"`
	Term          uint64 `json:"term"`
	// ExpiresAtUnixMilli is zero for a released lease.
	ExpiresAtUnixMilli int64 `json:"expires_at_unix_ms"`
}

func (l Lease) expiresAt() time.Time {
	if l.ExpiresAtUnixMilli <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(l.ExpiresAtUnixMilli).UTC()
}

// Events receives primary transitions. Both methods are called from the
// refresh path, one at a time and in order.
type Events interface {
	BecamePrimary(term uint64)
	SteppedDown()
}

// Config wires a Manager.
type Config struct {
	Backend  storage.Backend
	NodeID   string
	Endpoint string
	TTL      time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
	Events   Events
}

// Manager runs the lease loop of one node.
type Manager struct {
	backend  storage.Backend
	nodeID   string
	endpoint string
	ttl      time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	events   Events

	refreshMu sync.Mutex

	mu             sync.Mutex
	active         bool
	term           uint64
	leaderID       string
	leaderEndpoint string
	expires        time.Time
	holdUntil      time.Time

	stop chan struct{}
	done chan struct{}
}

// New validates cfg and returns a passive Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("ha: backend required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("ha: node id required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("ha: lease ttl must be positive")
	}
	return &Manager{
		backend:  cfg.Backend,
		nodeID:   cfg.NodeID,
		endpoint: cfg.Endpoint,
		ttl:      cfg.TTL,
		clock:    clock.OrReal(cfg.Clock),
		logger:   loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "ha.lease").With("node_id", cfg.NodeID),
		events:   cfg.Events,
	}, nil
}

// SetEndpoint changes the endpoint published with the next claim or renewal.
func (m *Manager) SetEndpoint(endpoint string) {
	m.refreshMu.Lock()
	m.endpoint = endpoint
	m.refreshMu.Unlock()
}

// Start refreshes once and then keeps refreshing every TTL/2 until Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()
	m.Refresh(context.Background())
	go m.loop(stop, done)
}

// Stop ends the refresh loop and releases the lease when held.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.release(ctx)
}

func (m *Manager) loop(stop, done chan struct{}) {
	defer close(done)
	interval := max(m.ttl/2, minRefreshInterval)
	for {
		select {
		case <-stop:
			return
		case <-m.clock.After(interval):
		}
		m.Refresh(context.Background())
	}
}

// Active reports whether this node holds an unexpired lease.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && !clock.Expired(m.clock, m.expires)
}

// Leader returns the id and endpoint of the last observed lease owner.
func (m *Manager) Leader() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID, m.leaderEndpoint
}

// Status describes the lease as this node sees it.
func (m *Manager) Status() api.HAStatusResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := api.HAStatusResponse{
		NodeID:         m.nodeID,
		Active:         m.active && !clock.Expired(m.clock, m.expires),
		Term:           m.term,
		LeaderID:       m.leaderID,
		LeaderEndpoint: m.leaderEndpoint,
	}
	if !m.expires.IsZero() {
		out.ExpiresAtUnix = m.expires.Unix()
	}
	if m.holdUntil.After(m.clock.Now()) {
		out.HoldUntilUnix = m.holdUntil.Unix()
	}
	return out
}

// StepDown releases the lease and refuses to claim it again for hold. It
// reports whether the node was primary.
func (m *Manager) StepDown(ctx context.Context, hold time.Duration) (bool, time.Time) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	wasActive := m.active
	m.holdUntil = m.clock.Now().Add(hold)
	holdUntil := m.holdUntil
	m.mu.Unlock()
	m.release(ctx)
	m.setActive(false, Lease{}, time.Time{})
	m.logger.Info("ha.lease.stepdown", "was_active", wasActive, "hold_until", holdUntil)
	return wasActive, holdUntil
}

// release writes an expired lease when this node owns it. Callers hold
// refreshMu.
func (m *Manager) release(ctx context.Context) {
	for attempt := 0; attempt < 2; attempt++ {
		lease, etag, err := m.load(ctx)
		if err != nil || lease.OwnerID != m.nodeID {
			return
		}
		released := lease
		released.ExpiresAtUnixMilli = 0
		if err := m.write(ctx, released, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) && attempt == 0 {
				continue
			}
			m.logger.Warn("ha.lease.release_failed", "error", err)
			return
		}
		m.logger.Info("ha.lease.released", "term", lease.Term)
		m.setActive(false, released, time.Time{})
		return
	}
}

// Refresh runs one claim, renew or observe step.
func (m *Manager) Refresh(ctx context.Context) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, min(maxRefreshTimeout, m.ttl))
	defer cancel()

	now := m.clock.Now()
	expiresAt := now.Add(m.ttl)
	m.mu.Lock()
	holding := m.holdUntil.After(now)
	m.mu.Unlock()

	lease, etag, err := m.load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if holding {
			m.setActive(false, Lease{}, time.Time{})
			return
		}
		claim := Lease{OwnerID: m.nodeID, OwnerEndpoint: m.endpoint, Term: 1, ExpiresAtUnixMilli: expiresAt.UnixMilli()}
		if err := m.writeNew(ctx, claim); err != nil {
			m.onWriteError(ctx, "claim", err, now)
			return
		}
		m.logger.Info("ha.lease.acquired", "term", claim.Term)
		m.setActive(true, claim, expiresAt)
		return
	case err != nil:
		m.keepOrDrop("ha.lease.read_failed", err, now)
		return
	}

	expired := !now.Before(lease.expiresAt())
	switch {
	case lease.OwnerID == m.nodeID && !expired:
		renew := lease
		renew.OwnerEndpoint = m.endpoint
		renew.ExpiresAtUnixMilli = expiresAt.UnixMilli()
		if err := m.write(ctx, renew, etag); err != nil {
			m.onWriteError(ctx, "renew", err, now)
			return
		}
		m.setActive(true, renew, expiresAt)
	case expired && !holding:
		claim := Lease{OwnerID: m.nodeID, OwnerEndpoint: m.endpoint, Term: lease.Term + 1, ExpiresAtUnixMilli: expiresAt.UnixMilli()}
		if err := m.write(ctx, claim, etag); err != nil {
			m.onWriteError(ctx, "claim", err, now)
			return
		}
		m.logger.Info("ha.lease.acquired", "term", claim.Term, "previous_owner", lease.OwnerID)
		m.setActive(true, claim, expiresAt)
	default:
		m.setActive(false, lease, lease.expiresAt())
	}
}

func (m *Manager) onWriteError(ctx context.Context, op string, err error, now time.Time) {
	if errors.Is(err, storage.ErrCASMismatch) {
		// Someone else wrote the lease first; adopt what they wrote.
		if lease, _, loadErr := m.load(ctx); loadErr == nil {
			active := lease.OwnerID == m.nodeID && now.Before(lease.expiresAt())
			m.setActive(active, lease, lease.expiresAt())
			return
		}
	}
	m.keepOrDrop("ha.lease."+op+"_failed", err, now)
}

// keepOrDrop keeps an active node active until its current lease expires.
func (m *Manager) keepOrDrop(event string, err error, now time.Time) {
	m.mu.Lock()
	keep := m.active && now.Before(m.expires)
	m.mu.Unlock()
	if keep {
		m.logger.Warn(event, "error", err, "action", "keep_active")
		return
	}
	m.logger.Warn(event, "error", err)
	m.setActive(false, Lease{}, time.Time{})
}

// setActive records the observed lease and emits a transition event when
// the active flag flips. Callers hold refreshMu.
func (m *Manager) setActive(active bool, lease Lease, expires time.Time) {
	m.mu.Lock()
	if lease.OwnerID != "" {
		m.term = max(m.term, lease.Term)
	}
	if lease.OwnerID != "" && lease.expiresAt().After(m.clock.Now()) {
		m.leaderID, m.leaderEndpoint = lease.OwnerID, lease.OwnerEndpoint
	} else {
		m.leaderID, m.leaderEndpoint = "", ""
	}
	m.expires = expires
	changed := m.active != active
	m.active = active
	term := m.term
	m.mu.Unlock()
	if !changed {
		return
	}
	m.logger.Info("ha.node.state_changed", "active", active, "term", term, "leader", lease.OwnerID)
	if m.events == nil {
		return
	}
	if active {
		m.events.BecamePrimary(term)
	} else {
		m.events.SteppedDown()
	}
}

func (m *Manager) load(ctx context.Context) (Lease, string, error) {
	res, err := m.backend.GetObject(ctx, LeaseKey)
	if err != nil {
		return Lease{}, "", err
	}
	defer res.Reader.Close()
	var lease Lease
	if err := json.NewDecoder(res.Reader).Decode(&lease); err != nil {
		return Lease{}, "", fmt.Errorf("ha: decode lease: %w", err)
	}
	etag := ""
	if res.Info != nil {
		etag = res.Info.ETag
	}
	return lease, etag, nil
}

func (m *Manager) write(ctx context.Context, lease Lease, etag string) error {
	return m.put(ctx, lease, storage.PutObjectOptions{ExpectedETag: etag, ContentType: "application/json"})
}

func (m *Manager) writeNew(ctx context.Context, lease Lease) error {
	return m.put(ctx, lease, storage.PutObjectOptions{IfNotExists: true, ContentType: "application/json"})
}

func (m *Manager) put(ctx context.Context, lease Lease, opts storage.PutObjectOptions) error {
	payload, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	_, err = m.backend.PutObject(ctx, LeaseKey, bytes.NewReader(payload), opts)
	return err
}
