// Package catalog keeps the live coordinators of the current primary term.
// It starts coordinators on demand, rebuilds them from the durable log when
// the node becomes primary and discards all of them when it steps down.
package catalog

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/coordlog"
	"pkt.systems/tpcd/internal/failpoint"
	"pkt.systems/tpcd/internal/failure"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/participant"
)

var (
	// ErrNotPrimary is returned while the catalog is not accepting work.
	ErrNotPrimary = errors.New("catalog: not primary")
	// ErrSteppedDown is the cancellation cause of every coordinator
	// discarded by a step-down.
	ErrSteppedDown = errors.New("catalog: stepped down")
)

// Log is the durable log as the catalog uses it.
type Log interface {
	coordinator.Log
	ScanAll(ctx context.Context) ([]coordlog.Record, error)
}

// FinishedFunc observes coordinators that completed the whole protocol.
type FinishedFunc func(txn api.TxnID, outcome coordinator.Outcome)

// Config wires a Catalog.
type Config struct {
	Log            Log
	Client         participant.Client
	Logger         pslog.Logger
	Clock          clock.Clock
	Failpoints     *failpoint.Set
	Metrics        *coordinator.Metrics
	PrepareTimeout time.Duration
	WriteBaseDelay time.Duration
	WriteMaxDelay  time.Duration
	OnFinished     FinishedFunc
}

// Catalog is safe for concurrent use.
type Catalog struct {
	cfg    Config
	logger pslog.Logger

	mu        sync.Mutex
	active    bool
	term      uint64
	ctx       context.Context
	cancel    context.CancelCauseFunc
	entries   map[api.TxnID]*coordinator.Coordinator
	recovered chan struct{}
	wg        sync.WaitGroup
}

// New returns an inactive catalog.
func New(cfg Config) (*Catalog, error) {
	if cfg.Log == nil || cfg.Client == nil {
		return nil, errors.New("catalog: log and participant client required")
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	c := &Catalog{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "coordinator.catalog"),
		entries: make(map[api.TxnID]*coordinator.Coordinator),
	}
	return c, nil
}

// BecamePrimary activates the catalog for term and starts recovery of every
// document in the durable log in the background. Calling it while already
// active only updates the term.
func (c *Catalog) BecamePrimary(term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.term = term
		return
	}
	c.active = true
	c.term = term
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.recovered = make(chan struct{})
	c.logger.Info("catalog.primary.activated", "term", term)
	c.wg.Add(1)
	go c.recover(c.ctx, c.recovered)
}

// SteppedDown cancels every coordinator with ErrSteppedDown, empties the
// catalog and waits for the coordinators to stop.
func (c *Catalog) SteppedDown() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.cancel(ErrSteppedDown)
	dropped := len(c.entries)
	clear(c.entries)
	term := c.term
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("catalog.primary.stepped_down", "term", term, "coordinators", dropped)
}

// Close clears the catalog for shutdown.
func (c *Catalog) Close() {
	c.SteppedDown()
}

// Active reports whether the catalog accepts work and its term.
func (c *Catalog) Active() (bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.term
}

// WaitRecovered blocks until the recovery scan of the current term has
// started a coordinator for every durable document.
func (c *Catalog) WaitRecovered(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotPrimary
	}
	ch := c.recovered
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) recover(ctx context.Context, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	records, err := backoff.Retry(ctx, func() ([]coordlog.Record, error) {
		return c.cfg.Log.ScanAll(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0), backoff.WithNotify(func(err error, next time.Duration) {
		c.logger.Warn("catalog.recovery.scan_retry", "error", err, "next", next)
	}))
	if err != nil {
		c.logger.Info("catalog.recovery.cancelled", "error", err)
		return
	}
	newest := make(map[string]uint64, len(records))
	for _, rec := range records {
		txn := rec.Document.Txn
		newest[txn.LSID] = max(newest[txn.LSID], txn.TxnNumber)
	}
	resumed := 0
	for _, rec := range records {
		c.mu.Lock()
		if !c.active || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		if _, ok := c.entries[rec.Document.Txn]; ok {
			c.mu.Unlock()
			continue
		}
		coord, err := coordinator.Recover(c.coordinatorConfig(), rec)
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("catalog.recovery.skip", "key", rec.Key, "error", err)
			continue
		}
		// An undecided document left behind by a newer transaction of its
		// session is aborted rather than re-prepared.
		if txn := rec.Document.Txn; txn.TxnNumber < newest[txn.LSID] && coord.Abandon(coordinator.ErrAbandoned) {
			c.logger.Info("catalog.recovery.superseded", "txn_id", txn.String())
		}
		c.startLocked(coord)
		c.mu.Unlock()
		resumed++
	}
	c.logger.Info("catalog.recovery.complete", "documents", len(records), "resumed", resumed)
}

// GetOrCreate returns the live coordinator for txn, starting one when none
// exists. A newer transaction of the same session abandons older undecided
// coordinators, which stay listed while they abort; an older or abandoned
// one is refused with transaction_superseded.
func (c *Catalog) GetOrCreate(txn api.TxnID, participants []string) (*coordinator.Coordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil, ErrNotPrimary
	}
	if existing, ok := c.entries[txn]; ok {
		if existing.Abandoned() {
			return nil, failure.New(api.CodeTransactionSuperseded,
				"transaction %s was superseded", txn)
		}
		if !slices.Equal(existing.Participants(), participants) {
			return nil, failure.New(api.CodeParticipantListMismatch,
				"transaction %s is coordinated with participants %v", txn, existing.Participants())
		}
		return existing, nil
	}
	for id, other := range c.entries {
		if id.LSID != txn.LSID {
			continue
		}
		if id.TxnNumber > txn.TxnNumber {
			return nil, failure.New(api.CodeTransactionSuperseded,
				"transaction %s superseded by %s", txn, id)
		}
		if other.Abandon(coordinator.ErrAbandoned) {
			c.logger.Info("catalog.txn.abandoned", "txn_id", id.String(), "superseded_by", txn.String())
		}
	}
	cfg := c.coordinatorConfig()
	cfg.Txn = txn
	cfg.Participants = participants
	coord, err := coordinator.New(cfg)
	if err != nil {
		return nil, failure.New(api.CodeInvalidRequest, "%v", err)
	}
	c.startLocked(coord)
	return coord, nil
}

// Get returns the live coordinator for txn.
func (c *Catalog) Get(txn api.TxnID) (*coordinator.Coordinator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coord, ok := c.entries[txn]
	return coord, ok
}

// Len returns the number of live coordinators.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// List describes the live coordinators ordered by transaction id.
func (c *Catalog) List() api.CoordinatorListResponse {
	c.mu.Lock()
	out := api.CoordinatorListResponse{Primary: c.active, Term: c.term, Coordinators: make([]api.CoordinatorStatus, 0, len(c.entries))}
	coords := make([]*coordinator.Coordinator, 0, len(c.entries))
	for _, coord := range c.entries {
		coords = append(coords, coord)
	}
	c.mu.Unlock()
	for _, coord := range coords {
		out.Coordinators = append(out.Coordinators, coord.Snapshot())
	}
	sort.Slice(out.Coordinators, func(i, j int) bool {
		a, b := out.Coordinators[i].Txn, out.Coordinators[j].Txn
		if a.LSID != b.LSID {
			return a.LSID < b.LSID
		}
		return a.TxnNumber < b.TxnNumber
	})
	return out
}

func (c *Catalog) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Log:            c.cfg.Log,
		Client:         c.cfg.Client,
		Logger:         c.cfg.Logger,
		Clock:          c.cfg.Clock,
		Failpoints:     c.cfg.Failpoints,
		Metrics:        c.cfg.Metrics,
		PrepareTimeout: c.cfg.PrepareTimeout,
		WriteBaseDelay: c.cfg.WriteBaseDelay,
		WriteMaxDelay:  c.cfg.WriteMaxDelay,
	}
}

// startLocked registers coord and runs it under the term context. The entry
// is removed once the coordinator stops, after OnFinished has seen any
// decision it carried through to the end, abandoned ones included.
func (c *Catalog) startLocked(coord *coordinator.Coordinator) {
	txn := coord.Txn()
	c.entries[txn] = coord
	coord.Start(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-coord.Done()
		if out, ok := coord.Outcome(); ok && coord.State() == coordinator.StateDone && c.cfg.OnFinished != nil {
			c.cfg.OnFinished(txn, out)
		}
		c.mu.Lock()
		if c.entries[txn] == coord {
			delete(c.entries, txn)
		}
		c.mu.Unlock()
	}()
}
