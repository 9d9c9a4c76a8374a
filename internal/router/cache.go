package router

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/coordinator"
)

// decisionCache remembers finished decisions, bounded by count and age. Age
// is measured on the injected clock; the LRU handles the count bound.
type decisionCache struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	lru   *simplelru.LRU[api.TxnID, decisionCacheEntry]
}

type decisionCacheEntry struct {
	outcome  coordinator.Outcome
	storedAt time.Time
}

func newDecisionCache(clk clock.Clock, ttl time.Duration, limit int) *decisionCache {
	if ttl <= 0 || limit <= 0 {
		return nil
	}
	lru, err := simplelru.NewLRU[api.TxnID, decisionCacheEntry](limit, nil)
	if err != nil {
		return nil
	}
	return &decisionCache{clock: clk, ttl: ttl, lru: lru}
}

func (c *decisionCache) get(txn api.TxnID) (coordinator.Outcome, bool) {
	if c == nil {
		return coordinator.Outcome{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(txn)
	if !ok {
		return coordinator.Outcome{}, false
	}
	if c.clock.Now().Sub(entry.storedAt) >= c.ttl {
		c.lru.Remove(txn)
		return coordinator.Outcome{}, false
	}
	return entry.outcome, true
}

func (c *decisionCache) put(txn api.TxnID, outcome coordinator.Outcome) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(txn, decisionCacheEntry{outcome: outcome, storedAt: c.clock.Now()})
}

func (c *decisionCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *decisionCache) size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
