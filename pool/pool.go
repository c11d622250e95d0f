// Package pool implements the transmission pool: the dedup/retention
// layer workers and the primary draw unsigned transactions and prover
// solutions from when building a batch.
package pool

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tolelom/dagbft/metrics"
	"github.com/tolelom/dagbft/types"
)

// InsertResult reports the outcome of Insert, tri-state so a caller can
// distinguish "already have it" from "rejected".
type InsertResult int

const (
	// Inserted means the transmission was new and is now pooled.
	Inserted InsertResult = iota
	// Duplicate means an item with this id was already pooled.
	Duplicate
	// Invalid means the transmission failed structural validation and
	// was not pooled.
	Invalid
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

const (
	// defaultMaxCount bounds the pool size when the byte budget alone
	// would allow unbounded growth from many small transmissions.
	defaultMaxCount = 50_000
	// defaultTTL is how long an un-drained transmission is retained
	// before it becomes eligible for TTL eviction.
	defaultTTL = 2 * time.Hour
)

type entry struct {
	transmission *types.Transmission
	insertedAt   time.Time
}

// Pool is the thread-safe transmission pool. Reads and writes both take
// the single mutex; critical sections stay short (map/slice operations
// only).
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry // key: TransmissionID.String()
	order   []string          // insertion order, for deterministic drain
	pinned  map[string]struct{} // ids referenced by an unsigned proposal; never evicted

	maxCount int
	ttl      time.Duration

	// recent is an LRU of ids evicted or removed after shipping, consulted
	// by Insert so a transmission that cycles back in (re-gossiped after
	// eviction or certification) is still recognized as already-seen
	// rather than re-admitted.
	recent *lru.Cache
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithMaxCount overrides the default max pooled item count.
func WithMaxCount(n int) Option {
	return func(p *Pool) { p.maxCount = n }
}

// WithTTL overrides the default retention TTL.
func WithTTL(d time.Duration) Option {
	return func(p *Pool) { p.ttl = d }
}

// New returns an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		entries:  make(map[string]*entry),
		pinned:   make(map[string]struct{}),
		maxCount: defaultMaxCount,
		ttl:      defaultTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	recent, _ := lru.New(p.maxCount)
	p.recent = recent
	return p
}

// Insert validates and adds a transmission, returning the outcome.
// Invalid transmissions are never pooled; duplicates (by id, whether
// currently pooled or recently evicted/removed) are rejected so the same
// item is never counted twice against a batch.
func (p *Pool) Insert(t *types.Transmission) InsertResult {
	if err := t.Validate(); err != nil {
		return Invalid
	}
	key := t.ID.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		return Duplicate
	}
	if p.recent.Contains(key) {
		return Duplicate
	}
	if len(p.entries) >= p.maxCount {
		if !p.evictOldestLocked() {
			return Invalid
		}
	}
	p.entries[key] = &entry{transmission: t, insertedAt: time.Now()}
	p.order = append(p.order, key)
	metrics.Default.Set(metrics.GaugePoolSize, int64(len(p.entries)))
	return Inserted
}

// evictOldestLocked removes the oldest unpinned entry to make room for a
// new insertion. Returns false if every pooled entry is pinned (the pool
// is genuinely full of in-flight proposal content and cannot evict).
func (p *Pool) evictOldestLocked() bool {
	for i, key := range p.order {
		if _, isPinned := p.pinned[key]; isPinned {
			continue
		}
		delete(p.entries, key)
		p.order = append(p.order[:i], p.order[i+1:]...)
		p.recent.Add(key, struct{}{})
		return true
	}
	return false
}

// Contains reports whether id is currently pooled.
func (p *Pool) Contains(id types.TransmissionID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id.String()]
	return ok
}

// Get returns the pooled transmission for id, if present.
func (p *Pool) Get(id types.TransmissionID) (*types.Transmission, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id.String()]
	if !ok {
		return nil, false
	}
	return e.transmission, true
}

// Pin marks ids as referenced by an in-flight, not-yet-certified
// proposal, excluding them from eviction until Unpin is called. Items
// backing an unsigned proposal must never be evicted on overflow.
func (p *Pool) Pin(ids []types.TransmissionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.pinned[id.String()] = struct{}{}
	}
}

// Unpin releases a prior Pin, typically once the proposal has been
// certified or abandoned.
func (p *Pool) Unpin(ids []types.TransmissionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.pinned, id.String())
	}
}

// Drain returns, in insertion order, pooled transmissions up to
// maxCount items and maxBytes total payload bytes. Drained items remain
// pooled; removal is explicit via Remove, called once the batch they
// went into is certified. An abandoned batch's items are only unpinned.
func (p *Pool) Drain(maxBytes, maxCount int) []*types.Transmission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*types.Transmission
	var used int
	for _, key := range p.order {
		if len(out) >= maxCount {
			break
		}
		e, ok := p.entries[key]
		if !ok {
			continue
		}
		size := len(e.transmission.Payload)
		if used+size > maxBytes {
			continue
		}
		out = append(out, e.transmission)
		used += size
	}
	return out
}

// Remove deletes transmissions by id, called after the batch containing
// them is certified (no longer needed in the pool). Removed ids are
// remembered in the recently-seen set so a re-gossiped copy is rejected
// as a duplicate.
func (p *Pool) Remove(ids []types.TransmissionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removedKeys := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		key := id.String()
		removedKeys[key] = struct{}{}
		delete(p.entries, key)
		delete(p.pinned, key)
		p.recent.Add(key, struct{}{})
	}
	filtered := p.order[:0]
	for _, key := range p.order {
		if _, removed := removedKeys[key]; !removed {
			filtered = append(filtered, key)
		}
	}
	p.order = filtered
}

// EvictExpired removes unpinned entries older than the pool's TTL,
// returning their ids. Entries expire only when a caller invokes this;
// the pool runs no timer of its own.
func (p *Pool) EvictExpired(now time.Time) []types.TransmissionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []types.TransmissionID
	filtered := p.order[:0]
	for _, key := range p.order {
		e, ok := p.entries[key]
		if !ok {
			continue
		}
		if _, isPinned := p.pinned[key]; !isPinned && now.Sub(e.insertedAt) > p.ttl {
			delete(p.entries, key)
			p.recent.Add(key, struct{}{})
			expired = append(expired, e.transmission.ID)
			continue
		}
		filtered = append(filtered, key)
	}
	p.order = filtered
	return expired
}

// Size returns the current number of pooled transmissions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
