// Package memory provides an in-process scan cache. Entries expire a fixed
// time after insertion and, when full, the oldest insertion is evicted first.
// Contents do not survive a restart.
package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/timeutil"
)

const (
	DefaultTTL      = 12 * time.Hour
	DefaultCapacity = 1000
)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

type entry struct {
	key        scanning.CacheKey
	value      scanning.CachedScan
	insertedAt time.Time
}

// ScanCache is a TTL and capacity bounded scan cache safe for concurrent use.
// Entries are kept in insertion order; reads never reorder them. Because the
// TTL is fixed, insertion order is also expiry order.
type ScanCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	clock    timeutil.Provider

	order   *list.List // of *entry, oldest at the front
	entries map[scanning.CacheKey]*list.Element

	hits, misses, evictions, expirations uint64
}

var _ scanning.ScanCache = (*ScanCache)(nil)

// Option configures a ScanCache.
type Option func(*ScanCache)

// WithTTL sets how long an entry stays retrievable after insertion.
func WithTTL(ttl time.Duration) Option {
	return func(c *ScanCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(c *ScanCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock timeutil.Provider) Option {
	return func(c *ScanCache) { c.clock = clock }
}

// NewScanCache creates an empty cache with a 12h TTL and room for 1000
// entries unless overridden.
func NewScanCache(opts ...Option) *ScanCache {
	c := &ScanCache{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		clock:    timeutil.Default(),
		order:    list.New(),
		entries:  make(map[scanning.CacheKey]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key if it has not expired. An expired
// entry is removed and reported absent.
func (c *ScanCache) Get(key scanning.CacheKey) (scanning.CachedScan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return scanning.CachedScan{}, false
	}

	e := el.Value.(*entry)
	if c.expired(e, c.clock.Now()) {
		c.remove(el)
		c.expirations++
		c.misses++
		return scanning.CachedScan{}, false
	}

	c.hits++
	return e.value.Clone(), true
}

// Put stores value under key. Re-putting an existing key counts as a fresh
// insertion. Expired entries are purged first; if the cache is still full the
// least recently inserted entry is evicted.
func (c *ScanCache) Put(key scanning.CacheKey, value scanning.CachedScan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	c.purgeExpired(now)

	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
		c.evictions++
	}

	c.entries[key] = c.order.PushBack(&entry{key: key, value: value.Clone(), insertedAt: now})
}

// Delete removes key if present.
func (c *ScanCache) Delete(key scanning.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// Clear drops every entry. Counters are kept.
func (c *ScanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[scanning.CacheKey]*list.Element)
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *ScanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Stats returns the current counters.
func (c *ScanCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:     c.order.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *ScanCache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.ttl
}

// purgeExpired drops the expired prefix of the insertion list.
func (c *ScanCache) purgeExpired(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if !c.expired(el.Value.(*entry), now) {
			return
		}
		c.remove(el)
		c.expirations++
	}
}

func (c *ScanCache) remove(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.entries, e.key)
}
