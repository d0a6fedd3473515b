// Package localcache provides an in-process cache bounded by entry count and
// aggregate byte size, with least-recently-used eviction, per-entry TTL and a
// stale-while-revalidate read mode.
//
// Reads refresh recency; Has does not. Expired entries are removed lazily on
// Get and kept for GetStaleWhileRevalidate until evicted by capacity pressure.
//
// # Basic Usage
//
//	agents := localcache.New[[]Agent](localcache.Options{
//		Name:       "agents",
//		MaxEntries: 1000,
//		MaxBytes:   20 << 20,
//		DefaultTTL: 10 * time.Minute,
//	})
//	defer agents.Close()
//
//	list, err := agents.GetOrSet(ctx, "agents:org_1:list", func(ctx context.Context) ([]Agent, error) {
//		return repo.ListAgents(ctx, "org_1")
//	})
//
//	// Drop every cached agent list of the tenant after a write.
//	agents.Invalidate("agents:org_1:*")
package localcache

import (
	"sync"
	"time"

	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxEntries is the entry bound when Options.MaxEntries is unset.
	DefaultMaxEntries = 5000

	// DefaultMaxBytes is the byte bound when Options.MaxBytes is unset.
	DefaultMaxBytes int64 = 100 << 20

	// DefaultTTL is used when neither the call nor Options set a TTL.
	DefaultTTL = 5 * time.Minute
)

// Options configures a Cache.
type Options struct {
	// Name labels metrics and logs.
	Name string

	// MaxEntries bounds the number of entries.
	MaxEntries int

	// MaxBytes bounds the aggregate estimated size of all values.
	MaxBytes int64

	// DefaultTTL applies to Set calls without WithTTL.
	DefaultTTL time.Duration

	// Sizer estimates the size of a value. Defaults to EstimateSize.
	Sizer func(v any) int64

	// RevalidateConcurrency bounds concurrent background refreshes.
	RevalidateConcurrency int64

	// RevalidateTimeout bounds one background refresh.
	RevalidateTimeout time.Duration

	// Logger receives cache events.
	Logger zerolog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.Sizer == nil {
		o.Sizer = EstimateSize
	}
	if o.RevalidateConcurrency <= 0 {
		o.RevalidateConcurrency = 4
	}
	if o.RevalidateTimeout <= 0 {
		o.RevalidateTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
	size     int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Name      string  `json:"name"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	StaleHits uint64  `json:"stale_hits"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Bytes     int64   `json:"bytes"`
	MaxBytes  int64   `json:"max_bytes"`
}

// Cache is a bounded LRU cache of V values.
type Cache[V any] struct {
	opts   Options
	logger zerolog.Logger
	m      instruments

	mu        sync.Mutex
	lru       *simplelru.LRU[string, *entry[V]]
	bytes     int64
	hits      uint64
	misses    uint64
	staleHits uint64
	evictions uint64

	group singleflight.Group
	reval *revalidator
}

// New creates a cache.
func New[V any](opts Options) *Cache[V] {
	opts = opts.withDefaults()
	c := &Cache[V]{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "localcache").Str("cache", opts.Name).Logger(),
		m:      newInstruments(opts.Name),
	}
	// The callback runs for evictions and explicit removals alike; it only
	// keeps the byte count in step.
	c.lru, _ = simplelru.NewLRU[string, *entry[V]](opts.MaxEntries, func(_ string, e *entry[V]) {
		c.bytes -= e.size
	})
	c.reval = newRevalidator(opts.RevalidateConcurrency, opts.RevalidateTimeout, c.logger)
	return c
}

// Name returns the cache name.
func (c *Cache[V]) Name() string {
	return c.opts.Name
}

// SetOption customizes a single Set.
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL overrides the default TTL for one entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

func (c *Cache[V]) ttlFor(opts []SetOption) time.Duration {
	so := setOptions{}
	for _, opt := range opts {
		opt(&so)
	}
	if so.ttl <= 0 {
		return c.opts.DefaultTTL
	}
	return so.ttl
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.opts.Now().After(e.storedAt.Add(e.ttl))
}

// Get returns the value for key if present and not expired. Expired entries
// are deleted. A hit refreshes the entry's recency.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if ok && c.expired(e) {
		c.lru.Remove(key)
		c.syncGauges()
		ok = false
	}
	if !ok {
		c.misses++
		c.m.misses.Inc()
		var zero V
		return zero, false
	}

	c.hits++
	c.m.freshHits.Inc()
	return e.value, true
}

// Has reports whether key holds an unexpired entry without touching recency
// or hit counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	return ok && !c.expired(e)
}

// Set stores value under key, replacing any existing entry and making it the
// most recently used. Values larger than MaxBytes are not stored.
func (c *Cache[V]) Set(key string, value V, opts ...SetOption) {
	ttl := c.ttlFor(opts)
	size := c.opts.Sizer(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	if size > c.opts.MaxBytes {
		c.syncGauges()
		c.logger.Debug().
			Str("key", key).
			Int64("size", size).
			Int64("max_bytes", c.opts.MaxBytes).
			Msg("Value exceeds cache byte bound, not cached")
		return
	}

	e := &entry[V]{value: value, storedAt: c.opts.Now(), ttl: ttl, size: size}
	if c.lru.Add(key, e) {
		c.evicted(1)
	}
	c.bytes += size

	for c.bytes > c.opts.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evicted(1)
	}
	c.syncGauges()
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := c.lru.Remove(key)
	c.syncGauges()
	return ok
}

// Invalidate removes every key matching the '*' wildcard pattern and returns
// the number removed.
func (c *Cache[V]) Invalidate(pattern string) int {
	p := keys.Compile(pattern)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		if p.Match(k) {
			c.lru.Remove(k)
			removed++
		}
	}
	c.syncGauges()

	if removed > 0 {
		c.logger.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Invalidated entries")
	}
	return removed
}

// Clear removes all entries and resets counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.bytes = 0
	c.hits, c.misses, c.staleHits, c.evictions = 0, 0, 0, 0
	c.syncGauges()
}

// Stats returns a snapshot of counters and sizes.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Name:      c.opts.Name,
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
		MaxSize:   c.opts.MaxEntries,
		Bytes:     c.bytes,
		MaxBytes:  c.opts.MaxBytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Keys returns the current keys from least to most recently used,
// including expired ones not yet removed.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Close waits for in-flight revalidations and stops accepting new ones.
func (c *Cache[V]) Close() {
	c.reval.close()
}

// evicted must be called with mu held.
func (c *Cache[V]) evicted(n int) {
	c.evictions += uint64(n)
	c.m.evictions.Add(float64(n))
}

// syncGauges must be called with mu held.
func (c *Cache[V]) syncGauges() {
	c.m.entries.Set(float64(c.lru.Len()))
	c.m.bytes.Set(float64(c.bytes))
}
