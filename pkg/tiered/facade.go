// Package tiered implements the shared cache facade: a process-local Tier 1
// with a millisecond TTL in front of a shared store (Tier 2).
//
// Tier 2 failures never surface to callers. Reads degrade to a miss, writes
// to a logged no-op and counters to zero. The only errors returned are
// caller errors such as malformed keys, and ErrMiss.
//
// # Basic Usage
//
//	f := tiered.New(redisStore, tiered.Options{
//		Prefix:        "voxcache",
//		NamespaceTTLs: map[string]time.Duration{"analytics": 15 * time.Minute},
//		Logger:        logging.NewLogger("tiered"),
//	})
//	if err := f.Connect(ctx); err != nil {
//		logger.Warn().Err(err).Msg("Shared cache unavailable, running on Tier 1 only")
//	}
//	defer f.Disconnect(context.Background())
//
//	data, err := f.Wrap(ctx, "org_1:summary", loadSummary, tiered.WithNamespace("analytics"))
package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/Sternrassler/voxcache/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrMiss indicates the key is in neither tier.
var ErrMiss = errors.New("cache miss")

const (
	// DefaultPrefix is the application identifier prepended to every key.
	DefaultPrefix = "voxcache"

	// DefaultMemoryTTL is the Tier 1 lifetime.
	DefaultMemoryTTL = 100 * time.Millisecond

	// DefaultTTL is the Tier 2 lifetime when neither the call nor the
	// namespace sets one.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepThreshold is the Tier 1 size above which expired entries
	// are swept on write.
	DefaultSweepThreshold = 1000
)

// Options configures a Facade.
type Options struct {
	// Prefix is prepended to every key. Changing it orphans all cached data.
	Prefix string

	// MemoryTTL is the Tier 1 lifetime.
	MemoryTTL time.Duration

	// DefaultTTL applies when neither WithTTL nor NamespaceTTLs match.
	DefaultTTL time.Duration

	// NamespaceTTLs holds per-namespace default lifetimes.
	NamespaceTTLs map[string]time.Duration

	// SweepThreshold triggers Tier 1 cleanup.
	SweepThreshold int

	Logger zerolog.Logger

	// Now is the Tier 1 clock. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.MemoryTTL <= 0 {
		o.MemoryTTL = DefaultMemoryTTL
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.SweepThreshold <= 0 {
		o.SweepThreshold = DefaultSweepThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Option customizes a single facade call.
type Option func(*callOptions)

type callOptions struct {
	namespace string
	ttl       time.Duration
}

// WithNamespace places the key in namespace ns.
func WithNamespace(ns string) Option {
	return func(o *callOptions) {
		o.namespace = ns
	}
}

// WithTTL overrides the Tier 2 lifetime for one write.
func WithTTL(ttl time.Duration) Option {
	return func(o *callOptions) {
		o.ttl = ttl
	}
}

func resolve(opts []Option) callOptions {
	co := callOptions{}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// Stats reports the facade state.
type Stats struct {
	Connected  bool   `json:"connected"`
	State      string `json:"state"`
	MemoryKeys int    `json:"memory_keys"`
	// SharedKeys is -1 when Tier 2 could not be counted.
	SharedKeys int64 `json:"shared_keys"`
}

// Facade is the two-tier cache. Create one per process and share it.
type Facade struct {
	store  store.Store
	opts   Options
	mem    *memoryTier
	logger zerolog.Logger
	group  singleflight.Group
}

// New creates a facade over s.
func New(s store.Store, opts Options) *Facade {
	if s == nil {
		panic("store cannot be nil")
	}
	opts = opts.withDefaults()
	return &Facade{
		store:  s,
		opts:   opts,
		mem:    newMemoryTier(opts.MemoryTTL, opts.SweepThreshold, opts.Now),
		logger: opts.Logger.With().Str("component", "tiered").Logger(),
	}
}

// Connect connects Tier 2. It is idempotent. A failure leaves the facade
// usable on Tier 1 while the store reconnects in the background.
func (f *Facade) Connect(ctx context.Context) error {
	if err := f.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect shared tier: %w", err)
	}
	f.logger.Info().Str("prefix", f.opts.Prefix).Msg("Shared tier connected")
	return nil
}

// Disconnect flushes Tier 1 and closes Tier 2.
func (f *Facade) Disconnect(ctx context.Context) error {
	f.mem.flush()
	if err := f.store.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect shared tier: %w", err)
	}
	return nil
}

// Connected reports whether Tier 2 is in use.
func (f *Facade) Connected() bool {
	return f.store.Connected()
}

// Prefix returns the key prefix.
func (f *Facade) Prefix() string {
	return f.opts.Prefix
}

func (f *Facade) key(raw string, co callOptions) (string, error) {
	k, err := keys.New(f.opts.Prefix, co.namespace, raw)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

func (f *Facade) ttl(co callOptions) time.Duration {
	if co.ttl > 0 {
		return co.ttl
	}
	if ttl, ok := f.opts.NamespaceTTLs[co.namespace]; ok && ttl > 0 {
		return ttl
	}
	return f.opts.DefaultTTL
}

func (f *Facade) sharedFailed(op, key string, err error) {
	SharedErrors.WithLabelValues(op).Inc()
	if store.IsUnavailable(err) {
		f.logger.Debug().Err(err).Str("op", op).Str("key", key).Msg("Shared tier unavailable")
		return
	}
	f.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("Shared tier operation failed")
}

// Get returns the value for key, checking Tier 1 then Tier 2. A Tier 2 hit
// repopulates Tier 1. Any Tier 2 failure is reported as ErrMiss.
func (f *Facade) Get(ctx context.Context, key string, opts ...Option) ([]byte, error) {
	full, err := f.key(key, resolve(opts))
	if err != nil {
		return nil, err
	}
	return f.get(ctx, full)
}

func (f *Facade) get(ctx context.Context, full string) ([]byte, error) {
	if v, ok := f.mem.get(full); ok {
		TierHits.WithLabelValues("memory").Inc()
		return v, nil
	}

	if !f.store.Connected() {
		TierMisses.Inc()
		return nil, ErrMiss
	}

	s, err := f.store.Get(ctx, full)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			f.sharedFailed("get", full, err)
		}
		TierMisses.Inc()
		return nil, ErrMiss
	}

	v := []byte(s)
	f.mem.set(full, v, 0)
	TierHits.WithLabelValues("shared").Inc()
	return v, nil
}

// Set stores value in Tier 1 and, best effort, in Tier 2.
func (f *Facade) Set(ctx context.Context, key string, value []byte, opts ...Option) error {
	co := resolve(opts)
	full, err := f.key(key, co)
	if err != nil {
		return err
	}
	f.set(ctx, full, value, f.ttl(co))
	return nil
}

func (f *Facade) set(ctx context.Context, full string, value []byte, ttl time.Duration) {
	f.mem.set(full, value, ttl)

	if !f.store.Connected() {
		return
	}
	if err := f.store.SetWithExpiry(ctx, full, string(value), ttl); err != nil {
		f.sharedFailed("set", full, err)
	}
}

// Delete removes key from both tiers.
func (f *Facade) Delete(ctx context.Context, key string, opts ...Option) error {
	full, err := f.key(key, resolve(opts))
	if err != nil {
		return err
	}

	f.mem.delete(full)
	if !f.store.Connected() {
		return nil
	}
	if err := f.store.Delete(ctx, full); err != nil {
		f.sharedFailed("delete", full, err)
	}
	return nil
}

// DelPattern removes every key matching pattern, where '*' is the only
// wildcard and the pattern is relative to the namespace. It returns the
// number of keys deleted from Tier 2, or from Tier 1 when Tier 2 is down.
//
// Tier 2 deletion is a scan followed by a bulk delete and is not atomic:
// a key written during the scan may survive until its TTL runs out.
func (f *Facade) DelPattern(ctx context.Context, pattern string, opts ...Option) (int, error) {
	co := resolve(opts)
	if err := keys.ValidateNamespace(co.namespace); err != nil {
		return 0, err
	}
	p := keys.Compile(keys.NamespaceRoot(f.opts.Prefix, co.namespace) + keys.Delimiter + pattern)
	return f.delPattern(ctx, p), nil
}

// DelCompiled removes every key matching p, which is relative to the
// facade prefix. It is the entry point for resolved invalidations.
func (f *Facade) DelCompiled(ctx context.Context, p keys.Pattern) int {
	return f.delPattern(ctx, p.WithPrefix(f.opts.Prefix))
}

func (f *Facade) delPattern(ctx context.Context, p keys.Pattern) int {
	local := f.mem.deletePattern(p)

	if !f.store.Connected() {
		return local
	}

	var batch []string
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f.store.Delete(ctx, batch...); err != nil {
			return err
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	err := f.store.Scan(ctx, p.Glob(), func(k string) error {
		batch = append(batch, k)
		if len(batch) >= 500 {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		f.sharedFailed("scan", p.String(), err)
	}

	f.logger.Debug().Str("pattern", p.String()).Int("deleted", deleted).Msg("Pattern invalidated")
	return deleted
}

// Wrap returns the cached value for key or calls fn, caches its result and
// returns it. Concurrent misses in this process share one fn call. Errors
// from fn are returned and nothing is cached.
func (f *Facade) Wrap(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error), opts ...Option) ([]byte, error) {
	co := resolve(opts)
	full, err := f.key(key, co)
	if err != nil {
		return nil, err
	}

	if v, err := f.get(ctx, full); err == nil {
		return v, nil
	}

	res, err, _ := f.group.Do(full, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		f.set(ctx, full, v, f.ttl(co))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// MGet returns one entry per key, nil for misses. Tier 1 is consulted
// first and the remainder fetched from Tier 2 in one round trip.
func (f *Facade) MGet(ctx context.Context, rawKeys []string, opts ...Option) ([][]byte, error) {
	co := resolve(opts)
	out := make([][]byte, len(rawKeys))

	var missing []string
	var missingIdx []int
	for i, raw := range rawKeys {
		full, err := f.key(raw, co)
		if err != nil {
			return nil, err
		}
		if v, ok := f.mem.get(full); ok {
			TierHits.WithLabelValues("memory").Inc()
			out[i] = v
			continue
		}
		missing = append(missing, full)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 || !f.store.Connected() {
		return out, nil
	}

	vals, err := f.store.MGet(ctx, missing...)
	if err != nil {
		f.sharedFailed("mget", "", err)
		return out, nil
	}
	for j, v := range vals {
		if v == nil {
			continue
		}
		b := []byte(*v)
		f.mem.set(missing[j], b, 0)
		TierHits.WithLabelValues("shared").Inc()
		out[missingIdx[j]] = b
	}
	return out, nil
}

// MSet stores all entries with the same lifetime.
func (f *Facade) MSet(ctx context.Context, entries map[string][]byte, opts ...Option) error {
	co := resolve(opts)
	ttl := f.ttl(co)

	shared := make(map[string]string, len(entries))
	for raw, v := range entries {
		full, err := f.key(raw, co)
		if err != nil {
			return err
		}
		f.mem.set(full, v, ttl)
		shared[full] = string(v)
	}

	if len(shared) == 0 || !f.store.Connected() {
		return nil
	}
	if err := f.store.MSetWithExpiry(ctx, shared, ttl); err != nil {
		f.sharedFailed("mset", "", err)
	}
	return nil
}

// Increment atomically adds by to the counter at key in Tier 2. It returns
// 0 when Tier 2 is unavailable. With WithTTL a counter without a lifetime
// gets one; an existing lifetime is never extended.
func (f *Facade) Increment(ctx context.Context, key string, by int64, opts ...Option) (int64, error) {
	co := resolve(opts)
	full, err := f.key(key, co)
	if err != nil {
		return 0, err
	}
	f.mem.delete(full)
	if !f.store.Connected() {
		return 0, nil
	}

	n, err := f.store.IncrBy(ctx, full, by)
	if err != nil {
		f.sharedFailed("incr", full, err)
		return 0, nil
	}
	if co.ttl > 0 {
		if _, err := f.store.ExpireNX(ctx, full, co.ttl); err != nil {
			f.sharedFailed("expire", full, err)
		}
	}
	return n, nil
}

// Stats reports the connection state and key counts.
func (f *Facade) Stats(ctx context.Context) Stats {
	st := f.store.Status()
	s := Stats{
		Connected:  st.Connected(),
		State:      st.State.String(),
		MemoryKeys: f.mem.len(),
		SharedKeys: -1,
	}
	if !s.Connected {
		return s
	}

	n, err := f.store.CountKeys(ctx, keys.Compile("*").WithPrefix(f.opts.Prefix).Glob())
	if err != nil {
		f.sharedFailed("scan", "", err)
		return s
	}
	s.SharedKeys = n
	return s
}
