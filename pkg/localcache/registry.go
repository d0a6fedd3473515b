package localcache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Purpose names a preset cache instance. Separate instances keep eviction
// pressure in one purpose from starving another.
type Purpose string

const (
	PurposeGeneral   Purpose = "general"
	PurposeAgents    Purpose = "agents"
	PurposeCalls     Purpose = "calls"
	PurposeAnalytics Purpose = "analytics"
	PurposeStatic    Purpose = "static"
	PurposeUser      Purpose = "user"
)

// Presets holds the default bounds per purpose.
var Presets = map[Purpose]Options{
	PurposeGeneral:   {MaxEntries: 5000, MaxBytes: 100 << 20, DefaultTTL: 5 * time.Minute},
	PurposeAgents:    {MaxEntries: 1000, MaxBytes: 20 << 20, DefaultTTL: 10 * time.Minute},
	PurposeCalls:     {MaxEntries: 5000, MaxBytes: 50 << 20, DefaultTTL: 2 * time.Minute},
	PurposeAnalytics: {MaxEntries: 500, MaxBytes: 50 << 20, DefaultTTL: 15 * time.Minute},
	PurposeStatic:    {MaxEntries: 1000, MaxBytes: 20 << 20, DefaultTTL: time.Hour},
	PurposeUser:      {MaxEntries: 10000, MaxBytes: 20 << 20, DefaultTTL: 5 * time.Minute},
}

// NewNamed creates a cache with the preset bounds of purpose. tune may
// adjust the options before construction.
func NewNamed[V any](purpose Purpose, logger zerolog.Logger, tune func(*Options)) (*Cache[V], error) {
	opts, ok := Presets[purpose]
	if !ok {
		return nil, fmt.Errorf("unknown cache purpose %q", purpose)
	}
	opts.Name = string(purpose)
	opts.Logger = logger
	if tune != nil {
		tune(&opts)
	}
	return New[V](opts), nil
}

// StatsProvider is implemented by every Cache regardless of value type.
type StatsProvider interface {
	Name() string
	Stats() Stats
	Clear()
}

// Registry tracks named cache instances for reporting and bulk clearing.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]StatsProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]StatsProvider)}
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p StatsProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caches[p.Name()]; exists {
		return fmt.Errorf("cache %q already registered", p.Name())
	}
	r.caches[p.Name()] = p
	return nil
}

// Snapshot returns the stats of every registered cache ordered by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.caches))
	for _, p := range r.caches {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClearAll clears every registered cache.
func (r *Registry) ClearAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.caches {
		p.Clear()
	}
}
