package httpcache

import (
	"context"
	"time"

	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/Sternrassler/voxcache/pkg/localcache"
	"github.com/Sternrassler/voxcache/pkg/tiered"
)

// Backend stores cached responses. Implementations swallow their own
// failures: Get reports a miss, Set may return an error that is only logged.
type Backend interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, r *Response, ttl time.Duration) error
	Invalidate(ctx context.Context, p keys.Pattern) int
}

// StaleBackend is a Backend able to serve expired responses while a
// refresh runs in the background.
type StaleBackend interface {
	Backend
	GetStaleWhileRevalidate(ctx context.Context, key string, ttl time.Duration, load localcache.Factory[*Response]) (*Response, localcache.Status, error)
}

// LocalBackend keeps responses in a process-local cache.
type LocalBackend struct {
	cache *localcache.Cache[*Response]
}

var _ StaleBackend = (*LocalBackend)(nil)

// NewLocalBackend wraps c.
func NewLocalBackend(c *localcache.Cache[*Response]) *LocalBackend {
	return &LocalBackend{cache: c}
}

// Get implements Backend.
func (b *LocalBackend) Get(_ context.Context, key string) (*Response, bool) {
	return b.cache.Get(key)
}

// Set implements Backend.
func (b *LocalBackend) Set(_ context.Context, key string, r *Response, ttl time.Duration) error {
	b.cache.Set(key, r, localcache.WithTTL(ttl))
	return nil
}

// Invalidate implements Backend.
func (b *LocalBackend) Invalidate(_ context.Context, p keys.Pattern) int {
	return b.cache.Invalidate(p.String())
}

// GetStaleWhileRevalidate implements StaleBackend.
func (b *LocalBackend) GetStaleWhileRevalidate(ctx context.Context, key string, ttl time.Duration, load localcache.Factory[*Response]) (*Response, localcache.Status, error) {
	return b.cache.GetStaleWhileRevalidate(ctx, key, load, localcache.WithTTL(ttl))
}

// SharedNamespace is the facade namespace holding cached responses.
const SharedNamespace = "http"

// SharedBackend keeps responses in the two-tier facade so every process
// serves the same cached payload.
type SharedBackend struct {
	f     *tiered.Facade
	typed *tiered.Typed[*Response]
}

var _ Backend = (*SharedBackend)(nil)

// NewSharedBackend wraps f.
func NewSharedBackend(f *tiered.Facade) *SharedBackend {
	return &SharedBackend{f: f, typed: tiered.NewTyped[*Response](f, SharedNamespace)}
}

// Get implements Backend.
func (b *SharedBackend) Get(ctx context.Context, key string) (*Response, bool) {
	r, err := b.typed.Get(ctx, key)
	if err != nil || r == nil {
		return nil, false
	}
	return r, true
}

// Set implements Backend.
func (b *SharedBackend) Set(ctx context.Context, key string, r *Response, ttl time.Duration) error {
	return b.typed.Set(ctx, key, r, tiered.WithTTL(ttl))
}

// Invalidate implements Backend.
func (b *SharedBackend) Invalidate(ctx context.Context, p keys.Pattern) int {
	return b.f.DelCompiled(ctx, p.WithPrefix(SharedNamespace))
}
