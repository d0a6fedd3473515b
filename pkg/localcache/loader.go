package localcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Factory produces the value for a missing or stale key.
type Factory[V any] func(ctx context.Context) (V, error)

// Status reports how GetStaleWhileRevalidate satisfied a read.
type Status int

const (
	// StatusMiss means the factory ran in the caller's goroutine.
	StatusMiss Status = iota

	// StatusHit means a fresh entry was returned.
	StatusHit

	// StatusStale means an expired entry was returned and a refresh was
	// scheduled in the background.
	StatusStale
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusStale:
		return "stale"
	default:
		return "miss"
	}
}

// GetOrSet returns the cached value for key or calls factory, stores its
// result and returns it. Concurrent misses for the same key share a single
// factory call. Factory errors are returned and nothing is cached.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, factory Factory[V], opts ...SetOption) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	return c.load(ctx, key, factory, opts)
}

// GetStaleWhileRevalidate returns any entry for key, expired or not. For an
// expired entry a background refresh is scheduled; refresh errors are logged
// and the stale value stays in place. Absent keys behave like GetOrSet.
func (c *Cache[V]) GetStaleWhileRevalidate(ctx context.Context, key string, factory Factory[V], opts ...SetOption) (V, Status, error) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok {
		stale := c.expired(e)
		c.hits++
		if stale {
			c.staleHits++
			c.m.staleHits.Inc()
		} else {
			c.m.freshHits.Inc()
		}
		c.mu.Unlock()

		if !stale {
			return e.value, StatusHit, nil
		}
		c.revalidate(key, factory, opts)
		return e.value, StatusStale, nil
	}
	c.misses++
	c.m.misses.Inc()
	c.mu.Unlock()

	v, err := c.load(ctx, key, factory, opts)
	return v, StatusMiss, err
}

// Revalidating reports whether a background refresh for key is in flight.
func (c *Cache[V]) Revalidating(key string) bool {
	return c.reval.inFlight(key)
}

func (c *Cache[V]) load(ctx context.Context, key string, factory Factory[V], opts []SetOption) (V, error) {
	res, err, _ := c.group.Do(key, func() (any, error) {
		// A flight that finished just before this one started already stored it.
		if v, ok := c.peekFresh(key); ok {
			return v, nil
		}
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, opts...)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (c *Cache[V]) peekFresh(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) revalidate(key string, factory Factory[V], opts []SetOption) {
	started := c.reval.trigger(key, func(ctx context.Context) error {
		v, err := factory(ctx)
		if err != nil {
			return err
		}
		c.Set(key, v, opts...)
		return nil
	}, func(err error) {
		if err != nil {
			c.m.revalError.Inc()
			return
		}
		c.m.revalOK.Inc()
	})
	if !started {
		c.m.revalSkipped.Inc()
	}
}

// revalidator runs background refreshes with bounded concurrency and at most
// one refresh per key at a time.
type revalidator struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

func newRevalidator(concurrency int64, timeout time.Duration, logger zerolog.Logger) *revalidator {
	ctx, cancel := context.WithCancel(context.Background())
	return &revalidator{
		sem:      semaphore.NewWeighted(concurrency),
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// trigger starts fn for key unless a refresh for key is already running, the
// pool is saturated or the revalidator is closed. done receives fn's result.
func (r *revalidator) trigger(key string, fn func(ctx context.Context) error, done func(error)) bool {
	r.mu.Lock()
	if _, busy := r.inflight[key]; busy || r.closed {
		r.mu.Unlock()
		return false
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		r.logger.Debug().Str("key", key).Msg("Revalidation pool saturated, serving stale")
		return false
	}
	r.inflight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("revalidation panic: %v", p)
			}
			if err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("Background revalidation failed, keeping stale value")
			}
			done(err)

			r.sem.Release(1)
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
			r.wg.Done()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		err = fn(ctx)
	}()
	return true
}

func (r *revalidator) inFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[key]
	return ok
}

func (r *revalidator) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
