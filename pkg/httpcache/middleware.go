// Package httpcache provides HTTP middleware that caches successful GET
// responses per tenant and user and invalidates them on writes.
//
// Keys are derived from the request identity (see WithIdentity), the path
// and the sorted query string, so tenant and user isolation is part of the
// key itself. A request whose route needs an identity that is not present
// fails with 500 instead of falling back to a shared key.
//
// Every cached route carries X-Cache (HIT, MISS or HIT-STALE), X-Cache-TTL
// and a Cache-Control header reflecting the route TTL.
//
// # Basic Usage
//
//	rc := httpcache.New(httpcache.NewLocalBackend(responses), httpcache.Options{Logger: logger})
//
//	r.With(rc.Route(httpcache.RouteConfig{
//		Resource: "agents",
//		TTL:      5 * time.Minute,
//	})).Get("/api/agents", listAgents)
//
//	r.With(rc.Route(httpcache.RouteConfig{
//		Resource:    "agents",
//		Invalidates: []keys.Invalidation{{Resource: "agents", Scope: keys.ScopeTenant}},
//	})).Post("/api/agents", createAgent)
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/Sternrassler/voxcache/pkg/localcache"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	// HeaderCache carries HIT, MISS or HIT-STALE.
	HeaderCache = "X-Cache"

	// HeaderCacheTTL carries the route TTL in seconds.
	HeaderCacheTTL = "X-Cache-TTL"

	ResultHit   = "HIT"
	ResultMiss  = "MISS"
	ResultStale = "HIT-STALE"

	// ResultBypass marks responses the cache did not read or store.
	ResultBypass = "BYPASS"
)

// Options configures the middleware.
type Options struct {
	// DefaultTTL applies to routes without a TTL.
	DefaultTTL time.Duration

	// StaleThreshold is the TTL above which routes on a StaleBackend serve
	// stale responses while revalidating.
	StaleThreshold time.Duration

	// WriteTimeout bounds the background store of a response.
	WriteTimeout time.Duration

	// MaxBodyBytes is the largest body that is cached.
	MaxBodyBytes int64

	Logger zerolog.Logger

	Now func() time.Time
}

// DefaultOptions returns the default middleware options.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:     5 * time.Minute,
		StaleThreshold: 60 * time.Second,
		WriteTimeout:   2 * time.Second,
		MaxBodyBytes:   1 << 20,
		Now:            time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = d.DefaultTTL
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = d.StaleThreshold
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = d.MaxBodyBytes
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// KeyFunc derives the cache key of a request. Returning an error wrapping
// keys.ErrMissingIdentity fails the request with 500; any other error
// serves the request uncached.
type KeyFunc func(r *http.Request, id keys.Identity) (string, error)

// RouteConfig describes caching for one route.
type RouteConfig struct {
	// Resource is the first key segment, e.g. "agents".
	Resource string

	// Scope of the default key. ScopeTenant keys also include the user when
	// one is present.
	Scope keys.Scope

	// TTL of cached responses.
	TTL time.Duration

	// Condition may exclude a GET from caching. Nil caches every GET.
	Condition func(r *http.Request) bool

	// KeyFunc overrides the default key derivation.
	KeyFunc KeyFunc

	// Invalidates lists what a successful mutation on this route drops.
	Invalidates []keys.Invalidation

	// DisableStale turns off stale-while-revalidate for this route.
	DisableStale bool
}

// Cache is the response cache middleware factory.
type Cache struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
	pending sync.WaitGroup
}

// New creates the middleware factory over backend.
func New(backend Backend, opts Options) *Cache {
	if backend == nil {
		panic("backend cannot be nil")
	}
	opts = opts.withDefaults()
	return &Cache{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "httpcache").Logger(),
	}
}

// Wait blocks until background response stores have finished.
func (c *Cache) Wait() {
	c.pending.Wait()
}

type route struct {
	RouteConfig
	keyFn  KeyFunc
	logger zerolog.Logger
	stale  StaleBackend
}

// Route returns the middleware for one route. It panics on an invalid
// resource name.
func (c *Cache) Route(cfg RouteConfig) func(http.Handler) http.Handler {
	if cfg.Resource == "" || keys.ValidateNamespace(cfg.Resource) != nil {
		panic(fmt.Sprintf("httpcache: invalid resource %q", cfg.Resource))
	}
	if cfg.TTL <= 0 {
		cfg.TTL = c.opts.DefaultTTL
	}

	rt := &route{
		RouteConfig: cfg,
		keyFn:       cfg.KeyFunc,
		logger:      c.logger.With().Str("resource", cfg.Resource).Logger(),
	}
	if rt.keyFn == nil {
		rt.keyFn = defaultKey(cfg)
	}
	if sb, ok := c.backend.(StaleBackend); ok && !cfg.DisableStale && cfg.TTL > c.opts.StaleThreshold {
		rt.stale = sb
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.serve(w, r, next, rt)
		})
	}
}

func (c *Cache) serve(w http.ResponseWriter, r *http.Request, next http.Handler, rt *route) {
	if isMutation(r.Method) {
		annotate(w.Header(), ResultBypass, rt.TTL, false)
		c.serveMutation(w, r, next, rt)
		return
	}
	if r.Method != http.MethodGet || (rt.Condition != nil && !rt.Condition(r)) {
		Requests.WithLabelValues(rt.Resource, "bypass").Inc()
		annotate(w.Header(), ResultBypass, rt.TTL, false)
		next.ServeHTTP(w, r)
		return
	}

	key, err := rt.keyFn(r, IdentityFrom(r.Context()))
	if err != nil {
		if errors.Is(err, keys.ErrMissingIdentity) {
			Requests.WithLabelValues(rt.Resource, "error").Inc()
			rt.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Cache key requires an identity that is not set")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		Requests.WithLabelValues(rt.Resource, "bypass").Inc()
		rt.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Cannot derive cache key, serving uncached")
		annotate(w.Header(), ResultBypass, rt.TTL, false)
		next.ServeHTTP(w, r)
		return
	}

	if rt.stale != nil {
		c.serveStale(w, r, next, rt, key)
		return
	}

	if resp, ok := c.backend.Get(r.Context(), key); ok {
		rt.logger.Debug().Str("key", key).Msg("Response cache hit")
		c.writeCached(w, r, resp, rt, ResultHit)
		return
	}

	cw := newPassthrough(w, c.opts.MaxBodyBytes)
	cw.beforeHeader = func(status int, h http.Header) {
		annotate(h, ResultMiss, rt.TTL, isSuccess(status))
	}
	next.ServeHTTP(cw, r)
	if cw.status == 0 {
		cw.WriteHeader(http.StatusOK)
	}
	Requests.WithLabelValues(rt.Resource, "miss").Inc()

	if !cw.cacheable() {
		if cw.overflow {
			rt.logger.Debug().Str("key", key).Int64("limit", c.opts.MaxBodyBytes).Msg("Response too large to cache")
		}
		return
	}
	c.store(r.Context(), key, newResponse(cw.statusCode(), cw.header, cw.body.Bytes(), c.opts.Now()), rt)
}

// uncacheableError carries a non-cacheable handler result out of a loader
// so the caller can still send it.
type uncacheableError struct {
	resp   *Response
	header http.Header
}

func (e *uncacheableError) Error() string {
	return fmt.Sprintf("response with status %d is not cacheable", e.resp.StatusCode)
}

func (c *Cache) serveStale(w http.ResponseWriter, r *http.Request, next http.Handler, rt *route, key string) {
	// own is set when this request's loader ran, so its full header set can
	// be replayed rather than the stored subset.
	var own http.Header

	// The loader may run after this request has returned.
	snap := snapshot(r)

	load := func(fctx context.Context) (*Response, error) {
		ctx, cancel := detach(snap.Context(), fctx)
		defer cancel()

		cw := newBuffered(c.opts.MaxBodyBytes)
		next.ServeHTTP(cw, snap.Clone(ctx))

		resp := newResponse(cw.statusCode(), cw.header, cw.body.Bytes(), c.opts.Now())
		if !cw.cacheable() {
			return nil, &uncacheableError{resp: resp, header: cw.header}
		}
		own = cw.header
		return resp, nil
	}

	resp, status, err := rt.stale.GetStaleWhileRevalidate(r.Context(), key, rt.TTL, load)
	if err != nil {
		var ue *uncacheableError
		if !errors.As(err, &ue) {
			Requests.WithLabelValues(rt.Resource, "error").Inc()
			rt.logger.Error().Err(err).Str("key", key).Msg("Response loader failed")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		Requests.WithLabelValues(rt.Resource, "miss").Inc()
		copyHeader(w.Header(), ue.header)
		annotate(w.Header(), ResultMiss, rt.TTL, false)
		w.WriteHeader(ue.resp.StatusCode)
		w.Write(ue.resp.Body)
		return
	}

	switch status {
	case localcache.StatusHit:
		c.writeCached(w, r, resp, rt, ResultHit)
	case localcache.StatusStale:
		c.writeCached(w, r, resp, rt, ResultStale)
	default:
		Requests.WithLabelValues(rt.Resource, "miss").Inc()
		if own != nil {
			copyHeader(w.Header(), own)
		} else {
			copyHeader(w.Header(), resp.Headers)
		}
		annotate(w.Header(), ResultMiss, rt.TTL, true)
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

func (c *Cache) writeCached(w http.ResponseWriter, r *http.Request, resp *Response, rt *route, result string) {
	h := w.Header()
	copyHeader(h, resp.Headers)
	annotate(h, result, rt.TTL, true)
	h.Set("Age", strconv.Itoa(int(resp.Age(c.opts.Now()).Seconds())))

	if resp.NotModified(r) {
		Requests.WithLabelValues(rt.Resource, "not_modified").Inc()
		h.Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if result == ResultStale {
		Requests.WithLabelValues(rt.Resource, "stale").Inc()
	} else {
		Requests.WithLabelValues(rt.Resource, "hit").Inc()
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// store writes resp in the background; the response never waits for it.
func (c *Cache) store(parent context.Context, key string, resp *Response, rt *route) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.WriteTimeout)
		defer cancel()

		if err := c.backend.Set(ctx, key, resp, rt.TTL); err != nil {
			StoreFailures.WithLabelValues(rt.Resource).Inc()
			rt.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		}
	}()
}

func (c *Cache) serveMutation(w http.ResponseWriter, r *http.Request, next http.Handler, rt *route) {
	id := IdentityFrom(r.Context())
	patterns := make([]keys.Pattern, 0, len(rt.Invalidates))
	for _, inv := range rt.Invalidates {
		p, err := inv.Resolve(id)
		if err != nil {
			Requests.WithLabelValues(rt.Resource, "error").Inc()
			rt.logger.Error().
				Err(err).
				Str("invalidates", inv.Resource).
				Str("scope", inv.Scope.String()).
				Msg("Cannot resolve invalidation")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		patterns = append(patterns, p)
	}

	c.invalidate(r.Context(), patterns, rt)

	cw := newPassthrough(w, -1)
	next.ServeHTTP(cw, r)

	// A reader may have cached the old state while the handler ran.
	if isSuccess(cw.statusCode()) {
		c.invalidate(context.WithoutCancel(r.Context()), patterns, rt)
	}
}

func (c *Cache) invalidate(ctx context.Context, patterns []keys.Pattern, rt *route) {
	for _, p := range patterns {
		n := c.backend.Invalidate(ctx, p)
		Invalidations.WithLabelValues(rt.Resource).Inc()
		rt.logger.Debug().Str("pattern", p.String()).Int("removed", n).Msg("Invalidated cached responses")
	}
}

func defaultKey(cfg RouteConfig) KeyFunc {
	return func(r *http.Request, id keys.Identity) (string, error) {
		scope := cfg.Scope
		if scope == keys.ScopeTenant && id.UserID != "" {
			scope = keys.ScopeUser
		}
		return keys.ResourceKey(cfg.Resource, scope, id, requestSuffix(r))
	}
}

// requestSuffix is the escaped path plus the query sorted by key. '*' is
// escaped so that it cannot act as a wildcard in invalidation patterns.
func requestSuffix(r *http.Request) string {
	path := strings.ReplaceAll(r.URL.EscapedPath(), "*", "%2A")
	if q := r.URL.Query(); len(q) > 0 {
		return path + "?" + q.Encode()
	}
	return path
}

func annotate(h http.Header, result string, ttl time.Duration, cacheable bool) {
	secs := int(ttl / time.Second)
	h.Set(HeaderCache, result)
	h.Set(HeaderCacheTTL, strconv.Itoa(secs))
	if cacheable {
		h.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", secs))
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// snapshot copies r for a handler run that may outlive it. chi pools its
// route context and resets it when the request ends, so the copy carries its
// own.
func snapshot(r *http.Request) *http.Request {
	ctx := r.Context()
	if rctx := chi.RouteContext(ctx); rctx != nil {
		ctx = context.WithValue(ctx, chi.RouteCtxKey, cloneRouteContext(rctx))
	}
	s := r.Clone(ctx)
	s.Body = http.NoBody
	s.ContentLength = 0
	return s
}

func cloneRouteContext(src *chi.Context) *chi.Context {
	dst := chi.NewRouteContext()
	dst.Routes = src.Routes
	dst.RoutePath = src.RoutePath
	dst.RouteMethod = src.RouteMethod
	dst.URLParams.Keys = append(dst.URLParams.Keys, src.URLParams.Keys...)
	dst.URLParams.Values = append(dst.URLParams.Values, src.URLParams.Values...)
	dst.RoutePatterns = append(dst.RoutePatterns, src.RoutePatterns...)
	return dst
}

// detach returns a context carrying the values of parent that is cancelled
// only when bound is done.
func detach(parent, bound context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(bound, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
