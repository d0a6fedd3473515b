package httpcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/voxcache/internal/testutil"
	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/Sternrassler/voxcache/pkg/localcache"
	"github.com/Sternrassler/voxcache/pkg/tiered"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
)

// agentsAPI is a tiny in-memory agents service.
type agentsAPI struct {
	mu     sync.Mutex
	agents map[string][]string
	reads  atomic.Int32
}

func newAgentsAPI() *agentsAPI {
	return &agentsAPI{agents: map[string][]string{}}
}

func (a *agentsAPI) list(w http.ResponseWriter, r *http.Request) {
	a.reads.Add(1)
	id := IdentityFrom(r.Context())

	a.mu.Lock()
	list := append([]string{}, a.agents[id.TenantID]...)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, len(list)))
	json.NewEncoder(w).Encode(list)
}

func (a *agentsAPI) create(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())

	a.mu.Lock()
	a.agents[id.TenantID] = append(a.agents[id.TenantID], fmt.Sprintf("agent-%d", len(a.agents[id.TenantID])+1))
	a.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLocalBackend(t *testing.T, clk *clock) (*LocalBackend, *localcache.Cache[*Response]) {
	t.Helper()
	opts := localcache.Options{Name: "http-" + t.Name(), Logger: zerolog.Nop()}
	if clk != nil {
		opts.Now = clk.Now
	}
	lc := localcache.New[*Response](opts)
	t.Cleanup(lc.Close)
	return NewLocalBackend(lc), lc
}

func newRouter(rc *Cache, api *agentsAPI, ttl time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(HeaderIdentity(tenantHeader, userHeader))

	r.With(rc.Route(RouteConfig{
		Resource: "agents",
		TTL:      ttl,
	})).Get("/api/agents", api.list)

	r.With(rc.Route(RouteConfig{
		Resource:    "agents",
		Invalidates: []keys.Invalidation{{Resource: "agents", Scope: keys.ScopeTenant}},
	})).Post("/api/agents", api.create)

	return r
}

func do(h http.Handler, method, target, tenant, user string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoute_MissHitInvalidate(t *testing.T) {
	backends := map[string]func(t *testing.T) Backend{
		"local": func(t *testing.T) Backend {
			b, _ := newLocalBackend(t, nil)
			return b
		},
		"shared": func(t *testing.T) Backend {
			st := testutil.NewMemStore()
			f := tiered.New(st, tiered.Options{Prefix: "test", Logger: zerolog.Nop()})
			require.NoError(t, f.Connect(context.Background()))
			return NewSharedBackend(f)
		},
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			api := newAgentsAPI()
			rc := New(mk(t), Options{Logger: zerolog.Nop()})
			h := newRouter(rc, api, 30*time.Second)

			first := do(h, http.MethodGet, "/api/agents", "org_1", "u1")
			require.Equal(t, http.StatusOK, first.Code)
			assert.Equal(t, ResultMiss, first.Header().Get(HeaderCache))
			assert.Equal(t, "30", first.Header().Get(HeaderCacheTTL))
			assert.Equal(t, "private, max-age=30", first.Header().Get("Cache-Control"))
			rc.Wait()

			second := do(h, http.MethodGet, "/api/agents", "org_1", "u1")
			assert.Equal(t, ResultHit, second.Header().Get(HeaderCache))
			assert.Equal(t, first.Body.String(), second.Body.String())
			assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
			assert.Equal(t, int32(1), api.reads.Load())

			post := do(h, http.MethodPost, "/api/agents", "org_1", "u1")
			require.Equal(t, http.StatusCreated, post.Code)
			assert.Equal(t, ResultBypass, post.Header().Get(HeaderCache))

			third := do(h, http.MethodGet, "/api/agents", "org_1", "u1")
			assert.Equal(t, ResultMiss, third.Header().Get(HeaderCache))
			assert.JSONEq(t, `["agent-1"]`, third.Body.String())
		})
	}
}

func TestRoute_TenantIsolation(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	api := newAgentsAPI()
	rc := New(b, Options{Logger: zerolog.Nop()})
	h := newRouter(rc, api, 30*time.Second)

	do(h, http.MethodPost, "/api/agents", "org_1", "u1")
	do(h, http.MethodGet, "/api/agents", "org_1", "u1")
	rc.Wait()

	other := do(h, http.MethodGet, "/api/agents", "org_2", "u1")
	assert.Equal(t, ResultMiss, other.Header().Get(HeaderCache))
	assert.JSONEq(t, `[]`, other.Body.String())

	otherUser := do(h, http.MethodGet, "/api/agents", "org_1", "u2")
	assert.Equal(t, ResultMiss, otherUser.Header().Get(HeaderCache))
}

func TestRoute_MissingIdentity(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	api := newAgentsAPI()
	rc := New(b, Options{Logger: zerolog.Nop()})
	h := newRouter(rc, api, 30*time.Second)

	get := do(h, http.MethodGet, "/api/agents", "", "")
	assert.Equal(t, http.StatusInternalServerError, get.Code)

	post := do(h, http.MethodPost, "/api/agents", "", "")
	assert.Equal(t, http.StatusInternalServerError, post.Code)

	assert.Equal(t, int32(0), api.reads.Load(), "handler must not run without identity")
	assert.Empty(t, api.agents)
}

func TestRoute_QueryOrderDoesNotMatter(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	rc := New(b, Options{Logger: zerolog.Nop()})
	h := newRouter(rc, newAgentsAPI(), 30*time.Second)

	do(h, http.MethodGet, "/api/agents?b=2&a=1", "org_1", "")
	rc.Wait()

	rec := do(h, http.MethodGet, "/api/agents?a=1&b=2", "org_1", "")
	assert.Equal(t, ResultHit, rec.Header().Get(HeaderCache))

	rec = do(h, http.MethodGet, "/api/agents?a=1", "org_1", "")
	assert.Equal(t, ResultMiss, rec.Header().Get(HeaderCache))
}

func TestRoute_ConditionSkipsCache(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	rc := New(b, Options{Logger: zerolog.Nop()})

	var calls atomic.Int32
	h := HeaderIdentity(tenantHeader, userHeader)(rc.Route(RouteConfig{
		Resource:  "calls",
		TTL:       30 * time.Second,
		Condition: func(r *http.Request) bool { return r.URL.Query().Get("live") == "" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("ok"))
	})))

	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodGet, "/api/calls?live=1", "org_1", "")
		assert.Equal(t, ResultBypass, rec.Header().Get(HeaderCache))
		assert.Equal(t, "30", rec.Header().Get(HeaderCacheTTL))
		assert.Empty(t, rec.Header().Get("Cache-Control"))
		rc.Wait()
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestRoute_BypassHeaders(t *testing.T) {
	tests := []struct {
		name   string
		method string
		cfg    RouteConfig
	}{
		{name: "head", method: http.MethodHead},
		{name: "condition", method: http.MethodGet, cfg: RouteConfig{Condition: func(*http.Request) bool { return false }}},
		{name: "key error", method: http.MethodGet, cfg: RouteConfig{KeyFunc: func(*http.Request, keys.Identity) (string, error) {
			return "", keys.ErrInvalidKey
		}}},
		{name: "mutation", method: http.MethodDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, lc := newLocalBackend(t, nil)
			rc := New(b, Options{Logger: zerolog.Nop()})
			cfg := tt.cfg
			cfg.Resource = "calls"
			cfg.TTL = 45 * time.Second
			h := HeaderIdentity(tenantHeader, userHeader)(rc.Route(cfg)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				})))

			rec := do(h, tt.method, "/api/calls", "org_1", "")
			assert.Equal(t, ResultBypass, rec.Header().Get(HeaderCache))
			assert.Equal(t, "45", rec.Header().Get(HeaderCacheTTL))
			assert.Empty(t, rec.Header().Get("Cache-Control"))
			rc.Wait()
			assert.Equal(t, 0, lc.Stats().Size)
		})
	}
}

func TestRoute_NonSuccessNotCached(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	rc := New(b, Options{Logger: zerolog.Nop()})

	var calls atomic.Int32
	h := HeaderIdentity(tenantHeader, userHeader)(rc.Route(RouteConfig{Resource: "agents", TTL: 30 * time.Second})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.NotFound(w, r)
		})))

	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodGet, "/api/agents/missing", "org_1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, ResultMiss, rec.Header().Get(HeaderCache))
		assert.Empty(t, rec.Header().Get("Cache-Control"))
		rc.Wait()
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestRoute_OversizedBodyNotCached(t *testing.T) {
	b, lc := newLocalBackend(t, nil)
	rc := New(b, Options{Logger: zerolog.Nop(), MaxBodyBytes: 4})

	h := HeaderIdentity(tenantHeader, userHeader)(rc.Route(RouteConfig{Resource: "analytics", TTL: 30 * time.Second})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("a body longer than four bytes"))
		})))

	rec := do(h, http.MethodGet, "/api/analytics", "org_1", "")
	assert.Equal(t, "a body longer than four bytes", rec.Body.String())
	rc.Wait()
	assert.Equal(t, 0, lc.Stats().Size)
}

func TestRoute_ConditionalHit(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	rc := New(b, Options{Logger: zerolog.Nop()})
	h := newRouter(rc, newAgentsAPI(), 30*time.Second)

	do(h, http.MethodGet, "/api/agents", "org_1", "")
	rc.Wait()

	rec := do(h, http.MethodGet, "/api/agents", "org_1", "", "If-None-Match", `"0"`)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Equal(t, ResultHit, rec.Header().Get(HeaderCache))
	assert.Empty(t, rec.Body.String())
}

func TestRoute_StaleWhileRevalidate(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, lc := newLocalBackend(t, clk)
	api := newAgentsAPI()
	rc := New(b, Options{Logger: zerolog.Nop(), Now: clk.Now})
	h := newRouter(rc, api, 2*time.Minute)

	first := do(h, http.MethodGet, "/api/agents", "org_1", "u1")
	assert.Equal(t, ResultMiss, first.Header().Get(HeaderCache))
	assert.Equal(t, "120", first.Header().Get(HeaderCacheTTL))

	// Change the data behind the cache without invalidating.
	api.mu.Lock()
	api.agents["org_1"] = []string{"late"}
	api.mu.Unlock()

	clk.Advance(3 * time.Minute)

	stale := do(h, http.MethodGet, "/api/agents", "org_1", "u1")
	assert.Equal(t, ResultStale, stale.Header().Get(HeaderCache))
	assert.Equal(t, first.Body.String(), stale.Body.String())

	key := "agents:org_1:u1:/api/agents"
	require.Eventually(t, func() bool { return !lc.Revalidating(key) && api.reads.Load() == 2 }, 2*time.Second, time.Millisecond)

	fresh := do(h, http.MethodGet, "/api/agents", "org_1", "u1")
	assert.Equal(t, ResultHit, fresh.Header().Get(HeaderCache))
	assert.JSONEq(t, `["late"]`, fresh.Body.String())
}

func TestRoute_StaleRefreshKeepsRouteParams(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, lc := newLocalBackend(t, clk)
	rc := New(b, Options{Logger: zerolog.Nop(), Now: clk.Now})

	var gen atomic.Int32
	var hold atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})

	r := chi.NewRouter()
	r.Use(HeaderIdentity(tenantHeader, userHeader))
	r.With(rc.Route(RouteConfig{Resource: "agents", TTL: 2 * time.Minute})).Get("/api/agents/{id}",
		func(w http.ResponseWriter, r *http.Request) {
			if hold.CompareAndSwap(true, false) {
				close(entered)
				<-release
			}
			fmt.Fprintf(w, "%s:%d", chi.URLParam(r, "id"), gen.Load())
		})

	gen.Store(1)
	first := do(r, http.MethodGet, "/api/agents/a1", "org_1", "")
	require.Equal(t, "a1:1", first.Body.String())

	gen.Store(2)
	hold.Store(true)
	clk.Advance(3 * time.Minute)

	stale := do(r, http.MethodGet, "/api/agents/a1", "org_1", "")
	assert.Equal(t, ResultStale, stale.Header().Get(HeaderCache))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh did not start")
	}

	// Another request reuses the router's pooled state while the refresh waits.
	other := do(r, http.MethodGet, "/api/agents/b2", "org_1", "")
	require.Equal(t, "b2:2", other.Body.String())

	close(release)
	key := "agents:org_1:/api/agents/a1"
	require.Eventually(t, func() bool { return !lc.Revalidating(key) }, 2*time.Second, time.Millisecond)

	fresh := do(r, http.MethodGet, "/api/agents/a1", "org_1", "")
	assert.Equal(t, ResultHit, fresh.Header().Get(HeaderCache))
	assert.Equal(t, "a1:2", fresh.Body.String())
}

func TestRoute_StaleMissReplaysNonSuccess(t *testing.T) {
	b, lc := newLocalBackend(t, nil)
	rc := New(b, Options{Logger: zerolog.Nop()})

	h := HeaderIdentity(tenantHeader, userHeader)(rc.Route(RouteConfig{Resource: "static", TTL: time.Hour})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Trace", "t1")
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("no"))
		})))

	rec := do(h, http.MethodGet, "/static/x", "org_1", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "no", rec.Body.String())
	assert.Equal(t, "t1", rec.Header().Get("X-Trace"))
	assert.Equal(t, ResultMiss, rec.Header().Get(HeaderCache))
	assert.Equal(t, 0, lc.Stats().Size)
}

func TestRoute_InvalidResourcePanics(t *testing.T) {
	b, _ := newLocalBackend(t, nil)
	rc := New(b, Options{})

	assert.Panics(t, func() { rc.Route(RouteConfig{}) })
	assert.Panics(t, func() { rc.Route(RouteConfig{Resource: "a:b"}) })
}

func TestRequestSuffix(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{target: "/api/agents", want: "/api/agents"},
		{target: "/api/agents?z=1&a=2", want: "/api/agents?a=2&z=1"},
		{target: "/api/a*b?q=*", want: "/api/a%2Ab?q=%2A"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, requestSuffix(req))
		})
	}
}
