package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/voxcache/pkg/config"
	"github.com/Sternrassler/voxcache/pkg/httpcache"
	"github.com/Sternrassler/voxcache/pkg/keys"
	"github.com/Sternrassler/voxcache/pkg/localcache"
	"github.com/Sternrassler/voxcache/pkg/logging"
	"github.com/Sternrassler/voxcache/pkg/metrics"
	"github.com/Sternrassler/voxcache/pkg/store"
	"github.com/Sternrassler/voxcache/pkg/tiered"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
)

// app wires the caches to the dashboard handlers. One per process.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	facade    *tiered.Facade
	registry  *localcache.Registry
	responses *localcache.Cache[*httpcache.Response]
	agents    *localcache.Cache[[]Agent]
	summaries *tiered.Typed[CallSummary]

	local  *httpcache.Cache
	shared *httpcache.Cache

	repo *repository
}

func newApp(cfg config.Config, st store.Store, base zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   base.With().Str("component", logging.ComponentAPI).Logger(),
		registry: localcache.NewRegistry(),
		repo:     newRepository(),
	}

	a.facade = tiered.New(st, tiered.Options{
		Prefix:        cfg.KeyPrefix,
		MemoryTTL:     cfg.MemoryTTL,
		DefaultTTL:    cfg.DefaultTTL,
		NamespaceTTLs: cfg.NamespaceTTLs,
		Logger:        base,
	})
	a.summaries = tiered.NewTyped[CallSummary](a.facade, "analytics")

	localLogger := base.With().Str("component", logging.ComponentLocalCache).Logger()
	var err error
	a.responses, err = localcache.NewNamed[*httpcache.Response](localcache.PurposeGeneral, localLogger, func(o *localcache.Options) {
		o.Name = "responses"
		o.MaxEntries = cfg.LocalMaxEntries
		o.MaxBytes = int64(cfg.LocalMaxBytes)
	})
	if err != nil {
		return nil, err
	}
	a.agents, err = localcache.NewNamed[[]Agent](localcache.PurposeAgents, localLogger, nil)
	if err != nil {
		return nil, err
	}
	for _, c := range []localcache.StatsProvider{a.responses, a.agents} {
		if err := a.registry.Register(c); err != nil {
			return nil, err
		}
	}

	opts := httpcache.DefaultOptions()
	opts.StaleThreshold = cfg.StaleThreshold
	opts.Logger = base
	a.local = httpcache.New(httpcache.NewLocalBackend(a.responses), opts)
	a.shared = httpcache.New(httpcache.NewSharedBackend(a.facade), opts)

	return a, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/debug/cache", a.cacheStatsHandler)
	r.Delete("/debug/cache", a.clearCachesHandler)

	agentsChanged := []keys.Invalidation{{Resource: "agents", Scope: keys.ScopeTenant}}
	callsChanged := []keys.Invalidation{
		{Resource: "calls", Scope: keys.ScopeTenant},
		{Resource: "analytics", Scope: keys.ScopeTenant},
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(httpcache.HeaderIdentity(tenantHeader, userHeader))

		r.With(a.local.Route(httpcache.RouteConfig{
			Resource: "agents",
			TTL:      30 * time.Second,
		})).Get("/agents", a.listAgents)
		r.With(a.local.Route(httpcache.RouteConfig{
			Resource:    "agents",
			Invalidates: agentsChanged,
		})).Post("/agents", a.createAgent)

		r.With(a.shared.Route(httpcache.RouteConfig{
			Resource:  "calls",
			TTL:       20 * time.Second,
			Condition: func(r *http.Request) bool { return r.URL.Query().Get("live") != "true" },
		})).Get("/calls", a.listCalls)
		r.With(a.shared.Route(httpcache.RouteConfig{
			Resource:    "calls",
			Invalidates: callsChanged,
		})).Post("/calls", a.recordCall)

		r.With(a.shared.Route(httpcache.RouteConfig{
			Resource: "analytics",
			TTL:      15 * time.Minute,
		})).Get("/analytics/summary", a.callSummary)

		r.With(a.local.Route(httpcache.RouteConfig{
			Resource: "voices",
			Scope:    keys.ScopeGlobal,
			TTL:      time.Hour,
		})).Get("/voices", a.listVoices)
	})

	return r
}

// warm preloads the global voice catalogue.
func (a *app) warm(ctx context.Context) (tiered.WarmResult, error) {
	w := tiered.NewWarmer(a.facade, tiered.DefaultWarmerConfig())
	return w.Warm(ctx, []tiered.WarmTask{{
		Key:     "voices",
		Options: []tiered.Option{tiered.WithNamespace("static"), tiered.WithTTL(time.Hour)},
		Load: func(context.Context) ([]byte, error) {
			return json.Marshal(voiceCatalogue)
		},
	}})
}

func (a *app) close(ctx context.Context) error {
	a.local.Wait()
	a.shared.Wait()
	a.responses.Close()
	a.agents.Close()
	return a.facade.Disconnect(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while the shared tier is down. The API keeps
// serving in that state; the status only informs load balancers.
func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !a.facade.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "DEGRADED")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "READY")
}

type cacheReport struct {
	Shared tiered.Stats       `json:"shared"`
	Local  []localcache.Stats `json:"local"`
}

func (a *app) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheReport{
		Shared: a.facade.Stats(r.Context()),
		Local:  a.registry.Snapshot(),
	})
}

func (a *app) clearCachesHandler(w http.ResponseWriter, r *http.Request) {
	a.registry.ClearAll()
	n := a.facade.DelCompiled(r.Context(), keys.Compile("*"))
	a.logger.Info().Int("shared_deleted", n).Msg("Caches cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) listAgents(w http.ResponseWriter, r *http.Request) {
	id := httpcache.IdentityFrom(r.Context())
	list, err := a.agents.GetOrSet(r.Context(), id.TenantID, func(ctx context.Context) ([]Agent, error) {
		return a.repo.Agents(ctx, id.TenantID)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) createAgent(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name  string `json:"name"`
		Voice string `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	id := httpcache.IdentityFrom(r.Context())
	agent := a.repo.CreateAgent(id.TenantID, in.Name, in.Voice)
	a.agents.Delete(id.TenantID)
	writeJSON(w, http.StatusCreated, agent)
}

func (a *app) listCalls(w http.ResponseWriter, r *http.Request) {
	id := httpcache.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, a.repo.Calls(id.TenantID))
}

func (a *app) recordCall(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AgentID  string  `json:"agent_id"`
		Duration float64 `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.AgentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}

	id := httpcache.IdentityFrom(r.Context())
	call := a.repo.RecordCall(id.TenantID, in.AgentID, time.Duration(in.Duration*float64(time.Second)))
	if err := a.summaries.Delete(r.Context(), id.TenantID); err != nil {
		a.logger.Warn().Err(err).Msg("Invalid summary key")
	}

	// Best-effort daily counter; 0 while the shared tier is down.
	day := time.Now().UTC().Format("2006-01-02")
	if _, err := a.facade.Increment(r.Context(), keys.Join(id.TenantID, "calls", day), 1,
		tiered.WithNamespace("counters"), tiered.WithTTL(48*time.Hour)); err != nil {
		a.logger.Warn().Err(err).Msg("Invalid counter key")
	}
	writeJSON(w, http.StatusCreated, call)
}

func (a *app) callSummary(w http.ResponseWriter, r *http.Request) {
	id := httpcache.IdentityFrom(r.Context())
	summary, err := a.summaries.Wrap(r.Context(), id.TenantID, func(ctx context.Context) (CallSummary, error) {
		return a.repo.Summary(id.TenantID), nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	day := time.Now().UTC().Format("2006-01-02")
	counter := keys.Join(id.TenantID, "calls", day)
	if raw, err := a.facade.Get(r.Context(), counter, tiered.WithNamespace("counters")); err == nil {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			a.logger.Warn().Err(err).Str("key", counter).Msg("Invalid call counter")
		} else {
			summary.CallsToday = n
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *app) listVoices(w http.ResponseWriter, r *http.Request) {
	raw, err := a.facade.Wrap(r.Context(), "voices", func(context.Context) ([]byte, error) {
		return json.Marshal(voiceCatalogue)
	}, tiered.WithNamespace("static"), tiered.WithTTL(time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
