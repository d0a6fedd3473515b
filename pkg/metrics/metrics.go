// Package metrics exposes the Prometheus registry used by the cache packages.
// All metrics are defined in their respective packages (store, localcache,
// tiered, httpcache) via promauto to avoid circular dependencies.
//
// This package provides documentation and the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Shared Store Metrics (pkg/store):
//   - cache_store_operations_total{operation, result} (Counter): Store commands by outcome
//   - cache_store_operation_duration_seconds{operation} (Histogram): Store command latency
//   - cache_store_connected (Gauge): 1 while the store is connected
//   - cache_store_reconnect_attempts_total (Counter): Reconnect attempts
//   - cache_store_reconnect_exhausted_total (Counter): Reconnect loops that gave up
//
// Local Cache Metrics (pkg/localcache):
//   - cache_local_hits_total{cache, freshness} (Counter): Hits by instance, fresh or stale
//   - cache_local_misses_total{cache} (Counter): Misses by instance
//   - cache_local_evictions_total{cache} (Counter): Entry or byte bound evictions
//   - cache_local_entries{cache} (Gauge): Current entries
//   - cache_local_size_bytes{cache} (Gauge): Estimated aggregate value size
//   - cache_local_revalidations_total{cache, result} (Counter): Background refreshes (ok, error, skipped)
//
// Facade Metrics (pkg/tiered):
//   - cache_tier_hits_total{tier} (Counter): Hits by tier (memory, shared)
//   - cache_tier_misses_total (Counter): Reads that missed both tiers
//   - cache_shared_errors_total{operation} (Counter): Shared tier failures degraded to miss/no-op
//   - cache_decode_errors_total{namespace} (Counter): Discarded undecodable payloads
//   - cache_warmed_keys_total{result} (Counter): Warmer results (loaded, skipped, failed)
//
// Response Cache Metrics (pkg/httpcache):
//   - http_cache_requests_total{resource, result} (Counter): hit, stale, miss, not_modified, bypass, error
//   - http_cache_invalidations_total{resource} (Counter): Pattern invalidations from mutations
//   - http_cache_store_failures_total{resource} (Counter): Responses that could not be cached
//
// Example Prometheus Queries:
//
//   # Response cache hit rate per resource
//   sum by (resource) (rate(http_cache_requests_total{result=~"hit|stale|not_modified"}[5m])) /
//   sum by (resource) (rate(http_cache_requests_total{result!="bypass"}[5m]))
//
//   # Shared tier degraded
//   cache_store_connected == 0
//
//   # Local cache pressure
//   rate(cache_local_evictions_total[5m]) > 0
//
//   # P95 store latency
//   histogram_quantile(0.95, rate(cache_store_operation_duration_seconds_bucket[5m]))
