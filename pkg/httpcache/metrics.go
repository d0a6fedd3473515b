package httpcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests tracks middleware outcomes by resource
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_requests_total",
			Help: "Total number of requests through the response cache by outcome",
		},
		[]string{"resource", "result"}, // "hit", "stale", "miss", "not_modified", "bypass", "error"
	)

	// Invalidations tracks pattern invalidations issued by mutations
	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_invalidations_total",
			Help: "Total number of pattern invalidations issued by mutating requests",
		},
		[]string{"resource"},
	)

	// StoreFailures tracks swallowed response store failures
	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_store_failures_total",
			Help: "Total number of responses that could not be cached",
		},
		[]string{"resource"},
	)
)
