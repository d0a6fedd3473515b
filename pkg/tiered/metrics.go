package tiered

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TierHits tracks facade hits by tier
	TierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_tier_hits_total",
			Help: "Total number of facade hits by tier",
		},
		[]string{"tier"}, // "memory", "shared"
	)

	// TierMisses tracks reads that missed both tiers
	TierMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_tier_misses_total",
			Help: "Total number of facade reads that missed both tiers",
		},
	)

	// SharedErrors tracks swallowed shared tier failures
	SharedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_shared_errors_total",
			Help: "Total number of shared tier failures degraded to a miss or no-op",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan", "mget", "mset", "incr"
	)

	// DecodeErrors tracks payloads that could not be decoded
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_decode_errors_total",
			Help: "Total number of cached payloads discarded because they could not be decoded",
		},
		[]string{"namespace"},
	)

	// WarmedKeys tracks warmer results
	WarmedKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_warmed_keys_total",
			Help: "Total number of keys processed by the cache warmer",
		},
		[]string{"result"}, // "loaded", "skipped", "failed"
	)
)
