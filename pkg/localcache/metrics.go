package localcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LocalHits tracks hits by cache name and freshness
	LocalHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_local_hits_total",
			Help: "Total number of local cache hits",
		},
		[]string{"cache", "freshness"}, // "fresh", "stale"
	)

	// LocalMisses tracks misses by cache name
	LocalMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_local_misses_total",
			Help: "Total number of local cache misses",
		},
		[]string{"cache"},
	)

	// LocalEvictions tracks capacity evictions by cache name
	LocalEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_local_evictions_total",
			Help: "Total number of entries evicted by entry or byte bounds",
		},
		[]string{"cache"},
	)

	// LocalEntries tracks the current entry count
	LocalEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_local_entries",
			Help: "Current number of entries in the local cache",
		},
		[]string{"cache"},
	)

	// LocalBytes tracks the estimated aggregate size
	LocalBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_local_size_bytes",
			Help: "Estimated aggregate size of local cache values in bytes",
		},
		[]string{"cache"},
	)

	// LocalRevalidations tracks background refreshes
	LocalRevalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_local_revalidations_total",
			Help: "Total number of stale-while-revalidate refreshes",
		},
		[]string{"cache", "result"}, // "ok", "error", "skipped"
	)
)

// instruments holds the label-bound metrics of one cache instance.
type instruments struct {
	freshHits    prometheus.Counter
	staleHits    prometheus.Counter
	misses       prometheus.Counter
	evictions    prometheus.Counter
	entries      prometheus.Gauge
	bytes        prometheus.Gauge
	revalOK      prometheus.Counter
	revalError   prometheus.Counter
	revalSkipped prometheus.Counter
}

func newInstruments(name string) instruments {
	return instruments{
		freshHits:    LocalHits.WithLabelValues(name, "fresh"),
		staleHits:    LocalHits.WithLabelValues(name, "stale"),
		misses:       LocalMisses.WithLabelValues(name),
		evictions:    LocalEvictions.WithLabelValues(name),
		entries:      LocalEntries.WithLabelValues(name),
		bytes:        LocalBytes.WithLabelValues(name),
		revalOK:      LocalRevalidations.WithLabelValues(name, "ok"),
		revalError:   LocalRevalidations.WithLabelValues(name, "error"),
		revalSkipped: LocalRevalidations.WithLabelValues(name, "skipped"),
	}
}
