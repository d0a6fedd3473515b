package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations tracks store commands by operation and result.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_store_operations_total",
			Help: "Total number of shared store commands",
		},
		[]string{"operation", "result"}, // result: "ok", "miss", "error"
	)

	// StoreLatency tracks store command latency.
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_store_operation_duration_seconds",
			Help:    "Shared store command duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		},
		[]string{"operation"},
	)

	// StoreConnected is 1 while the store is connected.
	StoreConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_store_connected",
			Help: "Whether the shared store is connected (1) or not (0)",
		},
	)

	// StoreReconnects tracks reconnect attempts.
	StoreReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_store_reconnect_attempts_total",
			Help: "Total number of shared store reconnect attempts",
		},
	)

	// StoreReconnectsExhausted tracks reconnect loops that gave up.
	StoreReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_store_reconnect_exhausted_total",
			Help: "Total number of times shared store reconnection gave up",
		},
	)
)
