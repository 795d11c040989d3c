// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package metrics provides Prometheus instrumentation for the caching core:
// query-cache efficiency, producer latency and failures, blob-store dedupe,
// and edge-cache interception outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_hits_total",
			Help: "Resolve calls answered from an already-resolved entry",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_misses_total",
			Help: "Resolve calls that invoked a producer",
		},
		[]string{"kind"},
	)

	CacheCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_coalesced_total",
			Help: "Resolve calls attached to an already in-flight producer",
		},
		[]string{"kind"},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "query_cache_entries",
			Help: "Current number of in-memory cache entries",
		},
	)

	// Producer metrics
	ProducerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "producer_call_duration_seconds",
			Help:    "Duration of external generation calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"producer"},
	)

	ProducerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "producer_errors_total",
			Help: "Producer call failures by class",
		},
		[]string{"producer", "error_type"}, // "upstream", "validation", "not_found"
	)

	ProducerRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "producer_json_repairs_total",
			Help: "Malformed producer payloads recovered by the repair pass",
		},
		[]string{"producer"},
	)

	// Blob store metrics
	BlobDedupeHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blob_dedupe_hits_total",
			Help: "FetchAndCache calls served from an existing source-URL record",
		},
	)

	BlobFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blob_fetches_total",
			Help: "Network fetches performed by the blob store",
		},
	)

	BlobBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blob_store_bytes",
			Help: "Total payload bytes in the blob store",
		},
	)

	// Persister metrics
	SnapshotWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persister_snapshot_writes_total",
			Help: "Snapshot saves to the synchronous persistence tier",
		},
	)

	SnapshotQuotaFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persister_quota_failures_total",
			Help: "Snapshot saves rejected by the size ceiling",
		},
	)

	// Prefetch metrics
	PrefetchScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_scheduled_total",
			Help: "Artifacts scheduled for speculative warm-up",
		},
	)

	PrefetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_failures_total",
			Help: "Swallowed speculative fetch failures",
		},
	)

	// Edge cache metrics
	EdgeCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_hits_total",
			Help: "Intercepted requests served from the durable edge cache",
		},
		[]string{"class"}, // "image", "api", "other"
	)

	EdgeCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_misses_total",
			Help: "Intercepted requests that went to the network",
		},
		[]string{"class"},
	)

	EdgeCacheStaleFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_cache_stale_fallbacks_total",
			Help: "Network failures answered with a cached response",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by method, route pattern, and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveProducer records one producer call's duration.
func ObserveProducer(producer string, start time.Time) {
	ProducerDuration.WithLabelValues(producer).Observe(time.Since(start).Seconds())
}
