// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunkCacheHits counts chunk reads served from the LRU.
	ChunkCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamflix",
		Name:      "chunk_cache_hits_total",
		Help:      "Chunk reads served from the byte cache",
	})
	// ChunkCacheMisses counts chunk reads that went to the remote store.
	ChunkCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamflix",
		Name:      "chunk_cache_misses_total",
		Help:      "Chunk reads that issued a remote fetch",
	})
	// ChunkCacheBytes tracks the current cache footprint.
	ChunkCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamflix",
		Name:      "chunk_cache_bytes",
		Help:      "Bytes currently held by the chunk cache",
	})
	// RemoteReads counts upload.getFile calls by outcome.
	RemoteReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamflix",
		Name:      "remote_reads_total",
		Help:      "Remote chunk fetches by outcome",
	}, []string{"outcome"})
	// ActiveSessions is the number of live streaming sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamflix",
		Name:      "active_sessions",
		Help:      "Streaming sessions with a fresh heartbeat",
	})
	// ActiveTranscodes is the number of running media-tool children.
	ActiveTranscodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamflix",
		Name:      "active_transcodes",
		Help:      "Running transcode child processes",
	})
	// WorkerPasses counts background passes by kind.
	WorkerPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamflix",
		Name:      "worker_passes_total",
		Help:      "Background worker passes by kind",
	}, []string{"kind"})
	// MetadataLookups counts external metadata API lookups by outcome.
	MetadataLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamflix",
		Name:      "metadata_lookups_total",
		Help:      "External metadata lookups by outcome",
	}, []string{"outcome"})
)
