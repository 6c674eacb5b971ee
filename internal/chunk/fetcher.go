// Package chunk serves aligned reads from the remote store with caching,
// single-flight deduplication and a global outbound rate limit.
package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/metrics"
	"github.com/onlyvaibhav/streamflix/internal/remote"
)

const (
	// DefaultChunkSize matches the remote protocol's precision requirement:
	// offset % limit == 0, so every cached read is aligned to this boundary.
	DefaultChunkSize = 1 << 20

	cacheTTL = 5 * time.Minute
	// minSpacing between outbound remote calls (~10 reads/s globally).
	minSpacing = 100 * time.Millisecond
)

// Fetcher is the single path to remote bytes. All readers (range streamer,
// raw endpoint, media probe) share its cache, so a seek that lands on a chunk
// another reader already pulled costs nothing.
type Fetcher struct {
	client    remote.Client
	chunkSize int64
	cache     *lruCache
	flight    singleflight.Group
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewFetcher builds a fetcher with the given alignment and cache bound.
// chunkSize must be a power of two; maxCacheBytes bounds total cached bytes.
func NewFetcher(client remote.Client, chunkSize, maxCacheBytes int64) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Fetcher{
		client:    client,
		chunkSize: chunkSize,
		cache:     newLRUCache(maxCacheBytes, cacheTTL),
		limiter:   rate.NewLimiter(rate.Every(minSpacing), 1),
		log:       logging.WithComponent("chunk"),
	}
}

// ChunkSize returns the alignment in bytes.
func (f *Fetcher) ChunkSize() int64 { return f.chunkSize }

// ReadAligned returns the chunk at offset, which must be chunk-aligned.
// The returned buffer is shared; callers must not mutate it. A buffer shorter
// than the chunk size is authoritative EOF. Empty means offset is at or past
// the end of the file.
func (f *Fetcher) ReadAligned(ctx context.Context, h *remote.FileHandle, offset int64) ([]byte, error) {
	if offset%f.chunkSize != 0 {
		return nil, fmt.Errorf("offset %d not aligned to %d", offset, f.chunkSize)
	}
	key := cacheKey{fileID: h.ID, offset: offset, limit: int(f.chunkSize)}
	if data, ok := f.cache.get(key); ok {
		metrics.ChunkCacheHits.Inc()
		return data, nil
	}
	metrics.ChunkCacheMisses.Inc()

	flightKey := fmt.Sprintf("%d:%d:%d", key.fileID, key.offset, key.limit)
	ch := f.flight.DoChan(flightKey, func() (interface{}, error) {
		// Re-check under the flight: a just-finished fetch may have filled it.
		if data, ok := f.cache.get(key); ok {
			return data, nil
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := f.client.ReadChunk(ctx, h, offset, int(f.chunkSize))
		if err != nil {
			metrics.RemoteReads.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.RemoteReads.WithLabelValues("ok").Inc()
		if len(data) > 0 {
			f.cache.put(key, data)
			metrics.ChunkCacheBytes.Set(float64(f.cache.bytes()))
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadAt fills the caller's request [off, off+length) by aligning down,
// discarding the skip prefix and trimming the tail. Returns fewer bytes only
// at EOF.
func (f *Fetcher) ReadAt(ctx context.Context, h *remote.FileHandle, off int64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	pos := off
	remaining := length
	for remaining > 0 {
		aligned := pos - pos%f.chunkSize
		data, err := f.ReadAligned(ctx, h, aligned)
		if err != nil {
			return out, err
		}
		if len(data) == 0 {
			break // EOF
		}
		skip := int(pos - aligned)
		if skip >= len(data) {
			break // requested past EOF inside a short final chunk
		}
		part := data[skip:]
		if len(part) > remaining {
			part = part[:remaining]
		}
		out = append(out, part...)
		pos += int64(len(part))
		remaining -= len(part)
		if int64(len(data)) < f.chunkSize {
			break // short chunk is authoritative EOF; do not retry
		}
	}
	return out, nil
}

// CacheLen is exposed for tests and the worker-status endpoint.
func (f *Fetcher) CacheLen() int { return f.cache.len() }

// CacheBytes is the current cache footprint.
func (f *Fetcher) CacheBytes() int64 { return f.cache.bytes() }
