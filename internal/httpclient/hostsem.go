package httpclient

import (
	"net/url"
	"sync"
)

// hostSemLimit caps concurrent requests per upstream host across the process.
// The worker fans out over many titles at once; the image CDN and the metadata
// API each get at most this many in-flight requests.
const hostSemLimit = 4

// GlobalHostSem is the process-wide per-host limiter.
var GlobalHostSem = NewHostSemaphore(hostSemLimit)

// HostSemaphore hands out per-host slots keyed by scheme+host.
//
//	release := GlobalHostSem.Acquire(url)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		slots: make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot for the URL's host is free and returns its
// release func. Full URLs are fine; path and query are ignored.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	sem := h.semFor(rawURL)
	sem <- struct{}{}
	return func() { <-sem }
}

func (h *HostSemaphore) semFor(rawURL string) chan struct{} {
	key := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		key = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.slots[key] = s
	}
	return s
}
