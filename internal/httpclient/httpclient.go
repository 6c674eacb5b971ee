// Package httpclient provides the shared outbound HTTP plumbing: a tuned
// client, a single-retry helper honoring Retry-After, per-host concurrency
// caps and atomic image downloads.
package httpclient

import (
	"net/http"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	idleConnTimeout = 90 * time.Second
	idlePerHost     = 16
)

var defaultClient = newClient(defaultTimeout)

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: idlePerHost,
			IdleConnTimeout:     idleConnTimeout,
		},
	}
}

// Default returns the shared client for metadata lookups and image downloads.
func Default() *http.Client { return defaultClient }

// WithTimeout returns a client sharing Default's transport tuning but with
// its own overall timeout.
func WithTimeout(timeout time.Duration) *http.Client { return newClient(timeout) }
