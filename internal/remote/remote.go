// Package remote exposes the channel object store behind a small client
// interface. The MTProto specifics stay inside this package; callers see
// integer file ids, byte sizes and opaque read handles only.
package remote

import (
	"context"
	"errors"
)

// FileHandle describes one remote file. The location needed for range reads is
// held internally by the client and refreshed transparently when it expires.
type FileHandle struct {
	ID       int64  // message id in the channel; stable
	Size     int64  // total bytes
	Name     string // original file name
	MIMEType string
}

// VideoEntry is one row of a channel listing scan.
type VideoEntry struct {
	ID   int64
	Name string
	Size int64
}

// Error taxonomy shared with the HTTP layer.
var (
	// ErrNotFound: the id resolves to nothing in the channel.
	ErrNotFound = errors.New("remote: file not found")
	// ErrUnavailable: the client is not connected/authorized yet.
	ErrUnavailable = errors.New("remote: client not ready")
	// ErrTimeout: a single remote call exceeded its deadline.
	ErrTimeout = errors.New("remote: call timed out")
	// ErrRemote: transient upstream failure; callers may retry.
	ErrRemote = errors.New("remote: upstream error")
)

// Client is the remote object-store boundary.
type Client interface {
	// Resolve maps a message id to a file handle.
	Resolve(ctx context.Context, fileID int64) (*FileHandle, error)

	// ReadChunk returns the bytes at [offset, offset+limit) of the file.
	// offset must satisfy offset % limit == 0 (remote protocol precision
	// requirement). A short result is authoritative EOF; empty means EOF.
	ReadChunk(ctx context.Context, h *FileHandle, offset int64, limit int) ([]byte, error)

	// ListVideos enumerates all video files in the channel, paged internally.
	ListVideos(ctx context.Context) ([]VideoEntry, error)

	// Ready reports whether the client is connected and authorized.
	Ready() bool
}
