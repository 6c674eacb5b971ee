// Package store persists per-file metadata records as individual JSON
// documents with atomic whole-file rewrites.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/remote"
)

const (
	// snapshotTTL bounds how stale the all-records memo may get even
	// without writes (an operator can drop files in by hand).
	snapshotTTL = time.Hour
	// invalidateDebounce batches bursts of writes into one memo drop.
	invalidateDebounce = time.Second
)

// ErrNotFound is returned when no record exists for a file id.
var ErrNotFound = errors.New("store: record not found")

// Store is the metadata directory plus a memoized view of its contents.
type Store struct {
	dir          string
	postersDir   string
	backdropsDir string
	listingPath  string
	log          zerolog.Logger

	mu         sync.Mutex
	snapshot   []*Record
	snapshotAt time.Time
	invalTimer *time.Timer
}

// New builds a store over the given directories. Directories must exist.
func New(metadataDir, postersDir, backdropsDir, listingPath string) *Store {
	return &Store{
		dir:          metadataDir,
		postersDir:   postersDir,
		backdropsDir: backdropsDir,
		listingPath:  listingPath,
		log:          logging.WithComponent("store"),
	}
}

// Dir returns the metadata directory, for the change watcher.
func (s *Store) Dir() string { return s.dir }

func (s *Store) recordPath(fileID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.json", fileID))
}

// Get loads one record from disk, bypassing the memo.
func (s *Store) Get(fileID int64) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record %d: %w", fileID, err)
	}
	autofix(&r)
	return &r, nil
}

// Save rewrites the record's file atomically and schedules a memo drop.
func (s *Store) Save(r *Record) error {
	if r.FileID == 0 {
		return errors.New("store: record without file_id")
	}
	if err := s.writeRecord(r); err != nil {
		return err
	}
	s.scheduleInvalidate()
	return nil
}

func (s *Store) writeRecord(r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.recordPath(r.FileID), data, 0o644)
}

// Delete removes the record file. Missing records are not an error.
func (s *Store) Delete(fileID int64) error {
	err := os.Remove(s.recordPath(fileID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.scheduleInvalidate()
	return nil
}

func (s *Store) scheduleInvalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalTimer != nil {
		return // a drop is already pending; the burst rides it
	}
	s.invalTimer = time.AfterFunc(invalidateDebounce, func() {
		s.mu.Lock()
		s.snapshot = nil
		s.invalTimer = nil
		s.mu.Unlock()
	})
}

// Invalidate drops the memo immediately. Used by the change watcher.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

// All returns every record, memoized. Records are shared; callers treat them
// as read-only. Promotions to TV are persisted as a side effect.
func (s *Store) All() ([]*Record, error) {
	s.mu.Lock()
	if s.snapshot != nil && time.Since(s.snapshotAt) < snapshotTTL {
		out := s.snapshot
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	records, promoted, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	// Persist promotions outside the memo cycle so the fresh snapshot is
	// not immediately dropped by its own repair writes.
	for _, r := range promoted {
		if err := s.writeRecord(r); err != nil {
			s.log.Warn().Int64("file", r.FileID).Err(err).Msg("persist tv promotion")
		}
	}

	s.mu.Lock()
	s.snapshot = records
	s.snapshotAt = time.Now()
	s.mu.Unlock()
	return records, nil
}

func (s *Store) loadAll() (records, promoted []*Record, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn().Str("file", e.Name()).Err(err).Msg("read record")
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			s.log.Warn().Str("file", e.Name()).Err(err).Msg("corrupt record skipped")
			continue
		}
		if r.FileID == 0 {
			continue
		}
		if autofix(&r) {
			promoted = append(promoted, &r)
		}
		records = append(records, &r)
	}
	return records, promoted, nil
}

// autofix applies the read-time type repairs. Returns true when the repair
// must be written back (promotion only; demotion stays in memory).
func autofix(r *Record) bool {
	if r.IsTV() && r.Type != TypeTV {
		r.Type = TypeTV
		return true
	}
	if r.Type == TypeTV && !r.IsTV() {
		r.Type = TypeMovie
	}
	return false
}

// Valid returns the subset of All that passes the validity predicate,
// including the on-disk image check.
func (s *Store) Valid() ([]*Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(all))
	for _, r := range all {
		if r.Valid() && s.ImagesPresent(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ImagesPresent checks that referenced poster/backdrop files exist non-empty.
func (s *Store) ImagesPresent(r *Record) bool {
	return s.imageOK(r.PosterPath) && s.imageOK(r.BackdropPath)
}

func (s *Store) imageOK(webPath string) bool {
	if webPath == "" {
		return true // nothing referenced, nothing to miss
	}
	var disk string
	switch {
	case strings.HasPrefix(webPath, "/posters/"):
		disk = filepath.Join(s.postersDir, filepath.Base(webPath))
	case strings.HasPrefix(webPath, "/backdrops/"):
		disk = filepath.Join(s.backdropsDir, filepath.Base(webPath))
	default:
		return true // external URL, trust it
	}
	info, err := os.Stat(disk)
	return err == nil && info.Size() > 0
}

// Listing is the cached remote channel listing.
type Listing struct {
	Videos    []remote.VideoEntry `json:"videos"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// SaveListing atomically replaces the listing cache.
func (s *Store) SaveListing(l *Listing) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.listingPath, data, 0o644)
}

// LoadListing returns the cached listing, or ErrNotFound when absent.
func (s *Store) LoadListing() (*Listing, error) {
	data, err := os.ReadFile(s.listingPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var l Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("listing cache: %w", err)
	}
	return &l, nil
}

// LookupListing finds a listing entry by file id.
func (s *Store) LookupListing(fileID int64) (*remote.VideoEntry, error) {
	l, err := s.LoadListing()
	if err != nil {
		return nil, err
	}
	for i := range l.Videos {
		if l.Videos[i].ID == fileID {
			return &l.Videos[i], nil
		}
	}
	return nil, ErrNotFound
}
