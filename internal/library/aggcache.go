package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/store"
)

// ErrNoAggregate is returned when a show has no cached aggregate.
var ErrNoAggregate = errors.New("library: no aggregate for show")

// AggCache maintains one on-disk JSON aggregate per show under a cache dir.
type AggCache struct {
	dir string
	log zerolog.Logger
}

// NewAggCache builds a cache over dir, which must exist.
func NewAggCache(dir string) *AggCache {
	return &AggCache{dir: dir, log: logging.WithComponent("aggcache")}
}

func (c *AggCache) path(showID int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.json", showID))
}

// Load returns the cached aggregate for one show.
func (c *AggCache) Load(showID int64) (*Show, error) {
	data, err := os.ReadFile(c.path(showID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoAggregate
	}
	if err != nil {
		return nil, err
	}
	var s Show
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("aggregate %d: %w", showID, err)
	}
	return &s, nil
}

// Rebuild regenerates every aggregate from the episode records and removes
// aggregates whose shows no longer have any constituent record.
func (c *AggCache) Rebuild(records []*store.Record) error {
	var episodes []*store.Record
	for _, r := range records {
		if r.IsTV() {
			episodes = append(episodes, r)
		}
	}
	shows := BuildShows(episodes)

	live := make(map[int64]bool, len(shows))
	for i := range shows {
		s := &shows[i]
		live[s.ShowTMDBID] = true
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		if err := renameio.WriteFile(c.path(s.ShowTMDBID), data, 0o644); err != nil {
			return fmt.Errorf("write aggregate %d: %w", s.ShowTMDBID, err)
		}
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		id, ok := aggregateID(e.Name())
		if !ok || live[id] {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			c.log.Warn().Str("file", e.Name()).Err(err).Msg("remove orphan aggregate")
			continue
		}
		c.log.Info().Int64("show", id).Msg("orphan aggregate removed")
	}
	return nil
}

func aggregateID(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
