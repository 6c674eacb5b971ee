package store

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/logging"
)

// watchDebounce collapses editor save storms on one record into one event.
const watchDebounce = 2 * time.Second

// Watcher follows the metadata directory for external edits. A settled
// change drops the store memo, and queues the file id only when the record
// asks for work: needs_refetch is set, or a manual id appeared or changed.
// The worker's own saves land here too and must not feed back into the queue.
type Watcher struct {
	store    *Store
	queue    chan int64
	log      zerolog.Logger
	debounce time.Duration

	mu         sync.Mutex
	pending    map[int64]*time.Timer
	lastManual map[int64]int64
}

// NewWatcher builds a watcher over the store's directory.
// Queue is drained by the sync loop; when full, events are dropped.
func NewWatcher(store *Store) *Watcher {
	return &Watcher{
		store:      store,
		queue:      make(chan int64, 128),
		log:        logging.WithComponent("watcher"),
		debounce:   watchDebounce,
		pending:    make(map[int64]*time.Timer),
		lastManual: make(map[int64]int64),
	}
}

// Queue returns the channel of file ids needing a refetch.
func (w *Watcher) Queue() <-chan int64 { return w.queue }

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.store.Dir()); err != nil {
		return err
	}
	w.log.Info().Str("dir", w.store.Dir()).Msg("watching metadata directory")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			id, ok := recordID(ev.Name)
			if !ok {
				continue
			}
			w.arm(id)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// arm (re)starts the per-file debounce timer.
func (w *Watcher) arm(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		w.store.Invalidate()
		if !w.wantsRefetch(id) {
			return
		}
		select {
		case w.queue <- id:
			w.log.Info().Int64("file", id).Msg("metadata edited, refetch queued")
		default:
			w.log.Warn().Int64("file", id).Msg("refetch queue full, event dropped")
		}
	})
}

// wantsRefetch reads the settled record and decides whether the edit asks
// for work. The manual id is tracked per file so the worker persisting an
// existing pin does not count as introducing one.
func (w *Watcher) wantsRefetch(id int64) bool {
	rec, err := w.store.Get(id)
	if err != nil {
		return false
	}
	w.mu.Lock()
	prev := w.lastManual[id]
	if rec.ManualTMDBID > 0 {
		w.lastManual[id] = rec.ManualTMDBID
	} else {
		delete(w.lastManual, id)
	}
	w.mu.Unlock()
	return rec.NeedsRefetch || (rec.ManualTMDBID > 0 && rec.ManualTMDBID != prev)
}

// recordID extracts the file id from a "<id>.json" path.
func recordID(path string) (int64, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(base, ".json"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
