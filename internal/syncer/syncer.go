// Package syncer reconciles the remote channel with the local metadata store
// in a continuous, activity-aware loop.
package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/history"
	"github.com/onlyvaibhav/streamflix/internal/library"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/metrics"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/worker"
)

const (
	// DefaultScanInterval is the minimum time between full channel scans.
	DefaultScanInterval = 7 * time.Minute

	busyWait       = 5 * time.Minute
	sleepAfterIdle = 60 * time.Second
	sleepAfterWork = 15 * time.Second

	// repairLimit bounds external lookups per repair pass.
	repairLimit = 20
)

// Syncer owns the background reconciliation loop.
type Syncer struct {
	remote  remote.Client
	store   *store.Store
	worker  *worker.Worker
	tracker *activity.Tracker
	agg     *library.AggCache
	history *history.Store
	refetch <-chan int64
	log     zerolog.Logger

	scanInterval time.Duration
	lastScan     time.Time
	force        chan struct{}
}

// New builds a syncer. history may be nil; refetch is the watcher queue.
func New(rc remote.Client, st *store.Store, w *worker.Worker, tracker *activity.Tracker, agg *library.AggCache, hist *history.Store, refetch <-chan int64, scanInterval time.Duration) *Syncer {
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	return &Syncer{
		remote:       rc,
		store:        st,
		worker:       w,
		tracker:      tracker,
		agg:          agg,
		history:      hist,
		refetch:      refetch,
		log:          logging.WithComponent("syncer"),
		scanInterval: scanInterval,
		force:        make(chan struct{}, 1),
	}
}

// ForceSync requests a full scan on the next pass, skipping the interval.
func (s *Syncer) ForceSync() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Errors never kill the loop.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		worked := s.pass(ctx)
		sleep := sleepAfterIdle
		if worked {
			sleep = sleepAfterWork
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.force:
			// fall through to the next pass immediately
		case <-time.After(sleep):
		}
	}
}

// pass runs one iteration: scan, repair, drain, retry, rebuild, images.
func (s *Syncer) pass(ctx context.Context) bool {
	if s.tracker != nil && s.tracker.WaitIfBusyTimeout(busyWait) {
		s.log.Debug().Msg("still busy after wait, skipping pass")
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	metrics.WorkerPasses.WithLabelValues("sync").Inc()

	worked := false
	forced := s.drainForce()
	if forced || time.Since(s.lastScan) >= s.scanInterval {
		if s.fullScan(ctx) {
			worked = true
		}
		s.lastScan = time.Now()
	}
	if s.repairPass(ctx) {
		worked = true
	}
	if s.drainRefetch(ctx) {
		worked = true
	}
	if s.worker.RetryPass(ctx) {
		worked = true
	}
	if worked {
		s.rebuildAggregates()
	}
	if s.worker.ImagePass(ctx) {
		worked = true
	}
	return worked
}

func (s *Syncer) drainForce() bool {
	select {
	case <-s.force:
		return true
	default:
		return false
	}
}

// fullScan diffs the channel listing against the cached one: new files get
// stubs and enrichment, vanished files are dropped, renames trigger refetch.
func (s *Syncer) fullScan(ctx context.Context) bool {
	videos, err := s.remote.ListVideos(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("channel scan failed")
		return false
	}
	current := make(map[int64]remote.VideoEntry, len(videos))
	for _, v := range videos {
		current[v.ID] = v
	}

	previous := make(map[int64]remote.VideoEntry)
	if cached, err := s.store.LoadListing(); err == nil {
		for _, v := range cached.Videos {
			previous[v.ID] = v
		}
	}

	worked := false
	var fresh []worker.Input
	for id, v := range current {
		old, known := previous[id]
		switch {
		case !known:
			s.log.Info().Int64("file", id).Str("name", v.Name).Msg("new file discovered")
			fresh = append(fresh, worker.Input{FileID: id, FileName: v.Name})
		case old.Name != v.Name:
			s.log.Info().Int64("file", id).Str("from", old.Name).Str("to", v.Name).Msg("file renamed")
			s.markRenamed(id, v.Name)
			worked = true
		}
	}
	for id := range previous {
		if _, still := current[id]; !still {
			s.log.Info().Int64("file", id).Msg("file removed from channel")
			s.dropFile(ctx, id)
			worked = true
		}
	}

	if err := s.store.SaveListing(&store.Listing{Videos: videos, UpdatedAt: time.Now()}); err != nil {
		s.log.Warn().Err(err).Msg("persist listing cache")
	}

	if len(fresh) > 0 {
		if s.worker.ProcessBatch(ctx, fresh) {
			worked = true
		}
	}
	return worked
}

// markRenamed updates the stored name and flags the record for re-derivation.
func (s *Syncer) markRenamed(fileID int64, newName string) {
	rec, err := s.store.Get(fileID)
	if err != nil {
		return
	}
	rec.FileName = newName
	rec.NeedsRefetch = true
	if err := s.store.Save(rec); err != nil {
		s.log.Warn().Int64("file", fileID).Err(err).Msg("save renamed record")
	}
}

// dropFile removes the record and any watch progress for a vanished file.
func (s *Syncer) dropFile(ctx context.Context, fileID int64) {
	if err := s.store.Delete(fileID); err != nil {
		s.log.Warn().Int64("file", fileID).Err(err).Msg("delete record")
	}
	if s.history != nil {
		if err := s.history.Delete(ctx, fileID); err != nil {
			s.log.Warn().Int64("file", fileID).Err(err).Msg("delete progress")
		}
	}
}

// repairPass refetches records flagged needs_refetch, bounded per pass.
func (s *Syncer) repairPass(ctx context.Context) bool {
	all, err := s.store.All()
	if err != nil {
		s.log.Warn().Err(err).Msg("repair pass: load store")
		return false
	}
	worked := false
	attempts := 0
	for _, r := range all {
		if attempts >= repairLimit || ctx.Err() != nil {
			break
		}
		if !r.NeedsRefetch {
			continue
		}
		if s.tracker != nil && s.tracker.WaitIfBusyTimeout(busyWait) {
			break
		}
		attempts++
		if err := s.worker.Refetch(ctx, r.FileID); err != nil {
			s.log.Warn().Int64("file", r.FileID).Err(err).Msg("repair refetch failed")
		}
		worked = true
	}
	return worked
}

// drainRefetch empties the watcher queue without blocking.
func (s *Syncer) drainRefetch(ctx context.Context) bool {
	worked := false
	for {
		select {
		case id := <-s.refetch:
			if err := s.worker.Refetch(ctx, id); err != nil {
				s.log.Warn().Int64("file", id).Err(err).Msg("manual refetch failed")
			}
			worked = true
		default:
			return worked
		}
	}
}

// RebuildAggregates regenerates the per-show cache from the current records.
func (s *Syncer) RebuildAggregates() { s.rebuildAggregates() }

func (s *Syncer) rebuildAggregates() {
	all, err := s.store.All()
	if err != nil {
		s.log.Warn().Err(err).Msg("aggregate rebuild: load store")
		return
	}
	if err := s.agg.Rebuild(all); err != nil {
		s.log.Warn().Err(err).Msg("aggregate rebuild failed")
	}
}
