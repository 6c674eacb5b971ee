// Package worker enriches discovered files with external metadata: stubs,
// lookups, artwork, retries with backoff, and show-grouped episode fetches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/filename"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/mediainfo"
	"github.com/onlyvaibhav/streamflix/internal/metrics"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/tmdb"
)

const (
	busySleep    = 2 * time.Second
	idleSleepMin = 150 * time.Millisecond
	idleSleepMax = 500 * time.Millisecond

	maxAttempts = 10
)

// backoffLadder maps attempt count to wait time; the last rung is sticky.
var backoffLadder = []time.Duration{
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// backoffFor returns the wait before the next retry after n failed attempts.
func backoffFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > len(backoffLadder) {
		n = len(backoffLadder)
	}
	return backoffLadder[n-1]
}

// Input is one file to enrich.
type Input struct {
	FileID   int64
	FileName string
}

// Worker drives enrichment. All passes yield to the activity tracker so
// playback never competes with metadata traffic.
type Worker struct {
	store        *store.Store
	tmdb         *tmdb.Client
	prober       *mediainfo.Prober
	remote       remote.Client
	tracker      *activity.Tracker
	postersDir   string
	backdropsDir string
	log          zerolog.Logger

	mu           sync.Mutex
	showInFlight map[string]bool
}

// New builds a worker. prober may be nil when the probe tool is absent.
func New(st *store.Store, td *tmdb.Client, prober *mediainfo.Prober, rc remote.Client, tracker *activity.Tracker, postersDir, backdropsDir string) *Worker {
	return &Worker{
		store:        st,
		tmdb:         td,
		prober:       prober,
		remote:       rc,
		tracker:      tracker,
		postersDir:   postersDir,
		backdropsDir: backdropsDir,
		log:          logging.WithComponent("worker"),
		showInFlight: make(map[string]bool),
	}
}

// yield sleeps between records: long when a stream is active, short otherwise.
func (w *Worker) yield(ctx context.Context) {
	var d time.Duration
	if w.tracker != nil && w.tracker.Paused() {
		d = busySleep
	} else {
		d = idleSleepMin + time.Duration(rand.Int63n(int64(idleSleepMax-idleSleepMin)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// ProcessBatch classifies and enriches a batch. Returns true when any record
// was written.
func (w *Worker) ProcessBatch(ctx context.Context, inputs []Input) bool {
	metrics.WorkerPasses.WithLabelValues("batch").Inc()

	shows := make(map[string][]Input)
	var movies []Input
	for _, in := range inputs {
		if _, ok := filename.ParseSeasonEpisode(in.FileName); ok {
			key := filename.ShowKey(filename.ShowTitle(in.FileName))
			shows[key] = append(shows[key], in)
		} else {
			movies = append(movies, in)
		}
	}

	worked := false
	for _, in := range movies {
		if ctx.Err() != nil {
			return worked
		}
		if err := w.ProcessMovie(ctx, in); err != nil {
			w.log.Warn().Int64("file", in.FileID).Err(err).Msg("movie enrichment failed")
		}
		worked = true
		w.yield(ctx)
	}
	for key, eps := range shows {
		if ctx.Err() != nil {
			return worked
		}
		w.processShow(ctx, key, eps, 0)
		worked = true
	}
	return worked
}

// ProcessMovie enriches one movie file: part shortcut, stub, lookup, artwork.
func (w *Worker) ProcessMovie(ctx context.Context, in Input) error {
	title := filename.Clean(in.FileName)
	year, _ := filename.ParseYear(in.FileName)

	if part, ok := filename.ParsePart(in.FileName); ok && part > 1 {
		if done, err := w.copyFromFirstPart(in, title, year, part); done || err != nil {
			return err
		}
	}

	rec := w.stub(ctx, in, title, year)
	if err := w.store.Save(rec); err != nil {
		return err
	}

	if err := w.enrichMovie(ctx, rec, title, year); err != nil {
		w.recordFailure(rec, err)
		return err
	}
	return w.store.Save(rec)
}

// copyFromFirstPart reuses part 1's metadata for later parts, skipping the
// external lookup entirely. Returns done=true when a copy was made.
func (w *Worker) copyFromFirstPart(in Input, title string, year, part int) (bool, error) {
	all, err := w.store.All()
	if err != nil {
		return false, err
	}
	norm := filename.ShowKey(title)
	for _, r := range all {
		if r.IsTV() || !r.Valid() {
			continue
		}
		p, ok := filename.ParsePart(r.FileName)
		if (!ok || p != 1) && r.PartNumber != 1 {
			continue
		}
		if filename.NormalizedTitle(r.FileName) != norm || r.Year != year {
			continue
		}
		cp := *r
		cp.FileID = in.FileID
		cp.FileName = in.FileName
		cp.PartNumber = part
		cp.IsSplit = true
		cp.Parts = nil
		w.log.Info().Int64("file", in.FileID).Int("part", part).
			Int64("from", r.FileID).Msg("part metadata copied")
		return true, w.store.Save(&cp)
	}
	return false, nil
}

// stub builds the initial needs_retry record, with probed tracks when possible.
func (w *Worker) stub(ctx context.Context, in Input, title string, year int) *store.Record {
	rec := &store.Record{
		FileID:     in.FileID,
		FileName:   in.FileName,
		Type:       store.TypeMovie,
		Title:      title,
		Year:       year,
		NeedsRetry: true,
	}
	if part, ok := filename.ParsePart(in.FileName); ok {
		rec.PartNumber = part
	}
	w.attachTracks(ctx, rec)
	return rec
}

// attachTracks probes the file prefix for audio/subtitle layout. Best effort.
func (w *Worker) attachTracks(ctx context.Context, rec *store.Record) {
	if w.prober == nil || w.remote == nil {
		return
	}
	h, err := w.remote.Resolve(ctx, rec.FileID)
	if err != nil {
		return
	}
	info, err := w.prober.Probe(ctx, h)
	if err != nil || info == nil {
		return
	}
	rec.AudioTracks = info.AudioStreams
	rec.SubtitleTracks = info.SubtitleStreams
}

// enrichMovie fills rec from the metadata API and downloads its artwork.
func (w *Worker) enrichMovie(ctx context.Context, rec *store.Record, title string, year int) error {
	var id int64
	if rec.ManualTMDBID > 0 {
		id = rec.ManualTMDBID
	} else {
		hit, err := w.tmdb.SearchMovie(ctx, title, year)
		if err != nil {
			return err
		}
		id = hit.ID
	}
	d, err := w.tmdb.Movie(ctx, id)
	if err != nil {
		return err
	}

	rec.TMDBID = d.ID
	rec.Title = d.Title
	rec.Overview = d.Overview
	rec.Genres = tmdb.GenreNames(d.Genres)
	rec.Rating = d.VoteAverage
	rec.Runtime = d.Runtime
	if y := tmdb.Year(d.ReleaseDate); y > 0 {
		rec.Year = y
	}
	rec.PosterPath, rec.BackdropPath = w.fetchArtwork(ctx, rec.FileID, d.PosterPath, d.BackdropPath)

	rec.FetchedAt = time.Now()
	rec.NeedsRetry = false
	rec.NeedsRefetch = false
	rec.Retry = store.RetryInfo{}
	return nil
}

// fetchArtwork downloads poster/backdrop under the per-file convention and
// returns the web paths, empty when the upstream has no artwork.
func (w *Worker) fetchArtwork(ctx context.Context, fileID int64, poster, backdrop string) (posterWeb, backdropWeb string) {
	if poster != "" {
		name := fmt.Sprintf("%d.jpg", fileID)
		if err := w.tmdb.DownloadImage(ctx, poster, "w500", filepath.Join(w.postersDir, name)); err != nil {
			w.log.Warn().Int64("file", fileID).Err(err).Msg("poster download failed")
		} else {
			posterWeb = "/posters/" + name
		}
	}
	if backdrop != "" {
		name := fmt.Sprintf("%d_bd.jpg", fileID)
		if err := w.tmdb.DownloadImage(ctx, backdrop, "original", filepath.Join(w.backdropsDir, name)); err != nil {
			w.log.Warn().Int64("file", fileID).Err(err).Msg("backdrop download failed")
		} else {
			backdropWeb = "/backdrops/" + name
		}
	}
	return posterWeb, backdropWeb
}

// recordFailure marks the record for retry with the classified failure kind.
func (w *Worker) recordFailure(rec *store.Record, err error) {
	rec.NeedsRetry = true
	rec.Retry.FailureKind = classifyFailure(err)
	if rec.Retry.AttemptCount < maxAttempts {
		rec.Retry.AttemptCount++
	}
	rec.Retry.LastAttemptAt = time.Now()
}

func classifyFailure(err error) store.FailureKind {
	switch {
	case errors.Is(err, tmdb.ErrNotFound):
		return store.FailNotFound
	case errors.Is(err, tmdb.ErrRateLimited):
		return store.FailRateLimited
	case errors.Is(err, tmdb.ErrBadPayload):
		return store.FailCorrupted
	case errors.Is(err, tmdb.ErrNetwork):
		return store.FailNetwork
	default:
		return store.FailPendingTMDB
	}
}

// RetryEligible reports whether a failed record's backoff has elapsed.
func RetryEligible(rec *store.Record, now time.Time) bool {
	if !rec.NeedsRetry {
		return false
	}
	if rec.Retry.LastAttemptAt.IsZero() {
		return true
	}
	return now.Sub(rec.Retry.LastAttemptAt) >= backoffFor(rec.Retry.AttemptCount)
}

// RetryPass re-attempts failed records whose backoff elapsed. Episodes are
// regrouped by show so each show is fetched once per pass.
func (w *Worker) RetryPass(ctx context.Context) bool {
	metrics.WorkerPasses.WithLabelValues("retry").Inc()
	all, err := w.store.All()
	if err != nil {
		w.log.Warn().Err(err).Msg("retry pass: load store")
		return false
	}
	now := time.Now()
	var batch []Input
	for _, r := range all {
		if RetryEligible(r, now) {
			batch = append(batch, Input{FileID: r.FileID, FileName: r.FileName})
		}
	}
	if len(batch) == 0 {
		return false
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].FileID < batch[j].FileID })
	w.log.Info().Int("count", len(batch)).Msg("retrying failed lookups")
	return w.ProcessBatch(ctx, batch)
}

// Refetch reprocesses one file immediately, honoring a pinned manual id.
// An operator type override wins over the filename when choosing the path.
func (w *Worker) Refetch(ctx context.Context, fileID int64) error {
	rec, err := w.store.Get(fileID)
	if err != nil {
		return err
	}
	in := Input{FileID: rec.FileID, FileName: rec.FileName}
	_, hasMarker := filename.ParseSeasonEpisode(rec.FileName)
	isTV := hasMarker
	switch rec.Type {
	case store.TypeMovie:
		isTV = false
	case store.TypeTV:
		isTV = true
	}
	if isTV {
		key := filename.ShowKey(filename.ShowTitle(rec.FileName))
		w.processShow(ctx, key, []Input{in}, rec.ManualTMDBID)
		return nil
	}
	// Carry the operator's pin through the fresh stub.
	manual := rec.ManualTMDBID
	title := filename.Clean(in.FileName)
	year, _ := filename.ParseYear(in.FileName)
	fresh := w.stub(ctx, in, title, year)
	fresh.ManualTMDBID = manual
	if err := w.store.Save(fresh); err != nil {
		return err
	}
	if err := w.enrichMovie(ctx, fresh, title, year); err != nil {
		w.recordFailure(fresh, err)
		if serr := w.store.Save(fresh); serr != nil {
			return serr
		}
		return err
	}
	return w.store.Save(fresh)
}
