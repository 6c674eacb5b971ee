package worker

import (
	"context"

	"github.com/onlyvaibhav/streamflix/internal/metrics"
	"github.com/onlyvaibhav/streamflix/internal/store"
)

// ImagePass re-fetches artwork for records that are valid except for a
// missing or dangling image, using only the stored id. Episodes are handled
// per show so the shared images are downloaded once.
func (w *Worker) ImagePass(ctx context.Context) bool {
	metrics.WorkerPasses.WithLabelValues("images").Inc()
	all, err := w.store.All()
	if err != nil {
		w.log.Warn().Err(err).Msg("image pass: load store")
		return false
	}

	var movies []*store.Record
	showEpisodes := make(map[int64][]*store.Record)
	for _, r := range all {
		if !r.Valid() || w.store.ImagesPresent(r) {
			continue
		}
		if r.IsTV() {
			showEpisodes[r.TV.ShowTMDBID] = append(showEpisodes[r.TV.ShowTMDBID], r)
		} else {
			movies = append(movies, r)
		}
	}
	if len(movies) == 0 && len(showEpisodes) == 0 {
		return false
	}

	for _, r := range movies {
		if ctx.Err() != nil {
			return true
		}
		w.repairMovieImages(ctx, r)
		w.yield(ctx)
	}
	for showID, eps := range showEpisodes {
		if ctx.Err() != nil {
			return true
		}
		w.repairShowImages(ctx, showID, eps)
		w.yield(ctx)
	}
	return true
}

func (w *Worker) repairMovieImages(ctx context.Context, rec *store.Record) {
	d, err := w.tmdb.Movie(ctx, rec.TMDBID)
	if err != nil {
		w.log.Warn().Int64("file", rec.FileID).Err(err).Msg("image repair lookup failed")
		return
	}
	poster, backdrop := w.fetchArtwork(ctx, rec.FileID, d.PosterPath, d.BackdropPath)
	if poster == "" && backdrop == "" {
		return
	}
	if poster != "" {
		rec.PosterPath = poster
	}
	if backdrop != "" {
		rec.BackdropPath = backdrop
	}
	if err := w.store.Save(rec); err != nil {
		w.log.Warn().Int64("file", rec.FileID).Err(err).Msg("image repair save failed")
	}
}

// repairShowImages downloads the show's shared images once, then points every
// broken episode at them.
func (w *Worker) repairShowImages(ctx context.Context, showID int64, eps []*store.Record) {
	d, err := w.tmdb.TV(ctx, showID)
	if err != nil {
		w.log.Warn().Int64("show", showID).Err(err).Msg("show image repair lookup failed")
		return
	}
	poster, backdrop := w.fetchShowArtwork(ctx, d)
	if poster == "" && backdrop == "" {
		return
	}
	for _, rec := range eps {
		if poster != "" {
			rec.PosterPath = poster
		}
		if backdrop != "" {
			rec.BackdropPath = backdrop
		}
		if err := w.store.Save(rec); err != nil {
			w.log.Warn().Int64("file", rec.FileID).Err(err).Msg("episode image repair save failed")
		}
	}
}
