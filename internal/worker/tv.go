package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/onlyvaibhav/streamflix/internal/filename"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/tmdb"
)

// processShow enriches all episodes under one show key with a single
// show-level fetch. Concurrent passes over the same show are dropped.
// A non-zero pin bypasses the title search and fetches that show id.
func (w *Worker) processShow(ctx context.Context, key string, eps []Input, pin int64) {
	w.mu.Lock()
	if w.showInFlight[key] {
		w.mu.Unlock()
		w.log.Debug().Str("show", key).Msg("show fetch already in flight")
		return
	}
	w.showInFlight[key] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.showInFlight, key)
		w.mu.Unlock()
	}()

	showTitle := filename.ShowTitle(eps[0].FileName)
	year, _ := filename.ParseYear(eps[0].FileName)

	details, err := w.fetchShow(ctx, showTitle, year, pin)
	if err != nil {
		w.log.Warn().Str("show", showTitle).Err(err).Msg("show lookup failed")
		for _, in := range eps {
			w.saveEpisodeStubFailed(ctx, in, showTitle, err)
			w.yield(ctx)
		}
		return
	}

	posterWeb, backdropWeb := w.fetchShowArtwork(ctx, details)

	for _, in := range eps {
		if ctx.Err() != nil {
			return
		}
		if err := w.processEpisode(ctx, in, details, posterWeb, backdropWeb, pin); err != nil {
			w.log.Warn().Int64("file", in.FileID).Err(err).Msg("episode enrichment failed")
		}
		w.yield(ctx)
	}
}

func (w *Worker) fetchShow(ctx context.Context, title string, year int, pin int64) (*tmdb.TVDetails, error) {
	if pin > 0 {
		return w.tmdb.TV(ctx, pin)
	}
	hit, err := w.tmdb.SearchTV(ctx, title, year)
	if err != nil {
		return nil, err
	}
	return w.tmdb.TV(ctx, hit.ID)
}

// fetchShowArtwork downloads the shared show images once per show. All
// episodes of the show reference the same files.
func (w *Worker) fetchShowArtwork(ctx context.Context, d *tmdb.TVDetails) (posterWeb, backdropWeb string) {
	if d.PosterPath != "" {
		name := fmt.Sprintf("show_%d.jpg", d.ID)
		if err := w.tmdb.DownloadImage(ctx, d.PosterPath, "w500", filepath.Join(w.postersDir, name)); err != nil {
			w.log.Warn().Int64("show", d.ID).Err(err).Msg("show poster download failed")
		} else {
			posterWeb = "/posters/" + name
		}
	}
	if d.BackdropPath != "" {
		name := fmt.Sprintf("show_%d_bd.jpg", d.ID)
		if err := w.tmdb.DownloadImage(ctx, d.BackdropPath, "original", filepath.Join(w.backdropsDir, name)); err != nil {
			w.log.Warn().Int64("show", d.ID).Err(err).Msg("show backdrop download failed")
		} else {
			backdropWeb = "/backdrops/" + name
		}
	}
	return posterWeb, backdropWeb
}

// processEpisode builds one episode record from show details plus the
// per-episode fetch. Episode-detail failures degrade to show-level data.
func (w *Worker) processEpisode(ctx context.Context, in Input, d *tmdb.TVDetails, posterWeb, backdropWeb string, pin int64) error {
	se, ok := filename.ParseSeasonEpisode(in.FileName)
	if !ok {
		if pin == 0 {
			return fmt.Errorf("no season/episode marker in %q", in.FileName)
		}
		// Operator forced this file onto a show without a marker in the name.
		se = filename.SeasonEpisode{Season: 1, Episode: 1}
	}

	rec := &store.Record{
		FileID:   in.FileID,
		FileName: in.FileName,
		Type:     store.TypeTV,
		Title:    d.Name,
		Year:     tmdb.Year(d.FirstAirDate),
		Overview: d.Overview,
		Genres:   tmdb.GenreNames(d.Genres),
		Rating:   d.VoteAverage,
		TMDBID:   d.ID,
		TV: &store.TVInfo{
			ShowTMDBID:    d.ID,
			ShowTitle:     d.Name,
			Season:        se.Season,
			Episode:       se.Episode,
			TotalSeasons:  d.NumberOfSeasons,
			TotalEpisodes: d.NumberOfEpisodes,
		},
		PosterPath:   posterWeb,
		BackdropPath: backdropWeb,
	}
	w.attachTracks(ctx, rec)

	ep, err := w.tmdb.Episode(ctx, d.ID, se.Season, se.Episode)
	if err != nil {
		w.log.Debug().Int64("file", in.FileID).Err(err).Msg("episode details unavailable, show-level only")
	} else {
		rec.TV.EpisodeTitle = ep.Name
		rec.TV.EpisodeOverview = ep.Overview
		if ep.VoteAverage > 0 {
			rec.Rating = ep.VoteAverage
		}
		if ep.Runtime > 0 {
			rec.Runtime = ep.Runtime
		}
	}

	rec.FetchedAt = time.Now()
	rec.NeedsRetry = false
	rec.ManualTMDBID = pin
	return w.store.Save(rec)
}

// saveEpisodeStubFailed writes a retryable stub when the show lookup failed.
func (w *Worker) saveEpisodeStubFailed(ctx context.Context, in Input, showTitle string, cause error) {
	rec := &store.Record{
		FileID:     in.FileID,
		FileName:   in.FileName,
		Type:       store.TypeTV,
		Title:      showTitle,
		NeedsRetry: true,
	}
	if se, ok := filename.ParseSeasonEpisode(in.FileName); ok {
		rec.TV = &store.TVInfo{Season: se.Season, Episode: se.Episode, ShowTitle: showTitle}
	}
	w.attachTracks(ctx, rec)
	w.recordFailure(rec, cause)
	if err := w.store.Save(rec); err != nil {
		w.log.Warn().Int64("file", in.FileID).Err(err).Msg("save episode stub")
	}
}
