package store

import (
	"time"

	"github.com/onlyvaibhav/streamflix/internal/mediainfo"
)

// MediaType distinguishes movies from series episodes.
type MediaType string

const (
	TypeMovie MediaType = "movie"
	TypeTV    MediaType = "tv"
)

// FailureKind classifies why an enrichment attempt failed.
type FailureKind string

const (
	FailNotFound    FailureKind = "not_found"
	FailRateLimited FailureKind = "rate_limited"
	FailNetwork     FailureKind = "network_error"
	FailPendingTMDB FailureKind = "pending_tmdb"
	FailCorrupted   FailureKind = "corrupted"
)

// RetryInfo tracks the backoff state of a failed record.
type RetryInfo struct {
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	AttemptCount  int         `json:"attempt_count,omitempty"`
	LastAttemptAt time.Time   `json:"last_attempt_at,omitempty"`
}

// TVInfo holds series placement for an episode record.
type TVInfo struct {
	ShowTMDBID      int64  `json:"show_tmdb_id"`
	ShowTitle       string `json:"show_title,omitempty"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	EpisodeTitle    string `json:"episode_title,omitempty"`
	EpisodeOverview string `json:"episode_overview,omitempty"`
	TotalSeasons    int    `json:"total_seasons,omitempty"`
	TotalEpisodes   int    `json:"total_episodes,omitempty"`
}

// Part references one physical file of a split movie.
type Part struct {
	FileID     int64  `json:"file_id"`
	FileName   string `json:"file_name"`
	PartNumber int    `json:"part_number"`
}

// Record is the per-file metadata document, one JSON file per file id.
type Record struct {
	FileID   int64     `json:"file_id"`
	FileName string    `json:"file_name"`
	Type     MediaType `json:"type"`

	Title    string   `json:"title"`
	Year     int      `json:"year,omitempty"`
	Overview string   `json:"overview,omitempty"`
	Genres   []string `json:"genres,omitempty"`
	Rating   float64  `json:"rating,omitempty"`
	Runtime  int      `json:"runtime,omitempty"`

	PosterPath   string `json:"poster_path,omitempty"`
	BackdropPath string `json:"backdrop_path,omitempty"`
	TMDBID       int64  `json:"tmdb_id,omitempty"`

	FetchedAt  time.Time `json:"fetched_at,omitempty"`
	NeedsRetry bool      `json:"needs_retry"`
	Retry      RetryInfo `json:"retry,omitempty"`

	// NeedsRefetch is set when a rename or manual edit requires re-deriving
	// title and year. ManualTMDBID pins the lookup to an operator-chosen id.
	NeedsRefetch bool  `json:"needs_refetch,omitempty"`
	ManualTMDBID int64 `json:"_manual_tmdb_id,omitempty"`

	TV *TVInfo `json:"tv,omitempty"`

	PartNumber int    `json:"part_number,omitempty"`
	IsSplit    bool   `json:"is_split,omitempty"`
	Parts      []Part `json:"parts,omitempty"`

	AudioTracks    []mediainfo.AudioStream    `json:"audio_tracks,omitempty"`
	SubtitleTracks []mediainfo.SubtitleStream `json:"subtitle_tracks,omitempty"`
}

// Valid reports whether the record is complete enough to surface in the
// library. Image existence is checked separately by the store, which knows
// where images live.
func (r *Record) Valid() bool {
	return r.FileID != 0 &&
		!r.NeedsRetry &&
		!r.FetchedAt.IsZero() &&
		r.Title != "" &&
		r.TMDBID > 0
}

// IsTV reports series membership. Presence of a show id wins over Type.
func (r *Record) IsTV() bool {
	return r.TV != nil && r.TV.ShowTMDBID > 0
}
