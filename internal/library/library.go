// Package library derives the browsable catalog from the valid metadata set:
// part grouping, per-show aggregates, genre rows, hero picks and search.
package library

import (
	"sort"
	"strings"

	"github.com/onlyvaibhav/streamflix/internal/filename"
	"github.com/onlyvaibhav/streamflix/internal/store"
)

// Movie is one catalog entry; split uploads are merged into a single movie.
type Movie struct {
	store.Record
	TotalParts int `json:"total_parts,omitempty"`
}

// Episode is one playable episode within a show.
type Episode struct {
	FileID   int64   `json:"file_id"`
	FileName string  `json:"file_name"`
	Season   int     `json:"season"`
	Episode  int     `json:"episode"`
	Title    string  `json:"title,omitempty"`
	Overview string  `json:"overview,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
}

// Show is the derived per-show aggregate.
type Show struct {
	ShowTMDBID            int64             `json:"show_tmdb_id"`
	Title                 string            `json:"title"`
	Overview              string            `json:"overview,omitempty"`
	PosterPath            string            `json:"poster_path,omitempty"`
	BackdropPath          string            `json:"backdrop_path,omitempty"`
	Genres                []string          `json:"genres,omitempty"`
	Rating                float64           `json:"rating,omitempty"`
	TotalSeasons          int               `json:"total_seasons,omitempty"`
	TotalEpisodes         int               `json:"total_episodes,omitempty"`
	Seasons               map[int][]Episode `json:"seasons"`
	AvailableSeasons      []int             `json:"available_seasons"`
	AvailableEpisodeCount int               `json:"available_episode_count"`
}

// Item is the reduced reference used by genre rows, hero picks and search.
type Item struct {
	ID           int64   `json:"id"` // file id for movies, show id for shows
	Type         string  `json:"type"`
	Title        string  `json:"title"`
	PosterPath   string  `json:"poster_path,omitempty"`
	BackdropPath string  `json:"backdrop_path,omitempty"`
	Rating       float64 `json:"rating,omitempty"`
	Year         int     `json:"year,omitempty"`
	Genres       []string `json:"-"`
	Overview     string   `json:"-"`
}

// GenreRow is one shelf of the browse screen.
type GenreRow struct {
	Genre string `json:"genre"`
	Items []Item `json:"items"`
}

// Counts summarizes the catalog.
type Counts struct {
	Movies        int `json:"movies"`
	TVShows       int `json:"tv_shows"`
	TotalEpisodes int `json:"total_episodes"`
}

// Library is the full aggregated catalog.
type Library struct {
	Movies    []Movie    `json:"movies"`
	TVShows   []Show     `json:"tv_shows"`
	GenreRows []GenreRow `json:"genre_rows"`
	HeroItems []Item     `json:"hero_items"`
	Counts    Counts     `json:"counts"`
}

const (
	heroLimit     = 8
	heroMinRating = 5
)

// Build aggregates the valid record set into a catalog.
func Build(records []*store.Record) *Library {
	var movies []*store.Record
	var episodes []*store.Record
	for _, r := range records {
		if r.IsTV() {
			episodes = append(episodes, r)
		} else {
			movies = append(movies, r)
		}
	}

	lib := &Library{
		Movies:  groupMovies(movies),
		TVShows: BuildShows(episodes),
	}
	lib.Counts = Counts{
		Movies:  len(lib.Movies),
		TVShows: len(lib.TVShows),
	}
	for _, s := range lib.TVShows {
		lib.Counts.TotalEpisodes += s.AvailableEpisodeCount
	}

	items := collectItems(lib)
	lib.GenreRows = genreRows(items)
	lib.HeroItems = heroItems(items)
	return lib
}

// groupMovies merges split uploads. Records sharing a tmdb id merge first;
// records without one merge by normalized title when a part marker exists.
func groupMovies(records []*store.Record) []Movie {
	byTMDB := make(map[int64][]*store.Record)
	byTitle := make(map[string][]*store.Record)
	var singles []*store.Record

	for _, r := range records {
		switch {
		case r.TMDBID > 0:
			byTMDB[r.TMDBID] = append(byTMDB[r.TMDBID], r)
		default:
			if _, ok := filename.ParsePart(r.FileName); ok {
				byTitle[filename.NormalizedTitle(r.FileName)] = append(
					byTitle[filename.NormalizedTitle(r.FileName)], r)
			} else {
				singles = append(singles, r)
			}
		}
	}

	var out []Movie
	for _, group := range byTMDB {
		out = append(out, mergeGroup(group))
	}
	for _, group := range byTitle {
		out = append(out, mergeGroup(group))
	}
	for _, r := range singles {
		out = append(out, Movie{Record: *r})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// mergeGroup folds part records into one movie. Groups of one pass through.
func mergeGroup(group []*store.Record) Movie {
	if len(group) == 1 {
		return Movie{Record: *group[0]}
	}
	sort.Slice(group, func(i, j int) bool {
		pi, pj := partNumber(group[i]), partNumber(group[j])
		if pi != pj && pi > 0 && pj > 0 {
			return pi < pj
		}
		if pi > 0 && pj == 0 {
			return true
		}
		if pi == 0 && pj > 0 {
			return false
		}
		return group[i].FileName < group[j].FileName
	})

	m := Movie{Record: *group[0], TotalParts: len(group)}
	m.IsSplit = true
	m.Parts = make([]store.Part, 0, len(group))
	for i, r := range group {
		n := partNumber(r)
		if n == 0 {
			n = i + 1
		}
		m.Parts = append(m.Parts, store.Part{
			FileID:     r.FileID,
			FileName:   r.FileName,
			PartNumber: n,
		})
	}
	return m
}

func partNumber(r *store.Record) int {
	if r.PartNumber > 0 {
		return r.PartNumber
	}
	if n, ok := filename.ParsePart(r.FileName); ok {
		return n
	}
	return 0
}

// BuildShows joins episode records by show id. Duplicate (season, episode)
// pairs keep the first seen record.
func BuildShows(episodes []*store.Record) []Show {
	byShow := make(map[int64][]*store.Record)
	for _, r := range episodes {
		byShow[r.TV.ShowTMDBID] = append(byShow[r.TV.ShowTMDBID], r)
	}

	out := make([]Show, 0, len(byShow))
	for id, eps := range byShow {
		out = append(out, buildShow(id, eps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func buildShow(showID int64, eps []*store.Record) Show {
	s := Show{ShowTMDBID: showID, Seasons: make(map[int][]Episode)}
	seen := make(map[[2]int]bool)

	for _, r := range eps {
		// Show-level fields come from whichever record carries them.
		if s.Title == "" && r.TV.ShowTitle != "" {
			s.Title = r.TV.ShowTitle
		}
		if s.Overview == "" {
			s.Overview = r.Overview
		}
		if s.PosterPath == "" {
			s.PosterPath = r.PosterPath
		}
		if s.BackdropPath == "" {
			s.BackdropPath = r.BackdropPath
		}
		if s.Genres == nil {
			s.Genres = r.Genres
		}
		if s.Rating == 0 {
			s.Rating = r.Rating
		}
		if s.TotalSeasons == 0 {
			s.TotalSeasons = r.TV.TotalSeasons
		}
		if s.TotalEpisodes == 0 {
			s.TotalEpisodes = r.TV.TotalEpisodes
		}

		key := [2]int{r.TV.Season, r.TV.Episode}
		if seen[key] {
			continue
		}
		seen[key] = true
		s.Seasons[r.TV.Season] = append(s.Seasons[r.TV.Season], Episode{
			FileID:   r.FileID,
			FileName: r.FileName,
			Season:   r.TV.Season,
			Episode:  r.TV.Episode,
			Title:    r.TV.EpisodeTitle,
			Overview: r.TV.EpisodeOverview,
			Rating:   r.Rating,
		})
	}
	if s.Title == "" {
		s.Title = filename.ShowTitle(eps[0].FileName)
	}

	for season, list := range s.Seasons {
		sort.Slice(list, func(i, j int) bool { return list[i].Episode < list[j].Episode })
		s.Seasons[season] = list
		s.AvailableSeasons = append(s.AvailableSeasons, season)
		s.AvailableEpisodeCount += len(list)
	}
	sort.Ints(s.AvailableSeasons)
	return s
}

func collectItems(lib *Library) []Item {
	items := make([]Item, 0, len(lib.Movies)+len(lib.TVShows))
	for _, m := range lib.Movies {
		items = append(items, Item{
			ID:           m.FileID,
			Type:         string(store.TypeMovie),
			Title:        m.Title,
			PosterPath:   m.PosterPath,
			BackdropPath: m.BackdropPath,
			Rating:       m.Rating,
			Year:         m.Year,
			Genres:       m.Genres,
			Overview:     m.Overview,
		})
	}
	for _, s := range lib.TVShows {
		items = append(items, Item{
			ID:           s.ShowTMDBID,
			Type:         string(store.TypeTV),
			Title:        s.Title,
			PosterPath:   s.PosterPath,
			BackdropPath: s.BackdropPath,
			Rating:       s.Rating,
			Genres:       s.Genres,
			Overview:     s.Overview,
		})
	}
	return items
}

// genreRows builds one row per genre with at least two members, largest first.
func genreRows(items []Item) []GenreRow {
	byGenre := make(map[string][]Item)
	for _, it := range items {
		for _, g := range it.Genres {
			byGenre[g] = append(byGenre[g], it)
		}
	}
	var rows []GenreRow
	for g, members := range byGenre {
		if len(members) < 2 {
			continue
		}
		rows = append(rows, GenreRow{Genre: g, Items: members})
	}
	sort.Slice(rows, func(i, j int) bool {
		if len(rows[i].Items) != len(rows[j].Items) {
			return len(rows[i].Items) > len(rows[j].Items)
		}
		return rows[i].Genre < rows[j].Genre
	})
	return rows
}

// heroItems picks up to 8 well-rated items with backdrops, best first.
// Falls back to the top-rated items overall when nothing qualifies.
func heroItems(items []Item) []Item {
	var heroes []Item
	for _, it := range items {
		if it.BackdropPath != "" && it.Rating >= heroMinRating {
			heroes = append(heroes, it)
		}
	}
	if len(heroes) == 0 {
		heroes = append(heroes, items...)
	}
	sort.Slice(heroes, func(i, j int) bool { return heroes[i].Rating > heroes[j].Rating })
	if len(heroes) > heroLimit {
		heroes = heroes[:heroLimit]
	}
	return heroes
}

// Search weights: exact title, title prefix, title substring, genre, overview.
const (
	scoreExact     = 100
	scorePrefix    = 80
	scoreSubstring = 60
	scoreGenre     = 40
	scoreOverview  = 20
)

type scored struct {
	Item
	score int
}

// Search ranks catalog items against a free-text query.
func Search(lib *Library, query string) []Item {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var hits []scored
	for _, it := range collectItems(lib) {
		s := score(it, q)
		if s > 0 {
			hits = append(hits, scored{Item: it, score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].Rating != hits[j].Rating {
			return hits[i].Rating > hits[j].Rating
		}
		return hits[i].Title < hits[j].Title
	})
	out := make([]Item, len(hits))
	for i, h := range hits {
		out[i] = h.Item
	}
	return out
}

func score(it Item, q string) int {
	title := strings.ToLower(it.Title)
	switch {
	case title == q:
		return scoreExact
	case strings.HasPrefix(title, q):
		return scorePrefix
	case strings.Contains(title, q):
		return scoreSubstring
	}
	for _, g := range it.Genres {
		if strings.Contains(strings.ToLower(g), q) {
			return scoreGenre
		}
	}
	if strings.Contains(strings.ToLower(it.Overview), q) {
		return scoreOverview
	}
	return 0
}
