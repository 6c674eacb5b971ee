// Package tmdb is a minimal client for the external metadata API: search,
// details, and artwork URLs, rate limited below the upstream's cap.
package tmdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/onlyvaibhav/streamflix/internal/httpclient"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/metrics"
)

// Upstream allows 50 req/s per key; stay under it.
const requestsPerSecond = 40

// Sentinel errors, mapped onto record failure kinds by the worker.
var (
	ErrNotFound    = errors.New("tmdb: no results")
	ErrRateLimited = errors.New("tmdb: rate limited")
	ErrNetwork     = errors.New("tmdb: network failure")
	ErrBadPayload  = errors.New("tmdb: malformed payload")
)

// Client talks to the metadata API.
type Client struct {
	apiKey  string
	baseURL string
	imgURL  string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds a client. baseURL and imgURL default to the public API.
func New(apiKey, baseURL, imgURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.themoviedb.org/3"
	}
	if imgURL == "" {
		imgURL = "https://image.tmdb.org/t/p"
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		imgURL:  imgURL,
		http:    httpclient.WithTimeout(15 * time.Second),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 5),
		log:     logging.WithComponent("tmdb"),
	}
}

// SearchResult is one hit from a search endpoint. Title/ReleaseDate are the
// movie fields; Name/FirstAirDate the TV ones.
type SearchResult struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	VoteAverage  float64 `json:"vote_average"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

type genre struct {
	Name string `json:"name"`
}

// MovieDetails is the full movie document, reduced to the fields we persist.
type MovieDetails struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Overview     string  `json:"overview"`
	ReleaseDate  string  `json:"release_date"`
	Runtime      int     `json:"runtime"`
	VoteAverage  float64 `json:"vote_average"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	Genres       []genre `json:"genres"`
}

// TVDetails is the full show document.
type TVDetails struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Overview         string  `json:"overview"`
	FirstAirDate     string  `json:"first_air_date"`
	NumberOfSeasons  int     `json:"number_of_seasons"`
	NumberOfEpisodes int     `json:"number_of_episodes"`
	VoteAverage      float64 `json:"vote_average"`
	PosterPath       string  `json:"poster_path"`
	BackdropPath     string  `json:"backdrop_path"`
	Genres           []genre `json:"genres"`
}

// EpisodeDetails is one episode document.
type EpisodeDetails struct {
	Name          string  `json:"name"`
	Overview      string  `json:"overview"`
	AirDate       string  `json:"air_date"`
	SeasonNumber  int     `json:"season_number"`
	EpisodeNumber int     `json:"episode_number"`
	VoteAverage   float64 `json:"vote_average"`
	Runtime       int     `json:"runtime"`
}

// GenreNames flattens the genre objects.
func GenreNames(gs []genre) []string {
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.Name)
	}
	return out
}

// Year extracts the year from a TMDB date string ("2010-07-15").
func Year(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, _ := strconv.Atoi(date[:4])
	return y
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	u := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, c.http, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		metrics.MetadataLookups.WithLabelValues("network_error").Inc()
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		metrics.MetadataLookups.WithLabelValues("not_found").Inc()
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.MetadataLookups.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	default:
		metrics.MetadataLookups.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: status %d on %s", ErrNetwork, resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.MetadataLookups.WithLabelValues("corrupted").Inc()
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	metrics.MetadataLookups.WithLabelValues("ok").Inc()
	return nil
}

// search runs one search endpoint, retrying once without the year filter.
func (c *Client) search(ctx context.Context, path, title string, year int, yearKey string) (*SearchResult, error) {
	q := url.Values{"query": {title}}
	if year > 0 {
		q.Set(yearKey, strconv.Itoa(year))
	}
	var res searchResponse
	if err := c.get(ctx, path, q, &res); err != nil {
		return nil, err
	}
	if len(res.Results) == 0 && year > 0 {
		c.log.Debug().Str("title", title).Int("year", year).Msg("retrying search without year")
		q.Del(yearKey)
		if err := c.get(ctx, path, q, &res); err != nil {
			return nil, err
		}
	}
	if len(res.Results) == 0 {
		return nil, ErrNotFound
	}
	return &res.Results[0], nil
}

// SearchMovie returns the top movie hit for title, preferring the year match.
func (c *Client) SearchMovie(ctx context.Context, title string, year int) (*SearchResult, error) {
	return c.search(ctx, "/search/movie", title, year, "year")
}

// SearchTV returns the top show hit for title.
func (c *Client) SearchTV(ctx context.Context, title string, year int) (*SearchResult, error) {
	return c.search(ctx, "/search/tv", title, year, "first_air_date_year")
}

// Movie fetches full movie details by id.
func (c *Client) Movie(ctx context.Context, id int64) (*MovieDetails, error) {
	var d MovieDetails
	if err := c.get(ctx, "/movie/"+strconv.FormatInt(id, 10), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TV fetches full show details by id.
func (c *Client) TV(ctx context.Context, id int64) (*TVDetails, error) {
	var d TVDetails
	if err := c.get(ctx, "/tv/"+strconv.FormatInt(id, 10), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Episode fetches one episode of a show.
func (c *Client) Episode(ctx context.Context, showID int64, season, episode int) (*EpisodeDetails, error) {
	path := fmt.Sprintf("/tv/%d/season/%d/episode/%d", showID, season, episode)
	var d EpisodeDetails
	if err := c.get(ctx, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ImageURL builds a CDN URL for an artwork path, or "" when absent.
func (c *Client) ImageURL(path, size string) string {
	if path == "" {
		return ""
	}
	if size == "" {
		size = "w500"
	}
	return c.imgURL + "/" + size + path
}

// DownloadImage fetches artwork at path into dest, skipping existing files.
func (c *Client) DownloadImage(ctx context.Context, path, size, dest string) error {
	u := c.ImageURL(path, size)
	if u == "" {
		return nil
	}
	return httpclient.Download(ctx, c.http, u, dest)
}
