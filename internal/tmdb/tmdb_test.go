package tmdb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New("test-key", srv.URL, srv.URL+"/img")
	return c, srv
}

func TestSearchMovieRetriesWithoutYear(t *testing.T) {
	var calls []string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.RawQuery)
		if r.URL.Query().Get("api_key") != "test-key" {
			t.Errorf("missing api key in %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("year") != "" {
			w.Write([]byte(`{"results": []}`))
			return
		}
		w.Write([]byte(`{"results": [{"id": 27205, "title": "Inception", "release_date": "2010-07-15", "vote_average": 8.4}]}`))
	}))
	defer srv.Close()

	hit, err := c.SearchMovie(context.Background(), "Inception", 2011)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hit.ID != 27205 || hit.Title != "Inception" {
		t.Fatalf("hit: %+v", hit)
	}
	if len(calls) != 2 {
		t.Fatalf("calls=%d want 2 (with year, then without)", len(calls))
	}
}

func TestSearchNoResults(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	if _, err := c.SearchTV(context.Background(), "does not exist", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		if _, err := c.Movie(context.Background(), 1); !errors.Is(err, tc.want) {
			t.Errorf("status %d: err=%v want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestMovieDetails(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/movie/27205" {
			t.Errorf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": 27205, "title": "Inception", "release_date": "2010-07-15",
			"runtime": 148, "vote_average": 8.4, "poster_path": "/p.jpg",
			"genres": [{"name": "Action"}, {"name": "Science Fiction"}]
		}`))
	}))
	defer srv.Close()

	d, err := c.Movie(context.Background(), 27205)
	if err != nil {
		t.Fatalf("movie: %v", err)
	}
	if d.Runtime != 148 {
		t.Fatalf("runtime=%d", d.Runtime)
	}
	genres := GenreNames(d.Genres)
	if len(genres) != 2 || genres[0] != "Action" {
		t.Fatalf("genres: %v", genres)
	}
	if y := Year(d.ReleaseDate); y != 2010 {
		t.Fatalf("year=%d", y)
	}
}

func TestEpisodePath(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tv/1399/season/1/episode/2" {
			t.Errorf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`{"name": "The Kingsroad", "season_number": 1, "episode_number": 2}`))
	}))
	defer srv.Close()

	ep, err := c.Episode(context.Background(), 1399, 1, 2)
	if err != nil {
		t.Fatalf("episode: %v", err)
	}
	if ep.Name != "The Kingsroad" || ep.EpisodeNumber != 2 {
		t.Fatalf("episode: %+v", ep)
	}
}

func TestImageURL(t *testing.T) {
	c := New("k", "http://api", "http://img")
	if got := c.ImageURL("/abc.jpg", ""); got != "http://img/w500/abc.jpg" {
		t.Fatalf("url=%q", got)
	}
	if got := c.ImageURL("", "original"); got != "" {
		t.Fatalf("empty path should yield empty url, got %q", got)
	}
}
