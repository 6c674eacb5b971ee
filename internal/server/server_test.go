package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	json "github.com/goccy/go-json"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/chunk"
	"github.com/onlyvaibhav/streamflix/internal/config"
	"github.com/onlyvaibhav/streamflix/internal/library"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/stream"
	"github.com/onlyvaibhav/streamflix/internal/syncer"
	"github.com/onlyvaibhav/streamflix/internal/tmdb"
	"github.com/onlyvaibhav/streamflix/internal/worker"
)

type fakeRemote struct{ ready bool }

func (f *fakeRemote) Resolve(ctx context.Context, fileID int64) (*remote.FileHandle, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) ReadChunk(ctx context.Context, h *remote.FileHandle, offset int64, limit int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRemote) ListVideos(ctx context.Context) ([]remote.VideoEntry, error) { return nil, nil }
func (f *fakeRemote) Ready() bool                                                { return f.ready }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"metadata", "posters", "backdrops", "tv_cache"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	st := store.New(
		filepath.Join(root, "metadata"),
		filepath.Join(root, "posters"),
		filepath.Join(root, "backdrops"),
		filepath.Join(root, "list_caches.json"),
	)

	tmdbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[]}`))
	}))
	t.Cleanup(tmdbSrv.Close)

	fr := &fakeRemote{ready: true}
	tracker := activity.NewTracker(nil, nil)
	w := worker.New(st, tmdb.New("k", tmdbSrv.URL, tmdbSrv.URL+"/img"), nil, fr, tracker,
		filepath.Join(root, "posters"), filepath.Join(root, "backdrops"))
	agg := library.NewAggCache(filepath.Join(root, "tv_cache"))
	sy := syncer.New(fr, st, w, tracker, agg, nil, make(chan int64, 1), time.Minute)
	fetcher := chunk.NewFetcher(fr, 1<<20, 16<<20)
	sh := stream.New(fetcher, fr, st, nil, nil, tracker, nil)

	cfg := &config.Config{
		Port:          0,
		InternalPort:  0,
		DataDir:       root,
		JWTSecret:     "test-secret",
		AdminUser:     "admin",
		AdminPassword: "hunter2",
	}
	return New(cfg, Deps{
		Stream:  sh,
		Store:   st,
		Agg:     agg,
		Tracker: tracker,
		Worker:  w,
		Syncer:  sy,
		Remote:  fr,
	}), st
}

func validRecord(id int64, title string) *store.Record {
	return &store.Record{
		FileID:    id,
		FileName:  title + ".mkv",
		Type:      store.TypeMovie,
		Title:     title,
		TMDBID:    id * 100,
		FetchedAt: time.Now(),
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"remote_ready":true`) {
		t.Fatalf("body=%s", body)
	}
}

func TestMetadataValidity(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	if err := st.Save(validRecord(1, "Heat")); err != nil {
		t.Fatal(err)
	}
	// Incomplete record: no tmdb id, no fetched_at.
	if err := st.Save(&store.Record{FileID: 2, FileName: "pending.mkv", Title: "Pending"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/metadata/1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid record: status=%d want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metadata/2")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("incomplete record: status=%d want 404", resp.StatusCode)
	}
}

func TestUnknownShow404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tv/99999")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/search")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query: status=%d want 400", resp.StatusCode)
	}

	if err := st.Save(validRecord(1, "Inception")); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(srv.URL + "/search?q=inception")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Inception") {
		t.Fatalf("result missing: %s", body)
	}
}

func login(t *testing.T, base string) string {
	t.Helper()
	body := bytes.NewBufferString(`{"username":"admin","password":"hunter2"}`)
	resp, err := http.Post(base+"/admin/login", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status=%d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Token == "" {
		t.Fatal("empty token")
	}
	return out.Token
}

func TestAdminAuth(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	// No token.
	resp, err := http.Post(srv.URL+"/admin/sync-telegram", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d want 401", resp.StatusCode)
	}

	// Wrong credentials.
	bad := bytes.NewBufferString(`{"username":"admin","password":"wrong"}`)
	resp, err = http.Post(srv.URL+"/admin/login", "application/json", bad)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad creds: status=%d want 401", resp.StatusCode)
	}

	// Valid token passes.
	token := login(t, srv.URL)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/sync-telegram", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("with token: status=%d want 202", resp.StatusCode)
	}
}

func TestWorkerPauseResume(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	token := login(t, srv.URL)

	do := func(path string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do("/admin/worker/pause"); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: status=%d", resp.StatusCode)
	}
	if !s.tracker.Paused() {
		t.Fatal("tracker not paused")
	}
	if resp := do("/admin/worker/resume"); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: status=%d", resp.StatusCode)
	}
	if s.tracker.Paused() {
		t.Fatal("tracker still paused")
	}
}

func TestFixRequiresTMDBID(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	token := login(t, srv.URL)

	if err := st.Save(validRecord(1, "Heat")); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/metadata/1/fix",
		bytes.NewBufferString(`{"type":"movie"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing tmdb_id: status=%d want 400", resp.StatusCode)
	}
}

func TestBrotliCompression(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	if err := st.Save(validRecord(1, "Heat")); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metadata", nil)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Encoding"); got != "br" {
		t.Fatalf("Content-Encoding=%q want br", got)
	}
	body, err := io.ReadAll(brotli.NewReader(resp.Body))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "Heat") {
		t.Fatalf("decoded body missing record: %s", body)
	}
}
