package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/library"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/tmdb"
	"github.com/onlyvaibhav/streamflix/internal/worker"
)

type fakeRemote struct {
	videos    []remote.VideoEntry
	listCalls atomic.Int64
}

func (f *fakeRemote) Resolve(ctx context.Context, fileID int64) (*remote.FileHandle, error) {
	for _, v := range f.videos {
		if v.ID == fileID {
			return &remote.FileHandle{ID: v.ID, Size: v.Size, Name: v.Name}, nil
		}
	}
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) ReadChunk(ctx context.Context, h *remote.FileHandle, offset int64, limit int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRemote) ListVideos(ctx context.Context) ([]remote.VideoEntry, error) {
	f.listCalls.Add(1)
	return f.videos, nil
}

func (f *fakeRemote) Ready() bool { return true }

// emptyTMDB answers every search with no results so enrichment records a
// not-found failure instead of reaching the network.
func emptyTMDB(t *testing.T) *tmdb.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[]}`))
	}))
	t.Cleanup(srv.Close)
	return tmdb.New("test-key", srv.URL, srv.URL+"/img")
}

func newTestSyncer(t *testing.T, fr *fakeRemote) (*Syncer, *store.Store, chan int64) {
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
	tracker := activity.NewTracker(nil, nil)
	w := worker.New(st, emptyTMDB(t), nil, fr, tracker,
		filepath.Join(root, "posters"), filepath.Join(root, "backdrops"))
	agg := library.NewAggCache(filepath.Join(root, "tv_cache"))
	refetch := make(chan int64, 16)
	s := New(fr, st, w, tracker, agg, nil, refetch, time.Minute)
	return s, st, refetch
}

func TestScanDiscoversNewFiles(t *testing.T) {
	fr := &fakeRemote{videos: []remote.VideoEntry{
		{ID: 1, Name: "Inception.2010.1080p.mkv", Size: 100},
		{ID: 2, Name: "Heat.1995.720p.mkv", Size: 200},
	}}
	s, st, _ := newTestSyncer(t, fr)

	if !s.pass(context.Background()) {
		t.Fatal("pass reported no work for new files")
	}
	for _, id := range []int64{1, 2} {
		if _, err := st.Get(id); err != nil {
			t.Fatalf("record %d missing after scan: %v", id, err)
		}
	}
	l, err := st.LoadListing()
	if err != nil {
		t.Fatalf("listing not persisted: %v", err)
	}
	if len(l.Videos) != 2 {
		t.Fatalf("listing videos=%d want 2", len(l.Videos))
	}
}

func TestScanDropsVanishedFile(t *testing.T) {
	fr := &fakeRemote{}
	s, st, _ := newTestSyncer(t, fr)

	if err := st.Save(&store.Record{FileID: 5, FileName: "gone.mkv", Title: "Gone"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveListing(&store.Listing{
		Videos: []remote.VideoEntry{{ID: 5, Name: "gone.mkv", Size: 10}},
	}); err != nil {
		t.Fatal(err)
	}

	if !s.fullScan(context.Background()) {
		t.Fatal("scan reported no work for a removed file")
	}
	if _, err := st.Get(5); err != store.ErrNotFound {
		t.Fatalf("record survived removal: %v", err)
	}
	l, err := st.LoadListing()
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Videos) != 0 {
		t.Fatalf("listing still holds %d videos", len(l.Videos))
	}
}

func TestScanMarksRenamed(t *testing.T) {
	fr := &fakeRemote{videos: []remote.VideoEntry{
		{ID: 7, Name: "The.Matrix.1999.REMUX.mkv", Size: 10},
	}}
	s, st, _ := newTestSyncer(t, fr)

	if err := st.Save(&store.Record{FileID: 7, FileName: "old.name.mkv", Title: "Old Name"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveListing(&store.Listing{
		Videos: []remote.VideoEntry{{ID: 7, Name: "old.name.mkv", Size: 10}},
	}); err != nil {
		t.Fatal(err)
	}

	s.fullScan(context.Background())
	rec, err := st.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FileName != "The.Matrix.1999.REMUX.mkv" {
		t.Fatalf("file name not updated: %s", rec.FileName)
	}
	if !rec.NeedsRefetch {
		t.Fatal("rename did not flag the record for refetch")
	}
}

func TestDrainRefetchQueue(t *testing.T) {
	fr := &fakeRemote{videos: []remote.VideoEntry{
		{ID: 9, Name: "Dune.2021.mkv", Size: 10},
	}}
	s, st, refetch := newTestSyncer(t, fr)

	if err := st.Save(&store.Record{FileID: 9, FileName: "Dune.2021.mkv", Title: "Dune"}); err != nil {
		t.Fatal(err)
	}

	if s.drainRefetch(context.Background()) {
		t.Fatal("empty queue reported work")
	}
	refetch <- 9
	if !s.drainRefetch(context.Background()) {
		t.Fatal("queued id not drained")
	}
	select {
	case id := <-refetch:
		t.Fatalf("id %d left in queue", id)
	default:
	}
}

func TestScanIntervalRespected(t *testing.T) {
	fr := &fakeRemote{}
	s, _, _ := newTestSyncer(t, fr)

	s.lastScan = time.Now()
	s.pass(context.Background())
	if got := fr.listCalls.Load(); got != 0 {
		t.Fatalf("scanned before interval elapsed: %d calls", got)
	}

	s.ForceSync()
	s.pass(context.Background())
	if got := fr.listCalls.Load(); got != 1 {
		t.Fatalf("forced sync: %d list calls want 1", got)
	}
}
