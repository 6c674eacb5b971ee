package store

import (
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) (*Store, *Watcher) {
	t.Helper()
	s := newTestStore(t)
	w := NewWatcher(s)
	w.debounce = 10 * time.Millisecond
	return s, w
}

// drain waits past the debounce window and reports whether an id settled
// onto the queue.
func drain(t *testing.T, w *Watcher) (int64, bool) {
	t.Helper()
	select {
	case id := <-w.queue:
		return id, true
	case <-time.After(20 * w.debounce):
		return 0, false
	}
}

func TestWatcherIgnoresPlainRewrites(t *testing.T) {
	s, w := newTestWatcher(t)
	if err := s.Save(validRecord(42)); err != nil {
		t.Fatal(err)
	}

	// An enriched save, like the worker's own, must not feed the queue.
	w.arm(42)
	if id, ok := drain(t, w); ok {
		t.Fatalf("plain rewrite queued refetch for %d", id)
	}
}

func TestWatcherQueuesNeedsRefetch(t *testing.T) {
	s, w := newTestWatcher(t)
	r := validRecord(7)
	r.NeedsRefetch = true
	if err := s.Save(r); err != nil {
		t.Fatal(err)
	}

	w.arm(7)
	id, ok := drain(t, w)
	if !ok {
		t.Fatal("needs_refetch edit not queued")
	}
	if id != 7 {
		t.Fatalf("queued id=%d want 7", id)
	}
}

func TestWatcherQueuesManualPinOnceUntilChanged(t *testing.T) {
	s, w := newTestWatcher(t)
	r := validRecord(9)
	r.ManualTMDBID = 27205
	if err := s.Save(r); err != nil {
		t.Fatal(err)
	}

	w.arm(9)
	if _, ok := drain(t, w); !ok {
		t.Fatal("new manual id not queued")
	}

	// The worker rewrites the record keeping the pin; no new work.
	s.Invalidate()
	w.arm(9)
	if id, ok := drain(t, w); ok {
		t.Fatalf("unchanged pin re-queued %d", id)
	}

	// Changing the pin queues again.
	r.ManualTMDBID = 1396
	if err := s.Save(r); err != nil {
		t.Fatal(err)
	}
	s.Invalidate()
	w.arm(9)
	if _, ok := drain(t, w); !ok {
		t.Fatal("changed pin not queued")
	}
}

func TestRecordID(t *testing.T) {
	cases := []struct {
		path string
		id   int64
		ok   bool
	}{
		{"/data/metadata/42.json", 42, true},
		{"/data/metadata/42.json.tmp", 0, false},
		{"/data/metadata/notes.txt", 0, false},
		{"/data/metadata/0.json", 0, false},
	}
	for _, c := range cases {
		id, ok := recordID(c.path)
		if id != c.id || ok != c.ok {
			t.Errorf("recordID(%q) = %d,%v want %d,%v", c.path, id, ok, c.id, c.ok)
		}
	}
}
