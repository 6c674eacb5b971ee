package activity

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestTracker(onPause, onResume func()) *Tracker {
	t := NewTracker(onPause, onResume)
	t.ttl = 50 * time.Millisecond
	t.debounceDur = 30 * time.Millisecond
	return t
}

func TestFirstSessionPauses(t *testing.T) {
	var pauses atomic.Int32
	tr := newTestTracker(func() { pauses.Add(1) }, nil)

	if tr.Paused() {
		t.Fatal("fresh tracker should not be paused")
	}
	tr.RegisterActivity(1, "127.0.0.1")
	if !tr.Paused() {
		t.Fatal("tracker should pause on first session")
	}
	tr.RegisterActivity(1, "127.0.0.1")
	tr.RegisterActivity(2, "10.0.0.5")

	time.Sleep(20 * time.Millisecond)
	if n := pauses.Load(); n != 1 {
		t.Fatalf("on_pause fired %d times, want 1", n)
	}
	if got := len(tr.Sessions()); got != 2 {
		t.Fatalf("sessions=%d want 2", got)
	}
}

func TestExpiryResumesAfterDebounce(t *testing.T) {
	resumed := make(chan struct{}, 1)
	tr := newTestTracker(nil, func() { resumed <- struct{}{} })

	tr.RegisterActivity(1, "127.0.0.1")
	select {
	case <-resumed:
		t.Fatal("resumed while session alive")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("never resumed after session expiry")
	}
	if tr.Paused() {
		t.Fatal("tracker still paused after resume")
	}
	if got := len(tr.Sessions()); got != 0 {
		t.Fatalf("sessions=%d want 0", got)
	}
}

func TestHeartbeatCancelsDebounce(t *testing.T) {
	tr := newTestTracker(nil, nil)
	tr.RegisterActivity(1, "127.0.0.1")

	// Wait for expiry, then heartbeat during the resume debounce window.
	time.Sleep(60 * time.Millisecond)
	tr.RegisterActivity(1, "127.0.0.1")
	time.Sleep(40 * time.Millisecond)
	if !tr.Paused() {
		t.Fatal("debounced resume should have been cancelled by heartbeat")
	}
}

func TestWaitIfBusyBlocksWhilePaused(t *testing.T) {
	tr := newTestTracker(nil, nil)
	tr.ForcePause()

	done := make(chan struct{})
	go func() {
		tr.WaitIfBusy()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("WaitIfBusy returned while paused")
	case <-time.After(30 * time.Millisecond):
	}

	tr.ForceResume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitIfBusy never unblocked")
	}
}

func TestWaitIfBusyTimeout(t *testing.T) {
	tr := newTestTracker(nil, nil)
	if tr.WaitIfBusyTimeout(10 * time.Millisecond) {
		t.Fatal("timeout reported while idle")
	}
	tr.ForcePause()
	if !tr.WaitIfBusyTimeout(20 * time.Millisecond) {
		t.Fatal("timeout not reported while paused")
	}
}

func TestForceResumeKeepsPausedWithSessions(t *testing.T) {
	tr := newTestTracker(nil, nil)
	tr.RegisterActivity(1, "127.0.0.1")
	tr.ForcePause()
	tr.ForceResume()
	if !tr.Paused() {
		t.Fatal("tracker should stay paused while a session is active")
	}
}
