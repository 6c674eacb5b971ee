// Package activity tracks live streaming sessions and gates background work.
// While anyone is streaming, workers block; playback latency wins over sync
// freshness.
package activity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/metrics"
)

const (
	// sessionTTL is how long a session survives without a heartbeat.
	sessionTTL = 30 * time.Second
	// resumeDebounce delays resume after the last session ends, so a quick
	// seek or episode change does not bounce the workers.
	resumeDebounce = 10 * time.Second
)

// Session is one active stream, keyed by file id.
type Session struct {
	FileID   int64     `json:"file_id"`
	Peer     string    `json:"peer"`
	LastSeen time.Time `json:"last_seen"`
}

type sessionState struct {
	Session
	timer *time.Timer
}

// Tracker serializes pause/resume transitions. Zero value is not usable;
// construct with NewTracker.
type Tracker struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*sessionState
	paused   bool
	forced   bool
	idle     chan struct{} // closed while not paused
	debounce *time.Timer

	onPause  func()
	onResume func()

	ttl         time.Duration
	debounceDur time.Duration
}

// NewTracker builds a tracker in the not-paused state. Callbacks may be nil
// and run on their own goroutine, outside the tracker lock.
func NewTracker(onPause, onResume func()) *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		log:         logging.WithComponent("activity"),
		sessions:    make(map[int64]*sessionState),
		idle:        idle,
		onPause:     onPause,
		onResume:    onResume,
		ttl:         sessionTTL,
		debounceDur: resumeDebounce,
	}
}

// RegisterActivity upserts the session for fileID and rearms its expiry.
// The first active session pauses background work.
func (t *Tracker) RegisterActivity(fileID int64, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}

	if s, ok := t.sessions[fileID]; ok {
		s.Peer = peer
		s.LastSeen = time.Now()
		s.timer.Reset(t.ttl)
	} else {
		id := fileID
		t.sessions[fileID] = &sessionState{
			Session: Session{FileID: fileID, Peer: peer, LastSeen: time.Now()},
			timer:   time.AfterFunc(t.ttl, func() { t.expire(id) }),
		}
		metrics.ActiveSessions.Set(float64(len(t.sessions)))
	}

	if t.paused {
		t.log.Debug().Int64("file", fileID).Msg("heartbeat while paused")
		return
	}
	t.pauseLocked("stream started")
}

func (t *Tracker) expire(fileID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[fileID]
	if !ok || time.Since(s.LastSeen) < t.ttl {
		return // rearmed after the timer fired
	}
	delete(t.sessions, fileID)
	metrics.ActiveSessions.Set(float64(len(t.sessions)))
	t.log.Info().Int64("file", fileID).Msg("session expired")

	if len(t.sessions) > 0 || !t.paused || t.forced {
		return
	}
	t.debounce = time.AfterFunc(t.debounceDur, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.debounce = nil
		if len(t.sessions) == 0 && t.paused && !t.forced {
			t.resumeLocked("all sessions ended")
		}
	})
}

func (t *Tracker) pauseLocked(reason string) {
	t.paused = true
	t.idle = make(chan struct{})
	t.log.Info().Str("reason", reason).Msg("background work paused")
	if t.onPause != nil {
		go t.onPause()
	}
}

func (t *Tracker) resumeLocked(reason string) {
	t.paused = false
	close(t.idle)
	t.log.Info().Str("reason", reason).Msg("background work resumed")
	if t.onResume != nil {
		go t.onResume()
	}
}

// ForcePause pauses background work until ForceResume, regardless of sessions.
func (t *Tracker) ForcePause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forced = true
	if !t.paused {
		t.pauseLocked("forced")
	}
}

// ForceResume clears a forced pause. If sessions are still active the tracker
// stays paused until they expire.
func (t *Tracker) ForceResume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forced = false
	if t.paused && len(t.sessions) == 0 {
		t.resumeLocked("forced")
	}
}

// Paused reports the current gate state.
func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Sessions returns a snapshot of active sessions for the status endpoint.
func (t *Tracker) Sessions() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Session)
	}
	return out
}

// WaitIfBusy blocks until background work may proceed.
func (t *Tracker) WaitIfBusy() {
	for {
		t.mu.Lock()
		ch := t.idle
		paused := t.paused
		t.mu.Unlock()
		if !paused {
			return
		}
		<-ch
	}
}

// WaitIfBusyTimeout blocks up to d. Returns true if the timeout fired while
// still paused.
func (t *Tracker) WaitIfBusyTimeout(d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		t.mu.Lock()
		ch := t.idle
		paused := t.paused
		t.mu.Unlock()
		if !paused {
			return false
		}
		select {
		case <-ch:
		case <-deadline.C:
			return true
		}
	}
}
