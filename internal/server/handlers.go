package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/onlyvaibhav/streamflix/internal/history"
	"github.com/onlyvaibhav/streamflix/internal/library"
	"github.com/onlyvaibhav/streamflix/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id != 0
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ready := s.remote != nil && s.remote.Ready()
	status := "ok"
	code := http.StatusOK
	if !ready {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "remote_ready": ready})
}

// handleLibrary returns the aggregated catalog built from valid records.
func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Valid()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load metadata")
		return
	}
	writeJSON(w, http.StatusOK, library.Build(records))
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	rec, err := s.store.Get(id)
	if err != nil || !rec.Valid() {
		writeError(w, http.StatusNotFound, "no valid metadata for file")
		return
	}
	out := struct {
		*store.Record
		Resume *history.Entry `json:"resume,omitempty"`
	}{Record: rec}
	if s.history != nil {
		if e, err := s.history.Get(r.Context(), id); err == nil {
			out.Resume = e
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad show id")
		return
	}
	show, err := s.agg.Load(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown show")
		return
	}
	writeJSON(w, http.StatusOK, show)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	records, err := s.store.Valid()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load metadata")
		return
	}
	results := library.Search(library.Build(records), q)
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

func (s *Server) handleProgressRecent(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load progress")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleProgressGet(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok || s.history == nil {
		writeError(w, http.StatusNotFound, "no progress")
		return
	}
	e, err := s.history.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no progress")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleProgressPut(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	var body struct {
		Position float64 `json:"position"`
		Duration float64 `json:"duration,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Position < 0 {
		writeError(w, http.StatusBadRequest, "position required")
		return
	}
	if err := s.history.Record(r.Context(), id, body.Position, body.Duration); err != nil {
		writeError(w, http.StatusInternalServerError, "save progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgressDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok || s.history == nil {
		writeError(w, http.StatusNotFound, "no progress")
		return
	}
	if err := s.history.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.jwtSecret == "" || s.adminPassword == "" {
		writeError(w, http.StatusForbidden, "admin auth not configured")
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(body.Username), []byte(s.adminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(body.Password), []byte(s.adminPassword)) == 1
	if !userOK || !passOK {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.issueToken(body.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleFix pins a record to an operator-supplied TMDB id and refetches it.
func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	var body struct {
		TMDBID int64  `json:"tmdb_id"`
		Type   string `json:"type,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TMDBID <= 0 {
		writeError(w, http.StatusBadRequest, "tmdb_id required")
		return
	}
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}
	rec.ManualTMDBID = body.TMDBID
	switch body.Type {
	case "":
	case string(store.TypeMovie), string(store.TypeTV):
		rec.Type = store.MediaType(body.Type)
	default:
		writeError(w, http.StatusBadRequest, "type must be movie or tv")
		return
	}
	rec.NeedsRefetch = true
	if err := s.store.Save(rec); err != nil {
		writeError(w, http.StatusInternalServerError, "save record")
		return
	}
	if err := s.worker.Refetch(r.Context(), id); err != nil {
		s.log.Warn().Int64("file", id).Err(err).Msg("manual fix refetch failed")
	}
	fresh, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reload record")
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad file id")
		return
	}
	if err := s.worker.Refetch(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown file")
			return
		}
		s.log.Warn().Int64("file", id).Err(err).Msg("refetch failed")
	}
	fresh, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.syncer.ForceSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleRebuildTV(w http.ResponseWriter, r *http.Request) {
	s.syncer.RebuildAggregates()
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	transcodes := 0
	if s.sup != nil {
		transcodes = s.sup.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":            s.tracker.Paused(),
		"sessions":          s.tracker.Sessions(),
		"active_transcodes": transcodes,
	})
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request) {
	s.tracker.ForcePause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleWorkerResume(w http.ResponseWriter, r *http.Request) {
	s.tracker.ForceResume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}
