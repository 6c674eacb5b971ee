// Package stream serves playback: range requests over the chunk fetcher,
// the loopback raw endpoint for the media tool, track listings, subtitles
// and session heartbeats.
package stream

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/chunk"
	"github.com/onlyvaibhav/streamflix/internal/history"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/mediainfo"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/transcode"
)

// chunkRetryDelay is the single-retry pause on a transient mid-stream error.
const chunkRetryDelay = 1500 * time.Millisecond

// Handler bundles everything playback needs.
type Handler struct {
	fetcher *chunk.Fetcher
	remote  remote.Client
	store   *store.Store
	prober  *mediainfo.Prober
	sup     *transcode.Supervisor
	tracker *activity.Tracker
	history *history.Store
	log     zerolog.Logger
}

// New builds the playback handler. prober and history may be nil.
func New(f *chunk.Fetcher, rc remote.Client, st *store.Store, prober *mediainfo.Prober, sup *transcode.Supervisor, tracker *activity.Tracker, hist *history.Store) *Handler {
	return &Handler{
		fetcher: f,
		remote:  rc,
		store:   st,
		prober:  prober,
		sup:     sup,
		tracker: tracker,
		history: hist,
		log:     logging.WithComponent("stream"),
	}
}

func fileIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// resolve finds a file handle: live remote first, then the listing cache,
// with the metadata record supplying the display name as a last resort.
func (h *Handler) resolve(ctx context.Context, fileID int64) (*remote.FileHandle, error) {
	fh, err := h.remote.Resolve(ctx, fileID)
	if err == nil {
		return fh, nil
	}
	if !errors.Is(err, remote.ErrNotFound) && !errors.Is(err, remote.ErrUnavailable) {
		return nil, err
	}
	resolveErr := err

	if entry, lerr := h.store.LookupListing(fileID); lerr == nil {
		fh := &remote.FileHandle{ID: entry.ID, Size: entry.Size, Name: entry.Name}
		if rec, rerr := h.store.Get(fileID); rerr == nil && rec.FileName != "" {
			fh.Name = rec.FileName
		}
		return fh, nil
	}
	return nil, resolveErr
}

func (h *Handler) httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, store.ErrNotFound):
		http.Error(w, "file not found", http.StatusNotFound)
	case errors.Is(err, remote.ErrUnavailable):
		http.Error(w, "remote store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "stream error", http.StatusInternalServerError)
	}
}

// ServeStream is GET /stream/{id}: direct range playback, or delegation to
// the remux path when a non-default or unplayable audio track is requested.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	fh, err := h.resolve(r.Context(), fileID)
	if err != nil {
		h.httpError(w, err)
		return
	}

	start, _ := strconv.ParseFloat(r.URL.Query().Get("start"), 64)
	if trackParam := r.URL.Query().Get("audioTrack"); trackParam != "" {
		idx, err := strconv.Atoi(trackParam)
		if err != nil || idx < 0 {
			http.Error(w, "bad audioTrack", http.StatusBadRequest)
			return
		}
		if track, needsRemux := h.remuxDecision(r.Context(), fh, idx); needsRemux {
			h.sup.ServeRemux(w, r, fileID, start, idx, track.Playable)
			return
		}
	}
	h.serveDirect(w, r, fh)
}

// remuxDecision reports whether the requested track forces the remux path.
// Without probe data the direct path wins (the tool being absent means no
// transcode either).
func (h *Handler) remuxDecision(ctx context.Context, fh *remote.FileHandle, idx int) (mediainfo.AudioStream, bool) {
	if h.prober == nil || h.sup == nil {
		return mediainfo.AudioStream{}, false
	}
	info, err := h.prober.Probe(ctx, fh)
	if err != nil || info == nil || idx >= len(info.AudioStreams) {
		return mediainfo.AudioStream{}, false
	}
	track := info.AudioStreams[idx]
	if track.IsDefault && track.Playable {
		return track, false
	}
	return track, true
}

// ServeRaw is GET /internal/raw/{id}: the same byte stream as the direct
// path, loopback peers only. The media tool does its own range requests here.
func (h *Handler) ServeRaw(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	fileID, err := fileIDParam(r)
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	fh, err := h.resolve(r.Context(), fileID)
	if err != nil {
		h.httpError(w, err)
		return
	}
	h.serveDirect(w, r, fh)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// contentType infers the MIME type from the file extension.
func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "video/mp4"
}

// serveDirect answers a range request with aligned chunk reads: align down,
// discard the skip prefix, trim the tail, retry a failed chunk once.
func (h *Handler) serveDirect(w http.ResponseWriter, r *http.Request, fh *remote.FileHandle) {
	if fh.Size <= 0 {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	rng, ok := parseRange(r.Header.Get("Range"), fh.Size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fh.Size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Type", contentType(fh.Name))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
	if rng.partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, fh.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodHead {
		return
	}

	h.copyRange(w, r, fh, rng.start, rng.end)
}

// copyRange writes [start, end] to the response in increasing offset order.
func (h *Handler) copyRange(w http.ResponseWriter, r *http.Request, fh *remote.FileHandle, start, end int64) {
	flusher, _ := w.(http.Flusher)
	chunkSize := h.fetcher.ChunkSize()
	ctx := r.Context()

	pos := start
	for pos <= end {
		aligned := pos - pos%chunkSize
		data, err := h.fetcher.ReadAligned(ctx, fh, aligned)
		if err != nil {
			if ctx.Err() != nil {
				return // client gone
			}
			// One retry at the same position, then give up; what the
			// client has is what it gets.
			select {
			case <-ctx.Done():
				return
			case <-time.After(chunkRetryDelay):
			}
			data, err = h.fetcher.ReadAligned(ctx, fh, aligned)
			if err != nil {
				h.log.Warn().Int64("file", fh.ID).Int64("offset", aligned).Err(err).Msg("chunk failed twice, ending stream")
				return
			}
		}
		if len(data) == 0 {
			return // EOF before the advertised size
		}
		skip := pos - aligned
		if skip >= int64(len(data)) {
			return
		}
		part := data[skip:]
		if remaining := end - pos + 1; int64(len(part)) > remaining {
			part = part[:remaining]
		}
		if _, err := w.Write(part); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		pos += int64(len(part))
	}
}

type byteRange struct {
	start, end int64
	partial    bool
}

func (b byteRange) length() int64 { return b.end - b.start + 1 }

// parseRange handles "bytes=a-b", "bytes=a-" and the suffix form "bytes=-n".
// ok=false means 416.
func parseRange(header string, size int64) (byteRange, bool) {
	if header == "" {
		return byteRange{start: 0, end: size - 1}, true
	}
	const prefix = "bytes="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return byteRange{}, false
	}
	spec := header[len(prefix):]

	dash := -1
	for i, c := range spec {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return byteRange{}, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" { // suffix: last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1, partial: true}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return byteRange{}, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return byteRange{start: start, end: end, partial: true}, true
}

// TracksResponse describes playable streams for the player UI.
type TracksResponse struct {
	AudioTracks         []mediainfo.AudioStream    `json:"audio_tracks"`
	SubtitleTracks      []mediainfo.SubtitleStream `json:"subtitle_tracks"`
	HasUnsupportedAudio bool                       `json:"has_unsupported_audio"`
	Duration            float64                    `json:"duration"`
	DefaultAudioCodec   string                     `json:"default_audio_codec"`
	BrowserPlayable     bool                       `json:"browser_playable"`
}

// ServeTracks is GET /stream/{id}/tracks. With the probe tool missing it
// reports a playable default so the client attempts direct playback.
func (h *Handler) ServeTracks(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	fh, err := h.resolve(r.Context(), fileID)
	if err != nil {
		h.httpError(w, err)
		return
	}

	resp := TracksResponse{BrowserPlayable: true}
	if h.prober != nil {
		if info, err := h.prober.Probe(r.Context(), fh); err == nil && info != nil {
			resp.AudioTracks = info.AudioStreams
			resp.SubtitleTracks = info.SubtitleStreams
			resp.Duration = info.Duration
			for _, a := range info.AudioStreams {
				if !a.Playable {
					resp.HasUnsupportedAudio = true
				}
				if a.IsDefault {
					resp.DefaultAudioCodec = a.Codec
					resp.BrowserPlayable = a.Playable
				}
			}
			if resp.DefaultAudioCodec == "" && len(info.AudioStreams) > 0 {
				resp.DefaultAudioCodec = info.AudioStreams[0].Codec
				resp.BrowserPlayable = info.AudioStreams[0].Playable
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ServeSubtitle is GET /stream/{id}/subtitle/{index}?start=.
func (h *Handler) ServeSubtitle(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		http.Error(w, "bad stream index", http.StatusBadRequest)
		return
	}
	if h.sup == nil {
		http.Error(w, "subtitle extraction unavailable", http.StatusNotImplemented)
		return
	}
	start, _ := strconv.ParseFloat(r.URL.Query().Get("start"), 64)
	h.sup.ServeSubtitle(w, r, fileID, idx, start)
}

// ServeHeartbeat is GET /stream/{id}/heartbeat: refreshes the session and
// optionally records watch progress from ?t=<seconds>&d=<seconds>.
func (h *Handler) ServeHeartbeat(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	h.tracker.RegisterActivity(fileID, peer)

	if h.history != nil {
		if t := r.URL.Query().Get("t"); t != "" {
			pos, err := strconv.ParseFloat(t, 64)
			dur, _ := strconv.ParseFloat(r.URL.Query().Get("d"), 64)
			if err == nil && pos >= 0 {
				if err := h.history.Record(r.Context(), fileID, pos, dur); err != nil {
					h.log.Warn().Int64("file", fileID).Err(err).Msg("record progress")
				}
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
