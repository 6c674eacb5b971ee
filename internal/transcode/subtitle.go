package transcode

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	subtitleCacheEntries = 50
	subtitleTimeout      = 120 * time.Second
	// vttProbeWindow is how many leading bytes must contain the WEBVTT magic.
	vttProbeWindow = 512
)

// vttCache is a small LRU of complete WebVTT extractions, keyed by
// file id + stream index. Only full-file (start == 0) runs are cached.
type vttCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type vttEntry struct {
	key  string
	data []byte
}

func newVTTCache(max int) *vttCache {
	return &vttCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func vttKey(fileID int64, streamIndex int) string {
	return strconv.FormatInt(fileID, 10) + ":" + strconv.Itoa(streamIndex)
}

func (c *vttCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*vttEntry).data, true
}

func (c *vttCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*vttEntry).data = data
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&vttEntry{key: key, data: data})
	for len(c.entries) > c.max {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.entries, back.Value.(*vttEntry).key)
	}
}

func subtitleArgs(inputURL string, streamIndex int, start float64) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if start > 0 {
		args = append(args, "-ss", strconv.FormatFloat(start, 'f', 3, 64))
	}
	return append(args,
		"-i", inputURL,
		"-map", fmt.Sprintf("0:%d", streamIndex),
		"-c:s", "webvtt",
		"-f", "webvtt",
		"pipe:1",
	)
}

// ServeSubtitle streams one subtitle track as WebVTT. Full-file runs are
// cached; output that never produces the WEBVTT header is a hard error.
func (s *Supervisor) ServeSubtitle(w http.ResponseWriter, r *http.Request, fileID int64, streamIndex int, start float64) {
	key := vttKey(fileID, streamIndex)
	if start == 0 {
		if data, ok := s.subs.get(key); ok {
			w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
			w.Write(data)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), subtitleTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.ffmpegPath, subtitleArgs(s.rawURL(fileID), streamIndex, start)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		http.Error(w, "subtitle extraction unavailable", http.StatusInternalServerError)
		return
	}
	if err := cmd.Start(); err != nil {
		s.log.Error().Err(err).Msg("start subtitle extraction")
		http.Error(w, "subtitle extraction unavailable", http.StatusInternalServerError)
		return
	}
	waited := false
	defer func() {
		if !waited {
			cmd.Wait()
		}
	}()
	defer cancel()

	// Validate before sending any headers; partial output is never retracted
	// once streaming begins.
	head := make([]byte, vttProbeWindow)
	n, _ := io.ReadFull(stdout, head)
	head = head[:n]
	if !bytes.Contains(head, []byte("WEBVTT")) {
		s.log.Warn().Int64("file", fileID).Int("stream", streamIndex).Msg("no WEBVTT header in output")
		http.Error(w, "track is not extractable", http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var full bytes.Buffer
	if _, err := w.Write(head); err != nil {
		return
	}
	full.Write(head)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 16*1024)
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			full.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	waited = true
	waitErr := cmd.Wait()

	// Cache only complete extractions: the pipe drained to EOF and the
	// tool exited cleanly. A crash mid-stream leaves nothing behind.
	if start == 0 && ctx.Err() == nil && waitErr == nil && errors.Is(readErr, io.EOF) {
		s.subs.put(key, append([]byte(nil), full.Bytes()...))
	}
}
