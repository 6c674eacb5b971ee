// Package transcode supervises media-tool children that remux a file into
// fragmented MP4 on the fly, at most one per file id.
package transcode

import (
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/metrics"
)

// Supervisor owns the active-transcodes map. One child per file id; starting
// a new job tears down the previous one first.
type Supervisor struct {
	ffmpegPath string
	rawBaseURL string // loopback URL prefix the child reads from
	log        zerolog.Logger

	// startMu serializes the kill, spawn, register sequence so two racing
	// requests for one file cannot both leave a live child behind.
	startMu sync.Mutex

	mu   sync.Mutex
	jobs map[int64]*Job

	subs *vttCache
}

// NewSupervisor builds a supervisor. rawBaseURL is the internal raw endpoint
// prefix, e.g. "http://127.0.0.1:8081/internal/raw".
func NewSupervisor(ffmpegPath, rawBaseURL string) *Supervisor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Supervisor{
		ffmpegPath: ffmpegPath,
		rawBaseURL: rawBaseURL,
		log:        logging.WithComponent("transcode"),
		jobs:       make(map[int64]*Job),
		subs:       newVTTCache(subtitleCacheEntries),
	}
}

// Job is one running child. Cleanup is idempotent; every termination source
// (client close, child exit, copy error) converges on it.
type Job struct {
	fileID int64
	cmd    *exec.Cmd
	sup    *Supervisor
	once   sync.Once
}

// cleanup kills the child and unregisters the job if the map still points to
// this child. Safe to call from any goroutine, any number of times.
func (j *Job) cleanup() {
	j.once.Do(func() {
		if j.cmd.Process != nil {
			_ = j.cmd.Process.Signal(syscall.SIGKILL)
		}
		j.sup.mu.Lock()
		if j.sup.jobs[j.fileID] == j {
			delete(j.sup.jobs, j.fileID)
			metrics.ActiveTranscodes.Set(float64(len(j.sup.jobs)))
		}
		j.sup.mu.Unlock()
		j.sup.log.Debug().Int64("file", j.fileID).Msg("transcode cleaned up")
	})
}

// kill tears down the current job for fileID, if any.
func (s *Supervisor) kill(fileID int64) {
	s.mu.Lock()
	j := s.jobs[fileID]
	s.mu.Unlock()
	if j != nil {
		j.cleanup()
		_ = j.cmd.Wait()
	}
}

// register installs a new job, replacing any survivor.
func (s *Supervisor) register(j *Job) {
	s.mu.Lock()
	s.jobs[j.fileID] = j
	metrics.ActiveTranscodes.Set(float64(len(s.jobs)))
	s.mu.Unlock()
}

// Active returns the number of running children.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// KillAll synchronously kills every child. Called on shutdown signals.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	for _, j := range jobs {
		j.cleanup()
		_ = j.cmd.Wait()
	}
	s.log.Info().Int("count", len(jobs)).Msg("all transcodes killed")
}

func (s *Supervisor) rawURL(fileID int64) string {
	return fmt.Sprintf("%s/%d", s.rawBaseURL, fileID)
}

// remuxArgs builds the child's command line. Seek goes before the input so
// the demuxer seeks instead of decoding from zero; the output timeline then
// starts at the seek offset.
func remuxArgs(inputURL string, start float64, audioTrack int, copyAudio bool) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if start > 0 {
		args = append(args, "-ss", strconv.FormatFloat(start, 'f', 3, 64))
	}
	args = append(args,
		"-i", inputURL,
		"-map", "0:v:0",
		"-c:v", "copy",
		"-map", fmt.Sprintf("0:a:%d", audioTrack),
	)
	if copyAudio {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", "192k", "-ac", "2")
	}
	args = append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-frag_duration", "1000000",
		"-f", "mp4",
		"pipe:1",
	)
	return args
}

// startJob replaces any running child for fileID with a fresh one, holding
// startMu across the replacement so concurrent callers serialize.
func (s *Supervisor) startJob(fileID int64, start float64, audioTrack int, copyAudio bool) (*Job, io.ReadCloser, io.ReadCloser, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.kill(fileID)

	cmd := exec.Command(s.ffmpegPath, remuxArgs(s.rawURL(fileID), start, audioTrack, copyAudio)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	job := &Job{fileID: fileID, cmd: cmd, sup: s}
	s.register(job)
	return job, stdout, stderr, nil
}

// ServeRemux streams a remuxed fMP4 of fileID into w. copyAudio selects
// stream copy for browser-playable codecs, AAC transcode otherwise.
func (s *Supervisor) ServeRemux(w http.ResponseWriter, r *http.Request, fileID int64, start float64, audioTrack int, copyAudio bool) {
	job, stdout, stderr, err := s.startJob(fileID, start, audioTrack, copyAudio)
	if err != nil {
		s.log.Error().Err(err).Msg("start media tool")
		http.Error(w, "transcode unavailable", http.StatusInternalServerError)
		return
	}
	defer func() {
		job.cleanup()
		_ = job.cmd.Wait()
	}()
	go logStderr(s.log, fileID, stderr)
	go func() {
		<-r.Context().Done()
		job.cleanup()
	}()

	s.log.Info().Int64("file", fileID).Float64("start", start).
		Int("audio", audioTrack).Bool("copy", copyAudio).Msg("remux started")

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	streamOut(w, stdout)
}

// streamOut copies child stdout to the response, flushing every chunk so the
// player starts before the child finishes.
func streamOut(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func logStderr(log zerolog.Logger, fileID int64, r io.Reader) {
	data, _ := io.ReadAll(io.LimitReader(r, 8192))
	if len(data) > 0 {
		log.Debug().Int64("file", fileID).Str("stderr", string(data)).Msg("media tool output")
	}
}
