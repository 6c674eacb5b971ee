// Package mediainfo discovers container and stream layout by running the
// probe tool over a bounded file prefix.
package mediainfo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/chunk"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/remote"
)

const (
	// DefaultPrefixBytes is enough for the moov/track headers of most files.
	DefaultPrefixBytes = 5 << 20

	probeTimeout = 30 * time.Second
)

// browserPlayable is the closed set of audio codecs browsers decode natively.
var browserPlayable = map[string]bool{
	"aac":    true,
	"mp3":    true,
	"opus":   true,
	"vorbis": true,
	"flac":   true,
}

// BrowserPlayable reports whether browsers can decode the audio codec directly.
func BrowserPlayable(codec string) bool { return browserPlayable[codec] }

// textSubtitleCodecs are tracks we can convert to WebVTT.
var textSubtitleCodecs = map[string]bool{
	"subrip":    true,
	"srt":       true,
	"ass":       true,
	"ssa":       true,
	"webvtt":    true,
	"mov_text":  true,
	"text":      true,
	"subviewer": true,
}

// imageSubtitleCodecs are bitmap tracks that cannot become text.
var imageSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":      true,
	"dvb_subtitle":      true,
	"xsub":              true,
}

// Info is the parsed probe result for one file.
type Info struct {
	Container       string           `json:"container"`
	Duration        float64          `json:"duration"`
	VideoStreams    []VideoStream    `json:"video_streams"`
	AudioStreams    []AudioStream    `json:"audio_streams"`
	SubtitleStreams []SubtitleStream `json:"subtitle_streams"`
}

type VideoStream struct {
	Index  int    `json:"index"`
	Codec  string `json:"codec"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type AudioStream struct {
	Index     int    `json:"index"`
	Codec     string `json:"codec"`
	Language  string `json:"language"`
	Channels  int    `json:"channels"`
	IsDefault bool   `json:"is_default"`
	Playable  bool   `json:"playable"`
}

type SubtitleStream struct {
	Index        int    `json:"index"`
	StreamIndex  int    `json:"stream_index"`
	Codec        string `json:"codec"`
	Language     string `json:"language"`
	IsTextBased  bool   `json:"is_text_based"`
	IsImageBased bool   `json:"is_image_based"`
}

// Prober runs the probe tool and caches results by file id.
// A nil Info with nil error means probing is unavailable; callers must treat
// that as "unknown layout", not a failure.
type Prober struct {
	fetcher *chunk.Fetcher
	binPath string
	tempDir string
	prefix  int64
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[int64]*Info
}

// NewProber builds a prober. binPath may name a binary on PATH.
func NewProber(fetcher *chunk.Fetcher, binPath, tempDir string) *Prober {
	if binPath == "" {
		binPath = "ffprobe"
	}
	return &Prober{
		fetcher: fetcher,
		binPath: binPath,
		tempDir: tempDir,
		prefix:  DefaultPrefixBytes,
		log:     logging.WithComponent("mediainfo"),
		cache:   make(map[int64]*Info),
	}
}

// Available reports whether the probe tool can be executed.
func (p *Prober) Available() bool {
	_, err := exec.LookPath(p.binPath)
	return err == nil
}

// Probe returns stream layout for the file, serving repeats from cache.
// Returns (nil, nil) when the probe tool is not installed.
func (p *Prober) Probe(ctx context.Context, h *remote.FileHandle) (*Info, error) {
	p.mu.Lock()
	if info, ok := p.cache[h.ID]; ok {
		p.mu.Unlock()
		return info, nil
	}
	p.mu.Unlock()

	if !p.Available() {
		return nil, nil
	}

	limit := p.prefix
	if h.Size > 0 && h.Size < limit {
		limit = h.Size
	}
	data, err := p.fetcher.ReadAt(ctx, h, 0, int(limit))
	if err != nil {
		return nil, fmt.Errorf("read prefix: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file prefix for %d", h.ID)
	}

	tmp, err := os.CreateTemp(p.tempDir, "probe_*"+filepath.Ext(h.Name))
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write prefix: %w", err)
	}
	tmp.Close()

	info, err := p.run(ctx, tmp.Name())
	if err != nil {
		p.log.Warn().Int64("file", h.ID).Err(err).Msg("probe failed")
		return nil, err
	}

	p.mu.Lock()
	p.cache[h.ID] = info
	p.mu.Unlock()
	return info, nil
}

// Invalidate drops the cached result for a file.
func (p *Prober) Invalidate(fileID int64) {
	p.mu.Lock()
	delete(p.cache, fileID)
	p.mu.Unlock()
}

// ffprobe JSON shapes, reduced to the fields we read.
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type probeStream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"`
	Channels    int               `json:"channels"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Tags        map[string]string `json:"tags"`
	Disposition struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

func (p *Prober) run(ctx context.Context, path string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.binPath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", p.binPath, err)
	}
	var raw probeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}
	return buildInfo(&raw), nil
}

func buildInfo(raw *probeOutput) *Info {
	info := &Info{Container: raw.Format.FormatName}
	if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	audioOrd, subOrd := 0, 0
	for _, s := range raw.Streams {
		lang := s.Tags["language"]
		switch s.CodecType {
		case "video":
			info.VideoStreams = append(info.VideoStreams, VideoStream{
				Index:  s.Index,
				Codec:  s.CodecName,
				Width:  s.Width,
				Height: s.Height,
			})
		case "audio":
			info.AudioStreams = append(info.AudioStreams, AudioStream{
				Index:     audioOrd,
				Codec:     s.CodecName,
				Language:  lang,
				Channels:  s.Channels,
				IsDefault: s.Disposition.Default == 1,
				Playable:  browserPlayable[s.CodecName],
			})
			audioOrd++
		case "subtitle":
			info.SubtitleStreams = append(info.SubtitleStreams, SubtitleStream{
				Index:        subOrd,
				StreamIndex:  s.Index,
				Codec:        s.CodecName,
				Language:     lang,
				IsTextBased:  textSubtitleCodecs[s.CodecName],
				IsImageBased: imageSubtitleCodecs[s.CodecName],
			})
			subOrd++
		}
	}
	return info
}
