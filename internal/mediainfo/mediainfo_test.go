package mediainfo

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

const sampleProbe = `{
  "format": {"format_name": "matroska,webm", "duration": "5412.480000"},
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "channels": 6,
     "tags": {"language": "eng"}, "disposition": {"default": 1}},
    {"index": 2, "codec_name": "ac3", "codec_type": "audio", "channels": 6,
     "tags": {"language": "hin"}, "disposition": {"default": 0}},
    {"index": 3, "codec_name": "subrip", "codec_type": "subtitle",
     "tags": {"language": "eng"}, "disposition": {"default": 0}},
    {"index": 4, "codec_name": "hdmv_pgs_subtitle", "codec_type": "subtitle",
     "tags": {"language": "fre"}, "disposition": {"default": 0}}
  ]
}`

func TestBuildInfo(t *testing.T) {
	var raw probeOutput
	if err := json.Unmarshal([]byte(sampleProbe), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	info := buildInfo(&raw)

	if info.Container != "matroska,webm" {
		t.Fatalf("container=%q", info.Container)
	}
	if info.Duration != 5412.48 {
		t.Fatalf("duration=%v", info.Duration)
	}
	if len(info.VideoStreams) != 1 || info.VideoStreams[0].Codec != "h264" {
		t.Fatalf("video streams: %+v", info.VideoStreams)
	}

	if len(info.AudioStreams) != 2 {
		t.Fatalf("audio streams: %+v", info.AudioStreams)
	}
	a0, a1 := info.AudioStreams[0], info.AudioStreams[1]
	if !a0.IsDefault || !a0.Playable || a0.Language != "eng" || a0.Index != 0 {
		t.Fatalf("audio 0: %+v", a0)
	}
	if a1.Playable || a1.Index != 1 || a1.Codec != "ac3" {
		t.Fatalf("audio 1: %+v", a1)
	}

	if len(info.SubtitleStreams) != 2 {
		t.Fatalf("subtitle streams: %+v", info.SubtitleStreams)
	}
	s0, s1 := info.SubtitleStreams[0], info.SubtitleStreams[1]
	if !s0.IsTextBased || s0.IsImageBased || s0.StreamIndex != 3 {
		t.Fatalf("subtitle 0: %+v", s0)
	}
	if s1.IsTextBased || !s1.IsImageBased || s1.StreamIndex != 4 {
		t.Fatalf("subtitle 1: %+v", s1)
	}
}

func TestProbeTimeoutBound(t *testing.T) {
	// A stuck probe blocks the per-file track pass; the bound is part of
	// the contract with callers holding the file open.
	if probeTimeout != 30*time.Second {
		t.Fatalf("probeTimeout=%v want 30s", probeTimeout)
	}
}

func TestBrowserPlayable(t *testing.T) {
	for _, codec := range []string{"aac", "mp3", "opus", "vorbis", "flac"} {
		if !BrowserPlayable(codec) {
			t.Fatalf("%s should be playable", codec)
		}
	}
	for _, codec := range []string{"ac3", "eac3", "dts", "truehd", ""} {
		if BrowserPlayable(codec) {
			t.Fatalf("%s should not be playable", codec)
		}
	}
}
