package transcode

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
)

// fakeTool writes an executable shell script standing in for the media tool.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakemux")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRemuxArgs(t *testing.T) {
	args := strings.Join(remuxArgs("http://127.0.0.1:8081/internal/raw/5", 90.5, 1, false), " ")

	// Seek must precede the input so the demuxer seeks.
	ss := strings.Index(args, "-ss 90.500")
	in := strings.Index(args, "-i http://127.0.0.1:8081/internal/raw/5")
	if ss == -1 || in == -1 || ss > in {
		t.Fatalf("seek/input order wrong: %s", args)
	}
	for _, want := range []string{
		"-map 0:v:0",
		"-c:v copy",
		"-map 0:a:1",
		"-c:a aac -b:a 192k -ac 2",
		"-movflags frag_keyframe+empty_moov+default_base_moof",
		"-f mp4 pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in %s", want, args)
		}
	}
}

func TestRemuxArgsCopyAudioNoSeek(t *testing.T) {
	args := strings.Join(remuxArgs("http://x/raw/1", 0, 0, true), " ")
	if strings.Contains(args, "-ss") {
		t.Fatalf("seek flag present at start=0: %s", args)
	}
	if !strings.Contains(args, "-c:a copy") || strings.Contains(args, "192k") {
		t.Fatalf("audio should be copied: %s", args)
	}
}

func TestSubtitleArgs(t *testing.T) {
	args := strings.Join(subtitleArgs("http://x/raw/7", 3, 0), " ")
	for _, want := range []string{"-map 0:3", "-c:s webvtt", "-f webvtt", "pipe:1"} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in %s", want, args)
		}
	}
	withSeek := strings.Join(subtitleArgs("http://x/raw/7", 3, 42), " ")
	if !strings.Contains(withSeek, "-ss 42.000") {
		t.Fatalf("seek missing: %s", withSeek)
	}
}

func TestVTTCacheEviction(t *testing.T) {
	c := newVTTCache(2)
	c.put(vttKey(1, 0), []byte("a"))
	c.put(vttKey(2, 0), []byte("b"))
	c.put(vttKey(3, 0), []byte("c")) // evicts (1,0)

	if _, ok := c.get(vttKey(1, 0)); ok {
		t.Fatal("oldest entry survived")
	}
	if data, ok := c.get(vttKey(3, 0)); !ok || string(data) != "c" {
		t.Fatalf("newest entry: %q %v", data, ok)
	}
	// Touch (2,0), insert a fourth; (3,0) is now oldest.
	c.get(vttKey(2, 0))
	c.put(vttKey(4, 0), []byte("d"))
	if _, ok := c.get(vttKey(3, 0)); ok {
		t.Fatal("recently used entry evicted instead of LRU")
	}
}

func TestKillReplacesPreviousJob(t *testing.T) {
	s := NewSupervisor("ffmpeg", "http://127.0.0.1:8081/internal/raw")

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	job := &Job{fileID: 5, cmd: cmd, sup: s}
	s.register(job)
	if s.Active() != 1 {
		t.Fatalf("active=%d want 1", s.Active())
	}

	s.kill(5)
	if s.Active() != 0 {
		t.Fatalf("active=%d want 0 after kill", s.Active())
	}
	if cmd.ProcessState == nil || cmd.ProcessState.Success() {
		t.Fatal("child not reaped by kill")
	}

	// Cleanup is idempotent.
	job.cleanup()
	job.cleanup()
}

func TestConcurrentStartsLeaveOneChild(t *testing.T) {
	tool := fakeTool(t, "#!/bin/sh\nsleep 60\n")
	s := NewSupervisor(tool, "http://127.0.0.1:8081/internal/raw")

	first, _, _, err := s.startJob(5, 0, 0, true)
	if err != nil {
		t.Skipf("cannot start child: %v", err)
	}

	const n = 8
	jobs := make([]*Job, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, _, _, err := s.startJob(5, 0, 0, true)
			if err != nil {
				t.Errorf("start %d: %v", i, err)
				return
			}
			jobs[i] = j
		}(i)
	}
	wg.Wait()

	if got := s.Active(); got != 1 {
		t.Fatalf("active=%d want 1", got)
	}
	live := 0
	for _, j := range append(jobs, first) {
		if j == nil {
			continue
		}
		if j.cmd.Process.Signal(syscall.Signal(0)) == nil {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live children=%d want 1", live)
	}
	s.KillAll()
}

func TestKillAll(t *testing.T) {
	s := NewSupervisor("ffmpeg", "http://127.0.0.1:8081/internal/raw")
	for i := int64(1); i <= 3; i++ {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start child: %v", err)
		}
		s.register(&Job{fileID: i, cmd: cmd, sup: s})
	}
	s.KillAll()
	if s.Active() != 0 {
		t.Fatalf("active=%d want 0", s.Active())
	}
}
