package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func newTestSource(command string) *FFmpegSource {
	return NewFFmpegSource(FFmpegConfig{
		Command:  command,
		Interval: 50 * time.Millisecond,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestFFmpegSource_EmitsChunks(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nexec sleep 5\n")
	source := newTestSource(script)

	var (
		mu     sync.Mutex
		chunks []Chunk
	)
	err := source.Start(context.Background(), func(c Chunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := source.Start(context.Background(), func(Chunk) {}); !errors.Is(err, shared.ErrInvalidState) {
		t.Errorf("second Start() should fail with ErrInvalidState, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if err := source.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var all strings.Builder
	for _, c := range chunks {
		all.Write(c.Data)
		if c.MimeType != source.MimeType() {
			t.Errorf("unexpected mime type %q", c.MimeType)
		}
		if c.Timestamp.IsZero() {
			t.Error("chunk missing timestamp")
		}
	}
	if all.String() != "hello" {
		t.Errorf("expected captured bytes 'hello', got %q", all.String())
	}

	if err := source.Stop(); err != nil {
		t.Errorf("Stop() on stopped source should be a no-op, got %v", err)
	}
}

func TestFFmpegSource_EarlyExit(t *testing.T) {
	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'boom' 1>&2\nexit 1\n")
	source := newTestSource(script)

	err := source.Start(context.Background(), func(Chunk) {})
	if err == nil {
		t.Fatal("expected early exit error")
	}
	if !strings.Contains(err.Error(), "exited before capture started") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFFmpegSource_Args(t *testing.T) {
	source := NewFFmpegSource(FFmpegConfig{InputFormat: "alsa", InputDevice: "hw:0", SampleRate: 16000})
	args := strings.Join(source.args(), " ")

	for _, want := range []string{"-f alsa", "-i hw:0", "-ar 16000", "-ac 1", "-c:a libopus", "-f webm"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestNormalizeStopErr(t *testing.T) {
	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Errorf("expected nil for exit error, got %v", got)
	}
	if got := normalizeStopErr(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestExecPermissions(t *testing.T) {
	if err := (ExecPermissions{Command: "sh"}).Check(context.Background()); err != nil {
		t.Errorf("expected sh to be available, got %v", err)
	}

	err := (ExecPermissions{Command: "definitely-not-a-recorder-binary"}).Check(context.Background())
	if !errors.Is(err, shared.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}
