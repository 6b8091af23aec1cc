package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

const (
	defaultCommand   = "ffmpeg"
	defaultMimeType  = "audio/webm;codecs=opus"
	startupGrace     = 250 * time.Millisecond
	stopGrace        = 1200 * time.Millisecond
	readBufferSize   = 32 * 1024
	defaultChunkTime = time.Second
)

type FFmpegConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
	Channels    int
	// Interval is how much audio each emitted chunk covers.
	Interval time.Duration
	Log      *slog.Logger
}

// FFmpegSource records the default input device with ffmpeg and slices its
// webm/opus output into fixed-interval chunks.
type FFmpegSource struct {
	cfg    FFmpegConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	waitErr chan error
	pumpErr chan struct{}
	running bool
}

func NewFFmpegSource(cfg FFmpegConfig) *FFmpegSource {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultChunkTime
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &FFmpegSource{cfg: cfg, logger: cfg.Log.With("component", "ffmpeg_capture")}
}

func (s *FFmpegSource) MimeType() string {
	return defaultMimeType
}

func (s *FFmpegSource) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.InputFormat,
		"-i", s.cfg.InputDevice,
		"-ac", strconv.Itoa(s.cfg.Channels),
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-c:a", "libopus",
		"-f", "webm",
		"-",
	}
}

func (s *FFmpegSource) Start(ctx context.Context, onChunk func(Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: capture already running", shared.ErrInvalidState)
	}

	cmd := exec.Command(s.cfg.Command, s.args()...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	case <-time.After(startupGrace):
	}

	s.cmd = cmd
	s.stdout = stdout
	s.stderr = stderr
	s.waitErr = waitErr
	s.pumpErr = make(chan struct{})
	s.running = true

	go s.pump(stdout, onChunk, s.pumpErr)
	s.logger.Info("capture started", "device", s.cfg.InputDevice, "interval", s.cfg.Interval)
	return nil
}

// pump accumulates ffmpeg output and emits one chunk per interval. The
// remainder is emitted when the stream ends.
func (s *FFmpegSource) pump(r io.Reader, onChunk func(Chunk), done chan struct{}) {
	defer close(done)

	var (
		mu      sync.Mutex
		pending bytes.Buffer
	)
	emit := func() {
		mu.Lock()
		if pending.Len() == 0 {
			mu.Unlock()
			return
		}
		data := bytes.Clone(pending.Bytes())
		pending.Reset()
		mu.Unlock()
		onChunk(Chunk{Data: data, MimeType: defaultMimeType, Timestamp: time.Now()})
	}

	ticker := time.NewTicker(s.cfg.Interval)
	stopTicker := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				emit()
			case <-stopTicker:
				return
			}
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			mu.Lock()
			pending.Write(buf[:n])
			mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("capture read failed", "error", err)
			}
			break
		}
	}

	ticker.Stop()
	close(stopTicker)
	emit()
}

// Stop interrupts ffmpeg, waits for it to flush, and kills it if it does
// not exit in time.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	_ = s.cmd.Process.Signal(os.Interrupt)

	var stopErr error
	select {
	case err, ok := <-s.waitErr:
		if ok {
			stopErr = normalizeStopErr(err)
		}
	case <-time.After(stopGrace):
		_ = s.cmd.Process.Kill()
		if err, ok := <-s.waitErr; ok {
			stopErr = normalizeStopErr(err)
		}
	}

	<-s.pumpErr
	if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && stopErr == nil {
		stopErr = err
	}
	if stopErr != nil && s.stderr.Len() > 0 {
		stopErr = fmt.Errorf("%w: %s", stopErr, bytes.TrimSpace(s.stderr.Bytes()))
	}

	s.logger.Info("capture stopped")
	return stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// ExecPermissions treats a runnable capture binary as permission to record.
type ExecPermissions struct {
	Command string
}

func (p ExecPermissions) Check(_ context.Context) error {
	command := p.Command
	if command == "" {
		command = defaultCommand
	}
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("%w: %s not available: %v", shared.ErrPermissionDenied, command, err)
	}
	return nil
}
