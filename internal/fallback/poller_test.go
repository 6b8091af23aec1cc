package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []Result
	results  []Result
	gaveUp   map[string]int
	done     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{gaveUp: make(map[string]int), done: make(chan struct{}, 8)}
}

func (s *recordingSink) OnProgress(_ context.Context, r Result) {
	s.mu.Lock()
	s.progress = append(s.progress, r)
	s.mu.Unlock()
}

func (s *recordingSink) OnResult(_ context.Context, r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) OnGiveUp(sessionID string, attempts int) {
	s.mu.Lock()
	s.gaveUp[sessionID] = attempts
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for sink")
	}
}

func testConfig(base string) Config {
	return Config{
		HTTPBase:       base,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval:       5 * time.Millisecond,
		MaxInterval:    20 * time.Millisecond,
		MaxAttempts:    5,
		RequestTimeout: time.Second,
	}
}

func TestPoller_ReportsTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session-status/s1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"status":"processing","progress":50}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"completed","progress":100,"transcript":"hello","note":"note","startTime":1700000000.5,"endTime":1700000060}`))
	}))
	defer server.Close()

	sink := newRecordingSink()
	p := New(testConfig(server.URL), sink)

	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(sink.results))
	}
	got := sink.results[0]
	if got.Status != shared.StatusCompleted || got.Transcript != "hello" || got.Note != "note" {
		t.Errorf("unexpected result %+v", got)
	}
	if got.StartTime.Unix() != 1700000000 || got.EndTime.Unix() != 1700000060 {
		t.Errorf("unexpected times %v %v", got.StartTime, got.EndTime)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", calls.Load())
	}
}

func TestPoller_ForwardsProgress(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch calls.Add(1) {
		case 1:
			_, _ = w.Write([]byte(`{"status":"processing"}`))
		case 2:
			_, _ = w.Write([]byte(`{"status":"processing","progress":75}`))
		default:
			_, _ = w.Write([]byte(`{"status":"completed","transcript":"done"}`))
		}
	}))
	defer server.Close()

	sink := newRecordingSink()
	p := New(testConfig(server.URL), sink)
	if err := p.Start(context.Background(), "s1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.progress) != 2 {
		t.Fatalf("expected 2 progress reports, got %d", len(sink.progress))
	}
	if got := sink.progress[0]; got.SessionID != "s1" || got.Status != shared.StatusProcessing || got.Progress != 50 {
		t.Errorf("expected default progress for a bare report, got %+v", got)
	}
	if got := sink.progress[1].Progress; got != 75 {
		t.Errorf("expected reported progress 75, got %v", got)
	}
	if len(sink.results) != 1 || sink.results[0].Status != shared.StatusCompleted {
		t.Errorf("expected one terminal result, got %+v", sink.results)
	}
}

func TestPoller_FallbackNoteWhenMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","transcript":"partial words"}`))
	}))
	defer server.Close()

	sink := newRecordingSink()
	p := New(testConfig(server.URL), sink)
	_ = p.Start(context.Background(), "s1")
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	got := sink.results[0]
	if got.Status != shared.StatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
	if !strings.Contains(got.Note, "partial words") || !strings.Contains(got.Note, "Automatically Generated") {
		t.Errorf("expected fallback note with transcript, got %q", got.Note)
	}
}

func TestPoller_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxAttempts = 3
	sink := newRecordingSink()
	p := New(cfg, sink)

	_ = p.Start(context.Background(), "s1")
	sink.wait(t)

	sink.mu.Lock()
	attempts := sink.gaveUp["s1"]
	sink.mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected give-up after 3 attempts, got %d", attempts)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", calls.Load())
	}
	if len(p.Active()) != 0 {
		t.Errorf("expected no active polls, got %v", p.Active())
	}
}

func TestPoller_StopCancelsWithoutGiveUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"processing"}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxAttempts = 1000
	sink := newRecordingSink()
	p := New(cfg, sink)

	_ = p.Start(context.Background(), "s1")
	_ = p.Start(context.Background(), "s1")
	if active := p.Active(); len(active) != 1 {
		t.Fatalf("restart should replace the poll, got %v", active)
	}

	p.Stop("s1")
	if len(p.Active()) != 0 {
		t.Error("expected no active polls after Stop")
	}

	select {
	case <-sink.done:
		t.Error("stopped poll must not report")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoller_StopAllRejectsNewPolls(t *testing.T) {
	sink := newRecordingSink()
	p := New(testConfig("http://127.0.0.1:1"), sink)

	p.StopAll()
	err := p.Start(context.Background(), "s1")
	if !errors.Is(err, shared.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := p.Start(context.Background(), ""); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestFallbackNote(t *testing.T) {
	if note := FallbackNote(""); !strings.Contains(note, noTranscript) {
		t.Errorf("expected placeholder transcript, got %q", note)
	}
	if note := FallbackNote("abc"); !strings.Contains(note, "## Transcription\nabc") {
		t.Errorf("expected transcript section, got %q", note)
	}
}

func TestEpochTime(t *testing.T) {
	if !epochTime(0).IsZero() {
		t.Error("zero should map to zero time")
	}
	if got := epochTime(1700000000000); got.Unix() != 1700000000 {
		t.Errorf("milliseconds: got %v", got)
	}
	if got := epochTime(1700000000); got.Unix() != 1700000000 {
		t.Errorf("seconds: got %v", got)
	}
}
