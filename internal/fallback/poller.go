package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-recorder/internal/metrics"
	"github.com/eleven-am/voice-recorder/internal/schedule"
	"github.com/eleven-am/voice-recorder/internal/shared"
)

type Config struct {
	HTTPBase string
	Client   *http.Client
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	Interval       time.Duration
	Multiplier     float64
	MaxInterval    time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HTTPBase:       "http://localhost:8080",
		Interval:       5 * time.Second,
		Multiplier:     1.5,
		MaxInterval:    15 * time.Second,
		MaxAttempts:    30,
		RequestTimeout: 8 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HTTPBase == "" {
		c.HTTPBase = d.HTTPBase
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Result is the terminal status reported by the server for a session.
type Result struct {
	SessionID  string
	Status     shared.SessionStatus
	Progress   float64
	Transcript string
	Note       string
	StartTime  time.Time
	EndTime    time.Time
}

// Sink receives what the poller learns. OnProgress is called for every
// non-terminal report, OnResult once for the terminal one.
type Sink interface {
	OnProgress(ctx context.Context, result Result)
	OnResult(ctx context.Context, result Result)
	OnGiveUp(sessionID string, attempts int)
}

// defaultProgress stands in for a processing report without a figure.
const defaultProgress = 50

type statusResponse struct {
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Transcript string  `json:"transcript"`
	Note       string  `json:"note"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
}

type poll struct {
	task      *schedule.Task
	cancelled atomic.Bool
}

// Poller checks session status over HTTP when real-time finalization could
// not be confirmed. At most one poll runs per session.
type Poller struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	polls   map[string]*poll
	stopped bool
}

func New(cfg Config, sink Sink) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:    cfg,
		sink:   sink,
		logger: cfg.Log.With("component", "fallback_poller"),
		polls:  make(map[string]*poll),
	}
}

// Start begins polling sessionID, replacing any poll already running for it.
func (p *Poller) Start(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("%w: poller stopped", shared.ErrInvalidState)
	}
	if prev, ok := p.polls[sessionID]; ok {
		prev.cancelled.Store(true)
		prev.task.Stop()
	}

	policy := schedule.Immediate(schedule.Exponential{
		Initial:     p.cfg.Interval,
		Multiplier:  p.cfg.Multiplier,
		Max:         p.cfg.MaxInterval,
		MaxAttempts: p.cfg.MaxAttempts,
	})

	entry := &poll{}
	var finished atomic.Bool
	var attempts atomic.Int32
	entry.task = schedule.Loop(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		attempts.Store(int32(attempt))
		done, err := p.check(ctx, sessionID)
		if done {
			finished.Store(true)
		}
		return done, err
	})
	p.polls[sessionID] = entry
	p.logger.Info("fallback polling started", "session_id", sessionID)

	go func() {
		<-entry.task.Done()

		p.mu.Lock()
		if p.polls[sessionID] == entry {
			delete(p.polls, sessionID)
		}
		p.mu.Unlock()

		if finished.Load() || entry.cancelled.Load() || ctx.Err() != nil {
			return
		}
		n := int(attempts.Load())
		p.logger.Warn("fallback polling gave up", "session_id", sessionID, "attempts", n)
		p.cfg.Metrics.FallbackPolled("gave_up")
		p.sink.OnGiveUp(sessionID, n)
	}()
	return nil
}

func (p *Poller) check(ctx context.Context, sessionID string) (bool, error) {
	status, err := p.fetch(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		p.cfg.Metrics.FallbackPolled("error")
		p.logger.Warn("status poll failed", "session_id", sessionID, "error", err)
		return false, err
	}

	normalized := shared.NormalizeStatus(status.Status)
	if !normalized.IsTerminal() {
		p.cfg.Metrics.FallbackPolled("pending")
		p.logger.Debug("session still processing", "session_id", sessionID, "status", status.Status, "progress", status.Progress)
		progress := status.Progress
		if progress <= 0 {
			progress = defaultProgress
		}
		p.sink.OnProgress(ctx, Result{
			SessionID: sessionID,
			Status:    normalized,
			Progress:  progress,
		})
		return false, nil
	}

	p.cfg.Metrics.FallbackPolled("terminal")
	note := status.Note
	if note == "" {
		note = FallbackNote(status.Transcript)
	}
	p.sink.OnResult(ctx, Result{
		SessionID:  sessionID,
		Status:     normalized,
		Progress:   100,
		Transcript: status.Transcript,
		Note:       note,
		StartTime:  epochTime(status.StartTime),
		EndTime:    epochTime(status.EndTime),
	})
	return true, nil
}

func (p *Poller) fetch(ctx context.Context, sessionID string) (*statusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/session-status/%s", p.cfg.HTTPBase, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

func (p *Poller) Stop(sessionID string) {
	p.mu.Lock()
	entry, ok := p.polls[sessionID]
	delete(p.polls, sessionID)
	p.mu.Unlock()

	if ok {
		entry.cancelled.Store(true)
		entry.task.Stop()
	}
}

// StopAll cancels every poll and refuses new ones.
func (p *Poller) StopAll() {
	p.mu.Lock()
	p.stopped = true
	polls := p.polls
	p.polls = make(map[string]*poll)
	p.mu.Unlock()

	for _, entry := range polls {
		entry.cancelled.Store(true)
		entry.task.Stop()
	}
}

// Active lists the sessions currently being polled.
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.polls))
	for id := range p.polls {
		ids = append(ids, id)
	}
	return ids
}

// epochTime accepts seconds or milliseconds since the epoch.
func epochTime(v float64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e12:
		return time.UnixMilli(int64(v)).UTC()
	default:
		sec := int64(v)
		return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
	}
}
