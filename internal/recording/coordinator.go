package recording

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-recorder/internal/capture"
	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/metrics"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/schedule"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Chunks recorded before the server has assigned a session id are kept
// under a local key with this prefix and adopted once the id arrives.
const provisionalPrefix = "local_"

// IsProvisional reports whether id is a locally minted session key.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

type pendingChunk struct {
	data      []byte
	mimeType  string
	timestamp time.Time
	seq       int64
}

func (p pendingChunk) command(sessionID string) queue.SaveChunkDirectly {
	return queue.SaveChunkDirectly{
		SessionID:      sessionID,
		Payload:        base64.StdEncoding.EncodeToString(p.data),
		MimeType:       p.mimeType,
		Timestamp:      p.timestamp.UnixMilli(),
		SequenceNumber: p.seq,
	}
}

type Status struct {
	State               State             `json:"state"`
	SessionID           string            `json:"sessionId,omitempty"`
	ProcessingSessionID string            `json:"processingSessionId,omitempty"`
	Transcript          string            `json:"transcript"`
	MedicalNote         string            `json:"medicalNote,omitempty"`
	Progress            float64           `json:"progress"`
	Message             string            `json:"message,omitempty"`
	BufferedChunkCount  int               `json:"bufferedChunkCount"`
	PendingFinalization bool              `json:"pendingFinalization"`
	StartedAt           *time.Time        `json:"startedAt,omitempty"`
	LastHeartbeat       *time.Time        `json:"lastHeartbeat,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
	Connection          connection.Status `json:"connection"`
}

// Coordinator runs one recording at a time: it feeds captured audio to the
// connection or the durable queue, negotiates the session with the server
// and reconciles local state after reconnects.
type Coordinator struct {
	cfg      Config
	conn     Connection
	queue    queue.Requester
	source   capture.Source
	perms    capture.Permissions
	poller   Poller
	identity Identity
	metrics  *metrics.Metrics
	logger   *slog.Logger
	limiter  *rate.Limiter

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	background  []*schedule.Task
	replaying   atomic.Bool
	cleaning    atomic.Bool

	mu                  sync.Mutex
	state               State
	sessionID           string
	provisional         string
	processingID        string
	followed            map[string]struct{}
	waiters             map[string]*waiter
	transcript          string
	note                string
	progress            float64
	message             string
	lastError           string
	pendingFinalization bool
	mimeType            string
	startedAt           time.Time
	endedAt             time.Time
	lastHeartbeat       time.Time
	lastServerContact   time.Time
	seq                 int64
	backlog             []pendingChunk
	persisted           int
	recordingTasks      []*schedule.Task
}

func New(deps Deps, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:      cfg,
		conn:     deps.Connection,
		queue:    deps.Queue,
		source:   deps.Source,
		perms:    deps.Permissions,
		poller:   deps.Poller,
		identity: deps.Identity,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "recording"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReplayPerSecond), int(max(cfg.ReplayPerSecond, 1))),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		followed: make(map[string]struct{}),
		waiters:  make(map[string]*waiter),
	}
	if c.poller == nil {
		c.poller = noopPoller{}
	}
	if c.identity == nil {
		c.identity = noopIdentity{}
	}
	return c
}

// AttachPoller sets the fallback poller. The poller reports back through
// the coordinator, so it is usually built after it.
func (c *Coordinator) AttachPoller(p Poller) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.poller = p
	c.mu.Unlock()
}

func (c *Coordinator) getPoller() Poller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller
}

// Open subscribes to the connection and starts the maintenance schedule.
func (c *Coordinator) Open(ctx context.Context) error {
	if _, err := queue.Call[queue.Pong](ctx, c.queue, queue.Ping{}); err != nil {
		return fmt.Errorf("queue unavailable: %w", err)
	}

	c.unsubscribe = c.conn.Subscribe(c.onEvent)
	c.background = append(c.background,
		schedule.After(c.ctx, c.cfg.StaleSweepDelay, c.sweepStale),
		schedule.Every(c.ctx, c.cfg.StaleSweepInterval, c.sweepStale),
		schedule.After(c.ctx, c.cfg.StaleSweepDelay, c.cleanupStalePending),
		schedule.Every(c.ctx, c.cfg.PendingCleanupEvery, c.cleanupStalePending),
		schedule.Every(c.ctx, c.cfg.StorageCheckEvery, c.checkStorage),
		schedule.Every(c.ctx, c.cfg.BacklogCheckEvery, c.manageBacklog),
	)

	if c.conn.IsConnected() {
		c.onOpen()
	}
	c.logger.Info("recording coordinator ready")
	return nil
}

// Close stops background work. A recording still in progress is parked in
// the durable queue as pending completion so the next run can finish it.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	recording := c.state == StateRecording || c.state == StateConnecting
	c.mu.Unlock()
	if recording {
		c.park(ctx)
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	for _, t := range c.background {
		t.Stop()
	}
	c.getPoller().StopAll()
	c.cancel()
	return nil
}

func (c *Coordinator) park(ctx context.Context) {
	c.mu.Lock()
	tasks := c.recordingTasks
	c.recordingTasks = nil
	c.mu.Unlock()
	stopTasks(tasks)

	if err := c.source.Stop(); err != nil {
		c.logger.Warn("failed to stop capture", "error", err)
	}
	c.flushBacklog(ctx, true)

	c.mu.Lock()
	key := c.currentKeyLocked()
	started := c.startedAt
	transcript := c.transcript
	c.mu.Unlock()
	if key == "" {
		return
	}

	now := time.Now()
	c.updateSession(ctx, queue.SessionPatch{
		ID:                  key,
		Status:              queue.Ptr(shared.StatusPendingCompletion),
		StartTime:           &started,
		EndTime:             &now,
		Transcript:          &transcript,
		PendingFinalization: queue.Ptr(true),
		LastEndAttempt:      &now,
	})
	c.logger.Warn("recording interrupted by shutdown", "session_id", key)
}

// Start begins a new recording. When the server cannot be reached the
// recording proceeds offline and audio accumulates in the durable queue.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	err := checkTransition(c.state, StateConnecting)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if c.perms != nil {
		if err := c.perms.Check(ctx); err != nil {
			c.logger.Warn("recording permission denied", "error", err)
			if !errors.Is(err, shared.ErrPermissionDenied) {
				err = fmt.Errorf("%w: %v", shared.ErrPermissionDenied, err)
			}
			return err
		}
	}

	c.mu.Lock()
	if err := c.setStateLocked(StateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.resetRecordingLocked()
	c.mu.Unlock()

	online := c.conn.IsConnected()
	if !online {
		if err := c.conn.Connect(ctx); err != nil {
			c.logger.Warn("starting offline, audio will be kept locally", "error", err)
		} else {
			online = true
		}
	}

	c.mu.Lock()
	c.mimeType = c.source.MimeType()
	if !online {
		c.provisional = provisionalPrefix + uuid.NewString()
	}
	c.mu.Unlock()

	if err := c.source.Start(ctx, c.HandleChunk); err != nil {
		c.mu.Lock()
		c.provisional = ""
		_ = c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.startedAt = now
	_ = c.setStateLocked(StateRecording)
	prov := c.provisional
	mime := c.mimeType
	c.recordingTasks = []*schedule.Task{
		schedule.Every(c.ctx, c.cfg.KeepAliveInterval, c.keepAlive),
	}
	c.mu.Unlock()

	if prov != "" {
		c.updateSession(ctx, queue.SessionPatch{ID: prov, Status: queue.Ptr(shared.StatusRecording), StartTime: &now})
		c.logger.Info("recording started offline", "session_id", prov)
		return nil
	}

	sent := c.conn.Send(ctx, transport.MessageTypeStartSession, transport.StartSessionPayload{
		Metadata: transport.SessionMetadata{MimeType: mime, ClientTime: now.UnixMilli()},
	})
	if !sent {
		c.mu.Lock()
		if c.sessionID == "" && c.provisional == "" {
			c.provisional = provisionalPrefix + uuid.NewString()
			prov = c.provisional
		}
		c.mu.Unlock()
		if prov != "" {
			c.updateSession(ctx, queue.SessionPatch{ID: prov, Status: queue.Ptr(shared.StatusRecording), StartTime: &now})
		}
		c.logger.Warn("start-session not delivered, recording locally", "session_id", prov)
		return nil
	}

	c.logger.Info("recording started", "mime_type", mime)
	return nil
}

func (c *Coordinator) resetRecordingLocked() {
	c.sessionID = ""
	c.provisional = ""
	c.transcript = ""
	c.note = ""
	c.progress = 0
	c.message = ""
	c.lastError = ""
	c.pendingFinalization = false
	c.seq = 0
	c.backlog = nil
	c.persisted = 0
	c.startedAt = time.Time{}
	c.endedAt = time.Time{}
}

// HandleChunk takes one captured chunk. It is sent straight away when a
// session exists and the connection is up, persisted when offline, and
// kept in memory while the server has not yet assigned an id.
func (c *Coordinator) HandleChunk(chunk capture.Chunk) {
	if len(chunk.Data) == 0 {
		return
	}
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now()
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateRecording, StateStopping:
	default:
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("dropping chunk outside a recording", "state", state)
		return
	}
	c.seq++
	pc := pendingChunk{data: chunk.Data, mimeType: chunk.MimeType, timestamp: chunk.Timestamp, seq: c.seq}
	if pc.mimeType == "" {
		pc.mimeType = c.mimeType
	}
	sessionID := c.sessionID
	key := sessionID
	if key == "" {
		key = c.provisional
	}
	if key == "" {
		c.backlog = append(c.backlog, pc)
		n := c.bufferedLocked()
		c.mu.Unlock()
		c.metrics.SetBuffered(n)
		return
	}
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()
	c.queueChunk(ctx, key, pc, sessionID != "" && c.conn.IsConnected())
}

func (c *Coordinator) queueChunk(ctx context.Context, sessionID string, pc pendingChunk, online bool) {
	res, err := queue.Call[queue.ProcessResult](ctx, c.queue, queue.ProcessAndQueue{
		SessionID:      sessionID,
		Data:           pc.data,
		MimeType:       pc.mimeType,
		Timestamp:      pc.timestamp.UnixMilli(),
		SequenceNumber: pc.seq,
		Online:         online,
	})
	if err != nil {
		c.logger.Error("failed to queue audio chunk", "session_id", sessionID, "sequence", pc.seq, "error", err)
		return
	}
	if res.Buffer != nil {
		c.bufferUpdate(*res.Buffer)
		return
	}
	if res.Ready != nil && !c.sendChunk(ctx, *res.Ready) {
		c.saveChunk(ctx, sessionID, pc)
	}
}

func (c *Coordinator) sendChunk(ctx context.Context, ch queue.Chunk) bool {
	ok := c.conn.Send(ctx, transport.MessageTypeAudioChunk, transport.AudioChunkPayload{
		SessionID:      ch.SessionID,
		Audio:          ch.Payload,
		MimeType:       ch.MimeType,
		ChunkID:        ch.ID,
		SequenceNumber: ch.SequenceNumber,
		Timestamp:      ch.Timestamp,
	})
	if ok {
		c.metrics.ChunkSent()
	}
	return ok
}

func (c *Coordinator) saveChunk(ctx context.Context, sessionID string, pc pendingChunk) {
	update, err := queue.Call[queue.BufferUpdate](ctx, c.queue, pc.command(sessionID))
	if err != nil {
		c.logger.Error("failed to persist audio chunk", "session_id", sessionID, "sequence", pc.seq, "error", err)
		return
	}
	c.bufferUpdate(update)
}

func (c *Coordinator) bufferUpdate(u queue.BufferUpdate) {
	c.mu.Lock()
	if u.SessionID == c.currentKeyLocked() {
		c.persisted = u.Count
	}
	n := c.bufferedLocked()
	c.mu.Unlock()
	c.metrics.SetBuffered(n)
}

func (c *Coordinator) currentKeyLocked() string {
	switch {
	case c.sessionID != "":
		return c.sessionID
	case c.provisional != "":
		return c.provisional
	default:
		return c.processingID
	}
}

func (c *Coordinator) bufferedLocked() int {
	return c.persisted + len(c.backlog)
}

// flushBacklog moves in-memory chunks into the durable queue. Without
// force only the chunks over the size bound or older than the age bound
// move.
func (c *Coordinator) flushBacklog(ctx context.Context, force bool) {
	c.mu.Lock()
	if len(c.backlog) == 0 {
		c.mu.Unlock()
		return
	}
	slices.SortStableFunc(c.backlog, func(a, b pendingChunk) int {
		return a.timestamp.Compare(b.timestamp)
	})

	n := len(c.backlog)
	if !force {
		n = max(len(c.backlog)-c.cfg.BacklogMaxChunks, 0)
		cutoff := time.Now().Add(-c.cfg.BacklogMaxAge)
		for n < len(c.backlog) && c.backlog[n].timestamp.Before(cutoff) {
			n++
		}
	}
	if n == 0 {
		c.mu.Unlock()
		return
	}
	move := slices.Clone(c.backlog[:n])
	c.backlog = slices.Clone(c.backlog[n:])

	key := c.sessionID
	created := false
	if key == "" {
		if c.provisional == "" {
			c.provisional = provisionalPrefix + uuid.NewString()
			created = true
		}
		key = c.provisional
	}
	started := c.startedAt
	c.mu.Unlock()

	if created {
		c.updateSession(ctx, queue.SessionPatch{ID: key, Status: queue.Ptr(shared.StatusRecording), StartTime: &started})
	}
	for _, pc := range move {
		c.saveChunk(ctx, key, pc)
	}
	c.logger.Info("moved audio backlog to durable storage", "session_id", key, "chunks", len(move))
}

func (c *Coordinator) updateSession(ctx context.Context, patch queue.SessionPatch) {
	if patch.ID == "" {
		return
	}
	if _, err := queue.Call[queue.SessionUpdated](ctx, c.queue, queue.UpdateSession{Patch: patch}); err != nil {
		c.logger.Error("failed to persist session", "session_id", patch.ID, "error", err)
	}
}

func (c *Coordinator) setStateLocked(to State) error {
	if c.state == to {
		return nil
	}
	if err := checkTransition(c.state, to); err != nil {
		c.logger.Warn("rejected state change", "from", c.state, "to", to)
		return err
	}
	c.logger.Debug("state changed", "from", c.state, "to", to)
	c.state = to
	c.metrics.StateChanged(string(to))
	return nil
}

func (c *Coordinator) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.cfg.OperationTimeout)
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Snapshot() Status {
	conn := c.conn.Status()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:               c.state,
		SessionID:           c.sessionID,
		ProcessingSessionID: c.processingID,
		Transcript:          c.transcript,
		MedicalNote:         c.note,
		Progress:            c.progress,
		Message:             c.message,
		BufferedChunkCount:  c.bufferedLocked(),
		PendingFinalization: c.pendingFinalization,
		LastError:           c.lastError,
		Connection:          conn,
	}
	if s.SessionID == "" {
		s.SessionID = c.provisional
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		s.StartedAt = &t
	}
	if !c.lastHeartbeat.IsZero() {
		t := c.lastHeartbeat
		s.LastHeartbeat = &t
	}
	return s
}

func (c *Coordinator) Sessions(ctx context.Context, statuses ...shared.SessionStatus) ([]queue.Session, error) {
	res, err := queue.Call[queue.SessionsResult](ctx, c.queue, queue.GetSessions{Statuses: statuses})
	if err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *Coordinator) Transcript(ctx context.Context, sessionID string) (string, error) {
	res, err := queue.Call[queue.TranscriptResult](ctx, c.queue, queue.GetTranscript{SessionID: sessionID})
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("transcript for %s: %w", sessionID, shared.ErrNotFound)
	}
	return res.Text, nil
}

func (c *Coordinator) StorageUsage(ctx context.Context) (queue.Usage, error) {
	res, err := queue.Call[queue.UsageResult](ctx, c.queue, queue.GetStorageUsage{})
	if err != nil {
		return queue.Usage{}, err
	}
	c.metrics.SetStorageBytes(res.Usage.Total)
	return res.Usage, nil
}

// Cleanup evicts old sessions until storage drops under thresholdMB.
func (c *Coordinator) Cleanup(ctx context.Context, thresholdMB float64) (queue.CleanupResult, error) {
	if thresholdMB <= 0 {
		thresholdMB = c.cfg.StorageThresholdMB
	}
	if !c.cleaning.CompareAndSwap(false, true) {
		return queue.CleanupResult{}, fmt.Errorf("%w: cleanup already running", shared.ErrConflict)
	}
	defer c.cleaning.Store(false)

	res, err := queue.Call[queue.CleanupResult](ctx, c.queue, queue.PerformAutomaticCleanup{ThresholdMB: thresholdMB})
	if err != nil {
		return res, err
	}
	c.metrics.CleanedUp("orphaned", res.OrphanedChunksDeleted)
	c.metrics.CleanedUp("retention", res.OldSessionsDeleted)
	c.logger.Info("storage cleanup finished",
		"before_mb", res.BeforeMB,
		"after_mb", res.AfterMB,
		"days_kept", res.DaysKept,
		"sessions_deleted", res.OldSessionsDeleted,
	)
	return res, nil
}

// DeleteSession removes a finished session locally and asks the server to
// forget it.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id required", shared.ErrInvalidState)
	}

	c.mu.Lock()
	if id == c.sessionID || id == c.provisional {
		c.mu.Unlock()
		return fmt.Errorf("%w: session %s is still recording", shared.ErrInvalidState, id)
	}
	if id == c.processingID {
		c.processingID = ""
		c.note = ""
		c.progress = 0
		c.pendingFinalization = false
		if c.state.settled() || c.state == StateCompleted || c.state == StateError {
			_ = c.setStateLocked(StateIdle)
		}
	}
	delete(c.followed, id)
	c.mu.Unlock()

	if c.conn.IsConnected() {
		c.conn.Send(ctx, transport.MessageTypeDeleteSession, transport.SessionRef{SessionID: id})
	}
	c.getPoller().Stop(id)
	c.conn.UnregisterActiveSession(id)
	c.identity.UntrackSession(id)

	if _, err := queue.Call[queue.DeleteResult](ctx, c.queue, queue.DeleteSession{SessionID: id}); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	c.logger.Info("session deleted", "session_id", id)
	return nil
}

func stopTasks(tasks []*schedule.Task) {
	for _, t := range tasks {
		t.Stop()
	}
}

type noopPoller struct{}

func (noopPoller) Start(context.Context, string) error { return nil }
func (noopPoller) Stop(string)                         {}
func (noopPoller) StopAll()                            {}

type noopIdentity struct{}

func (noopIdentity) TrackSession(string, string) {}
func (noopIdentity) UntrackSession(string)       {}
