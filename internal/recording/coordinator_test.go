package recording

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voice-recorder/internal/capture"
	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/fallback"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sentMessage struct {
	Type    transport.MessageType
	Payload any
}

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	failed     bool
	connects   int
	reconnects int
	failSends  map[transport.MessageType]bool
	sent       []sentMessage
	sentCh     chan sentMessage
	active     map[string]struct{}
	listeners  []func(connection.Event)
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{
		connected: connected,
		failSends: make(map[transport.MessageType]bool),
		sentCh:    make(chan sentMessage, 256),
		active:    make(map[string]struct{}),
	}
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.failed = false
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.mu.Unlock()
	f.emit(connection.Event{Kind: connection.EventOpen})
	return nil
}

// Reconnect mirrors the manager: it never lifts a reached failure ceiling.
func (f *fakeConn) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if f.failed {
		return shared.ErrReconnectionFailed
	}
	return f.connectErr
}

func (f *fakeConn) calls() (connects, reconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.reconnects
}

func (f *fakeConn) Send(_ context.Context, t transport.MessageType, payload any) bool {
	f.mu.Lock()
	ok := f.connected && !f.failSends[t]
	if ok {
		f.sent = append(f.sent, sentMessage{Type: t, Payload: payload})
	}
	f.mu.Unlock()
	if ok {
		f.sentCh <- sentMessage{Type: t, Payload: payload}
	}
	return ok
}

func (f *fakeConn) Subscribe(fn func(connection.Event)) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) RegisterActiveSession(id string) {
	f.mu.Lock()
	f.active[id] = struct{}{}
	f.mu.Unlock()
}

func (f *fakeConn) UnregisterActiveSession(id string) {
	f.mu.Lock()
	delete(f.active, id)
	f.mu.Unlock()
}

func (f *fakeConn) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.Status{Connected: f.connected}
}

func (f *fakeConn) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeConn) setFailing(t transport.MessageType, fail bool) {
	f.mu.Lock()
	f.failSends[t] = fail
	f.mu.Unlock()
}

func (f *fakeConn) isActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[id]
	return ok
}

func (f *fakeConn) count(t transport.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeConn) emit(ev connection.Event) {
	f.mu.Lock()
	listeners := append([]func(connection.Event){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (f *fakeConn) deliver(t *testing.T, typ transport.MessageType, payload any) {
	t.Helper()
	msg, err := transport.NewMessage(typ, payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	f.emit(connection.Event{Kind: connection.EventMessage, Message: msg})
}

// waitFor returns the next sent message of type typ, skipping others.
func (f *fakeConn) waitFor(t *testing.T, typ transport.MessageType) sentMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.sentCh:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

type fakeSource struct {
	mu      sync.Mutex
	onChunk func(capture.Chunk)
	started bool
	startErr error
}

func (s *fakeSource) Start(_ context.Context, onChunk func(capture.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.onChunk = onChunk
	s.started = true
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) MimeType() string { return "audio/webm;codecs=opus" }

func (s *fakeSource) emit(data string, at time.Time) {
	s.mu.Lock()
	fn := s.onChunk
	s.mu.Unlock()
	fn(capture.Chunk{Data: []byte(data), Timestamp: at})
}

type fakePerms struct{ err error }

func (p fakePerms) Check(context.Context) error { return p.err }

type fakePoller struct {
	mu      sync.Mutex
	started chan string
	stopped []string
}

func newFakePoller() *fakePoller {
	return &fakePoller{started: make(chan string, 8)}
}

func (p *fakePoller) Start(_ context.Context, id string) error {
	p.started <- id
	return nil
}

func (p *fakePoller) Stop(id string) {
	p.mu.Lock()
	p.stopped = append(p.stopped, id)
	p.mu.Unlock()
}

func (p *fakePoller) StopAll() {}

func (p *fakePoller) wasStopped(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.stopped {
		if s == id {
			return true
		}
	}
	return false
}

type harness struct {
	c      *Coordinator
	conn   *fakeConn
	source *fakeSource
	poller *fakePoller
	worker *queue.Worker
}

func testConfig() Config {
	return Config{
		FinalizeTimeout:     150 * time.Millisecond,
		ResumeSettle:        10 * time.Millisecond,
		OpenSettle:          10 * time.Millisecond,
		FreshSessionDelay:   10 * time.Millisecond,
		PendingResumeDelay:  10 * time.Millisecond,
		KeepAliveInterval:   time.Hour,
		BacklogCheckEvery:   time.Hour,
		ReplayPerSecond:     1000,
		DrainBatchGap:       time.Millisecond,
		StaleSweepInterval:  time.Hour,
		StaleSweepDelay:     time.Hour,
		PendingCleanupEvery: time.Hour,
		StorageCheckEvery:   time.Hour,
	}
}

func newHarness(t *testing.T, conn *fakeConn, mutate ...func(*Config, *Deps)) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := queue.NewStore(db, log)
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	worker := queue.NewWorker(store, queue.WorkerConfig{Log: log})

	h := &harness{conn: conn, source: &fakeSource{}, poller: newFakePoller(), worker: worker}
	cfg := testConfig()
	deps := Deps{
		Connection:  conn,
		Queue:       worker,
		Source:      h.source,
		Permissions: fakePerms{},
		Poller:      h.poller,
		Log:         log,
	}
	for _, fn := range mutate {
		fn(&cfg, &deps)
	}
	h.c = New(deps, cfg)
	if err := h.c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if conn.IsConnected() {
		// let the replay scheduled by Open run against an empty queue
		time.Sleep(3 * cfg.OpenSettle)
	}
	t.Cleanup(func() {
		_ = h.c.Close(context.Background())
		worker.Close()
	})
	return h
}

// recordingAs starts a recording and lets the server assign id.
func (h *harness) recordingAs(t *testing.T, id string) {
	t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.conn.waitFor(t, transport.MessageTypeStartSession)
	h.conn.deliver(t, transport.MessageTypeSessionCreated, transport.SessionCreatedPayload{SessionID: id})
	eventually(t, func() bool { return h.c.Snapshot().SessionID == id })
}

func (h *harness) session(t *testing.T, id string) queue.Session {
	t.Helper()
	sessions, err := h.c.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	for _, s := range sessions {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("session %s not persisted", id)
	return queue.Session{}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateRecording, true},
		{StateRecording, StateStopping, true},
		{StateStopping, StateProcessing, true},
		{StateStopping, StatePendingCompletion, true},
		{StateProcessing, StateCompleted, true},
		{StatePendingCompletion, StateProcessing, true},
		{StatePendingCompletion, StateCompleted, true},
		{StateIdle, StateRecording, false},
		{StateRecording, StateCompleted, false},
		{StateCompleted, StateStopping, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCoordinator_OfflineStartBuffersToQueue(t *testing.T) {
	conn := newFakeConn(false)
	conn.connectErr = shared.ErrServerUnavailable
	h := newHarness(t, conn)

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.c.State() != StateRecording {
		t.Fatalf("expected recording, got %s", h.c.State())
	}

	now := time.Now()
	for i, data := range []string{"a", "b", "c"} {
		h.source.emit(data, now.Add(time.Duration(i)*time.Second))
	}

	snap := h.c.Snapshot()
	if snap.BufferedChunkCount != 3 {
		t.Errorf("expected 3 buffered chunks, got %d", snap.BufferedChunkCount)
	}
	if !strings.HasPrefix(snap.SessionID, provisionalPrefix) {
		t.Errorf("expected provisional session id, got %q", snap.SessionID)
	}
	if conn.count(transport.MessageTypeStartSession) != 0 {
		t.Error("start-session must not be sent while offline")
	}

	ready, err := queue.Call[queue.ReadyChunks](context.Background(), h.worker, queue.SendBufferedData{SessionID: snap.SessionID})
	if err != nil {
		t.Fatalf("SendBufferedData error = %v", err)
	}
	if len(ready.Chunks) != 3 {
		t.Errorf("expected 3 persisted chunks, got %d", len(ready.Chunks))
	}
}

func TestCoordinator_KeepAliveRespectsReconnectCeiling(t *testing.T) {
	conn := newFakeConn(false)
	conn.connectErr = shared.ErrServerUnavailable
	h := newHarness(t, conn, func(cfg *Config, _ *Deps) {
		cfg.KeepAliveInterval = 10 * time.Millisecond
	})

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	connects, _ := conn.calls()

	conn.mu.Lock()
	conn.failed = true
	conn.mu.Unlock()

	eventually(t, func() bool {
		_, reconnects := conn.calls()
		return reconnects >= 3
	})

	after, _ := conn.calls()
	if after != connects {
		t.Errorf("background reconnects must not use Connect: %d calls before, %d after", connects, after)
	}
	conn.mu.Lock()
	failed := conn.failed
	conn.mu.Unlock()
	if !failed {
		t.Error("failure ceiling was reset without a manual connect")
	}
	if h.c.State() != StateRecording {
		t.Errorf("expected recording to continue offline, got %s", h.c.State())
	}
}

func TestCoordinator_BacklogReplayedOnSessionCreated(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	start := conn.waitFor(t, transport.MessageTypeStartSession)
	payload := start.Payload.(transport.StartSessionPayload)
	if payload.Metadata.MimeType != "audio/webm;codecs=opus" {
		t.Errorf("unexpected mime type %q", payload.Metadata.MimeType)
	}

	now := time.Now()
	h.source.emit("late", now.Add(time.Second))
	h.source.emit("early", now)
	if got := h.c.Snapshot().BufferedChunkCount; got != 2 {
		t.Fatalf("expected 2 chunks in backlog, got %d", got)
	}
	if conn.count(transport.MessageTypeAudioChunk) != 0 {
		t.Fatal("audio must wait for a session id")
	}

	conn.deliver(t, transport.MessageTypeSessionCreated, transport.SessionCreatedPayload{SessionID: "s1"})

	first := conn.waitFor(t, transport.MessageTypeAudioChunk).Payload.(transport.AudioChunkPayload)
	second := conn.waitFor(t, transport.MessageTypeAudioChunk).Payload.(transport.AudioChunkPayload)
	if first.SessionID != "s1" || second.SessionID != "s1" {
		t.Errorf("replayed under wrong session: %s %s", first.SessionID, second.SessionID)
	}
	if first.Timestamp > second.Timestamp {
		t.Error("replay must follow capture timestamps")
	}
	if !conn.isActive("s1") {
		t.Error("expected s1 registered as active")
	}

	for _, p := range []transport.AudioChunkPayload{first, second} {
		conn.deliver(t, transport.MessageTypeChunkAck, transport.ChunkAckPayload{
			SessionID:      "s1",
			ChunkID:        p.ChunkID,
			SequenceNumber: p.SequenceNumber,
		})
	}
	eventually(t, func() bool { return h.c.Snapshot().BufferedChunkCount == 0 })
}

func TestCoordinator_ChunksSentDirectlyWhenOnline(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	h.source.emit("live", time.Now())
	sent := conn.waitFor(t, transport.MessageTypeAudioChunk).Payload.(transport.AudioChunkPayload)
	if sent.SessionID != "s1" || sent.ChunkID != 0 || sent.SequenceNumber != 1 {
		t.Errorf("unexpected chunk payload %+v", sent)
	}
	if got := h.c.Snapshot().BufferedChunkCount; got != 0 {
		t.Errorf("nothing should be buffered, got %d", got)
	}
}

func TestCoordinator_FailedSendPersistsChunk(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	conn.setFailing(transport.MessageTypeAudioChunk, true)
	h.source.emit("lost?", time.Now())

	if got := h.c.Snapshot().BufferedChunkCount; got != 1 {
		t.Errorf("expected failed send to be persisted, got %d buffered", got)
	}
}

func TestCoordinator_ResumesKnownSessionAfterReconnect(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	h.source.emit("one", time.Now())
	h.source.emit("two", time.Now())

	conn.setConnected(false)
	conn.emit(connection.Event{Kind: connection.EventClose, CloseCode: 1006})
	conn.setConnected(true)
	conn.emit(connection.Event{Kind: connection.EventReconnected, ActiveSessions: []string{"s1"}})

	resume := conn.waitFor(t, transport.MessageTypeResumeSession).Payload.(transport.ResumeSessionPayload)
	if resume.SessionID != "s1" || !resume.RequestLatestTranscript {
		t.Errorf("unexpected resume payload %+v", resume)
	}

	time.Sleep(50 * time.Millisecond)
	if n := conn.count(transport.MessageTypeStartSession); n != 1 {
		t.Errorf("expected no new session, start-session sent %d times", n)
	}
	if h.c.Snapshot().SessionID != "s1" {
		t.Errorf("session id changed to %q", h.c.Snapshot().SessionID)
	}
}

func TestCoordinator_StartsFreshSessionWhenLost(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	conn.setFailing(transport.MessageTypeAudioChunk, true)
	h.source.emit("kept", time.Now())
	conn.setFailing(transport.MessageTypeAudioChunk, false)

	conn.emit(connection.Event{Kind: connection.EventReconnected, ActiveSessions: nil})

	start := conn.waitFor(t, transport.MessageTypeStartSession).Payload.(transport.StartSessionPayload)
	if !start.Metadata.Resumed {
		t.Error("fresh session after a lost one should be flagged as resumed")
	}
	if conn.isActive("s1") {
		t.Error("lost session should be unregistered")
	}

	conn.deliver(t, transport.MessageTypeSessionCreated, transport.SessionCreatedPayload{SessionID: "s2"})
	chunk := conn.waitFor(t, transport.MessageTypeAudioChunk).Payload.(transport.AudioChunkPayload)
	if chunk.SessionID != "s2" {
		t.Errorf("buffered audio should move to s2, got %s", chunk.SessionID)
	}

	old, err := queue.Call[queue.ReadyChunks](context.Background(), h.worker, queue.SendBufferedData{SessionID: "s1"})
	if err != nil {
		t.Fatalf("SendBufferedData error = %v", err)
	}
	if len(old.Chunks) != 0 {
		t.Errorf("expected no chunks left under s1, got %d", len(old.Chunks))
	}
}

func stopAsync(h *harness) <-chan FinalizeOutcome {
	out := make(chan FinalizeOutcome, 1)
	go func() {
		outcome, _ := h.c.Stop(context.Background())
		out <- outcome
	}()
	return out
}

func waitOutcome(t *testing.T, ch <-chan FinalizeOutcome) FinalizeOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
		return FinalizeOutcome{}
	}
}

func TestCoordinator_StopFinalizesOnSessionEnded(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	done := stopAsync(h)
	end := conn.waitFor(t, transport.MessageTypeEndSession).Payload.(transport.SessionRef)
	if end.SessionID != "s1" {
		t.Fatalf("unexpected end-session for %s", end.SessionID)
	}
	conn.deliver(t, transport.MessageTypeSessionEnded, transport.SessionEndedPayload{SessionID: "s1", Status: "complete"})

	outcome := waitOutcome(t, done)
	if !outcome.Finalized || outcome.Status != shared.StatusCompleted {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if h.c.State() != StateCompleted {
		t.Errorf("expected completed, got %s", h.c.State())
	}
	s := h.session(t, "s1")
	if s.Status != shared.StatusCompleted || s.PendingFinalization {
		t.Errorf("unexpected persisted session %+v", s)
	}
	if conn.isActive("s1") {
		t.Error("finished session should be unregistered")
	}
}

func TestCoordinator_StopFinalizesOnMedicalNote(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	done := stopAsync(h)
	conn.waitFor(t, transport.MessageTypeEndSession)
	conn.deliver(t, transport.MessageTypeMedicalNote, transport.MedicalNotePayload{SessionID: "s1", Note: "# Note"})

	outcome := waitOutcome(t, done)
	if !outcome.Finalized {
		t.Fatalf("expected finalization, got %+v", outcome)
	}
	if got := h.c.Snapshot().MedicalNote; got != "# Note" {
		t.Errorf("expected note in snapshot, got %q", got)
	}
	if s := h.session(t, "s1"); s.MedicalNote != "# Note" {
		t.Errorf("expected persisted note, got %q", s.MedicalNote)
	}
}

func TestCoordinator_StopTimeoutHandsOffToPoller(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	outcome, err := h.c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if outcome.Finalized || outcome.Status != shared.StatusPendingCompletion {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if h.c.State() != StatePendingCompletion {
		t.Errorf("expected pending completion, got %s", h.c.State())
	}

	s := h.session(t, "s1")
	if s.Status != shared.StatusPendingCompletion || !s.PendingFinalization || s.LastEndAttempt == nil {
		t.Errorf("unexpected persisted session %+v", s)
	}

	select {
	case id := <-h.poller.started:
		if id != "s1" {
			t.Errorf("poller started for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("fallback poller was not started")
	}

	late := "late signal"
	conn.deliver(t, transport.MessageTypeMedicalNote, transport.MedicalNotePayload{SessionID: "s1", Note: late})
	if h.c.State() != StateCompleted {
		t.Errorf("late note should still complete the session, got %s", h.c.State())
	}
}

func TestCoordinator_StopWhileDisconnected(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	conn.setConnected(false)
	outcome, _ := h.c.Stop(context.Background())
	if outcome.Finalized || outcome.Reason != "not connected" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if conn.count(transport.MessageTypeEndSession) != 0 {
		t.Error("end-session must not be attempted while disconnected")
	}
	select {
	case <-h.poller.started:
	case <-time.After(time.Second):
		t.Fatal("fallback poller was not started")
	}
}

func TestCoordinator_FallbackResultCompletesSession(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")
	conn.setConnected(false)
	_, _ = h.c.Stop(context.Background())

	h.c.OnResult(context.Background(), fallback.Result{
		SessionID:  "s1",
		Status:     shared.StatusCompleted,
		Transcript: "words",
		Note:       "note",
	})

	if h.c.State() != StateCompleted {
		t.Errorf("expected completed, got %s", h.c.State())
	}
	s := h.session(t, "s1")
	if s.Status != shared.StatusCompleted || s.MedicalNote != "note" || s.PendingFinalization {
		t.Errorf("unexpected persisted session %+v", s)
	}
	if !h.poller.wasStopped("s1") {
		t.Error("poller should be stopped once the session is resolved")
	}
}

func TestCoordinator_FallbackProgressUpdatesSnapshot(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")
	conn.setConnected(false)
	_, _ = h.c.Stop(context.Background())
	before := h.c.State()

	h.c.OnProgress(context.Background(), fallback.Result{
		SessionID: "s1",
		Status:    shared.StatusProcessing,
		Progress:  65,
	})

	snap := h.c.Snapshot()
	if snap.Progress != 65 {
		t.Errorf("expected progress 65, got %v", snap.Progress)
	}
	if snap.State != before {
		t.Errorf("progress must not change state: %s -> %s", before, snap.State)
	}
	if s := h.session(t, "s1"); s.Progress != 65 {
		t.Errorf("expected persisted progress 65, got %v", s.Progress)
	}

	h.c.OnProgress(context.Background(), fallback.Result{SessionID: "other", Status: shared.StatusProcessing, Progress: 90})
	if got := h.c.Snapshot().Progress; got != 65 {
		t.Errorf("progress for an unrelated session leaked into the snapshot: %v", got)
	}
}

func TestCoordinator_ProcessingStatusDrivesCompletion(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	done := stopAsync(h)
	conn.waitFor(t, transport.MessageTypeEndSession)
	conn.deliver(t, transport.MessageTypeSessionEnded, transport.SessionEndedPayload{SessionID: "s1", Status: "processing"})
	if outcome := waitOutcome(t, done); !outcome.Finalized || outcome.Status != shared.StatusProcessing {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	conn.deliver(t, transport.MessageTypeProcessingStatus, transport.ProcessingStatusPayload{SessionID: "s1", Status: "processing", Progress: 40})
	snap := h.c.Snapshot()
	if snap.State != StateProcessing || snap.Progress != 40 {
		t.Errorf("progress update should not change state: %+v", snap)
	}

	conn.deliver(t, transport.MessageTypeProcessingStatus, transport.ProcessingStatusPayload{SessionID: "s1", Status: "completed", Progress: 100})
	if h.c.State() != StateCompleted {
		t.Errorf("expected completed, got %s", h.c.State())
	}
}

func TestCoordinator_PermissionDenied(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn, func(_ *Config, d *Deps) {
		d.Permissions = fakePerms{err: errors.New("no device")}
	})

	err := h.c.Start(context.Background())
	if !errors.Is(err, shared.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if h.c.State() != StateIdle {
		t.Errorf("expected idle, got %s", h.c.State())
	}
}

func TestCoordinator_StartRejectedWhileRecording(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	if err := h.c.Start(context.Background()); !errors.Is(err, shared.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCoordinator_CaptureFailureReturnsToIdle(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.source.startErr = errors.New("device busy")

	if err := h.c.Start(context.Background()); err == nil {
		t.Fatal("expected capture error")
	}
	if h.c.State() != StateIdle {
		t.Errorf("expected idle, got %s", h.c.State())
	}
}

func TestCoordinator_ReconcilesPendingSessionsOnOpen(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"p1", "local_x"} {
		_, err := queue.Call[queue.SessionUpdated](ctx, h.worker, queue.UpdateSession{Patch: queue.SessionPatch{
			ID:                  id,
			Status:              queue.Ptr(shared.StatusPendingCompletion),
			StartTime:           &now,
			PendingFinalization: queue.Ptr(true),
			LastEndAttempt:      &now,
		}})
		if err != nil {
			t.Fatalf("UpdateSession error = %v", err)
		}
	}

	conn.emit(connection.Event{Kind: connection.EventOpen})

	resume := conn.waitFor(t, transport.MessageTypeResumeSession).Payload.(transport.ResumeSessionPayload)
	if resume.SessionID != "p1" {
		t.Errorf("expected resume for p1, got %s", resume.SessionID)
	}
	end := conn.waitFor(t, transport.MessageTypeEndSession).Payload.(transport.SessionRef)
	if end.SessionID != "p1" {
		t.Errorf("expected end-session for p1, got %s", end.SessionID)
	}

	eventually(t, func() bool {
		s := h.session(t, "p1")
		return s.Status == shared.StatusProcessing && !s.PendingFinalization
	})
	if n := conn.count(transport.MessageTypeEndSession); n != 1 {
		t.Errorf("provisional sessions must be skipped, end-session sent %d times", n)
	}
}

func TestCoordinator_SweepsStaleProcessingSessions(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	ctx := context.Background()

	now := time.Now()
	for id, ended := range map[string]time.Time{
		"old":   now.Add(-10 * time.Minute),
		"fresh": now.Add(-time.Minute),
	} {
		_, err := queue.Call[queue.SessionUpdated](ctx, h.worker, queue.UpdateSession{Patch: queue.SessionPatch{
			ID:        id,
			Status:    queue.Ptr(shared.StatusProcessing),
			StartTime: &ended,
			EndTime:   &ended,
		}})
		if err != nil {
			t.Fatalf("UpdateSession error = %v", err)
		}
	}

	h.c.sweepStale(ctx)

	if s := h.session(t, "old"); s.Status != shared.StatusCompleted || !s.ForceClosed {
		t.Errorf("stale session should be force-closed, got %+v", s)
	}
	if s := h.session(t, "fresh"); s.Status != shared.StatusProcessing {
		t.Errorf("recent session should stay processing, got %s", s.Status)
	}
}

func TestCoordinator_BacklogFlushedOverLimit(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn, func(c *Config, _ *Deps) {
		c.BacklogMaxChunks = 2
	})
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	now := time.Now()
	for i := range 3 {
		h.source.emit("x", now.Add(time.Duration(i)*time.Second))
	}
	h.c.flushBacklog(context.Background(), false)

	snap := h.c.Snapshot()
	if snap.BufferedChunkCount != 3 {
		t.Errorf("flushing must not lose chunks, got %d", snap.BufferedChunkCount)
	}
	if !strings.HasPrefix(snap.SessionID, provisionalPrefix) {
		t.Fatalf("expected flushed chunks under a provisional key, got %q", snap.SessionID)
	}

	conn.deliver(t, transport.MessageTypeSessionCreated, transport.SessionCreatedPayload{SessionID: "s1"})
	for range 3 {
		if p := conn.waitFor(t, transport.MessageTypeAudioChunk).Payload.(transport.AudioChunkPayload); p.SessionID != "s1" {
			t.Errorf("expected chunk under s1, got %s", p.SessionID)
		}
	}
}

func TestCoordinator_TranscriptionUpdatePersists(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	h.recordingAs(t, "s1")

	conn.deliver(t, transport.MessageTypeTranscriptionUpdate, transport.TranscriptionUpdatePayload{SessionID: "s1", FullTranscript: "hello there"})
	conn.deliver(t, transport.MessageTypeTranscriptionUpdate, transport.TranscriptionUpdatePayload{SessionID: "s1", FullTranscript: "   "})

	if got := h.c.Snapshot().Transcript; got != "hello there" {
		t.Errorf("expected transcript, got %q", got)
	}
	text, err := h.c.Transcript(context.Background(), "s1")
	if err != nil || text != "hello there" {
		t.Errorf("Transcript() = %q, %v", text, err)
	}
}

func TestCoordinator_DeleteSession(t *testing.T) {
	conn := newFakeConn(true)
	h := newHarness(t, conn)
	ctx := context.Background()

	now := time.Now()
	if _, err := queue.Call[queue.SessionUpdated](ctx, h.worker, queue.UpdateSession{Patch: queue.SessionPatch{
		ID: "d1", Status: queue.Ptr(shared.StatusCompleted), StartTime: &now,
	}}); err != nil {
		t.Fatalf("UpdateSession error = %v", err)
	}

	if err := h.c.DeleteSession(ctx, "d1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if ref := conn.waitFor(t, transport.MessageTypeDeleteSession).Payload.(transport.SessionRef); ref.SessionID != "d1" {
		t.Errorf("unexpected delete-session %s", ref.SessionID)
	}
	sessions, _ := h.c.Sessions(ctx)
	for _, s := range sessions {
		if s.ID == "d1" {
			t.Error("session should be gone")
		}
	}

	h.recordingAs(t, "s1")
	if err := h.c.DeleteSession(ctx, "s1"); !errors.Is(err, shared.ErrInvalidState) {
		t.Errorf("deleting the live recording should fail, got %v", err)
	}
}

func TestCoordinator_CloseParksRecording(t *testing.T) {
	conn := newFakeConn(false)
	conn.connectErr = shared.ErrServerUnavailable
	h := newHarness(t, conn)

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.source.emit("a", time.Now())
	id := h.c.Snapshot().SessionID

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s := h.session(t, id)
	if s.Status != shared.StatusPendingCompletion || !s.PendingFinalization {
		t.Errorf("expected parked session, got %+v", s)
	}
}
