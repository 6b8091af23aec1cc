package recording

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/fallback"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/schedule"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
)

func (c *Coordinator) onEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventOpen:
		c.onOpen()
	case connection.EventReconnected:
		c.onReconnected(ev.ActiveSessions)
	case connection.EventClose:
		c.mu.Lock()
		id, recording := c.sessionID, c.state == StateRecording
		c.mu.Unlock()
		if recording && id != "" {
			c.conn.RegisterActiveSession(id)
		}
		c.logger.Info("connection closed", "code", ev.CloseCode, "recording", recording)
	case connection.EventReconnectionFailed:
		c.mu.Lock()
		c.lastError = ev.Reason
		c.mu.Unlock()
		c.logger.Warn("gave up reconnecting, audio stays in local storage", "reason", ev.Reason, "attempts", ev.Attempt)
	case connection.EventMessage:
		if ev.Message != nil {
			ctx, cancel := c.opContext()
			c.handleMessage(ctx, ev.Message)
			cancel()
		}
	}
}

func (c *Coordinator) onOpen() {
	schedule.After(c.ctx, c.cfg.OpenSettle, func(ctx context.Context) {
		c.reconcilePending(ctx)
		c.replayBuffered(ctx)
	})

	c.mu.Lock()
	needSession := c.state == StateRecording && c.sessionID == ""
	c.mu.Unlock()
	if needSession {
		schedule.After(c.ctx, c.cfg.FreshSessionDelay, c.requestSession)
	}
}

// onReconnected resumes the current session when the server still knows
// it. Otherwise the id is dropped and a new session is requested, with the
// audio recorded so far carried over to it.
func (c *Coordinator) onReconnected(active []string) {
	c.mu.Lock()
	state, id, processing := c.state, c.sessionID, c.processingID
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()

	if state != StateRecording {
		if processing != "" && slices.Contains(active, processing) {
			c.conn.Send(ctx, transport.MessageTypeGetSessionStatus, transport.SessionRef{SessionID: processing})
		}
		return
	}
	if id == "" {
		return
	}

	if slices.Contains(active, id) {
		c.logger.Info("resuming session after reconnect", "session_id", id)
		c.conn.Send(ctx, transport.MessageTypeResumeSession, transport.ResumeSessionPayload{
			SessionID:               id,
			ClientTime:              time.Now().UnixMilli(),
			RequestLatestTranscript: true,
		})
		c.conn.RegisterActiveSession(id)
		return
	}

	c.logger.Warn("session lost across reconnect, starting a new one", "session_id", id)
	c.mu.Lock()
	if c.sessionID == id {
		c.sessionID = ""
		c.provisional = id
	}
	c.mu.Unlock()
	c.conn.UnregisterActiveSession(id)
	schedule.After(c.ctx, c.cfg.FreshSessionDelay, c.requestSession)
}

func (c *Coordinator) requestSession(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateRecording || c.sessionID != "" {
		c.mu.Unlock()
		return
	}
	mime := c.mimeType
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		c.logger.Warn("connection not healthy, buffering audio only")
		return
	}
	c.conn.Send(ctx, transport.MessageTypeStartSession, transport.StartSessionPayload{
		Metadata: transport.SessionMetadata{MimeType: mime, ClientTime: time.Now().UnixMilli(), Resumed: true},
	})
}

func (c *Coordinator) handleMessage(ctx context.Context, msg *transport.Message) {
	var err error
	switch msg.Type {
	case transport.MessageTypeSessionCreated:
		var p transport.SessionCreatedPayload
		if err = msg.Bind(&p); err == nil {
			c.onSessionCreated(ctx, p.SessionID)
		}

	case transport.MessageTypeTranscriptionUpdate:
		var p transport.TranscriptionUpdatePayload
		if err = msg.Bind(&p); err == nil {
			c.onTranscription(ctx, p)
		}

	case transport.MessageTypeProcessingStatus:
		var p transport.ProcessingStatusPayload
		if err = msg.Bind(&p); err == nil {
			status := shared.NormalizeStatus(p.Status)
			c.applyStatus(ctx, statusUpdate{
				sessionID: p.SessionID,
				status:    status,
				progress:  &p.Progress,
				message:   p.Message,
				signal:    status == shared.StatusCompleted,
			})
		}

	case transport.MessageTypeProcessingHeartbeat:
		var p transport.ProcessingHeartbeatPayload
		if err = msg.Bind(&p); err == nil {
			c.mu.Lock()
			if p.SessionID != "" && p.SessionID == c.processingID {
				c.lastHeartbeat = time.UnixMilli(int64(p.Timestamp))
				c.lastServerContact = time.Now()
			}
			c.mu.Unlock()
		}

	case transport.MessageTypeMedicalNote:
		var p transport.MedicalNotePayload
		if err = msg.Bind(&p); err == nil {
			c.applyStatus(ctx, statusUpdate{
				sessionID: p.SessionID,
				status:    shared.StatusCompleted,
				note:      p.Note,
				signal:    true,
			})
		}

	case transport.MessageTypeSessionEnded:
		var p transport.SessionEndedPayload
		if err = msg.Bind(&p); err == nil {
			status := shared.NormalizeStatus(p.Status)
			if status == "" {
				status = shared.StatusCompleted
			}
			c.applyStatus(ctx, statusUpdate{sessionID: p.SessionID, status: status, signal: true})
		}

	case transport.MessageTypeSessionStatus:
		var p transport.SessionStatusPayload
		if err = msg.Bind(&p); err == nil {
			status := shared.NormalizeStatus(p.Status)
			c.applyStatus(ctx, statusUpdate{
				sessionID:  p.SessionID,
				status:     status,
				progress:   &p.Progress,
				transcript: p.Transcript,
				note:       p.Note,
				signal:     status == shared.StatusCompleted,
			})
		}

	case transport.MessageTypeSessionResumed:
		var p transport.SessionResumedPayload
		if err = msg.Bind(&p); err == nil {
			c.mu.Lock()
			if p.SessionID != "" && p.SessionID == c.sessionID && p.Transcript != "" {
				c.transcript = p.Transcript
			}
			c.mu.Unlock()
			c.logger.Info("session resumed", "session_id", p.SessionID)
		}

	case transport.MessageTypeSessionPendingCompletion:
		var p transport.SessionRef
		if err = msg.Bind(&p); err == nil {
			c.onPendingCompletion(ctx, p.SessionID)
		}

	case transport.MessageTypeReconnectionInfo:
		var p transport.ReconnectionInfoPayload
		if err = msg.Bind(&p); err == nil {
			c.onReconnectionInfo(ctx, p.ActiveSessions)
		}

	case transport.MessageTypeChunkAck:
		var p transport.ChunkAckPayload
		if err = msg.Bind(&p); err == nil {
			c.onChunkAck(ctx, p)
		}

	case transport.MessageTypeError:
		var p transport.ErrorPayload
		if err = msg.Bind(&p); err == nil {
			c.onServerError(ctx, p)
		}

	case transport.MessageTypeSessionDeleted:
		c.logger.Info("server deleted session", "session_id", msg.SessionID())

	case transport.MessageTypeKeepAliveResponse, transport.MessageTypeAppPing:

	default:
		c.logger.Debug("unhandled message", "type", msg.Type)
	}

	if err != nil {
		c.logger.Warn("malformed message", "type", msg.Type, "error", err)
	}
}

// onSessionCreated adopts a server session id. Audio kept under a
// provisional key or a lost session id moves over to it and is replayed.
func (c *Coordinator) onSessionCreated(ctx context.Context, id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	if c.state != StateRecording && c.state != StateConnecting {
		c.mu.Unlock()
		c.logger.Debug("ignoring session created outside a recording", "session_id", id)
		return
	}
	if c.sessionID == id {
		c.mu.Unlock()
		return
	}
	from := c.provisional
	if c.sessionID != "" {
		from = c.sessionID
	}
	c.sessionID = id
	c.provisional = ""
	backlog := c.backlog
	c.backlog = nil
	slices.SortStableFunc(backlog, func(a, b pendingChunk) int {
		return a.timestamp.Compare(b.timestamp)
	})
	started := c.startedAt
	c.mu.Unlock()

	c.logger.Info("session created", "session_id", id, "adopted_from", from, "backlog", len(backlog))
	c.conn.RegisterActiveSession(id)
	c.identity.TrackSession(id, string(shared.StatusRecording))
	c.updateSession(ctx, queue.SessionPatch{ID: id, Status: queue.Ptr(shared.StatusRecording), StartTime: &started})

	if from != "" {
		c.conn.UnregisterActiveSession(from)
		c.identity.UntrackSession(from)
		update, err := queue.Call[queue.BufferUpdate](ctx, c.queue, queue.AdoptChunks{From: from, To: id})
		if err != nil {
			c.logger.Error("failed to adopt buffered audio", "from", from, "to", id, "error", err)
		} else {
			c.bufferUpdate(update)
		}
	}

	for _, pc := range backlog {
		c.saveChunk(ctx, id, pc)
	}

	go c.drainSession(c.ctx, id)
}

func (c *Coordinator) onTranscription(ctx context.Context, p transport.TranscriptionUpdatePayload) {
	text := p.FullTranscript
	if p.SessionID == "" || strings.TrimSpace(text) == "" {
		return
	}

	c.mu.Lock()
	current := p.SessionID == c.sessionID || p.SessionID == c.processingID
	if current {
		c.transcript = text
	}
	c.mu.Unlock()
	if !current {
		return
	}

	if _, err := queue.Call[queue.TranscriptSaved](ctx, c.queue, queue.SaveTranscript{SessionID: p.SessionID, Text: text}); err != nil {
		c.logger.Warn("failed to save transcript", "session_id", p.SessionID, "error", err)
	}
	c.updateSession(ctx, queue.SessionPatch{ID: p.SessionID, Transcript: &text})
}

type statusUpdate struct {
	sessionID  string
	status     shared.SessionStatus
	progress   *float64
	message    string
	transcript string
	note       string
	errMessage string
	// signal resolves a finalization waiting on this session
	signal bool
}

// applyStatus folds a server status report into memory and storage. Only
// sessions this client follows are persisted.
func (c *Coordinator) applyStatus(ctx context.Context, u statusUpdate) {
	if u.sessionID == "" {
		return
	}
	terminal := u.status.IsTerminal()

	c.mu.Lock()
	_, followed := c.followed[u.sessionID]
	tracked := u.sessionID == c.processingID
	if tracked {
		if u.progress != nil {
			c.progress = *u.progress
		}
		if u.message != "" {
			c.message = u.message
		}
		if u.note != "" {
			c.note = u.note
		}
		if u.transcript != "" {
			c.transcript = u.transcript
		}
		if u.errMessage != "" {
			c.lastError = u.errMessage
		}
		c.lastServerContact = time.Now()
		if terminal {
			c.pendingFinalization = false
			if c.state.settled() {
				next, _ := stateForStatus(u.status)
				_ = c.setStateLocked(next)
			}
		}
	}
	if u.signal {
		c.signalLocked(u.sessionID, u.status)
	}
	if terminal {
		delete(c.followed, u.sessionID)
	}
	c.mu.Unlock()

	if !tracked && !followed {
		return
	}

	patch := queue.SessionPatch{ID: u.sessionID}
	if u.status != "" {
		patch.Status = queue.Ptr(u.status)
	}
	if u.progress != nil {
		patch.Progress = u.progress
	}
	if u.note != "" {
		patch.MedicalNote = queue.Ptr(u.note)
	}
	if u.transcript != "" {
		patch.Transcript = queue.Ptr(u.transcript)
	}
	if u.errMessage != "" {
		patch.Error = queue.Ptr(u.errMessage)
	}
	if terminal {
		patch.PendingFinalization = queue.Ptr(false)
	}
	c.updateSession(ctx, patch)

	if terminal {
		c.released(ctx, u.sessionID, u.status)
	}
}

func (c *Coordinator) onPendingCompletion(ctx context.Context, id string) {
	if id == "" {
		return
	}
	now := time.Now()

	c.mu.Lock()
	if id == c.processingID {
		c.pendingFinalization = true
		if c.state == StateProcessing {
			_ = c.setStateLocked(StatePendingCompletion)
		}
	}
	stopping := id == c.sessionID && c.state == StateStopping
	c.mu.Unlock()

	c.updateSession(ctx, queue.SessionPatch{
		ID:                  id,
		Status:              queue.Ptr(shared.StatusPendingCompletion),
		PendingFinalization: queue.Ptr(true),
		LastEndAttempt:      &now,
	})

	if !stopping {
		return
	}
	c.logger.Info("server reports session pending completion, retrying finalization", "session_id", id)
	c.conn.Send(ctx, transport.MessageTypeResumeSession, transport.ResumeSessionPayload{
		SessionID:  id,
		ClientTime: now.UnixMilli(),
	})
	schedule.After(c.ctx, c.cfg.PendingResumeDelay, func(ctx context.Context) {
		c.conn.Send(ctx, transport.MessageTypeEndSession, transport.SessionRef{SessionID: id})
	})
}

func (c *Coordinator) onReconnectionInfo(ctx context.Context, sessions []transport.ActiveSession) {
	for _, s := range sessions {
		if s.ID == "" {
			continue
		}
		status := shared.NormalizeStatus(s.Status)

		c.mu.Lock()
		restore := c.state == StateRecording && c.sessionID == "" &&
			(status == "" || status == shared.StatusRecording)
		c.mu.Unlock()
		if restore {
			c.logger.Info("restoring recording session from server", "session_id", s.ID)
			c.onSessionCreated(ctx, s.ID)
			continue
		}

		if status != shared.StatusProcessing {
			continue
		}
		c.mu.Lock()
		if c.processingID != s.ID && (c.state == StateIdle || c.state == StateCompleted || c.state == StateError) {
			c.processingID = s.ID
			c.followed[s.ID] = struct{}{}
			c.progress = 50
			c.lastHeartbeat = time.Now()
			_ = c.setStateLocked(StateProcessing)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) onChunkAck(ctx context.Context, p transport.ChunkAckPayload) {
	ack, err := queue.Call[queue.AckResult](ctx, c.queue, queue.ChunkAcknowledged{
		SessionID:      p.SessionID,
		ChunkID:        p.ChunkID,
		SequenceNumber: p.SequenceNumber,
	})
	if err != nil {
		c.logger.Warn("failed to record chunk ack", "session_id", p.SessionID, "error", err)
		return
	}
	if !ack.Duplicate {
		c.metrics.ChunkAcked()
	}
	if p.ChunkID == 0 {
		return
	}

	update, err := queue.Call[queue.BufferUpdate](ctx, c.queue, queue.ChunkSuccessfullySent{ChunkID: p.ChunkID, SessionID: p.SessionID})
	if err != nil {
		c.logger.Warn("failed to release acknowledged chunk", "chunk_id", p.ChunkID, "error", err)
		return
	}
	c.bufferUpdate(update)
}

func (c *Coordinator) onServerError(ctx context.Context, p transport.ErrorPayload) {
	c.logger.Warn("server error", "session_id", p.SessionID, "message", p.Message)
	if p.SessionID == "" {
		c.mu.Lock()
		c.lastError = p.Message
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	tracked := p.SessionID == c.processingID && c.state != StateStopping
	if p.SessionID == c.sessionID || p.SessionID == c.processingID {
		c.lastError = p.Message
	}
	c.mu.Unlock()
	if !tracked {
		return
	}
	c.applyStatus(ctx, statusUpdate{sessionID: p.SessionID, status: shared.StatusError, errMessage: p.Message})
}

// OnResult receives a terminal status found by the fallback poller.
func (c *Coordinator) OnResult(ctx context.Context, r fallback.Result) {
	c.mu.Lock()
	c.followed[r.SessionID] = struct{}{}
	c.mu.Unlock()

	progress := r.Progress
	if r.Status == shared.StatusCompleted && progress == 0 {
		progress = 100
	}
	c.applyStatus(ctx, statusUpdate{
		sessionID:  r.SessionID,
		status:     r.Status,
		progress:   &progress,
		transcript: r.Transcript,
		note:       r.Note,
		signal:     true,
	})
	c.logger.Info("fallback polling resolved session", "session_id", r.SessionID, "status", r.Status)
}

// OnProgress receives a non-terminal status found by the fallback poller.
func (c *Coordinator) OnProgress(ctx context.Context, r fallback.Result) {
	progress := r.Progress
	c.applyStatus(ctx, statusUpdate{
		sessionID: r.SessionID,
		status:    r.Status,
		progress:  &progress,
	})
}

func (c *Coordinator) OnGiveUp(sessionID string, attempts int) {
	c.logger.Warn("fallback polling gave up, session stays pending", "session_id", sessionID, "attempts", attempts)
}
