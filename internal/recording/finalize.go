package recording

import (
	"context"
	"time"

	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
)

type FinalizeOutcome struct {
	SessionID string               `json:"sessionId"`
	Finalized bool                 `json:"finalized"`
	Status    shared.SessionStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
}

// waiter resolves on the first completion signal for a session. Later
// signals find no waiter and are ignored.
type waiter struct {
	done   chan struct{}
	status shared.SessionStatus
}

func (c *Coordinator) signalLocked(sessionID string, status shared.SessionStatus) {
	w, ok := c.waiters[sessionID]
	if !ok {
		return
	}
	delete(c.waiters, sessionID)
	w.status = status
	close(w.done)
}

// Stop ends the recording and tries to finalize it over the connection.
// If no completion signal arrives in time the session is parked as pending
// completion and handed to the fallback poller.
func (c *Coordinator) Stop(ctx context.Context) (FinalizeOutcome, error) {
	c.mu.Lock()
	if err := c.setStateLocked(StateStopping); err != nil {
		c.mu.Unlock()
		return FinalizeOutcome{}, err
	}
	tasks := c.recordingTasks
	c.recordingTasks = nil
	c.endedAt = time.Now()
	c.mu.Unlock()
	stopTasks(tasks)

	if err := c.source.Stop(); err != nil {
		c.logger.Warn("failed to stop capture", "error", err)
	}
	c.flushBacklog(ctx, true)

	c.mu.Lock()
	id := c.sessionID
	key := id
	if key == "" {
		key = c.provisional
	}
	if key == "" {
		_ = c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.logger.Info("recording stopped before any audio was captured")
		return FinalizeOutcome{Reason: "nothing recorded"}, nil
	}
	started, ended, transcript := c.startedAt, c.endedAt, c.transcript
	c.processingID = key
	c.followed[key] = struct{}{}
	c.progress = 10
	var w *waiter
	if id != "" {
		w = &waiter{done: make(chan struct{})}
		c.waiters[id] = w
	}
	c.mu.Unlock()

	c.updateSession(ctx, queue.SessionPatch{
		ID:         key,
		Status:     queue.Ptr(shared.StatusProcessing),
		StartTime:  &started,
		EndTime:    &ended,
		Transcript: &transcript,
	})

	outcome := FinalizeOutcome{SessionID: key}
	switch {
	case id == "":
		outcome.Reason = "server never assigned a session"
	case !c.conn.IsConnected():
		outcome.Reason = "not connected"
	default:
		outcome.Status, outcome.Finalized, outcome.Reason = c.finalize(ctx, id, w)
	}

	if w != nil {
		c.mu.Lock()
		if c.waiters[id] == w {
			delete(c.waiters, id)
		}
		c.mu.Unlock()
	}

	if outcome.Finalized {
		outcome.Status = c.finalized(ctx, key, outcome.Status)
		c.metrics.Finalized("success")
		c.logger.Info("session finalized", "session_id", key, "status", outcome.Status)
		return outcome, nil
	}

	outcome.Status = shared.StatusPendingCompletion
	c.parkPending(ctx, key)
	c.metrics.Finalized("pending")
	c.logger.Warn("finalization failed, falling back to status polling", "session_id", key, "reason", outcome.Reason)
	return outcome, nil
}

func (c *Coordinator) finalize(ctx context.Context, id string, w *waiter) (shared.SessionStatus, bool, string) {
	if !c.conn.Send(ctx, transport.MessageTypeEndSession, transport.SessionRef{SessionID: id}) {
		return "", false, "end-session not delivered"
	}

	timer := time.NewTimer(c.cfg.FinalizeTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.status, true, ""
	case <-timer.C:
		return "", false, shared.ErrFinalizeTimeout.Error()
	case <-ctx.Done():
		return "", false, ctx.Err().Error()
	}
}

func (c *Coordinator) finalized(ctx context.Context, id string, status shared.SessionStatus) shared.SessionStatus {
	if !status.IsTerminal() {
		status = shared.StatusProcessing
	}

	c.mu.Lock()
	_ = c.setStateLocked(StateProcessing)
	if next, ok := stateForStatus(status); ok {
		_ = c.setStateLocked(next)
	}
	c.pendingFinalization = false
	c.sessionID = ""
	c.provisional = ""
	if status.IsTerminal() {
		c.progress = 100
		delete(c.followed, id)
	}
	c.mu.Unlock()

	c.updateSession(ctx, queue.SessionPatch{
		ID:                  id,
		Status:              queue.Ptr(status),
		PendingFinalization: queue.Ptr(false),
	})
	if status.IsTerminal() {
		c.released(ctx, id, status)
	} else {
		c.identity.TrackSession(id, string(status))
	}
	return status
}

func (c *Coordinator) parkPending(ctx context.Context, id string) {
	now := time.Now()

	c.mu.Lock()
	_ = c.setStateLocked(StatePendingCompletion)
	c.pendingFinalization = true
	c.sessionID = ""
	c.provisional = ""
	c.mu.Unlock()

	c.updateSession(ctx, queue.SessionPatch{
		ID:                  id,
		Status:              queue.Ptr(shared.StatusPendingCompletion),
		PendingFinalization: queue.Ptr(true),
		LastEndAttempt:      &now,
	})

	if IsProvisional(id) {
		// the server has never heard of this session, so there is nothing to poll
		return
	}
	c.identity.TrackSession(id, string(shared.StatusPendingCompletion))
	if err := c.getPoller().Start(c.ctx, id); err != nil {
		c.logger.Error("failed to start fallback polling", "session_id", id, "error", err)
	}
}

// released drops every live reference to a session the server has
// finished with.
func (c *Coordinator) released(ctx context.Context, id string, status shared.SessionStatus) {
	c.getPoller().Stop(id)
	c.conn.UnregisterActiveSession(id)
	c.identity.UntrackSession(id)
	if status != shared.StatusCompleted {
		return
	}
	if _, err := queue.Call[queue.DeleteResult](ctx, c.queue, queue.CleanupSessionChunks{SessionID: id}); err != nil {
		c.logger.Warn("failed to clean up session chunks", "session_id", id, "error", err)
	}
}
