package recording

import (
	"context"
	"time"

	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
)

// reconcilePending retries finalization for every session whose end was
// never confirmed. Sessions the server never created are left alone.
func (c *Coordinator) reconcilePending(ctx context.Context) {
	if !c.conn.IsConnected() {
		return
	}
	res, err := queue.Call[queue.SessionsResult](ctx, c.queue, queue.GetPendingSessions{})
	if err != nil {
		c.logger.Error("failed to load pending sessions", "error", err)
		return
	}

	for _, s := range res.Sessions {
		if IsProvisional(s.ID) {
			c.logger.Debug("skipping session unknown to the server", "session_id", s.ID)
			continue
		}
		c.mu.Lock()
		busy := s.ID == c.sessionID
		c.mu.Unlock()
		if busy {
			continue
		}

		if s.Status == shared.StatusPendingCompletion {
			c.conn.Send(ctx, transport.MessageTypeResumeSession, transport.ResumeSessionPayload{
				SessionID:  s.ID,
				ClientTime: time.Now().UnixMilli(),
			})
			if !sleep(ctx, c.cfg.ResumeSettle) {
				return
			}
		}

		if !c.conn.Send(ctx, transport.MessageTypeEndSession, transport.SessionRef{SessionID: s.ID}) {
			c.logger.Warn("could not resend end-session", "session_id", s.ID)
			continue
		}

		c.mu.Lock()
		c.followed[s.ID] = struct{}{}
		if s.ID == c.processingID {
			c.pendingFinalization = false
			if c.state == StatePendingCompletion {
				_ = c.setStateLocked(StateProcessing)
			}
		}
		c.mu.Unlock()

		c.updateSession(ctx, queue.SessionPatch{
			ID:                  s.ID,
			Status:              queue.Ptr(shared.StatusProcessing),
			PendingFinalization: queue.Ptr(false),
		})
		c.logger.Info("re-sent finalization for pending session", "session_id", s.ID)
	}
}

// replayBuffered sends persisted chunks for the current session, or for
// every session when none is active, paced by the replay limiter.
func (c *Coordinator) replayBuffered(ctx context.Context) {
	if !c.replaying.CompareAndSwap(false, true) {
		return
	}
	defer c.replaying.Store(false)

	c.mu.Lock()
	target := c.sessionID
	c.mu.Unlock()
	if target == "" {
		target = queue.AllSessions
	}

	res, err := queue.Call[queue.ReadyChunks](ctx, c.queue, queue.SendBufferedData{SessionID: target})
	if err != nil {
		c.logger.Error("failed to load buffered audio", "error", err)
		return
	}

	sent := 0
	for _, ch := range res.Chunks {
		if IsProvisional(ch.SessionID) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if !c.conn.IsConnected() || !c.sendChunk(ctx, ch) {
			c.logger.Warn("buffered replay interrupted", "sent", sent, "remaining", len(res.Chunks)-sent)
			return
		}
		sent++
	}
	if sent > 0 {
		c.logger.Info("replayed buffered audio", "session", target, "chunks", sent)
	}
}

// drainSession sends all persisted chunks of one session in small
// batches. Chunks stay stored until the server acknowledges them.
func (c *Coordinator) drainSession(ctx context.Context, sessionID string) {
	res, err := queue.Call[queue.ReadyChunks](ctx, c.queue, queue.SendAllBufferedDataForSession{SessionID: sessionID})
	if err != nil {
		c.logger.Error("failed to load session audio", "session_id", sessionID, "error", err)
		return
	}

	for i, ch := range res.Chunks {
		if i > 0 && i%c.cfg.DrainBatchSize == 0 && !sleep(ctx, c.cfg.DrainBatchGap) {
			return
		}
		if !c.conn.IsConnected() || !c.sendChunk(ctx, ch) {
			c.logger.Warn("session drain interrupted", "session_id", sessionID, "sent", i, "remaining", len(res.Chunks)-i)
			return
		}
	}
	if len(res.Chunks) > 0 {
		c.logger.Info("sent buffered session audio", "session_id", sessionID, "chunks", len(res.Chunks))
	}
}

// sweepStale force-completes sessions stuck in processing long after they
// ended when the server has gone quiet about them.
func (c *Coordinator) sweepStale(ctx context.Context) {
	res, err := queue.Call[queue.SessionsResult](ctx, c.queue, queue.GetSessions{
		Statuses: []shared.SessionStatus{shared.StatusProcessing},
	})
	if err != nil {
		c.logger.Error("failed to load processing sessions", "error", err)
		return
	}

	now := time.Now()
	swept := 0
	for _, s := range res.Sessions {
		if s.EndTime == nil || now.Sub(*s.EndTime) <= c.cfg.StaleAfter {
			continue
		}

		c.mu.Lock()
		current := s.ID == c.processingID
		if current && !c.lastServerContact.IsZero() && now.Sub(c.lastServerContact) < c.cfg.StaleAfter {
			c.mu.Unlock()
			continue
		}
		if current && c.state.settled() {
			_ = c.setStateLocked(StateCompleted)
		}
		delete(c.followed, s.ID)
		c.mu.Unlock()

		c.updateSession(ctx, queue.SessionPatch{
			ID:                  s.ID,
			Status:              queue.Ptr(shared.StatusCompleted),
			PendingFinalization: queue.Ptr(false),
			ForceClosed:         queue.Ptr(true),
		})
		c.released(ctx, s.ID, shared.StatusCompleted)
		swept++
	}
	if swept > 0 {
		c.metrics.CleanedUp("stale", swept)
		c.logger.Info("closed stale processing sessions", "count", swept)
	}
}

func (c *Coordinator) cleanupStalePending(ctx context.Context) {
	res, err := queue.Call[queue.StaleCleanupResult](ctx, c.queue, queue.CleanupStalePendingSessions{MaxAge: c.cfg.PendingMaxAge})
	if err != nil {
		c.logger.Error("failed to clean up stale pending sessions", "error", err)
		return
	}
	if res.Updated > 0 {
		c.metrics.CleanedUp("stale_pending", res.Updated)
		c.logger.Info("force-completed stale pending sessions", "count", res.Updated)
	}
}

func (c *Coordinator) checkStorage(ctx context.Context) {
	usage, err := c.StorageUsage(ctx)
	if err != nil {
		c.logger.Error("failed to measure storage", "error", err)
		return
	}
	if usage.TotalMB() <= c.cfg.StorageThresholdMB {
		return
	}
	c.logger.Warn("storage over threshold, cleaning up", "total_mb", usage.TotalMB(), "threshold_mb", c.cfg.StorageThresholdMB)
	if _, err := c.Cleanup(ctx, c.cfg.StorageThresholdMB); err != nil {
		c.logger.Error("automatic cleanup failed", "error", err)
	}
}

func (c *Coordinator) manageBacklog(ctx context.Context) {
	c.flushBacklog(ctx, false)

	res, err := queue.Call[queue.DeleteResult](ctx, c.queue, queue.CleanupOrphanedChunks{})
	if err != nil {
		c.logger.Warn("failed to clean up orphaned chunks", "error", err)
		return
	}
	if res.Deleted > 0 {
		c.metrics.CleanedUp("orphaned", res.Deleted)
	}
}

// keepAlive runs while recording: it reconnects a dropped connection and
// otherwise tells the server the session is still live.
func (c *Coordinator) keepAlive(ctx context.Context) {
	c.mu.Lock()
	recording := c.state == StateRecording
	id := c.sessionID
	c.mu.Unlock()
	if !recording {
		return
	}

	if !c.conn.IsConnected() {
		if err := c.conn.Reconnect(ctx); err != nil {
			c.logger.Debug("reconnect during recording failed", "error", err)
		}
		return
	}
	c.conn.Send(ctx, transport.MessageTypeKeepAlive, transport.KeepAlivePayload{
		SessionID: id,
		Timestamp: time.Now().UnixMilli(),
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
