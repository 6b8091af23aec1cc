package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w := NewWorker(setupTestStore(t), WorkerConfig{Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(w.Close)
	return w
}

func TestWorker_Ping(t *testing.T) {
	w := newTestWorker(t)

	pong, err := Call[Pong](context.Background(), w, Ping{})
	if err != nil {
		t.Fatalf("Ping error = %v", err)
	}
	if pong.At.IsZero() {
		t.Error("expected pong timestamp")
	}
}

func TestWorker_ProcessAndQueue_Online(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	result, err := Call[ProcessResult](ctx, w, ProcessAndQueue{
		SessionID: "s1",
		Data:      []byte("audio"),
		MimeType:  "audio/webm",
		Online:    true,
	})
	if err != nil {
		t.Fatalf("ProcessAndQueue error = %v", err)
	}
	if result.Ready == nil {
		t.Fatal("expected chunk ready for sending")
	}
	if result.Ready.Payload != base64.StdEncoding.EncodeToString([]byte("audio")) {
		t.Errorf("unexpected payload %q", result.Ready.Payload)
	}
	if result.Ready.Timestamp == 0 {
		t.Error("expected timestamp to be filled in")
	}

	count, _ := w.store.CountChunks(ctx, "s1")
	if count != 0 {
		t.Errorf("online chunk should not be persisted, got %d", count)
	}
}

func TestWorker_ProcessAndQueue_OfflinePersists(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	var last BufferUpdate
	for i := 0; i < 3; i++ {
		result, err := Call[ProcessResult](ctx, w, ProcessAndQueue{
			SessionID:      "s1",
			Data:           []byte{byte(i)},
			SequenceNumber: int64(i + 1),
		})
		if err != nil {
			t.Fatalf("ProcessAndQueue error = %v", err)
		}
		if result.Buffer == nil {
			t.Fatal("expected buffer update")
		}
		last = *result.Buffer
	}

	if last.Count != 3 {
		t.Errorf("expected buffer count 3, got %d", last.Count)
	}
}

func TestWorker_ProcessAndQueue_Empty(t *testing.T) {
	w := newTestWorker(t)
	if _, err := w.Do(context.Background(), ProcessAndQueue{SessionID: "s1"}); err == nil {
		t.Error("expected error for empty chunk")
	}
}

func TestWorker_SendBufferedData_Ordered(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	for _, ts := range []int64{30, 10, 20} {
		_, err := Call[BufferUpdate](ctx, w, SaveChunkDirectly{SessionID: "s1", Payload: "x", Timestamp: ts})
		if err != nil {
			t.Fatalf("SaveChunkDirectly error = %v", err)
		}
	}

	ready, err := Call[ReadyChunks](ctx, w, SendBufferedData{SessionID: AllSessions})
	if err != nil {
		t.Fatalf("SendBufferedData error = %v", err)
	}
	if len(ready.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(ready.Chunks))
	}
	for i, want := range []int64{10, 20, 30} {
		if ready.Chunks[i].Timestamp != want {
			t.Errorf("chunk %d timestamp = %d, want %d", i, ready.Chunks[i].Timestamp, want)
		}
	}

	forSession, _ := Call[ReadyChunks](ctx, w, SendAllBufferedDataForSession{SessionID: "s1"})
	if len(forSession.Chunks) != 3 {
		t.Errorf("expected 3 chunks for session, got %d", len(forSession.Chunks))
	}
}

func TestWorker_ChunkSuccessfullySent(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	saved, _ := Call[BufferUpdate](ctx, w, SaveChunkDirectly{SessionID: "s1", Payload: "x", Timestamp: 1})
	_, _ = Call[BufferUpdate](ctx, w, SaveChunkDirectly{SessionID: "s1", Payload: "y", Timestamp: 2})

	update, err := Call[BufferUpdate](ctx, w, ChunkSuccessfullySent{ChunkID: saved.ChunkID, SessionID: "s1"})
	if err != nil {
		t.Fatalf("ChunkSuccessfullySent error = %v", err)
	}
	if update.Count != 1 {
		t.Errorf("expected 1 remaining, got %d", update.Count)
	}

	again, err := Call[BufferUpdate](ctx, w, ChunkSuccessfullySent{ChunkID: saved.ChunkID, SessionID: "s1"})
	if err != nil {
		t.Fatalf("repeat delete should be tolerated: %v", err)
	}
	if again.Count != 1 {
		t.Errorf("expected 1 remaining, got %d", again.Count)
	}
}

func TestWorker_ChunkAcknowledged_Dedup(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	first, _ := Call[AckResult](ctx, w, ChunkAcknowledged{SessionID: "s1", SequenceNumber: 1})
	dup, _ := Call[AckResult](ctx, w, ChunkAcknowledged{SessionID: "s1", SequenceNumber: 1})
	second, _ := Call[AckResult](ctx, w, ChunkAcknowledged{SessionID: "s1", SequenceNumber: 2})
	other, _ := Call[AckResult](ctx, w, ChunkAcknowledged{SessionID: "s2", SequenceNumber: 1})

	if first.Duplicate {
		t.Error("first ack should not be a duplicate")
	}
	if !dup.Duplicate {
		t.Error("repeated ack should be reported as duplicate")
	}
	if second.Duplicate || second.Acknowledged != 2 {
		t.Errorf("unexpected second ack %+v", second)
	}
	if other.Duplicate {
		t.Error("acks are tracked per session")
	}

	_, _ = Call[DeleteResult](ctx, w, CleanupSessionChunks{SessionID: "s1"})
	reset, _ := Call[AckResult](ctx, w, ChunkAcknowledged{SessionID: "s1", SequenceNumber: 1})
	if reset.Duplicate {
		t.Error("cleanup should forget ack bookkeeping")
	}
}

func TestWorker_TranscriptAndSessions(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	missing, err := Call[TranscriptResult](ctx, w, GetTranscript{SessionID: "s1"})
	if err != nil || missing.Found {
		t.Errorf("expected missing transcript without error, got %+v %v", missing, err)
	}

	_, _ = Call[TranscriptSaved](ctx, w, SaveTranscript{SessionID: "s1", Text: "hi"})
	got, _ := Call[TranscriptResult](ctx, w, GetTranscript{SessionID: "s1"})
	if !got.Found || got.Text != "hi" {
		t.Errorf("unexpected transcript %+v", got)
	}

	updated, err := Call[SessionUpdated](ctx, w, UpdateSession{Patch: SessionPatch{
		ID:                  "s1",
		Status:              Ptr(shared.StatusPendingCompletion),
		PendingFinalization: Ptr(true),
	}})
	if err != nil {
		t.Fatalf("UpdateSession error = %v", err)
	}
	if updated.Session.Status != shared.StatusPendingCompletion {
		t.Errorf("unexpected status %s", updated.Session.Status)
	}

	pending, _ := Call[SessionsResult](ctx, w, GetPendingSessions{})
	if len(pending.Sessions) != 1 {
		t.Errorf("expected 1 pending, got %d", len(pending.Sessions))
	}

	byStatus, _ := Call[SessionsResult](ctx, w, GetSessions{Statuses: []shared.SessionStatus{shared.StatusCompleted}})
	if len(byStatus.Sessions) != 0 {
		t.Errorf("expected no completed sessions, got %d", len(byStatus.Sessions))
	}

	if _, err := Call[DeleteResult](ctx, w, DeleteSession{SessionID: "s1"}); err != nil {
		t.Fatalf("DeleteSession error = %v", err)
	}
	all, _ := Call[SessionsResult](ctx, w, GetSessions{})
	if len(all.Sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(all.Sessions))
	}
}

func TestWorker_AdoptChunks(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, _ = Call[SessionUpdated](ctx, w, UpdateSession{Patch: SessionPatch{ID: "local_x", Status: Ptr(shared.StatusRecording)}})
	_, _ = Call[BufferUpdate](ctx, w, SaveChunkDirectly{SessionID: "local_x", Payload: "a", Timestamp: 1})
	_, _ = Call[BufferUpdate](ctx, w, SaveChunkDirectly{SessionID: "local_x", Payload: "b", Timestamp: 2})

	update, err := Call[BufferUpdate](ctx, w, AdoptChunks{From: "local_x", To: "s1"})
	if err != nil {
		t.Fatalf("AdoptChunks error = %v", err)
	}
	if update.Count != 2 || update.SessionID != "s1" {
		t.Errorf("unexpected adopt result %+v", update)
	}

	sessions, _ := Call[SessionsResult](ctx, w, GetSessions{})
	for _, s := range sessions.Sessions {
		if s.ID == "local_x" {
			t.Error("provisional session should be removed")
		}
	}
}

func TestWorker_StorageCommands(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, _ = Call[BufferUpdate](ctx, w, SaveChunkDirectly{SessionID: "ghost", Payload: "abcd", Timestamp: 1})

	usage, err := Call[UsageResult](ctx, w, GetStorageUsage{})
	if err != nil {
		t.Fatalf("GetStorageUsage error = %v", err)
	}
	if usage.Usage.Chunks != 3 {
		t.Errorf("expected 3 chunk bytes, got %v", usage.Usage.Chunks)
	}

	orphans, _ := Call[DeleteResult](ctx, w, CleanupOrphanedChunks{})
	if orphans.Deleted != 1 {
		t.Errorf("expected 1 orphan deleted, got %d", orphans.Deleted)
	}

	old, _ := Call[DeleteResult](ctx, w, CleanupOldSessions{MaxAgeDays: 30})
	if old.Deleted != 0 {
		t.Errorf("expected 0 old sessions, got %d", old.Deleted)
	}

	stale, _ := Call[StaleCleanupResult](ctx, w, CleanupStalePendingSessions{MaxAge: time.Hour})
	if stale.Updated != 0 {
		t.Errorf("expected 0 stale sessions, got %d", stale.Updated)
	}

	cleanup, err := Call[CleanupResult](ctx, w, PerformAutomaticCleanup{ThresholdMB: 50})
	if err != nil {
		t.Fatalf("PerformAutomaticCleanup error = %v", err)
	}
	if cleanup.DaysKept != 30 {
		t.Errorf("expected daysKept 30, got %d", cleanup.DaysKept)
	}
}

func TestWorker_ConcurrentCallersGetTheirOwnResponses(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := Call[TranscriptSaved](ctx, w, SaveTranscript{SessionID: id, Text: id}); err != nil {
				errs <- err
				return
			}
			got, err := Call[TranscriptResult](ctx, w, GetTranscript{SessionID: id})
			if err != nil {
				errs <- err
				return
			}
			if got.SessionID != id || got.Text != id {
				errs <- errors.New("response routed to the wrong caller")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestWorker_ClosedRejects(t *testing.T) {
	w := NewWorker(setupTestStore(t), WorkerConfig{})
	w.Close()

	if _, err := w.Do(context.Background(), Ping{}); !errors.Is(err, shared.ErrWorkerClosed) {
		t.Errorf("expected ErrWorkerClosed, got %v", err)
	}
}

func TestWorker_ContextCancelled(t *testing.T) {
	w := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Do(ctx, Ping{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
