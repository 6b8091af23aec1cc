package queue

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

func TestStore_StorageUsage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.AppendChunk(ctx, &Chunk{SessionID: "s1", Payload: strings.Repeat("A", 400)})
	_ = store.AppendChunk(ctx, &Chunk{SessionID: "s1", Payload: strings.Repeat("B", 400)})
	_ = store.SaveTranscript(ctx, "s1", "hello")
	sess, _ := store.UpsertSession(ctx, SessionPatch{ID: "s1", Status: Ptr(shared.StatusRecording)})

	usage, err := store.StorageUsage(ctx)
	if err != nil {
		t.Fatalf("StorageUsage() error = %v", err)
	}

	if usage.Chunks != 600 {
		t.Errorf("chunk bytes = %v, want 600 (0.75 x 800)", usage.Chunks)
	}
	if usage.ChunkCount != 2 || usage.TranscriptCount != 1 || usage.SessionCount != 1 {
		t.Errorf("unexpected counts %+v", usage)
	}

	data, _ := json.Marshal(sess)
	if usage.Sessions != float64(len(data))*2 {
		t.Errorf("session bytes = %v, want %v", usage.Sessions, float64(len(data))*2)
	}
	if math.Abs(usage.Total-(usage.Chunks+usage.Transcripts+usage.Sessions)) > 0.001 {
		t.Error("total should be the sum of parts")
	}
}

func TestStore_PerformAutomaticCleanup_UnderThreshold(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_ = store.AppendChunk(ctx, &Chunk{SessionID: "ghost", Payload: "tiny"})

	result, err := store.PerformAutomaticCleanup(ctx, 50)
	if err != nil {
		t.Fatalf("PerformAutomaticCleanup() error = %v", err)
	}
	if result.Performed || result.OrphanedChunksDeleted != 0 || result.DaysKept != 30 {
		t.Errorf("expected no-op cleanup, got %+v", result)
	}
}

func TestStore_PerformAutomaticCleanup_OrphansOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// 0.08 MB of orphaned audio against a 0.05 MB threshold.
	orphanBytes := 0.08 * 1024 * 1024 / chunkSizeFactor
	payload := strings.Repeat("Q", int(orphanBytes)/4)
	for i := 0; i < 4; i++ {
		_ = store.AppendChunk(ctx, &Chunk{SessionID: "orphan", Payload: payload})
	}
	_, _ = store.UpsertSession(ctx, SessionPatch{ID: "kept", Status: Ptr(shared.StatusCompleted)})

	result, err := store.PerformAutomaticCleanup(ctx, 0.05)
	if err != nil {
		t.Fatalf("PerformAutomaticCleanup() error = %v", err)
	}

	if result.OrphanedChunksDeleted == 0 {
		t.Error("expected orphans to be deleted")
	}
	if result.OldSessionsDeleted != 0 {
		t.Errorf("expected no sessions deleted, got %d", result.OldSessionsDeleted)
	}
	if result.DaysKept != 30 {
		t.Errorf("expected daysKept 30, got %d", result.DaysKept)
	}
	if _, err := store.GetSession(ctx, "kept"); err != nil {
		t.Error("session should survive orphan-only cleanup")
	}
}

func TestStore_PerformAutomaticCleanup_ShrinksRetention(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	payload := strings.Repeat("Z", 40*1024)
	ages := map[string]time.Duration{
		"d40": 40 * 24 * time.Hour,
		"d22": 22 * 24 * time.Hour,
		"d12": 12 * 24 * time.Hour,
		"d0":  time.Hour,
	}
	for id, age := range ages {
		_, _ = store.UpsertSession(ctx, SessionPatch{ID: id, Status: Ptr(shared.StatusCompleted)})
		_ = store.AppendChunk(ctx, &Chunk{SessionID: id, Payload: payload})
		ageSession(t, store, id, age)
	}

	// Each session holds ~0.03 MB; keeping two fits under 0.07 MB.
	result, err := store.PerformAutomaticCleanup(ctx, 0.07)
	if err != nil {
		t.Fatalf("PerformAutomaticCleanup() error = %v", err)
	}

	if result.OldSessionsDeleted != 2 {
		t.Errorf("expected 2 sessions evicted, got %d", result.OldSessionsDeleted)
	}
	if result.DaysKept != 20 {
		t.Errorf("expected retention to stop at 20 days, got %d", result.DaysKept)
	}
	if result.AfterMB > 0.07 {
		t.Errorf("usage still above threshold: %v", result.AfterMB)
	}
}

func TestStore_PerformAutomaticCleanup_ReachesFloor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, _ = store.UpsertSession(ctx, SessionPatch{ID: "fresh", Status: Ptr(shared.StatusRecording)})
	_ = store.AppendChunk(ctx, &Chunk{SessionID: "fresh", Payload: strings.Repeat("F", 100*1024)})

	result, err := store.PerformAutomaticCleanup(ctx, 0.01)
	if err != nil {
		t.Fatalf("PerformAutomaticCleanup() error = %v", err)
	}
	if result.DaysKept != 1 {
		t.Errorf("expected floor of 1 day, got %d", result.DaysKept)
	}
	if result.OldSessionsDeleted != 0 {
		t.Errorf("fresh session should not be evicted, got %d", result.OldSessionsDeleted)
	}
}

func TestNextRetention(t *testing.T) {
	want := []int{25, 20, 15, 10, 5, 1, 1}
	days := 30
	for i, w := range want {
		days = nextRetention(days)
		if days != w {
			t.Errorf("step %d: got %d, want %d", i, days, w)
		}
	}
}
