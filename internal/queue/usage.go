package queue

import (
	"context"
	"encoding/json"
)

const (
	// base64 expands binary by 4/3; the estimate maps it back.
	chunkSizeFactor = 0.75
	// serialized text is counted as two bytes per character.
	recordSizeFactor = 2

	defaultRetentionDays = 30
	retentionStepDays    = 5
	minRetentionDays     = 1

	DefaultCleanupThresholdMB = 50
)

func (s *Store) StorageUsage(ctx context.Context) (Usage, error) {
	var usage Usage

	var chunkStats struct {
		PayloadBytes int64
		Count        int64
	}
	err := s.db.WithContext(ctx).Model(&Chunk{}).
		Select("COALESCE(SUM(LENGTH(payload)), 0) AS payload_bytes, COUNT(*) AS count").
		Scan(&chunkStats).Error
	if err != nil {
		return usage, err
	}
	usage.Chunks = float64(chunkStats.PayloadBytes) * chunkSizeFactor
	usage.ChunkCount = int(chunkStats.Count)

	var transcripts []Transcript
	if err := s.db.WithContext(ctx).Find(&transcripts).Error; err != nil {
		return usage, err
	}
	for i := range transcripts {
		usage.Transcripts += recordSize(transcripts[i])
	}
	usage.TranscriptCount = len(transcripts)

	var sessions []Session
	if err := s.db.WithContext(ctx).Find(&sessions).Error; err != nil {
		return usage, err
	}
	for i := range sessions {
		usage.Sessions += recordSize(sessions[i])
	}
	usage.SessionCount = len(sessions)

	usage.Total = usage.Chunks + usage.Transcripts + usage.Sessions
	return usage, nil
}

func recordSize(v any) float64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return float64(len(data)) * recordSizeFactor
}

// PerformAutomaticCleanup brings usage under thresholdMB. Orphaned chunks
// go first; then the retention window shrinks from 30 days in steps of 5
// down to 1, deleting older sessions until usage fits.
func (s *Store) PerformAutomaticCleanup(ctx context.Context, thresholdMB float64) (CleanupResult, error) {
	if thresholdMB <= 0 {
		thresholdMB = DefaultCleanupThresholdMB
	}
	result := CleanupResult{DaysKept: defaultRetentionDays}

	usage, err := s.StorageUsage(ctx)
	if err != nil {
		return result, err
	}
	result.BeforeMB = usage.TotalMB()
	result.AfterMB = result.BeforeMB
	if usage.TotalMB() <= thresholdMB {
		return result, nil
	}
	result.Performed = true

	orphans, err := s.CleanupOrphanedChunks(ctx)
	if err != nil {
		s.logger.Error("orphan cleanup failed", "error", err)
	}
	result.OrphanedChunksDeleted = orphans

	if usage, err = s.StorageUsage(ctx); err != nil {
		return result, err
	}
	result.AfterMB = usage.TotalMB()

	for days := defaultRetentionDays; usage.TotalMB() > thresholdMB; days = nextRetention(days) {
		result.DaysKept = days

		deleted, err := s.CleanupOldSessions(ctx, days)
		if err != nil {
			s.logger.Error("old session cleanup failed", "days", days, "error", err)
		}
		result.OldSessionsDeleted += deleted

		if deleted > 0 {
			if usage, err = s.StorageUsage(ctx); err != nil {
				return result, err
			}
			result.AfterMB = usage.TotalMB()
		}
		if days == minRetentionDays {
			break
		}
	}

	s.logger.Info("automatic cleanup finished",
		"orphans_deleted", result.OrphanedChunksDeleted,
		"sessions_deleted", result.OldSessionsDeleted,
		"days_kept", result.DaysKept,
		"before_mb", result.BeforeMB,
		"after_mb", result.AfterMB)

	return result, nil
}

func nextRetention(days int) int {
	next := days - retentionStepDays
	if next < minRetentionDays {
		return minRetentionDays
	}
	return next
}
