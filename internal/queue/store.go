package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "queue_store")}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Chunk{}, &Transcript{}, &Session{})
}

func (s *Store) AppendChunk(ctx context.Context, chunk *Chunk) error {
	if chunk.Timestamp == 0 {
		chunk.Timestamp = time.Now().UnixMilli()
	}
	return s.db.WithContext(ctx).Create(chunk).Error
}

// OrderedChunks returns buffered chunks by capture timestamp, ties broken
// by insertion order. Pass AllSessions for every session.
func (s *Store) OrderedChunks(ctx context.Context, sessionID string) ([]Chunk, error) {
	var chunks []Chunk
	q := s.db.WithContext(ctx).Order("timestamp ASC").Order("id ASC")
	if sessionID != "" && sessionID != AllSessions {
		q = q.Where("session_id = ?", sessionID)
	}
	err := q.Find(&chunks).Error
	return chunks, err
}

func (s *Store) CountChunks(ctx context.Context, sessionID string) (int, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&Chunk{})
	if sessionID != "" && sessionID != AllSessions {
		q = q.Where("session_id = ?", sessionID)
	}
	err := q.Count(&count).Error
	return int(count), err
}

func (s *Store) GetChunk(ctx context.Context, id uint) (*Chunk, error) {
	var chunk Chunk
	err := s.db.WithContext(ctx).First(&chunk, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (s *Store) DeleteChunk(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&Chunk{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSessionChunks(ctx context.Context, sessionID string) (int, error) {
	result := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Chunk{})
	return int(result.RowsAffected), result.Error
}

// ReassignChunks moves chunks recorded under a provisional key to the id
// the server assigned.
func (s *Store) ReassignChunks(ctx context.Context, from, to string) (int, error) {
	result := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("session_id = ?", from).
		Update("session_id", to)
	return int(result.RowsAffected), result.Error
}

func (s *Store) SaveTranscript(ctx context.Context, sessionID, text string) error {
	t := Transcript{SessionID: sessionID, Text: text, Timestamp: time.Now().UnixMilli()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "timestamp"}),
	}).Create(&t).Error
}

func (s *Store) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	var t Transcript
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertSession merges patch into the stored row, creating it if needed.
func (s *Store) UpsertSession(ctx context.Context, patch SessionPatch) (*Session, error) {
	if patch.ID == "" {
		return nil, errors.New("session id required")
	}

	var out Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", patch.ID).First(&out).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = Session{ID: patch.ID, StartTime: time.Now().UTC()}
		case err != nil:
			return err
		}

		patch.apply(&out)
		out.LastUpdated = time.Now().UTC()
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) Sessions(ctx context.Context, statuses ...shared.SessionStatus) ([]Session, error) {
	var sessions []Session
	q := s.db.WithContext(ctx).Order("start_time DESC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

// PendingSessions returns sessions whose finalization was never confirmed.
func (s *Store) PendingSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("pending_finalization = ? OR status = ?", true, shared.StatusPendingCompletion).
		Order("start_time ASC").
		Find(&sessions).Error
	return sessions, err
}

func (s *Store) SessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("last_updated < ?", cutoff).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) StalePendingSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("(pending_finalization = ? OR status = ?) AND last_end_attempt IS NOT NULL AND last_end_attempt < ?",
			true, shared.StatusPendingCompletion, cutoff).
		Pluck("id", &ids).Error
	return ids, err
}

// CleanupStalePendingSessions force-completes pending sessions whose last
// end attempt is older than maxAge.
func (s *Store) CleanupStalePendingSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.StalePendingSessions(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, id := range ids {
		_, err := s.UpsertSession(ctx, SessionPatch{
			ID:                  id,
			Status:              Ptr(shared.StatusCompleted),
			PendingFinalization: Ptr(false),
			ForceClosed:         Ptr(true),
		})
		if err != nil {
			s.logger.Error("failed to close stale pending session", "session_id", id, "error", err)
			continue
		}
		updated++
	}
	return updated, nil
}

// DeleteSession removes a session together with its chunks and transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.DeleteSessionChunks(ctx, id); err != nil {
		s.logger.Error("failed to delete session chunks", "session_id", id, "error", err)
	}
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Delete(&Transcript{}).Error; err != nil {
		s.logger.Error("failed to delete transcript", "session_id", id, "error", err)
	}
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error
}

func (s *Store) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	ids, err := s.SessionsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			s.logger.Error("failed to delete old session", "session_id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// OrphanedChunkIDs lists chunks whose session has no row. This scans the
// chunk table against the session ids with a NOT IN subquery.
func (s *Store) OrphanedChunkIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("session_id NOT IN (?)", s.db.Model(&Session{}).Select("id")).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) CleanupOrphanedChunks(ctx context.Context) (int, error) {
	ids, err := s.OrphanedChunkIDs(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteChunk(ctx, id); err != nil {
			s.logger.Error("failed to delete orphaned chunk", "chunk_id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
