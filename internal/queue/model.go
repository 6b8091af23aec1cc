package queue

import (
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

// AllSessions selects every session in chunk queries.
const AllSessions = "all"

type Chunk struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string `gorm:"index;not null" json:"sessionId"`
	Payload        string `gorm:"type:text" json:"payload"`
	MimeType       string `json:"mimeType"`
	Timestamp      int64  `gorm:"index" json:"timestamp"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

func (Chunk) TableName() string {
	return "chunks"
}

type Transcript struct {
	SessionID string `gorm:"primaryKey" json:"sessionId"`
	Text      string `gorm:"type:text" json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (Transcript) TableName() string {
	return "transcripts"
}

type Session struct {
	ID                  string               `gorm:"primaryKey" json:"id"`
	Status              shared.SessionStatus `gorm:"index" json:"status"`
	StartTime           time.Time            `json:"startTime"`
	EndTime             *time.Time           `json:"endTime,omitempty"`
	Transcript          string               `gorm:"type:text" json:"transcript,omitempty"`
	MedicalNote         string               `gorm:"type:text" json:"medicalNote,omitempty"`
	Progress            float64              `json:"progress"`
	PendingFinalization bool                 `gorm:"index" json:"pendingFinalization"`
	LastEndAttempt      *time.Time           `json:"lastEndAttempt,omitempty"`
	ForceClosed         bool                 `json:"forceClosed"`
	Error               string               `json:"error,omitempty"`
	LastUpdated         time.Time            `gorm:"index" json:"lastUpdated"`
}

func (Session) TableName() string {
	return "sessions"
}

// SessionPatch carries a partial session update. Nil fields are left as
// they are; an unknown id creates the row.
type SessionPatch struct {
	ID                  string
	Status              *shared.SessionStatus
	StartTime           *time.Time
	EndTime             *time.Time
	Transcript          *string
	MedicalNote         *string
	Progress            *float64
	PendingFinalization *bool
	LastEndAttempt      *time.Time
	ForceClosed         *bool
	Error               *string
}

func (p SessionPatch) apply(s *Session) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		t := *p.EndTime
		s.EndTime = &t
	}
	if p.Transcript != nil {
		s.Transcript = *p.Transcript
	}
	if p.MedicalNote != nil {
		s.MedicalNote = *p.MedicalNote
	}
	if p.Progress != nil {
		s.Progress = *p.Progress
	}
	if p.PendingFinalization != nil {
		s.PendingFinalization = *p.PendingFinalization
	}
	if p.LastEndAttempt != nil {
		t := *p.LastEndAttempt
		s.LastEndAttempt = &t
	}
	if p.ForceClosed != nil {
		s.ForceClosed = *p.ForceClosed
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
}

func Ptr[T any](v T) *T {
	return &v
}

type Usage struct {
	Chunks          float64 `json:"chunks"`
	Transcripts     float64 `json:"transcripts"`
	Sessions        float64 `json:"sessions"`
	Total           float64 `json:"total"`
	ChunkCount      int     `json:"chunkCount"`
	TranscriptCount int     `json:"transcriptCount"`
	SessionCount    int     `json:"sessionCount"`
}

func (u Usage) TotalMB() float64 {
	return u.Total / (1024 * 1024)
}

type CleanupResult struct {
	OrphanedChunksDeleted int     `json:"orphanedChunksDeleted"`
	OldSessionsDeleted    int     `json:"oldSessionsDeleted"`
	DaysKept              int     `json:"daysKept"`
	BeforeMB              float64 `json:"beforeMb"`
	AfterMB               float64 `json:"afterMb"`
	Performed             bool    `json:"performed"`
}
