package dto

import (
	"time"

	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/recording"
)

type StartRecordingResponse struct {
	State     string `json:"state" example:"recording"`
	SessionID string `json:"sessionId,omitempty" example:"local_6f1c2a"`
}

type StopRecordingResponse struct {
	SessionID string `json:"sessionId,omitempty" example:"3d9f2c1e-8a4b-4c55-9e61-0b7f5f0f2a11"`
	Finalized bool   `json:"finalized" example:"true"`
	Status    string `json:"status,omitempty" example:"completed"`
	Reason    string `json:"reason,omitempty" example:"handed off to fallback polling"`
}

type SessionResponse struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status" example:"processing"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	MedicalNote         string     `json:"medicalNote,omitempty"`
	Progress            float64    `json:"progress" example:"50"`
	PendingFinalization bool       `json:"pendingFinalization"`
	Provisional         bool       `json:"provisional"`
	Error               string     `json:"error,omitempty"`
	LastUpdated         time.Time  `json:"lastUpdated"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

type SessionDetailResponse struct {
	SessionResponse
	Transcript string `json:"transcript"`
}

type CleanupRequest struct {
	ThresholdMB float64 `json:"thresholdMb" example:"500"`
}

type StorageResponse struct {
	queue.Usage
	TotalMB float64 `json:"totalMb" example:"12.5"`
}

type ReconnectResponse struct {
	Connected bool   `json:"connected"`
	State     string `json:"state" example:"open"`
}

func FromSession(s queue.Session) SessionResponse {
	return SessionResponse{
		ID:                  s.ID,
		Status:              string(s.Status),
		StartTime:           s.StartTime,
		EndTime:             s.EndTime,
		MedicalNote:         s.MedicalNote,
		Progress:            s.Progress,
		PendingFinalization: s.PendingFinalization,
		Provisional:         recording.IsProvisional(s.ID),
		Error:               s.Error,
		LastUpdated:         s.LastUpdated,
	}
}
