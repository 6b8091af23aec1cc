package relay

import (
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

// Session is the relay's view of one recording. Times are unix seconds,
// which is what the status endpoint reports.
type Session struct {
	ID                  string               `json:"id"`
	ClientID            string               `json:"client_id"`
	Status              shared.SessionStatus `json:"status"`
	StartTime           float64              `json:"start_time"`
	EndTime             float64              `json:"end_time,omitempty"`
	Transcript          string               `json:"transcript"`
	Note                string               `json:"note,omitempty"`
	MimeType            string               `json:"mime_type,omitempty"`
	Chunks              int                  `json:"chunks"`
	Bytes               int64                `json:"bytes"`
	PendingFinalization bool                 `json:"pending_finalization"`
	Error               string               `json:"error,omitempty"`
	LastActiveAt        time.Time            `json:"last_active_at"`
}

func (s *Session) RedisKey() string {
	return sessionKey(s.ID)
}

func sessionKey(id string) string {
	return "relay:session:" + id
}

func clientKey(clientID string) string {
	return "relay:client:" + clientID + ":sessions"
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
