package shared

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

type BackoffConfig struct {
	Initial     time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
}

type SessionStatus string

const (
	StatusRecording         SessionStatus = "recording"
	StatusProcessing        SessionStatus = "processing"
	StatusPendingCompletion SessionStatus = "pending_completion"
	StatusCompleted         SessionStatus = "completed"
	StatusError             SessionStatus = "error"
)

func (s SessionStatus) String() string {
	return string(s)
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusRecording, StatusProcessing, StatusPendingCompletion, StatusCompleted, StatusError:
		return true
	}
	return false
}

func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// NormalizeStatus folds server spellings onto the local status set.
func NormalizeStatus(status string) SessionStatus {
	switch status {
	case "complete", "completed", "done":
		return StatusCompleted
	case "failed", "error":
		return StatusError
	case "pending-completion", "pending_completion":
		return StatusPendingCompletion
	case "recording", "active":
		return StatusRecording
	default:
		return SessionStatus(status)
	}
}

func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
