package queue

import (
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

type Action string

const (
	ActionProcessAndQueue               Action = "processAndQueue"
	ActionSendBufferedData              Action = "sendBufferedData"
	ActionChunkSuccessfullySent         Action = "chunkSuccessfullySent"
	ActionSaveTranscript                Action = "saveTranscript"
	ActionGetTranscript                 Action = "getTranscript"
	ActionUpdateSession                 Action = "updateSession"
	ActionGetSessions                   Action = "getSessions"
	ActionGetPendingSessions            Action = "getPendingSessions"
	ActionCleanupStalePendingSessions   Action = "cleanupStalePendingSessions"
	ActionDeleteSession                 Action = "deleteSession"
	ActionCleanupOldSessions            Action = "cleanupOldSessions"
	ActionCleanupOrphanedChunks         Action = "cleanupOrphanedChunks"
	ActionGetStorageUsage               Action = "getStorageUsage"
	ActionPerformAutomaticCleanup       Action = "performAutomaticCleanup"
	ActionCleanupSessionChunks          Action = "cleanupSessionChunks"
	ActionSaveChunkDirectly             Action = "saveChunkDirectly"
	ActionChunkAcknowledged             Action = "chunkAcknowledged"
	ActionSendAllBufferedDataForSession Action = "sendAllBufferedDataForSession"
	ActionPing                          Action = "ping"
	ActionAdoptChunks                   Action = "adoptChunks"
)

// Command is a request variant understood by the worker.
type Command interface {
	Action() Action
}

type ProcessAndQueue struct {
	SessionID      string
	Data           []byte
	MimeType       string
	Timestamp      int64
	SequenceNumber int64
	Online         bool
}

type SendBufferedData struct {
	SessionID string
}

type ChunkSuccessfullySent struct {
	ChunkID   uint
	SessionID string
}

type SaveTranscript struct {
	SessionID string
	Text      string
}

type GetTranscript struct {
	SessionID string
}

type UpdateSession struct {
	Patch SessionPatch
}

type GetSessions struct {
	Statuses []shared.SessionStatus
}

type GetPendingSessions struct{}

type CleanupStalePendingSessions struct {
	MaxAge time.Duration
}

type DeleteSession struct {
	SessionID string
}

type CleanupOldSessions struct {
	MaxAgeDays int
}

type CleanupOrphanedChunks struct{}

type GetStorageUsage struct{}

type PerformAutomaticCleanup struct {
	ThresholdMB float64
}

type CleanupSessionChunks struct {
	SessionID string
}

type SaveChunkDirectly struct {
	SessionID      string
	Payload        string
	MimeType       string
	Timestamp      int64
	SequenceNumber int64
}

type ChunkAcknowledged struct {
	SessionID      string
	ChunkID        uint
	SequenceNumber int64
}

type SendAllBufferedDataForSession struct {
	SessionID string
}

type Ping struct{}

type AdoptChunks struct {
	From string
	To   string
}

func (ProcessAndQueue) Action() Action               { return ActionProcessAndQueue }
func (SendBufferedData) Action() Action              { return ActionSendBufferedData }
func (ChunkSuccessfullySent) Action() Action         { return ActionChunkSuccessfullySent }
func (SaveTranscript) Action() Action                { return ActionSaveTranscript }
func (GetTranscript) Action() Action                 { return ActionGetTranscript }
func (UpdateSession) Action() Action                 { return ActionUpdateSession }
func (GetSessions) Action() Action                   { return ActionGetSessions }
func (GetPendingSessions) Action() Action            { return ActionGetPendingSessions }
func (CleanupStalePendingSessions) Action() Action   { return ActionCleanupStalePendingSessions }
func (DeleteSession) Action() Action                 { return ActionDeleteSession }
func (CleanupOldSessions) Action() Action            { return ActionCleanupOldSessions }
func (CleanupOrphanedChunks) Action() Action         { return ActionCleanupOrphanedChunks }
func (GetStorageUsage) Action() Action               { return ActionGetStorageUsage }
func (PerformAutomaticCleanup) Action() Action       { return ActionPerformAutomaticCleanup }
func (CleanupSessionChunks) Action() Action          { return ActionCleanupSessionChunks }
func (SaveChunkDirectly) Action() Action             { return ActionSaveChunkDirectly }
func (ChunkAcknowledged) Action() Action             { return ActionChunkAcknowledged }
func (SendAllBufferedDataForSession) Action() Action { return ActionSendAllBufferedDataForSession }
func (Ping) Action() Action                          { return ActionPing }
func (AdoptChunks) Action() Action                   { return ActionAdoptChunks }

// ProcessResult answers ProcessAndQueue: either a chunk ready to send now
// or an updated buffer count after persisting it.
type ProcessResult struct {
	Ready  *Chunk
	Buffer *BufferUpdate
}

type BufferUpdate struct {
	SessionID string
	Count     int
	ChunkID   uint
}

type ReadyChunks struct {
	SessionID string
	Chunks    []Chunk
}

type TranscriptResult struct {
	SessionID string
	Text      string
	Found     bool
}

type TranscriptSaved struct {
	SessionID string
}

type SessionUpdated struct {
	Session Session
}

type SessionsResult struct {
	Sessions []Session
}

type StaleCleanupResult struct {
	Updated int
}

type DeleteResult struct {
	SessionID string
	Deleted   int
}

type UsageResult struct {
	Usage Usage
}

type AckResult struct {
	SessionID      string
	SequenceNumber int64
	Duplicate      bool
	Acknowledged   int
}

type Pong struct {
	At time.Time
}
