package transport

type MessageType string

const (
	MessageTypeStartSession     MessageType = "start-session"
	MessageTypeAudioChunk       MessageType = "audio-chunk"
	MessageTypeEndSession       MessageType = "end-session"
	MessageTypeResumeSession    MessageType = "resume-session"
	MessageTypeKeepAlive        MessageType = "keep-alive"
	MessageTypeDeleteSession    MessageType = "delete-session"
	MessageTypeGetSessionStatus MessageType = "get-session-status"

	MessageTypeSessionCreated           MessageType = "session-created"
	MessageTypeTranscriptionUpdate      MessageType = "transcription-update"
	MessageTypeProcessingStatus         MessageType = "processing-status"
	MessageTypeProcessingHeartbeat      MessageType = "processing-heartbeat"
	MessageTypeMedicalNote              MessageType = "medical-note"
	MessageTypeSessionEnded             MessageType = "session-ended"
	MessageTypeSessionResumed           MessageType = "session-resumed"
	MessageTypeSessionPendingCompletion MessageType = "session-pending-completion"
	MessageTypeReconnectionInfo         MessageType = "reconnection-info"
	MessageTypeChunkAck                 MessageType = "chunk-ack"
	MessageTypeError                    MessageType = "error"
	MessageTypeKeepAliveResponse        MessageType = "keep-alive-response"
	MessageTypeSessionStatus            MessageType = "session-status"
	MessageTypeSessionDeleted           MessageType = "session-deleted"
	MessageTypeAppPing                  MessageType = "app-ping"
)

// PingFrame is the single-byte binary keep-alive frame.
var PingFrame = []byte{0}

type SessionMetadata struct {
	MimeType   string `json:"mimeType,omitempty"`
	ClientTime int64  `json:"clientTime,omitempty"`
	Resumed    bool   `json:"resumed,omitempty"`
}

type StartSessionPayload struct {
	Metadata SessionMetadata `json:"metadata"`
}

type AudioChunkPayload struct {
	SessionID      string `json:"sessionId"`
	Audio          string `json:"audio"`
	MimeType       string `json:"mimeType,omitempty"`
	ChunkID        uint   `json:"chunkId,omitempty"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type ResumeSessionPayload struct {
	SessionID               string `json:"sessionId"`
	ClientTime              int64  `json:"clientTime"`
	RequestLatestTranscript bool   `json:"requestLatestTranscript,omitempty"`
}

type KeepAlivePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type TranscriptionUpdatePayload struct {
	SessionID      string `json:"sessionId"`
	FullTranscript string `json:"fullTranscript"`
	Text           string `json:"text,omitempty"`
}

type ProcessingStatusPayload struct {
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message,omitempty"`
}

// ProcessingHeartbeatPayload carries a millisecond timestamp, which some
// servers send as a float.
type ProcessingHeartbeatPayload struct {
	SessionID string  `json:"sessionId"`
	Timestamp float64 `json:"timestamp"`
}

type MedicalNotePayload struct {
	SessionID string `json:"sessionId"`
	Note      string `json:"note"`
}

type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type SessionResumedPayload struct {
	SessionID  string `json:"sessionId"`
	Transcript string `json:"transcript"`
	Status     string `json:"status,omitempty"`
}

type ActiveSession struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	StartTime int64  `json:"startTime,omitempty"`
}

type ReconnectionInfoPayload struct {
	ActiveSessions []ActiveSession `json:"activeSessions"`
}

type ChunkAckPayload struct {
	SessionID      string `json:"sessionId"`
	ChunkID        uint   `json:"chunkId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type SessionStatusPayload struct {
	SessionID  string  `json:"sessionId"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	Note       string  `json:"note,omitempty"`
	StartTime  int64   `json:"startTime,omitempty"`
	EndTime    int64   `json:"endTime,omitempty"`
}
