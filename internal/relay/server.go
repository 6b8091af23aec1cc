package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voice-recorder/internal/fallback"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Config struct {
	Log *slog.Logger

	// ProcessingDelay is how long a finished session spends processing
	// before its note is delivered.
	ProcessingDelay   time.Duration
	HeartbeatInterval time.Duration
	AppPingInterval   time.Duration
	PingPeriod        time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
}

func DefaultConfig() Config {
	return Config{
		ProcessingDelay:   2 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		AppPingInterval:   15 * time.Second,
		PingPeriod:        54 * time.Second,
		PongWait:          60 * time.Second,
		MaxMessageSize:    8 * 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.ProcessingDelay <= 0 {
		c.ProcessingDelay = d.ProcessingDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.AppPingInterval <= 0 {
		c.AppPingInterval = d.AppPingInterval
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = d.PingPeriod
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Server speaks the recorder's WebSocket protocol. It stands in for the
// transcription service during development and in integration tests.
type Server struct {
	cfg         Config
	registry    *Registry
	transcriber Transcriber
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]*clientConn

	// serialises read-modify-write of registry sessions
	sessMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config, registry *Registry, transcriber Transcriber) *Server {
	cfg = cfg.withDefaults()
	if transcriber == nil {
		transcriber = EchoTranscriber{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		registry:    registry,
		transcriber: transcriber,
		logger:      cfg.Log.With("component", "relay"),
		clients:     make(map[string]*clientConn),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWS)
	e.GET("/ping", s.Ping)
	e.GET("/api/session-status/:id", s.SessionStatus)
}

// Close stops background processing and drops every client.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	for id, c := range s.clients {
		_ = c.Close()
		delete(s.clients, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ping":      "pong",
		"timestamp": unixSeconds(time.Now()),
	})
}

type statusResponse struct {
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Transcript string  `json:"transcript"`
	Note       string  `json:"note"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
}

func (s *Server) SessionStatus(c echo.Context) error {
	sess, err := s.registry.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		return shared.InternalError("status_failed", "failed to load session")
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:     string(sess.Status),
		Progress:   progressOf(sess),
		Transcript: sess.Transcript,
		Note:       sess.Note,
		StartTime:  sess.StartTime,
		EndTime:    sess.EndTime,
	})
}

func progressOf(sess *Session) float64 {
	if sess.Status == shared.StatusCompleted {
		return 100
	}
	return 50
}

func (s *Server) HandleWS(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if clientID == "" || clientID == "undefined" {
		clientID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	conn := newClientConn(ws, clientID, s.logger)
	s.attach(conn)
	s.logger.Info("client connected", "client_id", clientID)

	s.announceSessions(s.ctx, conn)

	go conn.writePump(s.ctx, s.cfg)
	conn.readPump(s.ctx, s.cfg, func(ctx context.Context, data []byte) {
		s.dispatch(ctx, conn, data)
	})

	if s.detach(conn) {
		parked, err := s.registry.Disconnected(context.Background(), clientID)
		if err != nil {
			s.logger.Warn("failed to park sessions of disconnected client", "client_id", clientID, "error", err)
		} else if parked > 0 {
			s.logger.Info("parked recordings of disconnected client", "client_id", clientID, "sessions", parked)
		}
	}
	s.logger.Info("client disconnected", "client_id", clientID)
	return nil
}

func (s *Server) attach(conn *clientConn) {
	s.mu.Lock()
	old := s.clients[conn.clientID]
	s.clients[conn.clientID] = conn
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// detach reports whether conn was still the client's live connection.
func (s *Server) detach(conn *clientConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[conn.clientID] != conn {
		return false
	}
	delete(s.clients, conn.clientID)
	return true
}

func (s *Server) sendTo(clientID string, t transport.MessageType, payload any) bool {
	s.mu.Lock()
	conn := s.clients[clientID]
	s.mu.Unlock()
	if conn == nil {
		s.logger.Debug("client not connected, dropping message", "client_id", clientID, "type", t)
		return false
	}
	return conn.Send(t, payload)
}

// announceSessions tells a (re)connecting client which of its sessions
// the relay still knows about.
func (s *Server) announceSessions(ctx context.Context, conn *clientConn) {
	sessions, err := s.registry.ClientSessions(ctx, conn.clientID)
	if err != nil {
		s.logger.Warn("failed to load client sessions", "client_id", conn.clientID, "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	active := make([]transport.ActiveSession, 0, len(sessions))
	for _, sess := range sessions {
		active = append(active, transport.ActiveSession{
			ID:        sess.ID,
			Status:    string(sess.Status),
			StartTime: int64(sess.StartTime * 1000),
		})
	}
	conn.Send(transport.MessageTypeReconnectionInfo, transport.ReconnectionInfoPayload{ActiveSessions: active})

	for _, sess := range sessions {
		switch sess.Status {
		case shared.StatusRecording:
			conn.Send(transport.MessageTypeSessionResumed, transport.SessionResumedPayload{
				SessionID: sess.ID,
				Status:    string(sess.Status),
			})
		case shared.StatusPendingCompletion:
			conn.Send(transport.MessageTypeSessionPendingCompletion, transport.SessionRef{SessionID: sess.ID})
		}
	}
}

// update applies fn to a stored session under the session lock.
func (s *Server) update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	sess, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.registry.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Server) dispatch(ctx context.Context, conn *clientConn, data []byte) {
	msg, err := transport.Decode(data)
	if err != nil {
		s.logger.Warn("invalid message", "client_id", conn.clientID, "error", err)
		conn.Send(transport.MessageTypeError, transport.ErrorPayload{Message: "Invalid JSON data"})
		return
	}

	switch msg.Type {
	case transport.MessageTypeKeepAlive:
		conn.Send(transport.MessageTypeKeepAliveResponse, map[string]any{
			"timestamp":  time.Now().UnixMilli(),
			"serverTime": unixSeconds(time.Now()),
		})
	case transport.MessageTypeStartSession:
		err = s.startSession(ctx, conn, msg)
	case transport.MessageTypeAudioChunk:
		err = s.audioChunk(ctx, conn, msg)
	case transport.MessageTypeResumeSession:
		err = s.resumeSession(ctx, conn, msg)
	case transport.MessageTypeEndSession:
		err = s.endSession(ctx, conn, msg)
	case transport.MessageTypeDeleteSession:
		err = s.deleteSession(ctx, conn, msg)
	case transport.MessageTypeGetSessionStatus:
		err = s.sessionStatus(ctx, conn, msg)
	default:
		conn.Send(transport.MessageTypeError, transport.ErrorPayload{
			Message: fmt.Sprintf("Unknown message type: %s", transport.WireType(msg.Type)),
		})
		return
	}

	if errors.Is(err, shared.ErrNotFound) {
		conn.Send(transport.MessageTypeError, transport.ErrorPayload{SessionID: msg.SessionID(), Message: "Invalid session ID"})
		return
	}
	if err != nil {
		s.logger.Error("failed to handle message", "client_id", conn.clientID, "type", msg.Type, "error", err)
		conn.Send(transport.MessageTypeError, transport.ErrorPayload{
			SessionID: msg.SessionID(),
			Message:   "Server error processing message",
		})
	}
}

func (s *Server) startSession(ctx context.Context, conn *clientConn, msg *transport.Message) error {
	var p transport.StartSessionPayload
	if err := msg.Bind(&p); err != nil {
		return err
	}
	sess, err := s.registry.Create(ctx, conn.clientID, p.Metadata.MimeType)
	if err != nil {
		return err
	}
	conn.Send(transport.MessageTypeSessionCreated, transport.SessionCreatedPayload{SessionID: sess.ID})
	s.logger.Info("session created", "session_id", sess.ID, "client_id", conn.clientID, "resumed", p.Metadata.Resumed)
	return nil
}

func (s *Server) audioChunk(ctx context.Context, conn *clientConn, msg *transport.Message) error {
	var p transport.AudioChunkPayload
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return shared.ErrNotFound
	}
	audio, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}

	text, err := s.transcriber.Transcribe(ctx, p.SessionID, audio, p.SequenceNumber)
	if err != nil {
		return fmt.Errorf("transcribe chunk: %w", err)
	}

	sess, err := s.update(ctx, p.SessionID, func(sess *Session) error {
		sess.ClientID = conn.clientID
		sess.Chunks++
		sess.Bytes += int64(len(audio))
		if text != "" {
			sess.Transcript = strings.TrimSpace(sess.Transcript + " " + text)
		}
		return nil
	})
	if err != nil {
		return err
	}

	conn.Send(transport.MessageTypeTranscriptionUpdate, transport.TranscriptionUpdatePayload{
		SessionID:      sess.ID,
		FullTranscript: sess.Transcript,
		Text:           text,
	})
	conn.Send(transport.MessageTypeChunkAck, transport.ChunkAckPayload{
		SessionID:      sess.ID,
		ChunkID:        p.ChunkID,
		SequenceNumber: p.SequenceNumber,
	})
	return nil
}

// resumeSession reattaches a session to the client. An unknown id starts a
// fresh session instead.
func (s *Server) resumeSession(ctx context.Context, conn *clientConn, msg *transport.Message) error {
	var p transport.ResumeSessionPayload
	if err := msg.Bind(&p); err != nil {
		return err
	}

	sess, err := s.update(ctx, p.SessionID, func(sess *Session) error {
		if sess.ClientID != conn.clientID {
			s.logger.Info("session claimed by new client", "session_id", sess.ID, "from", sess.ClientID, "to", conn.clientID)
		}
		sess.ClientID = conn.clientID
		if sess.Status == shared.StatusPendingCompletion {
			sess.Status = shared.StatusRecording
		}
		return nil
	})
	if errors.Is(err, shared.ErrNotFound) {
		return s.startSession(ctx, conn, msg)
	}
	if err != nil {
		return err
	}

	conn.Send(transport.MessageTypeSessionResumed, transport.SessionResumedPayload{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		Transcript: sess.Transcript,
	})
	return nil
}

func (s *Server) endSession(ctx context.Context, conn *clientConn, msg *transport.Message) error {
	var p transport.SessionRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return shared.ErrNotFound
	}

	var (
		previous shared.SessionStatus
		now      = time.Now()
	)
	sess, err := s.update(ctx, p.SessionID, func(sess *Session) error {
		previous = sess.Status
		sess.ClientID = conn.clientID
		if previous.IsTerminal() || previous == shared.StatusProcessing {
			return nil
		}
		sess.Status = shared.StatusProcessing
		sess.PendingFinalization = false
		sess.EndTime = unixSeconds(now)
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case previous.IsTerminal():
		// finalization was retried after the result was already sent
		if sess.Note != "" {
			conn.Send(transport.MessageTypeMedicalNote, transport.MedicalNotePayload{SessionID: sess.ID, Note: sess.Note})
		}
		conn.Send(transport.MessageTypeSessionEnded, transport.SessionEndedPayload{SessionID: sess.ID, Status: string(sess.Status)})
	case previous == shared.StatusProcessing:
		conn.Send(transport.MessageTypeProcessingStatus, transport.ProcessingStatusPayload{
			SessionID: sess.ID, Status: string(shared.StatusProcessing), Progress: 50,
		})
	default:
		conn.Send(transport.MessageTypeProcessingStatus, transport.ProcessingStatusPayload{
			SessionID: sess.ID, Status: "started", Progress: 25,
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.process(s.ctx, sess.ID)
		}()
	}
	return nil
}

// process stands in for server-side note generation: it heartbeats for
// ProcessingDelay and then delivers the note and the terminal status.
func (s *Server) process(ctx context.Context, id string) {
	owner := func() string {
		sess, err := s.registry.Get(ctx, id)
		if err != nil {
			return ""
		}
		return sess.ClientID
	}

	s.sendTo(owner(), transport.MessageTypeProcessingStatus, transport.ProcessingStatusPayload{
		SessionID: id, Status: string(shared.StatusProcessing), Progress: 50,
	})

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ready := time.NewTimer(s.cfg.ProcessingDelay)
	defer ready.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.sendTo(owner(), transport.MessageTypeProcessingHeartbeat, transport.ProcessingHeartbeatPayload{
				SessionID: id, Timestamp: float64(time.Now().UnixMilli()),
			})
		case <-ready.C:
			break wait
		}
	}

	var transcript string
	if sess, err := s.registry.Get(ctx, id); err == nil {
		transcript = sess.Transcript
	} else {
		s.logger.Warn("session vanished while processing", "session_id", id, "error", err)
		return
	}

	status := shared.StatusCompleted
	note, err := s.transcriber.Note(ctx, id, transcript)
	errMessage := ""
	if err != nil {
		s.logger.Error("note generation failed", "session_id", id, "error", err)
		status = shared.StatusError
		errMessage = err.Error()
		note = fallback.FallbackNote(transcript)
	}

	sess, err := s.update(ctx, id, func(sess *Session) error {
		sess.Status = status
		sess.Note = note
		sess.Error = errMessage
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store session result", "session_id", id, "error", err)
		return
	}

	if note != "" {
		s.sendTo(sess.ClientID, transport.MessageTypeMedicalNote, transport.MedicalNotePayload{SessionID: id, Note: note})
	}
	s.sendTo(sess.ClientID, transport.MessageTypeProcessingStatus, transport.ProcessingStatusPayload{
		SessionID: id, Status: string(status), Progress: 100, Message: errMessage,
	})
	s.sendTo(sess.ClientID, transport.MessageTypeSessionEnded, transport.SessionEndedPayload{SessionID: id, Status: string(status)})
	s.logger.Info("session processed", "session_id", id, "status", status)
}

func (s *Server) deleteSession(ctx context.Context, conn *clientConn, msg *transport.Message) error {
	var p transport.SessionRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	s.sessMu.Lock()
	err := s.registry.Delete(ctx, p.SessionID)
	s.sessMu.Unlock()
	if err != nil {
		return err
	}
	conn.Send(transport.MessageTypeSessionDeleted, transport.SessionRef{SessionID: p.SessionID})
	return nil
}

func (s *Server) sessionStatus(ctx context.Context, conn *clientConn, msg *transport.Message) error {
	var p transport.SessionRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	sess, err := s.registry.Get(ctx, p.SessionID)
	if err != nil {
		return err
	}
	var end int64
	if sess.EndTime > 0 {
		end = int64(sess.EndTime * 1000)
	}
	conn.Send(transport.MessageTypeSessionStatus, transport.SessionStatusPayload{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		Progress:   progressOf(sess),
		Transcript: sess.Transcript,
		Note:       sess.Note,
		StartTime:  int64(sess.StartTime * 1000),
		EndTime:    end,
	})
	return nil
}
