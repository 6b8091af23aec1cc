package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/dto"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/recording"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/labstack/echo/v4"
)

// Recorder is the slice of the session coordinator the control API drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (recording.FinalizeOutcome, error)
	Snapshot() recording.Status
	Sessions(ctx context.Context, statuses ...shared.SessionStatus) ([]queue.Session, error)
	Transcript(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, id string) error
	StorageUsage(ctx context.Context) (queue.Usage, error)
	Cleanup(ctx context.Context, thresholdMB float64) (queue.CleanupResult, error)
}

type Connector interface {
	Connect(ctx context.Context) error
	Status() connection.Status
}

type Handler struct {
	recorder Recorder
	conn     Connector
	logger   *slog.Logger
}

func NewHandler(recorder Recorder, conn Connector, logger *slog.Logger) *Handler {
	return &Handler{
		recorder: recorder,
		conn:     conn,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/status", h.Status)
	g.POST("/recording/start", h.StartRecording)
	g.POST("/recording/stop", h.StopRecording)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)
	g.DELETE("/sessions/:id", h.DeleteSession)
	g.GET("/storage", h.Storage)
	g.POST("/storage/cleanup", h.Cleanup)
	g.POST("/connection/reconnect", h.Reconnect)
}

// @Summary      Recorder status
// @Description  Returns the coordinator snapshot including connection health
// @Tags         recording
// @Produce      json
// @Success      200  {object}  recording.Status
// @Router       /status [get]
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.recorder.Snapshot())
}

// @Summary      Start recording
// @Description  Begins capturing audio. Starts offline when the server cannot be reached.
// @Tags         recording
// @Produce      json
// @Success      202  {object}  dto.StartRecordingResponse
// @Failure      403  {object}  shared.APIError  "Microphone permission denied"
// @Failure      409  {object}  shared.APIError  "Recording already in progress"
// @Failure      500  {object}  shared.APIError
// @Router       /recording/start [post]
func (h *Handler) StartRecording(c echo.Context) error {
	if err := h.recorder.Start(c.Request().Context()); err != nil {
		h.logger.Warn("start recording rejected", "error", err)
		return shared.FromError(err)
	}

	snap := h.recorder.Snapshot()
	return c.JSON(http.StatusAccepted, dto.StartRecordingResponse{
		State:     string(snap.State),
		SessionID: snap.SessionID,
	})
}

// @Summary      Stop recording
// @Description  Stops capture and waits for the server to finalize the session
// @Tags         recording
// @Produce      json
// @Success      200  {object}  dto.StopRecordingResponse
// @Failure      409  {object}  shared.APIError  "Not recording"
// @Failure      500  {object}  shared.APIError
// @Router       /recording/stop [post]
func (h *Handler) StopRecording(c echo.Context) error {
	outcome, err := h.recorder.Stop(c.Request().Context())
	if err != nil {
		h.logger.Warn("stop recording failed", "error", err)
		return shared.FromError(err)
	}

	return c.JSON(http.StatusOK, dto.StopRecordingResponse{
		SessionID: outcome.SessionID,
		Finalized: outcome.Finalized,
		Status:    string(outcome.Status),
		Reason:    outcome.Reason,
	})
}

// ListSessions accepts an optional comma separated status filter.
//
// @Summary      List sessions
// @Description  Returns persisted sessions, optionally filtered by status
// @Tags         sessions
// @Produce      json
// @Param        status  query     string  false  "Comma separated statuses (recording, processing, pending_completion, completed, error)"
// @Success      200     {object}  dto.SessionListResponse
// @Failure      400     {object}  shared.APIError
// @Failure      500     {object}  shared.APIError
// @Router       /sessions [get]
func (h *Handler) ListSessions(c echo.Context) error {
	var statuses []shared.SessionStatus
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := shared.NormalizeStatus(strings.TrimSpace(s))
			if !status.Valid() {
				return shared.BadRequest("invalid_status", "unknown session status: "+s)
			}
			statuses = append(statuses, status)
		}
	}

	sessions, err := h.recorder.Sessions(c.Request().Context(), statuses...)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		return shared.FromError(err)
	}

	resp := dto.SessionListResponse{
		Sessions: make([]dto.SessionResponse, 0, len(sessions)),
		Total:    len(sessions),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, dto.FromSession(s))
	}
	return c.JSON(http.StatusOK, resp)
}

// @Summary      Get session
// @Description  Returns one session with its accumulated transcript
// @Tags         sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  dto.SessionDetailResponse
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /sessions/{id} [get]
func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	sessions, err := h.recorder.Sessions(ctx)
	if err != nil {
		h.logger.Error("failed to load sessions", "error", err)
		return shared.FromError(err)
	}

	for _, s := range sessions {
		if s.ID != id {
			continue
		}
		transcript, err := h.recorder.Transcript(ctx, id)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("failed to load transcript", "error", err, "session_id", id)
			return shared.FromError(err)
		}
		if transcript == "" {
			transcript = s.Transcript
		}
		return c.JSON(http.StatusOK, dto.SessionDetailResponse{
			SessionResponse: dto.FromSession(s),
			Transcript:      transcript,
		})
	}
	return shared.NotFound("session_not_found", "session not found")
}

// @Summary      Delete session
// @Description  Removes a session with its transcript and buffered chunks
// @Tags         sessions
// @Param        id   path      string  true  "Session ID"
// @Success      204  "No Content"
// @Failure      404  {object}  shared.APIError
// @Failure      500  {object}  shared.APIError
// @Router       /sessions/{id} [delete]
func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.recorder.DeleteSession(c.Request().Context(), id); err != nil {
		h.logger.Warn("failed to delete session", "error", err, "session_id", id)
		return shared.FromError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// @Summary      Storage usage
// @Description  Reports the estimated size of the local queue
// @Tags         storage
// @Produce      json
// @Success      200  {object}  dto.StorageResponse
// @Failure      500  {object}  shared.APIError
// @Router       /storage [get]
func (h *Handler) Storage(c echo.Context) error {
	usage, err := h.recorder.StorageUsage(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to read storage usage", "error", err)
		return shared.FromError(err)
	}
	return c.JSON(http.StatusOK, dto.StorageResponse{Usage: usage, TotalMB: usage.TotalMB()})
}

// Cleanup with an empty body falls back to the configured threshold.
//
// @Summary      Clean up storage
// @Description  Deletes orphaned chunks and old sessions when usage exceeds the threshold
// @Tags         storage
// @Accept       json
// @Produce      json
// @Param        request  body      dto.CleanupRequest  false  "Threshold override"
// @Success      200      {object}  queue.CleanupResult
// @Failure      400      {object}  shared.APIError
// @Failure      500      {object}  shared.APIError
// @Router       /storage/cleanup [post]
func (h *Handler) Cleanup(c echo.Context) error {
	var req dto.CleanupRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return shared.BadRequest("invalid_request", "invalid request body")
		}
	}
	if req.ThresholdMB < 0 {
		return shared.BadRequest("invalid_threshold", "thresholdMb must not be negative")
	}

	res, err := h.recorder.Cleanup(c.Request().Context(), req.ThresholdMB)
	if err != nil {
		h.logger.Warn("storage cleanup failed", "error", err)
		return shared.FromError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Reconnect forces a connection attempt, clearing a previous give-up.
//
// @Summary      Reconnect
// @Description  Forces a connection attempt and clears an abandoned reconnect
// @Tags         connection
// @Produce      json
// @Success      200  {object}  dto.ReconnectResponse
// @Failure      503  {object}  shared.APIError  "Server unavailable"
// @Router       /connection/reconnect [post]
func (h *Handler) Reconnect(c echo.Context) error {
	if err := h.conn.Connect(c.Request().Context()); err != nil {
		h.logger.Warn("manual reconnect failed", "error", err)
		return shared.FromError(err)
	}

	status := h.conn.Status()
	return c.JSON(http.StatusOK, dto.ReconnectResponse{
		Connected: status.Connected,
		State:     string(status.State),
	})
}
