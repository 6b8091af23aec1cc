package shared

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrServerUnavailable  = errors.New("server unavailable")
	ErrReconnectionFailed = errors.New("reconnection failed")
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrNotConnected       = errors.New("not connected")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrWorkerClosed       = errors.New("queue worker closed")
	ErrFinalizeTimeout    = errors.New("finalization timed out")
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty" swaggertype:"object"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func Conflict(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusConflict)
}

func ServiceUnavailable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusServiceUnavailable)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}

// FromError maps domain errors onto HTTP errors for the control API.
func FromError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return NotFound("not_found", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return Conflict("invalid_state", err.Error())
	case errors.Is(err, ErrPermissionDenied):
		return NewAPIError("permission_denied", err.Error()).ToHTTP(http.StatusForbidden)
	case errors.Is(err, ErrServerUnavailable), errors.Is(err, ErrNotConnected), errors.Is(err, ErrReconnectionFailed):
		return ServiceUnavailable("server_unavailable", err.Error())
	default:
		return InternalError("internal_error", err.Error())
	}
}
