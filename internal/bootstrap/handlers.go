package bootstrap

import (
	"log/slog"
	"os"

	_ "github.com/eleven-am/voice-recorder/docs"
	"github.com/eleven-am/voice-recorder/internal/api"
	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/metrics"
	"github.com/eleven-am/voice-recorder/internal/recording"
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/fx"
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideAPIHandler(coord *recording.Coordinator, conn *connection.Manager, logger *slog.Logger) *api.Handler {
	return api.NewHandler(coord, conn, logger.With("handler", "api"))
}

func RegisterRoutes(e *echo.Echo, h *api.Handler, m *metrics.Metrics) {
	h.RegisterRoutes(e.Group("/v1"))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.GET("/swagger/*", echoSwagger.EchoWrapHandlerV3())
}

var HandlersModule = fx.Options(
	fx.Provide(ProvideAPIHandler),
	fx.Invoke(RegisterRoutes),
)
