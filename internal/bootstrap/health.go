package bootstrap

import (
	"context"

	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/health"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/recording"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const version = "1.0.0"

func ProvideHealthHandler(db *gorm.DB, worker *queue.Worker, conn *connection.Manager, coord *recording.Coordinator) *health.Handler {
	h := health.NewHandler(version)
	h.AddCheck("database", true, health.DatabaseCheck(db))
	h.AddCheck("queue", true, health.PingCheck(func(ctx context.Context) error {
		_, err := queue.Call[queue.Pong](ctx, worker, queue.Ping{})
		return err
	}))
	h.AddCheck("connection", false, health.ConnectionCheck(conn.Status))
	h.SetReporter(coord)
	return h
}

func ProvideRelayHealthHandler(client *redis.Client) *health.Handler {
	h := health.NewHandler(version)
	h.AddCheck("redis", true, health.RedisCheck(client))
	return h
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)

var RelayHealthModule = fx.Options(
	fx.Provide(ProvideRelayHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
