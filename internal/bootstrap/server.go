package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// ListenAddr is the address the process's HTTP server binds.
type ListenAddr string

var defaultCORSConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	},
	AllowHeaders: []string{
		"Accept",
		"Content-Type",
		"X-Requested-With",
	},
	MaxAge: 86400,
}

func NewEchoServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(defaultCORSConfig))
	return e
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				log.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			log.Debug("request", attrs...)
			return nil
		},
	})
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, addr ListenAddr, log *slog.Logger) {
	e.Use(requestLogger(log.With("component", "http")))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", "addr", string(addr))
				if err := e.Start(string(addr)); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(NewEchoServer),
	fx.Invoke(StartServer),
)

func fxLogger(log *slog.Logger) fxevent.Logger {
	return &fxevent.SlogLogger{Logger: log.With("component", "fx")}
}

func baseOptions(cfg *Config, addr string) fx.Option {
	return fx.Options(
		fx.Supply(cfg, ListenAddr(addr)),
		fx.Provide(ProvideLogger),
		fx.WithLogger(fxLogger),
	)
}

// Run starts the recorder: durable queue, server connection, capture and
// the local control API.
func Run(cfg *Config) {
	fx.New(
		baseOptions(cfg, cfg.ServerAddr),
		InfrastructureModule,
		QueueModule,
		RecorderModule,
		ServerModule,
		HandlersModule,
		HealthModule,
	).Run()
}

// RunRelay starts the development relay server.
func RunRelay(cfg *Config) {
	fx.New(
		baseOptions(cfg, cfg.RelayAddr),
		RelayInfrastructureModule,
		RelayModule,
		ServerModule,
		RelayHealthModule,
	).Run()
}
