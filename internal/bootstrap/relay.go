package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/voice-recorder/internal/relay"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideRegistry(client *redis.Client) *relay.Registry {
	return relay.NewRegistry(client)
}

func ProvideTranscriber() relay.Transcriber {
	return relay.EchoTranscriber{}
}

func ProvideRelayServer(cfg *Config, registry *relay.Registry, transcriber relay.Transcriber, log *slog.Logger) *relay.Server {
	rc := relay.DefaultConfig()
	rc.Log = log
	rc.ProcessingDelay = cfg.RelayProcessingDelay
	return relay.NewServer(rc, registry, transcriber)
}

func RegisterRelayRoutes(lc fx.Lifecycle, e *echo.Echo, srv *relay.Server) {
	srv.RegisterRoutes(e)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			srv.Close()
			return nil
		},
	})
}

var RelayModule = fx.Options(
	fx.Provide(
		ProvideRegistry,
		ProvideTranscriber,
		ProvideRelayServer,
	),
	fx.Invoke(RegisterRelayRoutes),
)
