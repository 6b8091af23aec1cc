package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/voice-recorder/internal/capture"
	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/eleven-am/voice-recorder/internal/fallback"
	"github.com/eleven-am/voice-recorder/internal/identity"
	"github.com/eleven-am/voice-recorder/internal/metrics"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/recording"
	"go.uber.org/fx"
)

func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

func ProvideIdentity(cfg *Config, log *slog.Logger) (*identity.Store, error) {
	return identity.Open(cfg.IdentityPath, log)
}

func ProvideConnection(cfg *Config, id *identity.Store, m *metrics.Metrics, log *slog.Logger) *connection.Manager {
	cc := connection.DefaultConfig()
	cc.URL = cfg.ServerURL
	cc.HTTPBase = cfg.HTTPBase
	cc.Log = log
	cc.HeartbeatTimeout = cfg.HeartbeatTimeout
	cc.Backoff.Initial = cfg.ReconnectInitial
	cc.Backoff.MaxDelay = cfg.ReconnectMaxDelay
	cc.Backoff.MaxAttempts = cfg.ReconnectMaxAttempts
	return connection.New(cc, id, m)
}

func ProvideCaptureSource(cfg *Config, log *slog.Logger) capture.Source {
	return capture.NewFFmpegSource(capture.FFmpegConfig{
		Command:     cfg.CaptureCommand,
		InputFormat: cfg.CaptureFormat,
		InputDevice: cfg.CaptureDevice,
		Interval:    cfg.CaptureInterval,
		Log:         log,
	})
}

func ProvidePermissions(cfg *Config) capture.Permissions {
	return capture.ExecPermissions{Command: cfg.CaptureCommand}
}

type CoordinatorParams struct {
	fx.In

	Config      *Config
	Connection  *connection.Manager
	Worker      *queue.Worker
	Source      capture.Source
	Permissions capture.Permissions
	Identity    *identity.Store
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

func ProvideCoordinator(p CoordinatorParams) *recording.Coordinator {
	rc := recording.DefaultConfig()
	rc.FinalizeTimeout = p.Config.FinalizeTimeout
	rc.StorageThresholdMB = p.Config.StorageThresholdMB
	rc.ReplayPerSecond = p.Config.ReplayPerSecond
	rc.BacklogMaxChunks = p.Config.BacklogMaxChunks

	return recording.New(recording.Deps{
		Connection:  p.Connection,
		Queue:       p.Worker,
		Source:      p.Source,
		Permissions: p.Permissions,
		Identity:    p.Identity,
		Metrics:     p.Metrics,
		Log:         p.Log,
	}, rc)
}

// ProvidePoller builds the fallback poller with the coordinator as its sink
// and hands it back to the coordinator.
func ProvidePoller(cfg *Config, coord *recording.Coordinator, m *metrics.Metrics, log *slog.Logger) *fallback.Poller {
	p := fallback.New(fallback.Config{
		HTTPBase:    cfg.HTTPBase,
		Log:         log,
		Metrics:     m,
		Interval:    cfg.PollInterval,
		MaxInterval: cfg.PollMaxInterval,
		MaxAttempts: cfg.PollMaxAttempts,
	}, coord)
	coord.AttachPoller(p)
	return p
}

func StartRecorder(lc fx.Lifecycle, coord *recording.Coordinator, conn *connection.Manager, _ *fallback.Poller, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := coord.Open(ctx); err != nil {
				return err
			}
			go func() {
				// The first attempt does not retry by itself; starting a
				// recording connects again.
				if err := conn.Connect(context.Background()); err != nil {
					log.Warn("server not reachable at startup, recording will buffer locally", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := coord.Close(ctx); err != nil {
				log.Warn("coordinator close failed", "error", err)
			}
			return conn.Disconnect(ctx)
		},
	})
}

var RecorderModule = fx.Options(
	fx.Provide(
		ProvideMetrics,
		ProvideIdentity,
		ProvideConnection,
		ProvideCaptureSource,
		ProvidePermissions,
		ProvideCoordinator,
		ProvidePoller,
	),
	fx.Invoke(StartRecorder),
)
