package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/voice-recorder/internal/queue"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideQueueStore(db *gorm.DB, log *slog.Logger) *queue.Store {
	return queue.NewStore(db, log)
}

func ProvideQueueWorker(lc fx.Lifecycle, store *queue.Store, log *slog.Logger) *queue.Worker {
	w := queue.NewWorker(store, queue.WorkerConfig{Log: log})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			w.Close()
			return nil
		},
	})
	return w
}

func RunMigrations(store *queue.Store) error {
	return store.Migrate()
}

var QueueModule = fx.Options(
	fx.Provide(
		ProvideQueueStore,
		ProvideQueueWorker,
	),
	fx.Invoke(RunMigrations),
)
