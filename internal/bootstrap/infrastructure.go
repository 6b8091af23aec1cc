package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func ProvideRedisClient(lc fx.Lifecycle, cfg *Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// OpenDatabase opens the local queue database. A postgres:// DSN selects
// postgres, anything else is treated as a sqlite file path.
func OpenDatabase(cfg *Config) (*gorm.DB, error) {
	level := logger.Silent
	if cfg.DBDebug {
		level = logger.Info
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(level)}

	var (
		db  *gorm.DB
		err error
	)
	if isPostgres(cfg.DatabaseDSN) {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	} else {
		if dir := filepath.Dir(cfg.DatabaseDSN); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !isPostgres(cfg.DatabaseDSN) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func ProvideDatabase(lc fx.Lifecycle, cfg *Config, log *slog.Logger) (*gorm.DB, error) {
	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	log.Info("queue database opened", "postgres", isPostgres(cfg.DatabaseDSN))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return sqlDB.Close()
		},
	})
	return db, nil
}

var InfrastructureModule = fx.Options(
	fx.Provide(ProvideDatabase),
)

var RelayInfrastructureModule = fx.Options(
	fx.Provide(ProvideRedisClient),
)
