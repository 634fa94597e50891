package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/config"
	"github.com/fuomag9/linkrelay/internal/database"
	"github.com/fuomag9/linkrelay/internal/store"
)

// openStore builds the configured storage backend and a func that releases it
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Storage {
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		logger.Info("using redis storage", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.Prefix))
		return store.NewRedisStore(client, cfg.Redis.Prefix), func() { client.Close() }, nil

	case config.StoragePostgres:
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := database.RunMigrations(db, database.DefaultMigrationsURL); err != nil {
			database.Close(db)
			return nil, nil, err
		}

		logger.Info("using postgres storage")
		return store.NewGormStore(db), func() { database.Close(db) }, nil

	default:
		logger.Warn("using in-memory storage; links and codes are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}
