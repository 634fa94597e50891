package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/codes"
	"github.com/fuomag9/linkrelay/internal/config"
	"github.com/fuomag9/linkrelay/internal/database"
	"github.com/fuomag9/linkrelay/internal/jobs"
)

var migrationsURL string

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired linking codes once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Storage == config.StorageMemory {
			logger.Warn("in-memory storage has nothing to reap outside the serve process")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		st, closeStore, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		removed, err := jobs.NewScheduler(cfg.ReaperSchedule, codes.NewRegistry(st), logger).RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("reap finished", zap.Int64("removed", removed))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations to the Postgres database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close(db)

		if err := database.RunMigrations(db, migrationsURL); err != nil {
			return err
		}
		logger.Info("migrations applied", zap.String("source", migrationsURL))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsURL, "source", database.DefaultMigrationsURL, "migration source URL")
}
