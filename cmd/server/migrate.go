package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/migrations"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		Long:  `This command migrates the Postgres schema named by PG_DSN with goose.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			down, _ := cmd.Flags().GetBool("down")

			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			logger := logging.Component(logging.NewLogger(cfg.LogLevel, cfg.LogFormat), "migrate")
			if cfg.PGDSN == "" {
				return errors.New("PG_DSN is required")
			}
			db, err := storage.OpenPostgres(cfg.PGDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if down {
				logger.Info("rolling back the last migration")
				err = migrations.Down(ctx, db)
			} else {
				logger.Info("running up migrations")
				err = migrations.Up(ctx, db)
			}
			if err != nil {
				return err
			}
			return migrations.Status(ctx, db)
		},
	}
	cmd.Flags().BoolP("down", "d", false, "roll back the most recent migration")
	return cmd
}
