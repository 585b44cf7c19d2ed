package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/dispatch-engine/internal/config"
	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("migrate requires PG_DSN")
	}
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.Info("migration applied", "file", name)
	}
	return nil
}
