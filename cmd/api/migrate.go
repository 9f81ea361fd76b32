package main

import (
	"fmt"

	"procurebot/internal/database"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs database.driver postgres, got %q", cfg.Database.Driver)
			}
			db, err := database.NewConnection(cfg.Database.DSN, logger)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			logger.Info("Schema migrated")
			return nil
		},
	}
}
