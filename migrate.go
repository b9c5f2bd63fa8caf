package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/credgate/backend/internal/config"
	"github.com/credgate/backend/internal/db"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the users schema",
		Long:  `Create the users table and its indexes in PostgreSQL. Safe to run repeatedly.`,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadPostgres()
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "load config").Wrap(err)
	}
	if !cfg.Enabled() {
		return oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL or PGUSER/PGDATABASE must be set")
	}

	ctx := cmd.Context()

	cmd.Println("Connecting to database...")
	pool, err := db.NewPostgresPool(ctx, cfg)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer pool.Close()

	cmd.Println("Running migrations...")
	if err := db.NewPostgres(pool).EnsureAuthSchema(ctx); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "ensure auth schema").Wrap(err)
	}

	cmd.Println("Migrations completed successfully")
	return nil
}
