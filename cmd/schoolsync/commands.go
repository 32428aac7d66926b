package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/config"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/logging"
	"github.com/livinlefevreloca/schoolsync/tools/migrator"
)

// loadConfig reads and validates the file named by --config
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load the configuration, validate it and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (database: %s, timezone: %s)\n",
				cfg.Database.Driver, cfg.Scheduler.Timezone)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			database, err := db.Open(ctx, cfg.Database)
			if err != nil {
				return errors.Wrapf(err, "failed to connect to %s database", cfg.Database.Driver)
			}
			defer database.Close()

			logger.Info("running migrations", zap.String("driver", database.Driver()))
			if err := database.Migrate(ctx); err != nil {
				return errors.Wrap(err, "failed to run migrations")
			}

			schemaVersion, err := migrator.GetCurrentVersion(ctx, database.DB)
			if err != nil {
				return errors.Wrap(err, "failed to get schema version")
			}
			logger.Info("database schema ready", zap.Int("version", schemaVersion))
			return nil
		},
	}
}
