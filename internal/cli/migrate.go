package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"nutrisync/internal/adapter/postgres"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Create or update the PostgreSQL schema and exit",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}

			// Open migrates before returning.
			db, err := postgres.Open(cmd.Context(), cfg.Database.URL, 1)
			if err != nil {
				return err
			}
			logger.Info("schema up to date")
			return db.Close()
		},
	}
}
