// Package cli holds the nutrisync command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"nutrisync/internal/adapter/memory"
	"nutrisync/internal/adapter/postgres"
	"nutrisync/internal/config"
	"nutrisync/internal/domain"
	"nutrisync/internal/logging"
)

const serviceName = "nutrisync"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	v          *viper.Viper
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Scale ingestion and offline-first sync service",
		// main prints the returned error once.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.ConfigFile != "" {
				opts.v.SetConfigFile(opts.ConfigFile)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./config/config.yaml)")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("log-format", "json", "log format (json|console)")
	flags.String("database-url", "", "PostgreSQL connection string; empty keeps data in memory")
	_ = opts.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = opts.v.BindPFlag("database.url", flags.Lookup("database-url"))

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDecodeCommand())
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewFoodsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// load reads configuration and builds the logger.
func (o *RootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// store is satisfied by both the memory and the Postgres adapters.
type store interface {
	domain.WeighInRepository
	domain.FoodRepository
	domain.SyncRepository
	domain.UserRepository
	domain.RefreshTokenRepository
	PutExternalFood(ctx context.Context, f domain.Food) error
}

// openStore connects to Postgres when a URL is configured and falls back
// to the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url not set, using in-memory store")
		return memory.New(), func() {}, nil
	}
	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}
