package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nutrisync/internal/app"
)

// NewTokenCommand groups the session commands used by operators and by the
// login component.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or revoke user sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "issue <user-id>",
		Short: "Create the user if needed and print an access/refresh token pair as JSON",
		Long: `Create the user if needed and print an access/refresh token pair as JSON.
Without database.url the refresh token only lives as long as this command;
the access token is still accepted by any server sharing auth.jwt_secret.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required to sign tokens")
			}
			db, closeDB, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			auth, err := newAuthService(cmd.Context(), cfg, db, app.NewZapAuditSink(logger))
			if err != nil {
				return err
			}
			pair, err := auth.IssueSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("issue session: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "revoke <user-id>",
		Short:        "Invalidate every access and refresh token of a user",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}
			db, closeDB, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			auth, err := newAuthService(cmd.Context(), cfg, db, app.NewZapAuditSink(logger))
			if err != nil {
				return err
			}
			if err := auth.Revoke(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoke: %w", err)
			}
			logger.Info("sessions revoked", zap.String("userId", args[0]))
			return nil
		},
	})
	return cmd
}
