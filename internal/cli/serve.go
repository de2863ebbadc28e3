package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	adapthttp "nutrisync/internal/adapter/http"
	"nutrisync/internal/adapter/mqtt"
	"nutrisync/internal/adapter/redis"
	"nutrisync/internal/app"
	"nutrisync/internal/config"
	"nutrisync/internal/domain"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API (and the MQTT gateway subscriber when enabled)",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	_ = rootOpts.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	limiter, err := newRateLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc, err := newServices(ctx, cfg, db, limiter, logger)
	if err != nil {
		return err
	}

	if cfg.MQTT.Enabled {
		sub := mqtt.NewSubscriber(svc.Ingest, logger, mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err := sub.Start(); err != nil {
			return err
		}
		defer sub.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      adapthttp.New(svc, logger).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// newServices wires the application services over db.
func newServices(ctx context.Context, cfg *config.Config, db store, limiter domain.RateLimiter, logger *zap.Logger) (adapthttp.Services, error) {
	metrics := app.NewMetrics()
	audit := app.NewZapAuditSink(logger)
	auth, err := newAuthService(ctx, cfg, db, audit)
	if err != nil {
		return adapthttp.Services{}, err
	}
	return adapthttp.Services{
		Ingest: app.NewIngestService(db, limiter, metrics, audit, logger, app.IngestOptions{
			MaxGrams:    cfg.Ingest.MaxGrams,
			DedupWindow: cfg.Ingest.DedupWindow,
		}),
		WeighIns: app.NewWeighInService(db, db, metrics, audit, logger),
		Sync: app.NewSyncService(db, domain.DefaultTables(), metrics, audit, logger, app.SyncOptions{
			DefaultLimit: cfg.Sync.DefaultLimit,
			MaxLimit:     cfg.Sync.MaxLimit,
		}),
		Auth:    auth,
		Metrics: metrics,
	}, nil
}

func newAuthService(ctx context.Context, cfg *config.Config, db store, audit app.AuditSink) (*app.AuthService, error) {
	var idp app.IdentityProvider
	if cfg.Auth.OIDCIssuer != "" {
		p, err := app.NewOIDCProvider(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			return nil, err
		}
		idp = p
	}
	return app.NewAuthService(db, db, idp, audit, app.AuthOptions{
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}), nil
}

func newRateLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (domain.RateLimiter, error) {
	if cfg.Redis.Addr == "" {
		return app.NewMemoryRateLimiter(cfg.Ingest.RateLimit, cfg.Ingest.RateWindow), nil
	}
	client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	logger.Info("using shared rate window", zap.String("redis", cfg.Redis.Addr))
	return redis.NewRateLimiter(client, cfg.Ingest.RateLimit, cfg.Ingest.RateWindow), nil
}
