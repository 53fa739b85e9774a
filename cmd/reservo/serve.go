package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"reservo/internal/api"
	"reservo/internal/config"
	"reservo/internal/health"
	"reservo/internal/metrics"
	"reservo/internal/store/sqlstore"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recovery sweep, then serve the API with timers, sync and notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &a.logger)
	}

	if sq, ok := a.store.(*sqlstore.Store); ok && cfg.Database.Backup.Enabled {
		b := sqlstore.NewBackupService(sq, sqlstore.BackupConfig{
			Dir:           cfg.Database.Backup.Dir,
			Interval:      cfg.BackupInterval(),
			RetentionDays: cfg.Database.Backup.RetentionDays,
		}, &a.logger)
		go b.Run(ctx)
	}

	if err := a.wireNotifiers(); err != nil {
		return err
	}
	for _, d := range a.dispatchers {
		d.Start(ctx)
	}
	if err := a.wireSyncer(ctx); err != nil {
		return err
	}

	// Deadlines missed while the process was down are resolved before any request is served.
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	defer a.scheduler.Stop()
	go a.scheduler.Run(ctx)

	a.syncer.Start(ctx)
	defer a.syncer.Stop()

	err := config.WatchSlots(ctx, cfg.Catalog.Path, cfg.CatalogWatchInterval(), &a.logger, func(sc *config.SlotsConfig) {
		a.catalog.Apply(ctx, sc)
	})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.logger.Warn().Str("path", cfg.Catalog.Path).Msg("slot catalog not found, slots come from the API only")
	case err != nil:
		return fmt.Errorf("slot catalog: %w", err)
	}

	checker := health.NewChecker(&a.logger)
	checker.Add("store", a.store)
	if a.rdb != nil {
		checker.Add("redis", health.RedisPinger(a.rdb))
	}
	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go checker.Serve(ctx, cfg.Monitoring.HealthCheckPort)
	if cfg.Monitoring.GRPCHealthPort > 0 {
		go func() {
			if err := checker.ServeGRPC(ctx, cfg.Monitoring.GRPCHealthPort, cfg.HealthRefreshInterval()); err != nil {
				a.logger.Error().Err(err).Msg("grpc health server error")
			}
		}()
	}

	srv := api.NewHTTPServer(cfg.HTTP.Address, a.engine, a.manager, a.syncer, a.catalog, cfg.HTTP.APIKeys, &a.logger)
	a.logger.Info().Str("addr", cfg.HTTP.Address).Str("store", cfg.Database.Driver).Str("timers", cfg.Timers.Backend).Msg("reservo started")
	return srv.Start(ctx)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
