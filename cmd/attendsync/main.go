package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danny20232023/hris-sub010/internal/attendance"
	"github.com/danny20232023/hris-sub010/internal/authtoken"
	"github.com/danny20232023/hris-sub010/internal/config"
	"github.com/danny20232023/hris-sub010/internal/db"
	"github.com/danny20232023/hris-sub010/internal/httpapi"
	"github.com/danny20232023/hris-sub010/internal/identity"
	"github.com/danny20232023/hris-sub010/internal/metrics"
	"github.com/danny20232023/hris-sub010/internal/realtime"
	"github.com/danny20232023/hris-sub010/internal/syncworker"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		bootLogger := httpapi.NewLogger("info")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := httpapi.NewLoggerWithFormat(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var pool *db.Pool
	if cfg.Database.URL != "" {
		p, err := db.Open(ctx, cfg.Database.URL, db.Options{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
	} else {
		logger.Warn().Msg("database.url not set; sync and watch routes are disabled")
	}

	deps := httpapi.Deps{Metrics: m}
	var registry *realtime.Registry
	if pool != nil {
		q := pool.Queries()
		client := zk.NewClient(zk.Options{
			ConnectTimeout:      cfg.Device.ConnectTimeout,
			IOTimeout:           cfg.Device.IOTimeout,
			ReachabilityCeiling: cfg.Device.ReachabilityCeiling,
			Location:            cfg.Location(),
		})
		resolver := identity.NewResolver(q)
		engine := attendance.NewEngine(logger, q, resolver)
		deps.Sync = syncworker.New(logger, client, engine, q, syncworker.Options{
			Workers:             cfg.Sync.Workers,
			ReachabilityWorkers: cfg.Sync.ReachabilityWorkers,
			RunTimeout:          cfg.Sync.RunTimeout,
		}, m)

		issuer, err := authtoken.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Role)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create token issuer")
		}
		registry = realtime.NewRegistry(logger, client, q, resolver, issuer, realtime.Options{
			PollInterval:        cfg.Realtime.PollInterval,
			HealthCheckInterval: cfg.Realtime.HealthCheckInterval,
			Window:              cfg.Realtime.Window,
			PollTimeout:         cfg.Realtime.PollTimeout,
			BreakerFailures:     cfg.Realtime.BreakerFailures,
		}, m)
		deps.Watch = registry

		for _, id := range cfg.Realtime.AutoStart {
			if err := registry.Start(ctx, id); err != nil {
				logger.Error().Err(err).Int32("machine_id", id).Msg("auto-start watch failed")
			}
		}
	}

	h := httpapi.NewHandler(logger, pool, deps)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("attendsync listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if registry != nil {
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("realtime watches did not stop cleanly")
		}
	}
	logger.Info().Msg("shutdown complete")
}
