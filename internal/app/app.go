// Package app wires configuration, infrastructure, and the control-plane
// components together and runs the process in either "api" or "worker" mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fleetforge/controlplane/internal/agentclient"
	"github.com/fleetforge/controlplane/internal/ciclient"
	"github.com/fleetforge/controlplane/internal/config"
	"github.com/fleetforge/controlplane/internal/driver"
	"github.com/fleetforge/controlplane/internal/httpserver"
	"github.com/fleetforge/controlplane/internal/platform"
	"github.com/fleetforge/controlplane/internal/provisioner"
	"github.com/fleetforge/controlplane/internal/ratelimit"
	"github.com/fleetforge/controlplane/internal/reconciler"
	"github.com/fleetforge/controlplane/internal/retry"
	"github.com/fleetforge/controlplane/internal/scaler"
	"github.com/fleetforge/controlplane/internal/store"
	"github.com/fleetforge/controlplane/internal/telemetry"
)

// Run is the process entry point: it connects to infrastructure and starts
// the runtime appropriate to cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetforge", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	} else {
		logger.Info("redis disabled (REDIS_URL not set); host-registration rate limiting is a no-op")
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	st := store.New(db)
	retryPolicy := retry.Policy{Attempts: cfg.RetryAttempts, SleepFor: time.Duration(cfg.RetrySleepSec) * time.Second}
	ci := ciclient.New(cfg.CIBaseURL, cfg.CIUser, cfg.CIAPIToken, retryPolicy)

	agentFor := func(hostID string) (*agentclient.Client, error) {
		host, err := st.GetHost(ctx, hostID)
		if err != nil {
			return nil, fmt.Errorf("looking up host %s for agent client: %w", hostID, err)
		}
		baseURL := host.Addr
		if baseURL == "" {
			baseURL = cfg.AgentBaseURL
		}
		return agentclient.New(baseURL, cfg.AgentAuthToken, retryPolicy), nil
	}

	prov := provisioner.New(provisioner.Deps{
		Store: st,
		CI:    ci,
		AgentFor: func(hostID string) (provisioner.Agent, error) {
			return agentFor(hostID)
		},
		CIBaseURL:          cfg.CIBaseURL,
		BaseImageID:        cfg.BaseImageID,
		ConnectDeadlineSec: cfg.ConnectDeadlineSec,
		VMTTLSec:           cfg.VMTTLSec,
	})

	sc := scaler.New(st, ci, prov, scaler.Config{
		LoopInterval:     time.Duration(cfg.LoopIntervalSec) * time.Second,
		GlobalMaxVMs:     cfg.GlobalMaxVMs,
		LabelMaxInflight: cfg.LabelMaxInflight,
		LabelBurst:       cfg.LabelBurst,
		HostStaleTimeout: time.Duration(cfg.HostStaleTimeoutSec) * time.Second,
	}, logger)

	rec := reconciler.New(reconciler.Deps{
		Store: st,
		CI:    ci,
		AgentFor: func(hostID string) (reconciler.Agent, error) {
			return agentFor(hostID)
		},
		DisconnectedGraceSec: cfg.DisconnectedGraceSec,
	}, logger)

	drv := &driver.Driver{
		Scaler:           sc,
		Reconciler:       rec,
		Store:            st,
		Logger:           logger,
		LoopInterval:     time.Duration(cfg.LoopIntervalSec) * time.Second,
		GCInterval:       time.Duration(cfg.GCIntervalSec) * time.Second,
		HostStaleTimeout: time.Duration(cfg.HostStaleTimeoutSec) * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, st, metricsReg, agentFor, drv)
	case "worker":
		return runWorker(ctx, logger, drv)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, st *store.Store, metricsReg *prometheus.Registry, agentFor func(string) (*agentclient.Client, error), drv *driver.Driver) error {
	rl := ratelimit.New(rdb, 10, 15*time.Minute)

	srv := httpserver.NewServer(cfg, logger, db, st, metricsReg, rl, agentFor)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if !cfg.DisableBackgroundLoops {
		go func() {
			if err := drv.Run(ctx); err != nil {
				logger.Error("driver stopped with error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, drv *driver.Driver) error {
	logger.Info("worker started")
	return drv.Run(ctx)
}
