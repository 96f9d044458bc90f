package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chainhandlers "github.com/bithedge/backend/internal/chain/handlers"
	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/di"
	oraclehandlers "github.com/bithedge/backend/internal/modules/oracle/handlers"
	policyhandlers "github.com/bithedge/backend/internal/modules/policies/handlers"
	poolhandlers "github.com/bithedge/backend/internal/modules/pool/handlers"
	quotehandlers "github.com/bithedge/backend/internal/modules/quotes/handlers"
	"github.com/bithedge/backend/internal/scheduler"
	"github.com/bithedge/backend/internal/server"
	"github.com/bithedge/backend/pkg/logger"
)

func main() {
	// Load configuration first so the logger honours LOG_LEVEL
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().
		Str("network", string(cfg.Network)).
		Str("data_dir", cfg.DataDir).
		Msg("Starting BitHedge backend")

	// Root context for background work; canceled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the dependency graph
	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Websocket trade stream supplements the REST feeds when configured
	if container.Stream != nil {
		go container.Stream.Run(ctx)
		go container.Ingestor.ConsumeStream(ctx, container.StreamTicks)
	}

	// Scheduler and background jobs
	sched := scheduler.New(log)
	if err := registerJobs(ctx, sched, container, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()

	// HTTP server
	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		DevMode: cfg.DevMode,
		System: server.NewSystemHandlers(log, cfg.DataDir,
			container.OracleDB, container.PolicyDB, container.PoolDB, container.ChainDB),
		Modules: []server.RouteRegistrar{
			oraclehandlers.NewHandler(container.OracleRepo, log),
			quotehandlers.NewHandler(container.QuoteEngine, log),
			poolhandlers.NewHandler(container.PoolService, log),
			policyhandlers.NewHandler(container.Orchestrator, log),
			chainhandlers.NewHandler(container.TxRepo, log),
		},
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop accepting HTTP traffic, then drain the scheduler, then cancel
	// background work. In-flight transactions are picked up again on restart
	// by the reconcile job.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sched.Stop()
	cancel()

	log.Info().Msg("Server stopped")
}

func registerJobs(ctx context.Context, sched *scheduler.Scheduler, c *di.Container, cfg *config.Config) error {
	every := func(d time.Duration) string { return fmt.Sprintf("@every %s", d) }

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{every(cfg.IngestInterval), scheduler.NewPriceIngestJob(ctx, c.Ingestor)},
		{every(cfg.AggregateInterval), scheduler.NewAggregateJob(c.Aggregator)},
		{every(cfg.SubmitInterval), scheduler.NewOracleSubmitJob(ctx, c.Submitter)},
		{every(cfg.ExpirationInterval), scheduler.NewExpirationJob(ctx, c.Expirer)},
		{every(cfg.EventPollInterval), scheduler.NewEventPollJob(ctx, c.EventProcessor)},
		{"@every 30s", scheduler.NewTxReconcileJob(ctx, c.Engine)},
		// Daily jobs run in the quiet early-morning window
		{"0 5 0 * * *", scheduler.NewDailyRollupJob(c.Rollup)},
		{"0 10 0 * * *", scheduler.NewVolatilityJob(c.VolatilityEngine)},
		{"0 0 2 * * *", scheduler.NewMaintenanceJob(ctx, c.Databases(), c.Log)},
	}

	if c.BackupService != nil {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"0 0 3 * * *", scheduler.NewBackupJob(ctx, c.BackupService)})
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register %s: %w", j.job.Name(), err)
		}
	}
	return nil
}
