package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/executor"
	"github.com/chainflow-ai/chainflow/internal/gateway"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/health"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
	"github.com/chainflow-ai/chainflow/internal/platform/telemetry"
	"github.com/chainflow-ai/chainflow/internal/state"
)

func main() {
	cfg, err := config.Load("gateway")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting ChainFlow Gateway", "version", cfg.Version, "port", cfg.HTTP.Port)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Close(ctx)
	}()

	m := metrics.NewMetrics("chainflow")

	ctx := context.Background()

	store, err := state.Open(ctx, cfg.State, log)
	if err != nil {
		log.Fatal("failed to open state store", "error", err)
	}
	defer store.Close()

	registry, err := executor.BuildRegistry(ctx, cfg, log, m)
	if err != nil {
		log.Fatal("failed to build executor registry", "error", err)
	}

	driverOpts := []engine.DriverOption{
		engine.WithWorkers(cfg.Engine.MaxWorkers),
		engine.WithLogger(log),
		engine.WithMetrics(m),
	}
	if tel.Tracer() != nil {
		driverOpts = append(driverOpts, engine.WithTracer(tel.Tracer()))
	}
	if cfg.Engine.ContinueOnFailure {
		driverOpts = append(driverOpts, engine.WithContinueOnFailure())
	}
	driver := engine.NewDriver(registry, driverOpts...)

	hub := gateway.NewHub(log, m)
	go hub.Run()

	runs := gateway.NewRunManager(gateway.RunManagerConfig{
		Driver: driver,
		Hub:    hub,
		Store:  store,
		Kafka:  cfg.Kafka,
		Log:    log,
	})

	checks := health.NewHandler(cfg.Service.Name, cfg.Version)
	checks.AddCheck("state", health.PingChecker(store.Ping))

	srv := gateway.NewServer(gateway.ServerConfig{
		Runs:    runs,
		Hub:     hub,
		Health:  checks,
		Metrics: m,
		Log:     log,
		HTTP:    cfg.HTTP,
	})

	// Drop finished runs past the retention window.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if removed := driver.CleanupOldRuns(cfg.Engine.RunRetention); removed > 0 {
				log.Info("cleaned up old runs", "removed", removed)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("ChainFlow Gateway stopped gracefully")
}
