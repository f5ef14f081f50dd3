package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainflow-ai/chainflow/internal/batch"
	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/executor"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
	"github.com/chainflow-ai/chainflow/internal/platform/telemetry"
	"github.com/chainflow-ai/chainflow/internal/state"
)

type varFlags []string

func (v *varFlags) String() string { return fmt.Sprint(*v) }

func (v *varFlags) Set(value string) error {
	*v = append(*v, value)
	return nil
}

func main() {
	var (
		flowPath = flag.String("flow", "", "path to the flow definition file")
		flowID   = flag.String("flow-id", "", "flow id for persistence and resume (defaults to the flow name)")
		cronSpec = flag.String("cron", "", "cron spec for recurring runs; empty runs once")
		resume   = flag.Bool("resume", false, "seed completed nodes from the flow's latest saved run")
		workers  = flag.Int("workers", 0, "worker pool size override")
		vars     varFlags
	)
	flag.Var(&vars, "var", "variable overlay, name=value (repeatable)")
	flag.Parse()

	if *flowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: runner --flow <path> [--var k=v]... [--cron <spec>] [--resume]")
		os.Exit(2)
	}

	cfg, err := config.Load("runner")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting ChainFlow Runner", "version", cfg.Version, "flow", *flowPath)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Close(ctx)
	}()

	def, err := batch.LoadFlowFile(*flowPath)
	if err != nil {
		log.Fatal("failed to load flow", "error", err)
	}

	overlay, err := batch.ParseVarFlags(vars)
	if err != nil {
		log.Fatal("invalid --var flag", "error", err)
	}

	id := *flowID
	if id == "" {
		id = def.Name
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("chainflow")

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
		engine.WithProgressSink(engine.NewLogSink(log)),
	}
	if tel.Tracer() != nil {
		driverOpts = append(driverOpts, engine.WithTracer(tel.Tracer()))
	}
	if cfg.Engine.ContinueOnFailure {
		driverOpts = append(driverOpts, engine.WithContinueOnFailure())
	}
	driver := engine.NewDriver(registry, driverOpts...)

	runner := batch.NewRunner(batch.RunnerConfig{
		Driver: driver,
		Store:  store,
		Kafka:  cfg.Kafka,
		Log:    log,
	})

	opts := batch.RunOptions{
		Definition: def,
		Variables:  overlay,
		FlowID:     id,
		Resume:     *resume,
		Workers:    *workers,
	}

	if *cronSpec != "" {
		scheduler := batch.NewScheduler(runner, log)
		if err := scheduler.Schedule(ctx, *cronSpec, opts); err != nil {
			log.Fatal("invalid cron spec", "spec", *cronSpec, "error", err)
		}
		scheduler.Start()
		log.Info("runner scheduled", "cron", *cronSpec, "flow_id", id)

		<-ctx.Done()
		log.Info("received shutdown signal")
		scheduler.Stop()
		log.Info("ChainFlow Runner stopped gracefully")
		return
	}

	summary, err := runner.RunOnce(ctx, opts)
	if err != nil {
		log.Fatal("run failed", "error", err)
	}

	log.Info("run finished",
		"run_id", summary.RunID,
		"success", summary.Success,
		"executed", summary.Executed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration_ms", summary.DurationMS)

	if summary.Failed > 0 {
		os.Exit(1)
	}
}
