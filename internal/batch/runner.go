// Package batch runs flows headlessly: one-shot from a flow file, or on a
// cron schedule.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/messaging/kafka"
	"github.com/chainflow-ai/chainflow/internal/state"
)

// RunnerConfig wires a batch runner.
type RunnerConfig struct {
	Driver *engine.Driver
	Store  state.Store
	Kafka  config.KafkaConfig
	Log    logger.Logger
}

// Runner executes flow files through the driver, persisting outcomes when a
// state store is configured.
type Runner struct {
	driver *engine.Driver
	store  state.Store
	kafka  config.KafkaConfig
	log    logger.Logger
}

// NewRunner creates a batch runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		driver: cfg.Driver,
		store:  cfg.Store,
		kafka:  cfg.Kafka,
		log:    cfg.Log,
	}
}

// RunOptions describes one batch execution.
type RunOptions struct {
	Definition *flow.Definition

	// Variables overlay the definition's own variables; request values win.
	Variables map[string]string

	// FlowID keys persistence and resume lookups.
	FlowID string

	// Resume seeds completed nodes from the flow's latest saved record.
	Resume bool

	Workers int
}

// LoadFlowFile reads and validates a flow definition from disk.
func LoadFlowFile(path string) (*flow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}
	return flow.ParseDefinition(data)
}

// ParseVarFlags turns repeated "k=v" flag values into a variable overlay.
func ParseVarFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(flags))
	for _, raw := range flags {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable flag %q, want name=value", raw)
		}
		vars[name] = value
	}
	return vars, nil
}

// RunOnce executes the flow to quiescence and returns its summary.
func (r *Runner) RunOnce(ctx context.Context, opts RunOptions) (*engine.RunSummary, error) {
	if opts.Definition == nil {
		return nil, errors.New("no flow definition")
	}

	req := engine.RunRequest{
		Definition:   opts.Definition,
		Variables:    opts.Variables,
		MaxWorkers:   opts.Workers,
		ClearResults: true,
	}

	if opts.Resume {
		if r.store == nil {
			return nil, errors.New("resume requested but no state store configured")
		}
		if opts.FlowID == "" {
			return nil, errors.New("resume requested but no flow id")
		}
		prior, err := r.store.LoadLatest(ctx, opts.FlowID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("failed to load prior run for %s: %w", opts.FlowID, err)
		}
		if prior != nil {
			req.PriorResults = prior.Results
			req.ClearResults = false
			if r.log != nil {
				r.log.Info("resuming from prior run",
					"flow_id", opts.FlowID,
					"prior_run_id", prior.RunID,
					"completed_nodes", len(prior.CompletedNodeIDs))
			}
		}
	}

	var publisher *kafka.ProgressPublisher
	if r.kafka.Enabled && len(r.kafka.Brokers) > 0 {
		var err error
		publisher, err = kafka.NewProgressPublisher(kafka.Config{
			Brokers:     r.kafka.Brokers,
			TopicPrefix: r.kafka.TopicPrefix,
		}, r.log)
		if err != nil {
			if r.log != nil {
				r.log.Warn("kafka publisher unavailable, continuing without it", "error", err)
			}
		} else {
			req.Sink = publisher
			defer publisher.Close()
		}
	}

	summary, err := r.driver.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	if r.store != nil {
		r.persist(ctx, opts.FlowID, summary)
	}
	return summary, nil
}

func (r *Runner) persist(ctx context.Context, flowID string, summary *engine.RunSummary) {
	var completed []string
	for id, result := range summary.Results {
		if result.Success {
			completed = append(completed, id)
		}
	}

	record := state.RunRecord{
		RunID:            summary.RunID,
		FlowID:           flowID,
		Results:          summary.Results,
		CompletedNodeIDs: completed,
		Summary:          summary,
	}
	if err := r.store.SaveRun(ctx, record); err != nil && r.log != nil {
		r.log.Error("failed to persist run record", "run_id", summary.RunID, "error", err)
	}
}
