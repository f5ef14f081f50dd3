package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/messaging/kafka"
	"github.com/chainflow-ai/chainflow/internal/state"
)

// SubmitRequest is the POST /api/v1/runs body.
type SubmitRequest struct {
	Flow      flow.Definition   `json:"flow"`
	Variables map[string]string `json:"variables,omitempty"`
	Options   SubmitOptions     `json:"options,omitempty"`
}

// SubmitOptions tunes one run.
type SubmitOptions struct {
	Workers      int    `json:"workers,omitempty"`
	ClearResults bool   `json:"clearResults,omitempty"`
	FlowID       string `json:"flowId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
}

// RunManagerConfig wires a RunManager.
type RunManagerConfig struct {
	Driver *engine.Driver
	Hub    *Hub
	Store  state.Store
	Kafka  config.KafkaConfig
	Log    logger.Logger
}

// RunManager owns the gateway's live run sessions. Each session routes its
// context mutations and progress events to the hub channel `runs.<id>` and
// persists a RunRecord once the run settles.
type RunManager struct {
	driver *engine.Driver
	hub    *Hub
	store  state.Store
	kafka  config.KafkaConfig
	log    logger.Logger
}

// NewRunManager creates a run manager.
func NewRunManager(cfg RunManagerConfig) *RunManager {
	return &RunManager{
		driver: cfg.Driver,
		hub:    cfg.Hub,
		store:  cfg.Store,
		kafka:  cfg.Kafka,
		log:    cfg.Log,
	}
}

// hubSink routes progress events to the run's hub channel.
type hubSink struct {
	hub     *Hub
	channel string
}

func (s *hubSink) Publish(event engine.ProgressEvent) {
	s.hub.Broadcast(s.channel, string(event.Type), event)
}

// Start plans and launches a run. It returns as soon as the scheduler is
// live; progress streams over the hub.
func (m *RunManager) Start(ctx context.Context, req SubmitRequest) (*engine.Run, error) {
	runID := uuid.New().String()
	channel := RunChannel(runID)

	sink := engine.NewBroadcaster()
	if m.hub != nil {
		sink.Attach(&hubSink{hub: m.hub, channel: channel})
	}

	var publisher *kafka.ProgressPublisher
	if m.kafka.Enabled && len(m.kafka.Brokers) > 0 {
		var err error
		publisher, err = kafka.NewProgressPublisher(kafka.Config{
			Brokers:     m.kafka.Brokers,
			TopicPrefix: m.kafka.TopicPrefix,
			RunID:       runID,
		}, m.log)
		if err != nil {
			if m.log != nil {
				m.log.Warn("kafka publisher unavailable, continuing without it", "error", err)
			}
		} else {
			sink.Attach(publisher)
		}
	}

	runReq := engine.RunRequest{
		RunID:        runID,
		Definition:   &req.Flow,
		Variables:    req.Variables,
		ClearResults: req.Options.ClearResults,
		MaxWorkers:   req.Options.Workers,
		JobID:        req.Options.JobID,
		SessionID:    req.Options.SessionID,
		Sink:         sink,
	}

	if m.hub != nil {
		hub := m.hub
		runReq.OnResults = func(delta map[string]flow.Result) {
			hub.Broadcast(channel, "results", delta)
		}
		runReq.OnNodeData = func(id string, partial map[string]interface{}) {
			hub.Broadcast(channel, "node_data", map[string]interface{}{
				"nodeId": id,
				"data":   partial,
			})
		}
	}

	if !req.Options.ClearResults && m.store != nil && req.Options.FlowID != "" {
		if prior, err := m.store.LoadLatest(ctx, req.Options.FlowID); err == nil {
			runReq.PriorResults = prior.Results
		} else if err != state.ErrNotFound && m.log != nil {
			m.log.Warn("failed to load prior run", "flow_id", req.Options.FlowID, "error", err)
		}
	}

	run, err := m.driver.StartRun(ctx, runReq)
	if err != nil {
		if publisher != nil {
			publisher.Close()
		}
		return nil, err
	}

	go m.settle(run, req.Options.FlowID, publisher)
	return run, nil
}

// settle persists the run record after quiescence and releases per-run
// transports.
func (m *RunManager) settle(run *engine.Run, flowID string, publisher *kafka.ProgressPublisher) {
	summary := run.Wait()

	if publisher != nil {
		if err := publisher.Close(); err != nil && m.log != nil {
			m.log.Warn("failed to close kafka publisher", "run_id", run.ID, "error", err)
		}
	}

	if m.store == nil {
		return
	}

	var completed []string
	for id, result := range summary.Results {
		if result.Success {
			completed = append(completed, id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	record := state.RunRecord{
		RunID:            run.ID,
		FlowID:           flowID,
		Results:          summary.Results,
		CompletedNodeIDs: completed,
		Summary:          summary,
	}
	if err := m.store.SaveRun(ctx, record); err != nil {
		if m.log != nil {
			m.log.Error("failed to persist run record", "run_id", run.ID, "error", err)
		}
		return
	}

	scope := flowID
	if scope == "" {
		scope = "global"
	}
	if err := m.store.SaveVariables(ctx, scope, run.Context.Variables().All()); err != nil && m.log != nil {
		m.log.Warn("failed to persist variables", "run_id", run.ID, "error", err)
	}
}

// Get looks up a run by id.
func (m *RunManager) Get(id string) (*engine.Run, bool) {
	return m.driver.GetRun(id)
}

// List returns all tracked runs.
func (m *RunManager) List() []*engine.Run {
	return m.driver.ListRuns()
}

// Stop requests a user stop on a live run.
func (m *RunManager) Stop(id string) error {
	return m.driver.StopRun(id)
}
