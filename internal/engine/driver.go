package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// DefaultMaxWorkers is the worker pool size when nothing is configured.
const DefaultMaxWorkers = 1

// Driver plans and runs flow definitions headlessly. It owns no state
// beyond the set of live runs; every run gets a fresh context, variable
// store, and queue so concurrent jobs cannot contaminate each other.
type Driver struct {
	registry          *Registry
	log               logger.Logger
	metrics           *metrics.Metrics
	tracer            trace.Tracer
	sink              ProgressSink
	maxWorkers        int
	continueOnFailure bool

	mu   sync.RWMutex
	runs map[string]*Run
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithWorkers sets the default worker pool size for runs.
func WithWorkers(n int) DriverOption {
	return func(d *Driver) { d.maxWorkers = n }
}

// WithLogger attaches a structured logger.
func WithLogger(log logger.Logger) DriverOption {
	return func(d *Driver) { d.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

// WithTracer attaches an OpenTelemetry tracer; each run becomes a span.
func WithTracer(t trace.Tracer) DriverOption {
	return func(d *Driver) { d.tracer = t }
}

// WithProgressSink attaches a sink for run progress events.
func WithProgressSink(sink ProgressSink) DriverOption {
	return func(d *Driver) { d.sink = sink }
}

// WithContinueOnFailure keeps scheduling ready nodes after a failure
// instead of halting the whole run.
func WithContinueOnFailure() DriverOption {
	return func(d *Driver) { d.continueOnFailure = true }
}

// NewDriver creates a driver over the given executor registry.
func NewDriver(registry *Registry, opts ...DriverOption) *Driver {
	d := &Driver{
		registry:   registry,
		maxWorkers: DefaultMaxWorkers,
		runs:       make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunRequest describes one flow run.
type RunRequest struct {
	Definition *flow.Definition

	// Variables are seeded into the run's store after the definition's own
	// variables, so request values win.
	Variables map[string]string

	// PriorResults restores a previous run's results. When ClearResults is
	// false, nodes with successful prior results are skipped.
	PriorResults map[string]flow.Result
	ClearResults bool

	MaxWorkers int // 0 means the driver default
	JobID      string
	SessionID  string

	// RunID fixes the run's id. Empty means a fresh UUID; hosts set it when
	// they need to address the run before StartRun returns.
	RunID string

	// Sink receives this run's progress events in addition to the driver's
	// own sink. Hosts use it to route events to per-run transports.
	Sink ProgressSink

	// OnResults and OnNodeData are installed on the run's context before
	// scheduling starts, so hosts observe every mutation.
	OnResults  func(delta map[string]flow.Result)
	OnNodeData func(id string, partial map[string]interface{})
}

// RunSummary is the outcome of a finished run.
type RunSummary struct {
	RunID      string                 `json:"runId"`
	Success    bool                   `json:"success"`
	Executed   int                    `json:"executed"`
	Failed     int                    `json:"failed"`
	Skipped    int                    `json:"skipped"`
	DurationMS int64                  `json:"duration_ms"`
	Results    map[string]flow.Result `json:"execution_results"`
}

// Run is a live or finished flow execution.
type Run struct {
	ID         string
	JobID      string
	SessionID  string
	Definition *flow.Definition
	Queue      *QueueManager
	Context    *StandaloneContext
	StartedAt  time.Time

	cancel   context.CancelFunc
	finished chan struct{}

	mu      sync.RWMutex
	summary *RunSummary
}

// Wait blocks until the run finishes and returns its summary.
func (r *Run) Wait() *RunSummary {
	<-r.finished
	return r.Summary()
}

// Done is closed once the summary is available.
func (r *Run) Done() <-chan struct{} {
	return r.finished
}

// Summary returns the run outcome, or nil while still executing.
func (r *Run) Summary() *RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary
}

// Stop requests a user stop; in-flight nodes finish naturally.
func (r *Run) Stop() {
	r.Queue.Stop()
}

// StartRun validates, plans, and launches a run without blocking.
func (d *Driver) StartRun(ctx context.Context, req RunRequest) (*Run, error) {
	if req.Definition == nil {
		return nil, errors.New("nil flow definition")
	}
	def := req.Definition
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	workers := req.MaxWorkers
	if workers <= 0 {
		workers = d.maxWorkers
	}

	vars := variable.NewStore()
	for name, value := range def.Variables {
		vars.Upsert(name, value, "", "")
	}
	for name, value := range req.Variables {
		vars.Upsert(name, value, "", "")
	}

	ec := NewStandaloneContext(def.Nodes, def.Edges, vars)
	ec.SetExecuteFunc(d.executeSingle(ec))
	ec.OnResults = req.OnResults
	ec.OnNodeData = req.OnNodeData

	sink := d.sink
	if req.Sink != nil {
		if sink != nil {
			combined := NewBroadcaster()
			combined.Attach(sink)
			combined.Attach(req.Sink)
			sink = combined
		} else {
			sink = req.Sink
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	queue := NewQueueManager(QueueConfig{
		MaxWorkers:        workers,
		Registry:          d.registry,
		Context:           ec,
		Sink:              sink,
		Log:               d.log,
		JobID:             req.JobID,
		SessionID:         req.SessionID,
		ContinueOnFailure: d.continueOnFailure,
	})

	if !req.ClearResults && len(req.PriorResults) > 0 {
		ec.SetResults(req.PriorResults)
		var doneIDs []string
		for id, result := range req.PriorResults {
			if result.Success {
				doneIDs = append(doneIDs, id)
			}
		}
		queue.SeedCompleted(doneIDs)
	}

	for _, task := range planTasks(def) {
		queue.Enqueue(task.node, task.priority, task.deps)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := &Run{
		ID:         runID,
		JobID:      req.JobID,
		SessionID:  req.SessionID,
		Definition: def,
		Queue:      queue,
		Context:    ec,
		StartedAt:  time.Now(),
		cancel:     cancel,
		finished:   make(chan struct{}),
	}

	d.mu.Lock()
	d.runs[run.ID] = run
	d.mu.Unlock()

	var span trace.Span
	if d.tracer != nil {
		runCtx, span = d.tracer.Start(runCtx, "flow.run", trace.WithAttributes(
			attribute.String("flow.name", def.Name),
			attribute.String("run.id", run.ID),
			attribute.Int("flow.nodes", len(def.Nodes)),
			attribute.Int("flow.workers", workers),
		))
	}
	if d.metrics != nil {
		d.metrics.RunsInProgress.Inc()
	}
	if d.log != nil {
		d.log.Info("flow run started",
			"run_id", run.ID,
			"flow", def.Name,
			"nodes", len(def.Nodes),
			"workers", workers,
			"job_id", req.JobID)
	}

	ec.SetExecuting(true)
	queue.Start(runCtx)

	go d.finalize(run, span)
	return run, nil
}

// Run executes a flow to quiescence and returns its summary.
func (d *Driver) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	run, err := d.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// GetRun looks up a run by id.
func (d *Driver) GetRun(id string) (*Run, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	run, ok := d.runs[id]
	return run, ok
}

// StopRun requests a user stop on a live run.
func (d *Driver) StopRun(id string) error {
	run, ok := d.GetRun(id)
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Stop()
	return nil
}

// ListRuns returns all tracked runs.
func (d *Driver) ListRuns() []*Run {
	d.mu.RLock()
	defer d.mu.RUnlock()

	runs := make([]*Run, 0, len(d.runs))
	for _, run := range d.runs {
		runs = append(runs, run)
	}
	return runs
}

// CleanupOldRuns drops finished runs older than maxAge and reports how many
// were removed.
func (d *Driver) CleanupOldRuns(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, run := range d.runs {
		if run.Summary() == nil {
			continue
		}
		if run.StartedAt.Before(cutoff) {
			delete(d.runs, id)
			removed++
		}
	}
	return removed
}

// finalize waits for quiescence, seals the summary, and records telemetry.
func (d *Driver) finalize(run *Run, span trace.Span) {
	run.Queue.Wait()

	summary := d.buildSummary(run)
	run.mu.Lock()
	run.summary = summary
	run.mu.Unlock()

	run.Context.SetExecuting(false)
	run.cancel()
	close(run.finished)

	status := "success"
	if !summary.Success {
		status = "failed"
	}

	if d.metrics != nil {
		d.metrics.RunsInProgress.Dec()
		d.metrics.RunsTotal.WithLabelValues(status).Inc()
		d.metrics.RunDuration.Observe(float64(summary.DurationMS) / 1000)
		for _, item := range run.Queue.Snapshot() {
			d.metrics.NodeExecutionsTotal.WithLabelValues(item.Node.Kind, string(item.Status)).Inc()
			if item.StartedAtMS != 0 && item.EndedAtMS >= item.StartedAtMS {
				d.metrics.NodeExecutionDuration.WithLabelValues(item.Node.Kind).
					Observe(float64(item.EndedAtMS-item.StartedAtMS) / 1000)
			}
		}
	}
	if span != nil {
		span.SetAttributes(
			attribute.Bool("flow.success", summary.Success),
			attribute.Int("flow.executed", summary.Executed),
			attribute.Int("flow.failed", summary.Failed),
			attribute.Int("flow.skipped", summary.Skipped),
		)
		span.End()
	}
	if d.log != nil {
		d.log.Info("flow run finished",
			"run_id", run.ID,
			"status", status,
			"executed", summary.Executed,
			"failed", summary.Failed,
			"skipped", summary.Skipped,
			"duration_ms", summary.DurationMS,
			"job_id", run.JobID)
	}
}

func (d *Driver) buildSummary(run *Run) *RunSummary {
	executed, failed, leftover := 0, 0, 0
	for _, item := range run.Queue.Snapshot() {
		switch item.Status {
		case StatusCompleted:
			executed++
		case StatusFailed:
			failed++
		default:
			// Unrunnable work whose dependencies never settle (cycles).
			leftover++
		}
	}

	startMS, endMS := run.Queue.FlowWindow()
	var durationMS int64
	if startMS != 0 && endMS >= startMS {
		durationMS = endMS - startMS
	}

	return &RunSummary{
		RunID:      run.ID,
		Success:    failed == 0,
		Executed:   executed,
		Failed:     failed,
		Skipped:    run.Queue.SkippedCount() + leftover,
		DurationMS: durationMS,
		Results:    run.Context.GetResults(),
	}
}

// executeSingle adapts the registry for the context's ExecuteNode seam, so
// hosts can run one node outside a full flow.
func (d *Driver) executeSingle(ec Context) ExecuteFunc {
	return func(ctx context.Context, id string) error {
		node, ok := ec.GetNode(id)
		if !ok {
			return fmt.Errorf("node %s not found", id)
		}
		executor, ok := d.registry.Resolve(node)
		if !ok {
			ec.SetResults(map[string]flow.Result{id: {Success: true}})
			return nil
		}
		return executor.Execute(ctx, node, ec)
	}
}
