package batch

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/chainflow-ai/chainflow/internal/platform/logger"
)

// Scheduler runs a flow on a cron schedule. Ticks that land while a run is
// still active are skipped, never queued.
type Scheduler struct {
	runner *Runner
	cron   *cron.Cron
	log    logger.Logger
	active int32
}

// NewScheduler creates a scheduler over the runner.
func NewScheduler(runner *Runner, log logger.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		cron:   cron.New(),
		log:    log,
	}
}

// Schedule registers the flow under a cron spec. The context bounds every
// triggered run.
func (s *Scheduler) Schedule(ctx context.Context, spec string, opts RunOptions) error {
	_, err := s.cron.AddFunc(spec, func() {
		if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
			if s.log != nil {
				s.log.Warn("previous run still active, skipping tick", "flow_id", opts.FlowID)
			}
			return
		}
		defer atomic.StoreInt32(&s.active, 0)

		summary, err := s.runner.RunOnce(ctx, opts)
		if err != nil {
			if s.log != nil {
				s.log.Error("scheduled run failed", "flow_id", opts.FlowID, "error", err)
			}
			return
		}
		if s.log != nil {
			s.log.Info("scheduled run finished",
				"flow_id", opts.FlowID,
				"run_id", summary.RunID,
				"executed", summary.Executed,
				"failed", summary.Failed)
		}
	})
	return err
}

// Start begins firing ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
