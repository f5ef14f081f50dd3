package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
)

// NodeStatus is the lifecycle state of a queued node.
type NodeStatus string

const (
	StatusWaiting   NodeStatus = "waiting"
	StatusQueued    NodeStatus = "queued"
	StatusExecuting NodeStatus = "executing"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
)

// StopMessage is recorded on every pending item when a run is stopped.
const StopMessage = "Flow stopped by user"

// FailStopMessage is recorded on pending items that never ran because an
// earlier failure halted the run.
const FailStopMessage = "Flow stopped after failure"

// MaxWorkerSlots bounds the concurrent executor invocations per run.
const MaxWorkerSlots = 25

// QueueItem is one node's entry in the scheduler.
type QueueItem struct {
	Node            *flow.Node
	Priority        int
	Dependencies    []string
	Status          NodeStatus
	AddedAt         int64 // admission sequence, breaks priority ties
	WorkerSlot      int
	StartedAtMS     int64
	EndedAtMS       int64
	RelativeStartMS int64
	RelativeEndMS   int64
	Error           string
	Output          interface{}
	Stats           *flow.Stats
}

// QueueStats is the listener-facing snapshot of scheduler state.
type QueueStats struct {
	TotalQueued          int     `json:"totalQueued"`
	Executing            int     `json:"executing"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Waiting              int     `json:"waiting"`
	ActiveWorkers        int     `json:"activeWorkers"`
	MaxWorkers           int     `json:"maxWorkers"`
	AverageExecutionTime float64 `json:"averageExecutionTime"`
}

// QueueConfig configures a QueueManager for a single run.
type QueueConfig struct {
	MaxWorkers int
	Registry   *Registry
	Context    Context
	Sink       ProgressSink  // optional, receives ProgressEvents
	Log        logger.Logger // optional
	JobID      string        // optional identity attached to log lines
	SessionID  string

	// ContinueOnFailure keeps admitting ready work after a task fails.
	// Off by default: a failure halts the run to conserve paid tokens,
	// and every still-pending item fails once the pool drains.
	ContinueOnFailure bool
}

type badgeUpdate struct {
	nodeID    string
	status    NodeStatus
	lastError string
}

// QueueManager schedules one flow run: it admits dependency-satisfied items
// to a bounded pool of worker slots in priority order, cascades failures to
// downstream items, and notifies listeners on every state change.
//
// Any task failure sets an internal stop flag: new admissions halt,
// in-flight work finishes naturally, and the remaining pending items fail
// once the pool drains. A user stop fails all pending items immediately.
// The manager is single-use: one run per instance.
type QueueManager struct {
	mu sync.Mutex

	registry  *Registry
	ec        Context
	sink      ProgressSink
	log       logger.Logger
	jobID     string
	sessionID string

	order []*QueueItem
	index map[string]*QueueItem
	seq   int64

	maxWorkers int
	slots      []string // slot index -> node id, "" when free
	active     int

	completedIDs map[string]bool
	failedIDs    map[string]bool
	skipped      int

	shouldStop        bool // set by any failure, halts new admissions
	stopRequested     bool // set by Stop or context cancellation
	continueOnFailure bool

	started  bool
	finished bool
	total    int // item count snapshot at Start, keeps percentages stable

	flowStartMS int64
	flowEndMS   int64

	avgExecMS float64
	execCount int64

	pendingBadges []badgeUpdate
	pendingEvents []ProgressEvent

	listeners map[int64]func(QueueStats)
	nextSub   int64

	runCtx context.Context
	done   chan struct{}
}

// NewQueueManager creates a scheduler for one run. MaxWorkers below 1 is
// raised to 1, above MaxWorkerSlots is clamped.
func NewQueueManager(cfg QueueConfig) *QueueManager {
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > MaxWorkerSlots {
		workers = MaxWorkerSlots
	}

	return &QueueManager{
		registry:          cfg.Registry,
		ec:                cfg.Context,
		sink:              cfg.Sink,
		log:               cfg.Log,
		jobID:             cfg.JobID,
		sessionID:         cfg.SessionID,
		continueOnFailure: cfg.ContinueOnFailure,
		index:             make(map[string]*QueueItem),
		maxWorkers:        workers,
		slots:             make([]string, workers),
		completedIDs:      make(map[string]bool),
		failedIDs:         make(map[string]bool),
		listeners:         make(map[int64]func(QueueStats)),
		done:              make(chan struct{}),
	}
}

// SeedCompleted marks node ids as already done from a prior run, so
// re-enqueueing them is skipped and dependents treat them as satisfied.
func (m *QueueManager) SeedCompleted(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.completedIDs[id] = true
	}
}

// Enqueue adds a node with its dependencies. A node already seeded as
// completed counts as skipped and is not queued; a node already alive in
// the queue is ignored. Returns whether a new item was added.
func (m *QueueManager) Enqueue(node *flow.Node, priority int, deps []string) bool {
	m.mu.Lock()

	if m.completedIDs[node.ID] {
		m.skipped++
		m.mu.Unlock()
		return false
	}
	if _, alive := m.index[node.ID]; alive {
		m.mu.Unlock()
		return false
	}

	item := &QueueItem{
		Node:         node,
		Priority:     priority,
		Dependencies: dedupeStrings(deps),
		Status:       StatusWaiting,
		AddedAt:      m.seq,
		WorkerSlot:   -1,
	}
	m.seq++
	m.order = append(m.order, item)
	m.index[node.ID] = item
	m.pendingBadges = append(m.pendingBadges, badgeUpdate{nodeID: node.ID, status: StatusWaiting})
	running := m.started && !m.finished
	m.mu.Unlock()

	if running {
		m.pump()
	} else {
		m.flush(true)
	}
	return true
}

// Start snapshots the total, installs the cancellation watch, and begins
// scheduling. It does not block; use Wait for quiescence.
func (m *QueueManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.runCtx = ctx
	m.total = len(m.order)
	total := m.total
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Publish(NewExecutionStartEvent(total))
	}

	go m.watchCancel(ctx)
	go m.tick()
	m.pump()
}

// Stop requests a user stop: pending items fail with StopMessage, executing
// items finish naturally.
func (m *QueueManager) Stop() {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.stopRequested = true
	started := m.started
	m.mu.Unlock()
	if started {
		m.pump()
	}
}

// Wait blocks until the run reaches quiescence.
func (m *QueueManager) Wait() {
	<-m.done
}

// Done exposes the quiescence signal for select loops.
func (m *QueueManager) Done() <-chan struct{} {
	return m.done
}

// Subscribe registers a stats listener, invoked on every state change and
// at roughly 10 Hz while workers are active. The returned function
// unsubscribes.
func (m *QueueManager) Subscribe(listener func(QueueStats)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Stats returns the current snapshot.
func (m *QueueManager) Stats() QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// Snapshot copies out every queue item for summary building.
func (m *QueueManager) Snapshot() []QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueueItem, len(m.order))
	for i, item := range m.order {
		out[i] = *item
	}
	return out
}

// SkippedCount reports how many enqueue attempts were dropped via the
// seeded completed set.
func (m *QueueManager) SkippedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped
}

// FlowWindow returns the run's start and end timestamps in unix
// milliseconds. Zero means the run never admitted work or has not ended.
func (m *QueueManager) FlowWindow() (startMS, endMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flowStartMS, m.flowEndMS
}

// pump advances the scheduler: fail pendings on stop, promote ready items,
// admit queued items to free slots, and detect quiescence. Safe to call
// from any goroutine; all transitions happen under the manager lock.
func (m *QueueManager) pump() {
	m.mu.Lock()
	if !m.started || m.finished {
		m.mu.Unlock()
		m.flush(false)
		return
	}

	changed := false

	if m.stopRequested {
		for _, item := range m.order {
			if item.Status == StatusWaiting || item.Status == StatusQueued {
				m.failLocked(item, StopMessage)
				changed = true
			}
		}
	} else {
		// Promote to a fixpoint: each cascade can unlock further cascades.
		for {
			progressed := false
			for _, item := range m.order {
				if item.Status != StatusWaiting {
					continue
				}
				if names := m.failedDepNamesLocked(item); len(names) > 0 {
					m.failLocked(item, "Dependency failed: "+strings.Join(names, ", "))
					progressed = true
					continue
				}
				if m.depsCompletedLocked(item) {
					item.Status = StatusQueued
					m.pendingBadges = append(m.pendingBadges, badgeUpdate{nodeID: item.Node.ID, status: StatusQueued})
					progressed = true
				}
			}
			if !progressed {
				break
			}
			changed = true
		}

		if !m.shouldStop {
			for {
				slot := m.freeSlotLocked()
				if slot < 0 {
					break
				}
				item := m.nextQueuedLocked()
				if item == nil {
					break
				}
				m.admitLocked(item, slot)
				changed = true
			}
		}
	}

	// A failure stop reaches quiescence only once every pending item is
	// terminal: nothing is executing and nothing more will be admitted,
	// so the remainder fails now.
	if m.shouldStop && m.active == 0 {
		for {
			item := m.nextPendingLocked()
			if item == nil {
				break
			}
			if names := m.failedDepNamesLocked(item); len(names) > 0 {
				m.failLocked(item, "Dependency failed: "+strings.Join(names, ", "))
			} else {
				m.failLocked(item, FailStopMessage)
			}
			changed = true
		}
	}

	if m.active == 0 {
		m.finishLocked()
		changed = true
	}
	m.mu.Unlock()

	m.flush(changed)
}

// flush applies buffered node badges, publishes buffered progress events,
// and notifies stats listeners. It runs without the manager lock so host
// callbacks can safely re-enter the queue.
func (m *QueueManager) flush(changed bool) {
	m.mu.Lock()
	badges := m.pendingBadges
	events := m.pendingEvents
	m.pendingBadges = nil
	m.pendingEvents = nil
	m.mu.Unlock()

	for _, b := range badges {
		partial := map[string]interface{}{
			DataKeyQueueStatus: string(b.status),
			DataKeyIsExecuting: b.status == StatusExecuting,
		}
		if b.lastError != "" {
			partial[DataKeyLastError] = b.lastError
		}
		m.ec.UpdateNodeData(b.nodeID, partial)
	}
	if m.sink != nil {
		for _, ev := range events {
			m.sink.Publish(ev)
		}
	}
	if changed || len(badges) > 0 || len(events) > 0 {
		m.notify()
	}
}

// admitLocked moves a queued item into a worker slot and launches it.
func (m *QueueManager) admitLocked(item *QueueItem, slot int) {
	now := time.Now().UnixMilli()
	if m.flowStartMS == 0 {
		m.flowStartMS = now
	}
	item.Status = StatusExecuting
	item.WorkerSlot = slot
	item.StartedAtMS = now
	item.RelativeStartMS = now - m.flowStartMS
	m.slots[slot] = item.Node.ID
	m.active++
	m.pendingBadges = append(m.pendingBadges, badgeUpdate{nodeID: item.Node.ID, status: StatusExecuting})

	if m.log != nil {
		m.log.Debug("node admitted",
			"node_id", item.Node.ID,
			"worker", slot,
			"priority", item.Priority,
			"job_id", m.jobID)
	}

	go m.runItem(item, slot)
}

// runItem invokes the node's executor off the scheduler goroutine and
// settles the outcome. A panic inside an executor fails the item instead
// of crashing the run.
func (m *QueueManager) runItem(item *QueueItem, slot int) {
	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("executor panic: %v", r)
			}
		}()

		executor, ok := m.registry.Resolve(item.Node)
		if !ok {
			// Inert kind with no registered executor: trivially done.
			m.ec.SetResults(map[string]flow.Result{item.Node.ID: {Success: true}})
			return
		}
		execErr = executor.Execute(m.runCtx, item.Node, m.ec)
	}()

	m.settle(item, slot, execErr)
}

// settle records the outcome of one executed item, releases its slot, and
// re-enters the scheduler.
func (m *QueueManager) settle(item *QueueItem, slot int, execErr error) {
	m.mu.Lock()
	now := time.Now().UnixMilli()
	item.EndedAtMS = now
	item.RelativeEndMS = now - m.flowStartMS
	m.slots[slot] = ""
	m.active--
	m.observeExecLocked(now - item.StartedAtMS)

	result, ok := m.ec.GetResult(item.Node.ID)
	switch {
	case execErr != nil:
		m.failLocked(item, execErr.Error())
	case !ok:
		m.failLocked(item, fmt.Sprintf("no result recorded for node %s", item.Node.ID))
	case !result.Success:
		m.failLocked(item, result.Error)
	default:
		item.Status = StatusCompleted
		item.Output = result.Output
		item.Stats = result.Stats
		m.completedIDs[item.Node.ID] = true
		m.pendingBadges = append(m.pendingBadges, badgeUpdate{nodeID: item.Node.ID, status: StatusCompleted})
		event := NewNodeEvent(item.Node, StatusCompleted, m.progressLocked())
		event.DurationMS = item.EndedAtMS - item.StartedAtMS
		m.pendingEvents = append(m.pendingEvents, event)
	}

	if m.log != nil {
		if item.Status == StatusFailed {
			m.log.Warn("node failed",
				"node_id", item.Node.ID,
				"error", item.Error,
				"duration_ms", item.EndedAtMS-item.StartedAtMS,
				"job_id", m.jobID)
		} else {
			m.log.Info("node completed",
				"node_id", item.Node.ID,
				"duration_ms", item.EndedAtMS-item.StartedAtMS,
				"job_id", m.jobID)
		}
	}
	m.mu.Unlock()

	m.pump()
}

// failLocked marks an item failed, queues its badge and progress event, and
// sets the stop flag so no further admissions happen.
func (m *QueueManager) failLocked(item *QueueItem, message string) {
	item.Status = StatusFailed
	item.Error = message
	if item.EndedAtMS == 0 {
		item.EndedAtMS = time.Now().UnixMilli()
	}
	m.failedIDs[item.Node.ID] = true
	if !m.continueOnFailure {
		m.shouldStop = true
	}
	m.pendingBadges = append(m.pendingBadges, badgeUpdate{nodeID: item.Node.ID, status: StatusFailed, lastError: message})

	event := NewNodeEvent(item.Node, StatusFailed, m.progressLocked())
	event.Error = message
	if item.StartedAtMS != 0 {
		event.DurationMS = item.EndedAtMS - item.StartedAtMS
	}
	m.pendingEvents = append(m.pendingEvents, event)
}

// finishLocked seals the run exactly once and queues the completion event.
func (m *QueueManager) finishLocked() {
	if m.finished {
		return
	}
	m.finished = true
	if m.flowEndMS == 0 {
		m.flowEndMS = time.Now().UnixMilli()
	}

	stats := m.statsLocked()
	duration := time.Duration(0)
	if m.flowStartMS != 0 {
		duration = time.Duration(m.flowEndMS-m.flowStartMS) * time.Millisecond
	}
	m.pendingEvents = append(m.pendingEvents,
		NewExecutionCompleteEvent(stats.Completed, stats.Failed, m.total, duration))

	close(m.done)
}

func (m *QueueManager) watchCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.Stop()
	case <-m.done:
	}
}

// tick drives listener updates at ~10 Hz while any worker is active, so
// hosts can animate elapsed-time displays.
func (m *QueueManager) tick() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			active := m.active > 0
			m.mu.Unlock()
			if active {
				m.notify()
			}
		}
	}
}

func (m *QueueManager) notify() {
	m.mu.Lock()
	stats := m.statsLocked()
	listeners := make([]func(QueueStats), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(stats)
	}
}

func (m *QueueManager) statsLocked() QueueStats {
	stats := QueueStats{
		ActiveWorkers: m.active,
		MaxWorkers:    m.maxWorkers,
	}
	for _, item := range m.order {
		switch item.Status {
		case StatusWaiting:
			stats.Waiting++
		case StatusQueued:
			stats.TotalQueued++
		case StatusExecuting:
			stats.Executing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	if m.execCount > 0 {
		stats.AverageExecutionTime = m.avgExecMS
	}
	return stats
}

// observeExecLocked folds one execution duration into the exponential
// moving average: the first sample seeds it, later ones weigh a tenth.
func (m *QueueManager) observeExecLocked(durMS int64) {
	if m.execCount == 0 {
		m.avgExecMS = float64(durMS)
	} else {
		m.avgExecMS = (m.avgExecMS*9 + float64(durMS)) / 10
	}
	m.execCount++
}

func (m *QueueManager) progressLocked() ProgressSnapshot {
	snap := ProgressSnapshot{Total: m.total}
	for _, item := range m.order {
		switch item.Status {
		case StatusCompleted:
			snap.Completed++
		case StatusFailed:
			snap.Failed++
		}
	}
	if snap.Total > 0 {
		snap.Percentage = float64(snap.Completed+snap.Failed) / float64(snap.Total) * 100
	}
	return snap
}

// nextPendingLocked picks the pending item to fail during a failure stop.
// Cascade candidates drain first, so dependents of a halted item still
// name their failed dependency.
func (m *QueueManager) nextPendingLocked() *QueueItem {
	var fallback *QueueItem
	for _, item := range m.order {
		if item.Status != StatusWaiting && item.Status != StatusQueued {
			continue
		}
		if len(m.failedDepNamesLocked(item)) > 0 {
			return item
		}
		if fallback == nil {
			fallback = item
		}
	}
	return fallback
}

// nextQueuedLocked picks the queued item with the highest priority,
// breaking ties by earliest admission.
func (m *QueueManager) nextQueuedLocked() *QueueItem {
	var best *QueueItem
	for _, item := range m.order {
		if item.Status != StatusQueued {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.AddedAt < best.AddedAt) {
			best = item
		}
	}
	return best
}

func (m *QueueManager) freeSlotLocked() int {
	for i, id := range m.slots {
		if id == "" {
			return i
		}
	}
	return -1
}

func (m *QueueManager) depsCompletedLocked(item *QueueItem) bool {
	for _, dep := range item.Dependencies {
		if !m.completedIDs[dep] {
			return false
		}
	}
	return true
}

// failedDepNamesLocked lists the display names of the item's failed
// dependencies, in dependency order.
func (m *QueueManager) failedDepNamesLocked(item *QueueItem) []string {
	var names []string
	for _, dep := range item.Dependencies {
		if !m.failedIDs[dep] {
			continue
		}
		if depItem, ok := m.index[dep]; ok {
			names = append(names, depItem.Node.DisplayLabel())
		} else {
			names = append(names, dep)
		}
	}
	return names
}

func dedupeStrings(in []string) []string {
	if len(in) < 2 {
		return append([]string(nil), in...)
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
