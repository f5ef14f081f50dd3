package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// stubExecutor runs a caller-supplied function for one node kind.
type stubExecutor struct {
	kind string
	fn   func(ctx context.Context, node *flow.Node, ec Context) error
}

func (s *stubExecutor) Kind() string { return s.kind }

func (s *stubExecutor) CanExecute(node *flow.Node) bool { return node.Kind == s.kind }

func (s *stubExecutor) Execute(ctx context.Context, node *flow.Node, ec Context) error {
	return s.fn(ctx, node, ec)
}

func testNodes(ids ...string) []flow.Node {
	nodes := make([]flow.Node, len(ids))
	for i, id := range ids {
		nodes[i] = flow.Node{ID: id, Kind: "stub", Label: id, Data: map[string]interface{}{}}
	}
	return nodes
}

func newTestQueue(t *testing.T, nodes []flow.Node, workers int, fn func(ctx context.Context, node *flow.Node, ec Context) error) (*QueueManager, *StandaloneContext) {
	t.Helper()

	ec := NewStandaloneContext(nodes, nil, variable.NewStore())
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: fn}))

	queue := NewQueueManager(QueueConfig{
		MaxWorkers: workers,
		Registry:   registry,
		Context:    ec,
	})
	return queue, ec
}

func succeed(ctx context.Context, node *flow.Node, ec Context) error {
	ec.SetResults(map[string]flow.Result{node.ID: {Success: true, Output: node.ID}})
	return nil
}

func TestQueueRunsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	sawDepResult := true

	nodes := testNodes("a", "b", "c")
	queue, ec := newTestQueue(t, nodes, 3, func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		order = append(order, node.ID)
		mu.Unlock()
		if node.ID == "c" {
			if _, ok := ec.GetResult("b"); !ok {
				sawDepResult = false
			}
		}
		return succeed(ctx, node, ec)
	})

	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Enqueue(&nodes[1], 1200, []string{"a"})
	queue.Enqueue(&nodes[2], 1200, []string{"b"})
	queue.Start(context.Background())
	queue.Wait()

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.True(t, sawDepResult, "c must observe b's result before executing")
	for _, item := range queue.Snapshot() {
		assert.Equal(t, StatusCompleted, item.Status)
	}
	_ = ec
}

func TestQueueWorkerBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	nodes := testNodes("n1", "n2", "n3", "n4", "n5", "n6")
	queue, _ := newTestQueue(t, nodes, 2, func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return succeed(ctx, node, ec)
	})

	for i := range nodes {
		queue.Enqueue(&nodes[i], 1200, nil)
	}
	queue.Start(context.Background())
	queue.Wait()

	assert.LessOrEqual(t, peak, 2, "no more than max workers in flight")
	assert.Equal(t, 6, queue.Stats().Completed)
}

func TestQueuePriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	nodes := testNodes("low", "trig1", "trig2", "input")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		order = append(order, node.ID)
		mu.Unlock()
		return succeed(ctx, node, ec)
	})

	queue.Enqueue(&nodes[0], 1200, nil)
	queue.Enqueue(&nodes[1], 2000, nil)
	queue.Enqueue(&nodes[2], 2000, nil)
	queue.Enqueue(&nodes[3], 1800, nil)
	queue.Start(context.Background())
	queue.Wait()

	// Strict priority desc, admission order breaks the tie.
	assert.Equal(t, []string{"trig1", "trig2", "input", "low"}, order)
}

func TestQueueCascadeFailure(t *testing.T) {
	nodes := testNodes("a", "b", "c", "d")
	queue, ec := newTestQueue(t, nodes, 2, func(ctx context.Context, node *flow.Node, ec Context) error {
		if node.ID == "b" {
			ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(errors.New("401 unauthorized"), time.Millisecond)})
			return nil
		}
		return succeed(ctx, node, ec)
	})

	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Enqueue(&nodes[1], 1200, []string{"a"})
	queue.Enqueue(&nodes[2], 1200, []string{"b"})
	queue.Enqueue(&nodes[3], 1200, []string{"c"})
	queue.Start(context.Background())
	queue.Wait()

	items := map[string]QueueItem{}
	for _, item := range queue.Snapshot() {
		items[item.Node.ID] = item
	}

	assert.Equal(t, StatusCompleted, items["a"].Status)
	assert.Equal(t, StatusFailed, items["b"].Status)
	assert.Equal(t, StatusFailed, items["c"].Status)
	assert.Contains(t, items["c"].Error, "Dependency failed")
	assert.Contains(t, items["c"].Error, "b")
	assert.Equal(t, StatusFailed, items["d"].Status)
	assert.Contains(t, items["d"].Error, "c")

	// The failure is mirrored onto the node's data blob.
	node, ok := ec.GetNode("c")
	require.True(t, ok)
	assert.Equal(t, string(StatusFailed), node.Data[DataKeyQueueStatus])
	assert.Contains(t, node.Data[DataKeyLastError], "Dependency failed")
}

func TestQueueFailureHaltsAdmissions(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	nodes := testNodes("bad", "idle")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(errors.New("boom"), 0)})
		return nil
	})

	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Enqueue(&nodes[1], 1200, nil)
	queue.Start(context.Background())
	queue.Wait()

	assert.Equal(t, 1, calls, "second node must not be admitted after a failure")
	items := queue.Snapshot()
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, StatusFailed, items[1].Status)
	assert.Equal(t, FailStopMessage, items[1].Error)
}

func TestQueueFailureStopFailsAllPending(t *testing.T) {
	nodes := testNodes("bad", "island", "downstream")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		if node.ID == "bad" {
			ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(errors.New("boom"), 0)})
			return nil
		}
		return succeed(ctx, node, ec)
	})

	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Enqueue(&nodes[1], 1200, nil)
	queue.Enqueue(&nodes[2], 1200, []string{"island"})
	queue.Start(context.Background())
	queue.Wait()

	items := map[string]QueueItem{}
	for _, item := range queue.Snapshot() {
		items[item.Node.ID] = item
		assert.Contains(t, []NodeStatus{StatusCompleted, StatusFailed}, item.Status,
			"%s must be terminal at quiescence", item.Node.ID)
	}

	assert.Equal(t, "boom", items["bad"].Error)
	assert.Equal(t, FailStopMessage, items["island"].Error)
	assert.Contains(t, items["downstream"].Error, "Dependency failed")
	assert.Contains(t, items["downstream"].Error, "island")

	stats := queue.Stats()
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.TotalQueued)
	assert.Equal(t, 3, stats.Failed)
}

func TestQueueSkipSeededCompleted(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	nodes := testNodes("n1", "n2", "n3", "n4", "n5", "n6")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return succeed(ctx, node, ec)
	})

	queue.SeedCompleted([]string{"n1", "n2", "n3"})
	deps := map[string][]string{
		"n1": nil, "n2": {"n1"}, "n3": {"n2"}, "n4": {"n3"}, "n5": {"n4"}, "n6": {"n5"},
	}
	for i := range nodes {
		queue.Enqueue(&nodes[i], 1200, deps[nodes[i].ID])
	}
	queue.Start(context.Background())
	queue.Wait()

	assert.Equal(t, 3, calls, "seeded nodes must not execute again")
	assert.Equal(t, 3, queue.SkippedCount())
	assert.Equal(t, 3, queue.Stats().Completed)
}

func TestQueueStopMidFlight(t *testing.T) {
	var mu sync.Mutex
	completions := 0
	second := make(chan struct{})
	var once sync.Once

	nodes := testNodes("n1", "n2", "n3", "n4", "n5", "n6")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		time.Sleep(20 * time.Millisecond)
		err := succeed(ctx, node, ec)
		mu.Lock()
		completions++
		if completions == 2 {
			once.Do(func() { close(second) })
		}
		mu.Unlock()
		return err
	})

	deps := map[string][]string{
		"n1": nil, "n2": {"n1"}, "n3": {"n2"}, "n4": {"n3"}, "n5": {"n4"}, "n6": {"n5"},
	}
	for i := range nodes {
		queue.Enqueue(&nodes[i], 1200, deps[nodes[i].ID])
	}
	queue.Start(context.Background())

	<-second
	queue.Stop()
	queue.Wait()

	items := map[string]QueueItem{}
	for _, item := range queue.Snapshot() {
		items[item.Node.ID] = item
	}

	assert.Equal(t, StatusCompleted, items["n1"].Status)
	assert.Equal(t, StatusCompleted, items["n2"].Status)
	// n3 may have been admitted before the stop landed; it then finishes
	// naturally. Later nodes are always stopped.
	assert.Contains(t, []NodeStatus{StatusCompleted, StatusFailed}, items["n3"].Status)
	for _, id := range []string{"n4", "n5", "n6"} {
		assert.Equal(t, StatusFailed, items[id].Status, id)
		assert.Equal(t, StopMessage, items[id].Error, id)
	}

	startMS, endMS := queue.FlowWindow()
	assert.NotZero(t, startMS)
	assert.GreaterOrEqual(t, endMS, startMS)
}

func TestQueueContextCancelStopsRun(t *testing.T) {
	nodes := testNodes("n1", "n2")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		time.Sleep(10 * time.Millisecond)
		return succeed(ctx, node, ec)
	})

	ctx, cancel := context.WithCancel(context.Background())
	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Enqueue(&nodes[1], 1200, []string{"n1"})
	queue.Start(ctx)
	cancel()
	queue.Wait()

	items := queue.Snapshot()
	failed := 0
	for _, item := range items {
		if item.Status == StatusFailed {
			failed++
			assert.Equal(t, StopMessage, item.Error)
		}
	}
	assert.GreaterOrEqual(t, failed, 1)
}

func TestQueueNoResultSyntheticFailure(t *testing.T) {
	nodes := testNodes("quiet")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		return nil // forgets to write a result
	})

	queue.Enqueue(&nodes[0], 1200, nil)
	queue.Start(context.Background())
	queue.Wait()

	items := queue.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Contains(t, items[0].Error, "no result recorded")
}

func TestQueueUnknownKindSucceedsTrivially(t *testing.T) {
	nodes := []flow.Node{{ID: "mystery", Kind: "hologram", Data: map[string]interface{}{}}}
	queue, ec := newTestQueue(t, nodes, 1, succeed)

	queue.Enqueue(&nodes[0], 1200, nil)
	queue.Start(context.Background())
	queue.Wait()

	items := queue.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].Status)

	result, ok := ec.GetResult("mystery")
	require.True(t, ok)
	assert.True(t, result.Success)
}

func TestQueueExecutorPanicFailsItem(t *testing.T) {
	nodes := testNodes("boomer", "after")
	queue, _ := newTestQueue(t, nodes, 1, func(ctx context.Context, node *flow.Node, ec Context) error {
		panic("executor bug")
	})

	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Enqueue(&nodes[1], 1200, []string{"boomer"})
	queue.Start(context.Background())
	queue.Wait()

	items := map[string]QueueItem{}
	for _, item := range queue.Snapshot() {
		items[item.Node.ID] = item
	}
	assert.Equal(t, StatusFailed, items["boomer"].Status)
	assert.Contains(t, items["boomer"].Error, "panic")
	assert.Equal(t, StatusFailed, items["after"].Status)
	assert.Contains(t, items["after"].Error, "Dependency failed")
}

func TestQueueStatsListener(t *testing.T) {
	var mu sync.Mutex
	var snapshots []QueueStats

	nodes := testNodes("n1", "n2")
	queue, _ := newTestQueue(t, nodes, 2, succeed)

	unsubscribe := queue.Subscribe(func(stats QueueStats) {
		mu.Lock()
		snapshots = append(snapshots, stats)
		mu.Unlock()
	})
	defer unsubscribe()

	queue.Enqueue(&nodes[0], 1200, nil)
	queue.Enqueue(&nodes[1], 1200, nil)
	queue.Start(context.Background())
	queue.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, 2, last.MaxWorkers)
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 0, last.Failed)
}

func TestQueueAverageExecutionTime(t *testing.T) {
	queue, _ := newTestQueue(t, testNodes("n1"), 1, succeed)

	queue.observeExecLocked(100)
	assert.Equal(t, 100.0, queue.Stats().AverageExecutionTime, "first sample seeds the average")

	queue.observeExecLocked(200)
	assert.Equal(t, 110.0, queue.Stats().AverageExecutionTime, "(100*9 + 200) / 10")

	queue.observeExecLocked(0)
	assert.Equal(t, 99.0, queue.Stats().AverageExecutionTime)
}

func TestQueueProgressEvents(t *testing.T) {
	var mu sync.Mutex
	var events []ProgressEvent

	nodes := testNodes("n1")
	ec := NewStandaloneContext(nodes, nil, variable.NewStore())
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: succeed}))

	queue := NewQueueManager(QueueConfig{
		MaxWorkers: 1,
		Registry:   registry,
		Context:    ec,
		Sink: ProgressFunc(func(event ProgressEvent) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		}),
	})

	queue.Enqueue(&nodes[0], 2000, nil)
	queue.Start(context.Background())
	queue.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventExecutionStart, events[0].Type)
	assert.Equal(t, 1, events[0].TotalNodes)

	var sawNode, sawComplete bool
	for _, ev := range events {
		switch ev.Type {
		case EventNodeProgress:
			sawNode = true
			assert.Equal(t, "n1", ev.NodeID)
			assert.Equal(t, StatusCompleted, ev.Status)
			require.NotNil(t, ev.Progress)
			assert.Equal(t, 100.0, ev.Progress.Percentage)
		case EventExecutionComplete:
			sawComplete = true
			assert.Equal(t, 1, ev.Completed)
			assert.Equal(t, 0, ev.Failed)
		}
	}
	assert.True(t, sawNode)
	assert.True(t, sawComplete)
}
