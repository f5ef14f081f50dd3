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
)

func chainDefinition(kind string, ids ...string) *flow.Definition {
	def := &flow.Definition{Name: "test-flow"}
	for i, id := range ids {
		def.Nodes = append(def.Nodes, flow.Node{ID: id, Kind: kind, Data: map[string]interface{}{}})
		if i > 0 {
			def.Edges = append(def.Edges, flow.Edge{ID: id + "-edge", Source: ids[i-1], Target: id})
		}
	}
	return def
}

func TestPlanTasksPriorities(t *testing.T) {
	def := &flow.Definition{
		Name: "plan",
		Nodes: []flow.Node{
			{ID: "t", Kind: flow.KindTrigger},
			{ID: "l", Kind: flow.KindLLMChain},
			{ID: "s", Kind: flow.KindOutputSender},
			{ID: "p", Kind: flow.KindModelProvider},
			{ID: "ca", Kind: flow.KindNote},
			{ID: "cb", Kind: flow.KindNote},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "l"},
			{ID: "e2", Source: "l", Target: "s"},
			{ID: "e3", Source: "ca", Target: "cb"},
			{ID: "e4", Source: "cb", Target: "ca"},
		},
	}

	tasks := planTasks(def)
	require.Len(t, tasks, 6)

	byID := map[string]plannedTask{}
	var order []string
	for _, task := range tasks {
		byID[task.node.ID] = task
		order = append(order, task.node.ID)
	}

	// Connected phase first in topological order, then the unreachable pair.
	assert.Equal(t, []string{"t", "p", "l", "s", "ca", "cb"}, order)

	// Kahn order: t, p, l, s. Rank is phase size minus index.
	assert.Equal(t, 2004, byID["t"].priority)
	assert.Equal(t, 1203, byID["p"].priority)
	assert.Equal(t, 1202, byID["l"].priority)
	assert.Equal(t, 1201, byID["s"].priority)

	// The two-node cycle is unreachable from any start node.
	assert.Equal(t, 402, byID["ca"].priority)
	assert.Equal(t, 401, byID["cb"].priority)

	assert.Equal(t, []string{"t"}, byID["l"].deps)
	assert.Equal(t, []string{"l"}, byID["s"].deps)
	assert.Empty(t, byID["t"].deps)
}

func TestPlanTasksIsolatedTriggerBase(t *testing.T) {
	// A trigger stuck behind a cycle keeps the trigger tier, demoted to the
	// isolated bands.
	def := &flow.Definition{
		Name: "isolated",
		Nodes: []flow.Node{
			{ID: "x", Kind: flow.KindTrigger},
			{ID: "y", Kind: flow.KindLLMChain},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "x", Target: "y"},
			{ID: "e2", Source: "y", Target: "x"},
		},
	}

	tasks := planTasks(def)
	require.Len(t, tasks, 2)
	assert.Equal(t, 902, tasks[0].priority)
	assert.Equal(t, flow.KindTrigger, tasks[0].node.Kind)
	assert.Equal(t, 401, tasks[1].priority)
}

func TestDriverRunChain(t *testing.T) {
	var mu sync.Mutex
	var executed []string

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		executed = append(executed, node.ID)
		mu.Unlock()
		greeting := ec.Interpolate("hello {{name}}")
		ec.SetResults(map[string]flow.Result{node.ID: {Success: true, Output: greeting}})
		return nil
	}}))

	def := chainDefinition("stub", "n1", "n2", "n3")
	def.Variables = map[string]string{"name": "world"}

	driver := NewDriver(registry, WithWorkers(2))
	summary, err := driver.Run(context.Background(), RunRequest{
		Definition: def,
		Variables:  map[string]string{"name": "Ada"},
	})
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 3, summary.Executed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, []string{"n1", "n2", "n3"}, executed)

	// Request variables override definition variables.
	result, ok := summary.Results["n2"]
	require.True(t, ok)
	assert.Equal(t, "hello Ada", result.Output)
}

func TestDriverResumeSkipsCompleted(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: func(ctx context.Context, node *flow.Node, ec Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		ec.SetResults(map[string]flow.Result{node.ID: {Success: true, Output: node.ID}})
		return nil
	}}))

	def := chainDefinition("stub", "n1", "n2", "n3")
	prior := map[string]flow.Result{
		"n1": {Success: true, Output: "prior-1"},
		"n2": {Success: true, Output: "prior-2"},
	}

	driver := NewDriver(registry)
	summary, err := driver.Run(context.Background(), RunRequest{
		Definition:   def,
		PriorResults: prior,
		ClearResults: false,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "only n3 executes")
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, "prior-1", summary.Results["n1"].Output, "prior results stay visible")
	assert.Equal(t, "n3", summary.Results["n3"].Output)
}

func TestDriverFailureCascadesIntoSummary(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: func(ctx context.Context, node *flow.Node, ec Context) error {
		ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(errors.New("400 bad request"), time.Millisecond)})
		return nil
	}}))

	def := chainDefinition("stub", "a", "b")
	driver := NewDriver(registry)
	summary, err := driver.Run(context.Background(), RunRequest{Definition: def})
	require.NoError(t, err)

	assert.False(t, summary.Success)
	assert.Equal(t, 0, summary.Executed)
	assert.Equal(t, 2, summary.Failed)

	result := summary.Results["a"]
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "400")
}

func TestDriverStopRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: func(ctx context.Context, node *flow.Node, ec Context) error {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		ec.SetResults(map[string]flow.Result{node.ID: {Success: true}})
		return nil
	}}))

	def := chainDefinition("stub", "n1", "n2", "n3", "n4")
	driver := NewDriver(registry)
	run, err := driver.StartRun(context.Background(), RunRequest{Definition: def, JobID: "job-77"})
	require.NoError(t, err)

	<-started
	require.NoError(t, driver.StopRun(run.ID))
	summary := run.Wait()

	assert.False(t, summary.Success)
	assert.Greater(t, summary.Failed, 0)
	for _, item := range run.Queue.Snapshot() {
		if item.Status == StatusFailed {
			assert.Equal(t, StopMessage, item.Error)
		}
	}

	_, found := driver.GetRun(run.ID)
	assert.True(t, found)
	assert.Error(t, driver.StopRun("missing-run"))
}

func TestDriverRejectsInvalidDefinition(t *testing.T) {
	driver := NewDriver(NewRegistry())

	_, err := driver.Run(context.Background(), RunRequest{})
	assert.Error(t, err)

	_, err = driver.Run(context.Background(), RunRequest{Definition: &flow.Definition{Name: "empty"}})
	assert.Error(t, err)
}

func TestDriverSingleNodeSeam(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: func(ctx context.Context, node *flow.Node, ec Context) error {
		ec.SetResults(map[string]flow.Result{node.ID: {Success: true, Output: "solo"}})
		return nil
	}}))

	def := chainDefinition("stub", "only")
	driver := NewDriver(registry)
	run, err := driver.StartRun(context.Background(), RunRequest{Definition: def})
	require.NoError(t, err)
	run.Wait()

	// Hosts can re-execute one node through the context seam.
	require.NoError(t, run.Context.ExecuteNode(context.Background(), "only"))
	result, ok := run.Context.GetResult("only")
	require.True(t, ok)
	assert.Equal(t, "solo", result.Output)

	assert.Error(t, run.Context.ExecuteNode(context.Background(), "ghost"))
}

func TestDriverCleanupOldRuns(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubExecutor{kind: "stub", fn: succeed}))

	driver := NewDriver(registry)
	def := chainDefinition("stub", "n1")
	run, err := driver.StartRun(context.Background(), RunRequest{Definition: def})
	require.NoError(t, err)
	run.Wait()

	assert.Equal(t, 0, driver.CleanupOldRuns(time.Hour), "fresh runs survive")
	assert.Equal(t, 1, driver.CleanupOldRuns(0))
	_, found := driver.GetRun(run.ID)
	assert.False(t, found)
}
