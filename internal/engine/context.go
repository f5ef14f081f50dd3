// Package engine implements the execution core: the queue manager that
// schedules tasks over worker slots, the retry policy for network effects,
// the execution context seam executors run against, and the driver that
// plans a graph into prioritized queue items and awaits quiescence.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// Node data keys maintained by the queue and the executors. The data blob
// stays an open map; these are the fields the engine itself touches.
const (
	DataKeyQueueStatus = "queueStatus"
	DataKeyIsExecuting = "isExecuting"
	DataKeyLastError   = "lastError"
)

// ErrExecuteNotSupported is returned by ExecuteNode when the host did not
// wire a recursive execution entry point.
var ErrExecuteNotSupported = errors.New("recursive node execution not supported by this context")

// Context is the dependency-injection seam between the engine and its host.
// Executors receive one per run and talk to nothing else. Implementations
// hold callbacks onto authoritative host state, never copies of it.
type Context interface {
	// Graph access. Returned nodes are point-in-time copies; the graph
	// itself is immutable for the duration of a run.
	GetNode(id string) (*flow.Node, bool)
	GetNodes() []flow.Node
	GetEdges() []flow.Edge

	// Results. SetResults merges the delta key-wise into the results map,
	// never replacing entries outside the delta.
	GetResult(id string) (flow.Result, bool)
	GetResults() map[string]flow.Result
	SetResults(delta map[string]flow.Result)

	// UpdateNodeData shallow-merges partial into the node's data blob.
	UpdateNodeData(id string, partial map[string]interface{})

	// Variables returns the live variable table shared by the run.
	Variables() *variable.Store
	AddVariable(name, value, description, folder string)
	UpdateVariable(name, value string) bool

	// Interpolate replaces {{name}} placeholders using the variable table,
	// workflow namespace first.
	Interpolate(template string) string

	// ExecuteNode runs a single node synchronously through the registry.
	// Rarely needed; the queue drives execution.
	ExecuteNode(ctx context.Context, id string) error

	IsExecuting() bool
	SetExecuting(executing bool)
}

// ExecuteFunc is the recursive execution hook a host may install on a
// standalone context.
type ExecuteFunc func(ctx context.Context, id string) error

// StandaloneContext is the in-memory Context used for headless runs and
// tests. Gateway sessions embed it and observe mutations through the
// optional hooks.
type StandaloneContext struct {
	mu        sync.RWMutex
	nodes     []flow.Node
	nodeIndex map[string]int
	edges     []flow.Edge
	results   map[string]flow.Result
	vars      *variable.Store
	executing bool
	executeFn ExecuteFunc

	// Hooks fire after the corresponding mutation, outside the lock.
	OnResults  func(delta map[string]flow.Result)
	OnNodeData func(id string, partial map[string]interface{})
}

// NewStandaloneContext builds a context over the given graph and variable
// table. The node and edge slices are owned by the context afterwards.
func NewStandaloneContext(nodes []flow.Node, edges []flow.Edge, vars *variable.Store) *StandaloneContext {
	if vars == nil {
		vars = variable.NewStore()
	}
	index := make(map[string]int, len(nodes))
	for i := range nodes {
		index[nodes[i].ID] = i
	}
	return &StandaloneContext{
		nodes:     nodes,
		nodeIndex: index,
		edges:     edges,
		results:   make(map[string]flow.Result),
		vars:      vars,
	}
}

// SetExecuteFunc installs the recursive execution hook.
func (c *StandaloneContext) SetExecuteFunc(fn ExecuteFunc) {
	c.mu.Lock()
	c.executeFn = fn
	c.mu.Unlock()
}

// GetNode returns a copy of the node with the given id.
func (c *StandaloneContext) GetNode(id string) (*flow.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.nodeIndex[id]
	if !ok {
		return nil, false
	}
	n := c.nodes[i].Clone()
	return &n, true
}

// GetNodes returns point-in-time copies of all nodes.
func (c *StandaloneContext) GetNodes() []flow.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]flow.Node, len(c.nodes))
	for i := range c.nodes {
		out[i] = c.nodes[i].Clone()
	}
	return out
}

// GetEdges returns the edge list. Edges are immutable value pairs.
func (c *StandaloneContext) GetEdges() []flow.Edge {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]flow.Edge, len(c.edges))
	copy(out, c.edges)
	return out
}

// GetResult returns the execution result recorded for a node.
func (c *StandaloneContext) GetResult(id string) (flow.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[id]
	return r, ok
}

// GetResults returns a snapshot copy of the results map.
func (c *StandaloneContext) GetResults() map[string]flow.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]flow.Result, len(c.results))
	for id, r := range c.results {
		out[id] = r
	}
	return out
}

// SetResults merges the delta into the results map. Keys outside the delta
// are untouched; concurrent deltas compose key-wise.
func (c *StandaloneContext) SetResults(delta map[string]flow.Result) {
	if len(delta) == 0 {
		return
	}
	c.mu.Lock()
	for id, r := range delta {
		c.results[id] = r
	}
	hook := c.OnResults
	c.mu.Unlock()

	if hook != nil {
		hook(delta)
	}
}

// UpdateNodeData shallow-merges partial into the node's data blob. The blob
// is replaced copy-on-write so previously returned node copies stay valid.
func (c *StandaloneContext) UpdateNodeData(id string, partial map[string]interface{}) {
	if len(partial) == 0 {
		return
	}
	c.mu.Lock()
	i, ok := c.nodeIndex[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	merged := make(map[string]interface{}, len(c.nodes[i].Data)+len(partial))
	for k, v := range c.nodes[i].Data {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	c.nodes[i].Data = merged
	hook := c.OnNodeData
	c.mu.Unlock()

	if hook != nil {
		hook(id, partial)
	}
}

// Variables returns the shared variable table.
func (c *StandaloneContext) Variables() *variable.Store {
	return c.vars
}

// AddVariable creates or replaces a global variable.
func (c *StandaloneContext) AddVariable(name, value, description, folder string) {
	c.vars.Add(name, value, description, folder)
}

// UpdateVariable changes an existing variable's value, reporting whether it
// existed.
func (c *StandaloneContext) UpdateVariable(name, value string) bool {
	_, ok := c.vars.Update(name, value)
	return ok
}

// Interpolate resolves {{name}} placeholders against the variable table.
func (c *StandaloneContext) Interpolate(template string) string {
	return c.vars.Interpolate(template)
}

// ExecuteNode runs one node through the installed hook.
func (c *StandaloneContext) ExecuteNode(ctx context.Context, id string) error {
	c.mu.RLock()
	fn := c.executeFn
	c.mu.RUnlock()

	if fn == nil {
		return ErrExecuteNotSupported
	}
	return fn(ctx, id)
}

// IsExecuting reports the run-level executing flag.
func (c *StandaloneContext) IsExecuting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executing
}

// SetExecuting sets the run-level executing flag.
func (c *StandaloneContext) SetExecuting(executing bool) {
	c.mu.Lock()
	c.executing = executing
	c.mu.Unlock()
}
