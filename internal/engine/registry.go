package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chainflow-ai/chainflow/internal/flow"
)

// Executor runs one node kind. Implementations perform the node's side
// effects, write a flow.Result for the node through the context, and keep
// the node's data blob current (response summary, lastError, stats).
type Executor interface {
	// Kind returns the node kind tag this executor handles.
	Kind() string

	// CanExecute reports whether this executor handles the node.
	CanExecute(node *flow.Node) bool

	// Execute runs the node. Failure is reported both as a returned error
	// and as a success=false result; the queue treats a missing result as
	// an executor bug.
	Execute(ctx context.Context, node *flow.Node, ec Context) error
}

// Registry maps node kinds to executors. Instances are built per host with
// the executors' dependencies injected; there is no process-global registry.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Registering a kind twice is an error.
func (r *Registry) Register(executor Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := executor.Kind()
	if _, exists := r.executors[kind]; exists {
		return fmt.Errorf("executor for kind '%s' already registered", kind)
	}
	r.executors[kind] = executor
	return nil
}

// MustRegister adds executors and panics on duplicates. Meant for wiring in
// main, where a duplicate is a programming error.
func (r *Registry) MustRegister(executors ...Executor) {
	for _, e := range executors {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Get returns the executor registered for a kind.
func (r *Registry) Get(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// Resolve finds the executor for a node: by kind tag first, then by asking
// each executor. Returns false when nothing matches; the queue treats such
// tasks as trivially successful.
func (r *Registry) Resolve(node *flow.Node) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.executors[node.Kind]; ok && e.CanExecute(node) {
		return e, true
	}
	for _, e := range r.executors {
		if e.CanExecute(node) {
			return e, true
		}
	}
	return nil, false
}

// Kinds returns the registered kind tags, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
