// Package flow defines the graph model the engine executes: nodes, edges,
// per-node execution results, and the JSON definition format used by the
// batch runner and the gateway API.
package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Node kinds understood by the built-in executors. The engine itself treats
// kinds as opaque tags; anything unknown is admitted and trivially succeeds.
const (
	KindTrigger       = "trigger"
	KindInput         = "input"
	KindNote          = "note"
	KindModelProvider = "modelProvider"
	KindLLMChain      = "basicLLMChain"
	KindOutputSender  = "outputSender"
)

// Node is one vertex of the graph. Data is the kind-specific configuration
// blob plus mutable status fields (queueStatus, isExecuting, lastError)
// executors and the queue manager maintain.
type Node struct {
	ID    string                 `json:"id"`
	Kind  string                 `json:"kind"`
	Label string                 `json:"label,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// DisplayLabel returns the node's human name: the Label field, a data.label
// entry, or the node id as last resort.
func (n *Node) DisplayLabel() string {
	if n.Label != "" {
		return n.Label
	}
	if n.Data != nil {
		if label, ok := n.Data["label"].(string); ok && label != "" {
			return label
		}
	}
	return n.ID
}

// Clone returns a copy with its own shallow copy of the data blob.
func (n *Node) Clone() Node {
	out := *n
	if n.Data != nil {
		out.Data = make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Edge is a directed dependency: Target runs after Source completed.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Stats carries token accounting for one node execution.
type Stats struct {
	PromptTokens     int   `json:"prompt_tokens,omitempty"`
	CompletionTokens int   `json:"completion_tokens,omitempty"`
	TotalTokens      int   `json:"total_tokens,omitempty"`
	Timestamp        int64 `json:"timestamp,omitempty"`
}

// Result is the outcome of one node execution. Results accumulate in a map
// keyed by node id; writers merge deltas and never replace the whole map.
type Result struct {
	Success    bool        `json:"success"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	Stats      *Stats      `json:"stats,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(output interface{}, duration time.Duration) Result {
	return Result{
		Success:    true,
		Output:     output,
		DurationMS: duration.Milliseconds(),
	}
}

// Failed builds a failure result carrying the error text.
func Failed(err error, duration time.Duration) Result {
	r := Result{
		Success:    false,
		DurationMS: duration.Milliseconds(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Definition is the on-the-wire flow format: what the runner loads from a
// file and the gateway accepts in a run submission.
type Definition struct {
	Name      string            `json:"name,omitempty"`
	Nodes     []Node            `json:"nodes"`
	Edges     []Edge            `json:"edges"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ParseDefinition decodes and validates a flow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode flow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks node id uniqueness and edge endpoint references.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("flow definition has no nodes")
	}

	ids := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node at index %d has no id", i)
		}
		if n.Kind == "" {
			return fmt.Errorf("node %s has no kind", n.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		ids[n.ID] = true
	}

	for _, e := range d.Edges {
		if !ids[e.Source] {
			return fmt.Errorf("edge references unknown source node %s", e.Source)
		}
		if !ids[e.Target] {
			return fmt.Errorf("edge references unknown target node %s", e.Target)
		}
	}
	return nil
}

// NodeByID returns the node with the given id.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Dependencies collapses edges into one dependency list per target node,
// de-duplicating repeated (source, target) pairs.
func Dependencies(edges []Edge) map[string][]string {
	deps := make(map[string][]string)
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		key := e.Source + "\x00" + e.Target
		if seen[key] {
			continue
		}
		seen[key] = true
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	return deps
}
