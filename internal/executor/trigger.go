package executor

import (
	"context"
	"time"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
)

// Trigger is the in-degree-0 seed of a flow. It produces no payload.
type Trigger struct{}

// NewTrigger creates the trigger executor.
func NewTrigger() *Trigger {
	return &Trigger{}
}

func (t *Trigger) Kind() string { return flow.KindTrigger }

func (t *Trigger) CanExecute(node *flow.Node) bool {
	return node.Kind == flow.KindTrigger
}

func (t *Trigger) Execute(_ context.Context, node *flow.Node, ec engine.Context) error {
	start := time.Now()

	result := flow.Succeeded(map[string]interface{}{
		"type":      "trigger",
		"triggered": true,
	}, time.Since(start))
	result.Stats = &flow.Stats{Timestamp: time.Now().UnixMilli()}

	ec.SetResults(map[string]flow.Result{node.ID: result})
	return nil
}
