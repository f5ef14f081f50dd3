package executor

import (
	"context"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
)

// Note is documentation on the canvas. It executes so the planner needs no
// special case for non-executing kinds.
type Note struct{}

// NewNote creates the note executor.
func NewNote() *Note {
	return &Note{}
}

func (n *Note) Kind() string { return flow.KindNote }

func (n *Note) CanExecute(node *flow.Node) bool {
	return node.Kind == flow.KindNote
}

func (n *Note) Execute(_ context.Context, node *flow.Node, ec engine.Context) error {
	ec.SetResults(map[string]flow.Result{node.ID: flow.Succeeded(nil, 0)})
	return nil
}
