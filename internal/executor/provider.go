package executor

import (
	"context"
	"errors"
	"time"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
)

// Provider-node configuration errors. Permanent: a chain cannot run until
// the flow author picks a provider and model.
var (
	ErrNoProvider = errors.New("No provider selected")
	ErrNoModel    = errors.New("No model selected")
)

// ModelProvider is a configuration carrier. It validates its settings and
// emits them as its result so downstream LLM chains can locate the provider
// for their model group. It never contacts the network.
type ModelProvider struct{}

// NewModelProvider creates the model-provider executor.
func NewModelProvider() *ModelProvider {
	return &ModelProvider{}
}

func (p *ModelProvider) Kind() string { return flow.KindModelProvider }

func (p *ModelProvider) CanExecute(node *flow.Node) bool {
	return node.Kind == flow.KindModelProvider
}

func (p *ModelProvider) Execute(_ context.Context, node *flow.Node, ec engine.Context) error {
	start := time.Now()

	provider := getString(node.Data, "provider", "")
	model := getString(node.Data, "model", "")

	if provider == "" {
		ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(ErrNoProvider, time.Since(start))})
		ec.UpdateNodeData(node.ID, map[string]interface{}{engine.DataKeyLastError: ErrNoProvider.Error()})
		return ErrNoProvider
	}
	if model == "" {
		ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(ErrNoModel, time.Since(start))})
		ec.UpdateNodeData(node.ID, map[string]interface{}{engine.DataKeyLastError: ErrNoModel.Error()})
		return ErrNoModel
	}

	// Pass the whole config through, secrets included: the chain that
	// dials out needs the credentials verbatim.
	output := make(map[string]interface{}, len(node.Data))
	for k, v := range node.Data {
		output[k] = v
	}

	result := flow.Succeeded(output, time.Since(start))
	result.Stats = &flow.Stats{Timestamp: time.Now().UnixMilli()}
	ec.SetResults(map[string]flow.Result{node.ID: result})
	return nil
}
