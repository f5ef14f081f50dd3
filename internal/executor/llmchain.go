package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/llm"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
)

// UserMergeSeparator joins consecutive user messages. Ten newlines keep the
// sections visually apart while presenting a single user turn to models
// that lose context across multiple user messages.
const UserMergeSeparator = "\n\n\n\n\n\n\n\n\n\n"

// Labels the canvas assigns by default. A chain carrying one of these gets
// a synthesized output-variable name instead.
var genericLabels = map[string]bool{
	"basic llm chain": true,
	"localhost":       true,
}

// Dialer builds a chat client for a provider tag. Swappable so tests can
// run flows against stub providers.
type Dialer func(provider string, cfg llm.Config) (llm.Client, error)

// LLMChainConfig wires the chain executor's dependencies.
type LLMChainConfig struct {
	// Dial defaults to llm.Dial.
	Dial Dialer

	// Defaults supplies per-provider connection settings (endpoints,
	// credentials) applied underneath the provider node's own config.
	Defaults map[string]llm.Config

	Log     logger.Logger
	Metrics *metrics.Metrics

	// Retry overrides the default LLM retry envelope. Zero MaxAttempts
	// selects engine.LLMRetryPolicy().
	Retry engine.RetryPolicy
}

// LLMChain runs one chat completion: locate the provider node for the
// chain's model group, materialize the messages, dispatch with retries,
// and publish the response as a global variable.
type LLMChain struct {
	dial     Dialer
	defaults map[string]llm.Config
	log      logger.Logger
	metrics  *metrics.Metrics
	policy   engine.RetryPolicy
	inflight sync.Map
}

// NewLLMChain creates the chain executor.
func NewLLMChain(cfg LLMChainConfig) *LLMChain {
	dial := cfg.Dial
	if dial == nil {
		dial = llm.Dial
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = engine.LLMRetryPolicy()
	}
	return &LLMChain{
		dial:     dial,
		defaults: cfg.Defaults,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		policy:   policy,
	}
}

func (e *LLMChain) Kind() string { return flow.KindLLMChain }

func (e *LLMChain) CanExecute(node *flow.Node) bool {
	return node.Kind == flow.KindLLMChain
}

func (e *LLMChain) Execute(ctx context.Context, node *flow.Node, ec engine.Context) error {
	// Recursive ExecuteNode re-entry while the chain is mid-flight is a
	// no-op; the first invocation owns the node.
	if _, loaded := e.inflight.LoadOrStore(node.ID, struct{}{}); loaded {
		return nil
	}
	defer e.inflight.Delete(node.ID)

	start := time.Now()

	fail := func(err error) error {
		ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(err, time.Since(start))})
		ec.UpdateNodeData(node.ID, map[string]interface{}{engine.DataKeyLastError: err.Error()})
		return err
	}

	group := getInt(node.Data, "modelGroup", 0)
	provider, err := findProviderNode(ec, group)
	if err != nil {
		return fail(err)
	}

	providerTag := getString(provider.Data, "provider", "")
	model := getString(provider.Data, "model", "")
	if providerTag == "" {
		return fail(ErrNoProvider)
	}
	if model == "" {
		return fail(ErrNoModel)
	}

	messages, err := e.buildMessages(node, ec)
	if err != nil {
		return fail(err)
	}

	client, err := e.dial(providerTag, e.clientConfig(providerTag, provider))
	if err != nil {
		return fail(fmt.Errorf("failed to create %s client: %w", providerTag, err))
	}

	request := llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Params:   buildParams(provider.Data),
	}

	var response *llm.ChatResponse
	attempts := 0
	err = engine.Retry(ctx, e.policy, node, func(ctx context.Context) error {
		attempts++
		if attempts > 1 && e.metrics != nil {
			e.metrics.LLMRetriesTotal.WithLabelValues(providerTag).Inc()
		}
		var chatErr error
		response, chatErr = client.Chat(ctx, request)
		return chatErr
	})

	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "failed"
		}
		e.metrics.LLMRequestsTotal.WithLabelValues(providerTag, model, status).Inc()
		e.metrics.LLMRequestDuration.WithLabelValues(providerTag).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fail(err)
	}

	answer := response.Content
	thinking := response.Reasoning
	if thinking == "" {
		answer, thinking = ExtractThinking(answer)
	}

	if e.metrics != nil {
		e.metrics.LLMTokensTotal.WithLabelValues(providerTag, "prompt").Add(float64(response.PromptTokens))
		e.metrics.LLMTokensTotal.WithLabelValues(providerTag, "completion").Add(float64(response.CompletionTokens))
	}

	varName := outputVariableName(node)
	ec.Variables().Upsert(varName, answer, "LLM chain output", "")

	output := map[string]interface{}{
		"response": answer,
		"provider": providerTag,
		"model":    model,
		"variable": varName,
	}
	if thinking != "" {
		output["thinking"] = thinking
	}

	result := flow.Succeeded(output, time.Since(start))
	result.Stats = &flow.Stats{
		PromptTokens:     response.PromptTokens,
		CompletionTokens: response.CompletionTokens,
		TotalTokens:      response.TotalTokens,
		Timestamp:        time.Now().UnixMilli(),
	}
	ec.SetResults(map[string]flow.Result{node.ID: result})
	ec.UpdateNodeData(node.ID, map[string]interface{}{
		"lastResponse":   answer,
		"outputVariable": varName,
	})

	if e.log != nil {
		e.log.Info("llm chain completed",
			"node_id", node.ID,
			"provider", providerTag,
			"model", model,
			"attempts", attempts,
			"total_tokens", response.TotalTokens,
			"variable", varName)
	}
	return nil
}

// buildMessages interpolates every message template and merges runs of
// consecutive user messages into a single turn.
func (e *LLMChain) buildMessages(node *flow.Node, ec engine.Context) ([]llm.Message, error) {
	raw := getSlice(node.Data, "messages")
	if len(raw) == 0 {
		return nil, fmt.Errorf("llm chain %s has no messages", node.ID)
	}

	var messages []llm.Message
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role := getString(entry, "role", llm.RoleUser)
		content := ec.Interpolate(getString(entry, "content", ""))

		if role == llm.RoleUser && len(messages) > 0 && messages[len(messages)-1].Role == llm.RoleUser {
			messages[len(messages)-1].Content += UserMergeSeparator + content
			continue
		}
		messages = append(messages, llm.Message{Role: role, Content: content})
	}

	if len(messages) == 0 {
		return nil, fmt.Errorf("llm chain %s has no usable messages", node.ID)
	}
	return messages, nil
}

// clientConfig layers the provider node's connection settings over the
// host defaults for that provider.
func (e *LLMChain) clientConfig(providerTag string, provider *flow.Node) llm.Config {
	cfg := e.defaults[strings.ToLower(providerTag)]
	if v := getString(provider.Data, "baseURL", ""); v != "" {
		cfg.BaseURL = v
	}
	if v := getString(provider.Data, "apiKey", ""); v != "" {
		cfg.APIKey = v
	}
	if v := getString(provider.Data, "oauthToken", ""); v != "" {
		cfg.OAuthToken = v
	}
	if v := getString(provider.Data, "folderId", ""); v != "" {
		cfg.FolderID = v
	}
	return cfg
}

// findProviderNode locates the model-provider node whose groupId matches
// the chain's model group.
func findProviderNode(ec engine.Context, group int) (*flow.Node, error) {
	for _, node := range ec.GetNodes() {
		if node.Kind != flow.KindModelProvider {
			continue
		}
		if getInt(node.Data, "groupId", 0) == group {
			n := node
			return &n, nil
		}
	}
	return nil, fmt.Errorf("no model provider found for group %d", group)
}

// buildParams picks up only the sampling parameters the provider config
// flags as enabled.
func buildParams(data map[string]interface{}) llm.Params {
	var p llm.Params
	if getBool(data, "temperatureEnabled", false) {
		v := getFloat(data, "temperature", 0.7)
		p.Temperature = &v
	}
	if getBool(data, "topPEnabled", false) {
		v := getFloat(data, "topP", 1)
		p.TopP = &v
	}
	if getBool(data, "topKEnabled", false) {
		v := getInt(data, "topK", 40)
		p.TopK = &v
	}
	if getBool(data, "maxTokensEnabled", false) {
		v := getInt(data, "maxTokens", 0)
		if v > 0 {
			p.MaxTokens = &v
		}
	}
	if getBool(data, "seedEnabled", false) {
		v := getInt(data, "seed", 0)
		p.Seed = &v
	}
	if getBool(data, "stopSequencesEnabled", false) {
		p.Stop = getStringSlice(data, "stopSequences")
	}
	if getBool(data, "presencePenaltyEnabled", false) {
		v := getFloat(data, "presencePenalty", 0)
		p.PresencePenalty = &v
	}
	if getBool(data, "frequencyPenaltyEnabled", false) {
		v := getFloat(data, "frequencyPenalty", 0)
		p.FrequencyPenalty = &v
	}
	if getBool(data, "reasoningEffortEnabled", false) {
		v := getString(data, "reasoningEffort", "medium")
		p.ReasoningEffort = &v
	}
	return p
}

// outputVariableName picks the global variable the response is published
// under: the label verbatim when it is a real name, otherwise a name
// synthesized from the label (or "llm_output") and the node id's tail.
func outputVariableName(node *flow.Node) string {
	label := strings.TrimSpace(node.Label)
	if label == "" {
		label = strings.TrimSpace(getString(node.Data, "label", ""))
	}

	if label != "" && !isGenericLabel(label) {
		return label
	}

	base := label
	if base == "" {
		base = "llm_output"
	}
	return base + "_" + idTail(node.ID)
}

func isGenericLabel(label string) bool {
	lower := strings.ToLower(label)
	if genericLabels[lower] {
		return true
	}
	return strings.HasPrefix(lower, "llm chain")
}

func idTail(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}
