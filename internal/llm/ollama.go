package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultOllamaBaseURL is where a local Ollama daemon listens.
const DefaultOllamaBaseURL = "http://localhost:11434"

// ollamaClient speaks the native /api/chat protocol.
type ollamaClient struct {
	baseURL string
	client  *http.Client
}

func newOllama(cfg Config) (Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultOllamaBaseURL
	}
	return &ollamaClient{
		baseURL: base,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (c *ollamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	options := make(map[string]interface{})
	p := req.Params
	if p.Temperature != nil {
		options["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		options["top_p"] = *p.TopP
	}
	if p.TopK != nil {
		options["top_k"] = *p.TopK
	}
	if p.MaxTokens != nil {
		options["num_predict"] = *p.MaxTokens
	}
	if p.Seed != nil {
		options["seed"] = *p.Seed
	}
	if len(p.Stop) > 0 {
		options["stop"] = p.Stop
	}

	payload, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), truncate(string(body), 300))
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", parsed.Error)
	}

	return &ChatResponse{
		Content:          parsed.Message.Content,
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
		TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
