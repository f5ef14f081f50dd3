package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultLMStudioBaseURL is where a local LMStudio server listens.
const DefaultLMStudioBaseURL = "http://localhost:1234/v1"

// openAIClient serves both OpenAI and LMStudio, which speaks the same
// chat-completions dialect behind a different base URL.
type openAIClient struct {
	client *openai.Client
}

func newOpenAI(cfg Config) (Client, error) {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &openAIClient{client: openai.NewClientWithConfig(clientConfig)}, nil
}

func newLMStudio(cfg Config) (Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultLMStudioBaseURL
	}
	// LMStudio ignores the key but the SDK wants one set.
	key := cfg.APIKey
	if key == "" {
		key = "lm-studio"
	}
	clientConfig := openai.DefaultConfig(key)
	clientConfig.BaseURL = base
	return &openAIClient{client: openai.NewClientWithConfig(clientConfig)}, nil
}

// isO1Family reports whether a model rejects sampling parameters. The o1
// reasoning models accept reasoning_effort instead.
func isO1Family(model string) bool {
	lower := strings.ToLower(model)
	return lower == "o1" || strings.HasPrefix(lower, "o1-")
}

func (c *openAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}

	p := req.Params
	if isO1Family(req.Model) {
		// o1 models reject temperature/top_p/penalties outright.
		if p.ReasoningEffort != nil {
			request.ReasoningEffort = *p.ReasoningEffort
		}
	} else {
		if p.Temperature != nil {
			request.Temperature = float32(*p.Temperature)
		}
		if p.TopP != nil {
			request.TopP = float32(*p.TopP)
		}
		if p.PresencePenalty != nil {
			request.PresencePenalty = float32(*p.PresencePenalty)
		}
		if p.FrequencyPenalty != nil {
			request.FrequencyPenalty = float32(*p.FrequencyPenalty)
		}
	}
	if p.MaxTokens != nil {
		request.MaxTokens = *p.MaxTokens
	}
	if p.Seed != nil {
		request.Seed = p.Seed
	}
	if len(p.Stop) > 0 {
		request.Stop = p.Stop
	}

	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices for model %s", req.Model)
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}
