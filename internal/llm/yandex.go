package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultYandexBaseURL is the YandexCloud foundation-models endpoint.
const DefaultYandexBaseURL = "https://llm.api.cloud.yandex.net"

// yandexClient speaks the foundation-models completion protocol. The model
// is addressed as gpt://<folderId>/<model>; reasoning may come back in a
// dedicated reasoning field on the alternative message.
type yandexClient struct {
	baseURL    string
	apiKey     string
	oauthToken string
	folderID   string
	client     *http.Client
}

func newYandex(cfg Config) (Client, error) {
	if cfg.FolderID == "" {
		return nil, fmt.Errorf("yandex provider requires a folder id")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultYandexBaseURL
	}
	return &yandexClient{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		oauthToken: cfg.OAuthToken,
		folderID:   cfg.FolderID,
		client:     &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

type yandexCompletionRequest struct {
	ModelURI          string                  `json:"modelUri"`
	CompletionOptions yandexCompletionOptions `json:"completionOptions"`
	Messages          []yandexMessage         `json:"messages"`
}

type yandexCompletionOptions struct {
	Stream      bool     `json:"stream"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   string   `json:"maxTokens,omitempty"`
}

type yandexMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type yandexCompletionResponse struct {
	Result struct {
		Alternatives []struct {
			Message struct {
				Role      string `json:"role"`
				Text      string `json:"text"`
				Reasoning string `json:"reasoning_content"`
			} `json:"message"`
			Status string `json:"status"`
		} `json:"alternatives"`
		Usage struct {
			InputTextTokens  string `json:"inputTextTokens"`
			CompletionTokens string `json:"completionTokens"`
			TotalTokens      string `json:"totalTokens"`
		} `json:"usage"`
	} `json:"result"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *yandexClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]yandexMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = yandexMessage{Role: m.Role, Text: m.Content}
	}

	options := yandexCompletionOptions{Stream: false}
	if req.Params.Temperature != nil {
		options.Temperature = req.Params.Temperature
	}
	if req.Params.MaxTokens != nil {
		options.MaxTokens = strconv.Itoa(*req.Params.MaxTokens)
	}

	payload, err := json.Marshal(yandexCompletionRequest{
		ModelURI:          fmt.Sprintf("gpt://%s/%s", c.folderID, req.Model),
		CompletionOptions: options,
		Messages:          messages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode yandex request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/foundationModels/v1/completion", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build yandex request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch {
	case c.apiKey != "":
		httpReq.Header.Set("Authorization", "Api-Key "+c.apiKey)
	case c.oauthToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+c.oauthToken)
	default:
		return nil, fmt.Errorf("yandex provider requires an api key or oauth token")
	}
	httpReq.Header.Set("x-folder-id", c.folderID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("yandex request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read yandex response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yandex returned %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), truncate(string(body), 300))
	}

	var parsed yandexCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode yandex response: %w", err)
	}
	if parsed.Error.Message != "" {
		return nil, fmt.Errorf("yandex error: %s", parsed.Error.Message)
	}
	if len(parsed.Result.Alternatives) == 0 {
		return nil, fmt.Errorf("yandex returned no alternatives for model %s", req.Model)
	}

	alt := parsed.Result.Alternatives[0]
	out := &ChatResponse{
		Content:   alt.Message.Text,
		Reasoning: alt.Message.Reasoning,
	}
	// Usage counters arrive as decimal strings.
	out.PromptTokens, _ = strconv.Atoi(parsed.Result.Usage.InputTextTokens)
	out.CompletionTokens, _ = strconv.Atoi(parsed.Result.Usage.CompletionTokens)
	out.TotalTokens, _ = strconv.Atoi(parsed.Result.Usage.TotalTokens)
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out, nil
}
