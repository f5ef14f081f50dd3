// Package llm provides chat-completion clients for the providers the
// LLMChain executor can dispatch to. Each client translates one provider's
// wire shape into the shared ChatRequest/ChatResponse pair and surfaces
// provider errors with status text intact so retry classification works on
// the message.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider tags understood by Dial.
const (
	ProviderOpenAI    = "openai"
	ProviderLMStudio  = "lmstudio"
	ProviderOllama    = "ollama"
	ProviderYandex    = "yandex"
	ProviderAnthropic = "anthropic"
)

// Role values in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params carries the sampling parameters a provider call may honor. Nil
// means the parameter is not enabled; clients send only non-nil values the
// provider supports.
type Params struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	Seed             *int
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	ReasoningEffort  *string
}

// ChatRequest is one chat-completion call.
type ChatRequest struct {
	Model    string
	Messages []Message
	Params   Params
}

// ChatResponse is the parsed provider answer. Reasoning is advisory: some
// providers carry it in a dedicated field, others inline it in the content
// where the executor's heuristics extract it.
type ChatResponse struct {
	Content          string
	Reasoning        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Config carries the connection settings a provider client needs. Fields a
// provider does not use are ignored.
type Config struct {
	BaseURL    string
	APIKey     string
	OAuthToken string
	FolderID   string
}

// Client is a chat-completion provider.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Factory builds a Client from a Config.
type Factory func(cfg Config) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		ProviderOpenAI:    newOpenAI,
		ProviderLMStudio:  newLMStudio,
		ProviderOllama:    newOllama,
		ProviderYandex:    newYandex,
		ProviderAnthropic: newAnthropic,
	}
)

// RegisterProvider installs a factory under a provider tag, replacing any
// existing one. Tests use this to plug stub providers into flows.
func RegisterProvider(provider string, factory Factory) {
	factoriesMu.Lock()
	factories[strings.ToLower(provider)] = factory
	factoriesMu.Unlock()
}

// Dial builds a client for a provider tag.
func Dial(provider string, cfg Config) (Client, error) {
	factoriesMu.RLock()
	factory, ok := factories[strings.ToLower(provider)]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider '%s' (known: %s)", provider, strings.Join(Providers(), ", "))
	}
	return factory(cfg)
}

// Providers returns the registered provider tags, sorted.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
