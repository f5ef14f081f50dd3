package executor

import (
	"context"
	"net/http"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/llm"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
	"github.com/chainflow-ai/chainflow/internal/report"
)

// BuildRegistry wires the standard executor set from service configuration:
// trigger, note, model provider, LLM chain, and output sender.
func BuildRegistry(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Metrics) (*engine.Registry, error) {
	var s3Store report.Store
	if cfg.Reports.Backend == "s3" || cfg.Reports.S3.Bucket != "" {
		store, err := report.NewS3Store(ctx, report.S3Options{
			Bucket: cfg.Reports.S3.Bucket,
			Region: cfg.Reports.S3.Region,
			Prefix: cfg.Reports.S3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		s3Store = store
	}

	registry := engine.NewRegistry()
	registry.MustRegister(
		NewTrigger(),
		NewNote(),
		NewModelProvider(),
		NewLLMChain(LLMChainConfig{
			Defaults: ProviderDefaults(cfg.LLM),
			Log:      log,
			Metrics:  m,
		}),
		NewOutputSender(OutputSenderConfig{
			BaseURL:    cfg.Sender.BaseURL,
			Secret:     cfg.Sender.Secret,
			S3:         s3Store,
			HTTPClient: &http.Client{Timeout: cfg.Sender.Timeout},
			Log:        log,
			Metrics:    m,
		}),
	)
	return registry, nil
}

// ProviderDefaults maps service configuration onto per-provider connection
// defaults. Provider nodes may override any field per flow.
func ProviderDefaults(cfg config.LLMConfig) map[string]llm.Config {
	return map[string]llm.Config{
		llm.ProviderOpenAI: {
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		},
		llm.ProviderLMStudio: {
			BaseURL: cfg.LMStudioBaseURL,
		},
		llm.ProviderOllama: {
			BaseURL: cfg.OllamaBaseURL,
		},
		llm.ProviderYandex: {
			APIKey:   cfg.YandexAPIKey,
			FolderID: cfg.YandexFolderID,
		},
		llm.ProviderAnthropic: {
			APIKey: cfg.AnthropicAPIKey,
		},
	}
}
