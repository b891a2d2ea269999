package embedding

import (
	"context"
	"fmt"

	"docqa/config"
	"docqa/internal/port"
)

// New builds the provider described by cfg.
func New(ctx context.Context, cfg config.ProviderConfig, tokenizer port.Tokenizer) (port.EmbeddingProvider, error) {
	switch cfg.Kind {
	case "openai":
		return NewOpenAIProvider(cfg.ID, envOr(cfg.APIKeyEnv, "OPENAI_API_KEY"), modelOr(cfg.Model, "text-embedding-3-small"), cfg.Dimension)
	case "deepseek":
		return NewDeepSeekProvider(cfg.ID, envOr(cfg.APIKeyEnv, "DEEPSEEK_API_KEY"), cfg.Model, cfg.Dimension)
	case "jina":
		return NewJinaProvider(cfg.ID, envOr(cfg.APIKeyEnv, "JINA_API_KEY"), modelOr(cfg.Model, "jina-embeddings-v3"), cfg.Dimension)
	case "compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", cfg.ID)
		}
		return NewOpenAICompatibleProvider(cfg.ID, cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, cfg.Dimension)
	case "ollama":
		return NewOllamaProvider(cfg.ID, modelOr(cfg.Model, "nomic-embed-text"), cfg.BaseURL, cfg.Dimension)
	case "gemini":
		return NewGeminiProvider(ctx, cfg.ID, envOr(cfg.APIKeyEnv, "GEMINI_API_KEY"), cfg.Model, cfg.Dimension)
	case "local":
		if cfg.Dimension <= 0 {
			return nil, fmt.Errorf("provider %s: dimension must be positive", cfg.ID)
		}
		return NewLocalProvider(cfg.ID, cfg.Dimension, tokenizer), nil
	case "mock":
		return NewMockProvider(cfg.ID, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider kind: %s", cfg.Kind)
	}
}

func envOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func modelOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
