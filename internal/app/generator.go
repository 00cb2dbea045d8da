package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"wolfpack/internal/config"
	"wolfpack/internal/llm"
)

var defaultKeyEnv = map[string]string{
	config.ProviderGemini: "GEMINI_API_KEY",
	config.ProviderOpenAI: "OPENAI_API_KEY",
}

// NewGenerator builds the configured text backend, wrapped with call tracing.
// API keys are read from the environment variable named in the config.
func NewGenerator(ctx context.Context, cfg config.GeneratorConfig, seed uint64, logger *zap.Logger) (llm.Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultKeyEnv[cfg.Provider]
	}
	apiKey := ""
	if keyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(keyEnv))
	}

	var gen llm.Generator
	switch cfg.Provider {
	case config.ProviderGemini:
		if apiKey == "" {
			return nil, fmt.Errorf("gemini provider needs an API key in $%s", keyEnv)
		}
		g, err := llm.NewGemini(ctx, llm.GeminiConfig{APIKey: apiKey, Model: cfg.Model, Temperature: cfg.Temperature, BaseURL: cfg.BaseURL})
		if err != nil {
			return nil, err
		}
		gen = g
	case config.ProviderOpenAI:
		gen = llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      apiKey,
			Model:       cfg.Model,
			Temperature: float64(cfg.Temperature),
			Timeout:     cfg.Timeout,
		})
	case config.ProviderOffline, "":
		gen = llm.NewOffline(seed)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
	name := cfg.Provider
	if cfg.Model != "" {
		name += ":" + cfg.Model
	}
	return llm.Traced{Next: gen, Logger: logger.Named("llm"), Name: name}, nil
}
