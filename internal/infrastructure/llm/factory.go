package llm

import (
	"context"
	"fmt"

	"github.com/pharmalens/backend/config"
	"github.com/pharmalens/backend/internal/platform/logger"
)

// NewAdapters builds one adapter per provider that has an API key.
// Providers without a key are skipped.
func NewAdapters(ctx context.Context, cfg config.SourcesConfig, log *logger.Logger) ([]*Adapter, error) {
	if log == nil {
		log = logger.Nop()
	}

	var adapters []*Adapter
	if cfg.OpenAI.APIKey != "" {
		adapters = append(adapters, NewAdapter("openai",
			NewOpenAIGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL), log))
	}
	if cfg.Groq.APIKey != "" {
		adapters = append(adapters, NewAdapter("groq",
			NewGroqGenerator(cfg.Groq.APIKey, cfg.Groq.Model, cfg.Groq.BaseURL), log))
	}
	if cfg.Anthropic.APIKey != "" {
		adapters = append(adapters, NewAdapter("claude",
			NewClaudeGenerator(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.BaseURL), log))
	}
	if cfg.Gemini.APIKey != "" {
		gen, err := NewGeminiGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			for _, a := range adapters {
				a.Close()
			}
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		adapters = append(adapters, NewAdapter("gemini", gen, log))
	}

	for _, a := range adapters {
		log.Info("language model source registered", "source", a.Name())
	}
	return adapters, nil
}
