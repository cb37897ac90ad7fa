package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/duckmesh/askmesh/internal/config"
)

// ErrEmptyCompletion is returned when a provider answered without any text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

type Prompt struct {
	System string
	User   string
}

// Generator is the text-generation capability. Implementations are safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
	Name() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

func (f GeneratorFunc) Name() string {
	return "func"
}

// New builds the configured generator. It returns nil without error when
// text generation is disabled.
func New(cfg config.AIConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderOpenAI:
		return NewOpenAIGenerator(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	case config.ProviderAnthropic:
		return NewAnthropicGenerator(AnthropicConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
