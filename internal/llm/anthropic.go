package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

type AnthropicConfig struct {
	// BaseURL overrides the API endpoint; empty uses the SDK default.
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// MaxRetries overrides the SDK retry count when positive.
	MaxRetries int
}

type AnthropicGenerator struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithRequestTimeout(timeout),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	return &AnthropicGenerator{
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   int64(maxTokens),
	}, nil
}

func (g *AnthropicGenerator) Name() string {
	return "anthropic/" + g.model
}

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User))},
		MaxTokens:   g.maxTokens,
		Temperature: anthropic.Float(g.temperature),
	}
	if strings.TrimSpace(prompt.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages request: %w", err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
