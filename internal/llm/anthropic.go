package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/archonhq/archon/internal/archerr"
)

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	config *ProviderConfig
}

// NewAnthropic builds the provider with defaults applied.
func NewAnthropic(cfg *ProviderConfig) *AnthropicProvider {
	cfg = applyDefaults(cfg, "anthropic")
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.Endpoint != DefaultConfig("anthropic").Endpoint {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), config: cfg}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Available() bool { return p.config.APIKey != "" }

// Chat sends the conversation through the Messages API.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var content string
	for _, block := range msg.Content {
		content += block.Text
	}
	return &ChatResponse{
		Content:          content,
		Model:            string(msg.Model),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		Duration:         time.Since(start),
	}, nil
}

func classifyAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return archerr.Wrap(archerr.KindProviderAuth, err, "anthropic authentication failed")
		case apierr.StatusCode == http.StatusTooManyRequests:
			return archerr.Wrap(archerr.KindProviderRateLimit, err, "anthropic rate limited")
		case apierr.StatusCode >= 500 || apierr.StatusCode == 529:
			return archerr.Wrap(archerr.KindProviderTransient, err, "anthropic overloaded")
		default:
			return archerr.Wrap(archerr.KindValidation, err, "anthropic rejected request")
		}
	}
	return archerr.Wrap(archerr.KindProviderTransient, err, "anthropic request failed")
}
