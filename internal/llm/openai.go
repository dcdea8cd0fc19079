package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/archonhq/archon/internal/archerr"
)

// OpenAIProvider adapts the OpenAI chat completions API, and any server
// speaking the same wire format.
type OpenAIProvider struct {
	client openai.Client
	config *ProviderConfig
}

// NewOpenAI builds the provider with defaults applied.
func NewOpenAI(cfg *ProviderConfig) *OpenAIProvider {
	return newOpenAICompatible(applyDefaults(cfg, "openai"))
}

func newOpenAICompatible(cfg *ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.Endpoint),
			option.WithRequestTimeout(cfg.Timeout),
		),
		config: cfg,
	}
}

func (p *OpenAIProvider) Name() string { return p.config.Name }

func (p *OpenAIProvider) Available() bool { return p.config.APIKey != "" }

// Chat sends the conversation and returns the completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(temperature),
	})
	if err != nil {
		return nil, classifyOpenAIError(p.config.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, archerr.New(archerr.KindProviderTransient, "%s returned no choices", p.config.Name)
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Duration:         time.Since(start),
	}, nil
}

func classifyOpenAIError(name string, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return archerr.Wrap(archerr.KindProviderAuth, err, "%s authentication failed", name)
		case apierr.StatusCode == http.StatusTooManyRequests:
			return archerr.Wrap(archerr.KindProviderRateLimit, err, "%s rate limited", name)
		case apierr.StatusCode >= 500:
			return archerr.Wrap(archerr.KindProviderTransient, err, "%s server error", name)
		default:
			return archerr.Wrap(archerr.KindValidation, err, "%s rejected request", name)
		}
	}
	return archerr.Wrap(archerr.KindProviderTransient, err, "%s request failed", name)
}
