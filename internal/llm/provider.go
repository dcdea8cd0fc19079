// Package llm provides chat completion providers used for source summaries,
// code example summaries and contextual embedding prefixes. Supports OpenAI,
// Anthropic, AWS Bedrock, Ollama and LM Studio.
package llm

import (
	"context"
	"time"

	"github.com/archonhq/archon/internal/archerr"
)

// Provider is the canonical chat interface every backend adapts to.
type Provider interface {
	// Chat sends a request and returns the completed response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available reports whether the provider is configured.
	Available() bool
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	// Model overrides the provider's configured default when set.
	Model string `json:"model,omitempty"`

	// SystemPrompt sets model behaviour.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatResponse carries the completion and usage accounting.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// ProviderConfig parameterises one provider.
type ProviderConfig struct {
	// Name identifies the provider (openai, anthropic, bedrock, ollama,
	// lmstudio).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults per provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "openai":
		return &ProviderConfig{
			Name:        "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     2 * time.Minute,
		}
	case "anthropic":
		return &ProviderConfig{
			Name:        "anthropic",
			Endpoint:    "https://api.anthropic.com",
			Model:       "claude-3-5-haiku-20241022",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     2 * time.Minute,
		}
	case "bedrock":
		return &ProviderConfig{
			Name:        "bedrock",
			Model:       "anthropic.claude-3-5-haiku-20241022-v1:0",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     2 * time.Minute,
		}
	case "ollama":
		return &ProviderConfig{
			Name:        "ollama",
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3.1",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     2 * time.Minute,
		}
	case "lmstudio":
		// LM Studio exposes an OpenAI-compatible server on port 1234.
		return &ProviderConfig{
			Name:        "lmstudio",
			Endpoint:    "http://127.0.0.1:1234/v1",
			Model:       "local-model",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     5 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        name,
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     2 * time.Minute,
		}
	}
}

// applyDefaults fills missing fields from the provider's defaults.
func applyDefaults(cfg *ProviderConfig, name string) *ProviderConfig {
	if cfg == nil {
		cfg = &ProviderConfig{}
	}
	defaults := DefaultConfig(name)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaults.Temperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	cfg.Name = name
	return cfg
}

// New constructs a provider by name.
func New(ctx context.Context, name string, cfg *ProviderConfig) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "bedrock":
		return NewBedrock(ctx, cfg)
	case "ollama":
		return NewOllama(cfg), nil
	case "lmstudio":
		// OpenAI-compatible wire format; only endpoint and auth differ.
		cfg = applyDefaults(cfg, "lmstudio")
		if cfg.APIKey == "" {
			cfg.APIKey = "lm-studio"
		}
		return newOpenAICompatible(cfg), nil
	default:
		return nil, archerr.New(archerr.KindValidation, "unknown llm provider %q", name)
	}
}
