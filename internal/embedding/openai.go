package embedding

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/archonhq/archon/internal/archerr"
)

const defaultOpenAIModel = "text-embedding-3-small"

// OpenAIProvider embeds through the OpenAI embeddings API, or any
// OpenAI-compatible server when BaseURL is set.
type OpenAIProvider struct {
	client openai.Client
	model  string
	apiKey string

	mu  sync.Mutex
	dim int
}

// NewOpenAI builds the provider from config, applying model defaults.
func NewOpenAI(cfg Config) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
		apiKey: cfg.APIKey,
		dim:    KnownDimension(model),
	}
}

func (p *OpenAIProvider) ModelName() string { return p.model }

func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

// Dimension returns the known width, or 0 until the first successful embed
// discovers it.
func (p *OpenAIProvider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dim
}

// EmbedBatch embeds texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, archerr.New(archerr.KindInternal,
			"embedding count mismatch: got %d, expected %d", len(resp.Data), len(texts))
	}

	out := NewBatchResult(len(texts))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		out.Embeddings[item.Index] = vec
	}

	if len(out.Embeddings) > 0 && out.Embeddings[0] != nil {
		p.mu.Lock()
		if p.dim == 0 {
			p.dim = len(out.Embeddings[0])
		}
		p.mu.Unlock()
	}
	return out, nil
}

// classifyOpenAIError maps SDK errors onto provider error kinds. Messages
// pass through archerr redaction so keys never reach logs.
func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return archerr.Wrap(archerr.KindProviderAuth, err, "openai authentication failed")
		case apierr.StatusCode == http.StatusTooManyRequests:
			return archerr.Wrap(archerr.KindProviderRateLimit, err, "openai rate limited")
		case apierr.StatusCode >= 500:
			return archerr.Wrap(archerr.KindProviderTransient, err, "openai server error")
		default:
			return archerr.Wrap(archerr.KindValidation, err, "openai rejected request")
		}
	}
	return archerr.Wrap(archerr.KindProviderTransient, err, "openai request failed")
}
