// Package embedding generates vector embeddings for chunks and code examples.
// Providers return per-item results so one poisoned text cannot sink a whole
// batch, and the service layer handles batching and a single retry on
// transient transport failures.
package embedding

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/logging"
)

// Provider is implemented by each embedding backend.
type Provider interface {
	// EmbedBatch embeds texts, returning results aligned with the input.
	// Item-level failures populate Errors without failing the call; only
	// whole-batch failures (auth, transport after retry) return an error.
	EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error)

	// ModelName returns the model identifier stored alongside embeddings.
	ModelName() string

	// Dimension returns the vector width this model produces.
	Dimension() int

	// Available reports whether the provider is configured.
	Available() bool
}

// BatchResult carries per-item outcomes for one embedding call.
type BatchResult struct {
	// Embeddings is aligned with the input; nil at failed indexes.
	Embeddings [][]float32

	// Errors is aligned with the input; nil at successful indexes.
	Errors []error
}

// NewBatchResult allocates an empty result for n inputs.
func NewBatchResult(n int) *BatchResult {
	return &BatchResult{
		Embeddings: make([][]float32, n),
		Errors:     make([]error, n),
	}
}

// FailedCount returns the number of items that did not embed.
func (r *BatchResult) FailedCount() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// modelDimensions maps known embedding models to their native widths.
// Unknown models are probed at first use.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// KnownDimension returns the registered width for a model, or 0.
func KnownDimension(model string) int {
	return modelDimensions[strings.ToLower(model)]
}

// Config selects and parameterises an embedding provider.
type Config struct {
	// Provider is "openai" or "ollama".
	Provider string

	// Model is the embedding model identifier.
	Model string

	// APIKey authenticates hosted providers.
	APIKey string

	// BaseURL overrides the provider endpoint (OpenAI-compatible servers,
	// remote Ollama hosts).
	BaseURL string
}

// New constructs the configured provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	default:
		return nil, archerr.New(archerr.KindValidation, "unknown embedding provider %q", cfg.Provider)
	}
}

// Service batches texts through a provider. It owns the retry policy: a
// batch that fails with a transient error is retried once before its items
// are marked failed.
type Service struct {
	provider  Provider
	batchSize int
	log       zerolog.Logger
}

// NewService wraps a provider. batchSize is clamped to [20, 200].
func NewService(provider Provider, batchSize int) *Service {
	if batchSize < 20 {
		batchSize = 20
	}
	if batchSize > 200 {
		batchSize = 200
	}
	return &Service{
		provider:  provider,
		batchSize: batchSize,
		log:       logging.Component("embedding"),
	}
}

// ModelName returns the wrapped provider's model identifier.
func (s *Service) ModelName() string { return s.provider.ModelName() }

// Dimension returns the wrapped provider's vector width.
func (s *Service) Dimension() int { return s.provider.Dimension() }

// EmbedAll embeds all texts in provider-sized batches, returning per-item
// results aligned with the input. Empty texts are failed locally without an
// API call. Cancellation between batches returns ErrCancelled; completed
// batches keep their results.
func (s *Service) EmbedAll(ctx context.Context, texts []string) (*BatchResult, error) {
	if !s.provider.Available() {
		return nil, archerr.New(archerr.KindProviderAuth, "embedding provider %s is not configured", s.provider.ModelName())
	}

	out := NewBatchResult(len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return out, archerr.ErrCancelled
		}
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		s.embedBatch(ctx, texts[start:end], out, start)
	}

	if failed := out.FailedCount(); failed > 0 {
		s.log.Warn().Int("failed", failed).Int("total", len(texts)).Msg("batch embedding completed with failures")
	}
	return out, nil
}

// embedBatch runs one provider call with a single retry on transient errors,
// writing results into out at offset.
func (s *Service) embedBatch(ctx context.Context, batch []string, out *BatchResult, offset int) {
	// Fail empty texts locally; the provider only sees real content.
	call := make([]string, 0, len(batch))
	callIdx := make([]int, 0, len(batch))
	for i, text := range batch {
		if strings.TrimSpace(text) == "" {
			out.Errors[offset+i] = archerr.New(archerr.KindValidation, "text is empty")
			continue
		}
		call = append(call, text)
		callIdx = append(callIdx, offset+i)
	}
	if len(call) == 0 {
		return
	}

	res, err := s.provider.EmbedBatch(ctx, call)
	if err != nil && archerr.Retryable(err) {
		s.log.Debug().Err(err).Msg("retrying embedding batch after transient error")
		select {
		case <-ctx.Done():
			err = archerr.ErrCancelled
		case <-time.After(time.Second):
			res, err = s.provider.EmbedBatch(ctx, call)
		}
	}
	if err != nil {
		for _, idx := range callIdx {
			out.Errors[idx] = err
		}
		return
	}

	if len(res.Embeddings) != len(call) {
		err := archerr.New(archerr.KindInternal,
			"embedding count mismatch: got %d, expected %d", len(res.Embeddings), len(call))
		for _, idx := range callIdx {
			out.Errors[idx] = err
		}
		return
	}

	for i, idx := range callIdx {
		out.Embeddings[idx] = res.Embeddings[i]
		if i < len(res.Errors) {
			out.Errors[idx] = res.Errors[i]
		}
	}
}
