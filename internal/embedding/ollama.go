package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/archonhq/archon/internal/archerr"
)

const (
	defaultOllamaEndpoint = "http://127.0.0.1:11434"
	defaultOllamaModel    = "nomic-embed-text"

	// maxErrorBodySize bounds how much of an error response body is read.
	maxErrorBodySize = 1 * 1024 * 1024
)

// OllamaProvider embeds through a local or remote Ollama server's batch
// embed endpoint.
type OllamaProvider struct {
	endpoint string
	model    string
	client   *http.Client

	mu  sync.Mutex
	dim int
}

// NewOllama builds the provider from config, applying endpoint and model
// defaults.
func NewOllama(cfg Config) *OllamaProvider {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaProvider{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 2 * time.Minute},
		dim:      KnownDimension(model),
	}
}

func (p *OllamaProvider) ModelName() string { return p.model }

// Available is always true: Ollama needs no key, and reachability shows up
// as a transient error on first use.
func (p *OllamaProvider) Available() bool { return true }

func (p *OllamaProvider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dim
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch embeds texts in one call to /api/embed.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, archerr.Wrap(archerr.KindInternal, err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, archerr.Wrap(archerr.KindInternal, err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, archerr.ErrCancelled
		}
		return nil, archerr.Wrap(archerr.KindProviderTransient, err, "ollama unreachable at %s", p.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, archerr.New(archerr.KindProviderRateLimit, "ollama rate limited: %s", raw)
		case resp.StatusCode >= 500:
			return nil, archerr.New(archerr.KindProviderTransient, "ollama server error %d: %s", resp.StatusCode, raw)
		default:
			return nil, archerr.New(archerr.KindValidation, "ollama rejected request (%d): %s", resp.StatusCode, raw)
		}
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, archerr.Wrap(archerr.KindProviderTransient, err, "decode embed response")
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, archerr.New(archerr.KindInternal,
			"embedding count mismatch: got %d, expected %d", len(parsed.Embeddings), len(texts))
	}

	out := NewBatchResult(len(texts))
	copy(out.Embeddings, parsed.Embeddings)

	if len(parsed.Embeddings) > 0 {
		p.mu.Lock()
		if p.dim == 0 {
			p.dim = len(parsed.Embeddings[0])
		}
		p.mu.Unlock()
	}
	return out, nil
}
