package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/archonhq/archon/internal/archerr"
)

// Reranker calls an external cross-encoder scoring service.
type Reranker struct {
	url    string
	client *http.Client
}

// NewReranker returns nil when no URL is configured, which disables
// reranking.
func NewReranker(url string) *Reranker {
	if url == "" {
		return nil
	}
	return &Reranker{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one relevance score per document, aligned with the input.
func (r *Reranker) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, archerr.Wrap(archerr.KindInternal, err, "marshal rerank request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, archerr.Wrap(archerr.KindInternal, err, "build rerank request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, archerr.ErrCancelled
		}
		return nil, archerr.Wrap(archerr.KindProviderTransient, err, "reranker unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, archerr.New(archerr.KindProviderTransient, "reranker returned %d: %s", resp.StatusCode, raw)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, archerr.Wrap(archerr.KindProviderTransient, err, "decode rerank response")
	}
	if len(parsed.Scores) != len(documents) {
		return nil, archerr.New(archerr.KindInternal,
			"rerank score count mismatch: got %d, expected %d", len(parsed.Scores), len(documents))
	}
	return parsed.Scores, nil
}
