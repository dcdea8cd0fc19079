package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/archonhq/archon/internal/archerr"
)

// maxErrorBodySize bounds how much of an error response body is read.
const maxErrorBodySize = 1 * 1024 * 1024

// OllamaProvider adapts a local or remote Ollama server's chat endpoint.
type OllamaProvider struct {
	config *ProviderConfig
	client *http.Client
}

// NewOllama builds the provider with defaults applied.
func NewOllama(cfg *ProviderConfig) *OllamaProvider {
	cfg = applyDefaults(cfg, "ollama")
	return &OllamaProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Available is always true: Ollama needs no key, and reachability shows up
// as a transient error on first use.
func (p *OllamaProvider) Available() bool { return true }

type ollamaChatRequest struct {
	Model    string             `json:"model"`
	Messages []Message          `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  ollamaChatOptions  `json:"options"`
}

type ollamaChatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Chat sends the conversation to /api/chat with streaming disabled.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  ollamaChatOptions{Temperature: temperature, NumPredict: maxTokens},
	})
	if err != nil {
		return nil, archerr.Wrap(archerr.KindInternal, err, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, archerr.Wrap(archerr.KindInternal, err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, archerr.ErrCancelled
		}
		return nil, archerr.Wrap(archerr.KindProviderTransient, err, "ollama unreachable at %s", p.config.Endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if resp.StatusCode >= 500 {
			return nil, archerr.New(archerr.KindProviderTransient, "ollama server error %d: %s", resp.StatusCode, raw)
		}
		return nil, archerr.New(archerr.KindValidation, "ollama rejected request (%d): %s", resp.StatusCode, raw)
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, archerr.Wrap(archerr.KindProviderTransient, err, "decode chat response")
	}

	return &ChatResponse{
		Content:          parsed.Message.Content,
		Model:            parsed.Model,
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
		Duration:         time.Since(start),
	}, nil
}
