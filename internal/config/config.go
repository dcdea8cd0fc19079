// Package config loads Archon's runtime configuration. Settings come from the
// environment first, with an optional archon.yaml for local overrides. Numeric
// limits are clamped here so the rest of the codebase can trust the values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	// HTTPAddr is the listen address for the API and RPC server.
	HTTPAddr string `mapstructure:"http_addr"`

	// APIBearerToken authenticates every HTTP and RPC call. Empty disables
	// auth (local development only).
	APIBearerToken string `mapstructure:"api_bearer_token"`

	// AllowedOrigins is the CORS allow-list. Must never be "*" because the
	// API runs with credentials enabled.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// EncryptionKey protects credentials at rest. Startup fails without it.
	EncryptionKey string `mapstructure:"encryption_key"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `mapstructure:"database_path"`

	// VectorBackend selects the vector store: "sqlite" (columnar, default)
	// or "qdrant".
	VectorBackend string `mapstructure:"vector_backend"`

	// QdrantAddr is the Qdrant gRPC address when VectorBackend is "qdrant".
	QdrantAddr string `mapstructure:"qdrant_addr"`

	// LLMProvider names the chat provider used for enrichment and summaries.
	LLMProvider string `mapstructure:"llm_provider"`

	// EmbeddingProvider names the embedding provider.
	EmbeddingProvider string `mapstructure:"embedding_provider"`

	// RAGAgentModel overrides the chat model for RAG enrichment calls.
	RAGAgentModel string `mapstructure:"rag_agent_model"`

	// EmbeddingBatchSize is clamped to [20, 200].
	EmbeddingBatchSize int `mapstructure:"embedding_batch_size"`

	// ChunkSize is the target chunk size in characters.
	ChunkSize int `mapstructure:"chunk_size"`

	// CodeMinLength is the minimum stored code-example body length.
	CodeMinLength int `mapstructure:"code_min_length"`

	// MaxPageChars caps page bodies returned to agents; longer bodies are
	// replaced with a placeholder.
	MaxPageChars int `mapstructure:"max_page_chars"`

	// ConcurrentCrawlLimit caps simultaneous ingest jobs.
	ConcurrentCrawlLimit int `mapstructure:"concurrent_crawl_limit"`

	// UseContextualEmbeddings prepends an LLM-generated page summary to each
	// chunk before embedding.
	UseContextualEmbeddings bool `mapstructure:"use_contextual_embeddings"`

	// RerankerURL points at the external cross-encoder service. Empty
	// disables reranking.
	RerankerURL string `mapstructure:"reranker_url"`

	// SessionTimeout is the tool-bridge session idle timeout.
	SessionTimeout time.Duration `mapstructure:"-"`

	// Logging.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the baseline configuration before env overrides.
func Default() *Config {
	return &Config{
		HTTPAddr:             ":8181",
		AllowedOrigins:       []string{"http://localhost:3737"},
		DatabasePath:         "archon.db",
		VectorBackend:        "sqlite",
		QdrantAddr:           "localhost:6334",
		LLMProvider:          "openai",
		EmbeddingProvider:    "openai",
		EmbeddingBatchSize:   100,
		ChunkSize:            4000,
		CodeMinLength:        250,
		MaxPageChars:         20000,
		ConcurrentCrawlLimit: 3,
		SessionTimeout:       time.Hour,
		LogLevel:             "info",
	}
}

// Load builds the configuration from defaults, an optional archon.yaml in the
// working directory, and environment variables (which win).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8181")
	v.SetDefault("allowed_origins", "http://localhost:3737")
	v.SetDefault("database_path", "archon.db")
	v.SetDefault("vector_backend", "sqlite")
	v.SetDefault("qdrant_addr", "localhost:6334")
	v.SetDefault("llm_provider", "openai")
	v.SetDefault("embedding_provider", "openai")
	v.SetDefault("embedding_batch_size", 100)
	v.SetDefault("chunk_size", 4000)
	v.SetDefault("code_min_length", 250)
	v.SetDefault("max_page_chars", 20000)
	v.SetDefault("concurrent_crawl_limit", 3)
	v.SetDefault("mcp_session_timeout_seconds", 3600)
	v.SetDefault("use_contextual_embeddings", false)
	v.SetDefault("log_level", "info")

	v.SetConfigName("archon")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	// Env names are the upper-cased keys, e.g. EMBEDDING_BATCH_SIZE.
	for _, key := range []string{
		"http_addr", "api_bearer_token", "allowed_origins", "encryption_key",
		"database_path", "vector_backend", "qdrant_addr", "llm_provider",
		"embedding_provider", "rag_agent_model", "embedding_batch_size",
		"chunk_size", "code_min_length", "max_page_chars",
		"concurrent_crawl_limit", "mcp_session_timeout_seconds",
		"use_contextual_embeddings", "reranker_url", "log_level", "log_format",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// allowed_origins may arrive as a comma list from the environment.
	if raw := v.GetString("allowed_origins"); raw != "" {
		cfg.AllowedOrigins = splitCommaList(raw)
	}
	cfg.SessionTimeout = time.Duration(v.GetInt("mcp_session_timeout_seconds")) * time.Second

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clamp forces numeric settings into their supported ranges.
func (c *Config) clamp() {
	if c.EmbeddingBatchSize < 20 {
		c.EmbeddingBatchSize = 20
	}
	if c.EmbeddingBatchSize > 200 {
		c.EmbeddingBatchSize = 200
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4000
	}
	if c.MaxPageChars <= 0 {
		c.MaxPageChars = 20000
	}
	if c.ConcurrentCrawlLimit <= 0 {
		c.ConcurrentCrawlLimit = 3
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = time.Hour
	}
}

// Validate enforces the settings the service refuses to start without.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for credential storage")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("ALLOWED_ORIGINS must not contain '*' while credentials are enabled")
		}
	}
	switch c.VectorBackend {
	case "sqlite", "qdrant":
	default:
		return fmt.Errorf("unknown vector backend %q", c.VectorBackend)
	}
	return nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
