// Archon is the knowledge ingestion and retrieval service: it crawls
// documentation, chunks and embeds it, and serves hybrid search over HTTP
// and JSON-RPC.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/archonhq/archon/internal/config"
	"github.com/archonhq/archon/internal/credentials"
	"github.com/archonhq/archon/internal/embedding"
	"github.com/archonhq/archon/internal/ingest"
	"github.com/archonhq/archon/internal/llm"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/progress"
	"github.com/archonhq/archon/internal/reembed"
	"github.com/archonhq/archon/internal/search"
	"github.com/archonhq/archon/internal/server"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/toolbridge"
	"github.com/archonhq/archon/internal/vectorstore"
)

var version = "dev"

func main() {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "archon",
		Short:         "Knowledge ingestion and retrieval backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("archon", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	creds, err := credentials.New(db, cfg.EncryptionKey)
	if err != nil {
		return err
	}

	vs, err := openVectorStore(cfg, db)
	if err != nil {
		return err
	}
	defer vs.Close()

	embedSvc, err := buildEmbedder(ctx, cfg, creds)
	if err != nil {
		return err
	}

	llmProvider := buildLLM(ctx, cfg, creds)

	tracker := progress.NewTracker()
	defer tracker.Shutdown()

	engine := search.NewEngine(vs, db, embedSvc,
		search.NewReranker(cfg.RerankerURL), cfg.MaxPageChars)
	pipeline := ingest.New(db, vs, embedSvc, llmProvider, tracker, ingest.Options{
		ChunkSize:            cfg.ChunkSize,
		CodeMinLength:        cfg.CodeMinLength,
		MaxJobs:              cfg.ConcurrentCrawlLimit,
		ContextualEmbeddings: cfg.UseContextualEmbeddings,
	})
	reembedSvc := reembed.NewService(db, embedSvc, tracker)
	bridge := toolbridge.New(engine, db, cfg.SessionTimeout)

	srv := server.New(db, vs, pipeline, engine, reembedSvc, tracker, bridge, server.Options{
		BearerToken:    cfg.APIBearerToken,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxPageChars:   cfg.MaxPageChars,
	})

	log.Info().Str("version", version).Str("vector_backend", cfg.VectorBackend).
		Str("embedding_provider", cfg.EmbeddingProvider).Msg("archon starting")
	return srv.ListenAndServe(cfg.HTTPAddr)
}

func openVectorStore(cfg *config.Config, db *store.DB) (vectorstore.Store, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		return vectorstore.NewQdrant(cfg.QdrantAddr)
	default:
		return vectorstore.NewSQLite(db), nil
	}
}

// buildEmbedder resolves provider credentials from the encrypted store,
// falling back to the environment for keys that were never stored.
func buildEmbedder(ctx context.Context, cfg *config.Config, creds *credentials.Store) (*embedding.Service, error) {
	ec := embedding.Config{Provider: cfg.EmbeddingProvider}
	switch cfg.EmbeddingProvider {
	case "ollama":
		ec.Model = envOr("EMBEDDING_MODEL", "nomic-embed-text")
		ec.BaseURL = creds.GetOr(ctx, "OLLAMA_BASE_URL", envOr("OLLAMA_BASE_URL", "http://127.0.0.1:11434"))
	default:
		ec.Model = envOr("EMBEDDING_MODEL", "text-embedding-3-small")
		ec.APIKey = creds.GetOr(ctx, "OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY"))
		ec.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}

	provider, err := embedding.New(ec)
	if err != nil {
		return nil, err
	}
	return embedding.NewService(provider, cfg.EmbeddingBatchSize), nil
}

// buildLLM constructs the enrichment chat provider. Failure is non-fatal: the
// pipeline degrades to templated summaries.
func buildLLM(ctx context.Context, cfg *config.Config, creds *credentials.Store) llm.Provider {
	pc := &llm.ProviderConfig{Model: cfg.RAGAgentModel}
	switch cfg.LLMProvider {
	case "anthropic":
		pc.APIKey = creds.GetOr(ctx, "ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY"))
	case "ollama":
		pc.Endpoint = creds.GetOr(ctx, "OLLAMA_BASE_URL", os.Getenv("OLLAMA_BASE_URL"))
	case "bedrock", "lmstudio":
		// Bedrock uses the ambient AWS credential chain; LM Studio needs none.
	default:
		pc.APIKey = creds.GetOr(ctx, "OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY"))
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	provider, err := llm.New(initCtx, cfg.LLMProvider, pc)
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.LLMProvider).
			Msg("chat provider unavailable, enrichment disabled")
		return nil
	}
	return provider
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
