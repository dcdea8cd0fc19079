package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.VectorBackend)
	assert.Equal(t, 100, cfg.EmbeddingBatchSize)
	assert.Equal(t, 4000, cfg.ChunkSize)
	assert.Equal(t, 20000, cfg.MaxPageChars)
	assert.Equal(t, 3, cfg.ConcurrentCrawlLimit)
	assert.Equal(t, time.Hour, cfg.SessionTimeout)
	assert.Equal(t, []string{"http://localhost:3737"}, cfg.AllowedOrigins)
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
}

func TestBatchSizeClamped(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "k")

	t.Setenv("EMBEDDING_BATCH_SIZE", "5")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.EmbeddingBatchSize)

	t.Setenv("EMBEDDING_BATCH_SIZE", "1000")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.EmbeddingBatchSize)
}

func TestWildcardOriginRejected(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("ALLOWED_ORIGINS", "*")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOWED_ORIGINS")
}

func TestOriginCommaList(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
}

func TestUnknownVectorBackend(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("VECTOR_BACKEND", "pinecone")

	_, err := Load()
	require.Error(t, err)
}

func TestSessionTimeoutFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("MCP_SESSION_TIMEOUT_SECONDS", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.SessionTimeout)
}
