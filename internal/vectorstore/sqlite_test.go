package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/store"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.UpsertSource(context.Background(), &store.Source{SourceID: "s1"}))
	require.NoError(t, db.UpsertSource(context.Background(), &store.Source{SourceID: "s2"}))
	return NewSQLite(db)
}

// vec makes a unit-ish test vector of width dim whose direction is set by
// seed, so distinct seeds have distinct similarities.
func vec(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	v[1] = seed
	return v
}

func chunkDoc(sourceID, url string, n int, embedding []float32) *Document {
	return &Document{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		URL:         url,
		ChunkNumber: n,
		Content:     "chunk content for " + url,
		Embedding:   embedding,
		Metadata:    map[string]any{"knowledge_type": "documentation"},
	}
}

func TestValidateEmbedding(t *testing.T) {
	assert.Error(t, ValidateEmbedding(nil, 0))
	assert.Error(t, ValidateEmbedding(make([]float32, 768), 0)) // all zeros
	assert.Error(t, ValidateEmbedding(vec(768, 1), 1536))
	assert.NoError(t, ValidateEmbedding(vec(768, 1), 768))
	assert.NoError(t, ValidateEmbedding(vec(1536, 1), 0))
}

func TestValidateDocument(t *testing.T) {
	assert.Error(t, ValidateDocument(nil))
	assert.Error(t, ValidateDocument(&Document{URL: "u"}))
	assert.Error(t, ValidateDocument(&Document{Content: "c"}))
	assert.NoError(t, ValidateDocument(&Document{URL: "u", Content: "c"}))
}

func TestUpsertAndSearchRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []*Document{
		chunkDoc("s1", "https://example.com/a", 0, vec(1536, 0.9)),
		chunkDoc("s1", "https://example.com/a", 1, vec(1536, 0.1)),
		chunkDoc("s2", "https://other.com/b", 0, vec(1536, 0.8)),
	}
	results, err := s.Upsert(ctx, CollectionChunks, docs, 100)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	hits, err := s.Search(ctx, CollectionChunks, vec(1536, 0.9), SearchOptions{MatchCount: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "https://example.com/a", hits[0].URL)
	assert.Equal(t, 0, hits[0].ChunkNumber)
	assert.GreaterOrEqual(t, hits[0].Similarity, hits[1].Similarity)
	assert.Equal(t, "documentation", hits[0].Metadata["knowledge_type"])
}

func TestSearchSourceFilterAliases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, CollectionChunks, []*Document{
		chunkDoc("s1", "https://example.com/a", 0, vec(1536, 0.5)),
		chunkDoc("s2", "https://other.com/b", 0, vec(1536, 0.5)),
	}, 100)
	require.NoError(t, err)

	for _, key := range []string{"source", "source_id"} {
		hits, err := s.Search(ctx, CollectionChunks, vec(1536, 0.5), SearchOptions{
			MatchCount: 10,
			Filter:     map[string]any{key: "s2"},
		})
		require.NoError(t, err)
		require.Len(t, hits, 1, "filter key %q", key)
		assert.Equal(t, "s2", hits[0].SourceID)
	}
}

func TestSearchDimensionIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, CollectionChunks, []*Document{
		chunkDoc("s1", "https://example.com/narrow", 0, vec(768, 0.5)),
		chunkDoc("s1", "https://example.com/wide", 0, vec(1536, 0.5)),
	}, 100)
	require.NoError(t, err)

	hits, err := s.Search(ctx, CollectionChunks, vec(768, 0.5), SearchOptions{MatchCount: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://example.com/narrow", hits[0].URL)
}

func TestSearchDeterministicTieBreak(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Identical vectors: ties must break by chunk_number then id.
	same := vec(1536, 0.3)
	_, err := s.Upsert(ctx, CollectionChunks, []*Document{
		chunkDoc("s1", "https://example.com/a", 2, same),
		chunkDoc("s1", "https://example.com/a", 0, same),
		chunkDoc("s1", "https://example.com/a", 1, same),
	}, 100)
	require.NoError(t, err)

	hits, err := s.Search(ctx, CollectionChunks, same, SearchOptions{MatchCount: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{hits[0].ChunkNumber, hits[1].ChunkNumber, hits[2].ChunkNumber})
}

func TestUpsertPerItemFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	good := chunkDoc("s1", "https://example.com/ok", 0, vec(1536, 0.5))
	bad := chunkDoc("s1", "https://example.com/bad", 0, make([]float32, 1536)) // all zeros
	missing := &Document{ID: uuid.NewString(), SourceID: "s1", Embedding: vec(1536, 0.5)}

	results, err := s.Upsert(ctx, CollectionChunks, []*Document{good, bad, missing}, 100)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(results[1].Err))
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(results[2].Err))

	info, err := s.CollectionInfo(ctx, CollectionChunks)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Count)
}

func TestUpsertReplacesOnURLAndChunkNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := chunkDoc("s1", "https://example.com/a", 0, vec(1536, 0.5))
	_, err := s.Upsert(ctx, CollectionChunks, []*Document{first}, 100)
	require.NoError(t, err)

	second := chunkDoc("s1", "https://example.com/a", 0, vec(768, 0.5))
	second.Content = "refreshed"
	_, err = s.Upsert(ctx, CollectionChunks, []*Document{second}, 100)
	require.NoError(t, err)

	info, err := s.CollectionInfo(ctx, CollectionChunks)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Count)

	// The row moved to the 768 column; the old dimension no longer matches.
	hits, err := s.Search(ctx, CollectionChunks, vec(1536, 0.5), SearchOptions{MatchCount: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, CollectionChunks, vec(768, 0.5), SearchOptions{MatchCount: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "refreshed", hits[0].Content)
}

func TestKeywordSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := chunkDoc("s1", "https://example.com/goroutines", 0, vec(1536, 0.5))
	doc.Content = "Goroutines are lightweight threads managed by the Go runtime."
	other := chunkDoc("s1", "https://example.com/channels", 0, vec(1536, 0.5))
	other.Content = "Channels provide communication between concurrent processes."
	_, err := s.Upsert(ctx, CollectionChunks, []*Document{doc, other}, 100)
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, CollectionChunks, "goroutines runtime", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "https://example.com/goroutines", hits[0].URL)
	assert.Greater(t, hits[0].Similarity, 0.0)
}

func TestDeleteBySourceFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, CollectionChunks, []*Document{
		chunkDoc("s1", "https://example.com/a", 0, vec(1536, 0.5)),
		chunkDoc("s1", "https://example.com/a", 1, vec(1536, 0.5)),
		chunkDoc("s2", "https://other.com/b", 0, vec(1536, 0.5)),
	}, 100)
	require.NoError(t, err)

	n, err := s.Delete(ctx, CollectionChunks, map[string]any{"source": "s1"}, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Delete(ctx, CollectionChunks, nil, 100)
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(err))
}

func TestUpdateMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := chunkDoc("s1", "https://example.com/a", 0, vec(1536, 0.5))
	_, err := s.Upsert(ctx, CollectionChunks, []*Document{doc}, 100)
	require.NoError(t, err)

	require.NoError(t, s.UpdateMetadata(ctx, CollectionChunks, doc.ID, map[string]any{"reviewed": true}))

	hits, err := s.Search(ctx, CollectionChunks, vec(1536, 0.5), SearchOptions{MatchCount: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, true, hits[0].Metadata["reviewed"])

	err = s.UpdateMetadata(ctx, CollectionChunks, "missing", nil)
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))
}

func TestCodeExamplesCollection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &Document{
		ID:        uuid.NewString(),
		SourceID:  "s1",
		URL:       "https://example.com/a",
		Content:   "func main() { fmt.Println(\"hi\") }",
		Language:  "go",
		Summary:   "Hello world entry point",
		Embedding: vec(768, 0.5),
	}
	_, err := s.Upsert(ctx, CollectionCodeExamples, []*Document{doc}, 100)
	require.NoError(t, err)

	hits, err := s.Search(ctx, CollectionCodeExamples, vec(768, 0.5), SearchOptions{MatchCount: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "go", hits[0].Language)
	assert.Equal(t, "Hello world entry point", hits[0].Summary)
}

func TestCodeExampleUpdateRefreshesKeywordIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &Document{
		ID:        uuid.NewString(),
		SourceID:  "s1",
		URL:       "https://example.com/a",
		Content:   "func alpha() { parseConfig() }",
		Language:  "go",
		Embedding: vec(768, 0.5),
	}
	_, err := s.Upsert(ctx, CollectionCodeExamples, []*Document{doc}, 100)
	require.NoError(t, err)

	// Re-upserting the same id takes the update path; the keyword index
	// must track the new content, not the old.
	doc.Content = "func beta() { renderTemplate() }"
	_, err = s.Upsert(ctx, CollectionCodeExamples, []*Document{doc}, 100)
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, CollectionCodeExamples, "renderTemplate", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].ID)

	stale, err := s.KeywordSearch(ctx, CollectionCodeExamples, "parseConfig", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestUnknownCollection(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Search(context.Background(), "nope", vec(768, 0.5), SearchOptions{})
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(err))
}

func TestHealthCheck(t *testing.T) {
	s := openTestStore(t)
	h, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Connected)
	assert.Equal(t, "healthy", h.Status)
	assert.Len(t, h.Collections, 2)
}

func TestEmbeddingBytesRoundtrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.14159, 0}
	out := BytesToEmbedding(EmbeddingToBytes(in))
	assert.Equal(t, in, out)
}
