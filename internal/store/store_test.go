package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/archerr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGetSource(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	src := &Source{
		SourceID: "docs.example.com",
		Title:    "Example Docs",
		Metadata: map[string]any{"knowledge_type": "documentation", "tags": []any{"go"}},
	}
	require.NoError(t, db.UpsertSource(ctx, src))

	got, err := db.GetSource(ctx, "docs.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Example Docs", got.Title)
	assert.Equal(t, "documentation", got.Metadata["knowledge_type"])
	assert.Empty(t, got.Summary)
}

func TestUpsertSourceKeepsSummary(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1", Title: "v1"}))
	require.NoError(t, db.SetSourceSummary(ctx, "s1", "a summary", 1234))

	// Re-crawl: upsert again with a new title.
	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1", Title: "v2"}))

	got, err := db.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
	assert.Equal(t, "a summary", got.Summary)
	assert.Equal(t, 1234, got.TotalWordCount)
}

func TestGetSourceNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetSource(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))
}

func TestInsertPagesAssignsIDsAndKeepsThemOnRecrawl(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1"}))

	pages := []*Page{
		{SourceID: "s1", URL: "https://example.com/a", FullContent: "alpha", WordCount: 1, CharCount: 5},
		{SourceID: "s1", URL: "https://example.com/b", FullContent: "beta", WordCount: 1, CharCount: 4},
	}
	require.NoError(t, db.InsertPages(ctx, pages))
	require.NotEmpty(t, pages[0].ID)
	firstID := pages[0].ID

	// Re-crawl with new content: id is stable, content refreshed.
	again := []*Page{{SourceID: "s1", URL: "https://example.com/a", FullContent: "alpha v2"}}
	require.NoError(t, db.InsertPages(ctx, again))
	assert.Equal(t, firstID, again[0].ID)

	got, err := db.GetPage(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "alpha v2", got.FullContent)
}

func TestPageUniquePerSourceURL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1"}))

	p := []*Page{{SourceID: "s1", URL: "https://example.com/x", FullContent: "x"}}
	require.NoError(t, db.InsertPages(ctx, p))
	require.NoError(t, db.InsertPages(ctx, []*Page{{SourceID: "s1", URL: "https://example.com/x", FullContent: "x"}}))

	_, total, err := db.ListPages(ctx, "s1", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUpdateChunkCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1"}))

	pages := []*Page{{SourceID: "s1", URL: "https://example.com/a", FullContent: "a"}}
	require.NoError(t, db.InsertPages(ctx, pages))
	require.NoError(t, db.UpdateChunkCounts(ctx, map[string]int{pages[0].ID: 7}))

	got, err := db.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.ChunkCount)
}

func TestListPagesPagination(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1"}))

	var pages []*Page
	for i := 0; i < 5; i++ {
		pages = append(pages, &Page{
			SourceID:     "s1",
			URL:          "https://example.com/llms-full.txt#section-" + string(rune('0'+i)),
			SectionOrder: i,
			FullContent:  "content",
		})
	}
	require.NoError(t, db.InsertPages(ctx, pages))

	got, total, err := db.ListPages(ctx, "s1", "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].SectionOrder)
}

func TestDeleteSourceCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertSource(ctx, &Source{SourceID: "s1"}))

	pages := []*Page{{SourceID: "s1", URL: "https://example.com/a", FullContent: "a"}}
	require.NoError(t, db.InsertPages(ctx, pages))

	// A chunk row referencing the source, to exercise the cascade.
	_, err := db.SQL().ExecContext(ctx, `
		INSERT INTO crawled_pages (id, source_id, page_id, url, chunk_number, content)
		VALUES ('c1', 's1', ?, 'https://example.com/a', 0, 'chunk text')
	`, pages[0].ID)
	require.NoError(t, err)

	require.NoError(t, db.DeleteSource(ctx, "s1"))

	_, err = db.GetPage(ctx, pages[0].ID)
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))

	var n int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM crawled_pages").Scan(&n))
	assert.Zero(t, n)

	err = db.DeleteSource(ctx, "s1")
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))
}
