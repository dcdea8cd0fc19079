package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/store"
)

// SQLiteStore implements Store over the shared SQLite database using one BLOB
// column per embedding dimension. Similarity is computed in Go over candidate
// rows of the query's dimension; the FTS5 index provides the keyword leg.
type SQLiteStore struct {
	db  *store.DB
	log zerolog.Logger
}

// NewSQLite wraps an open database. The schema is applied by store.Open.
func NewSQLite(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db, log: logging.Component("vectorstore.sqlite")}
}

type tableSpec struct {
	name string
	fts  string
}

func (s *SQLiteStore) table(collection string) (tableSpec, error) {
	switch collection {
	case CollectionChunks:
		return tableSpec{name: "crawled_pages", fts: "crawled_pages_fts"}, nil
	case CollectionCodeExamples:
		return tableSpec{name: "code_examples", fts: "code_examples_fts"}, nil
	default:
		return tableSpec{}, archerr.New(archerr.KindValidation, "unknown collection %q", collection)
	}
}

// columnFor maps a dimension onto its storage column. Unsupported widths land
// in the 1536 column; the stored embedding_dimension keeps search honest.
func (s *SQLiteStore) columnFor(dim int) string {
	if SupportedDimension(dim) {
		return fmt.Sprintf("embedding_%d", dim)
	}
	s.log.Warn().Int("dimension", dim).Msg("unsupported embedding dimension, storing in 1536 column")
	return "embedding_1536"
}

// CreateCollection is a no-op: both tables exist from the migration. It still
// validates the requested shape so misconfiguration fails loudly.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	if _, err := s.table(name); err != nil {
		return err
	}
	if vectorSize > 0 && !SupportedDimension(vectorSize) {
		return archerr.New(archerr.KindValidation, "unsupported vector size %d", vectorSize)
	}
	return nil
}

// Upsert writes documents in transactions of batchSize. Invalid documents are
// reported per-item and do not abort the batch.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, docs []*Document, batchSize int) ([]UpsertResult, error) {
	tbl, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	results := make([]UpsertResult, 0, len(docs))
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch, err := s.upsertBatch(ctx, tbl, docs[start:end])
		if err != nil {
			return results, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (s *SQLiteStore) upsertBatch(ctx context.Context, tbl tableSpec, docs []*Document) ([]UpsertResult, error) {
	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "begin upsert batch")
	}
	defer tx.Rollback()

	results := make([]UpsertResult, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, archerr.ErrCancelled
		}
		res := UpsertResult{ID: doc.ID}
		if err := s.upsertOne(ctx, tx, tbl, doc); err != nil {
			res.Err = err
			s.log.Warn().Err(err).Str("url", doc.URL).Msg("document upsert failed")
		} else {
			res.ID = doc.ID
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "commit upsert batch")
	}
	return results, nil
}

func (s *SQLiteStore) upsertOne(ctx context.Context, tx *sql.Tx, tbl tableSpec, doc *Document) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if err := ValidateEmbedding(doc.Embedding, 0); err != nil {
		return err
	}

	dim := len(doc.Embedding)
	col := s.columnFor(dim)
	blobs := map[string][]byte{
		"embedding_768":  nil,
		"embedding_1024": nil,
		"embedding_1536": nil,
		"embedding_3072": nil,
	}
	blobs[col] = EmbeddingToBytes(doc.Embedding)

	meta := "{}"
	if doc.Metadata != nil {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return archerr.Wrap(archerr.KindValidation, err, "marshal metadata")
		}
		meta = string(raw)
	}

	switch tbl.name {
	case "crawled_pages":
		var pageID any
		if doc.PageID != "" {
			pageID = doc.PageID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crawled_pages (id, source_id, page_id, url, chunk_number, content, metadata,
				embedding_768, embedding_1024, embedding_1536, embedding_3072,
				embedding_model, embedding_dimension)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url, chunk_number) DO UPDATE SET
				source_id = excluded.source_id,
				page_id = excluded.page_id,
				content = excluded.content,
				metadata = excluded.metadata,
				embedding_768 = excluded.embedding_768,
				embedding_1024 = excluded.embedding_1024,
				embedding_1536 = excluded.embedding_1536,
				embedding_3072 = excluded.embedding_3072,
				embedding_model = excluded.embedding_model,
				embedding_dimension = excluded.embedding_dimension
		`, doc.ID, doc.SourceID, pageID, doc.URL, doc.ChunkNumber, doc.Content, meta,
			blobs["embedding_768"], blobs["embedding_1024"], blobs["embedding_1536"], blobs["embedding_3072"],
			doc.EmbeddingModel, dim)
		return archerr.Wrap(archerr.KindStore, err, "upsert chunk %s#%d", doc.URL, doc.ChunkNumber)

	case "code_examples":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO code_examples (id, source_id, url, content, language, summary,
				context_before, context_after, metadata,
				embedding_768, embedding_1024, embedding_1536, embedding_3072,
				embedding_model, embedding_dimension)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source_id = excluded.source_id,
				url = excluded.url,
				content = excluded.content,
				language = excluded.language,
				summary = excluded.summary,
				context_before = excluded.context_before,
				context_after = excluded.context_after,
				metadata = excluded.metadata,
				embedding_768 = excluded.embedding_768,
				embedding_1024 = excluded.embedding_1024,
				embedding_1536 = excluded.embedding_1536,
				embedding_3072 = excluded.embedding_3072,
				embedding_model = excluded.embedding_model,
				embedding_dimension = excluded.embedding_dimension
		`, doc.ID, doc.SourceID, doc.URL, doc.Content, doc.Language, doc.Summary,
			doc.ContextBefore, doc.ContextAfter, meta,
			blobs["embedding_768"], blobs["embedding_1024"], blobs["embedding_1536"], blobs["embedding_3072"],
			doc.EmbeddingModel, dim)
		return archerr.Wrap(archerr.KindStore, err, "upsert code example %s", doc.ID)
	}
	return archerr.New(archerr.KindInternal, "unmapped table %s", tbl.name)
}

// Search scans candidate rows of the query's dimension, scores them with
// cosine similarity in Go, and returns the top matches in deterministic
// order: similarity descending, then chunk_number, then id.
func (s *SQLiteStore) Search(ctx context.Context, collection string, query []float32, opts SearchOptions) ([]Result, error) {
	tbl, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	if err := ValidateEmbedding(query, 0); err != nil {
		return nil, err
	}
	if opts.MatchCount <= 0 {
		opts.MatchCount = 5
	}

	dim := len(query)
	col := s.columnFor(dim)
	where, args := buildFilter(tbl.name, NormalizeFilter(opts.Filter))
	where = append(where, "embedding_dimension = ?", col+" IS NOT NULL")
	args = append(args, dim)

	rows, err := s.db.SQL().QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s",
		selectColumns(tbl.name), col, tbl.name, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "vector search on %s", tbl.name)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		doc, blob, err := scanDocument(tbl.name, rows)
		if err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan search row")
		}
		score := CosineSimilarity(query, BytesToEmbedding(blob))
		if score < opts.SimilarityThreshold {
			continue
		}
		results = append(results, Result{Document: *doc, Similarity: score})
	}
	if err := rows.Err(); err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "iterate search rows")
	}

	sortResults(results)
	if len(results) > opts.MatchCount {
		results = results[:opts.MatchCount]
	}
	return results, nil
}

// KeywordSearch runs the lexical leg over FTS5, falling back to LIKE when the
// query cannot be expressed as an FTS match. Scores are derived from bm25 rank
// and normalised into (0, 1].
func (s *SQLiteStore) KeywordSearch(ctx context.Context, collection, query string, limit int, filter map[string]any) ([]Result, error) {
	tbl, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, archerr.New(archerr.KindValidation, "keyword query is empty")
	}
	if limit <= 0 {
		limit = 10
	}

	where, args := buildFilter("d", NormalizeFilter(filter))
	filterSQL := ""
	if len(where) > 0 {
		filterSQL = " AND " + strings.Join(where, " AND ")
	}

	match := ftsQuery(query)
	sqlText := fmt.Sprintf(`
		SELECT %s, bm25(%s) AS rank
		FROM %s f JOIN %s d ON d.rowid = f.rowid
		WHERE %s MATCH ?%s
		ORDER BY rank LIMIT ?`,
		selectColumns("d:"+tbl.name), tbl.fts, tbl.fts, tbl.name, tbl.fts, filterSQL)

	rows, err := s.db.SQL().QueryContext(ctx, sqlText, append(append([]any{match}, args...), limit)...)
	if err != nil {
		// Malformed FTS syntax from odd queries: degrade to substring match.
		s.log.Debug().Err(err).Str("query", query).Msg("fts query failed, using LIKE fallback")
		return s.likeSearch(ctx, tbl, query, limit, where, args)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		doc, rank, err := scanDocumentRank(tbl.name, rows)
		if err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan keyword row")
		}
		results = append(results, Result{Document: *doc, Similarity: 1.0 / (1.0 + math.Abs(rank))})
	}
	return results, rows.Err()
}

func (s *SQLiteStore) likeSearch(ctx context.Context, tbl tableSpec, query string, limit int, where []string, args []any) ([]Result, error) {
	cond := append([]string{"d.content LIKE ?"}, where...)
	rows, err := s.db.SQL().QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s d WHERE %s LIMIT ?",
		selectColumns("d:"+tbl.name), tbl.name, strings.Join(cond, " AND ")),
		append(append([]any{"%" + query + "%"}, args...), limit)...)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "keyword fallback search")
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		doc, _, err := scanDocument(tbl.name, rows)
		if err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan fallback row")
		}
		results = append(results, Result{Document: *doc, Similarity: 0.5})
	}
	return results, rows.Err()
}

// Delete removes rows matching the filter. An empty filter is rejected so a
// bug cannot truncate a table.
func (s *SQLiteStore) Delete(ctx context.Context, collection string, filter map[string]any, batchSize int) (int, error) {
	tbl, err := s.table(collection)
	if err != nil {
		return 0, err
	}
	where, args := buildFilter(tbl.name, NormalizeFilter(filter))
	if len(where) == 0 {
		return 0, archerr.New(archerr.KindValidation, "delete requires at least one filter criterion")
	}

	res, err := s.db.SQL().ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s", tbl.name, strings.Join(where, " AND ")), args...)
	if err != nil {
		return 0, archerr.Wrap(archerr.KindStore, err, "delete from %s", tbl.name)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateMetadata replaces the metadata JSON of one document.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, collection, id string, metadata map[string]any) error {
	tbl, err := s.table(collection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return archerr.Wrap(archerr.KindValidation, err, "marshal metadata")
	}
	res, err := s.db.SQL().ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET metadata = ? WHERE id = ?", tbl.name), string(raw), id)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "update metadata")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archerr.New(archerr.KindNotFound, "document %s not found in %s", id, collection)
	}
	return nil
}

// CollectionInfo returns the row count of one logical collection.
func (s *SQLiteStore) CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	tbl, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.SQL().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tbl.name).Scan(&count); err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "count %s", tbl.name)
	}
	return &CollectionInfo{Name: collection, Count: count}, nil
}

// ListCollections names the logical collections. Both exist from migration.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	return []string{CollectionChunks, CollectionCodeExamples}, nil
}

// HealthCheck pings the database and reports the collection inventory.
func (s *SQLiteStore) HealthCheck(ctx context.Context) (*Health, error) {
	if err := s.db.Ping(ctx); err != nil {
		return &Health{Status: "unreachable"}, nil
	}
	cols, _ := s.ListCollections(ctx)
	return &Health{
		Connected:        true,
		CollectionsCount: len(cols),
		Collections:      cols,
		Status:           "healthy",
	}, nil
}

// Close is a no-op: the shared database handle is owned by store.DB.
func (s *SQLiteStore) Close() error { return nil }

// buildFilter converts a normalised filter map into WHERE fragments. Known
// columns match directly; anything else matches into the metadata JSON.
// Slice values become IN lists.
func buildFilter(table string, filter map[string]any) ([]string, []any) {
	prefix := ""
	if i := strings.Index(table, ":"); i >= 0 {
		prefix = table[:i] + "."
		table = table[i+1:]
	}

	known := map[string]bool{"id": true, "source_id": true, "url": true}
	if table == "crawled_pages" {
		known["page_id"] = true
		known["chunk_number"] = true
	}
	if table == "code_examples" {
		known["language"] = true
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []any
	for _, k := range keys {
		v := filter[k]
		expr := prefix + k
		if !known[k] {
			expr = fmt.Sprintf("json_extract(%smetadata, '$.%s')", prefix, k)
		}
		switch vals := v.(type) {
		case []any:
			if len(vals) == 0 {
				continue
			}
			where = append(where, expr+" IN ("+placeholders(len(vals))+")")
			args = append(args, vals...)
		case []string:
			if len(vals) == 0 {
				continue
			}
			where = append(where, expr+" IN ("+placeholders(len(vals))+")")
			for _, s := range vals {
				args = append(args, s)
			}
		default:
			where = append(where, expr+" = ?")
			args = append(args, v)
		}
	}
	return where, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ftsQuery quotes each token so user input cannot break FTS5 syntax, joining
// tokens with OR for recall.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// selectColumns returns the scan column list for a table, optionally prefixed
// with an alias given as "alias:table".
func selectColumns(table string) string {
	prefix := ""
	if i := strings.Index(table, ":"); i >= 0 {
		prefix = table[:i] + "."
		table = table[i+1:]
	}
	var cols []string
	switch table {
	case "crawled_pages":
		cols = []string{"id", "source_id", "COALESCE(page_id, '')", "url", "chunk_number",
			"content", "metadata", "embedding_model"}
		if prefix != "" {
			cols = []string{prefix + "id", prefix + "source_id", "COALESCE(" + prefix + "page_id, '')",
				prefix + "url", prefix + "chunk_number", prefix + "content", prefix + "metadata",
				prefix + "embedding_model"}
		}
		return strings.Join(cols, ", ")
	case "code_examples":
		cols = []string{"id", "source_id", "url", "content", "language", "summary",
			"context_before", "context_after", "metadata", "embedding_model"}
		out := make([]string, len(cols))
		for i, c := range cols {
			out[i] = prefix + c
		}
		return strings.Join(out, ", ")
	}
	return "*"
}

func scanDocument(table string, rows *sql.Rows) (*Document, []byte, error) {
	var (
		doc  Document
		meta string
		blob []byte
	)
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	switch table {
	case "crawled_pages":
		dest := []any{&doc.ID, &doc.SourceID, &doc.PageID, &doc.URL, &doc.ChunkNumber,
			&doc.Content, &meta, &doc.EmbeddingModel}
		if len(cols) > 8 {
			dest = append(dest, &blob)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, err
		}
	case "code_examples":
		dest := []any{&doc.ID, &doc.SourceID, &doc.URL, &doc.Content, &doc.Language,
			&doc.Summary, &doc.ContextBefore, &doc.ContextAfter, &meta, &doc.EmbeddingModel}
		if len(cols) > 10 {
			dest = append(dest, &blob)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, err
		}
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &doc.Metadata)
	}
	return &doc, blob, nil
}

func scanDocumentRank(table string, rows *sql.Rows) (*Document, float64, error) {
	var (
		doc  Document
		meta string
		rank float64
	)
	switch table {
	case "crawled_pages":
		if err := rows.Scan(&doc.ID, &doc.SourceID, &doc.PageID, &doc.URL, &doc.ChunkNumber,
			&doc.Content, &meta, &doc.EmbeddingModel, &rank); err != nil {
			return nil, 0, err
		}
	case "code_examples":
		if err := rows.Scan(&doc.ID, &doc.SourceID, &doc.URL, &doc.Content, &doc.Language,
			&doc.Summary, &doc.ContextBefore, &doc.ContextAfter, &meta, &doc.EmbeddingModel, &rank); err != nil {
			return nil, 0, err
		}
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &doc.Metadata)
	}
	return &doc, rank, nil
}

// sortResults orders hits deterministically: similarity descending, then
// chunk_number ascending, then id ascending.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].ChunkNumber != results[j].ChunkNumber {
			return results[i].ChunkNumber < results[j].ChunkNumber
		}
		return results[i].ID < results[j].ID
	})
}
