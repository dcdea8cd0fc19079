package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/archonhq/archon/internal/archerr"
)

// UpsertSource creates the source on first ingest, or refreshes its title and
// metadata on re-crawl. Summary and word count are managed separately because
// they are produced after chunks land.
func (db *DB) UpsertSource(ctx context.Context, src *Source) error {
	meta, err := marshalMetadata(src.Metadata)
	if err != nil {
		return err
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO sources (source_id, title, metadata)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			title = excluded.title,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, src.SourceID, src.Title, meta)
	return archerr.Wrap(archerr.KindStore, err, "upsert source %s", src.SourceID)
}

// SetSourceSummary patches the AI-generated summary and aggregate word count
// into the source record.
func (db *DB) SetSourceSummary(ctx context.Context, sourceID, summary string, totalWords int) error {
	res, err := db.sql.ExecContext(ctx, `
		UPDATE sources
		SET summary = ?, total_word_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE source_id = ?
	`, summary, totalWords, sourceID)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "update source summary")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archerr.New(archerr.KindNotFound, "source %s not found", sourceID)
	}
	return nil
}

// GetSource returns one source by id.
func (db *DB) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT source_id, title, summary, total_word_count, metadata, created_at, updated_at
		FROM sources WHERE source_id = ?
	`, sourceID)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archerr.New(archerr.KindNotFound, "source %s not found", sourceID)
	}
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "get source")
	}
	return src, nil
}

// ListSources returns all sources ordered by most recently updated.
func (db *DB) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT source_id, title, summary, total_word_count, metadata, created_at, updated_at
		FROM sources ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "list sources")
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan source")
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeleteSource removes the source and, through foreign-key cascades, its
// pages, chunks and code examples in one transaction.
func (db *DB) DeleteSource(ctx context.Context, sourceID string) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "begin delete")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE source_id = ?", sourceID)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "delete source %s", sourceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archerr.New(archerr.KindNotFound, "source %s not found", sourceID)
	}
	if err := tx.Commit(); err != nil {
		return archerr.Wrap(archerr.KindStore, err, "commit delete")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var (
		src  Source
		meta string
	)
	if err := row.Scan(&src.SourceID, &src.Title, &src.Summary, &src.TotalWordCount,
		&meta, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	src.Metadata = unmarshalMetadata(meta)
	return &src, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", archerr.Wrap(archerr.KindValidation, err, "marshal metadata")
	}
	return string(raw), nil
}

func unmarshalMetadata(raw string) map[string]any {
	m := make(map[string]any)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}
