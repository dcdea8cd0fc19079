package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/archonhq/archon/internal/archerr"
)

// InsertPages stores pages in one transaction before chunking. (source_id,
// url) is unique: re-crawled pages keep their original id so existing chunks
// stay attached, and their content is refreshed. Page IDs are assigned here
// when empty; the slice is updated in place.
func (db *DB) InsertPages(ctx context.Context, pages []*Page) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "begin page insert")
	}
	defer tx.Rollback()

	for _, p := range pages {
		var existing string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM pages WHERE source_id = ? AND url = ?", p.SourceID, p.URL,
		).Scan(&existing)
		switch {
		case err == nil:
			p.ID = existing
			meta, merr := marshalMetadata(p.Metadata)
			if merr != nil {
				return merr
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE pages SET section_title = ?, section_order = ?, full_content = ?,
					word_count = ?, char_count = ?, metadata = ?
				WHERE id = ?
			`, p.SectionTitle, p.SectionOrder, p.FullContent,
				p.WordCount, p.CharCount, meta, p.ID); err != nil {
				return archerr.Wrap(archerr.KindStore, err, "refresh page %s", p.URL)
			}
		case errors.Is(err, sql.ErrNoRows):
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			meta, merr := marshalMetadata(p.Metadata)
			if merr != nil {
				return merr
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pages (id, source_id, url, section_title, section_order,
					full_content, word_count, char_count, metadata)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, p.SourceID, p.URL, p.SectionTitle, p.SectionOrder,
				p.FullContent, p.WordCount, p.CharCount, meta); err != nil {
				return archerr.Wrap(archerr.KindStore, err, "insert page %s", p.URL)
			}
		default:
			return archerr.Wrap(archerr.KindStore, err, "look up page %s", p.URL)
		}
	}

	if err := tx.Commit(); err != nil {
		return archerr.Wrap(archerr.KindStore, err, "commit page insert")
	}
	return nil
}

// UpdateChunkCounts patches chunk counts in after chunking completes.
func (db *DB) UpdateChunkCounts(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "begin chunk-count update")
	}
	defer tx.Rollback()

	for pageID, n := range counts {
		if _, err := tx.ExecContext(ctx,
			"UPDATE pages SET chunk_count = ? WHERE id = ?", n, pageID); err != nil {
			return archerr.Wrap(archerr.KindStore, err, "update chunk count for %s", pageID)
		}
	}
	if err := tx.Commit(); err != nil {
		return archerr.Wrap(archerr.KindStore, err, "commit chunk-count update")
	}
	return nil
}

// GetPage returns one page by id.
func (db *DB) GetPage(ctx context.Context, id string) (*Page, error) {
	row := db.sql.QueryRowContext(ctx, pageSelect+" WHERE id = ?", id)
	return scanPageErr(row, id)
}

// GetPageByURL returns one page by its exact URL.
func (db *DB) GetPageByURL(ctx context.Context, url string) (*Page, error) {
	row := db.sql.QueryRowContext(ctx, pageSelect+" WHERE url = ?", url)
	return scanPageErr(row, url)
}

// GetPagesByIDs returns the pages for the given ids, keyed by id.
func (db *DB) GetPagesByIDs(ctx context.Context, ids []string) (map[string]*Page, error) {
	out := make(map[string]*Page, len(ids))
	for _, id := range ids {
		p, err := db.GetPage(ctx, id)
		if err != nil {
			if archerr.Is(err, archerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// ListPages returns pages for a source, optionally filtered to one section
// title, with limit/offset pagination. The second return is the total count
// before pagination.
func (db *DB) ListPages(ctx context.Context, sourceID, section string, limit, offset int) ([]*Page, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	where := " WHERE source_id = ?"
	args := []any{sourceID}
	if section != "" {
		where += " AND section_title = ?"
		args = append(args, section)
	}

	var total int
	if err := db.sql.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pages"+where, args...).Scan(&total); err != nil {
		return nil, 0, archerr.Wrap(archerr.KindStore, err, "count pages")
	}

	rows, err := db.sql.QueryContext(ctx,
		pageSelect+where+" ORDER BY section_order, url LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, archerr.Wrap(archerr.KindStore, err, "list pages")
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, 0, archerr.Wrap(archerr.KindStore, err, "scan page")
		}
		pages = append(pages, p)
	}
	return pages, total, rows.Err()
}

const pageSelect = `
	SELECT id, source_id, url, section_title, section_order, full_content,
		word_count, char_count, chunk_count, metadata, created_at
	FROM pages`

func scanPage(row rowScanner) (*Page, error) {
	var (
		p    Page
		meta string
	)
	if err := row.Scan(&p.ID, &p.SourceID, &p.URL, &p.SectionTitle, &p.SectionOrder,
		&p.FullContent, &p.WordCount, &p.CharCount, &p.ChunkCount, &meta, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Metadata = unmarshalMetadata(meta)
	return &p, nil
}

func scanPageErr(row *sql.Row, key string) (*Page, error) {
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archerr.New(archerr.KindNotFound, "page %s not found", key)
	}
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "get page")
	}
	return p, nil
}
