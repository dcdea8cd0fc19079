// Package reembed recomputes chunk embeddings in bulk when the active
// embedding model changes. Rows are rewritten in place: the new dimension
// column is populated and the other three are nulled in one statement, so a
// cancelled run leaves every chunk self-describing.
package reembed

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/embedding"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/progress"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/vectorstore"
)

// pageSize is the number of chunks fetched and embedded per iteration.
const pageSize = 100

// Service drives one re-embedding run at a time.
type Service struct {
	db       *store.DB
	embedder *embedding.Service
	tracker  *progress.Tracker
	log      zerolog.Logger

	mu       sync.Mutex
	activeID string
}

// ModelCount is one (model, dimension) population in the store.
type ModelCount struct {
	Model     string `json:"embedding_model"`
	Dimension int    `json:"embedding_dimension"`
	Count     int64  `json:"count"`
}

// Stats describes the embedding population and the active run, if any.
type Stats struct {
	TotalChunks     int64        `json:"total_chunks"`
	Models          []ModelCount `json:"models"`
	ActiveModel     string       `json:"active_model"`
	ActiveDimension int          `json:"active_dimension"`
	Running         bool         `json:"running"`
	ProgressID      string       `json:"progress_id,omitempty"`
}

// NewService wires the re-embed engine.
func NewService(db *store.DB, embedder *embedding.Service, tracker *progress.Tracker) *Service {
	return &Service{
		db:       db,
		embedder: embedder,
		tracker:  tracker,
		log:      logging.Component("reembed"),
	}
}

// Start launches a run and returns its progress id. A second start while one
// run is live returns a conflict.
func (s *Service) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.activeID != "" && s.tracker.IsActive(s.activeID) {
		id := s.activeID
		s.mu.Unlock()
		return "", archerr.New(archerr.KindConflict, "re-embed already running as %s", id)
	}
	id := progress.NewID()
	s.activeID = id
	s.mu.Unlock()

	runCtx := s.tracker.Start(context.WithoutCancel(ctx), id, progress.OpReEmbed, map[string]any{
		"embedding_model": s.embedder.ModelName(),
	})
	go s.run(runCtx, id)
	return id, nil
}

// Stop cancels the run identified by progressID.
func (s *Service) Stop(progressID string) {
	s.tracker.Stop(progressID)
}

// Stats reports chunk counts grouped by model and dimension.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT embedding_model, embedding_dimension, COUNT(*)
		FROM crawled_pages
		GROUP BY embedding_model, embedding_dimension
		ORDER BY embedding_model, embedding_dimension
	`)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "collect embedding stats")
	}
	defer rows.Close()

	stats := &Stats{
		ActiveModel:     s.embedder.ModelName(),
		ActiveDimension: s.embedder.Dimension(),
	}
	for rows.Next() {
		var mc ModelCount
		if err := rows.Scan(&mc.Model, &mc.Dimension, &mc.Count); err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan embedding stats")
		}
		stats.Models = append(stats.Models, mc)
		stats.TotalChunks += mc.Count
	}
	if err := rows.Err(); err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "iterate embedding stats")
	}

	s.mu.Lock()
	if s.activeID != "" && s.tracker.IsActive(s.activeID) {
		stats.Running = true
		stats.ProgressID = s.activeID
	}
	s.mu.Unlock()
	return stats, nil
}

type chunkRow struct {
	id      string
	url     string
	number  int
	content string
}

func (s *Service) run(ctx context.Context, id string) {
	defer func() {
		s.mu.Lock()
		if s.activeID == id {
			s.activeID = ""
		}
		s.mu.Unlock()
	}()

	total, err := s.countChunks(ctx)
	if err != nil {
		s.tracker.Error(id, err.Error())
		return
	}
	if total == 0 {
		s.tracker.Complete(id, map[string]any{
			"chunks_processed": 0,
			"chunks_failed":    0,
			"embedding_model":  s.embedder.ModelName(),
		})
		return
	}

	s.tracker.Update(id, progress.StatusEmbedding, 15,
		fmt.Sprintf("re-embedding %d chunks with %s", total, s.embedder.ModelName()), nil)

	var processed, failed int
	for offset := 0; ; offset += pageSize {
		if !s.tracker.IsActive(id) {
			s.tracker.Cancelled(id, map[string]any{
				"chunks_processed": processed,
				"chunks_failed":    failed,
			})
			return
		}

		chunks, err := s.fetchPage(ctx, offset)
		if err != nil {
			s.tracker.Error(id, err.Error())
			return
		}
		if len(chunks) == 0 {
			break
		}

		p, f, err := s.embedPage(ctx, chunks)
		processed += p
		failed += f
		if err != nil {
			if archerr.Is(err, archerr.KindCancelled) {
				s.tracker.Cancelled(id, map[string]any{
					"chunks_processed": processed,
					"chunks_failed":    failed,
				})
			} else {
				s.tracker.Error(id, err.Error())
			}
			return
		}

		pct := 15 + (processed+failed)*80/total
		s.tracker.Update(id, progress.StatusEmbedding, pct,
			fmt.Sprintf("re-embedded %d/%d chunks", processed+failed, total), nil)
	}

	s.log.Info().Int("processed", processed).Int("failed", failed).
		Str("model", s.embedder.ModelName()).Msg("re-embed run finished")
	s.tracker.Complete(id, map[string]any{
		"chunks_processed": processed,
		"chunks_failed":    failed,
		"embedding_model":  s.embedder.ModelName(),
	})
}

func (s *Service) countChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx, "SELECT COUNT(*) FROM crawled_pages").Scan(&n)
	return n, archerr.Wrap(archerr.KindStore, err, "count chunks")
}

// fetchPage returns one stable-order page of chunks. Ordering by (url,
// chunk_number) matches the upsert key, so the scan is deterministic even
// while ingest writes land concurrently.
func (s *Service) fetchPage(ctx context.Context, offset int) ([]chunkRow, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, url, chunk_number, content
		FROM crawled_pages
		ORDER BY url, chunk_number
		LIMIT ? OFFSET ?
	`, pageSize, offset)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "fetch chunk page")
	}
	defer rows.Close()

	var chunks []chunkRow
	for rows.Next() {
		var c chunkRow
		if err := rows.Scan(&c.id, &c.url, &c.number, &c.content); err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan chunk row")
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// embedPage embeds one page of chunks and rewrites each row's embedding
// columns. Item-level embedding failures count as failed chunks and leave the
// row untouched.
func (s *Service) embedPage(ctx context.Context, chunks []chunkRow) (processed, failed int, err error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.content
	}
	res, err := s.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return 0, 0, err
	}

	model := s.embedder.ModelName()
	for i, c := range chunks {
		if res.Errors[i] != nil {
			failed++
			s.log.Warn().Err(res.Errors[i]).Str("url", c.url).Int("chunk", c.number).
				Msg("chunk re-embed failed")
			continue
		}
		if err := s.writeEmbedding(ctx, c.id, res.Embeddings[i], model); err != nil {
			failed++
			s.log.Warn().Err(err).Str("url", c.url).Int("chunk", c.number).
				Msg("chunk rewrite failed")
			continue
		}
		processed++
	}
	return processed, failed, nil
}

// writeEmbedding sets the new dimension column and nulls the other three in a
// single statement, keeping the one-populated-column invariant per row.
func (s *Service) writeEmbedding(ctx context.Context, id string, vec []float32, model string) error {
	dim := len(vec)
	cols := map[int][]byte{768: nil, 1024: nil, 1536: nil, 3072: nil}
	if _, ok := cols[dim]; !ok {
		// Unsupported widths share the 1536 column; embedding_dimension
		// records the true width.
		cols[1536] = vectorstore.EmbeddingToBytes(vec)
	} else {
		cols[dim] = vectorstore.EmbeddingToBytes(vec)
	}

	_, err := s.db.SQL().ExecContext(ctx, `
		UPDATE crawled_pages SET
			embedding_768 = ?, embedding_1024 = ?, embedding_1536 = ?, embedding_3072 = ?,
			embedding_model = ?, embedding_dimension = ?
		WHERE id = ?
	`, cols[768], cols[1024], cols[1536], cols[3072], model, dim, id)
	return archerr.Wrap(archerr.KindStore, err, "rewrite embedding for chunk %s", id)
}
