// Package search implements hybrid retrieval over the vector store: vector
// similarity, optional keyword boosting, optional cross-encoder reranking,
// and chunk or page shaped results.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/embedding"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/vectorstore"
)

const (
	// DefaultMatchCount applies when the caller sends none.
	DefaultMatchCount = 10

	// MaxMatchCount caps a single request.
	MaxMatchCount = 50

	// rerankMultiplier widens the candidate pool when reranking is on.
	rerankMultiplier = 3

	// keywordBoostWeight scales the lexical score added to vector
	// similarity in hybrid mode.
	keywordBoostWeight = 0.2

	// DefaultMaxPageChars truncates page bodies in pages mode; the agent
	// can fetch the full page explicitly.
	DefaultMaxPageChars = 20000

	pagePlaceholder = "Page content exceeds the inline limit. Fetch the page by id for the full text."
)

// Mode selects the result shape.
type Mode string

const (
	ModeChunks Mode = "chunks"
	ModePages  Mode = "pages"
)

// Request is one search invocation.
type Request struct {
	Query        string
	MatchCount   int
	SourceFilter string
	Mode         Mode
	Hybrid       bool
	Rerank       bool
}

// ChunkResult is one chunk-mode hit.
type ChunkResult struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id"`
	PageID          string         `json:"page_id,omitempty"`
	URL             string         `json:"url"`
	ChunkNumber     int            `json:"chunk_number"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SimilarityScore float64        `json:"similarity_score"`
	RerankScore     *float64       `json:"rerank_score,omitempty"`
}

// PageResult is one pages-mode hit.
type PageResult struct {
	PageID          string  `json:"page_id"`
	SourceID        string  `json:"source_id"`
	URL             string  `json:"url"`
	SectionTitle    string  `json:"section_title,omitempty"`
	Content         string  `json:"content"`
	ChunkCount      int     `json:"chunk_count"`
	SimilarityScore float64 `json:"similarity_score"`
}

// Response is the fixed search envelope.
type Response struct {
	Success    bool          `json:"success"`
	Results    []ChunkResult `json:"results"`
	Pages      []PageResult  `json:"pages,omitempty"`
	SearchMode string        `json:"search_mode"`
	TotalFound int           `json:"total_found"`
}

// CodeResult is one code-example hit.
type CodeResult struct {
	ID              string   `json:"id"`
	SourceID        string   `json:"source_id"`
	URL             string   `json:"url"`
	Code            string   `json:"code"`
	Language        string   `json:"language"`
	Summary         string   `json:"summary,omitempty"`
	ContextBefore   string   `json:"context_before,omitempty"`
	ContextAfter    string   `json:"context_after,omitempty"`
	SimilarityScore float64  `json:"similarity_score"`
	RerankScore     *float64 `json:"rerank_score,omitempty"`
}

// CodeResponse is the code-search envelope.
type CodeResponse struct {
	Success    bool         `json:"success"`
	Results    []CodeResult `json:"results"`
	SearchMode string       `json:"search_mode"`
	TotalFound int          `json:"total_found"`
}

// Engine runs searches.
type Engine struct {
	vs           vectorstore.Store
	db           *store.DB
	embedder     *embedding.Service
	reranker     *Reranker
	maxPageChars int
	log          zerolog.Logger
}

// NewEngine wires the engine. reranker may be nil, disabling reranking even
// when requested. maxPageChars of 0 uses the default.
func NewEngine(vs vectorstore.Store, db *store.DB, embedder *embedding.Service, reranker *Reranker, maxPageChars int) *Engine {
	if maxPageChars <= 0 {
		maxPageChars = DefaultMaxPageChars
	}
	return &Engine{
		vs:           vs,
		db:           db,
		embedder:     embedder,
		reranker:     reranker,
		maxPageChars: maxPageChars,
		log:          logging.Component("search"),
	}
}

// Search runs the retrieval pipeline over the chunks collection.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	req = normalize(req)
	if req.Query == "" {
		return nil, archerr.New(archerr.KindValidation, "query must not be empty")
	}

	hits, mode, err := e.retrieve(ctx, vectorstore.CollectionChunks, req)
	if err != nil {
		return nil, err
	}

	if req.Mode == ModePages {
		pages, err := e.groupIntoPages(ctx, hits, req.MatchCount)
		if err != nil {
			return nil, err
		}
		return &Response{
			Success:    true,
			Pages:      pages,
			SearchMode: mode,
			TotalFound: len(pages),
		}, nil
	}

	if len(hits) > req.MatchCount {
		hits = hits[:req.MatchCount]
	}
	results := make([]ChunkResult, 0, len(hits))
	for _, h := range hits {
		meta := make(map[string]any, len(h.Metadata)+2)
		for k, v := range h.Metadata {
			meta[k] = v
		}
		meta["source_id"] = h.SourceID
		meta["url"] = h.URL
		results = append(results, ChunkResult{
			ID:              h.ID,
			SourceID:        h.SourceID,
			PageID:          h.PageID,
			URL:             h.URL,
			ChunkNumber:     h.ChunkNumber,
			Content:         h.Content,
			Metadata:        meta,
			SimilarityScore: h.Similarity,
			RerankScore:     h.rerank,
		})
	}
	return &Response{
		Success:    true,
		Results:    results,
		SearchMode: mode,
		TotalFound: len(results),
	}, nil
}

// SearchCode runs the same pipeline over the code examples collection.
func (e *Engine) SearchCode(ctx context.Context, req Request) (*CodeResponse, error) {
	req = normalize(req)
	if req.Query == "" {
		return nil, archerr.New(archerr.KindValidation, "query must not be empty")
	}

	hits, mode, err := e.retrieve(ctx, vectorstore.CollectionCodeExamples, req)
	if err != nil {
		return nil, err
	}
	if len(hits) > req.MatchCount {
		hits = hits[:req.MatchCount]
	}

	results := make([]CodeResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, CodeResult{
			ID:              h.ID,
			SourceID:        h.SourceID,
			URL:             h.URL,
			Code:            h.Content,
			Language:        h.Language,
			Summary:         h.Summary,
			ContextBefore:   h.ContextBefore,
			ContextAfter:    h.ContextAfter,
			SimilarityScore: h.Similarity,
			RerankScore:     h.rerank,
		})
	}
	return &CodeResponse{
		Success:    true,
		Results:    results,
		SearchMode: mode,
		TotalFound: len(results),
	}, nil
}

type hit struct {
	vectorstore.Result
	rerank *float64
}

// retrieve embeds the query, runs the vector leg (and keyword leg in hybrid
// mode) and optionally reranks, returning candidates in deterministic order.
func (e *Engine) retrieve(ctx context.Context, collection string, req Request) ([]hit, string, error) {
	embedRes, err := e.embedder.EmbedAll(ctx, []string{req.Query})
	if err != nil {
		return nil, "", err
	}
	if embedRes.Errors[0] != nil {
		return nil, "", embedRes.Errors[0]
	}
	queryVec := embedRes.Embeddings[0]

	k := 1
	if req.Rerank && e.reranker != nil {
		k = rerankMultiplier
	}
	var filter map[string]any
	if req.SourceFilter != "" {
		filter = map[string]any{"source_id": req.SourceFilter}
	}

	vecHits, err := e.vs.Search(ctx, collection, queryVec, vectorstore.SearchOptions{
		MatchCount: req.MatchCount * k,
		Filter:     filter,
	})
	if err != nil {
		return nil, "", err
	}

	mode := "vector"
	hits := make([]hit, 0, len(vecHits))
	byID := make(map[string]int, len(vecHits))
	for _, r := range vecHits {
		byID[r.ID] = len(hits)
		hits = append(hits, hit{Result: r})
	}

	if req.Hybrid {
		if ks, ok := e.vs.(vectorstore.KeywordSearcher); ok {
			kwHits, err := ks.KeywordSearch(ctx, collection, req.Query, req.MatchCount*k, filter)
			if err != nil {
				e.log.Warn().Err(err).Msg("keyword leg failed, continuing vector-only")
			} else {
				mode = "hybrid"
				for _, r := range kwHits {
					if idx, ok := byID[r.ID]; ok {
						// Boosted scores stay within [0, 1].
						hits[idx].Similarity = math.Min(1, hits[idx].Similarity+keywordBoostWeight*r.Similarity)
					} else {
						r.Similarity *= keywordBoostWeight
						byID[r.ID] = len(hits)
						hits = append(hits, hit{Result: r})
					}
				}
			}
		}
	}

	if req.Rerank && e.reranker != nil {
		docs := make([]string, len(hits))
		for i, h := range hits {
			docs[i] = h.Content
		}
		scores, err := e.reranker.Score(ctx, req.Query, docs)
		if err != nil {
			e.log.Warn().Err(err).Msg("reranker unavailable, keeping vector order")
		} else {
			mode += "+rerank"
			for i := range hits {
				s := scores[i]
				hits[i].rerank = &s
			}
		}
	}

	sortHits(hits)
	return hits, mode, nil
}

// groupIntoPages collapses chunk hits to their parent pages, ordered by the
// best chunk's score. Oversized bodies are replaced with a placeholder.
func (e *Engine) groupIntoPages(ctx context.Context, hits []hit, matchCount int) ([]PageResult, error) {
	type pageAgg struct {
		best  float64
		order int
	}
	agg := make(map[string]*pageAgg)
	var ids []string
	for i, h := range hits {
		if h.PageID == "" {
			continue
		}
		if existing, ok := agg[h.PageID]; ok {
			if hitScore(h) > existing.best {
				existing.best = hitScore(h)
			}
			continue
		}
		agg[h.PageID] = &pageAgg{best: hitScore(h), order: i}
		ids = append(ids, h.PageID)
	}

	pages, err := e.db.GetPagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]PageResult, 0, len(ids))
	for _, id := range ids {
		p, ok := pages[id]
		if !ok {
			continue
		}
		content := p.FullContent
		if len(content) > e.maxPageChars {
			content = pagePlaceholder
		}
		results = append(results, PageResult{
			PageID:          p.ID,
			SourceID:        p.SourceID,
			URL:             p.URL,
			SectionTitle:    p.SectionTitle,
			Content:         content,
			ChunkCount:      p.ChunkCount,
			SimilarityScore: agg[id].best,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].SimilarityScore != results[j].SimilarityScore {
			return results[i].SimilarityScore > results[j].SimilarityScore
		}
		return results[i].PageID < results[j].PageID
	})
	if len(results) > matchCount {
		results = results[:matchCount]
	}
	return results, nil
}

func normalize(req Request) Request {
	if req.MatchCount <= 0 {
		req.MatchCount = DefaultMatchCount
	}
	if req.MatchCount > MaxMatchCount {
		req.MatchCount = MaxMatchCount
	}
	if req.Mode == "" {
		req.Mode = ModeChunks
	}
	return req
}

func hitScore(h hit) float64 {
	if h.rerank != nil {
		return *h.rerank
	}
	return h.Similarity
}

// sortHits orders by effective score descending, then chunk_number, then id.
func sortHits(hits []hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hitScore(hits[i]), hitScore(hits[j])
		if si != sj {
			return si > sj
		}
		if hits[i].ChunkNumber != hits[j].ChunkNumber {
			return hits[i].ChunkNumber < hits[j].ChunkNumber
		}
		return hits[i].ID < hits[j].ID
	})
}
