// Package ingest orchestrates the crawl-process-chunk-embed-store pipeline.
// One Pipeline serves the whole process; each job runs asynchronously under a
// progress id and a global semaphore caps concurrent jobs.
package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/chunker"
	"github.com/archonhq/archon/internal/codeextract"
	"github.com/archonhq/archon/internal/crawler"
	"github.com/archonhq/archon/internal/embedding"
	"github.com/archonhq/archon/internal/extract"
	"github.com/archonhq/archon/internal/llm"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/progress"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/vectorstore"
)

// llmWorkers bounds concurrent enrichment calls so a slow provider cannot
// stall the orchestrator.
const llmWorkers = 4

// Options tune the pipeline.
type Options struct {
	// ChunkSize is the target chunk size in characters.
	ChunkSize int

	// CodeMinLength is the minimum stored code example length.
	CodeMinLength int

	// MaxJobs caps simultaneous ingest jobs (default 3).
	MaxJobs int

	// ContextualEmbeddings prepends an LLM page summary to each chunk
	// before embedding.
	ContextualEmbeddings bool
}

// CrawlRequest starts a crawl ingest.
type CrawlRequest struct {
	URL                 string   `json:"url"`
	KnowledgeType       string   `json:"knowledge_type"`
	Tags                []string `json:"tags,omitempty"`
	MaxDepth            int      `json:"max_depth,omitempty"`
	ExtractCodeExamples bool     `json:"extract_code_examples"`
	IncludePatterns     []string `json:"include_patterns,omitempty"`
	ExcludePatterns     []string `json:"exclude_patterns,omitempty"`
	Stealth             bool     `json:"stealth,omitempty"`
}

// UploadRequest starts a document-upload ingest.
type UploadRequest struct {
	Filename            string   `json:"filename"`
	Data                []byte   `json:"-"`
	KnowledgeType       string   `json:"knowledge_type"`
	Tags                []string `json:"tags,omitempty"`
	ExtractCodeExamples bool     `json:"extract_code_examples"`
}

// Pipeline runs ingest jobs.
type Pipeline struct {
	db        *store.DB
	vs        vectorstore.Store
	embedder  *embedding.Service
	llm       llm.Provider
	crawler   *crawler.Crawler
	processor *extract.Processor
	chunker   *chunker.Chunker
	code      *codeextract.Extractor
	tracker   *progress.Tracker
	jobs      *semaphore.Weighted
	opts      Options
	log       zerolog.Logger
}

// New wires a pipeline. llmProvider may be nil; enrichment then degrades to
// templated fallbacks.
func New(db *store.DB, vs vectorstore.Store, embedder *embedding.Service, llmProvider llm.Provider,
	tracker *progress.Tracker, opts Options) *Pipeline {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 3
	}
	return &Pipeline{
		db:        db,
		vs:        vs,
		embedder:  embedder,
		llm:       llmProvider,
		crawler:   crawler.New(),
		processor: extract.NewProcessor(),
		chunker:   chunker.New(opts.ChunkSize),
		code:      codeextract.New(opts.CodeMinLength),
		tracker:   tracker,
		jobs:      semaphore.NewWeighted(int64(opts.MaxJobs)),
		opts:      opts,
		log:       logging.Component("ingest"),
	}
}

// StartCrawl validates the request, registers a progress operation and runs
// the crawl asynchronously. Returns the progress id.
func (p *Pipeline) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	if _, err := crawler.ValidateURL(ctx, req.URL); err != nil {
		return "", err
	}
	for _, pat := range append(append([]string{}, req.IncludePatterns...), req.ExcludePatterns...) {
		if err := crawler.SanitizePattern(pat); err != nil {
			return "", err
		}
	}
	sourceID := deriveSourceID(req.URL)

	id := progress.NewID()
	runCtx := p.tracker.Start(context.WithoutCancel(ctx), id, progress.OpCrawl, map[string]any{
		"url":       req.URL,
		"source_id": sourceID,
	})
	go p.runCrawl(runCtx, id, sourceID, req)
	return id, nil
}

// StartUpload registers a progress operation for one uploaded document and
// processes it asynchronously.
func (p *Pipeline) StartUpload(ctx context.Context, req UploadRequest) (string, error) {
	if req.Filename == "" || len(req.Data) == 0 {
		return "", archerr.New(archerr.KindValidation, "upload requires a filename and content")
	}
	sourceID := "upload-" + extract.Slugify(req.Filename)

	id := progress.NewID()
	runCtx := p.tracker.Start(context.WithoutCancel(ctx), id, progress.OpUpload, map[string]any{
		"filename":  req.Filename,
		"source_id": sourceID,
	})
	go p.runUpload(runCtx, id, sourceID, req)
	return id, nil
}

// Stop cancels a running job; the job publishes its cancelled state at the
// next checkpoint.
func (p *Pipeline) Stop(progressID string) {
	p.tracker.Stop(progressID)
}

func (p *Pipeline) runCrawl(ctx context.Context, id, sourceID string, req CrawlRequest) {
	if err := p.jobs.Acquire(ctx, 1); err != nil {
		p.tracker.Cancelled(id, nil)
		return
	}
	defer p.jobs.Release(1)

	if err := p.db.UpsertSource(ctx, &store.Source{
		SourceID: sourceID,
		Title:    sourceID,
		Metadata: map[string]any{"knowledge_type": req.KnowledgeType, "tags": req.Tags, "url": req.URL},
	}); err != nil {
		p.tracker.Error(id, err.Error())
		return
	}

	p.tracker.Update(id, progress.StatusFetching, 5, "crawl started", nil)
	records, err := p.crawler.Crawl(ctx, req.URL, crawler.Options{
		Include:     req.IncludePatterns,
		Exclude:     req.ExcludePatterns,
		MaxDepth:    req.MaxDepth,
		Stealth:     req.Stealth,
		Concurrency: 3,
	})
	if err != nil {
		p.tracker.Error(id, err.Error())
		return
	}

	var pages []*store.Page
	var markdowns []string
	for record := range records {
		if !p.tracker.IsActive(id) {
			p.tracker.Cancelled(id, map[string]any{"pages_fetched": len(pages)})
			return
		}
		pages = append(pages, pageFromRecord(sourceID, record, req.KnowledgeType, req.Tags))
		markdowns = append(markdowns, record.Markdown)
		pct := 5 + len(pages)
		if pct > 30 {
			pct = 30
		}
		p.tracker.Update(id, progress.StatusFetching, pct,
			fmt.Sprintf("fetched %d pages", len(pages)), nil)
	}
	if len(pages) == 0 {
		p.tracker.Error(id, "crawl produced no pages")
		return
	}

	p.index(ctx, id, sourceID, crawlType(req.URL), req.KnowledgeType, req.Tags,
		req.ExtractCodeExamples, pages, markdowns)
}

func (p *Pipeline) runUpload(ctx context.Context, id, sourceID string, req UploadRequest) {
	if err := p.jobs.Acquire(ctx, 1); err != nil {
		p.tracker.Cancelled(id, nil)
		return
	}
	defer p.jobs.Release(1)

	p.tracker.Update(id, progress.StatusProcessing, 10, "processing document", nil)
	doc, err := p.processor.Process(ctx, req.Filename, req.Data)
	if err != nil {
		p.tracker.Error(id, err.Error())
		return
	}

	if err := p.db.UpsertSource(ctx, &store.Source{
		SourceID: sourceID,
		Title:    doc.Title,
		Metadata: map[string]any{"knowledge_type": req.KnowledgeType, "tags": req.Tags, "filename": req.Filename},
	}); err != nil {
		p.tracker.Error(id, err.Error())
		return
	}

	page := &store.Page{
		SourceID:    sourceID,
		URL:         "file://" + req.Filename,
		FullContent: doc.Markdown,
		WordCount:   len(strings.Fields(doc.Markdown)),
		CharCount:   len(doc.Markdown),
		Metadata:    map[string]any{"knowledge_type": req.KnowledgeType, "tags": req.Tags},
	}
	p.index(ctx, id, sourceID, "upload", req.KnowledgeType, req.Tags,
		req.ExtractCodeExamples, []*store.Page{page}, []string{doc.Markdown})
}

// index runs the shared back half of both ingest paths: persist pages, chunk,
// embed, store, then summarise the source.
func (p *Pipeline) index(ctx context.Context, id, sourceID, crawlKind, knowledgeType string,
	tags []string, extractCode bool, pages []*store.Page, markdowns []string) {

	p.tracker.Update(id, progress.StatusProcessing, 32, fmt.Sprintf("storing %d pages", len(pages)), nil)
	if err := p.db.InsertPages(ctx, pages); err != nil {
		p.tracker.Error(id, err.Error())
		return
	}

	p.tracker.Update(id, progress.StatusProcessing, 35, "chunking pages", nil)
	chunkMeta := map[string]any{
		"knowledge_type": knowledgeType,
		"crawl_type":     crawlKind,
	}
	if len(tags) > 0 {
		chunkMeta["tags"] = tags
	}

	var chunkDocs []*vectorstore.Document
	chunkCounts := make(map[string]int, len(pages))
	for i, page := range pages {
		texts := p.chunker.Chunk(markdowns[i])
		chunkCounts[page.ID] = len(texts)
		for n, text := range texts {
			chunkDocs = append(chunkDocs, &vectorstore.Document{
				ID:          uuid.NewString(),
				SourceID:    sourceID,
				PageID:      page.ID,
				URL:         page.URL,
				ChunkNumber: n,
				Content:     text,
				Metadata:    chunkMeta,
			})
		}
	}

	if p.opts.ContextualEmbeddings && p.llm != nil && p.llm.Available() {
		p.contextualise(ctx, pages, markdowns, chunkDocs)
	}

	var codeDocs []*vectorstore.Document
	if extractCode {
		for i, page := range pages {
			for n, block := range p.code.Extract(markdowns[i]) {
				codeDocs = append(codeDocs, &vectorstore.Document{
					ID:            codeExampleID(page.URL, n),
					SourceID:      sourceID,
					URL:           page.URL,
					Content:       block.Code,
					Language:      block.Language,
					ContextBefore: block.ContextBefore,
					ContextAfter:  block.ContextAfter,
					Metadata:      chunkMeta,
				})
			}
		}
		p.summariseCode(ctx, codeDocs)
	}

	if !p.tracker.IsActive(id) {
		p.tracker.Cancelled(id, map[string]any{"pages_stored": len(pages)})
		return
	}

	p.tracker.Update(id, progress.StatusEmbedding, 50,
		fmt.Sprintf("embedding %d chunks and %d code examples", len(chunkDocs), len(codeDocs)), nil)

	// Chunks and code examples embed in parallel; each leg is itself batched
	// by the embedding service.
	g, gctx := errgroup.WithContext(ctx)
	var chunkEmb, codeEmb *embedding.BatchResult
	g.Go(func() error {
		var err error
		chunkEmb, err = p.embedder.EmbedAll(gctx, contents(chunkDocs))
		return err
	})
	g.Go(func() error {
		var err error
		codeEmb, err = p.embedder.EmbedAll(gctx, contents(codeDocs))
		return err
	})
	if err := g.Wait(); err != nil {
		if archerr.Is(err, archerr.KindCancelled) {
			p.tracker.Cancelled(id, map[string]any{"pages_stored": len(pages)})
		} else {
			p.tracker.Error(id, err.Error())
		}
		return
	}

	model := p.embedder.ModelName()
	chunkDocs, chunksFailed := attachEmbeddings(chunkDocs, chunkEmb, model)
	codeDocs, codeFailed := attachEmbeddings(codeDocs, codeEmb, model)

	if !p.tracker.IsActive(id) {
		p.tracker.Cancelled(id, map[string]any{"pages_stored": len(pages)})
		return
	}

	p.tracker.Update(id, progress.StatusStoring, 85, "storing embeddings", nil)
	stored, failed, err := p.upsert(ctx, vectorstore.CollectionChunks, chunkDocs)
	if err != nil {
		p.tracker.Error(id, err.Error())
		return
	}
	chunksFailed += failed

	codeStored, codeUpsertFailed, err := p.upsert(ctx, vectorstore.CollectionCodeExamples, codeDocs)
	if err != nil {
		p.tracker.Error(id, err.Error())
		return
	}
	codeFailed += codeUpsertFailed
	if codeFailed > 0 {
		p.log.Warn().Int("failed", codeFailed).Msg("some code examples were not stored")
	}

	if err := p.db.UpdateChunkCounts(ctx, chunkCounts); err != nil {
		p.tracker.Error(id, err.Error())
		return
	}

	p.tracker.Update(id, progress.StatusStoring, 95, "summarising source", nil)
	p.summariseSource(ctx, sourceID, pages, markdowns)

	p.log.Info().Str("source_id", sourceID).Int("pages", len(pages)).
		Int("chunks", stored).Int("code_examples", codeStored).Msg("ingest completed")
	p.tracker.Complete(id, map[string]any{
		"chunks_processed":     stored,
		"chunks_failed":        chunksFailed,
		"code_examples_stored": codeStored,
		"pages_stored":         len(pages),
	})
}

// upsert writes documents and counts per-item failures.
func (p *Pipeline) upsert(ctx context.Context, collection string, docs []*vectorstore.Document) (stored, failed int, err error) {
	if len(docs) == 0 {
		return 0, 0, nil
	}
	results, err := p.vs.Upsert(ctx, collection, docs, 100)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			stored++
		}
	}
	return stored, failed, nil
}

// contextualise prepends a short LLM-generated page summary to each chunk.
// One summary call per page, run on a bounded worker pool; failures leave the
// chunks unprefixed.
func (p *Pipeline) contextualise(ctx context.Context, pages []*store.Page, markdowns []string, chunks []*vectorstore.Document) {
	summaries := make(map[string]string, len(pages))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(llmWorkers)
	for i, page := range pages {
		md := markdowns[i]
		g.Go(func() error {
			resp, err := p.llm.Chat(gctx, &llm.ChatRequest{
				SystemPrompt: "Summarise the document in two sentences for retrieval context. Reply with the summary only.",
				Messages:     []llm.Message{{Role: "user", Content: truncate(md, 8000)}},
				MaxTokens:    120,
			})
			if err != nil {
				p.log.Debug().Err(err).Str("url", page.URL).Msg("contextual summary failed")
				return nil
			}
			mu.Lock()
			summaries[page.ID] = strings.TrimSpace(resp.Content)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, doc := range chunks {
		if summary := summaries[doc.PageID]; summary != "" {
			doc.Content = "Context: " + summary + "\n\n" + doc.Content
		}
	}
}

// summariseCode fills code example summaries, falling back to a template when
// no LLM is configured or a call fails.
func (p *Pipeline) summariseCode(ctx context.Context, docs []*vectorstore.Document) {
	for _, doc := range docs {
		lang := doc.Language
		if lang == "" {
			lang = "code"
		}
		doc.Summary = fmt.Sprintf("%s example (%d chars)", lang, len(doc.Content))
	}
	if p.llm == nil || !p.llm.Available() {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(llmWorkers)
	for _, doc := range docs {
		g.Go(func() error {
			resp, err := p.llm.Chat(gctx, &llm.ChatRequest{
				SystemPrompt: "Describe what this code does in one sentence. Reply with the sentence only.",
				Messages:     []llm.Message{{Role: "user", Content: truncate(doc.Content, 4000)}},
				MaxTokens:    80,
			})
			if err != nil {
				p.log.Debug().Err(err).Msg("code summary failed, keeping template")
				return nil
			}
			if s := strings.TrimSpace(resp.Content); s != "" {
				doc.Summary = s
			}
			return nil
		})
	}
	g.Wait()
}

// summariseSource writes the source summary, preferring an LLM digest of the
// first pages and degrading to a templated line.
func (p *Pipeline) summariseSource(ctx context.Context, sourceID string, pages []*store.Page, markdowns []string) {
	totalWords := 0
	for _, page := range pages {
		totalWords += page.WordCount
	}

	summary := fmt.Sprintf("Documentation from %s - %d pages crawled", sourceID, len(pages))
	if p.llm != nil && p.llm.Available() {
		sample := truncate(strings.Join(markdowns, "\n\n"), 12000)
		resp, err := p.llm.Chat(ctx, &llm.ChatRequest{
			SystemPrompt: "Summarise this documentation corpus in at most three sentences. Reply with the summary only.",
			Messages:     []llm.Message{{Role: "user", Content: sample}},
			MaxTokens:    200,
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			summary = strings.TrimSpace(resp.Content)
		} else if err != nil {
			p.log.Debug().Err(err).Msg("source summary failed, using fallback")
		}
	}

	if err := p.db.SetSourceSummary(ctx, sourceID, summary, totalWords); err != nil {
		p.log.Warn().Err(err).Str("source_id", sourceID).Msg("source summary write failed")
	}
}

func pageFromRecord(sourceID string, record crawler.PageRecord, knowledgeType string, tags []string) *store.Page {
	meta := map[string]any{"knowledge_type": knowledgeType}
	if record.Title != "" {
		meta["title"] = record.Title
	}
	if len(tags) > 0 {
		meta["tags"] = tags
	}
	return &store.Page{
		SourceID:     sourceID,
		URL:          record.URL,
		SectionTitle: record.SectionTitle,
		SectionOrder: record.SectionOrder,
		FullContent:  record.Markdown,
		WordCount:    len(strings.Fields(record.Markdown)),
		CharCount:    len(record.Markdown),
		Metadata:     meta,
	}
}

// attachEmbeddings filters out documents whose embedding failed, recording
// model and vector on the survivors.
func attachEmbeddings(docs []*vectorstore.Document, res *embedding.BatchResult, model string) ([]*vectorstore.Document, int) {
	if len(docs) == 0 {
		return docs, 0
	}
	kept := docs[:0]
	failed := 0
	for i, doc := range docs {
		if res.Errors[i] != nil || res.Embeddings[i] == nil {
			failed++
			continue
		}
		doc.Embedding = res.Embeddings[i]
		doc.EmbeddingModel = model
		kept = append(kept, doc)
	}
	return kept, failed
}

func contents(docs []*vectorstore.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.Content
	}
	return out
}

// deriveSourceID uses the seed's hostname, so re-crawls of the same site
// land in the same source.
func deriveSourceID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return extract.Slugify(raw)
	}
	return u.Hostname()
}

// codeExampleID is stable for a given page position, so re-ingesting an
// unchanged page overwrites its code examples instead of accumulating rows.
func codeExampleID(pageURL string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#code-%d", pageURL, n))).String()
}

func crawlType(seed string) string {
	switch crawler.ClassifySeed(seed) {
	case crawler.SeedSitemap:
		return "sitemap"
	case crawler.SeedLLMSFull:
		return "llms_full"
	case crawler.SeedLinkCollection:
		return "link_collection"
	default:
		return "recursive"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
