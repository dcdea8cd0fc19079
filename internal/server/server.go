// Package server exposes the HTTP API: ingest, progress, search, pages,
// sources, re-embed control and the JSON-RPC tool bridge.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/ingest"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/progress"
	"github.com/archonhq/archon/internal/reembed"
	"github.com/archonhq/archon/internal/search"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/toolbridge"
	"github.com/archonhq/archon/internal/vectorstore"
)

// maxUploadBytes caps multipart uploads at 50 MB.
const maxUploadBytes = 50 << 20

// Options configure the server.
type Options struct {
	// BearerToken authenticates all endpoints; empty disables auth.
	BearerToken string

	// AllowedOrigins is the CORS allow-list.
	AllowedOrigins []string

	// MaxPageChars caps page bodies returned over the API.
	MaxPageChars int
}

// Server carries the handler dependencies.
type Server struct {
	db       *store.DB
	vs       vectorstore.Store
	pipeline *ingest.Pipeline
	engine   *search.Engine
	reembed  *reembed.Service
	tracker  *progress.Tracker
	bridge   *toolbridge.Bridge
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New wires the server.
func New(db *store.DB, vs vectorstore.Store, pipeline *ingest.Pipeline, engine *search.Engine,
	reembedSvc *reembed.Service, tracker *progress.Tracker, bridge *toolbridge.Bridge, opts Options) *Server {
	if opts.MaxPageChars <= 0 {
		opts.MaxPageChars = search.DefaultMaxPageChars
	}
	s := &Server{
		db:       db,
		vs:       vs,
		pipeline: pipeline,
		engine:   engine,
		reembed:  reembedSvc,
		tracker:  tracker,
		bridge:   bridge,
		opts:     opts,
		log:      logging.Component("server"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", toolbridge.SessionHeader},
		ExposedHeaders:   []string{"ETag", toolbridge.SessionHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Post("/api/knowledge/crawl", s.handleCrawl)
		r.Post("/api/knowledge-items/upload", s.handleUpload)
		r.Post("/api/knowledge-items/search", s.handleSearch)

		r.Get("/api/crawl-progress/{id}", s.handleProgress)
		r.Get("/api/crawl-progress/{id}/stream", s.handleProgressStream)
		r.Post("/api/crawl-progress/{id}/stop", s.handleProgressStop)

		r.Get("/api/pages", s.handleListPages)
		r.Get("/api/pages/by-url", s.handlePageByURL)
		r.Get("/api/pages/{id}", s.handlePage)

		r.Get("/api/sources", s.handleListSources)
		r.Delete("/api/sources/{sourceID}", s.handleDeleteSource)

		r.Post("/api/re-embed/start", s.handleReEmbedStart)
		r.Post("/api/re-embed/stop/{id}", s.handleReEmbedStop)
		r.Get("/api/re-embed/stats", s.handleReEmbedStats)

		r.Post("/rpc", s.bridge.ServeHTTP)
	})
	return r
}

// auth enforces the bearer token on every API call.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.BearerToken != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token != s.opts.BearerToken {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.vs.HealthCheck(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !health.Connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	var req ingest.CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, archerr.New(archerr.KindValidation, "invalid request body"))
		return
	}
	id, err := s.pipeline.StartCrawl(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"progress_id": id})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, archerr.New(archerr.KindValidation, "invalid multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, archerr.New(archerr.KindValidation, "file field is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.writeError(w, archerr.Wrap(archerr.KindInternal, err, "read upload"))
		return
	}

	req := ingest.UploadRequest{
		Filename:            header.Filename,
		Data:                data,
		KnowledgeType:       r.FormValue("knowledge_type"),
		ExtractCodeExamples: r.FormValue("extract_code_examples") == "true",
	}
	if tags := r.FormValue("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				req.Tags = append(req.Tags, tag)
			}
		}
	}

	id, err := s.pipeline.StartUpload(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"progress_id": id})
}

type searchRequest struct {
	Query      string `json:"query"`
	Source     string `json:"source,omitempty"`
	MatchCount int    `json:"match_count,omitempty"`
	ReturnMode string `json:"return_mode,omitempty"`
	SearchType string `json:"search_type,omitempty"`
	Hybrid     bool   `json:"hybrid,omitempty"`
	Rerank     bool   `json:"rerank,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, archerr.New(archerr.KindValidation, "invalid request body"))
		return
	}

	req := search.Request{
		Query:        body.Query,
		MatchCount:   body.MatchCount,
		SourceFilter: body.Source,
		Mode:         search.Mode(body.ReturnMode),
		Hybrid:       body.Hybrid,
		Rerank:       body.Rerank,
	}

	if body.SearchType == "code" {
		resp, err := s.engine.SearchCode(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, ok := s.tracker.Get(id)
	if !ok {
		s.writeError(w, archerr.New(archerr.KindNotFound, "operation %s not found", id))
		return
	}

	etag := fmt.Sprintf(`"%d-%d"`, op.UpdatedAt.UnixNano(), op.Progress)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, op)
}

// handleProgressStream upgrades to a websocket and pushes every progress
// snapshot until the operation reaches a terminal state.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, ok := s.tracker.Get(id)
	if !ok {
		s.writeError(w, archerr.New(archerr.KindNotFound, "operation %s not found", id))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := make(chan *progress.Operation, 16)
	unsubscribe := s.tracker.Subscribe(id, func(op *progress.Operation) {
		select {
		case updates <- op:
		default:
			// Slow consumer: drop intermediate snapshots, terminal state
			// still arrives because the channel drains continuously.
		}
	})
	defer unsubscribe()

	if err := conn.WriteJSON(op); err != nil {
		return
	}
	if op.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case op := <-updates:
			if err := conn.WriteJSON(op); err != nil {
				return
			}
			if op.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleProgressStop(w http.ResponseWriter, r *http.Request) {
	s.tracker.Stop(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		s.writeError(w, archerr.New(archerr.KindValidation, "source_id is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	pages, total, err := s.db.ListPages(r.Context(), sourceID, r.URL.Query().Get("section"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		out = append(out, s.pagePayload(p, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out, "total": total})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	page, err := s.db.GetPage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pagePayload(page, true))
}

func (s *Server) handlePageByURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, archerr.New(archerr.KindValidation, "url is required"))
		return
	}
	page, err := s.db.GetPageByURL(r.Context(), url)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pagePayload(page, true))
}

// pagePayload shapes a page for the API. Bodies at or above the page-chars
// cap are replaced with a placeholder; list responses omit bodies entirely.
func (s *Server) pagePayload(p *store.Page, includeContent bool) map[string]any {
	out := map[string]any{
		"id":            p.ID,
		"source_id":     p.SourceID,
		"url":           p.URL,
		"section_title": p.SectionTitle,
		"section_order": p.SectionOrder,
		"word_count":    p.WordCount,
		"char_count":    p.CharCount,
		"chunk_count":   p.ChunkCount,
		"metadata":      p.Metadata,
	}
	if includeContent {
		content := p.FullContent
		if len(content) >= s.opts.MaxPageChars {
			content = fmt.Sprintf("Content exceeds %d characters (%d total). Request specific chunks via search instead.",
				s.opts.MaxPageChars, p.CharCount)
		}
		out["content"] = content
	}
	return out
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.ListSources(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	// Vector rows first: the SQLite backend also removes them through the
	// foreign-key cascade, but Qdrant holds them independently.
	filter := map[string]any{"source_id": sourceID}
	chunks, err := s.vs.Delete(r.Context(), vectorstore.CollectionChunks, filter, 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code, err := s.vs.Delete(r.Context(), vectorstore.CollectionCodeExamples, filter, 100)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.db.DeleteSource(r.Context(), sourceID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":               true,
		"chunks_deleted":        chunks,
		"code_examples_deleted": code,
	})
}

func (s *Server) handleReEmbedStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.reembed.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"progress_id": id})
}

func (s *Server) handleReEmbedStop(w http.ResponseWriter, r *http.Request) {
	s.reembed.Stop(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReEmbedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reembed.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// writeError maps internal errors onto HTTP statuses. Internal and store
// failures are logged server-side and surfaced as an opaque message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := archerr.GetKind(err)
	msg := err.Error()
	switch kind {
	case archerr.KindInternal, archerr.KindStore:
		s.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, archerr.HTTPStatus(err), map[string]any{
		"error": msg,
		"kind":  kind.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	return srv.ListenAndServe()
}
