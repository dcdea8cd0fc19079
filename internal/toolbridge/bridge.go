// Package toolbridge exposes retrieval tools to external AI clients over a
// JSON-RPC 2.0 endpoint. Sessions are tracked in memory and expired on an
// idle timeout; internal error detail never crosses the wire.
package toolbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/logging"
	"github.com/archonhq/archon/internal/search"
	"github.com/archonhq/archon/internal/store"
)

// SessionHeader carries the caller's session id; a fresh id is issued when it
// is absent or expired.
const SessionHeader = "X-Session-ID"

// JSON-RPC 2.0 error codes. The -32000 range is reserved for server-defined
// errors.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Session is one client's bridge state.
type Session struct {
	ClientID     string    `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	ToolsCalled  int       `json:"tools_called"`
}

// Bridge serves the tool vocabulary.
type Bridge struct {
	engine  *search.Engine
	db      *store.DB
	timeout time.Duration
	log     zerolog.Logger

	sessions *sessionStore
}

// New wires the bridge. timeout <= 0 uses one hour.
func New(engine *search.Engine, db *store.DB, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Bridge{
		engine:   engine,
		db:       db,
		timeout:  timeout,
		log:      logging.Component("toolbridge"),
		sessions: newSessionStore(timeout),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// ServeHTTP handles POST /rpc.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := b.sessions.touch(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sessionID)
	w.Header().Set("Content-Type", "application/json")

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	b.sessions.recordCall(sessionID)
	result, rpcErr := b.dispatch(r.Context(), req.Method, req.Params)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if rpcErr != nil {
		resp.Result = nil
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	_ = json.NewEncoder(w).Encode(resp)
}

type queryParams struct {
	Query      string `json:"query"`
	Source     string `json:"source"`
	SourceID   string `json:"source_id"`
	MatchCount int    `json:"match_count"`
}

func (p queryParams) sourceFilter() string {
	if p.SourceID != "" {
		return p.SourceID
	}
	return p.Source
}

func (b *Bridge) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "perform_rag_query":
		var p queryParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		resp, err := b.engine.Search(ctx, search.Request{
			Query:        p.Query,
			MatchCount:   p.MatchCount,
			SourceFilter: p.sourceFilter(),
		})
		if err != nil {
			return nil, b.toRPCError(method, err)
		}
		return resp, nil

	case "search_code_examples":
		var p queryParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		resp, err := b.engine.SearchCode(ctx, search.Request{
			Query:        p.Query,
			MatchCount:   p.MatchCount,
			SourceFilter: p.sourceFilter(),
		})
		if err != nil {
			return nil, b.toRPCError(method, err)
		}
		return resp, nil

	case "get_available_sources":
		sources, err := b.db.ListSources(ctx)
		if err != nil {
			return nil, b.toRPCError(method, err)
		}
		return map[string]any{"success": true, "sources": sources, "count": len(sources)}, nil

	case "manage_project", "manage_document", "manage_task":
		// Project management lives in an external collaborator service.
		// The bridge accepts the call shape but has nothing to execute.
		return map[string]any{
			"success": false,
			"error":   "project management is not available in this deployment",
		}, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found", Data: method}
	}
}

func unmarshalParams(raw json.RawMessage, dst any) *rpcError {
	if len(raw) == 0 {
		return &rpcError{Code: codeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
	}
	return nil
}

// toRPCError maps internal errors to vendor-neutral codes. Validation detail
// is safe to surface; everything else becomes an opaque server error.
func (b *Bridge) toRPCError(method string, err error) *rpcError {
	if archerr.Is(err, archerr.KindValidation) {
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	b.log.Error().Err(err).Str("method", method).Msg("tool call failed")
	return &rpcError{Code: codeServerError, Message: "internal error"}
}

// Sessions returns a snapshot of live sessions, for diagnostics.
func (b *Bridge) Sessions() []Session {
	return b.sessions.snapshot()
}

type sessionStore struct {
	mu       sync.Mutex
	timeout  time.Duration
	sessions map[string]*Session
}

func newSessionStore(timeout time.Duration) *sessionStore {
	return &sessionStore{
		timeout:  timeout,
		sessions: make(map[string]*Session),
	}
}

// touch validates or allocates the session for an inbound call and sweeps
// idle sessions as a side effect.
func (s *sessionStore) touch(id string) string {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.timeout {
			delete(s.sessions, key)
		}
	}

	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = now
		return id
	}

	id = uuid.NewString()
	s.sessions[id] = &Session{
		ClientID:     id,
		ConnectedAt:  now,
		LastActivity: now,
	}
	return id
}

func (s *sessionStore) recordCall(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ToolsCalled++
	}
}

func (s *sessionStore) snapshot() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}
