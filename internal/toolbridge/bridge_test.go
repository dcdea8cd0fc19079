package toolbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/embedding"
	"github.com/archonhq/archon/internal/search"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/vectorstore"
)

func newBridge(t *testing.T, timeout time.Duration) (*Bridge, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			v := make([]float32, 768)
			v[0] = 1
			out[i] = v
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	t.Cleanup(srv.Close)

	provider := embedding.NewOllama(embedding.Config{BaseURL: srv.URL, Model: "nomic-embed-text"})
	vs := vectorstore.NewSQLite(db)
	engine := search.NewEngine(vs, db, embedding.NewService(provider, 100), nil, 0)
	return New(engine, db, timeout), db
}

func seedCorpus(t *testing.T, db *store.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertSource(ctx, &store.Source{SourceID: "docs.example.com", Title: "Example Docs"}))

	vs := vectorstore.NewSQLite(db)
	vec := make([]float32, 768)
	vec[0] = 1

	results, err := vs.Upsert(ctx, vectorstore.CollectionChunks, []*vectorstore.Document{{
		ID: uuid.NewString(), SourceID: "docs.example.com",
		URL: "https://docs.example.com/intro", ChunkNumber: 0,
		Content: "Goroutines are lightweight threads.", Embedding: vec,
	}}, 100)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	results, err = vs.Upsert(ctx, vectorstore.CollectionCodeExamples, []*vectorstore.Document{{
		ID: uuid.NewString(), SourceID: "docs.example.com",
		URL: "https://docs.example.com/intro", Content: "go func() {}()",
		Language: "go", Embedding: vec,
	}}, 100)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
}

func call(t *testing.T, b *Bridge, sessionID string, body string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestPerformRAGQuery(t *testing.T) {
	b, db := newBridge(t, time.Hour)
	seedCorpus(t, db)

	_, resp := call(t, b, "", `{"jsonrpc":"2.0","id":1,"method":"perform_rag_query","params":{"query":"goroutines"}}`)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "vector", result["search_mode"])
	assert.EqualValues(t, 1, result["total_found"])
}

func TestSearchCodeExamples(t *testing.T) {
	b, db := newBridge(t, time.Hour)
	seedCorpus(t, db)

	_, resp := call(t, b, "", `{"jsonrpc":"2.0","id":2,"method":"search_code_examples","params":{"query":"spawn","source_id":"docs.example.com"}}`)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	hits := result["results"].([]any)
	require.Len(t, hits, 1)
	assert.Equal(t, "go", hits[0].(map[string]any)["language"])
}

func TestGetAvailableSources(t *testing.T) {
	b, db := newBridge(t, time.Hour)
	seedCorpus(t, db)

	_, resp := call(t, b, "", `{"jsonrpc":"2.0","id":3,"method":"get_available_sources","params":{}}`)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.EqualValues(t, 1, result["count"])
}

func TestManageStubsReportUnavailable(t *testing.T) {
	b, _ := newBridge(t, time.Hour)

	for _, method := range []string{"manage_project", "manage_document", "manage_task"} {
		_, resp := call(t, b, "", `{"jsonrpc":"2.0","id":4,"method":"`+method+`","params":{"action":"list"}}`)
		require.Nil(t, resp.Error, method)
		result := resp.Result.(map[string]any)
		assert.Equal(t, false, result["success"], method)
	}
}

func TestErrorShapes(t *testing.T) {
	b, _ := newBridge(t, time.Hour)

	_, resp := call(t, b, "", `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParse, resp.Error.Code)

	_, resp = call(t, b, "", `{"jsonrpc":"1.0","id":1,"method":"perform_rag_query"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	_, resp = call(t, b, "", `{"jsonrpc":"2.0","id":1,"method":"no_such_tool","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	// Empty query is a validation failure surfaced as invalid params.
	_, resp = call(t, b, "", `{"jsonrpc":"2.0","id":1,"method":"perform_rag_query","params":{"query":""}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestSessionLifecycle(t *testing.T) {
	b, _ := newBridge(t, time.Hour)

	rec, _ := call(t, b, "", `{"jsonrpc":"2.0","id":1,"method":"get_available_sources","params":{}}`)
	first := rec.Header().Get(SessionHeader)
	require.NotEmpty(t, first)

	// Presenting the issued id keeps the session.
	rec, _ = call(t, b, first, `{"jsonrpc":"2.0","id":2,"method":"get_available_sources","params":{}}`)
	assert.Equal(t, first, rec.Header().Get(SessionHeader))

	sessions := b.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].ToolsCalled)

	// An unknown id gets a fresh session.
	rec, _ = call(t, b, "bogus-session", `{"jsonrpc":"2.0","id":3,"method":"get_available_sources","params":{}}`)
	assert.NotEqual(t, "bogus-session", rec.Header().Get(SessionHeader))
}

func TestSessionExpiry(t *testing.T) {
	b, _ := newBridge(t, 10*time.Millisecond)

	rec, _ := call(t, b, "", `{"jsonrpc":"2.0","id":1,"method":"get_available_sources","params":{}}`)
	first := rec.Header().Get(SessionHeader)

	time.Sleep(20 * time.Millisecond)

	// The idle sweep discards the session and issues a new id.
	rec, _ = call(t, b, first, `{"jsonrpc":"2.0","id":2,"method":"get_available_sources","params":{}}`)
	assert.NotEqual(t, first, rec.Header().Get(SessionHeader))
}
