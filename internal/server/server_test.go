package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/embedding"
	"github.com/archonhq/archon/internal/ingest"
	"github.com/archonhq/archon/internal/progress"
	"github.com/archonhq/archon/internal/reembed"
	"github.com/archonhq/archon/internal/search"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/toolbridge"
	"github.com/archonhq/archon/internal/vectorstore"
)

const testToken = "test-token"

type testEnv struct {
	srv     *httptest.Server
	db      *store.DB
	vs      *vectorstore.SQLiteStore
	tracker *progress.Tracker
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
	t.Cleanup(embedSrv.Close)

	provider := embedding.NewOllama(embedding.Config{BaseURL: embedSrv.URL, Model: "nomic-embed-text"})
	embedSvc := embedding.NewService(provider, 100)
	tracker := progress.NewTracker()
	t.Cleanup(tracker.Shutdown)

	vs := vectorstore.NewSQLite(db)
	engine := search.NewEngine(vs, db, embedSvc, nil, 0)
	pipeline := ingest.New(db, vs, embedSvc, nil, tracker, ingest.Options{ChunkSize: 500})
	reembedSvc := reembed.NewService(db, embedSvc, tracker)
	bridge := toolbridge.New(engine, db, time.Hour)

	s := New(db, vs, pipeline, engine, reembedSvc, tracker, bridge, Options{
		BearerToken:    testToken,
		AllowedOrigins: []string{"http://localhost:3737"},
		MaxPageChars:   200,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, db: db, vs: vs, tracker: tracker}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.UpsertSource(ctx, &store.Source{SourceID: "docs.example.com", Title: "Docs"}))

	page := &store.Page{SourceID: "docs.example.com", URL: "https://docs.example.com/a", FullContent: "short page"}
	require.NoError(t, e.db.InsertPages(ctx, []*store.Page{page}))

	vec := make([]float32, 768)
	vec[0] = 1
	results, err := e.vs.Upsert(ctx, vectorstore.CollectionChunks, []*vectorstore.Document{{
		ID: uuid.NewString(), SourceID: "docs.example.com", PageID: page.ID,
		URL: page.URL, ChunkNumber: 0, Content: "Goroutines are lightweight.", Embedding: vec,
	}}, 100)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	return page.ID
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/sources")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/sources", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open for load balancers.
	resp, err = http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadAndProgressLifecycle(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "guide.md")
	require.NoError(t, err)
	fmt.Fprint(fw, "# Guide\n\nGoroutines are lightweight threads managed by the runtime.")
	require.NoError(t, mw.WriteField("knowledge_type", "documentation"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/knowledge-items/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode(t, resp)["progress_id"].(string)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(10 * time.Second)
	var op map[string]any
	for time.Now().Before(deadline) {
		resp := e.request(t, http.MethodGet, "/api/crawl-progress/"+id, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		op = decode(t, resp)
		if status := op["status"].(string); status == "completed" || status == "error" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, "completed", op["status"])
	assert.EqualValues(t, 100, op["progress"])

	// ETag round trip returns 304 once the state is stable.
	resp = e.request(t, http.MethodGet, "/api/crawl-progress/"+id, nil)
	etag := resp.Header.Get("ETag")
	resp.Body.Close()
	require.NotEmpty(t, etag)

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/api/crawl-progress/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestProgressNotFound(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodGet, "/api/crawl-progress/"+uuid.NewString(), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressStopIsIdempotent(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 2; i++ {
		resp := e.request(t, http.MethodPost, "/api/crawl-progress/"+uuid.NewString()+"/stop", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := e.request(t, http.MethodPost, "/api/knowledge-items/search", map[string]any{
		"query": "goroutines",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "vector", out["search_mode"])
	assert.EqualValues(t, 1, out["total_found"])

	resp = e.request(t, http.MethodPost, "/api/knowledge-items/search", map[string]any{"query": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPagesEndpoints(t *testing.T) {
	e := newEnv(t)
	pageID := e.seed(t)

	resp := e.request(t, http.MethodGet, "/api/pages?source_id=docs.example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.EqualValues(t, 1, out["total"])

	resp = e.request(t, http.MethodGet, "/api/pages/"+pageID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode(t, resp)
	assert.Equal(t, "short page", page["content"])

	resp = e.request(t, http.MethodGet, "/api/pages/by-url?url="+
		"https%3A%2F%2Fdocs.example.com%2Fa", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode(t, resp)
	assert.Equal(t, pageID, page["id"])

	resp = e.request(t, http.MethodGet, "/api/pages/"+uuid.NewString(), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLongPageContentIsReplaced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.db.UpsertSource(ctx, &store.Source{SourceID: "s1"}))
	page := &store.Page{SourceID: "s1", URL: "https://example.com/long",
		FullContent: strings.Repeat("x", 500), CharCount: 500}
	require.NoError(t, e.db.InsertPages(ctx, []*store.Page{page}))

	resp := e.request(t, http.MethodGet, "/api/pages/"+page.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Contains(t, out["content"], "exceeds 200 characters")
}

func TestSourcesListAndDelete(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := e.request(t, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode(t, resp)["count"])

	resp = e.request(t, http.MethodDelete, "/api/sources/docs.example.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 1, out["chunks_deleted"])

	resp = e.request(t, http.MethodDelete, "/api/sources/docs.example.com", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var remaining int
	require.NoError(t, e.db.SQL().QueryRow("SELECT COUNT(*) FROM crawled_pages").Scan(&remaining))
	assert.Equal(t, 0, remaining)
}

func TestReEmbedEndpoints(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := e.request(t, http.MethodPost, "/api/re-embed/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode(t, resp)["progress_id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if op, ok := e.tracker.Get(id); ok && op.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = e.request(t, http.MethodGet, "/api/re-embed/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode(t, resp)
	assert.EqualValues(t, 1, stats["total_chunks"])

	resp = e.request(t, http.MethodPost, "/api/re-embed/stop/"+id, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCrawlRejectsUnsafeURL(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodPost, "/api/knowledge/crawl", map[string]any{
		"url": "http://127.0.0.1/docs",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPCMounted(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := e.request(t, http.MethodPost, "/rpc", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "get_available_sources", "params": map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	result := out["result"].(map[string]any)
	assert.EqualValues(t, 1, result["count"])
}

func TestProgressWebsocketStream(t *testing.T) {
	e := newEnv(t)

	id := progress.NewID()
	e.tracker.Start(context.Background(), id, progress.OpCrawl, nil)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/crawl-progress/" + id + "/stream"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Initial snapshot arrives first.
	var op map[string]any
	require.NoError(t, conn.ReadJSON(&op))
	assert.Equal(t, "starting", op["status"])

	e.tracker.Update(id, progress.StatusFetching, 40, "fetching", nil)
	e.tracker.Complete(id, map[string]any{"pages_stored": 2})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&op))
		if op["status"] == "completed" {
			break
		}
	}
	assert.Equal(t, "completed", op["status"])
	assert.EqualValues(t, 100, op["progress"])

	// Server closes after the terminal snapshot.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	assert.Error(t, conn.ReadJSON(&op))
}
