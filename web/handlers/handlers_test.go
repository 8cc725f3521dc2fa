package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/internal/config"
	"github.com/sagecore/sage/internal/ingest"
	"github.com/sagecore/sage/internal/llm"
	"github.com/sagecore/sage/internal/rag"
	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/pkg/types"
)

type fakeRAG struct {
	queryErr      error
	streamEvents  []rag.StreamEvent
	conversations map[string]*types.Conversation
}

func newFakeRAG() *fakeRAG {
	return &fakeRAG{conversations: map[string]*types.Conversation{}}
}

func (f *fakeRAG) Query(ctx context.Context, q types.Query) (*types.AgentResponse, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return &types.AgentResponse{
		Answer:         "the answer",
		Sources:        []types.MemoryEntry{{ID: "e1", Content: "src"}},
		ConversationID: "conv-1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeRAG) QueryStream(ctx context.Context, q types.Query) <-chan rag.StreamEvent {
	ch := make(chan rag.StreamEvent, len(f.streamEvents))
	for _, ev := range f.streamEvents {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeRAG) GetConversation(id string) (*types.Conversation, bool) {
	conv, ok := f.conversations[id]
	return conv, ok
}

func (f *fakeRAG) ListConversations(limit, offset int) []types.Conversation {
	var out []types.Conversation
	for _, conv := range f.conversations {
		out = append(out, *conv)
	}
	return out
}

func (f *fakeRAG) CreateConversation(title string) *types.Conversation {
	conv := &types.Conversation{ID: "conv-new", Title: title, CreatedAt: time.Now().UTC()}
	f.conversations[conv.ID] = conv
	return conv
}

func (f *fakeRAG) DeleteConversation(id string) bool {
	_, ok := f.conversations[id]
	delete(f.conversations, id)
	return ok
}

type fakePipeline struct {
	addDocErr error
	entries   map[string]*types.MemoryEntry
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{entries: map[string]*types.MemoryEntry{}}
}

func (f *fakePipeline) AddDocument(ctx context.Context, doc types.Document) ([]types.MemoryEntry, error) {
	if f.addDocErr != nil {
		return nil, f.addDocErr
	}
	return []types.MemoryEntry{
		{ID: "c0", SourceDocumentID: doc.ID, ChunkIndex: 0},
		{ID: "c1", SourceDocumentID: doc.ID, ChunkIndex: 1},
	}, nil
}

func (f *fakePipeline) AddMemoryEntry(ctx context.Context, req types.MemoryCreate) (*types.MemoryEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	entry := &types.MemoryEntry{ID: "m1", Content: req.Content, Customer: req.Customer}
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakePipeline) UpdateMemoryEntry(ctx context.Context, id string, req types.MemoryUpdate) (*types.MemoryEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Content != nil {
		entry.Content = *req.Content
	}
	return entry, nil
}

func (f *fakePipeline) SearchText(ctx context.Context, text string, topK int, filters store.Filters) ([]store.SearchResult, error) {
	return []store.SearchResult{
		{Entry: types.MemoryEntry{ID: "e1", Content: "match"}, Similarity: 0.92},
	}, nil
}

type fakeVectorStore struct {
	entries     map[string]*types.MemoryEntry
	healthy     bool
	statsErr    error
	listFilters store.Filters
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{entries: map[string]*types.MemoryEntry{}, healthy: true}
}

func (f *fakeVectorStore) Add(ctx context.Context, e types.MemoryEntry) (*types.MemoryEntry, error) {
	f.entries[e.ID] = &e
	return &e, nil
}

func (f *fakeVectorStore) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return entry, nil
}

func (f *fakeVectorStore) Update(ctx context.Context, id string, u store.EntryUpdate, emb []float32) (*types.MemoryEntry, error) {
	return f.Get(ctx, id)
}

func (f *fakeVectorStore) Delete(ctx context.Context, id string) error {
	delete(f.entries, id)
	return nil
}

func (f *fakeVectorStore) List(ctx context.Context, limit, offset int, filters store.Filters) ([]types.MemoryEntry, error) {
	f.listFilters = filters
	var out []types.MemoryEntry
	for _, e := range f.entries {
		if filters.Customer != "" && e.Customer != filters.Customer {
			continue
		}
		if filters.Project != "" && e.Project != filters.Project {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeVectorStore) Search(ctx context.Context, v []float32, k int, fl store.Filters) ([]store.SearchResult, error) {
	return nil, nil
}

func (f *fakeVectorStore) DeleteByDocument(ctx context.Context, docID string) (int, error) {
	n := 0
	for id, e := range f.entries {
		if e.SourceDocumentID == docID {
			delete(f.entries, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeVectorStore) Stats(ctx context.Context) (*store.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &store.Stats{TotalEntries: len(f.entries), TotalDocuments: 1}, nil
}

func (f *fakeVectorStore) HealthCheck(ctx context.Context) error {
	if !f.healthy {
		return errors.New("database unreachable")
	}
	return nil
}

func (f *fakeVectorStore) Close() error { return nil }

type fakeLLMStatus struct{ available bool }

func (f *fakeLLMStatus) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeLLMStatus) ListModels(ctx context.Context) []string {
	return []string{"llama3:8b"}
}
func (f *fakeLLMStatus) Model() string          { return "llama3:8b" }
func (f *fakeLLMStatus) EmbeddingModel() string { return "nomic-embed-text" }
func (f *fakeLLMStatus) BreakerState() string   { return "closed" }

type testAPI struct {
	api      *API
	rag      *fakeRAG
	pipeline *fakePipeline
	store    *fakeVectorStore
	server   *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.Default()
	ragSvc := newFakeRAG()
	pipeline := newFakePipeline()
	vectorStore := newFakeVectorStore()

	api := NewAPI(ragSvc, pipeline, vectorStore, &fakeLLMStatus{available: true}, ingest.NewService(), cfg)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	srv := httptest.NewServer(Recovery(Logging(SecurityHeaders(mux))))
	t.Cleanup(srv.Close)

	return &testAPI{api: api, rag: ragSvc, pipeline: pipeline, store: vectorStore, server: srv}
}

func (ta *testAPI) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var env struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	return env.Data
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "healthy", data["status"])
}

func TestHealthDetailedDegraded(t *testing.T) {
	ta := newTestAPI(t)
	ta.store.healthy = false

	resp := ta.request(t, http.MethodGet, "/api/v1/health/detailed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "degraded", data["status"])
	services := data["services"].(map[string]interface{})
	assert.Equal(t, "unhealthy", services["store"].(map[string]interface{})["status"])
	assert.Equal(t, "healthy", services["llm"].(map[string]interface{})["status"])
}

func TestQuery(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/query", types.Query{Question: "what happened?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "the answer", data["answer"])
	assert.Equal(t, "conv-1", data["conversation_id"])
}

func TestQueryValidationError(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/query", types.Query{Question: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_request", body.Code)
}

func TestQueryLLMDown(t *testing.T) {
	ta := newTestAPI(t)
	ta.rag.queryErr = fmt.Errorf("generating: %w", llm.ErrUnavailable)

	resp := ta.request(t, http.MethodPost, "/api/v1/query", types.Query{Question: "q"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestQueryInternalErrorHidesDetail(t *testing.T) {
	ta := newTestAPI(t)
	ta.rag.queryErr = errors.New("secret stack detail")

	resp := ta.request(t, http.MethodPost, "/api/v1/query", types.Query{Question: "q"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "internal server error", body.Error)
}

func TestQuerySimple(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/query/simple", map[string]string{"question": "q"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "the answer", data["answer"])
	assert.Equal(t, float64(1), data["sources_used"])
}

func TestQueryStreamFraming(t *testing.T) {
	ta := newTestAPI(t)
	ta.rag.streamEvents = []rag.StreamEvent{
		{Type: "chunk", Content: "Hel", ConversationID: "conv-1"},
		{Type: "chunk", Content: "lo", ConversationID: "conv-1"},
		{Type: "complete", ConversationID: "conv-1", Response: &types.AgentResponse{Answer: "Hello"}},
	}

	resp := ta.request(t, http.MethodPost, "/api/v1/query/stream", types.Query{Question: "q"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	frames := strings.Split(strings.TrimSpace(string(raw)), "\n\n")
	require.Len(t, frames, 4)

	var first rag.StreamEvent
	require.True(t, strings.HasPrefix(frames[0], "data: "))
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first))
	assert.Equal(t, "chunk", first.Type)
	assert.Equal(t, "Hel", first.Content)

	var last map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[3], "data: ")), &last))
	assert.Equal(t, "end", last["type"])
}

func TestQueryStreamErrorEvent(t *testing.T) {
	ta := newTestAPI(t)
	ta.rag.streamEvents = []rag.StreamEvent{
		{Type: "error", Error: "model unavailable", ConversationID: "conv-1"},
	}

	resp := ta.request(t, http.MethodPost, "/api/v1/query/stream", types.Query{Question: "q"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"error"`)
	assert.Contains(t, string(raw), `"type":"end"`)
}

func TestIngestDocument(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.multipartUpload(t, "notes.txt", []byte("some meeting notes"), map[string]string{
		"customer": "acme",
		"metadata": `{"quarter":"Q3"}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "notes.txt", data["filename"])
	assert.Equal(t, float64(2), data["chunks_stored"])
	assert.NotEmpty(t, data["document_id"])
}

func TestIngestDocumentBadMetadata(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.multipartUpload(t, "notes.txt", []byte("content"), map[string]string{
		"metadata": "not-json",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestDocumentUnsupportedFormat(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.multipartUpload(t, "deck.pptx", []byte("content"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestDocumentTooLarge(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.multipartUpload(t, "huge.txt", bytes.Repeat([]byte("x"), maxUploadBytes+1024), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestIngestText(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/ingest/document/text", types.DocumentUpload{
		Filename: "pasted.md",
		Content:  "# Notes",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "md", data["document_type"])
}

func TestIngestTextEmpty(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/ingest/document/text", types.DocumentUpload{
		Filename: "x.txt",
		Content:  "   ",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteDocument(t *testing.T) {
	ta := newTestAPI(t)
	ta.store.entries["a"] = &types.MemoryEntry{ID: "a", SourceDocumentID: "doc-1"}
	ta.store.entries["b"] = &types.MemoryEntry{ID: "b", SourceDocumentID: "doc-1"}

	resp := ta.request(t, http.MethodDelete, "/api/v1/ingest/document/doc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, float64(2), data["entries_deleted"])
}

func TestSupportedFormats(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/ingest/supported-formats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	formats := data["formats"].([]interface{})
	assert.Len(t, formats, 4)
}

func TestMemoryCRUD(t *testing.T) {
	ta := newTestAPI(t)

	// Create.
	resp := ta.request(t, http.MethodPost, "/api/v1/memory", types.MemoryCreate{
		Content:  "acme prefers fridays",
		Customer: "acme",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeEnvelope(t, resp)
	id := created["id"].(string)

	// The handler reads entries through the store, seed it there too.
	ta.store.entries[id] = &types.MemoryEntry{ID: id, Content: "acme prefers fridays"}

	// Read.
	resp = ta.request(t, http.MethodGet, "/api/v1/memory/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Update.
	content := "changed"
	resp = ta.request(t, http.MethodPut, "/api/v1/memory/"+id, types.MemoryUpdate{Content: &content})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeEnvelope(t, resp)
	assert.Equal(t, "changed", updated["content"])

	// Delete.
	resp = ta.request(t, http.MethodDelete, "/api/v1/memory/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMemoryListFilters(t *testing.T) {
	ta := newTestAPI(t)
	ta.store.entries["a"] = &types.MemoryEntry{ID: "a", Customer: "acme", Project: "apollo"}
	ta.store.entries["b"] = &types.MemoryEntry{ID: "b", Customer: "globex"}

	resp := ta.request(t, http.MethodGet, "/api/v1/memory?customer=acme&project=apollo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "acme", ta.store.listFilters.Customer)
	assert.Equal(t, "apollo", ta.store.listFilters.Project)

	data := decodeEnvelope(t, resp)
	entries := data["entries"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].(map[string]interface{})["id"])
}

func TestMemoryCreateValidation(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodPost, "/api/v1/memory", types.MemoryCreate{Content: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMemoryGetMissing(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/memory/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMemorySearch(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/memory/search/revenue?customer=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, "revenue", data["query"])
	results := data["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, 0.92, first["similarity"])
}

func TestMemoryStats(t *testing.T) {
	ta := newTestAPI(t)
	ta.store.entries["a"] = &types.MemoryEntry{ID: "a"}

	resp := ta.request(t, http.MethodGet, "/api/v1/memory/stats/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeEnvelope(t, resp)
	assert.Equal(t, float64(1), data["total_entries"])
}

func TestConversationEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	// Create.
	resp := ta.request(t, http.MethodPost, "/api/v1/conversations", map[string]string{"title": "Budget"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeEnvelope(t, resp)
	assert.Equal(t, "Budget", created["title"])
	id := created["id"].(string)

	// List.
	resp = ta.request(t, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeEnvelope(t, resp)
	assert.Len(t, list["conversations"].([]interface{}), 1)

	// Messages.
	resp = ta.request(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeEnvelope(t, resp)
	assert.Empty(t, msgs["messages"])

	// Delete, then 404.
	resp = ta.request(t, http.MethodDelete, "/api/v1/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ta.request(t, http.MethodDelete, "/api/v1/conversations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationGetMissing(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/conversations/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodDelete, "/api/v1/query", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.request(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func (ta *testAPI) multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ta.server.URL+"/api/v1/ingest/document", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
