// Package handlers implements the HTTP surface of the service: document
// ingestion, RAG queries (plain, SSE, WebSocket), memory entry CRUD, and
// conversation management, all under /api/v1.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/sagecore/sage/internal/config"
	"github.com/sagecore/sage/internal/ingest"
	"github.com/sagecore/sage/internal/llm"
	"github.com/sagecore/sage/internal/rag"
	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/pkg/types"
)

// RAGService is the slice of the RAG engine the handlers use.
type RAGService interface {
	Query(ctx context.Context, query types.Query) (*types.AgentResponse, error)
	QueryStream(ctx context.Context, query types.Query) <-chan rag.StreamEvent
	GetConversation(id string) (*types.Conversation, bool)
	ListConversations(limit, offset int) []types.Conversation
	CreateConversation(title string) *types.Conversation
	DeleteConversation(id string) bool
}

// DocumentPipeline writes documents and memory entries into the store.
type DocumentPipeline interface {
	AddDocument(ctx context.Context, doc types.Document) ([]types.MemoryEntry, error)
	AddMemoryEntry(ctx context.Context, req types.MemoryCreate) (*types.MemoryEntry, error)
	UpdateMemoryEntry(ctx context.Context, id string, req types.MemoryUpdate) (*types.MemoryEntry, error)
	SearchText(ctx context.Context, text string, topK int, filters store.Filters) ([]store.SearchResult, error)
}

// LLMStatus exposes what health reporting needs from the model client.
type LLMStatus interface {
	IsAvailable(ctx context.Context) bool
	ListModels(ctx context.Context) []string
	Model() string
	EmbeddingModel() string
	BreakerState() string
}

// API holds the wired dependencies behind the HTTP handlers.
type API struct {
	RAG      RAGService
	Pipeline DocumentPipeline
	Store    store.VectorStore
	LLM      LLMStatus
	Ingest   *ingest.Service
	Config   *config.Config
}

// NewAPI creates the handler set.
func NewAPI(ragSvc RAGService, pipeline DocumentPipeline, vectorStore store.VectorStore, llmStatus LLMStatus, ingestSvc *ingest.Service, cfg *config.Config) *API {
	return &API{
		RAG:      ragSvc,
		Pipeline: pipeline,
		Store:    vectorStore,
		LLM:      llmStatus,
		Ingest:   ingestSvc,
		Config:   cfg,
	}
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// envelope is the success wrapper used by all endpoints.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		log.Printf("handlers: writing response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code}); err != nil {
		log.Printf("handlers: writing error response: %v", err)
	}
}

// respondMappedError translates component errors into HTTP statuses. This is
// the single place status codes are decided; the components themselves only
// return typed errors.
func (a *API) respondMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, ingest.ErrUnsupportedFormat),
		errors.Is(err, ingest.ErrEmptyDocument):
		respondError(w, http.StatusBadRequest, err.Error(), "invalid_request")
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, llm.ErrCircuitOpen):
		respondError(w, http.StatusBadGateway, "language model service unavailable", "llm_unavailable")
	default:
		log.Printf("handlers: internal error: %v", err)
		message := "internal server error"
		if a.Config != nil && a.Config.Server.Debug {
			message = err.Error()
		}
		respondError(w, http.StatusInternalServerError, message, "internal_error")
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	respondError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
}
