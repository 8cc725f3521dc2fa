package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sagecore/sage/pkg/types"
)

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var query types.Query
	if err := decodeJSON(r, &query); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}

	resp, err := a.RAG.Query(r.Context(), query)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleQuerySimple accepts a flattened request shape for clients that do
// not need filters.
func (a *API) handleQuerySimple(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req struct {
		Question       string `json:"question"`
		ConversationID string `json:"conversation_id"`
		MaxResults     int    `json:"max_results"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}

	resp, err := a.RAG.Query(r.Context(), types.Query{
		Question:       req.Question,
		ConversationID: req.ConversationID,
		MaxResults:     req.MaxResults,
	})
	if err != nil {
		a.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"answer":          resp.Answer,
		"conversation_id": resp.ConversationID,
		"sources_used":    len(resp.Sources),
	})
}

// handleQueryStream streams the answer as Server-Sent Events. Each event is
// one JSON-encoded StreamEvent; the stream ends with {"type":"end"}.
func (a *API) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var query types.Query
	if err := decodeJSON(r, &query); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(payload interface{}) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("handlers: encoding stream event: %v", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	events := a.RAG.QueryStream(r.Context(), query)
	for event := range events {
		if !write(event) {
			// Client went away; context cancellation stops the producer,
			// drain what remains so the goroutine can exit.
			for range events {
			}
			return
		}
	}
	write(map[string]string{"type": "end"})
}
