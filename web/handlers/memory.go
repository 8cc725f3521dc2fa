package handlers

import (
	"net/http"
	"strconv"

	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/pkg/types"
)

func (a *API) handleMemory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listMemory(w, r)
	case http.MethodPost:
		a.createMemory(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (a *API) listMemory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	filters := store.Filters{
		Customer: r.URL.Query().Get("customer"),
		Project:  r.URL.Query().Get("project"),
	}

	entries, err := a.Store.List(r.Context(), limit, offset, filters)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}
	if entries == nil {
		entries = []types.MemoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *API) createMemory(w http.ResponseWriter, r *http.Request) {
	var req types.MemoryCreate
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}

	entry, err := a.Pipeline.AddMemoryEntry(r.Context(), req)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (a *API) handleMemoryByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		entry, err := a.Store.Get(r.Context(), id)
		if err != nil {
			a.respondMappedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, entry)

	case http.MethodPut:
		var req types.MemoryUpdate
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
			return
		}
		entry, err := a.Pipeline.UpdateMemoryEntry(r.Context(), id, req)
		if err != nil {
			a.respondMappedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, entry)

	case http.MethodDelete:
		if err := a.Store.Delete(r.Context(), id); err != nil {
			a.respondMappedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})

	default:
		methodNotAllowed(w)
	}
}

func (a *API) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	text := r.PathValue("query")
	if text == "" {
		respondError(w, http.StatusBadRequest, "search query is required", "invalid_request")
		return
	}

	filters := store.Filters{
		Customer:  r.URL.Query().Get("customer"),
		Project:   r.URL.Query().Get("project"),
		Threshold: a.Config.RAG.SimilarityThreshold,
	}
	limit := queryInt(r, "limit", a.Config.RAG.TopK)

	results, err := a.Pipeline.SearchText(r.Context(), text, limit, filters)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}

	type scored struct {
		Entry      types.MemoryEntry `json:"entry"`
		Similarity float64           `json:"similarity"`
	}
	out := make([]scored, 0, len(results))
	for _, res := range results {
		out = append(out, scored{Entry: res.Entry, Similarity: res.Similarity})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   text,
		"results": out,
	})
}

func (a *API) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	stats, err := a.Store.Stats(r.Context())
	if err != nil {
		a.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
