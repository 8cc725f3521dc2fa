package handlers

import (
	"net/http"
	"time"
)

// HealthResponse is the body of the basic health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DetailedHealthResponse adds per-dependency status.
type DetailedHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	ctx := r.Context()
	services := map[string]interface{}{}
	status := "healthy"

	storeInfo := map[string]interface{}{"status": "healthy"}
	if err := a.Store.HealthCheck(ctx); err != nil {
		storeInfo["status"] = "unhealthy"
		storeInfo["error"] = err.Error()
		status = "degraded"
	} else if stats, err := a.Store.Stats(ctx); err == nil {
		storeInfo["total_entries"] = stats.TotalEntries
		storeInfo["total_documents"] = stats.TotalDocuments
	}
	services["store"] = storeInfo

	llmInfo := map[string]interface{}{
		"model":           a.LLM.Model(),
		"embedding_model": a.LLM.EmbeddingModel(),
		"circuit_breaker": a.LLM.BreakerState(),
	}
	if a.LLM.IsAvailable(ctx) {
		llmInfo["status"] = "healthy"
		llmInfo["available_models"] = a.LLM.ListModels(ctx)
	} else {
		llmInfo["status"] = "unhealthy"
		status = "degraded"
	}
	services["llm"] = llmInfo

	respondJSON(w, http.StatusOK, DetailedHealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
	})
}
