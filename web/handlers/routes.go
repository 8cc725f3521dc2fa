package handlers

import "net/http"

// RegisterRoutes attaches every endpoint to the mux under /api/v1.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", a.handleHealth)
	mux.HandleFunc("/api/v1/health/detailed", a.handleHealthDetailed)

	mux.HandleFunc("/api/v1/ingest/document", a.handleIngestDocument)
	mux.HandleFunc("/api/v1/ingest/document/text", a.handleIngestText)
	mux.HandleFunc("/api/v1/ingest/document/{id}", a.handleDeleteDocument)
	mux.HandleFunc("/api/v1/ingest/supported-formats", a.handleSupportedFormats)

	mux.HandleFunc("/api/v1/query", a.handleQuery)
	mux.HandleFunc("/api/v1/query/stream", a.handleQueryStream)
	mux.HandleFunc("/api/v1/query/simple", a.handleQuerySimple)
	mux.HandleFunc("/api/v1/query/ws", a.handleQueryWS)

	mux.HandleFunc("/api/v1/memory", a.handleMemory)
	mux.HandleFunc("/api/v1/memory/{id}", a.handleMemoryByID)
	mux.HandleFunc("/api/v1/memory/search/{query}", a.handleMemorySearch)
	mux.HandleFunc("/api/v1/memory/stats/summary", a.handleMemoryStats)

	mux.HandleFunc("/api/v1/conversations", a.handleConversations)
	mux.HandleFunc("/api/v1/conversations/{id}", a.handleConversationByID)
	mux.HandleFunc("/api/v1/conversations/{id}/messages", a.handleConversationMessages)
}
