package handlers

import (
	"net/http"

	"github.com/sagecore/sage/pkg/types"
)

func (a *API) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		list := a.RAG.ListConversations(limit, offset)
		if list == nil {
			list = []types.Conversation{}
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"conversations": list,
			"limit":         limit,
			"offset":        offset,
		})

	case http.MethodPost:
		var req struct {
			Title string `json:"title"`
		}
		// An empty body is fine; the engine picks a default title.
		_ = decodeJSON(r, &req)
		conv := a.RAG.CreateConversation(req.Title)
		respondJSON(w, http.StatusCreated, conv)

	default:
		methodNotAllowed(w)
	}
}

func (a *API) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		conv, ok := a.RAG.GetConversation(id)
		if !ok {
			respondError(w, http.StatusNotFound, "conversation not found", "not_found")
			return
		}
		respondJSON(w, http.StatusOK, conv)

	case http.MethodDelete:
		if !a.RAG.DeleteConversation(id) {
			respondError(w, http.StatusNotFound, "conversation not found", "not_found")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})

	default:
		methodNotAllowed(w)
	}
}

func (a *API) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	conv, ok := a.RAG.GetConversation(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "conversation not found", "not_found")
		return
	}

	messages := conv.Messages
	if messages == nil {
		messages = []types.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ID,
		"messages":        messages,
	})
}
