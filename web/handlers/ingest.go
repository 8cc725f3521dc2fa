package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sagecore/sage/internal/ingest"
	"github.com/sagecore/sage/pkg/types"
)

// maxUploadBytes caps document uploads at 10 MB.
const maxUploadBytes = 10 << 20

// IngestResult summarizes a completed ingestion.
type IngestResult struct {
	DocumentID   string `json:"document_id"`
	Filename     string `json:"filename"`
	DocumentType string `json:"document_type"`
	ChunksStored int    `json:"chunks_stored"`
	FileSize     int    `json:"file_size"`
}

func (a *API) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		if isTooLarge(err) {
			respondError(w, http.StatusRequestEntityTooLarge, "file exceeds the 10MB limit", "file_too_large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form", "invalid_request")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file field", "invalid_request")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		if isTooLarge(err) {
			respondError(w, http.StatusRequestEntityTooLarge, "file exceeds the 10MB limit", "file_too_large")
			return
		}
		respondError(w, http.StatusBadRequest, "reading upload", "invalid_request")
		return
	}

	meta := ingest.Metadata{
		Customer: r.FormValue("customer"),
		Project:  r.FormValue("project"),
	}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Extra); err != nil {
			respondError(w, http.StatusBadRequest, "metadata must be a JSON object", "invalid_request")
			return
		}
	}

	doc, err := a.Ingest.Process(header.Filename, data, meta)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}

	entries, err := a.Pipeline.AddDocument(r.Context(), *doc)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, IngestResult{
		DocumentID:   doc.ID,
		Filename:     doc.Filename,
		DocumentType: string(doc.DocumentType),
		ChunksStored: len(entries),
		FileSize:     doc.FileSize,
	})
}

func (a *API) handleIngestText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var upload types.DocumentUpload
	if err := decodeJSON(r, &upload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}
	if upload.Filename == "" {
		upload.Filename = "untitled.txt"
	}

	doc, err := a.Ingest.ProcessText(upload)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}

	entries, err := a.Pipeline.AddDocument(r.Context(), *doc)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, IngestResult{
		DocumentID:   doc.ID,
		Filename:     doc.Filename,
		DocumentType: string(doc.DocumentType),
		ChunksStored: len(entries),
		FileSize:     doc.FileSize,
	})
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	id := r.PathValue("id")
	deleted, err := a.Store.DeleteByDocument(r.Context(), id)
	if err != nil {
		a.respondMappedError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"document_id":     id,
		"entries_deleted": deleted,
	})
}

// isTooLarge detects the MaxBytesReader limit error. Multipart parsing does
// not always preserve the wrapped *http.MaxBytesError, so the known message
// is matched as a fallback.
func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func (a *API) handleSupportedFormats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"formats": ingest.SupportedFormats(),
	})
}
