package store

import (
	"context"
	"fmt"

	"github.com/sagecore/sage/internal/llm"
	"github.com/sagecore/sage/pkg/types"
)

// Pipeline writes documents and manual notes into a vector store: documents
// are chunked, every chunk is embedded, and each chunk becomes one entry.
type Pipeline struct {
	store    VectorStore
	embedder llm.Embedder
	chunker  *Chunker
}

// NewPipeline creates a write pipeline over the given store and embedder.
func NewPipeline(store VectorStore, embedder llm.Embedder, chunker *Chunker) *Pipeline {
	return &Pipeline{store: store, embedder: embedder, chunker: chunker}
}

// AddDocument chunks, embeds, and stores a document, returning the created
// entries in chunk order. A failure partway through leaves the chunks
// committed so far in place; callers can remove them with DeleteByDocument.
func (p *Pipeline) AddDocument(ctx context.Context, doc types.Document) ([]types.MemoryEntry, error) {
	chunks := p.chunker.Split(doc.Content)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document %s has no content", ErrInvalidInput, doc.ID)
	}

	entries := make([]types.MemoryEntry, 0, len(chunks))
	for i, chunk := range chunks {
		vector, err := p.embedder.Embed(ctx, chunk)
		if err != nil {
			return entries, fmt.Errorf("embedding chunk %d of %s: %w", i, doc.Filename, err)
		}

		metadata := map[string]interface{}{
			"filename":      doc.Filename,
			"document_type": string(doc.DocumentType),
		}
		for k, v := range doc.Metadata {
			metadata[k] = v
		}

		stored, err := p.store.Add(ctx, types.MemoryEntry{
			Content:          chunk,
			Embedding:        vector,
			Customer:         doc.Customer,
			Project:          doc.Project,
			Date:             doc.Date,
			SourceDocumentID: doc.ID,
			ChunkIndex:       i,
			Metadata:         metadata,
		})
		if err != nil {
			return entries, fmt.Errorf("storing chunk %d of %s: %w", i, doc.Filename, err)
		}
		entries = append(entries, *stored)
	}
	return entries, nil
}

// AddMemoryEntry embeds and stores a manually entered note.
func (p *Pipeline) AddMemoryEntry(ctx context.Context, req types.MemoryCreate) (*types.MemoryEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	vector, err := p.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding entry: %w", err)
	}

	importance := 1.0
	if req.ImportanceScore != nil {
		importance = *req.ImportanceScore
	}

	return p.store.Add(ctx, types.MemoryEntry{
		Content:         req.Content,
		Embedding:       vector,
		Customer:        req.Customer,
		Project:         req.Project,
		ImportanceScore: importance,
		Metadata:        req.Metadata,
	})
}

// UpdateMemoryEntry applies a partial update. When the content changes the
// entry is re-embedded so its vector stays in sync.
func (p *Pipeline) UpdateMemoryEntry(ctx context.Context, id string, req types.MemoryUpdate) (*types.MemoryEntry, error) {
	var embedding []float32
	if req.Content != nil && *req.Content != "" {
		vector, err := p.embedder.Embed(ctx, *req.Content)
		if err != nil {
			return nil, fmt.Errorf("re-embedding entry: %w", err)
		}
		embedding = vector
	}

	return p.store.Update(ctx, id, EntryUpdate{
		Content:         req.Content,
		Customer:        req.Customer,
		Project:         req.Project,
		ImportanceScore: req.ImportanceScore,
		Metadata:        req.Metadata,
	}, embedding)
}

// SearchText embeds the query text and runs a filtered similarity search.
func (p *Pipeline) SearchText(ctx context.Context, text string, topK int, filters Filters) ([]SearchResult, error) {
	vector, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return p.store.Search(ctx, vector, topK, filters)
}
