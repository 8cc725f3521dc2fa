package llm

import "context"

// Generator is the text generation surface the RAG engine depends on.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	GenerateStream(ctx context.Context, req GenerateRequest, fn func(chunk string) error) error
}

// Embedder produces fixed-dimensionality embedding vectors for text.
// The vector stores depend on this to embed chunks and queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
