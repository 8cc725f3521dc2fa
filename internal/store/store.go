package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sagecore/sage/pkg/types"
)

var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidInput indicates the request failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorruptEntry indicates stored data could not be decoded.
	ErrCorruptEntry = errors.New("corrupt entry")
)

// Filters restricts a similarity search to entries matching the given
// metadata. Zero values mean no restriction on that dimension.
type Filters struct {
	Customer  string
	Project   string
	DateFrom  time.Time
	DateTo    time.Time
	Threshold float64
}

// FiltersFromMap converts the filter map received in query requests into
// Filters. Dates accept RFC 3339 or plain YYYY-MM-DD. Unknown keys are
// rejected so typos fail loudly instead of silently matching everything.
func FiltersFromMap(m map[string]string) (Filters, error) {
	var f Filters
	for key, value := range m {
		switch key {
		case "customer":
			f.Customer = value
		case "project":
			f.Project = value
		case "date_from":
			t, err := parseFilterDate(value)
			if err != nil {
				return f, fmt.Errorf("%w: filter date_from: %v", ErrInvalidInput, err)
			}
			f.DateFrom = t
		case "date_to":
			t, err := parseFilterDate(value)
			if err != nil {
				return f, fmt.Errorf("%w: filter date_to: %v", ErrInvalidInput, err)
			}
			f.DateTo = t
		default:
			return f, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, key)
		}
	}
	return f, nil
}

func parseFilterDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	return t, nil
}

// EntryUpdate carries the mutable fields of a memory entry. Nil pointers
// leave the current value untouched; Metadata keys are merged in.
type EntryUpdate struct {
	Content         *string
	Customer        *string
	Project         *string
	Date            *time.Time
	ImportanceScore *float64
	Metadata        map[string]interface{}
}

// SearchResult pairs an entry with its similarity to the query vector.
type SearchResult struct {
	Entry      types.MemoryEntry
	Similarity float64
}

// Stats summarizes the contents of a store.
type Stats struct {
	TotalEntries   int `json:"total_entries"`
	TotalDocuments int `json:"total_documents"`
}

// VectorStore persists memory entries together with their embedding vectors
// and answers filtered similarity searches.
type VectorStore interface {
	// Add persists an entry. A missing ID is assigned; a missing CreatedAt
	// is set to the current time. Returns the stored entry.
	Add(ctx context.Context, entry types.MemoryEntry) (*types.MemoryEntry, error)

	// Get returns the entry with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*types.MemoryEntry, error)

	// Update applies the given changes. When Content changes the caller must
	// supply the re-computed embedding; pass nil to keep the stored vector.
	Update(ctx context.Context, id string, update EntryUpdate, embedding []float32) (*types.MemoryEntry, error)

	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// List returns entries in insertion order with offset pagination,
	// restricted by the same equality and date filters as Search.
	List(ctx context.Context, limit, offset int, filters Filters) ([]types.MemoryEntry, error)

	// Search returns the entries most similar to the query vector, best
	// first, restricted by filters and cut off below filters.Threshold.
	Search(ctx context.Context, vector []float32, topK int, filters Filters) ([]SearchResult, error)

	// DeleteByDocument removes all entries derived from the given document
	// and returns how many were deleted.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)

	// Stats reports entry and distinct document counts.
	Stats(ctx context.Context) (*Stats, error)

	// HealthCheck verifies the backing database is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity of two vectors. Returns
// zero for mismatched lengths or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
