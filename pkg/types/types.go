// Package types defines the core data model shared across the Sage service:
// documents, memory entries, queries, agent responses, and conversations.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DocumentType identifies the source format of an ingested document.
type DocumentType string

const (
	DocumentTypePDF      DocumentType = "pdf"
	DocumentTypeTXT      DocumentType = "txt"
	DocumentTypeDOCX     DocumentType = "docx"
	DocumentTypeMarkdown DocumentType = "md"
)

// Document is a normalized, immutable record produced by the ingestion
// pipeline. It carries the extracted plain text plus provenance metadata
// and is handed to the vector store for chunking and embedding.
type Document struct {
	ID           string                 `json:"id"`
	Filename     string                 `json:"filename"`
	Content      string                 `json:"content"`
	DocumentType DocumentType           `json:"document_type"`
	Customer     string                 `json:"customer,omitempty"`
	Project      string                 `json:"project,omitempty"`
	Date         time.Time              `json:"date"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	FileSize     int                    `json:"file_size"`
	CreatedAt    time.Time              `json:"created_at"`
}

// MemoryEntry is the atomic retrievable unit: one document chunk or one
// manually entered note, with its embedding and metadata. Entries are owned
// exclusively by the vector store.
type MemoryEntry struct {
	ID               string                 `json:"id"`
	Content          string                 `json:"content"`
	Embedding        []float32              `json:"embedding,omitempty"`
	Customer         string                 `json:"customer,omitempty"`
	Project          string                 `json:"project,omitempty"`
	Date             time.Time              `json:"date"`
	SourceDocumentID string                 `json:"source_document_id"`
	ChunkIndex       int                    `json:"chunk_index"`
	ImportanceScore  float64                `json:"importance_score"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Query is a single question against the knowledge base. Transient; not
// persisted. Recognized filter keys: customer, project, date_from, date_to.
type Query struct {
	Question       string            `json:"question"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	MaxResults     int               `json:"max_results,omitempty"`
}

const (
	maxQuestionLength = 2000
	defaultMaxResults = 5
	maxMaxResults     = 20
)

// Validate checks the question bounds and normalizes MaxResults into [1,20],
// applying the default of 5 when unset.
func (q *Query) Validate() error {
	if strings.TrimSpace(q.Question) == "" {
		return fmt.Errorf("question is required")
	}
	if len(q.Question) > maxQuestionLength {
		return fmt.Errorf("question exceeds maximum length of %d characters", maxQuestionLength)
	}
	if q.MaxResults == 0 {
		q.MaxResults = defaultMaxResults
	}
	if q.MaxResults < 1 || q.MaxResults > maxMaxResults {
		return fmt.Errorf("max_results must be between 1 and %d", maxMaxResults)
	}
	return nil
}

// AgentResponse is the result of one RAG query: the generated answer plus
// the memory entries used as context. Transient.
type AgentResponse struct {
	Answer         string        `json:"answer"`
	Sources        []MemoryEntry `json:"sources"`
	ConversationID string        `json:"conversation_id"`
	QueryTimeMs    int64         `json:"query_time_ms"`
	TokensUsed     int           `json:"tokens_used,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Message is a single turn in a conversation.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered log of user/assistant message pairs keyed by
// an identifier. Conversations live only in process memory and are lost on
// restart. Invariant: UpdatedAt >= CreatedAt, refreshed on every append.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	Customer  string    `json:"customer,omitempty"`
	Project   string    `json:"project,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryCreate is the request shape for adding a manual memory entry.
type MemoryCreate struct {
	Content         string                 `json:"content"`
	Customer        string                 `json:"customer,omitempty"`
	Project         string                 `json:"project,omitempty"`
	ImportanceScore *float64               `json:"importance_score,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks required fields and the importance score range.
func (m *MemoryCreate) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if m.ImportanceScore != nil && (*m.ImportanceScore < 0 || *m.ImportanceScore > 1) {
		return fmt.Errorf("importance_score must be between 0.0 and 1.0")
	}
	return nil
}

// MemoryUpdate is the request shape for partial memory entry updates.
// Nil fields are left unchanged; Metadata is merged, not replaced.
type MemoryUpdate struct {
	Content         *string                `json:"content,omitempty"`
	Customer        *string                `json:"customer,omitempty"`
	Project         *string                `json:"project,omitempty"`
	ImportanceScore *float64               `json:"importance_score,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// DocumentUpload is the request shape for text-based document ingestion.
type DocumentUpload struct {
	Filename string                 `json:"filename"`
	Content  string                 `json:"content"`
	Customer string                 `json:"customer,omitempty"`
	Project  string                 `json:"project,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
