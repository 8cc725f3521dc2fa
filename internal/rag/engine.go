// Package rag ties retrieval and generation together: it embeds questions,
// searches the vector store, assembles source context, calls the language
// model, and tracks conversations in memory.
package rag

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagecore/sage/internal/llm"
	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/pkg/types"
)

const (
	generateTemperature = 0.7
	generateMaxTokens   = 2048
)

// LLM is the slice of the language model client the engine needs.
type LLM interface {
	llm.Generator
	llm.Embedder
}

// Config holds the retrieval parameters of the engine.
type Config struct {
	TopK                int
	SimilarityThreshold float64
}

// StreamEvent is one event on a streaming query. Consumers receive zero or
// more "chunk" events followed by exactly one "complete" or "error" event.
type StreamEvent struct {
	Type           string               `json:"type"`
	Content        string               `json:"content,omitempty"`
	Response       *types.AgentResponse `json:"response,omitempty"`
	Error          string               `json:"error,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
}

// Engine answers questions against the knowledge base. Conversations live in
// memory only and are lost on restart.
type Engine struct {
	store  store.VectorStore
	llm    LLM
	config Config

	mu            sync.RWMutex
	conversations map[string]*types.Conversation
}

// NewEngine creates an engine over the given store and model client.
func NewEngine(vectorStore store.VectorStore, model LLM, config Config) *Engine {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	return &Engine{
		store:         vectorStore,
		llm:           model,
		config:        config,
		conversations: make(map[string]*types.Conversation),
	}
}

// Query answers a question. The question is embedded, the store is searched
// with the query's filters, and the model generates an answer grounded in
// the retrieved sources. Both turns are appended to the conversation.
func (e *Engine) Query(ctx context.Context, query types.Query) (*types.AgentResponse, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	start := time.Now()

	conv, err := e.resolveConversation(query.ConversationID)
	if err != nil {
		return nil, err
	}

	contextText, sources, err := e.retrieve(ctx, query)
	if err != nil {
		return nil, err
	}

	result, err := e.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:       query.Question,
		Context:      contextText,
		SystemPrompt: systemPrompt,
		Temperature:  generateTemperature,
		MaxTokens:    generateMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	answer := strings.TrimSpace(result.Response)
	e.appendTurns(conv.ID, query.Question, answer)

	return &types.AgentResponse{
		Answer:         answer,
		Sources:        sources,
		ConversationID: conv.ID,
		QueryTimeMs:    time.Since(start).Milliseconds(),
		TokensUsed:     result.TokensUsed,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// QueryStream answers a question token by token. The returned channel is
// closed after the terminal event. The conversation is only updated when the
// stream completes successfully.
func (e *Engine) QueryStream(ctx context.Context, query types.Query) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)

		fail := func(convID string, err error) {
			if convID == "" {
				convID = uuid.NewString()
			}
			events <- StreamEvent{Type: "error", Error: err.Error(), ConversationID: convID}
		}

		if err := query.Validate(); err != nil {
			fail(query.ConversationID, fmt.Errorf("%w: %v", store.ErrInvalidInput, err))
			return
		}

		start := time.Now()

		conv, err := e.resolveConversation(query.ConversationID)
		if err != nil {
			fail(query.ConversationID, err)
			return
		}

		contextText, sources, err := e.retrieve(ctx, query)
		if err != nil {
			fail(conv.ID, err)
			return
		}

		var answer strings.Builder
		err = e.llm.GenerateStream(ctx, llm.GenerateRequest{
			Prompt:       query.Question,
			Context:      contextText,
			SystemPrompt: systemPrompt,
			Temperature:  generateTemperature,
			MaxTokens:    generateMaxTokens,
		}, func(chunk string) error {
			answer.WriteString(chunk)
			select {
			case events <- StreamEvent{Type: "chunk", Content: chunk, ConversationID: conv.ID}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			fail(conv.ID, err)
			return
		}

		final := strings.TrimSpace(answer.String())
		e.appendTurns(conv.ID, query.Question, final)

		events <- StreamEvent{
			Type:           "complete",
			ConversationID: conv.ID,
			Response: &types.AgentResponse{
				Answer:         final,
				Sources:        sources,
				ConversationID: conv.ID,
				QueryTimeMs:    time.Since(start).Milliseconds(),
				CreatedAt:      time.Now().UTC(),
			},
		}
	}()

	return events
}

// retrieve embeds the question, searches the store, and builds the context
// block handed to the model.
func (e *Engine) retrieve(ctx context.Context, query types.Query) (string, []types.MemoryEntry, error) {
	filters, err := store.FiltersFromMap(query.Filters)
	if err != nil {
		return "", nil, err
	}
	filters.Threshold = e.config.SimilarityThreshold

	vector, err := e.llm.Embed(ctx, query.Question)
	if err != nil {
		return "", nil, fmt.Errorf("embedding question: %w", err)
	}

	topK := query.MaxResults
	if topK <= 0 {
		topK = e.config.TopK
	}

	results, err := e.store.Search(ctx, vector, topK, filters)
	if err != nil {
		return "", nil, fmt.Errorf("searching knowledge base: %w", err)
	}

	sources := make([]types.MemoryEntry, 0, len(results))
	for _, r := range results {
		sources = append(sources, r.Entry)
	}
	return buildContext(results), sources, nil
}

// buildContext renders search results as numbered source paragraphs.
func buildContext(results []store.SearchResult) string {
	if len(results) == 0 {
		return emptyContextNotice
	}

	blocks := make([]string, 0, len(results))
	for i, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "Source %d", i+1)
		if r.Entry.Customer != "" {
			fmt.Fprintf(&b, " (Customer: %s)", r.Entry.Customer)
		}
		if r.Entry.Project != "" {
			fmt.Fprintf(&b, " (Project: %s)", r.Entry.Project)
		}
		if r.Entry.SourceDocumentID != "" && r.Entry.SourceDocumentID != r.Entry.ID {
			fmt.Fprintf(&b, " (Document: %s)", shortID(r.Entry.SourceDocumentID))
		}
		b.WriteString(":\n")
		b.WriteString(r.Entry.Content)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// resolveConversation returns the existing conversation or creates a new one
// when the ID is empty or unknown.
func (e *Engine) resolveConversation(id string) (*types.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id != "" {
		if conv, ok := e.conversations[id]; ok {
			return conv, nil
		}
		log.Printf("conversation %s not found, starting a new one", id)
	}

	conv := e.newConversationLocked()
	return conv, nil
}

func (e *Engine) newConversationLocked() *types.Conversation {
	now := time.Now().UTC()
	conv := &types.Conversation{
		ID:        uuid.NewString(),
		Title:     "Conversation " + now.Format("2006-01-02 15:04"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.conversations[conv.ID] = conv
	return conv
}

// appendTurns records a completed exchange on the conversation.
func (e *Engine) appendTurns(conversationID, question, answer string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, ok := e.conversations[conversationID]
	if !ok {
		return
	}

	now := time.Now().UTC()
	conv.Messages = append(conv.Messages,
		types.Message{Role: "user", Content: question, Timestamp: now},
		types.Message{Role: "assistant", Content: answer, Timestamp: now},
	)
	conv.UpdatedAt = now
}

// CreateConversation starts an empty conversation and returns it.
func (e *Engine) CreateConversation(title string) *types.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv := e.newConversationLocked()
	if title != "" {
		conv.Title = title
	}
	return cloneConversation(conv)
}

// GetConversation returns a copy of the conversation, if it exists.
func (e *Engine) GetConversation(id string) (*types.Conversation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conv, ok := e.conversations[id]
	if !ok {
		return nil, false
	}
	return cloneConversation(conv), true
}

// ListConversations returns conversations ordered most recently updated
// first, with offset pagination.
func (e *Engine) ListConversations(limit, offset int) []types.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	all := make([]types.Conversation, 0, len(e.conversations))
	for _, conv := range e.conversations {
		all = append(all, *cloneConversation(conv))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []types.Conversation{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// DeleteConversation removes the conversation, reporting whether it existed.
func (e *Engine) DeleteConversation(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.conversations[id]
	delete(e.conversations, id)
	return ok
}

func cloneConversation(conv *types.Conversation) *types.Conversation {
	copied := *conv
	copied.Messages = append([]types.Message(nil), conv.Messages...)
	return &copied
}
