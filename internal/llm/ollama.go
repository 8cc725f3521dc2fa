package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ErrUnavailable indicates the Ollama server could not be reached or
// returned an unexpected status. Callers can map this to a gateway error.
var ErrUnavailable = errors.New("llm service unavailable")

// OllamaConfig holds the connection settings for an Ollama server.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	// EmbedRatePerSec caps embedding calls per second. Zero means unlimited.
	EmbedRatePerSec float64
}

// GenerateRequest describes a single completion request.
type GenerateRequest struct {
	Prompt       string
	Context      string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// GenerateResult is the outcome of a completion request.
type GenerateResult struct {
	Response        string
	Model           string
	PromptEvalCount int
	EvalCount       int
	TokensUsed      int
	GenerationTime  time.Duration
}

// ChatMessage is a single turn in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaClient talks to a local or remote Ollama server. Generation and
// embedding calls go through a circuit breaker; embeddings are additionally
// rate limited and retried with exponential backoff since they are idempotent.
type OllamaClient struct {
	config  OllamaConfig
	client  *http.Client
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

// NewOllamaClient creates a client for the given Ollama server.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	limit := rate.Inf
	if config.EmbedRatePerSec > 0 {
		limit = rate.Limit(config.EmbedRatePerSec)
	}

	return &OllamaClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: NewCircuitBreaker(),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// BuildPrompt assembles the full prompt sent to the model. The system prompt
// comes first, followed by the retrieved context and the user's question,
// ending with an open assistant turn.
func BuildPrompt(systemPrompt, contextText, question string) string {
	var parts []string
	if systemPrompt != "" {
		parts = append(parts, "System: "+systemPrompt)
	}
	if contextText != "" {
		parts = append(parts, "Context:\n"+contextText)
	}
	parts = append(parts, "Human: "+question)
	parts = append(parts, "Assistant:")
	return strings.Join(parts, "\n\n")
}

var stopSequences = []string{"Human:", "Assistant:", "\n\nHuman:", "\n\nAssistant:"}

type generatePayload struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *OllamaClient) options(req GenerateRequest) map[string]interface{} {
	opts := map[string]interface{}{
		"stop": stopSequences,
	}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	return opts
}

// Generate runs a blocking completion and returns the full response text
// together with token accounting and wall-clock latency.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	payload := generatePayload{
		Model:   c.config.Model,
		Prompt:  BuildPrompt(req.SystemPrompt, req.Context, req.Prompt),
		Stream:  false,
		Options: c.options(req),
	}

	start := time.Now()
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		body, err := c.post(ctx, "/api/generate", payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var resp generateResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("decoding generate response: %w", err)
		}
		return &resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*generateResponse)
	return &GenerateResult{
		Response:        resp.Response,
		Model:           resp.Model,
		PromptEvalCount: resp.PromptEvalCount,
		EvalCount:       resp.EvalCount,
		TokensUsed:      resp.PromptEvalCount + resp.EvalCount,
		GenerationTime:  time.Since(start),
	}, nil
}

// GenerateStream runs a streaming completion, invoking fn for each token
// fragment as it arrives. Malformed stream lines are skipped. If fn returns
// an error the stream is aborted and that error is returned.
func (c *OllamaClient) GenerateStream(ctx context.Context, req GenerateRequest, fn func(chunk string) error) error {
	payload := generatePayload{
		Model:   c.config.Model,
		Prompt:  BuildPrompt(req.SystemPrompt, req.Context, req.Prompt),
		Stream:  true,
		Options: c.options(req),
	}

	_, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		body, err := c.post(ctx, "/api/generate", payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var resp generateResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.Response != "" {
				if err := fn(resp.Response); err != nil {
					return nil, err
				}
			}
			if resp.Done {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading stream: %w", err)
		}
		return nil, nil
	})
	return err
}

type chatPayload struct {
	Model    string                 `json:"model"`
	Messages []ChatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Chat runs a multi-turn completion via the chat endpoint. The stop
// sequences are always sent; temperature and maxTokens are included when
// positive.
func (c *OllamaClient) Chat(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (*GenerateResult, error) {
	payload := chatPayload{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   false,
		Options:  c.options(GenerateRequest{Temperature: temperature, MaxTokens: maxTokens}),
	}

	start := time.Now()
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		body, err := c.post(ctx, "/api/chat", payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var resp chatResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("decoding chat response: %w", err)
		}
		return &resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*chatResponse)
	return &GenerateResult{
		Response:        resp.Message.Content,
		Model:           resp.Model,
		PromptEvalCount: resp.PromptEvalCount,
		EvalCount:       resp.EvalCount,
		TokensUsed:      resp.PromptEvalCount + resp.EvalCount,
		GenerationTime:  time.Since(start),
	}, nil
}

type embedPayload struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for the given text. Calls are rate
// limited and retried up to twice with exponential backoff on failure.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vector []float32
	operation := func() error {
		result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
			body, err := c.post(ctx, "/api/embed", embedPayload{
				Model: c.config.EmbeddingModel,
				Input: text,
			})
			if err != nil {
				return nil, err
			}
			defer body.Close()

			var resp embedResponse
			if err := json.NewDecoder(body).Decode(&resp); err != nil {
				return nil, fmt.Errorf("decoding embed response: %w", err)
			}
			if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
				return nil, fmt.Errorf("%w: empty embedding returned", ErrUnavailable)
			}
			return resp.Embeddings[0], nil
		})
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		vector = result.([]float32)
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return vector, nil
}

// IsAvailable reports whether the Ollama server responds to a tags listing.
func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of models available on the server. Failures
// degrade to an empty list so health reporting keeps working.
func (c *OllamaClient) ListModels(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("listing models: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("listing models: unexpected status %d", resp.StatusCode)
		return nil
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		log.Printf("listing models: %v", err)
		return nil
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names
}

// PullModel asks the server to pull the named model. Returns false on any
// failure rather than an error since pulls are best effort.
func (c *OllamaClient) PullModel(ctx context.Context, name string) bool {
	body, err := c.post(ctx, "/api/pull", map[string]interface{}{
		"name":   name,
		"stream": false,
	})
	if err != nil {
		log.Printf("pulling model %s: %v", name, err)
		return false
	}
	defer body.Close()
	io.Copy(io.Discard, body)
	return true
}

// Model returns the configured generation model name.
func (c *OllamaClient) Model() string {
	return c.config.Model
}

// EmbeddingModel returns the configured embedding model name.
func (c *OllamaClient) EmbeddingModel() string {
	return c.config.EmbeddingModel
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *OllamaClient) BreakerState() string {
	return c.breaker.State()
}

func (c *OllamaClient) post(ctx context.Context, path string, payload interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return resp.Body, nil
}
