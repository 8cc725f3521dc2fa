package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*OllamaClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewOllamaClient(OllamaConfig{
		BaseURL:        srv.URL,
		Model:          "llama3:8b",
		EmbeddingModel: "nomic-embed-text",
	})
	return client, srv
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("You are helpful.", "Source 1:\nfacts", "What is up?")

	assert.Equal(t,
		"System: You are helpful.\n\nContext:\nSource 1:\nfacts\n\nHuman: What is up?\n\nAssistant:",
		prompt)
}

func TestBuildPromptNoContext(t *testing.T) {
	prompt := BuildPrompt("", "", "hello")
	assert.Equal(t, "Human: hello\n\nAssistant:", prompt)
}

func TestGenerate(t *testing.T) {
	var captured generatePayload
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(generateResponse{
			Model:           "llama3:8b",
			Response:        "The answer.",
			Done:            true,
			PromptEvalCount: 40,
			EvalCount:       12,
		})
	}))

	result, err := client.Generate(context.Background(), GenerateRequest{
		Prompt:       "question",
		Context:      "some context",
		SystemPrompt: "be terse",
		Temperature:  0.7,
		MaxTokens:    2048,
	})
	require.NoError(t, err)

	assert.Equal(t, "The answer.", result.Response)
	assert.Equal(t, 52, result.TokensUsed)
	assert.Greater(t, result.GenerationTime.Nanoseconds(), int64(0))

	assert.False(t, captured.Stream)
	assert.Contains(t, captured.Prompt, "System: be terse")
	assert.Contains(t, captured.Prompt, "Context:\nsome context")
	assert.True(t, strings.HasSuffix(captured.Prompt, "Assistant:"))
	assert.Equal(t, 0.7, captured.Options["temperature"])
	assert.Equal(t, float64(2048), captured.Options["num_predict"])
}

func TestGenerateStream(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload generatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		fmt.Fprintln(w, `{"response":"Hello","done":false}`)
		fmt.Fprintln(w, `not valid json`)
		fmt.Fprintln(w, `{"response":" world","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))

	var chunks []string
	err := client.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", " world"}, chunks)
}

func TestGenerateStreamCallbackError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"a","done":false}`)
		fmt.Fprintln(w, `{"response":"b","done":false}`)
	}))

	wantErr := fmt.Errorf("consumer gone")
	err := client.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"}, func(chunk string) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestGenerateServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: url, Model: "llama3:8b"})
	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerateBadStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "model not found")
}

func TestChat(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var payload chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Messages, 2)
		assert.Equal(t, "user", payload.Messages[1].Role)

		assert.Equal(t, 0.7, payload.Options["temperature"])
		assert.Equal(t, float64(256), payload.Options["num_predict"])
		stops, ok := payload.Options["stop"].([]interface{})
		require.True(t, ok)
		assert.Len(t, stops, len(stopSequences))

		json.NewEncoder(w).Encode(chatResponse{
			Model:     "llama3:8b",
			Message:   ChatMessage{Role: "assistant", Content: "sure"},
			Done:      true,
			EvalCount: 3,
		})
	}))

	result, err := client.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}, 0.7, 256)
	require.NoError(t, err)
	assert.Equal(t, "sure", result.Response)
	assert.Equal(t, 3, result.TokensUsed)
}

func TestPullModelDegrades(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: url})
	assert.False(t, client.PullModel(context.Background(), "llama3:8b"))
}

func TestEmbed(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)

		var payload embedPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "nomic-embed-text", payload.Model)
		assert.Equal(t, "some text", payload.Input)

		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))

	vec, err := client.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedRetries(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	}))

	vec, err := client.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, 2, attempts)
}

func TestEmbedEmptyVector(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))

	_, err := client.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestIsAvailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	assert.True(t, client.IsAvailable(context.Background()))
}

func TestIsAvailableDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: url})
	assert.False(t, client.IsAvailable(context.Background()))
}

func TestListModels(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b"},{"name":"nomic-embed-text"}]}`)
	}))

	models := client.ListModels(context.Background())
	assert.Equal(t, []string{"llama3:8b", "nomic-embed-text"}, models)
}

func TestListModelsDegrades(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: url})
	assert.Empty(t, client.ListModels(context.Background()))
}

func TestCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: url, Model: "llama3:8b"})
	for i := 0; i < 3; i++ {
		_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
		require.Error(t, err)
	}

	assert.Equal(t, "open", client.BreakerState())
	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
