// Command sage-web runs the Sage retrieval-augmented advisor HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sagecore/sage/internal/config"
	"github.com/sagecore/sage/internal/ingest"
	"github.com/sagecore/sage/internal/llm"
	"github.com/sagecore/sage/internal/rag"
	"github.com/sagecore/sage/internal/server"
	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/internal/store/postgres"
	"github.com/sagecore/sage/internal/store/sqlite"
	"github.com/sagecore/sage/web/handlers"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("sage-web: %v", err)
	}
}

func run(configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ollama := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:         cfg.LLM.OllamaURL,
		Model:           cfg.LLM.Model,
		EmbeddingModel:  cfg.LLM.EmbeddingModel,
		EmbedRatePerSec: cfg.LLM.EmbedRatePerSec,
	})

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ensureModels(probeCtx, ollama, cfg)
	cancel()

	vectorStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer vectorStore.Close()
	log.Printf("sage-web: using %s storage engine", cfg.Storage.Engine)

	chunker := store.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	pipeline := store.NewPipeline(vectorStore, ollama, chunker)
	engine := rag.NewEngine(vectorStore, ollama, rag.Config{
		TopK:                cfg.RAG.TopK,
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
	})

	api := handlers.NewAPI(engine, pipeline, vectorStore, ollama, ingest.NewService(), cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.New(cfg, api).Start(ctx)
}

// ensureModels checks the Ollama server on startup and asks it to pull any
// missing models. Failures are logged, not fatal; the service can start
// degraded and recover once Ollama comes up.
func ensureModels(ctx context.Context, ollama *llm.OllamaClient, cfg *config.Config) {
	if !ollama.IsAvailable(ctx) {
		log.Printf("sage-web: ollama not reachable at %s, starting degraded", cfg.LLM.OllamaURL)
		return
	}

	available := map[string]bool{}
	for _, name := range ollama.ListModels(ctx) {
		available[name] = true
	}
	for _, name := range []string{cfg.LLM.Model, cfg.LLM.EmbeddingModel} {
		if available[name] {
			continue
		}
		log.Printf("sage-web: model %s not present, pulling", name)
		if !ollama.PullModel(ctx, name) {
			log.Printf("sage-web: pull of %s failed, queries against it will error", name)
		}
	}
}

func openStore(cfg *config.Config) (store.VectorStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresDSN)
	default:
		return sqlite.New(cfg.Storage.DataPath)
	}
}
