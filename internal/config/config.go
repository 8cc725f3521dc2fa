// Package config provides configuration management for Sage.
// Settings come from three layers, later layers winning: built-in defaults,
// an optional YAML file, and environment variables with the SAGE_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Sage service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host  string `yaml:"host"`  // Bind host (default: 0.0.0.0)
	Port  int    `yaml:"port"`  // Bind port (default: 8000)
	Debug bool   `yaml:"debug"` // Include error detail in 500 responses (default: false)
}

// StorageConfig contains vector store backend configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Data directory for the sqlite backend (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // DSN for the postgres backend
}

// LLMConfig contains Ollama backend configuration.
type LLMConfig struct {
	OllamaURL       string  `yaml:"ollama_url"`         // Ollama API URL (default: http://localhost:11434)
	Model           string  `yaml:"model"`              // Generation model (default: llama3:8b)
	EmbeddingModel  string  `yaml:"embedding_model"`    // Embedding model (default: nomic-embed-text)
	EmbedRatePerSec float64 `yaml:"embed_rate_per_sec"` // Client-side embedding rate limit; 0 disables (default: 0)
}

// RAGConfig contains chunking and retrieval tuning.
type RAGConfig struct {
	ChunkSize           int     `yaml:"chunk_size"`           // Chunk window in characters (default: 1000)
	ChunkOverlap        int     `yaml:"chunk_overlap"`        // Overlap between neighboring chunks (default: 200)
	TopK                int     `yaml:"top_k"`                // Default retrieval result bound (default: 5)
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // Minimum similarity to keep a result (default: 0.7)
}

// SecurityConfig carries authentication settings. The fields are loaded and
// reported but not enforced anywhere yet.
type SecurityConfig struct {
	Mode     string `yaml:"mode"`      // development or production (default: development)
	APIToken string `yaml:"api_token"` // Bearer token for production mode
}

// Load builds a Config from defaults overridden by SAGE_* environment
// variables.
func Load() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds a Config from defaults, then the YAML file at path, then
// SAGE_* environment variables. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. In particular the chunk overlap
// must be strictly smaller than the chunk size: an overlap at or above the
// window size would stall the chunker.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}
	if c.RAG.ChunkSize < 1 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 {
		return fmt.Errorf("config: chunk_overlap must not be negative, got %d", c.RAG.ChunkOverlap)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("config: chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.RAG.SimilarityThreshold < 0 || c.RAG.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity_threshold must be in [0,1], got %g", c.RAG.SimilarityThreshold)
	}
	if c.RAG.TopK < 1 {
		return fmt.Errorf("config: top_k must be positive, got %d", c.RAG.TopK)
	}
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	return nil
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:  "0.0.0.0",
			Port:  8000,
			Debug: false,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			OllamaURL:      "http://localhost:11434",
			Model:          "llama3:8b",
			EmbeddingModel: "nomic-embed-text",
		},
		RAG: RAGConfig{
			ChunkSize:           1000,
			ChunkOverlap:        200,
			TopK:                5,
			SimilarityThreshold: 0.7,
		},
		Security: SecurityConfig{
			Mode: "development",
		},
	}
}

// applyEnv overlays SAGE_* environment variables onto cfg. Each helper
// falls back to the current value when the variable is unset.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("SAGE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SAGE_PORT", cfg.Server.Port)
	cfg.Server.Debug = getEnvBool("SAGE_DEBUG", cfg.Server.Debug)

	cfg.Storage.Engine = getEnv("SAGE_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("SAGE_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("SAGE_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.LLM.OllamaURL = getEnv("SAGE_OLLAMA_URL", cfg.LLM.OllamaURL)
	cfg.LLM.Model = getEnv("SAGE_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.EmbeddingModel = getEnv("SAGE_EMBEDDING_MODEL", cfg.LLM.EmbeddingModel)
	cfg.LLM.EmbedRatePerSec = getEnvFloat("SAGE_EMBED_RATE_PER_SEC", cfg.LLM.EmbedRatePerSec)

	cfg.RAG.ChunkSize = getEnvInt("SAGE_CHUNK_SIZE", cfg.RAG.ChunkSize)
	cfg.RAG.ChunkOverlap = getEnvInt("SAGE_CHUNK_OVERLAP", cfg.RAG.ChunkOverlap)
	cfg.RAG.TopK = getEnvInt("SAGE_TOP_K", cfg.RAG.TopK)
	cfg.RAG.SimilarityThreshold = getEnvFloat("SAGE_SIMILARITY_THRESHOLD", cfg.RAG.SimilarityThreshold)

	cfg.Security.Mode = getEnv("SAGE_SECURITY_MODE", cfg.Security.Mode)
	cfg.Security.APIToken = getEnv("SAGE_API_TOKEN", cfg.Security.APIToken)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
