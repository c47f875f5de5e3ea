// Package config loads and validates searchd configuration.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, and SEARCHD_* environment variable overrides (highest priority).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete searchd configuration.
type Config struct {
	Version     int               `yaml:"version"`
	Database    DatabaseConfig    `yaml:"database"`
	Index       IndexConfig       `yaml:"index"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	LLM         LLMConfig         `yaml:"llm"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Persistence PersistenceConfig `yaml:"persistence"`
	DenialLog   DenialLogConfig   `yaml:"denial_log"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig configures the external Postgres store.
type DatabaseConfig struct {
	// URL is the Postgres connection string.
	URL string `yaml:"url"`
	// MinConns / MaxConns bound the shared connection pool.
	MinConns int `yaml:"min_conns"`
	MaxConns int `yaml:"max_conns"`
	// ConnectTimeout bounds initial pool creation.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// IndexConfig configures per-tenant HNSW construction.
type IndexConfig struct {
	// M is the maximum out-degree per node at layers >= 1 (layer 0 gets 2*M).
	// Valid range 4-64.
	M int `yaml:"m"`
	// EfConstruction is the beam width during insertion.
	EfConstruction int `yaml:"ef_construction"`
	// EfSearch is the default beam width during queries; 0 means
	// max(EfConstruction, k).
	EfSearch int `yaml:"ef_search"`
	// Seed seeds the level RNG for deterministic builds; 0 means random.
	Seed int64 `yaml:"seed"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Host is the Ollama-compatible API endpoint.
	Host string `yaml:"host"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions is the expected vector dimension; 0 auto-detects.
	Dimensions int `yaml:"dimensions"`
	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"batch_size"`
	// Timeout bounds a single embedding request.
	Timeout time.Duration `yaml:"timeout"`
	// CacheSize is the query-embedding LRU size; 0 disables the cache.
	CacheSize int `yaml:"cache_size"`
}

// LLMConfig configures the chat model used for chunk refinement,
// contextualization, and metadata extraction.
type LLMConfig struct {
	Host        string        `yaml:"host"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ChunkingConfig configures the chunking pipeline.
type ChunkingConfig struct {
	// MaxChunkWords is the hard cap enforced by the size fallback.
	MaxChunkWords int `yaml:"max_chunk_words"`
	// EmbeddingTokenLimit caps embedding text length.
	EmbeddingTokenLimit int `yaml:"embedding_token_limit"`
	// ContextTokenCap caps generated context length.
	ContextTokenCap int `yaml:"context_token_cap"`
}

// PersistenceConfig configures on-disk index snapshots.
type PersistenceConfig struct {
	// Dir is the directory holding per-tenant index files.
	Dir string `yaml:"dir"`
}

// DenialLogConfig configures the access-denial sink.
type DenialLogConfig struct {
	// BufferSize is the channel capacity; events beyond it are dropped.
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Database: DatabaseConfig{
			MinConns:       5,
			MaxConns:       20,
			ConnectTimeout: 10 * time.Second,
		},
		Index: IndexConfig{
			M:              16,
			EfConstruction: 200,
		},
		Embeddings: EmbeddingsConfig{
			Host:      "http://localhost:11434",
			Model:     "nomic-embed-text",
			BatchSize: 32,
			Timeout:   60 * time.Second,
			CacheSize: 1000,
		},
		LLM: LLMConfig{
			Host:        "http://localhost:11434",
			Model:       "llama3.1",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     120 * time.Second,
		},
		Chunking: ChunkingConfig{
			MaxChunkWords:       2000,
			EmbeddingTokenLimit: 8000,
			ContextTokenCap:     300,
		},
		Persistence: PersistenceConfig{
			Dir: defaultPersistDir(),
		},
		DenialLog: DenialLogConfig{
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultPersistDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".searchd/indexes"
	}
	return home + "/.searchd/indexes"
}

// Load reads configuration from path (if non-empty), applying defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies SEARCHD_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SEARCHD_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SEARCHD_EMBEDDINGS_HOST"); v != "" {
		c.Embeddings.Host = v
	}
	if v := os.Getenv("SEARCHD_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("SEARCHD_LLM_HOST"); v != "" {
		c.LLM.Host = v
	}
	if v := os.Getenv("SEARCHD_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("SEARCHD_PERSIST_DIR"); v != "" {
		c.Persistence.Dir = v
	}
	if v := os.Getenv("SEARCHD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SEARCHD_HNSW_M"); v != "" {
		if m, err := strconv.Atoi(v); err == nil {
			c.Index.M = m
		}
	}
	if v := os.Getenv("SEARCHD_HNSW_SEED"); v != "" {
		if s, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Index.Seed = s
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Index.M < 4 || c.Index.M > 64 {
		return fmt.Errorf("index.m must be in [4,64], got %d", c.Index.M)
	}
	if c.Index.EfConstruction <= 0 {
		return fmt.Errorf("index.ef_construction must be positive, got %d", c.Index.EfConstruction)
	}
	if c.Database.MinConns < 1 || c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database pool bounds invalid: min=%d max=%d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Embeddings.BatchSize < 1 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Chunking.MaxChunkWords < 100 {
		return fmt.Errorf("chunking.max_chunk_words too small: %d", c.Chunking.MaxChunkWords)
	}
	if c.DenialLog.BufferSize < 1 {
		return fmt.Errorf("denial_log.buffer_size must be positive, got %d", c.DenialLog.BufferSize)
	}
	return nil
}
