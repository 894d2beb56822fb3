package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/retrieval"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Embedding embedding.Config `json:"embedding"`
	Retrieval RetrievalConfig  `json:"retrieval"`
	SeedFile  string           `json:"seed_file"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownSeconds int      `json:"shutdown_seconds"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type Neo4jConfig struct {
	URI         string `json:"uri"`
	User        string `json:"user"`
	Password    string `json:"password"`
	SyncOnStart bool   `json:"sync_on_start"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	MaxLen int64  `json:"max_len"`
}

type QdrantConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Collection  string `json:"collection"`
	SyncOnStart bool   `json:"sync_on_start"`
}

// RetrievalConfig tunes the ranking engine. Keys absent from the document
// keep their defaults; an explicit 0 is kept as written.
type RetrievalConfig struct {
	Limit                int     `json:"limit"`
	MaxLimit             int     `json:"max_limit"`
	SemanticThreshold    float64 `json:"semantic_threshold"`
	EntityThreshold      float64 `json:"entity_threshold"`
	CandidateLimit       int     `json:"candidate_limit"`
	EntityRefreshSeconds int     `json:"entity_refresh_seconds"`
	StoreRetries         int     `json:"store_retries"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Config{Retrieval: defaultRetrieval()}
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := retrieval.DefaultConfig()
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownSeconds == 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "memories"
	}
	if c.Embedding.TimeoutMS == 0 {
		c.Embedding.TimeoutMS = int(d.EmbedTimeout / time.Millisecond)
	}
}

func defaultRetrieval() RetrievalConfig {
	d := retrieval.DefaultConfig()
	return RetrievalConfig{
		Limit:                d.DefaultLimit,
		MaxLimit:             d.MaxLimit,
		SemanticThreshold:    d.SemanticThreshold,
		EntityThreshold:      d.EntityThreshold,
		CandidateLimit:       d.CandidateLimit,
		EntityRefreshSeconds: int(d.EntityRefresh / time.Second),
		StoreRetries:         d.StoreRetries,
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	r := c.Retrieval
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case r.MaxLimit < 1:
		return fmt.Errorf("retrieval.max_limit must be positive")
	case r.Limit < 1 || r.Limit > r.MaxLimit:
		return fmt.Errorf("retrieval.limit must be between 1 and %d, got %d", r.MaxLimit, r.Limit)
	case r.SemanticThreshold < 0 || r.SemanticThreshold > 1:
		return fmt.Errorf("retrieval.semantic_threshold must be within [0,1], got %v", r.SemanticThreshold)
	case r.EntityThreshold < 0 || r.EntityThreshold > 1:
		return fmt.Errorf("retrieval.entity_threshold must be within [0,1], got %v", r.EntityThreshold)
	case r.CandidateLimit < r.Limit:
		return fmt.Errorf("retrieval.candidate_limit (%d) must be at least retrieval.limit (%d)", r.CandidateLimit, r.Limit)
	case r.StoreRetries < 0:
		return fmt.Errorf("retrieval.store_retries must not be negative")
	case r.EntityRefreshSeconds < 0:
		return fmt.Errorf("retrieval.entity_refresh_seconds must not be negative")
	case c.Embedding.TimeoutMS < 0:
		return fmt.Errorf("embedding.timeout_ms must not be negative")
	case c.Embedding.MaxRetries < 0:
		return fmt.Errorf("embedding.max_retries must not be negative")
	case c.Database.Qdrant.Host != "" && c.Embedding.Dimension <= 0:
		return fmt.Errorf("embedding.dimension is required when qdrant is enabled")
	}
	return nil
}

// EngineConfig maps the retrieval section onto the engine's tuning.
func (c *Config) EngineConfig() retrieval.Config {
	cfg := retrieval.DefaultConfig()
	cfg.DefaultLimit = c.Retrieval.Limit
	cfg.MaxLimit = c.Retrieval.MaxLimit
	cfg.SemanticThreshold = c.Retrieval.SemanticThreshold
	cfg.EntityThreshold = c.Retrieval.EntityThreshold
	cfg.CandidateLimit = c.Retrieval.CandidateLimit
	cfg.EntityRefresh = time.Duration(c.Retrieval.EntityRefreshSeconds) * time.Second
	cfg.StoreRetries = c.Retrieval.StoreRetries
	cfg.EmbedTimeout = c.Embedding.Timeout()
	return cfg
}

// ShutdownTimeout is the grace period for in-flight requests.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}
