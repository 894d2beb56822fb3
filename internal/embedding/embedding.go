// Package embedding turns query text into vectors. The engine treats every
// provider as an unreliable remote dependency.
package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider   string `json:"provider"` // "api", "local" or "hash"
	Endpoint   string `json:"endpoint"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	Dimension  int    `json:"dimension"`
	TimeoutMS  int    `json:"timeout_ms"`
	CacheSize  int64  `json:"cache_size"` // cached query vectors, 0 disables
	MaxRetries int    `json:"max_retries"`
}

// Timeout returns the per-call timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// New builds the configured provider wrapped with retries and, when
// CacheSize is set, a query cache. An empty Provider returns nil.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "":
		return nil, nil
	case "api":
		p = NewAPIProvider(cfg)
	case "local":
		p = NewLocalProvider(cfg)
	case "hash":
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}

	if cfg.MaxRetries > 0 {
		p = NewRetrying(p, cfg.MaxRetries, logger)
	}
	if cfg.CacheSize > 0 {
		cached, err := NewCached(p, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		p = cached
	}
	return p, nil
}

// dimensionOf records the first non-empty vector length seen.
func dimensionOf(vectors [][]float32) int {
	for _, v := range vectors {
		if len(v) > 0 {
			return len(v)
		}
	}
	return 0
}
