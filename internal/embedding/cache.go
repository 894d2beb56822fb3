package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes embeddings per text. Repeated queries within a
// conversation skip the provider entirely. Returned vectors are shared and
// must not be modified.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached wraps p with a cache holding up to size vectors.
func NewCached(p Provider, size int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
		// Cost counts vectors, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &Cached{inner: p, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingAt []int
	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		missingAt = append(missingAt, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(vectors), len(missing))
	}
	for j, vec := range vectors {
		out[missingAt[j]] = vec
		if len(vec) > 0 {
			c.cache.Set(missing[j], vec, 1)
		}
	}
	return out, nil
}

func (c *Cached) Dimension() int {
	return c.inner.Dimension()
}

// Close releases the cache's background goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}
