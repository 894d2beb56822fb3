package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// HashProvider derives a deterministic unit vector from a hash of the text.
// Identical texts embed identically; anything else is effectively random.
// It stands in for a model in development setups and tests.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a HashProvider. Non-positive dim defaults to 384.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 384
	}
	return &HashProvider{dim: dim}
}

func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

func (p *HashProvider) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (p *HashProvider) Dimension() int {
	return p.dim
}
