package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Seed is a fixture file of entities and memories.
type Seed struct {
	Entities []*Entity    `json:"entities"`
	Memories []seedMemory `json:"memories"`
}

// seedMemory exposes the embedding that Memory hides from JSON.
type seedMemory struct {
	*Memory
	Embedding []float32 `json:"embedding,omitempty"`
}

// Embedder fills in embeddings for seeded memories that carry none.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &seed, nil
}

// Apply writes the seed through w. When embedder is non-nil, memories
// without an embedding are embedded from their content first.
func (s *Seed) Apply(ctx context.Context, w Writer, embedder Embedder) error {
	for _, e := range s.Entities {
		if err := w.PutEntity(ctx, e); err != nil {
			return fmt.Errorf("seed entity %s: %w", e.ID, err)
		}
	}

	var missing []int
	for i, sm := range s.Memories {
		if sm.Memory == nil {
			return fmt.Errorf("%w: seed memory %d is empty", ErrInvalidInput, i)
		}
		sm.Memory.Embedding = sm.Embedding
		if len(sm.Embedding) == 0 {
			missing = append(missing, i)
		}
	}
	if embedder != nil && len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = s.Memories[i].Content
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed seed memories: %w", err)
		}
		for j, i := range missing {
			if j < len(vectors) {
				s.Memories[i].Memory.Embedding = vectors[j]
			}
		}
	}

	for _, sm := range s.Memories {
		if err := w.PutMemory(ctx, sm.Memory); err != nil {
			return fmt.Errorf("seed memory %s: %w", sm.ID, err)
		}
	}
	return nil
}
