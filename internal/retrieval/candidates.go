package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/nidhogg/recall/internal/memory"
)

// RankEntityMatches orders memories by how many of entityIDs they relate to,
// most first, and caps the list at limit. Memories with no overlap are
// dropped. Empty entityIDs always yield an empty list.
func RankEntityMatches(memories []*memory.Memory, entityIDs []string, limit int) []*memory.Memory {
	if len(entityIDs) == 0 || limit <= 0 {
		return nil
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}

	type hit struct {
		mem     *memory.Memory
		overlap int
	}
	hits := make([]hit, 0, len(memories))
	for _, m := range memories {
		n := 0
		seen := make(map[string]struct{}, len(m.RelatedEntities))
		for _, e := range m.RelatedEntities {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			if _, ok := want[e]; ok {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{mem: m, overlap: n})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if !a.mem.LastObservedAt.Equal(b.mem.LastObservedAt) {
			return a.mem.LastObservedAt.After(b.mem.LastObservedAt)
		}
		return a.mem.ID < b.mem.ID
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*memory.Memory, len(hits))
	for i, h := range hits {
		out[i] = h.mem
	}
	return out
}

// NormalizeMatches clamps similarities to [0,1], drops matches strictly
// below threshold and duplicate ids, and returns the top limit by
// similarity. Ties go to the more recently observed memory, then the lower id.
func NormalizeMatches(matches []memory.Match, threshold float64, limit int) []memory.Match {
	if limit <= 0 {
		return nil
	}
	best := make(map[string]int)
	out := make([]memory.Match, 0, len(matches))
	for _, m := range matches {
		if m.Memory == nil {
			continue
		}
		sim := clampUnit(m.Similarity)
		if sim < threshold {
			continue
		}
		if i, ok := best[m.Memory.ID]; ok {
			if sim > out[i].Similarity {
				out[i].Similarity = sim
			}
			continue
		}
		best[m.Memory.ID] = len(out)
		out = append(out, memory.Match{Memory: m.Memory, Similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Memory.LastObservedAt.Equal(b.Memory.LastObservedAt) {
			return a.Memory.LastObservedAt.After(b.Memory.LastObservedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ScanSearcher computes cosine similarity against every stored embedding.
// The scan is pure computation over a snapshot and takes no locks.
type ScanSearcher struct {
	store memory.Store
}

// NewScanSearcher creates a searcher over store's full memory list.
func NewScanSearcher(store memory.Store) *ScanSearcher {
	return &ScanSearcher{store: store}
}

// SearchSimilar implements memory.VectorSearcher.
func (s *ScanSearcher) SearchSimilar(ctx context.Context, vector []float32, threshold float64, limit int) ([]memory.Match, error) {
	memories, err := s.store.ListMemories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	matches := make([]memory.Match, 0, len(memories))
	for _, m := range memories {
		sim := CosineSimilarity(vector, m.Embedding)
		if sim < threshold {
			continue
		}
		matches = append(matches, memory.Match{Memory: m, Similarity: sim})
	}
	return NormalizeMatches(matches, threshold, limit), nil
}

var _ memory.VectorSearcher = (*ScanSearcher)(nil)
