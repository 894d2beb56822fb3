package retrieval

import "github.com/nidhogg/recall/internal/memory"

// Merge unions entity-match and semantic-match results by memory id.
// Memories seen only through entity match carry no similarity.
func Merge(entityResults []*memory.Memory, semanticResults []memory.Match) []Candidate {
	entity := make([]Candidate, 0, len(entityResults))
	for _, m := range entityResults {
		entity = append(entity, Candidate{Memory: m})
	}
	semantic := make([]Candidate, 0, len(semanticResults))
	for _, sm := range semanticResults {
		semantic = append(semantic, Candidate{Memory: sm.Memory, Similarity: sm.Similarity, HasSimilarity: true})
	}
	return MergeCandidates(entity, semantic)
}

// MergeCandidates unions candidate sets by memory id, keeping first-seen
// order and the highest similarity seen for each memory. Merging a set with
// itself returns the set unchanged.
func MergeCandidates(sets ...[]Candidate) []Candidate {
	var out []Candidate
	pos := make(map[string]int)
	for _, set := range sets {
		for _, c := range set {
			if c.Memory == nil {
				continue
			}
			i, seen := pos[c.Memory.ID]
			if !seen {
				pos[c.Memory.ID] = len(out)
				out = append(out, c)
				continue
			}
			if c.HasSimilarity && (!out[i].HasSimilarity || c.Similarity > out[i].Similarity) {
				out[i].Similarity = c.Similarity
				out[i].HasSimilarity = true
			}
		}
	}
	return out
}
