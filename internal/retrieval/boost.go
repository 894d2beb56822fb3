package retrieval

import "github.com/nidhogg/recall/internal/memory"

// KeywordBoost maps query keywords to the memory types they signal.
type KeywordBoost struct {
	Keywords []string
	Types    []memory.Type
}

// keywordBoosts is the static intent table. Matching is whole-token and
// case-insensitive, so "choose" does not trigger the "chose" row.
var keywordBoosts = []KeywordBoost{
	{
		Keywords: []string{"mistake", "mistakes", "wrong", "error", "errors", "incorrect"},
		Types:    []memory.Type{memory.TypeCorrection, memory.TypeGap},
	},
	{
		Keywords: []string{"decided", "decide", "decision", "chose", "chosen"},
		Types:    []memory.Type{memory.TypeDecision},
	},
	{
		Keywords: []string{"always", "never", "prefer", "prefers", "preference"},
		Types:    []memory.Type{memory.TypeCommitment, memory.TypePatternSeed},
	},
	{
		Keywords: []string{"learned", "learnt", "realized", "realised", "lesson"},
		Types:    []memory.Type{memory.TypeLearning, memory.TypeInsight},
	},
}

// KeywordBoosts returns a copy of the intent table.
func KeywordBoosts() []KeywordBoost {
	out := make([]KeywordBoost, len(keywordBoosts))
	for i, kb := range keywordBoosts {
		out[i] = KeywordBoost{
			Keywords: append([]string(nil), kb.Keywords...),
			Types:    append([]memory.Type(nil), kb.Types...),
		}
	}
	return out
}

// BoostedTypes returns the set of memory types the query text asks about.
// The result is empty when no keyword matches.
func BoostedTypes(query string) map[memory.Type]bool {
	tokens := make(map[string]struct{})
	for _, t := range tokenize(query) {
		tokens[t] = struct{}{}
	}

	boosted := make(map[memory.Type]bool)
	for _, kb := range keywordBoosts {
		for _, kw := range kb.Keywords {
			if _, ok := tokens[kw]; !ok {
				continue
			}
			for _, t := range kb.Types {
				boosted[t] = true
			}
			break
		}
	}
	return boosted
}
