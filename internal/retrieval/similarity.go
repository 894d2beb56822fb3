package retrieval

import (
	"math"
	"strings"
	"unicode"
)

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [0, 1]. Zero-magnitude or mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clampUnit(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// clampUnit pins v into [0, 1]. NaN maps to 0.
func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// tokenize splits text into lowercase word tokens, dropping punctuation.
// Apostrophes inside a word are kept so "John's" stays one token.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) ||
			r == '_' || r == '-' || r == '\'' || r == '.')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(strings.ToLower(f), "'.-")
		w = strings.TrimSuffix(w, "'s")
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
