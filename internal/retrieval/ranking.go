package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/recall/internal/memory"
)

// Scoring weights. The five base weights sum to 1.
const (
	WeightSimilarity  = 0.60
	WeightConfidence  = 0.15
	WeightRecency     = 0.10
	WeightObservation = 0.10
	WeightTypeBoost   = 0.05
)

const (
	QueryBoost      = 0.15
	FeedbackStep    = 0.05
	RecencyHalfLife = 28.0 // days
	ObservationCap  = 10
	MinScore        = 0.0
	MaxScore        = 2.0
)

// priorityTypes earn the static type boost regardless of the query.
var priorityTypes = map[memory.Type]bool{
	memory.TypeCorrection: true,
	memory.TypeDecision:   true,
	memory.TypeCommitment: true,
}

// Candidate is a memory entering ranking. HasSimilarity is false for
// memories found only through entity match; their similarity term is 0.
type Candidate struct {
	Memory        *memory.Memory
	Similarity    float64
	HasSimilarity bool
}

// Breakdown exposes every term of a final score. Weighted fields already
// include their weight.
type Breakdown struct {
	Similarity         float64 `json:"similarity"`
	Confidence         float64 `json:"confidence"`
	Recency            float64 `json:"recency"`
	Observation        float64 `json:"observation"`
	TypeBoost          float64 `json:"type_boost"`
	QueryBoost         float64 `json:"query_boost"`
	Base               float64 `json:"base"`
	FeedbackAdjustment float64 `json:"feedback_adjustment"`
	Final              float64 `json:"final"`

	RecencyScore     float64 `json:"recency_score"`     // unweighted, in [0,1]
	ObservationScore float64 `json:"observation_score"` // unweighted, in [0,1]
}

// ScoredMemory is one ranked result.
type ScoredMemory struct {
	Memory        *memory.Memory `json:"memory"`
	Score         float64        `json:"score"`
	Similarity    float64        `json:"similarity"`
	HasSimilarity bool           `json:"has_similarity"`
	Breakdown     Breakdown      `json:"breakdown"`
}

// RecencyScore decays with a 28 day half-life. Future timestamps score 1.
func RecencyScore(lastObserved, now time.Time) float64 {
	days := now.Sub(lastObserved).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Pow(2, -days/RecencyHalfLife)
}

// ObservationScore saturates at ten observations.
func ObservationScore(timesObserved int) float64 {
	n := min(max(timesObserved, 0), ObservationCap)
	return float64(n) / ObservationCap
}

// Score computes the breakdown for one candidate. boosted is the set
// returned by BoostedTypes for the query.
func Score(c Candidate, boosted map[memory.Type]bool, now time.Time) Breakdown {
	m := c.Memory
	sim := 0.0
	if c.HasSimilarity {
		sim = clampUnit(c.Similarity)
	}

	b := Breakdown{
		RecencyScore:     RecencyScore(m.LastObservedAt, now),
		ObservationScore: ObservationScore(m.TimesObserved),
	}
	b.Similarity = WeightSimilarity * sim
	b.Confidence = WeightConfidence * m.ConfidenceScore
	b.Recency = WeightRecency * b.RecencyScore
	b.Observation = WeightObservation * b.ObservationScore
	if priorityTypes[m.Type] {
		b.TypeBoost = WeightTypeBoost
	}
	if boosted[m.Type] {
		b.QueryBoost = QueryBoost
	}
	b.Base = b.Similarity + b.Confidence + b.Recency + b.Observation + b.TypeBoost + b.QueryBoost
	b.FeedbackAdjustment = FeedbackStep*float64(m.PositiveFeedbackCount) - FeedbackStep*float64(m.NegativeFeedbackCount)

	// Boosts and feedback are additive, so the final score can pass 1.
	// It is kept within [0, 2] rather than renormalized.
	b.Final = math.Min(MaxScore, math.Max(MinScore, b.Base+b.FeedbackAdjustment))
	return b
}

// Rank scores candidates against the query and returns at most limit
// results, best first. It is pure: identical inputs give identical output.
//
// Ties fall back to confidence, then most recent observation, then id.
func Rank(candidates []Candidate, query string, limit int, now time.Time) []ScoredMemory {
	if len(candidates) == 0 || limit <= 0 {
		return nil
	}

	boosted := BoostedTypes(query)
	scored := make([]ScoredMemory, 0, len(candidates))
	for _, c := range candidates {
		if c.Memory == nil {
			continue
		}
		b := Score(c, boosted, now)
		sim := 0.0
		if c.HasSimilarity {
			sim = clampUnit(c.Similarity)
		}
		scored = append(scored, ScoredMemory{
			Memory:        c.Memory,
			Score:         b.Final,
			Similarity:    sim,
			HasSimilarity: c.HasSimilarity,
			Breakdown:     b,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.ConfidenceScore != b.Memory.ConfidenceScore {
			return a.Memory.ConfidenceScore > b.Memory.ConfidenceScore
		}
		if !a.Memory.LastObservedAt.Equal(b.Memory.LastObservedAt) {
			return a.Memory.LastObservedAt.After(b.Memory.LastObservedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
