package retrieval

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/memory"
)

func idsOf(mems []*memory.Memory) string {
	ids := make([]string, len(mems))
	for i, m := range mems {
		ids[i] = m.ID
	}
	return fmt.Sprint(ids)
}

func TestRankEntityMatches(t *testing.T) {
	a := mem("a", memory.TypeInsight, 0.5, 1, daysAgo(5))
	a.RelatedEntities = []string{"p-1"}
	b := mem("b", memory.TypeInsight, 0.5, 1, daysAgo(9))
	b.RelatedEntities = []string{"p-1", "p-2", "p-1"}
	c := mem("c", memory.TypeInsight, 0.5, 1, daysAgo(1))
	c.RelatedEntities = []string{"p-2"}
	d := mem("d", memory.TypeInsight, 0.5, 1, daysAgo(1))
	d.RelatedEntities = []string{"p-9"}
	all := []*memory.Memory{a, b, c, d}

	if got := idsOf(RankEntityMatches(all, []string{"p-1", "p-2"}, 10)); got != "[b c a]" {
		t.Errorf("got %s, want overlap then recency", got)
	}
	if got := idsOf(RankEntityMatches(all, []string{"p-1", "p-2"}, 2)); got != "[b c]" {
		t.Errorf("limit: got %s", got)
	}
	if got := RankEntityMatches(all, nil, 10); len(got) != 0 {
		t.Errorf("no entities should give no matches, got %s", idsOf(got))
	}
}

func TestNormalizeMatches(t *testing.T) {
	a := mem("a", memory.TypeInsight, 0.5, 1, daysAgo(3))
	b := mem("b", memory.TypeInsight, 0.5, 1, daysAgo(1))
	c := mem("c", memory.TypeInsight, 0.5, 1, daysAgo(1))
	in := []memory.Match{
		{Memory: a, Similarity: 1.3},
		{Memory: b, Similarity: 0.6},
		{Memory: c, Similarity: 0.39},
		{Memory: b, Similarity: 0.7},
		{Memory: nil, Similarity: 0.9},
		{Memory: c, Similarity: 0.4},
	}

	got := NormalizeMatches(in, 0.4, 10)
	if len(got) != 3 {
		t.Fatalf("got %d matches, want 3", len(got))
	}
	if got[0].Memory.ID != "a" || got[0].Similarity != 1 {
		t.Errorf("first = %s %v, want a clamped to 1", got[0].Memory.ID, got[0].Similarity)
	}
	if got[1].Memory.ID != "b" || got[1].Similarity != 0.7 {
		t.Errorf("second = %s %v, want b at its best similarity", got[1].Memory.ID, got[1].Similarity)
	}
	if got[2].Memory.ID != "c" || got[2].Similarity != 0.4 {
		t.Errorf("threshold is inclusive, got %s %v", got[2].Memory.ID, got[2].Similarity)
	}

	if got := NormalizeMatches(in, 0.4, 1); len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

func TestScanSearcher(t *testing.T) {
	ctx := context.Background()
	s := memory.NewInMemoryStore(zap.NewNop())
	for _, m := range []*memory.Memory{
		{ID: "x", Embedding: []float32{1, 0, 0}},
		{ID: "y", Embedding: []float32{0.8, 0.6, 0}},
		{ID: "z", Embedding: []float32{0, 0, 1}},
		{ID: "short", Embedding: []float32{1, 0}},
		{ID: "none"},
	} {
		m.Type, m.Content, m.TimesObserved = memory.TypeInsight, m.ID, 1
		m.FirstObservedAt, m.LastObservedAt = now, now
		if err := s.PutMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := NewScanSearcher(s).SearchSimilar(ctx, []float32{1, 0, 0}, 0.5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Memory.ID != "x" || got[1].Memory.ID != "y" {
		t.Fatalf("got %+v", got)
	}
	if got[1].Similarity < 0.799 || got[1].Similarity > 0.801 {
		t.Errorf("similarity = %v", got[1].Similarity)
	}
}

func TestMerge(t *testing.T) {
	a := mem("a", memory.TypeInsight, 0.5, 1, now)
	b := mem("b", memory.TypeInsight, 0.5, 1, now)
	c := mem("c", memory.TypeInsight, 0.5, 1, now)

	got := Merge(
		[]*memory.Memory{a, b},
		[]memory.Match{{Memory: b, Similarity: 0.8}, {Memory: c, Similarity: 0.6}},
	)
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	byID := map[string]Candidate{}
	for _, c := range got {
		byID[c.Memory.ID] = c
	}
	if byID["a"].HasSimilarity {
		t.Error("entity-only candidate carries a similarity")
	}
	if !byID["b"].HasSimilarity || byID["b"].Similarity != 0.8 {
		t.Errorf("b = %+v, want semantic similarity kept", byID["b"])
	}
	if !byID["c"].HasSimilarity {
		t.Error("semantic-only candidate lost its similarity")
	}
}

func TestMergeCandidatesIdempotent(t *testing.T) {
	set := []Candidate{
		{Memory: mem("a", memory.TypeInsight, 0.5, 1, now), Similarity: 0.5, HasSimilarity: true},
		{Memory: mem("b", memory.TypeInsight, 0.5, 1, now)},
	}
	got := MergeCandidates(set, set)
	if len(got) != len(set) {
		t.Fatalf("got %d, want %d", len(got), len(set))
	}
	for i := range set {
		if got[i] != set[i] {
			t.Errorf("candidate %d changed: %+v", i, got[i])
		}
	}
}

func TestMergeCandidatesKeepsBestSimilarity(t *testing.T) {
	a := mem("a", memory.TypeInsight, 0.5, 1, now)
	got := MergeCandidates(
		[]Candidate{{Memory: a, Similarity: 0.5, HasSimilarity: true}},
		[]Candidate{{Memory: a, Similarity: 0.9, HasSimilarity: true}},
		[]Candidate{{Memory: a, Similarity: 0.7, HasSimilarity: true}},
	)
	if len(got) != 1 || got[0].Similarity != 0.9 {
		t.Errorf("got %+v", got)
	}
}
