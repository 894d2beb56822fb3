//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/memory"
)

// startPostgres runs pgvector-enabled PostgreSQL and returns a migrated store.
func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "pgvector/pgvector:pg16",
		tcpg.WithDatabase("recall_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	s, err := NewPostgres(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	s := startPostgres(t)
	seedFixtures(t, s)
	ctx := context.Background()

	t.Run("list", func(t *testing.T) {
		mems, err := s.ListMemories(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(mems) != 3 || mems[0].ID != "m1" {
			t.Fatalf("unexpected memories: %v", ids(mems))
		}
		if len(mems[0].Embedding) != 3 || mems[2].Embedding != nil {
			t.Errorf("embeddings not preserved: %v / %v", mems[0].Embedding, mems[2].Embedding)
		}
		if !mems[0].LastObservedAt.Equal(fixtureTime) {
			t.Errorf("got last observed %v", mems[0].LastObservedAt)
		}

		entities, err := s.ListEntities(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(entities) != 2 || entities[0].Aliases[0] != "Ali" {
			t.Errorf("unexpected entities: %+v", entities)
		}
	})

	t.Run("by entities", func(t *testing.T) {
		mems, err := s.MemoriesByEntities(ctx, []string{"p-alice"})
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(ids(mems)) != "[m2]" {
			t.Errorf("got %v", ids(mems))
		}
	})

	t.Run("search similar", func(t *testing.T) {
		matches, err := s.SearchSimilar(ctx, []float32{1, 0.1, 0}, 0.4, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 1 || matches[0].Memory.ID != "m1" {
			t.Fatalf("unexpected matches: %+v", matches)
		}
		want := 1 / math.Sqrt(1.01)
		if math.Abs(matches[0].Similarity-want) > 1e-4 {
			t.Errorf("similarity = %v, want %v", matches[0].Similarity, want)
		}

		// Different dimension never matches.
		matches, err = s.SearchSimilar(ctx, []float32{1, 0}, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 0 {
			t.Errorf("mismatched dimension matched: %+v", matches)
		}
	})

	t.Run("feedback", func(t *testing.T) {
		const n = 25
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := &memory.FeedbackRecord{
					ID: fmt.Sprintf("fb-%02d", i), MemoryID: "m2", SessionID: "s1",
					Type: memory.FeedbackNegative, CreatedAt: fixtureTime,
				}
				if err := s.RecordFeedback(ctx, rec); err != nil {
					t.Errorf("record feedback: %v", err)
				}
			}(i)
		}
		wg.Wait()

		mems, _ := s.GetMemories(ctx, []string{"m2"})
		if mems[0].NegativeFeedbackCount != n {
			t.Errorf("got %d negative votes, want %d", mems[0].NegativeFeedbackCount, n)
		}
		history, err := s.ListFeedback(ctx, "m2")
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != n {
			t.Errorf("got %d records, want %d", len(history), n)
		}

		ghost := &memory.FeedbackRecord{ID: "fb-x", MemoryID: "ghost", SessionID: "s1", Type: memory.FeedbackPositive}
		if err := s.RecordFeedback(ctx, ghost); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})
}

func TestPostgresSearchSimilarPrefersRecentOnTies(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	for _, m := range []*memory.Memory{
		{ID: "a-older", LastObservedAt: fixtureTime.Add(-72 * time.Hour)},
		{ID: "b-newer", LastObservedAt: fixtureTime},
		{ID: "c-oldest", LastObservedAt: fixtureTime.Add(-240 * time.Hour)},
	} {
		m.Type = memory.TypeInsight
		m.Content = "Deploys freeze on Fridays"
		m.Embedding = []float32{0, 0, 1}
		m.ConfidenceScore = 0.5
		m.TimesObserved = 1
		m.FirstObservedAt = m.LastObservedAt
		if err := s.PutMemory(ctx, m); err != nil {
			t.Fatalf("put memory: %v", err)
		}
	}

	matches, err := s.SearchSimilar(ctx, []float32{0, 0, 1}, 0.4, 2)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range matches {
		got = append(got, m.Memory.ID)
	}
	if fmt.Sprint(got) != "[b-newer a-older]" {
		t.Errorf("got %v, want equally similar rows cut by recency", got)
	}
}
