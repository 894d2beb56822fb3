package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/memory"
)

func TestLedgerConcurrentSubmit(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(store, zap.NewNop())
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := memory.FeedbackPositive
			if i%4 == 0 {
				kind = memory.FeedbackNegative
			}
			if _, err := ledger.Submit(ctx, "m-cache", "s-concurrent", kind); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	mems, err := store.GetMemories(ctx, []string{"m-cache"})
	if err != nil || len(mems) != 1 {
		t.Fatalf("got %v, %v", mems, err)
	}
	if mems[0].PositiveFeedbackCount != 48 || mems[0].NegativeFeedbackCount != 16 {
		t.Errorf("counts = +%d/-%d, want +48/-16", mems[0].PositiveFeedbackCount, mems[0].NegativeFeedbackCount)
	}

	history, err := ledger.History(ctx, "m-cache")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != n {
		t.Errorf("history has %d records, want %d", len(history), n)
	}
	seen := make(map[string]bool, n)
	for _, rec := range history {
		if seen[rec.ID] {
			t.Fatalf("duplicate record id %s", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestLedgerSubmitValidation(t *testing.T) {
	ledger := NewLedger(newTestStore(t), zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name      string
		memoryID  string
		sessionID string
		kind      memory.FeedbackType
		want      error
	}{
		{"unknown memory", "m-ghost", "s-1", memory.FeedbackPositive, memory.ErrNotFound},
		{"missing memory", " ", "s-1", memory.FeedbackPositive, memory.ErrInvalidInput},
		{"missing session", "m-db", "", memory.FeedbackPositive, memory.ErrInvalidInput},
		{"bad type", "m-db", "s-1", memory.FeedbackType("neutral"), memory.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ledger.Submit(ctx, tt.memoryID, tt.sessionID, tt.kind); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLedgerUnknownMemoryCreatesNothing(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(store, zap.NewNop())
	ctx := context.Background()

	ledger.Submit(ctx, "m-ghost", "s-1", memory.FeedbackPositive)
	if _, err := ledger.History(ctx, "m-ghost"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
	all, _ := store.ListMemories(ctx)
	if len(all) != 4 {
		t.Errorf("store has %d memories, want 4", len(all))
	}
}

type brokenFeedbackStore struct {
	memory.Store
}

func (brokenFeedbackStore) RecordFeedback(ctx context.Context, rec *memory.FeedbackRecord) error {
	return errors.New("disk full")
}

func TestLedgerStoreFailure(t *testing.T) {
	ledger := NewLedger(brokenFeedbackStore{Store: newTestStore(t)}, zap.NewNop())

	_, err := ledger.Submit(context.Background(), "m-db", "s-1", memory.FeedbackNegative)
	if !errors.Is(err, memory.ErrStoreUnavailable) {
		t.Fatalf("got %v, want store unavailable", err)
	}
}
