package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/memory"
)

type fakeLinker struct {
	entities []*memory.Entity
	links    map[string][]string // entity id -> memory ids
	err      error
}

func (f *fakeLinker) ListEntities(ctx context.Context) ([]*memory.Entity, error) {
	return f.entities, f.err
}

func (f *fakeLinker) MemoryIDsByEntities(ctx context.Context, entityIDs []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for _, e := range entityIDs {
		ids = append(ids, f.links[e]...)
	}
	return ids, nil
}

func TestOverlay(t *testing.T) {
	now := time.Now()
	base := memory.NewInMemoryStore(zap.NewNop())
	for _, id := range []string{"m1", "m2"} {
		base.PutMemory(context.Background(), &memory.Memory{
			ID: id, Type: memory.TypeInsight, Content: id, TimesObserved: 1,
			FirstObservedAt: now, LastObservedAt: now,
		})
	}
	base.PutEntity(context.Background(), &memory.Entity{ID: "store-only", CanonicalName: "Ignored"})

	g := &fakeLinker{
		entities: []*memory.Entity{{ID: "p-bob", CanonicalName: "Bob"}},
		links:    map[string][]string{"p-bob": {"m2"}},
	}
	o := NewOverlay(base, g)
	ctx := context.Background()

	entities, err := o.ListEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0].ID != "p-bob" {
		t.Errorf("entities should come from the graph, got %+v", entities)
	}

	mems, err := o.MemoriesByEntities(ctx, []string{"p-bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || mems[0].ID != "m2" {
		t.Errorf("got %+v, want m2", mems)
	}

	mems, err = o.MemoriesByEntities(ctx, []string{"nobody"})
	if err != nil || len(mems) != 0 {
		t.Errorf("got %v, %v; want no memories", mems, err)
	}

	all, _ := o.ListMemories(ctx)
	if len(all) != 2 {
		t.Errorf("memory rows should come from the store, got %d", len(all))
	}
}

func TestOverlayGraphFailure(t *testing.T) {
	boom := errors.New("bolt: connection reset")
	o := NewOverlay(memory.NewInMemoryStore(zap.NewNop()), &fakeLinker{err: boom})

	if _, err := o.MemoriesByEntities(context.Background(), []string{"x"}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want graph error", err)
	}
}

func TestAsStrings(t *testing.T) {
	got := asStrings([]interface{}{"a", 1, "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
	if got := asStrings(nil); len(got) != 0 {
		t.Errorf("got %v", got)
	}
}
