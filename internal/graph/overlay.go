package graph

import (
	"context"

	"github.com/nidhogg/recall/internal/memory"
)

// Linker resolves entities and entity-to-memory links. *Directory
// implements it.
type Linker interface {
	memory.EntityDirectory
	MemoryIDsByEntities(ctx context.Context, entityIDs []string) ([]string, error)
}

// Overlay is a memory.Store whose entity lookups go to the graph while
// memory rows and feedback stay in the underlying store.
type Overlay struct {
	memory.Store
	graph Linker
}

// NewOverlay layers g over s.
func NewOverlay(s memory.Store, g Linker) *Overlay {
	return &Overlay{Store: s, graph: g}
}

func (o *Overlay) ListEntities(ctx context.Context) ([]*memory.Entity, error) {
	return o.graph.ListEntities(ctx)
}

// MemoriesByEntities follows MENTIONS edges, then loads the rows.
func (o *Overlay) MemoriesByEntities(ctx context.Context, entityIDs []string) ([]*memory.Memory, error) {
	ids, err := o.graph.MemoryIDsByEntities(ctx, entityIDs)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return o.Store.GetMemories(ctx, ids)
}

var _ memory.Store = (*Overlay)(nil)
