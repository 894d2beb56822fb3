package memory

import "context"

// EntityDirectory lists the entities queries can be resolved against.
type EntityDirectory interface {
	ListEntities(ctx context.Context) ([]*Entity, error)
}

// Store is the persistent view the retrieval engine depends on.
// Returned memories are snapshots: mutating them never affects the store.
type Store interface {
	EntityDirectory

	// ListMemories returns every memory, embeddings included.
	ListMemories(ctx context.Context) ([]*Memory, error)

	// GetMemories returns the memories with the given ids, skipping unknown ids.
	GetMemories(ctx context.Context, ids []string) ([]*Memory, error)

	// MemoriesByEntities returns memories whose related entities intersect
	// entityIDs, in no particular order.
	MemoriesByEntities(ctx context.Context, entityIDs []string) ([]*Memory, error)

	// RecordFeedback appends rec and increments the matching counter on the
	// memory in one step. Concurrent calls for the same memory must all be
	// reflected. Returns ErrNotFound for unknown memories.
	RecordFeedback(ctx context.Context, rec *FeedbackRecord) error

	// ListFeedback returns the feedback records of one memory, oldest first.
	ListFeedback(ctx context.Context, memoryID string) ([]*FeedbackRecord, error)
}

// VectorSearcher finds memories close to a query vector.
// Implementations may return unclamped or unsorted scores; callers normalize.
type VectorSearcher interface {
	SearchSimilar(ctx context.Context, vector []float32, threshold float64, limit int) ([]Match, error)
}

// Writer loads records into a store. The extraction pipeline owns memory
// creation; the service only uses it for seeding and tests.
type Writer interface {
	PutMemory(ctx context.Context, m *Memory) error
	PutEntity(ctx context.Context, e *Entity) error
}
