package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// row holds one memory plus its live feedback state.
// Counters are atomics so increments on different rows never contend and a
// reader never sees a torn value.
type row struct {
	mem      *Memory // immutable after Put, counters excluded
	positive atomic.Int64
	negative atomic.Int64

	mu       sync.Mutex
	feedback []*FeedbackRecord
}

func (r *row) snapshot() *Memory {
	m := r.mem.Clone()
	m.PositiveFeedbackCount = r.positive.Load()
	m.NegativeFeedbackCount = r.negative.Load()
	return m
}

// InMemoryStore is a process-local Store used for development and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]*row
	entities map[string]*Entity
	logger   *zap.Logger
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	return &InMemoryStore{
		rows:     make(map[string]*row),
		entities: make(map[string]*Entity),
		logger:   logger,
	}
}

// PutMemory inserts or replaces a memory. Existing feedback state is kept.
func (s *InMemoryStore) PutMemory(ctx context.Context, m *Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[m.ID]; ok {
		// Counters are owned by the ledger; never let a writer rewind them.
		existing.mu.Lock()
		existing.mem = m.Clone()
		existing.mu.Unlock()
		return nil
	}
	r := &row{mem: m.Clone()}
	r.positive.Store(m.PositiveFeedbackCount)
	r.negative.Store(m.NegativeFeedbackCount)
	s.rows[m.ID] = r
	return nil
}

// PutEntity inserts or replaces an entity.
func (s *InMemoryStore) PutEntity(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	s.mu.Lock()
	s.entities[e.ID] = &c
	s.mu.Unlock()
	return nil
}

// ListEntities returns every entity ordered by id.
func (s *InMemoryStore) ListEntities(ctx context.Context) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		c := *e
		c.Aliases = append([]string(nil), e.Aliases...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListMemories returns snapshots of every memory ordered by id.
func (s *InMemoryStore) ListMemories(ctx context.Context) ([]*Memory, error) {
	s.mu.RLock()
	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	return snapshotRows(rows), nil
}

// GetMemories returns snapshots for the known ids, in request order.
func (s *InMemoryStore) GetMemories(ctx context.Context, ids []string) ([]*Memory, error) {
	s.mu.RLock()
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.rows[id]; ok {
			r.mu.Lock()
			out = append(out, r.snapshot())
			r.mu.Unlock()
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// MemoriesByEntities returns memories linked to any of entityIDs.
func (s *InMemoryStore) MemoriesByEntities(ctx context.Context, entityIDs []string) ([]*Memory, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	var rows []*row
	for _, r := range s.rows {
		for _, e := range r.mem.RelatedEntities {
			if _, ok := want[e]; ok {
				rows = append(rows, r)
				break
			}
		}
	}
	s.mu.RUnlock()

	return snapshotRows(rows), nil
}

// RecordFeedback appends rec and bumps the memory's counter atomically.
func (s *InMemoryStore) RecordFeedback(ctx context.Context, rec *FeedbackRecord) error {
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: unknown feedback type %q", ErrInvalidInput, rec.Type)
	}
	s.mu.RLock()
	r, ok := s.rows[rec.MemoryID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("record feedback %s: %w", rec.MemoryID, ErrNotFound)
	}

	c := *rec
	r.mu.Lock()
	r.feedback = append(r.feedback, &c)
	r.mu.Unlock()

	switch rec.Type {
	case FeedbackPositive:
		r.positive.Add(1)
	case FeedbackNegative:
		r.negative.Add(1)
	}

	s.logger.Debug("feedback recorded",
		zap.String("memory", rec.MemoryID),
		zap.String("session", rec.SessionID),
		zap.String("type", string(rec.Type)))
	return nil
}

// ListFeedback returns a memory's feedback records, oldest first.
func (s *InMemoryStore) ListFeedback(ctx context.Context, memoryID string) ([]*FeedbackRecord, error) {
	s.mu.RLock()
	r, ok := s.rows[memoryID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("list feedback %s: %w", memoryID, ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FeedbackRecord, len(r.feedback))
	for i, f := range r.feedback {
		c := *f
		out[i] = &c
	}
	return out, nil
}

func snapshotRows(rows []*row) []*Memory {
	out := make([]*Memory, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	_ Store  = (*InMemoryStore)(nil)
	_ Writer = (*InMemoryStore)(nil)
)
