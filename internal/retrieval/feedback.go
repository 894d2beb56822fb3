package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/memory"
	"go.uber.org/zap"
)

// Ledger accepts user votes on surfaced memories. It is the only writer of
// the feedback counters the ranking engine reads.
type Ledger struct {
	store  memory.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewLedger creates a Ledger writing through store.
func NewLedger(store memory.Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, now: time.Now, logger: logger}
}

// Submit records one vote and increments the memory's counter.
// Unknown memories fail with memory.ErrNotFound; nothing is created.
func (l *Ledger) Submit(ctx context.Context, memoryID, sessionID string, kind memory.FeedbackType) (*memory.FeedbackRecord, error) {
	memoryID = strings.TrimSpace(memoryID)
	sessionID = strings.TrimSpace(sessionID)
	switch {
	case memoryID == "":
		return nil, fmt.Errorf("%w: memory_id is required", memory.ErrInvalidInput)
	case sessionID == "":
		return nil, fmt.Errorf("%w: session_id is required", memory.ErrInvalidInput)
	case !kind.Valid():
		return nil, fmt.Errorf("%w: feedback_type must be positive or negative, got %q", memory.ErrInvalidInput, kind)
	}

	rec := &memory.FeedbackRecord{
		ID:        uuid.New().String(),
		MemoryID:  memoryID,
		SessionID: sessionID,
		Type:      kind,
		CreatedAt: l.now().UTC(),
	}
	// Not retried: a replayed write would double count.
	if err := l.store.RecordFeedback(ctx, rec); err != nil {
		return nil, storeError("submit feedback", err)
	}

	l.logger.Info("feedback submitted",
		zap.String("memory", memoryID),
		zap.String("session", sessionID),
		zap.String("type", string(kind)))
	return rec, nil
}

// History returns the votes recorded for a memory, oldest first.
func (l *Ledger) History(ctx context.Context, memoryID string) ([]*memory.FeedbackRecord, error) {
	if strings.TrimSpace(memoryID) == "" {
		return nil, fmt.Errorf("%w: memory_id is required", memory.ErrInvalidInput)
	}
	recs, err := l.store.ListFeedback(ctx, memoryID)
	if err != nil {
		return nil, storeError("feedback history", err)
	}
	return recs, nil
}

// storeError passes caller errors through and marks everything else as a
// store outage.
func storeError(op string, err error) error {
	if !retryable(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, memory.ErrStoreUnavailable, err)
}
