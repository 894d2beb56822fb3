// Package store holds the persistent memory stores.
package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// Postgres is a memory store on PostgreSQL with the pgvector extension.
// It also serves semantic search directly from the vector column.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a store with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate executes every *.up.sql file in migrationsDir in name order.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}

const pgMemoryColumns = `id, memory_type, title, content, source_chunk, embedding::text,
	related_entities, confidence_score, times_observed, first_observed_at, last_observed_at,
	positive_feedback_count, negative_feedback_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPGMemory(row rowScanner, extra ...any) (*memory.Memory, error) {
	var (
		m        memory.Memory
		kind     string
		embedded *string
	)
	dest := []any{
		&m.ID, &kind, &m.Title, &m.Content, &m.SourceChunk, &embedded,
		&m.RelatedEntities, &m.ConfidenceScore, &m.TimesObserved, &m.FirstObservedAt, &m.LastObservedAt,
		&m.PositiveFeedbackCount, &m.NegativeFeedbackCount,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Type = memory.Type(kind)
	if embedded != nil {
		var v pgvector.Vector
		if err := v.Parse(*embedded); err != nil {
			return nil, fmt.Errorf("parse embedding of %s: %w", m.ID, err)
		}
		m.Embedding = v.Slice()
	}
	return &m, nil
}

func collectPGMemories(rows pgx.Rows) ([]*memory.Memory, error) {
	defer rows.Close()
	var out []*memory.Memory
	for rows.Next() {
		m, err := scanPGMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// PutMemory inserts or updates a memory. Feedback counters are only set on
// insert; afterwards the ledger owns them.
func (s *Postgres) PutMemory(ctx context.Context, m *memory.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	var vec any
	if len(m.Embedding) > 0 {
		vec = pgvector.NewVector(m.Embedding)
	}
	related := m.RelatedEntities
	if related == nil {
		related = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memories (id, memory_type, title, content, source_chunk, embedding,
			related_entities, confidence_score, times_observed, first_observed_at, last_observed_at,
			positive_feedback_count, negative_feedback_count)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			memory_type = EXCLUDED.memory_type,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			source_chunk = EXCLUDED.source_chunk,
			embedding = EXCLUDED.embedding,
			related_entities = EXCLUDED.related_entities,
			confidence_score = EXCLUDED.confidence_score,
			times_observed = EXCLUDED.times_observed,
			first_observed_at = EXCLUDED.first_observed_at,
			last_observed_at = EXCLUDED.last_observed_at`,
		m.ID, string(m.Type), m.Title, m.Content, m.SourceChunk, vec,
		related, m.ConfidenceScore, m.TimesObserved, m.FirstObservedAt, m.LastObservedAt,
		m.PositiveFeedbackCount, m.NegativeFeedbackCount,
	)
	if err != nil {
		return fmt.Errorf("put memory %s: %w", m.ID, err)
	}
	return nil
}

// PutEntity inserts or replaces an entity.
func (s *Postgres) PutEntity(ctx context.Context, e *memory.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	aliases := e.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO entities (id, entity_type, canonical_name, aliases, external_ref)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			canonical_name = EXCLUDED.canonical_name,
			aliases = EXCLUDED.aliases,
			external_ref = EXCLUDED.external_ref`,
		e.ID, string(e.Type), e.CanonicalName, aliases, e.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	return nil
}

// ListEntities returns every entity ordered by id.
func (s *Postgres) ListEntities(ctx context.Context) ([]*memory.Entity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, entity_type, canonical_name, aliases, external_ref
		FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*memory.Entity
	for rows.Next() {
		var e memory.Entity
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.CanonicalName, &e.Aliases, &e.ExternalRef); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Type = memory.EntityType(kind)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// ListMemories returns every memory ordered by id.
func (s *Postgres) ListMemories(ctx context.Context) ([]*memory.Memory, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pgMemoryColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return collectPGMemories(rows)
}

// GetMemories returns the memories with the given ids. Unknown ids are skipped.
func (s *Postgres) GetMemories(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+pgMemoryColumns+` FROM memories WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	return collectPGMemories(rows)
}

// MemoriesByEntities returns memories related to at least one of entityIDs.
func (s *Postgres) MemoriesByEntities(ctx context.Context, entityIDs []string) ([]*memory.Memory, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+pgMemoryColumns+` FROM memories
		WHERE related_entities && $1::text[]
		ORDER BY id`, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("memories by entities: %w", err)
	}
	return collectPGMemories(rows)
}

// SearchSimilar ranks memories by cosine similarity using pgvector. Rows
// whose embedding dimension differs from the query never match.
func (s *Postgres) SearchSimilar(ctx context.Context, vector []float32, threshold float64, limit int) ([]memory.Match, error) {
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(vector)
	rows, err := s.db.Query(ctx, `
		SELECT `+pgMemoryColumns+`, 1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE embedding IS NOT NULL AND vector_dims(embedding) = $2
		ORDER BY embedding <=> $1::vector, last_observed_at DESC, id
		LIMIT $3`, vec, len(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	var out []memory.Match
	for rows.Next() {
		var sim *float64
		m, err := scanPGMemory(rows, &sim)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		// Zero-magnitude vectors yield NULL or NaN distance.
		if sim == nil || math.IsNaN(*sim) || *sim < threshold {
			continue
		}
		out = append(out, memory.Match{Memory: m, Similarity: *sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	return out, nil
}

// RecordFeedback inserts rec and increments the matching counter in one
// transaction. The counter update is a row-level increment, so concurrent
// votes never lose updates.
func (s *Postgres) RecordFeedback(ctx context.Context, rec *memory.FeedbackRecord) error {
	column, err := counterColumn(rec.Type)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin feedback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE memories SET `+column+` = `+column+` + 1 WHERE id = $1`, rec.MemoryID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record feedback %s: %w", rec.MemoryID, memory.ErrNotFound)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO memory_feedback (id, memory_id, session_id, feedback_type, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.MemoryID, rec.SessionID, string(rec.Type), createdAt,
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit feedback: %w", err)
	}
	return nil
}

// ListFeedback returns a memory's feedback records, oldest first.
func (s *Postgres) ListFeedback(ctx context.Context, memoryID string) ([]*memory.FeedbackRecord, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memories WHERE id = $1)`, memoryID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("list feedback %s: %w", memoryID, memory.ErrNotFound)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, memory_id, session_id, feedback_type, created_at
		FROM memory_feedback
		WHERE memory_id = $1
		ORDER BY created_at, id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	out := []*memory.FeedbackRecord{}
	for rows.Next() {
		var r memory.FeedbackRecord
		var kind string
		if err := rows.Scan(&r.ID, &r.MemoryID, &r.SessionID, &kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		r.Type = memory.FeedbackType(kind)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return out, nil
}

func counterColumn(t memory.FeedbackType) (string, error) {
	switch t {
	case memory.FeedbackPositive:
		return "positive_feedback_count", nil
	case memory.FeedbackNegative:
		return "negative_feedback_count", nil
	}
	return "", fmt.Errorf("%w: unknown feedback type %q", memory.ErrInvalidInput, t)
}

var (
	_ memory.Store          = (*Postgres)(nil)
	_ memory.VectorSearcher = (*Postgres)(nil)
)
