package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nidhogg/recall/internal/memory"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file memory store. Semantic search is left to the
// in-process scan; embeddings are kept as little-endian float32 blobs.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens the database at path (":memory:" for a private in-memory
// database) and creates the schema.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			aliases TEXT NOT NULL DEFAULT '[]',
			external_ref TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			memory_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			source_chunk TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			related_entities TEXT NOT NULL DEFAULT '[]',
			confidence_score REAL NOT NULL DEFAULT 0,
			times_observed INTEGER NOT NULL DEFAULT 1,
			first_observed_at TEXT NOT NULL,
			last_observed_at TEXT NOT NULL,
			positive_feedback_count INTEGER NOT NULL DEFAULT 0,
			negative_feedback_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS memory_feedback (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			feedback_type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memory_feedback_memory ON memory_feedback(memory_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLite) Close() {
	s.db.Close()
}

const sqliteMemoryColumns = `id, memory_type, title, content, source_chunk, embedding,
	related_entities, confidence_score, times_observed, first_observed_at, last_observed_at,
	positive_feedback_count, negative_feedback_count`

func scanSQLiteMemory(row rowScanner) (*memory.Memory, error) {
	var (
		m                   memory.Memory
		kind, related       string
		blob                []byte
		firstSeen, lastSeen string
	)
	err := row.Scan(&m.ID, &kind, &m.Title, &m.Content, &m.SourceChunk, &blob,
		&related, &m.ConfidenceScore, &m.TimesObserved, &firstSeen, &lastSeen,
		&m.PositiveFeedbackCount, &m.NegativeFeedbackCount)
	if err != nil {
		return nil, err
	}
	m.Type = memory.Type(kind)
	m.Embedding = decodeVector(blob)
	if err := json.Unmarshal([]byte(related), &m.RelatedEntities); err != nil {
		return nil, fmt.Errorf("decode related entities of %s: %w", m.ID, err)
	}
	if m.FirstObservedAt, err = parseTimestamp(firstSeen); err != nil {
		return nil, err
	}
	if m.LastObservedAt, err = parseTimestamp(lastSeen); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLite) queryMemories(ctx context.Context, op, query string, args ...any) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		m, err := scanSQLiteMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan memory: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// PutMemory inserts or updates a memory. Feedback counters are only set on
// insert; afterwards the ledger owns them.
func (s *SQLite) PutMemory(ctx context.Context, m *memory.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	related, err := json.Marshal(nonNil(m.RelatedEntities))
	if err != nil {
		return fmt.Errorf("encode related entities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+sqliteMemoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			memory_type = excluded.memory_type,
			title = excluded.title,
			content = excluded.content,
			source_chunk = excluded.source_chunk,
			embedding = excluded.embedding,
			related_entities = excluded.related_entities,
			confidence_score = excluded.confidence_score,
			times_observed = excluded.times_observed,
			first_observed_at = excluded.first_observed_at,
			last_observed_at = excluded.last_observed_at`,
		m.ID, string(m.Type), m.Title, m.Content, m.SourceChunk, encodeVector(m.Embedding),
		string(related), m.ConfidenceScore, m.TimesObserved,
		formatTimestamp(m.FirstObservedAt), formatTimestamp(m.LastObservedAt),
		m.PositiveFeedbackCount, m.NegativeFeedbackCount,
	)
	if err != nil {
		return fmt.Errorf("put memory %s: %w", m.ID, err)
	}
	return nil
}

// PutEntity inserts or replaces an entity.
func (s *SQLite) PutEntity(ctx context.Context, e *memory.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	aliases, err := json.Marshal(nonNil(e.Aliases))
	if err != nil {
		return fmt.Errorf("encode aliases: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, canonical_name, aliases, external_ref)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = excluded.entity_type,
			canonical_name = excluded.canonical_name,
			aliases = excluded.aliases,
			external_ref = excluded.external_ref`,
		e.ID, string(e.Type), e.CanonicalName, string(aliases), e.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	return nil
}

// ListEntities returns every entity ordered by id.
func (s *SQLite) ListEntities(ctx context.Context) ([]*memory.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, canonical_name, aliases, external_ref
		FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*memory.Entity
	for rows.Next() {
		var e memory.Entity
		var kind, aliases string
		if err := rows.Scan(&e.ID, &kind, &e.CanonicalName, &aliases, &e.ExternalRef); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Type = memory.EntityType(kind)
		if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases of %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// ListMemories returns every memory ordered by id.
func (s *SQLite) ListMemories(ctx context.Context) ([]*memory.Memory, error) {
	return s.queryMemories(ctx, "list memories", `SELECT `+sqliteMemoryColumns+` FROM memories ORDER BY id`)
}

// GetMemories returns the memories with the given ids. Unknown ids are skipped.
func (s *SQLite) GetMemories(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryMemories(ctx, "get memories",
		`SELECT `+sqliteMemoryColumns+` FROM memories WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		toArgs(ids)...)
}

// MemoriesByEntities returns memories related to at least one of entityIDs.
func (s *SQLite) MemoriesByEntities(ctx context.Context, entityIDs []string) ([]*memory.Memory, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	return s.queryMemories(ctx, "memories by entities", `
		SELECT `+sqliteMemoryColumns+` FROM memories
		WHERE EXISTS (
			SELECT 1 FROM json_each(memories.related_entities)
			WHERE json_each.value IN (`+placeholders(len(entityIDs))+`)
		)
		ORDER BY id`, toArgs(entityIDs)...)
}

// RecordFeedback inserts rec and increments the matching counter in one
// transaction.
func (s *SQLite) RecordFeedback(ctx context.Context, rec *memory.FeedbackRecord) error {
	column, err := counterColumn(rec.Type)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feedback tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE memories SET `+column+` = `+column+` + 1 WHERE id = ?`, rec.MemoryID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	} else if n == 0 {
		return fmt.Errorf("record feedback %s: %w", rec.MemoryID, memory.ErrNotFound)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_feedback (id, memory_id, session_id, feedback_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.MemoryID, rec.SessionID, string(rec.Type), formatTimestamp(createdAt),
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feedback: %w", err)
	}
	return nil
}

// ListFeedback returns a memory's feedback records, oldest first.
func (s *SQLite) ListFeedback(ctx context.Context, memoryID string) ([]*memory.FeedbackRecord, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM memories WHERE id = ?)`, memoryID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("list feedback %s: %w", memoryID, memory.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, session_id, feedback_type, created_at
		FROM memory_feedback
		WHERE memory_id = ?
		ORDER BY created_at, rowid`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	out := []*memory.FeedbackRecord{}
	for rows.Next() {
		var r memory.FeedbackRecord
		var kind, created string
		if err := rows.Scan(&r.ID, &r.MemoryID, &r.SessionID, &kind, &created); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		r.Type = memory.FeedbackType(kind)
		if r.CreatedAt, err = parseTimestamp(created); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return out, nil
}

// encodeVector stores each float32 as 4 little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// timestampLayout has fixed-width fractions so text order is time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ memory.Store = (*SQLite)(nil)
