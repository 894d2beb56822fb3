// Package memory holds the domain records the retrieval engine reads
// (memories, entities) and the feedback records it writes, together with the
// store contracts every backend implements.
package memory

import (
	"fmt"
	"time"
)

// Type is the kind of a recorded memory.
type Type string

const (
	TypeCorrection   Type = "correction"
	TypeDecision     Type = "decision"
	TypeCommitment   Type = "commitment"
	TypeInsight      Type = "insight"
	TypeLearning     Type = "learning"
	TypeConfidence   Type = "confidence"
	TypePatternSeed  Type = "pattern_seed"
	TypeCrossAgent   Type = "cross_agent"
	TypeWorkflowNote Type = "workflow_note"
	TypeGap          Type = "gap"
)

// Types lists every memory kind in declaration order.
var Types = []Type{
	TypeCorrection, TypeDecision, TypeCommitment, TypeInsight, TypeLearning,
	TypeConfidence, TypePatternSeed, TypeCrossAgent, TypeWorkflowNote, TypeGap,
}

// Valid reports whether t is one of the known kinds.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Memory is a recorded fact, decision or correction.
// Records are owned by the extraction pipeline; the engine only reads them,
// apart from the two feedback counters.
type Memory struct {
	ID                    string    `json:"id"`
	Type                  Type      `json:"type"`
	Title                 string    `json:"title"`
	Content               string    `json:"content"`
	SourceChunk           string    `json:"source_chunk,omitempty"`
	Embedding             []float32 `json:"-"`
	RelatedEntities       []string  `json:"related_entities"`
	ConfidenceScore       float64   `json:"confidence_score"`
	TimesObserved         int       `json:"times_observed"`
	FirstObservedAt       time.Time `json:"first_observed_at"`
	LastObservedAt        time.Time `json:"last_observed_at"`
	PositiveFeedbackCount int64     `json:"positive_feedback_count"`
	NegativeFeedbackCount int64     `json:"negative_feedback_count"`
}

// Validate checks the record invariants store writers must uphold.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: memory id is required", ErrInvalidInput)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, m.Type)
	}
	if m.ConfidenceScore < 0 || m.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidInput, m.ConfidenceScore)
	}
	if m.TimesObserved < 1 {
		return fmt.Errorf("%w: times_observed must be positive", ErrInvalidInput)
	}
	if m.PositiveFeedbackCount < 0 || m.NegativeFeedbackCount < 0 {
		return fmt.Errorf("%w: feedback counts must be non-negative", ErrInvalidInput)
	}
	return nil
}

// Clone returns a deep copy so callers can hold a snapshot while the store
// keeps mutating counters.
func (m *Memory) Clone() *Memory {
	c := *m
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.RelatedEntities != nil {
		c.RelatedEntities = append([]string(nil), m.RelatedEntities...)
	}
	return &c
}

// EntityType categorizes an entity.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityProject      EntityType = "project"
	EntityOrganization EntityType = "organization"
	EntityOther        EntityType = "other"
)

// Entity is a named referent memories can be linked to.
type Entity struct {
	ID            string     `json:"id"`
	Type          EntityType `json:"type"`
	CanonicalName string     `json:"canonical_name"`
	Aliases       []string   `json:"aliases,omitempty"`
	ExternalRef   string     `json:"external_ref,omitempty"` // contact or project id in another system
}

// Names returns the canonical name followed by every alias.
func (e *Entity) Names() []string {
	names := make([]string, 0, len(e.Aliases)+1)
	if e.CanonicalName != "" {
		names = append(names, e.CanonicalName)
	}
	return append(names, e.Aliases...)
}

// Validate requires an id and a canonical name.
func (e *Entity) Validate() error {
	if e.ID == "" || e.CanonicalName == "" {
		return fmt.Errorf("%w: entity id and canonical name are required", ErrInvalidInput)
	}
	return nil
}

// FeedbackType is a user vote on a surfaced memory.
type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
)

// Valid reports whether t is positive or negative.
func (t FeedbackType) Valid() bool {
	return t == FeedbackPositive || t == FeedbackNegative
}

// FeedbackRecord is one append-only vote.
type FeedbackRecord struct {
	ID        string       `json:"id"`
	MemoryID  string       `json:"memory_id"`
	SessionID string       `json:"session_id"`
	Type      FeedbackType `json:"feedback_type"`
	CreatedAt time.Time    `json:"created_at"`
}

// Match pairs a memory with its cosine similarity to a query vector.
type Match struct {
	Memory     *Memory
	Similarity float64
}
