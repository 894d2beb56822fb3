// Package retrieval turns a conversational query into a ranked list of
// memories. Candidates come from two independent paths, entity match and
// semantic similarity, which are merged and re-ranked on five weighted
// signals plus query intent and accumulated user feedback.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/recall/internal/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Embedder produces query embeddings. embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the engine. Zero limits and durations fall back to
// DefaultConfig values. Thresholds and StoreRetries take 0 as written and
// only a negative value selects the default.
type Config struct {
	DefaultLimit      int
	MaxLimit          int
	SemanticThreshold float64
	EntityThreshold   float64
	CandidateLimit    int           // per-source candidate pool
	EmbedTimeout      time.Duration // caller-side bound on the provider call
	StoreRetries      int
	RetryInterval     time.Duration // initial backoff between store retries
	EntityRefresh     time.Duration
	SessionLogTimeout time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:      5,
		MaxLimit:          100,
		SemanticThreshold: 0.4,
		EntityThreshold:   0.5,
		CandidateLimit:    50,
		EmbedTimeout:      3 * time.Second,
		StoreRetries:      2,
		RetryInterval:     100 * time.Millisecond,
		EntityRefresh:     time.Minute,
		SessionLogTimeout: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.SemanticThreshold < 0 {
		c.SemanticThreshold = d.SemanticThreshold
	}
	if c.EntityThreshold < 0 {
		c.EntityThreshold = d.EntityThreshold
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = d.EmbedTimeout
	}
	if c.StoreRetries < 0 {
		c.StoreRetries = d.StoreRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.SessionLogTimeout <= 0 {
		c.SessionLogTimeout = d.SessionLogTimeout
	}
	return c
}

// Options are the per-call knobs a caller may override. Each nil field
// falls back to the engine default on its own.
type Options struct {
	Limit             *int     `json:"limit,omitempty"`
	SemanticThreshold *float64 `json:"semantic_threshold,omitempty"`
	EntityThreshold   *float64 `json:"entity_threshold,omitempty"`
}

// Settings are the effective parameters of one retrieval.
type Settings struct {
	Limit             int
	SemanticThreshold float64
	EntityThreshold   float64
}

// Apply overlays the fields set in o onto d. It rejects negative or
// oversized limits and thresholds outside [0,1]. An explicit limit of 0
// keeps the default limit.
func (o *Options) Apply(d Settings, maxLimit int) (Settings, error) {
	if o == nil {
		return d, nil
	}
	s := d
	if o.Limit != nil {
		if *o.Limit < 0 || *o.Limit > maxLimit {
			return d, fmt.Errorf("%w: limit must be between 0 and %d, got %d", memory.ErrInvalidInput, maxLimit, *o.Limit)
		}
		if *o.Limit > 0 {
			s.Limit = *o.Limit
		}
	}
	if o.SemanticThreshold != nil {
		if v := *o.SemanticThreshold; v < 0 || v > 1 {
			return d, fmt.Errorf("%w: semantic_threshold must be within [0,1], got %v", memory.ErrInvalidInput, v)
		}
		s.SemanticThreshold = *o.SemanticThreshold
	}
	if o.EntityThreshold != nil {
		if v := *o.EntityThreshold; v < 0 || v > 1 {
			return d, fmt.Errorf("%w: entity_threshold must be within [0,1], got %v", memory.ErrInvalidInput, v)
		}
		s.EntityThreshold = *o.EntityThreshold
	}
	return s, nil
}

// Query is one retrieval request.
type Query struct {
	Text      string
	SessionID string
	EntityIDs []string // explicit entities, unioned with resolved ones
	Options   *Options // nil fields use the engine defaults
}

// Result is the ranked answer to a Query.
type Result struct {
	Items            []ScoredMemory `json:"items"`
	ResolvedEntities []string       `json:"resolved_entities"`
	// Degraded is set when the semantic path failed and only entity
	// matches were ranked.
	Degraded bool `json:"degraded"`
}

// Engine runs retrievals. It is safe for concurrent use.
type Engine struct {
	store    memory.Store
	searcher memory.VectorSearcher
	embedder Embedder
	resolver *Resolver
	sessions SessionLogger
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine creates an engine reading from store. embedder may be nil, in
// which case only entity matching runs. Semantic search defaults to a full
// scan of the store and entities resolve against the store's directory.
func NewEngine(store memory.Store, embedder Embedder, cfg Config, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:    store,
		searcher: NewScanSearcher(store),
		embedder: embedder,
		resolver: NewResolver(store, cfg.EntityRefresh, logger),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// SetSearcher replaces the semantic searcher (pgvector, Qdrant).
func (e *Engine) SetSearcher(s memory.VectorSearcher) {
	e.searcher = s
}

// SetSessionLogger enables best-effort surfaced-memory notifications.
func (e *Engine) SetSessionLogger(l SessionLogger) {
	e.sessions = l
}

// SetClock overrides the time source used for recency.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.resolver.now = now
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// DefaultSettings returns the parameters used for every option a query
// leaves unset.
func (e *Engine) DefaultSettings() Settings {
	return Settings{
		Limit:             e.cfg.DefaultLimit,
		SemanticThreshold: e.cfg.SemanticThreshold,
		EntityThreshold:   e.cfg.EntityThreshold,
	}
}

// Retrieve ranks the memories relevant to q.
//
// Entity and semantic candidates are gathered concurrently. An embedding
// provider failure degrades the call to entity-only results; a store
// failure is fatal and wraps memory.ErrStoreUnavailable.
func (e *Engine) Retrieve(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()

	opts, err := q.Options.Apply(e.DefaultSettings(), e.cfg.MaxLimit)
	if err != nil {
		return nil, err
	}

	var (
		entityIDs  []string
		byEntity   []*memory.Memory
		bySemantic []memory.Match
		degraded   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := e.resolveEntities(gctx, q, opts.EntityThreshold)
		if err != nil {
			return err
		}
		entityIDs = ids
		byEntity, err = e.byEntities(gctx, ids, e.cfg.CandidateLimit)
		return err
	})
	g.Go(func() error {
		matches, err := e.bySemantic(gctx, q.Text, opts.SemanticThreshold, e.cfg.CandidateLimit)
		if errors.Is(err, memory.ErrProviderUnavailable) {
			e.logger.Warn("semantic match unavailable, using entity matches only",
				zap.String("session", q.SessionID), zap.Error(err))
			degraded = true
			return nil
		}
		bySemantic = matches
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := Merge(byEntity, bySemantic)
	res := &Result{
		Items:            Rank(candidates, q.Text, opts.Limit, e.now()),
		ResolvedEntities: entityIDs,
		Degraded:         degraded,
	}
	if res.Items == nil {
		res.Items = []ScoredMemory{}
	}

	e.logger.Info("retrieval complete",
		zap.String("session", q.SessionID),
		zap.Int("entities", len(entityIDs)),
		zap.Int("entity_candidates", len(byEntity)),
		zap.Int("semantic_candidates", len(bySemantic)),
		zap.Int("results", len(res.Items)),
		zap.Bool("degraded", degraded),
		zap.Duration("duration", time.Since(start)))

	e.logSurfaced(ctx, q, res)
	return res, nil
}

func (e *Engine) resolveEntities(ctx context.Context, q Query, threshold float64) ([]string, error) {
	var resolved []string
	err := e.retryStore(ctx, "resolve entities", func() error {
		var err error
		resolved, err = e.resolver.Resolve(ctx, q.Text, threshold)
		return err
	})
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(resolved)+len(q.EntityIDs))
	for _, id := range resolved {
		set[id] = struct{}{}
	}
	for _, id := range q.EntityIDs {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// byEntities never scans the store when there is no entity signal.
func (e *Engine) byEntities(ctx context.Context, entityIDs []string, limit int) ([]*memory.Memory, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var mems []*memory.Memory
	err := e.retryStore(ctx, "memories by entities", func() error {
		var err error
		mems, err = e.store.MemoriesByEntities(ctx, entityIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return RankEntityMatches(mems, entityIDs, limit), nil
}

func (e *Engine) bySemantic(ctx context.Context, text string, threshold float64, limit int) ([]memory.Match, error) {
	if e.embedder == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	vec, err := e.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	var matches []memory.Match
	err = e.retryStore(ctx, "semantic search", func() error {
		var err error
		matches, err = e.searcher.SearchSimilar(ctx, vec, threshold, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return NormalizeMatches(matches, threshold, limit), nil
}

// embedQuery is the only suspension point that honors a timeout of its own.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancel()

	vectors, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrProviderUnavailable, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", memory.ErrProviderUnavailable)
	}
	return vectors[0], nil
}

// retryStore runs fn with bounded exponential backoff. Not-found, invalid
// input and context errors are returned as is; anything else that survives
// the retries is reported as memory.ErrStoreUnavailable.
func (e *Engine) retryStore(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.cfg.StoreRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		e.logger.Warn("store call failed, retrying",
			zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	})
	if err == nil || !retryable(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, memory.ErrStoreUnavailable, err)
}

func retryable(err error) bool {
	return !errors.Is(err, memory.ErrNotFound) &&
		!errors.Is(err, memory.ErrInvalidInput) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) logSurfaced(ctx context.Context, q Query, res *Result) {
	if e.sessions == nil || q.SessionID == "" || len(res.Items) == 0 {
		return
	}
	ev := &SurfacedEvent{
		SessionID: q.SessionID,
		Query:     q.Text,
		Degraded:  res.Degraded,
		At:        e.now().UTC(),
	}
	for _, item := range res.Items {
		ev.MemoryIDs = append(ev.MemoryIDs, item.Memory.ID)
		ev.Scores = append(ev.Scores, item.Score)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SessionLogTimeout)
	defer cancel()
	if err := e.sessions.LogSurfaced(ctx, ev); err != nil {
		e.logger.Warn("session log failed", zap.String("session", q.SessionID), zap.Error(err))
	}
}
