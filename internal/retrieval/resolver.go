package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nidhogg/recall/internal/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// stopWords never take part in partial-name matching.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "who": {},
	"did": {}, "does": {}, "was": {}, "were": {}, "about": {}, "from": {},
	"our": {}, "you": {}, "your": {}, "this": {}, "that": {}, "have": {},
	"has": {}, "are": {}, "why": {}, "how": {}, "when": {}, "where": {},
}

type partialName struct {
	entityID string
	score    float64 // 1 / tokens in the full name
}

// EntityIndex maps tokenized entity names to entity ids.
// It is immutable once built and safe for concurrent use.
type EntityIndex struct {
	exact   map[string][]string // joined name tokens -> entity ids
	partial map[string][]partialName
	maxLen  int
}

// NewEntityIndex builds an index over every canonical name and alias.
func NewEntityIndex(entities []*memory.Entity) *EntityIndex {
	idx := &EntityIndex{
		exact:   make(map[string][]string),
		partial: make(map[string][]partialName),
	}
	for _, e := range entities {
		for _, name := range e.Names() {
			tokens := tokenize(name)
			if len(tokens) == 0 {
				continue
			}
			key := strings.Join(tokens, " ")
			idx.exact[key] = appendUnique(idx.exact[key], e.ID)
			if len(tokens) > idx.maxLen {
				idx.maxLen = len(tokens)
			}
			if len(tokens) < 2 {
				continue
			}
			score := 1 / float64(len(tokens))
			for _, tok := range tokens {
				if !partialCandidate(tok) {
					continue
				}
				idx.partial[tok] = append(idx.partial[tok], partialName{entityID: e.ID, score: score})
			}
		}
	}
	return idx
}

// Resolve returns the sorted ids of entities mentioned in text.
//
// Runs of tokens are matched longest-first against full names, so
// "John Smith" resolves to the two-token alias and never to two single-token
// ones. Tokens left unconsumed may then match one token of a longer name;
// such a partial match scores 1/len(name) and counts only if it reaches
// threshold.
func (idx *EntityIndex) Resolve(text string, threshold float64) []string {
	tokens := tokenize(text)
	if len(tokens) == 0 || idx.maxLen == 0 {
		return nil
	}

	found := make(map[string]struct{})
	consumed := make([]bool, len(tokens))

	for i := 0; i < len(tokens); {
		matched := false
		for l := min(idx.maxLen, len(tokens)-i); l >= 1; l-- {
			ids, ok := idx.exact[strings.Join(tokens[i:i+l], " ")]
			if !ok {
				continue
			}
			for _, id := range ids {
				found[id] = struct{}{}
			}
			for k := i; k < i+l; k++ {
				consumed[k] = true
			}
			i += l
			matched = true
			break
		}
		if !matched {
			i++
		}
	}

	for i, tok := range tokens {
		if consumed[i] {
			continue
		}
		for _, p := range idx.partial[tok] {
			if p.score >= threshold {
				found[p.entityID] = struct{}{}
			}
		}
	}

	if len(found) == 0 {
		return nil
	}
	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func partialCandidate(tok string) bool {
	if len([]rune(tok)) < 3 {
		return false
	}
	_, stop := stopWords[tok]
	return !stop
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Resolver resolves query text against a cached EntityIndex, rebuilding it
// from the directory once the refresh interval has passed. An expired index
// keeps serving while one rebuild runs in the background; only a resolver
// with no index waits for the directory.
type Resolver struct {
	dir     memory.EntityDirectory
	refresh time.Duration
	now     func() time.Time
	logger  *zap.Logger

	snap       atomic.Pointer[indexSnapshot]
	generation atomic.Uint64
	rebuilds   singleflight.Group
}

type indexSnapshot struct {
	index   *EntityIndex
	builtAt time.Time
}

const rebuildKey = "entities"

// NewResolver creates a Resolver. A non-positive refresh rebuilds on every call.
func NewResolver(dir memory.EntityDirectory, refresh time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, refresh: refresh, now: time.Now, logger: logger}
}

// Resolve returns the entity ids mentioned in text. No match is not an error.
func (r *Resolver) Resolve(ctx context.Context, text string, threshold float64) ([]string, error) {
	idx, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Resolve(text, threshold), nil
}

// Invalidate forces the next Resolve to rebuild the index. A rebuild already
// in flight does not publish its result.
func (r *Resolver) Invalidate() {
	r.generation.Add(1)
	r.snap.Store(nil)
	r.rebuilds.Forget(rebuildKey)
}

func (r *Resolver) current(ctx context.Context) (*EntityIndex, error) {
	snap := r.snap.Load()
	if snap != nil && r.refresh > 0 {
		if r.now().Sub(snap.builtAt) >= r.refresh {
			bg := context.WithoutCancel(ctx)
			r.rebuilds.DoChan(rebuildKey, func() (interface{}, error) {
				return r.rebuild(bg)
			})
		}
		return snap.index, nil
	}

	v, err, _ := r.rebuilds.Do(rebuildKey, func() (interface{}, error) {
		return r.rebuild(ctx)
	})
	if err != nil {
		if snap != nil {
			return snap.index, nil
		}
		return nil, err
	}
	return v.(*EntityIndex), nil
}

func (r *Resolver) rebuild(ctx context.Context) (*EntityIndex, error) {
	gen := r.generation.Load()
	start := time.Now()
	entities, err := r.dir.ListEntities(ctx)
	if err != nil {
		if r.snap.Load() != nil {
			r.logger.Warn("entity refresh failed, serving stale index", zap.Error(err))
		}
		return nil, err
	}
	idx := NewEntityIndex(entities)
	if r.generation.Load() == gen {
		r.snap.Store(&indexSnapshot{index: idx, builtAt: r.now()})
	}
	r.logger.Debug("entity index rebuilt",
		zap.Int("entities", len(entities)),
		zap.Duration("duration", time.Since(start)))
	return idx, nil
}
