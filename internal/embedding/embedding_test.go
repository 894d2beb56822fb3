package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAPIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req apiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" || len(req.Input) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		// Out of order on purpose; the provider must sort by index.
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{
			{Index: 1, Embedding: []float32{0, 1, 0}},
			{Index: 0, Embedding: []float32{1, 0, 0}},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "secret"})

	vectors, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors not in input order: %v", vectors)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 128})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 256})
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestAPIProviderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL})
	_, err := p.Embed(context.Background(), []string{"x"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusTooManyRequests || !se.Temporary() {
		t.Errorf("got %+v, want temporary 429", se)
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req localRequest
		json.NewDecoder(r.Body).Decode(&req)
		vec := []float32{float32(len(req.Prompt)), 0}
		json.NewEncoder(w).Encode(localResponse{Embedding: vec})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic"})
	vectors, err := p.Embed(context.Background(), []string{"a", "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("got %d requests, want one per text", calls.Load())
	}
	if vectors[0][0] != 1 || vectors[1][0] != 3 {
		t.Errorf("unexpected vectors %v", vectors)
	}
	if p.Dimension() != 2 {
		t.Errorf("got dimension %d, want 2", p.Dimension())
	}
}

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(16)
	a, _ := p.Embed(context.Background(), []string{"postgres", "postgres", "redis"})

	if len(a[0]) != 16 {
		t.Fatalf("got dimension %d, want 16", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != a[1][i] {
			t.Fatal("identical text produced different vectors")
		}
	}
	same := true
	for i := range a[0] {
		if a[0][i] != a[2][i] {
			same = false
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}
}

type countingProvider struct {
	calls atomic.Int32
	fails int32 // number of leading calls that fail
	err   error
}

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := c.calls.Add(1)
	if n <= c.fails {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (c *countingProvider) Dimension() int { return 2 }

func TestCachedSkipsProviderOnHit(t *testing.T) {
	inner := &countingProvider{}
	c, err := NewCached(inner, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, err := c.Embed(ctx, []string{"what did we decide"}); err != nil {
		t.Fatal(err)
	}
	c.cache.Wait()

	vectors, err := c.Embed(ctx, []string{"what did we decide", "new"})
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("got %d provider calls, want 2", inner.calls.Load())
	}
	if vectors[0][0] != float32(len("what did we decide")) || vectors[1][0] != 3 {
		t.Errorf("unexpected vectors %v", vectors)
	}

	c.cache.Wait()
	if _, err := c.Embed(ctx, []string{"new"}); err != nil {
		t.Fatal(err)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("cached text reached the provider: %d calls", inner.calls.Load())
	}
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	inner := &countingProvider{fails: 2, err: &StatusError{Code: 503}}
	r := NewRetrying(inner, 3, zap.NewNop())
	r.interval = time.Millisecond

	vectors, err := r.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 || inner.calls.Load() != 3 {
		t.Errorf("got %d vectors after %d calls", len(vectors), inner.calls.Load())
	}
}

func TestRetryingStopsOnPermanentFailure(t *testing.T) {
	inner := &countingProvider{fails: 10, err: &StatusError{Code: 401}}
	r := NewRetrying(inner, 3, zap.NewNop())
	r.interval = time.Millisecond

	_, err := r.Embed(context.Background(), []string{"x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("permanent failure retried: %d calls", inner.calls.Load())
	}
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &countingProvider{fails: 10, err: errors.New("connection refused")}
	r := NewRetrying(inner, 2, zap.NewNop())
	r.interval = time.Millisecond

	if _, err := r.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls.Load() != 3 {
		t.Errorf("got %d calls, want 3", inner.calls.Load())
	}
}

func TestNew(t *testing.T) {
	p, err := New(Config{}, zap.NewNop())
	if err != nil || p != nil {
		t.Fatalf("empty provider: got %v, %v", p, err)
	}

	p, err = New(Config{Provider: "hash", Dimension: 8, MaxRetries: 1, CacheSize: 10}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*Cached); !ok {
		t.Errorf("got %T, want *Cached", p)
	}
	if p.Dimension() != 8 {
		t.Errorf("got dimension %d, want 8", p.Dimension())
	}

	if _, err := New(Config{Provider: "nope"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown provider")
	}
}
