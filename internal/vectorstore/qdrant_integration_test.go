//go:build integration

package vectorstore

import (
	"context"
	"strconv"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func startQdrant(t *testing.T) QdrantConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.12.4",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start qdrant: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "6334/tcp")
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port.Port())
	return QdrantConfig{Host: host, Port: p, Collection: "memories_test", Dimension: 3}
}

func TestIndexRoundTrip(t *testing.T) {
	cfg := startQdrant(t)
	ctx := context.Background()
	store := seededStore(t)

	x, err := NewIndex(cfg, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	if err := x.EnsureCollection(ctx); err != nil {
		t.Fatal(err)
	}
	if err := x.Sync(ctx, store); err != nil {
		t.Fatal(err)
	}

	matches, err := x.SearchSimilar(ctx, []float32{1, 0.1, 0}, 0.4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Memory.ID != "m1" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	if matches[0].Similarity < 0.99 {
		t.Errorf("similarity = %v", matches[0].Similarity)
	}
}
