// Package vectorstore serves semantic search from a Qdrant collection that
// mirrors memory embeddings. Qdrant holds only vectors and memory ids;
// matched rows are loaded from the memory store.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/recall/internal/memory"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
	Dimension  int    `json:"dimension"`
}

// pointIDSpace namespaces the UUIDs derived from memory ids.
var pointIDSpace = uuid.MustParse("6f1c2b0e-8d7a-4c39-9a51-2f3e4d5c6b7a")

// PointID maps a memory id to its stable Qdrant point id.
func PointID(memoryID string) string {
	return uuid.NewSHA1(pointIDSpace, []byte(memoryID)).String()
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// MemoryLoader loads memory rows by id.
type MemoryLoader interface {
	GetMemories(ctx context.Context, ids []string) ([]*memory.Memory, error)
}

// Index is a memory.VectorSearcher backed by Qdrant.
type Index struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pointsAPI
	collection  string
	dimension   int
	rows        MemoryLoader
	logger      *zap.Logger
}

// NewIndex dials the Qdrant gRPC endpoint. rows resolves search hits to
// memory records.
func NewIndex(cfg QdrantConfig, rows MemoryLoader, logger *zap.Logger) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "memories"
	}
	return &Index{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  collection,
		dimension:   cfg.Dimension,
		rows:        rows,
		logger:      logger,
	}, nil
}

// EnsureCollection creates the collection with cosine distance if it does
// not already exist.
func (x *Index) EnsureCollection(ctx context.Context) error {
	_, err := x.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: x.collection})
	if err == nil {
		return nil
	}
	_, err = x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(x.dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", x.collection, err)
	}
	x.logger.Info("Qdrant collection created",
		zap.String("collection", x.collection), zap.Int("dimension", x.dimension))
	return nil
}

// Upsert writes the embeddings of mems. Memories without an embedding of
// the index dimension are skipped. It returns the number written.
func (x *Index) Upsert(ctx context.Context, mems []*memory.Memory) (int, error) {
	points := make([]*pb.PointStruct, 0, len(mems))
	for _, m := range mems {
		if len(m.Embedding) == 0 || len(m.Embedding) != x.dimension {
			continue
		}
		points = append(points, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(m.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: m.Embedding}}},
			Payload: map[string]*pb.Value{
				"memory_id":   {Kind: &pb.Value_StringValue{StringValue: m.ID}},
				"memory_type": {Kind: &pb.Value_StringValue{StringValue: string(m.Type)}},
			},
		})
	}
	if len(points) == 0 {
		return 0, nil
	}
	wait := true
	_, err := x.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", x.collection, err)
	}
	return len(points), nil
}

// Sync mirrors every embedded memory of src into the collection.
func (x *Index) Sync(ctx context.Context, src memory.Store) error {
	mems, err := src.ListMemories(ctx)
	if err != nil {
		return fmt.Errorf("sync vectors: %w", err)
	}
	n, err := x.Upsert(ctx, mems)
	if err != nil {
		return err
	}
	x.logger.Info("vector index synced",
		zap.String("collection", x.collection),
		zap.Int("points", n),
		zap.Int("skipped", len(mems)-n))
	return nil
}

// SearchSimilar implements memory.VectorSearcher. A query of the wrong
// dimension matches nothing. Hits whose memory row no longer exists are
// dropped.
func (x *Index) SearchSimilar(ctx context.Context, vector []float32, threshold float64, limit int) ([]memory.Match, error) {
	if len(vector) == 0 || len(vector) != x.dimension || limit <= 0 {
		return nil, nil
	}
	minScore := float32(threshold)
	resp, err := x.points.Search(ctx, &pb.SearchPoints{
		CollectionName: x.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		ScoreThreshold: &minScore,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", x.collection, err)
	}

	scores := make(map[string]float64, len(resp.Result))
	ids := make([]string, 0, len(resp.Result))
	for _, r := range resp.Result {
		v, ok := r.Payload["memory_id"]
		if !ok {
			continue
		}
		sv, ok := v.Kind.(*pb.Value_StringValue)
		if !ok {
			continue
		}
		if _, dup := scores[sv.StringValue]; !dup {
			ids = append(ids, sv.StringValue)
		}
		scores[sv.StringValue] = float64(r.Score)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	mems, err := x.rows.GetMemories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load matched memories: %w", err)
	}
	if len(mems) < len(ids) {
		x.logger.Debug("vector index references missing memories",
			zap.Int("hits", len(ids)), zap.Int("loaded", len(mems)))
	}

	matches := make([]memory.Match, 0, len(mems))
	for _, m := range mems {
		matches = append(matches, memory.Match{Memory: m, Similarity: scores[m.ID]})
	}
	return matches, nil
}

// Close tears down the underlying gRPC connection.
func (x *Index) Close() error {
	if x.conn == nil {
		return nil
	}
	return x.conn.Close()
}

var _ memory.VectorSearcher = (*Index)(nil)
