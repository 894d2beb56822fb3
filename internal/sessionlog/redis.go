// Package sessionlog records which memories each session was shown, on one
// Redis stream per session. Writes are best effort; the engine never fails
// a retrieval because of them.
package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/retrieval"
)

const streamPrefix = "recall:surfaced:"

// Stream appends surfaced-memory events to Redis Streams.
type Stream struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// New connects to redisURL. maxLen caps each session stream (approximate
// trimming); zero keeps everything.
func New(ctx context.Context, redisURL string, maxLen int64, logger *zap.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Stream{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

// StreamKey is the stream holding a session's events.
func StreamKey(sessionID string) string {
	return streamPrefix + sessionID
}

// LogSurfaced implements retrieval.SessionLogger.
func (s *Stream) LogSurfaced(ctx context.Context, ev *retrieval.SurfacedEvent) error {
	values, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	stream := StreamKey(ev.SessionID)
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if _, err := s.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	s.logger.Debug("surfaced memories logged",
		zap.String("session", ev.SessionID),
		zap.Int("memories", len(ev.MemoryIDs)))
	return nil
}

// Recent returns up to count of a session's latest events, newest first.
func (s *Stream) Recent(ctx context.Context, sessionID string, count int64) ([]*retrieval.SurfacedEvent, error) {
	stream := StreamKey(sessionID)
	msgs, err := s.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	events := make([]*retrieval.SurfacedEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeEvent(msg.Values)
		if err != nil {
			s.logger.Warn("skipping malformed event", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ping checks connectivity.
func (s *Stream) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (s *Stream) Close() error {
	return s.rdb.Close()
}

func encodeEvent(ev *retrieval.SurfacedEvent) (map[string]interface{}, error) {
	if ev == nil || ev.SessionID == "" {
		return nil, fmt.Errorf("surfaced event without session")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal surfaced event: %w", err)
	}
	return map[string]interface{}{"data": string(data)}, nil
}

func decodeEvent(values map[string]interface{}) (*retrieval.SurfacedEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing data field")
	}
	var ev retrieval.SurfacedEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal surfaced event: %w", err)
	}
	return &ev, nil
}

var _ retrieval.SessionLogger = (*Stream)(nil)
