package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors per-store aggregate counters into redis hashes so stats
// survive a process restart. Keys: rice:telemetry:{store}.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisSink connects to redis at addr and verifies the connection.
func NewRedisSink(ctx context.Context, addr string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisSink{
		client:  client,
		prefix:  "rice:telemetry:",
		timeout: 2 * time.Second,
	}, nil
}

// Mirror increments the store's aggregate counters. Failures log and drop;
// telemetry never fails a query.
func (s *RedisSink) Mirror(rec QueryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := s.prefix + rec.Store
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "total_queries", 1)
	pipe.HIncrByFloat(ctx, key, "latency_ms_sum", rec.LatencyMS)
	pipe.HIncrBy(ctx, key, "intent:"+rec.Intent, 1)
	pipe.HIncrBy(ctx, key, "strategy:"+rec.Strategy, 1)
	if rec.CacheHit {
		pipe.HIncrBy(ctx, key, "cache_hits", 1)
	}
	if rec.RerankUsed {
		pipe.HIncrBy(ctx, key, "rerank_runs", 1)
	} else if rec.RerankSkip != "" {
		pipe.HIncrBy(ctx, key, "rerank_skips", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis telemetry mirror failed",
			slog.String("store", rec.Store),
			slog.String("error", err.Error()))
	}
}

// Load reads back one store's mirrored counters.
func (s *RedisSink) Load(ctx context.Context, store string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.prefix+store).Result()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
