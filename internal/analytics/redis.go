package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/karakuri/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisSink increments one counter per origin, outcome and hour bucket.
type RedisSink struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisSink(client *redis.Client, prefix string, retention time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "karakuri"
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisSink{client: client, prefix: prefix, retention: retention}
}

// NewRedisSinkFromConfig connects to the configured Redis and checks it
// answers within the context deadline.
func NewRedisSinkFromConfig(ctx context.Context, cfg config.AnalyticsConfig) (*RedisSink, error) {
	ttl, err := config.DurationOrDefault(cfg.TTL, config.DefaultAnalyticsTTL)
	if err != nil {
		return nil, fmt.Errorf("parse analytics ttl: %w", err)
	}
	addr := cfg.RedisAddr
	if addr == "" {
		addr = config.DefaultAnalyticsRedisAddr
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB, Password: cfg.Password})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisSink(client, cfg.KeyPrefix, ttl), nil
}

func (s *RedisSink) RecordTrigger(ctx context.Context, t Trigger) error {
	return s.incr(ctx, s.key(t.ConversationID, t.Kind, t.ID, t.Outcome, t.At))
}

// RecordRejection counts under a "rejected:" outcome so rejections never mix
// with task outcomes.
func (s *RedisSink) RecordRejection(ctx context.Context, t Trigger) error {
	return s.incr(ctx, s.key(t.ConversationID, t.Kind, t.ID, "rejected:"+t.Outcome, t.At))
}

func (s *RedisSink) incr(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads the counter for one origin, outcome and hour.
func (s *RedisSink) Count(ctx context.Context, conversationID string, kind Kind, id, outcome string, hour time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.key(conversationID, kind, id, outcome, hour)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) key(conversationID string, kind Kind, id, outcome string, at time.Time) string {
	return fmt.Sprintf("%s:c:%s:%s:%s:%s:%s", s.prefix, conversationID, kind, id, outcome, hourBucket(at))
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
