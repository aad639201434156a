package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"process-intel/internal/config"
)

// DeadLetter records events the pipeline failed to process, as raw JSON in a
// Redis list, for operational inspection and manual replay.
type DeadLetter struct {
	client *redis.Client
	key    string
}

// NewDeadLetter builds a dead-letter log from config.
func NewDeadLetter(cfg config.Config) *DeadLetter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	key := cfg.DLQName
	if key == "" {
		key = "pipeline:dlq"
	}
	return &DeadLetter{client: client, key: key}
}

// NewDeadLetterWithClient wraps an existing client, mainly for tests.
func NewDeadLetterWithClient(client *redis.Client, key string) *DeadLetter {
	return &DeadLetter{client: client, key: key}
}

// Push appends a failed event to the log.
func (d *DeadLetter) Push(ctx context.Context, payload []byte) error {
	return d.client.RPush(ctx, d.key, payload).Err()
}

// Peek reads the oldest entries without removing them.
func (d *DeadLetter) Peek(ctx context.Context, count int64) ([]string, error) {
	return d.client.LRange(ctx, d.key, 0, count-1).Result()
}
