package usecase

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/example/frameserver/internal/repository"
)

const (
	counterTotal     = "frames:total"
	counterSucceeded = "frames:succeeded"
	counterFailed    = "frames:failed"
)

// Counter abstracts the Redis operations used by the use case to make testing easier.
type Counter interface {
	Incr(ctx context.Context, key string) error
}

// RedisCounter is a concrete implementation backed by go-redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter constructs a new Redis-backed counter adapter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments key by one.
func (c *RedisCounter) Incr(ctx context.Context, key string) error {
	return c.client.Incr(ctx, key).Err()
}

// Shutdown closes the Redis client.
func (c *RedisCounter) Shutdown() error {
	return c.client.Close()
}

// NopCounter discards every increment.
type NopCounter struct{}

func (NopCounter) Incr(context.Context, string) error { return nil }

// NopJournal is used when no database is configured.
type NopJournal struct{}

func (NopJournal) SaveLog(context.Context, *repository.FrameLog) error { return nil }

func (NopJournal) AggregateMetrics(context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}
