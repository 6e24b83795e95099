package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RedisCache is a Cache backed by a shared Redis, so an invalidation on one
// gateway instance is immediately visible to all others.
type RedisCache struct {
	client redis.UniversalClient
	tracer oteltrace.Tracer
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		client: client,
		tracer: otel.Tracer("avdatagw/cache"),
	}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "cache.get",
		oteltrace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cache get: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return value, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "cache.set",
		oteltrace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := c.tracer.Start(ctx, "cache.delete",
		oteltrace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeleteScope implements Cache. Keys are walked with SCAN to keep Redis
// responsive on large keyspaces.
func (c *RedisCache) DeleteScope(ctx context.Context, kind Kind, tenantScope string) error {
	ctx, span := c.tracer.Start(ctx, "cache.delete_scope",
		oteltrace.WithAttributes(attribute.String("cache.scope", tenantScope)))
	defer span.End()

	pattern := scopePrefix(kind, tenantScope) + "*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("cache delete scope: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache scan: %w", err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
