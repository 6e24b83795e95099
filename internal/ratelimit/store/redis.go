package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript maintains one sorted set per key, scored by request
// time in microseconds. Prune, count and admit happen in a single atomic
// round trip, so concurrent instances never over-admit. When the request is
// rejected the script returns the wait until the oldest entry expires, which
// gives callers an exact Retry-After instead of a full window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000))
	return {1, count + 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
	retry = (tonumber(oldest[2]) + window) - now
	if retry < 0 then
		retry = 0
	end
end
return {0, count, retry}
`)

// RedisStore is a Store backed by a shared Redis, giving all gateway
// instances one view of each tenant's window.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed sliding window store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Slide implements Store.
func (s *RedisStore) Slide(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	now := time.Now().UnixMicro()
	raw, err := slidingWindowScript.Run(ctx, s.client,
		[]string{key},
		now,
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("sliding window script: unexpected reply %T", raw)
	}

	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	retryMicros, _ := values[2].(int64)

	return Decision{
		Allowed:    allowed == 1,
		Count:      count,
		RetryAfter: time.Duration(retryMicros) * time.Microsecond,
	}, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
