package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript implements the token bucket atomically server-side so
// concurrent replicas never double-spend. State is a hash of the token
// count and the last refill timestamp in milliseconds; the key expires
// once the bucket would have fully refilled anyway.
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now_ms = tonumber(ARGV[5])
local ttl_ms = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

local max_intervals = math.floor(capacity / refill_rate) + 1
local intervals = math.floor((now_ms - last_refill) / interval_ms)
if intervals > max_intervals then
  intervals = max_intervals
end
if intervals > 0 then
  tokens = math.min(tokens + intervals * refill_rate, capacity)
  last_refill = now_ms
end

tokens = tokens - requested
redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last_refill)
redis.call('PEXPIRE', KEYS[1], ttl_ms)
return {tokens, last_refill + interval_ms}
`)

// RedisStore keeps bucket state in Redis so all replicas of the API share
// one bucket per key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the storage key prefix.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store. Panics on a nil client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	if client == nil {
		panic("ratelimit: redis client is required")
	}

	s := &RedisStore{client: client, prefix: "ratelimit:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConsumeTokens runs the bucket script for the key.
func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	now := time.Now()
	// Keep state around long enough for a drained bucket to fully recover.
	ttl := config.RefillInterval * time.Duration(config.Capacity/config.RefillRate+2)

	res, err := consumeScript.Run(ctx, s.client, []string{s.prefix + key},
		config.Capacity,
		config.RefillRate,
		config.RefillInterval.Milliseconds(),
		tokens,
		now.UnixMilli(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, errors.Join(ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script result", ErrStoreUnavailable)
	}

	return int(res[0]), time.UnixMilli(res[1]), nil
}

// Reset removes the bucket for the key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
