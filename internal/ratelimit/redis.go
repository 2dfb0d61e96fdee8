package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix    = "keyward:rl:"
	defaultRedisTimeout = 100 * time.Millisecond
)

// slidingWindow prunes, counts, conditionally inserts and reads the oldest
// entry in one round trip. Scores are unix milliseconds.
//
// KEYS[1] window key
// ARGV[1] now, ARGV[2] window, ARGV[3] limit, ARGV[4] unique member
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = -1
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisLimiter stores windows as sorted sets in redis so every replica sees
// the same counts. Timestamps come from this process's clock.
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	clock   Clock
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisClock replaces time.Now.
func WithRedisClock(c Clock) RedisOption {
	return func(r *RedisLimiter) { r.clock = c }
}

// WithKeyPrefix namespaces window keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) { r.prefix = prefix }
}

// NewRedis wraps an existing client. Each call is bounded by timeout; zero
// uses 100ms.
func NewRedis(client redis.UniversalClient, timeout time.Duration, opts ...RedisOption) *RedisLimiter {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	r := &RedisLimiter{
		client:  client,
		prefix:  defaultKeyPrefix,
		timeout: timeout,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (Result, error) {
	if !limit.Valid() {
		return Result{Allowed: true, Limit: limit.Requests}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.clock()
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	raw, err := slidingWindow.Run(ctx, r.client,
		[]string{r.prefix + key},
		nowMs, limit.Window.Milliseconds(), limit.Requests, member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, errors.New("redis sliding window: unexpected reply")
	}

	var oldest time.Time
	if raw[2] >= 0 {
		oldest = time.UnixMilli(raw[2])
	}
	return buildResult(raw[0] == 1, int(raw[1]), oldest, now, limit), nil
}

// Ping checks that redis is reachable within the call timeout.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Backend implements Limiter.
func (r *RedisLimiter) Backend() string { return BackendRedis }

// Close closes the redis client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
