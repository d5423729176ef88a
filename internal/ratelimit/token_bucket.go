// Package ratelimit gates schedule creation with a Redis-backed token
// bucket, keyed per owner so heavy schedulers cannot crowd out other users.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OwnerKey builds the bucket key used to rate limit schedule creation for
// one owner. Per-owner buckets keep one noisy user from starving the rest.
func OwnerKey(ownerID string) string {
	return "rl:owner:" + ownerID
}

// TokenBucket is a Redis-backed token bucket. The refill math runs inside a
// Lua script so concurrent API instances see one consistent bucket per key.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token from the bucket behind key. It reports whether
// the request may proceed and how many tokens remain afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	nowMs := b.now().UnixMilli()
	res, err := takeTokenScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, nowMs, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	remaining := 0.0
	switch v := res[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		fmt.Sscanf(v, "%f", &remaining)
	case float64:
		remaining = v
	}
	return allowed == 1, remaining, nil
}

// The script stores tokens plus the last refill timestamp in a hash and
// tops the bucket up lazily on each take. Time comes from the caller so
// every instance measures refill against the same clock source it uses
// for scheduling.
var takeTokenScript = redis.NewScript(`
local tokens, last = unpack(redis.call('HMGET', KEYS[1], 'tokens', 'last_ms'))
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

tokens = tonumber(tokens) or capacity
last = tonumber(last) or now_ms

local elapsed_ms = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + elapsed_ms * rate / 1000)

local ok = 0
if tokens >= 1 then
  ok = 1
  tokens = tokens - 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end
return {ok, tostring(tokens)}
`)
