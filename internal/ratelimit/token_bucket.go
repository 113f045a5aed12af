// Package ratelimit throttles mutating API calls per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter consumes one token for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key scopes a bucket to one tenant and route.
func Key(tenantID, route string) string {
	return "bea:" + tenantID + ":ratelimit:" + route
}

// TokenBucket is a distributed token bucket backed by a Redis Lua script.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

var _ Limiter = (*TokenBucket)(nil)

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a token for key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := b.Take(ctx, key)
	return allowed, err
}

// Take is Allow that also reports the tokens left in the bucket.
func (b *TokenBucket) Take(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run token bucket script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket script returned %T", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// The bucket state is returned as a string so fractional tokens survive
// Redis' integer conversion of Lua numbers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)

// Local keeps one x/time/rate limiter per key in process. It serves
// deployments whose queue is not Redis.
type Local struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

var _ Limiter = (*Local)(nil)

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		limit:    rate.Limit(refillPerSecond),
		burst:    capacity,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (l *Local) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	return l.limiter(key).AllowN(l.now(), 1), nil
}
