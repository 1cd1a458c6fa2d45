package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimitPolicy shapes the per-actor request budget.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// LimiterStore answers whether an actor may spend cost tokens right now.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error)
}

// InMemoryLimiterStore is a per-process token bucket keyed by actor, for
// tests and single-instance deployments.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewInMemoryLimiterStore creates an empty in-memory limiter store.
func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[actorID]
	if !ok {
		rps := rate.Limit(float64(policy.RPM) / 60.0)
		if rps <= 0 {
			rps = 1
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rps, burst)
		s.limiters[actorID] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore implements LimiterStore using Redis, for deployments
// with more than one API instance.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore creates a new store backed by Redis.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiterStore{client: rdb}
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	key := fmt.Sprintf("limiter:%s", actorID)

	rps := float64(policy.RPM) / 60.0
	if rps <= 0 {
		rps = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, rps, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, nil
}
