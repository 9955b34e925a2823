package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"takserver/internal/domain"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "takserver:ratelimit:"

// RedisLimiter enforces the same bucket shape as MemoryLimiter for a fleet
// of servers sharing one Redis. Buckets are stored as a theoretical arrival
// time (GCRA) in milliseconds of the Redis clock.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// KEYS[1] bucket; ARGV[1] limit; ARGV[2] period in ms.
// Returns {allowed, tat, now, retryAt}.
var gcraScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local interval = math.floor(period / limit)
if interval < 1 then interval = 1 end
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then tat = now end
local retry_at = tat + interval - period
if now < retry_at then
  return {0, tat, now, retry_at}
end
tat = tat + interval
redis.call("SET", KEYS[1], tat, "PX", tat - now)
return {1, tat, now, now}
`)

type RedisLimiterConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Now      func() time.Time
}

func NewRedisLimiter(ctx context.Context, cfg RedisLimiterConfig) (*RedisLimiter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLimiter{client: client, prefix: cfg.Prefix, now: cfg.Now}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, period time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	periodMillis := period.Milliseconds()
	if periodMillis <= 0 {
		periodMillis = 1000
	}
	result, err := gcraScript.Run(ctx, r.client, []string{r.prefix + key}, limit, periodMillis).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(result) != 4 {
		return domain.RateLimitDecision{}, errors.New("unexpected redis rate limit response")
	}
	allowed, tat, serverNow, retryAt := result[0] == 1, result[1], result[2], result[3]

	local := r.now()
	if !allowed {
		return domain.RateLimitDecision{
			Allowed: false,
			Limit:   limit,
			ResetAt: local.Add(time.Duration(retryAt-serverNow) * time.Millisecond),
		}, nil
	}
	interval := periodMillis / int64(limit)
	if interval < 1 {
		interval = 1
	}
	remaining := int((periodMillis - (tat - serverNow)) / interval)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > limit {
		remaining = limit
	}
	return domain.RateLimitDecision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   local.Add(time.Duration(tat-serverNow) * time.Millisecond),
	}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
