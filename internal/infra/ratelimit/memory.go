package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"takserver/internal/domain"

	"golang.org/x/time/rate"
)

var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

// MemoryLimiter keeps one token bucket per client key. A bucket holds
// limit tokens and refills completely over one period.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*clientBucket
	maxKeys int
}

type clientBucket struct {
	lim      *rate.Limiter
	period   time.Duration
	lastSeen time.Time
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &MemoryLimiter{
		now:     cfg.Now,
		buckets: make(map[string]*clientBucket),
		maxKeys: cfg.MaxKeys,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, period time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if period <= 0 {
		period = time.Second
	}
	refill := rate.Limit(float64(limit) / period.Seconds())
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= m.maxKeys {
			m.evictIdle(now)
		}
		if len(m.buckets) >= m.maxKeys {
			return domain.RateLimitDecision{}, ErrCapacityExceeded
		}
		b = &clientBucket{lim: rate.NewLimiter(refill, limit), period: period}
		m.buckets[key] = b
	} else if b.lim.Burst() != limit || b.lim.Limit() != refill {
		b.lim.SetLimitAt(now, refill)
		b.lim.SetBurstAt(now, limit)
		b.period = period
	}
	b.lastSeen = now

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	// A denied caller waits for one token; an admitted one sees when the
	// bucket is full again.
	missing := float64(limit) - tokens
	if !allowed {
		missing = 1 - tokens
	}
	return domain.RateLimitDecision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(refillDuration(missing, refill)),
	}, nil
}

// evictIdle drops buckets untouched for a full period. Those have refilled
// and are indistinguishable from a fresh bucket.
func (m *MemoryLimiter) evictIdle(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) >= b.period {
			delete(m.buckets, key)
		}
	}
}

func refillDuration(tokens float64, r rate.Limit) time.Duration {
	if tokens <= 0 || r <= 0 {
		return 0
	}
	return time.Duration(tokens / float64(r) * float64(time.Second))
}
