package opsalert

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits at most one send per key and period.
type Limiter interface {
	Allow(ctx context.Context, key string, period time.Duration) (bool, error)
}

// MemoryLimiter keeps send times in process memory.
type MemoryLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{last: map[string]time.Time{}, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, period time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if t, ok := l.last[key]; ok && now.Sub(t) < period {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

// RedisLimiter shares the send window between processes through SETNX.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "opsalert:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, period time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339), period).Result()
}
