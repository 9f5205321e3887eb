package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCooldown is the default minimum delay between two equal actions of one user.
const DefaultCooldown = 10 * time.Second

// ActionLimiter allows one action per user and action name within a cooldown.
type ActionLimiter interface {
	// Allow reports whether user may run action now and, if so, starts the cooldown.
	Allow(ctx context.Context, user, action string) (bool, error)
}

// MemoryLimiter keeps cooldowns in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	last     map[string]time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cooldown time.Duration) *MemoryLimiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &MemoryLimiter{
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Allow implements ActionLimiter.
func (l *MemoryLimiter) Allow(_ context.Context, user, action string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := user + ":" + action
	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.cooldown {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

// RedisLimiter shares cooldowns between instances through Redis keys with a TTL.
type RedisLimiter struct {
	client    *redis.Client
	cooldown  time.Duration
	keyPrefix string
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client *redis.Client, cooldown time.Duration) *RedisLimiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &RedisLimiter{
		client:    client,
		cooldown:  cooldown,
		keyPrefix: "lexsync:admin:cooldown:",
	}
}

// Allow implements ActionLimiter. SETNX with TTL sets the key only for the
// first call within the cooldown.
func (l *RedisLimiter) Allow(ctx context.Context, user, action string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+action+":"+user, "1", l.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("admin: cooldown check: %w", err)
	}
	return ok, nil
}
