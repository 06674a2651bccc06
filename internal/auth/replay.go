package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplayed is returned when a signed request has already been accepted.
var ErrReplayed = errors.New("auth: request already used")

// ReplayGuard remembers accepted requests so each signature is honoured once.
type ReplayGuard interface {
	// Claim records key for ttl and reports whether it was not already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisReplayGuard shares seen requests across instances with SETNX.
type RedisReplayGuard struct {
	rdb *redis.Client
}

func NewRedisReplayGuard(rdb *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, "auth:seen:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay claim: %w", err)
	}
	return ok, nil
}

// MemoryReplayGuard keeps seen requests in process. Expired keys are pruned
// on each claim.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the time source used for expiry.
func (g *MemoryReplayGuard) WithClock(now func() time.Time) *MemoryReplayGuard {
	g.now = now
	return g
}

func (g *MemoryReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, held := g.seen[key]; held {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

var (
	_ ReplayGuard = (*RedisReplayGuard)(nil)
	_ ReplayGuard = (*MemoryReplayGuard)(nil)
)
