package writerlease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisKey is the key writers compete for.
const DefaultRedisKey = "ledger:writer-lease"

// renewScript extends the lease only when the caller's token still owns it.
// KEYS[1] = lease key, ARGV[1] = token, ARGV[2] = ttl in milliseconds
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only when the caller's token still owns it.
// KEYS[1] = lease key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a lease stored as a Redis key with a TTL. The value is a
// random token so that only the holder can renew or release it.
type RedisGuard struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	token string
}

// NewRedisGuard returns a guard for key (DefaultRedisKey when empty).
func NewRedisGuard(client *redis.Client, key, id string, ttl time.Duration, logger *zap.Logger) *RedisGuard {
	if key == "" {
		key = DefaultRedisKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{client: client, key: key, id: id, ttl: ttl, logger: logger}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" {
		return nil
	}
	token := g.id + "/" + uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("set lease key: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	g.token = token
	g.logger.Info("writer lease acquired", zap.String("holder", g.id), zap.String("key", g.key))
	return nil
}

// Check implements Guard. A successful check extends the lease by its TTL.
func (g *RedisGuard) Check(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == "" {
		return lost(g.id, ErrNotAcquired)
	}
	n, err := renewScript.Run(ctx, g.client, []string{g.key}, g.token, g.ttl.Milliseconds()).Int()
	if err != nil {
		return lost(g.id, fmt.Errorf("renew lease: %w", err))
	}
	if n == 0 {
		g.token = ""
		return lost(g.id, errors.New("lease expired or taken over"))
	}
	return nil
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, g.client, []string{g.key}, g.token).Err()
	g.token = ""
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// HolderID implements Guard.
func (g *RedisGuard) HolderID() string { return g.id }
