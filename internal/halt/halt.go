// Package halt provides the operator-controlled, reversible pause consulted on
// every ledger write. Halting is distinct from termination: a halt can always
// be cleared.
package halt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrSystemHalted is matched by every *SystemHaltedError.
var ErrSystemHalted = errors.New("system halted")

// SystemHaltedError is returned for writes attempted while halted.
type SystemHaltedError struct {
	Reason string
}

func (e *SystemHaltedError) Error() string {
	if e.Reason == "" {
		return "system halted"
	}
	return "system halted: " + e.Reason
}

// Is reports whether target is ErrSystemHalted.
func (e *SystemHaltedError) Is(target error) bool { return target == ErrSystemHalted }

// Guard reports the current halt state.
type Guard interface {
	IsHalted(ctx context.Context) (bool, error)
	HaltReason(ctx context.Context) (reason string, ok bool, err error)
}

// Controller is a Guard that operators can also set and clear.
type Controller interface {
	Guard
	Halt(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
}

// MemoryController keeps halt state in process memory.
type MemoryController struct {
	mu     sync.RWMutex
	halted bool
	reason string
}

// NewMemoryController returns a controller in the running state.
func NewMemoryController() *MemoryController { return &MemoryController{} }

// Halt implements Controller.
func (c *MemoryController) Halt(_ context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted, c.reason = true, reason
	return nil
}

// Resume implements Controller.
func (c *MemoryController) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted, c.reason = false, ""
	return nil
}

// IsHalted implements Guard.
func (c *MemoryController) IsHalted(_ context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted, nil
}

// HaltReason implements Guard.
func (c *MemoryController) HaltReason(_ context.Context) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason, c.halted, nil
}

// DefaultRedisKey is where RedisController stores the halt reason.
const DefaultRedisKey = "ledger:halt"

// RedisController shares halt state between processes through one Redis key
// whose value is the halt reason. The key carries no expiry; only Resume
// clears it.
type RedisController struct {
	client *redis.Client
	key    string
}

// NewRedisController returns a controller using key (DefaultRedisKey when empty).
func NewRedisController(client *redis.Client, key string) *RedisController {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisController{client: client, key: key}
}

// Halt implements Controller.
func (c *RedisController) Halt(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "halted by operator"
	}
	if err := c.client.Set(ctx, c.key, reason, 0).Err(); err != nil {
		return fmt.Errorf("set halt flag: %w", err)
	}
	return nil
}

// Resume implements Controller.
func (c *RedisController) Resume(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("clear halt flag: %w", err)
	}
	return nil
}

// IsHalted implements Guard.
func (c *RedisController) IsHalted(ctx context.Context) (bool, error) {
	n, err := c.client.Exists(ctx, c.key).Result()
	if err != nil {
		return false, fmt.Errorf("read halt flag: %w", err)
	}
	return n > 0, nil
}

// HaltReason implements Guard.
func (c *RedisController) HaltReason(ctx context.Context) (string, bool, error) {
	reason, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read halt reason: %w", err)
	}
	return reason, true, nil
}
