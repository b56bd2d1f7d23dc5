package writerlease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryArbiter hands out one in-process lease with a time-to-live. Guards
// sharing an arbiter compete for the same lease.
type MemoryArbiter struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	now     func() time.Time
}

// NewMemoryArbiter returns an arbiter with no holder.
func NewMemoryArbiter() *MemoryArbiter {
	return &MemoryArbiter{now: time.Now}
}

// Holder returns the current holder, or "" when the lease is free or expired.
func (a *MemoryArbiter) Holder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == "" || !a.now().Before(a.expires) {
		return ""
	}
	return a.holder
}

// Revoke clears the lease regardless of holder.
func (a *MemoryArbiter) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holder = ""
}

// SetClock replaces the arbiter's time source.
func (a *MemoryArbiter) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *MemoryArbiter) acquire(id string, ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if a.holder != "" && a.holder != id && now.Before(a.expires) {
		return false
	}
	a.holder, a.expires = id, now.Add(ttl)
	return true
}

func (a *MemoryArbiter) renew(id string, ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if a.holder != id || !now.Before(a.expires) {
		return false
	}
	a.expires = now.Add(ttl)
	return true
}

func (a *MemoryArbiter) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == id {
		a.holder = ""
	}
}

// MemoryGuard is a Guard backed by a MemoryArbiter.
type MemoryGuard struct {
	arbiter *MemoryArbiter
	id      string
	ttl     time.Duration

	mu       sync.Mutex
	acquired bool
}

// NewMemoryGuard returns a guard competing for arbiter's lease as id.
func NewMemoryGuard(arbiter *MemoryArbiter, id string, ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryGuard{arbiter: arbiter, id: id, ttl: ttl}
}

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(_ context.Context) error {
	if !g.arbiter.acquire(g.id, g.ttl) {
		return ErrHeld
	}
	g.mu.Lock()
	g.acquired = true
	g.mu.Unlock()
	return nil
}

// Check implements Guard.
func (g *MemoryGuard) Check(_ context.Context) error {
	g.mu.Lock()
	acquired := g.acquired
	g.mu.Unlock()
	if !acquired {
		return lost(g.id, ErrNotAcquired)
	}
	if !g.arbiter.renew(g.id, g.ttl) {
		return lost(g.id, errors.New("lease expired or taken over"))
	}
	return nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquired {
		g.arbiter.release(g.id)
		g.acquired = false
	}
	return nil
}

// HolderID implements Guard.
func (g *MemoryGuard) HolderID() string { return g.id }
