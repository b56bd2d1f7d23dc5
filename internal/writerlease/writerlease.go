// Package writerlease guarantees at most one process holds writer status for
// a ledger at a time.
//
// A Guard must be acquired before any append runs and is checked again
// immediately before each append. Losing the lease is never retried: the
// holder must stop serving writes.
package writerlease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrHeld is returned by Acquire when another process holds the lease.
	ErrHeld = errors.New("writer lease held by another process")
	// ErrLeaseLost is matched by every *LeaseLostError.
	ErrLeaseLost = errors.New("writer lease lost")
	// ErrNotAcquired is wrapped by a *LeaseLostError when Check runs before
	// Acquire succeeded.
	ErrNotAcquired = errors.New("writer lease never acquired")
)

// LeaseLostError reports that the holder no longer owns the lease.
type LeaseLostError struct {
	Holder string
	Err    error
}

func (e *LeaseLostError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("writer lease lost by %s", e.Holder)
	}
	return fmt.Sprintf("writer lease lost by %s: %v", e.Holder, e.Err)
}

func (e *LeaseLostError) Unwrap() error { return e.Err }

// Is reports whether target is ErrLeaseLost.
func (e *LeaseLostError) Is(target error) bool { return target == ErrLeaseLost }

// Guard is a single-writer lease.
type Guard interface {
	// Acquire takes the lease or fails with ErrHeld.
	Acquire(ctx context.Context) error
	// Check confirms the lease is still held, renewing it where the backend
	// expires leases. Any failure is a *LeaseLostError.
	Check(ctx context.Context) error
	// Release gives the lease up. Releasing an unheld lease is a no-op.
	Release(ctx context.Context) error
	// HolderID identifies this process as a lease holder.
	HolderID() string
}

// NewHolderID returns an identity unique to this process instance.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Monitor checks a Guard periodically and reports the first failure.
type Monitor struct {
	guard    Guard
	interval time.Duration
	onLost   func(error)
	logger   *zap.Logger
}

// NewMonitor returns a Monitor that calls onLost exactly once, with the
// *LeaseLostError, when a Check fails.
func NewMonitor(guard Guard, interval time.Duration, onLost func(error), logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{guard: guard, interval: interval, onLost: onLost, logger: logger}
}

// Run blocks until ctx is cancelled or the lease is lost.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.guard.Check(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("writer lease lost",
					zap.String("holder", m.guard.HolderID()),
					zap.Error(err),
				)
				m.onLost(err)
				return
			}
		}
	}
}

func lost(holder string, err error) error {
	var le *LeaseLostError
	if errors.As(err, &le) {
		return err
	}
	return &LeaseLostError{Holder: holder, Err: err}
}
