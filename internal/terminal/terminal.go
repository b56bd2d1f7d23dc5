// Package terminal derives from the ledger itself whether the system has
// permanently terminated.
//
// The ledger is terminated once any event of the terminal type has been
// durably appended. The Guard memoizes a positive answer for the lifetime of
// the process; a negative answer is never cached, so the truth is always
// re-derived from storage. Nothing in this package can clear termination.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

// PayloadExecutedAt is the payload field carrying the time the terminal
// action took effect.
const PayloadExecutedAt = "executed_at"

// InvariantTerminalPermanence names the invariant a post-termination write
// would violate.
const InvariantTerminalPermanence = "ledger.terminal-state-permanence"

// ErrIrreversible is matched by every *SchemaIrreversibilityError.
var ErrIrreversible = errors.New("schema irreversibility violation")

// SchemaIrreversibilityError is returned for any write attempted after
// termination.
type SchemaIrreversibilityError struct {
	Invariant        string
	AttemptedType    string
	TerminalSequence uint64
	TerminatedAt     time.Time
}

func (e *SchemaIrreversibilityError) Error() string {
	return fmt.Sprintf("write of %q rejected: ledger terminated at sequence %d (%s); invariant %s",
		e.AttemptedType, e.TerminalSequence, e.TerminatedAt.Format(time.RFC3339), e.Invariant)
}

// Is reports whether target is ErrIrreversible.
func (e *SchemaIrreversibilityError) Is(target error) bool { return target == ErrIrreversible }

// Finder is the ledger query the Guard depends on.
type Finder interface {
	FirstOfType(ctx context.Context, eventType string) (ledger.Event, bool, error)
}

// Guard answers termination queries against a ledger.
type Guard struct {
	finder       Finder
	terminalType string
	logger       *zap.Logger

	mu     sync.RWMutex
	cached *ledger.Event
}

// NewGuard returns a Guard for the standard terminal event type.
func NewGuard(finder Finder, logger *zap.Logger) *Guard {
	return &Guard{finder: finder, terminalType: eventtype.Terminal, logger: logger}
}

// TerminalType returns the event type that terminates the ledger.
func (g *Guard) TerminalType() string { return g.terminalType }

// IsTerminated reports whether a terminal event exists in the ledger.
func (g *Guard) IsTerminated(ctx context.Context) (bool, error) {
	_, ok, err := g.TerminalEvent(ctx)
	return ok, err
}

// TerminalEvent returns the first terminal event, if any.
func (g *Guard) TerminalEvent(ctx context.Context) (ledger.Event, bool, error) {
	g.mu.RLock()
	cached := g.cached
	g.mu.RUnlock()
	if cached != nil {
		return *cached, true, nil
	}

	ev, ok, err := g.finder.FirstOfType(ctx, g.terminalType)
	if err != nil {
		return ledger.Event{}, false, fmt.Errorf("query terminal event: %w", err)
	}
	if !ok {
		return ledger.Event{}, false, nil
	}
	g.remember(ev)
	return ev, true, nil
}

// TerminationTime returns when the terminal action took effect: the
// executed_at payload field when present and parseable, otherwise the
// terminal event's local timestamp.
func (g *Guard) TerminationTime(ctx context.Context) (time.Time, bool, error) {
	ev, ok, err := g.TerminalEvent(ctx)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return terminationTime(ev), true, nil
}

// Observe records a terminal event the caller has just durably appended.
// Events of any other type are ignored.
func (g *Guard) Observe(ev ledger.Event) {
	if ev.EventType != g.terminalType {
		return
	}
	g.remember(ev)
}

// Violation builds the error returned for a write of attemptedType after
// termination.
func (g *Guard) Violation(ev ledger.Event, attemptedType string) *SchemaIrreversibilityError {
	return &SchemaIrreversibilityError{
		Invariant:        InvariantTerminalPermanence,
		AttemptedType:    attemptedType,
		TerminalSequence: ev.Sequence,
		TerminatedAt:     terminationTime(ev),
	}
}

func (g *Guard) remember(ev ledger.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached != nil {
		return
	}
	g.cached = &ev
	g.logger.Info("ledger terminated",
		zap.Uint64("sequence", ev.Sequence),
		zap.Time("terminated_at", terminationTime(ev)),
	)
}

func terminationTime(ev ledger.Event) time.Time {
	if raw, ok := ev.Payload[PayloadExecutedAt].(string); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000000Z"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC()
			}
		}
	}
	return ev.LocalTimestamp
}
