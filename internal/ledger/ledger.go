// Package ledger defines the governance event record and the append-only
// stores that persist it.
//
// Every store enforces the same contract: events are only ever appended, each
// new event must extend the current tail (sequence = tail+1, prev_hash = tail
// content_hash), and no operation exists to modify or remove a stored event.
// The durable stores back that contract with database triggers so that
// mutation is refused even for callers that bypass this package.
//
// Three implementations are provided:
//   - MemoryStore for tests and single-process deployments
//   - PostgresStore for production deployments
//   - SQLiteStore for embedded single-node deployments
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash of the event at sequence 1: 64 hex zeros.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrNotFound is returned when the requested event does not exist.
	ErrNotFound = errors.New("ledger: event not found")
	// ErrChainConflict is returned when an append does not extend the current tail.
	ErrChainConflict = errors.New("ledger: append does not extend the tail")
	// ErrDuplicate is returned when an event ID or sequence is already stored.
	ErrDuplicate = errors.New("ledger: duplicate event")
	// ErrAppendOnlyViolation is returned when the store refuses an update or delete.
	ErrAppendOnlyViolation = errors.New("ledger: append-only violation")
	// ErrInvalidEvent is returned when a record is missing a required field.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

// Event is one immutable ledger record. Values are copied in and out of
// stores; there are no methods that change a stored event.
type Event struct {
	EventID            uuid.UUID      `json:"event_id"`
	Sequence           uint64         `json:"sequence"`
	EventType          string         `json:"event_type"`
	Payload            map[string]any `json:"payload"`
	PrevHash           string         `json:"prev_hash"`
	ContentHash        string         `json:"content_hash"`
	Signature          string         `json:"signature,omitempty"`
	HashAlgVersion     int            `json:"hash_alg_version"`
	SigAlgVersion      int            `json:"sig_alg_version"`
	AgentID            string         `json:"agent_id,omitempty"`
	WitnessID          string         `json:"witness_id"`
	WitnessSignature   string         `json:"witness_signature"`
	LocalTimestamp     time.Time      `json:"local_timestamp"`
	AuthorityTimestamp time.Time      `json:"authority_timestamp"`
}

// SystemAuthored reports whether the event was written by the system rather
// than an agent.
func (e Event) SystemAuthored() bool { return e.AgentID == "" }

// Reader is the read side of a ledger store.
type Reader interface {
	// Tail returns the highest-sequence event. ok is false for an empty ledger.
	Tail(ctx context.Context) (ev Event, ok bool, err error)
	GetBySequence(ctx context.Context, sequence uint64) (Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (Event, error)
	// Range returns events with from <= sequence <= to in ascending order.
	// A to of zero means "through the tail".
	Range(ctx context.Context, from, to uint64) ([]Event, error)
	Len(ctx context.Context) (uint64, error)
	// FirstOfType returns the lowest-sequence event of the given type.
	FirstOfType(ctx context.Context, eventType string) (ev Event, ok bool, err error)
	// CountOfTypeSince counts events of the given type whose authority
	// timestamp is at or after since.
	CountOfTypeSince(ctx context.Context, eventType string, since time.Time) (int, error)
}

// Store is an append-only ledger.
type Store interface {
	Reader
	// Append durably stores ev. It fails with ErrChainConflict unless ev
	// extends the current tail.
	Append(ctx context.Context, ev Event) error
}

func validate(ev Event) error {
	switch {
	case ev.EventID == uuid.Nil:
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	case ev.Sequence == 0:
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidEvent)
	case ev.EventType == "":
		return fmt.Errorf("%w: missing event_type", ErrInvalidEvent)
	case ev.ContentHash == "":
		return fmt.Errorf("%w: missing content_hash", ErrInvalidEvent)
	case ev.WitnessID == "" || ev.WitnessSignature == "":
		return fmt.Errorf("%w: event %d is not witnessed", ErrInvalidEvent, ev.Sequence)
	}
	return nil
}

// checkExtends verifies that ev may follow the current tail.
func checkExtends(tailSeq uint64, tailHash string, hasTail bool, ev Event) error {
	wantSeq, wantPrev := uint64(1), GenesisHash
	if hasTail {
		wantSeq, wantPrev = tailSeq+1, tailHash
	}
	if ev.Sequence != wantSeq {
		return fmt.Errorf("%w: sequence %d, expected %d", ErrChainConflict, ev.Sequence, wantSeq)
	}
	if ev.PrevHash != wantPrev {
		return fmt.Errorf("%w: prev_hash of sequence %d does not match tail", ErrChainConflict, ev.Sequence)
	}
	return nil
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return clonePayload(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

func cloneEvent(ev Event) Event {
	ev.Payload = clonePayload(ev.Payload)
	return ev
}
