package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. Readers never observe a
// partially appended event. Payloads are deep-copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byID   map[uuid.UUID]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]int)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var tailSeq uint64
	var tailHash string
	if n := len(s.events); n > 0 {
		tailSeq, tailHash = s.events[n-1].Sequence, s.events[n-1].ContentHash
	}
	if err := checkExtends(tailSeq, tailHash, len(s.events) > 0, ev); err != nil {
		return err
	}
	if _, dup := s.byID[ev.EventID]; dup {
		return fmt.Errorf("%w: event_id %s", ErrDuplicate, ev.EventID)
	}

	s.byID[ev.EventID] = len(s.events)
	s.events = append(s.events, cloneEvent(ev))
	return nil
}

// Tail implements Reader.
func (s *MemoryStore) Tail(_ context.Context) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return Event{}, false, nil
	}
	return cloneEvent(s.events[len(s.events)-1]), true, nil
}

// GetBySequence implements Reader.
func (s *MemoryStore) GetBySequence(_ context.Context, sequence uint64) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sequence == 0 || sequence > uint64(len(s.events)) {
		return Event{}, fmt.Errorf("sequence %d: %w", sequence, ErrNotFound)
	}
	return cloneEvent(s.events[sequence-1]), nil
}

// GetByID implements Reader.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return cloneEvent(s.events[i]), nil
}

// Range implements Reader.
func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := uint64(len(s.events))
	if from == 0 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		return nil, nil
	}
	out := make([]Event, 0, to-from+1)
	for _, ev := range s.events[from-1 : to] {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

// Len implements Reader.
func (s *MemoryStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

// FirstOfType implements Reader.
func (s *MemoryStore) FirstOfType(_ context.Context, eventType string) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.EventType == eventType {
			return cloneEvent(ev), true, nil
		}
	}
	return Event{}, false, nil
}

// CountOfTypeSince implements Reader.
func (s *MemoryStore) CountOfTypeSince(_ context.Context, eventType string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if ev.EventType == eventType && !ev.AuthorityTimestamp.Before(since) {
			n++
		}
	}
	return n, nil
}
