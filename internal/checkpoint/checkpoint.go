// Package checkpoint records anchors: (sequence, content_hash) pairs that pin
// the ledger's history as it stood at a point in time. Startup verification
// checks that the ledger still contains every anchor it was given.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/governance-ledger/internal/canonical"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

var (
	// ErrMismatch is returned when the ledger disagrees with an anchor.
	ErrMismatch = errors.New("checkpoint mismatch")
	// ErrEmptyLedger is returned by Create when there is nothing to anchor.
	ErrEmptyLedger = errors.New("cannot anchor an empty ledger")
)

// Anchor pins the content hash of one ledger sequence.
type Anchor struct {
	Sequence    uint64    `json:"sequence"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists anchors.
type Store interface {
	// Latest returns the highest-sequence anchor. ok is false when none exist.
	Latest(ctx context.Context) (a Anchor, ok bool, err error)
	Save(ctx context.Context, a Anchor) error
}

// Create anchors the current ledger tail.
func Create(ctx context.Context, r ledger.Reader, s Store) (Anchor, error) {
	tail, ok, err := r.Tail(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("read ledger tail: %w", err)
	}
	if !ok {
		return Anchor{}, ErrEmptyLedger
	}
	a := Anchor{Sequence: tail.Sequence, ContentHash: tail.ContentHash, CreatedAt: canonical.Truncate(time.Now())}
	if err := s.Save(ctx, a); err != nil {
		return Anchor{}, fmt.Errorf("save anchor: %w", err)
	}
	return a, nil
}

// Verify checks that the ledger event at a.Sequence still carries a.ContentHash.
func Verify(ctx context.Context, r ledger.Reader, a Anchor) error {
	ev, err := r.GetBySequence(ctx, a.Sequence)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: anchored sequence %d is missing", ErrMismatch, a.Sequence)
	}
	if err != nil {
		return fmt.Errorf("read anchored sequence %d: %w", a.Sequence, err)
	}
	if ev.ContentHash != a.ContentHash {
		return fmt.Errorf("%w: sequence %d content_hash differs from anchor", ErrMismatch, a.Sequence)
	}
	return nil
}

// MemoryStore keeps anchors in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	anchors []Anchor
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, a Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = append(s.anchors, a)
	return nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context) (Anchor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best Anchor
	found := false
	for _, a := range s.anchors {
		if !found || a.Sequence > best.Sequence {
			best, found = a, true
		}
	}
	return best, found, nil
}

// PostgresStore keeps anchors in the append-only ledger_checkpoints table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a PostgresStore using pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, a Anchor) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (sequence, content_hash, created_at) VALUES ($1, $2, $3)`,
		a.Sequence, a.ContentHash, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context) (Anchor, bool, error) {
	var a Anchor
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, content_hash, created_at FROM ledger_checkpoints
		 ORDER BY sequence DESC, id DESC LIMIT 1`,
	).Scan(&a.Sequence, &a.ContentHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Anchor{}, false, nil
	}
	if err != nil {
		return Anchor{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, true, nil
}
