package writerlease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQLiteGuard is a lease kept in the writer_lease row of a SQLite ledger
// file. Every process opening the same file competes for that row. The
// stored holder is the writer id plus a random token, so two processes
// configured with the same id still exclude each other.
type SQLiteGuard struct {
	db     *sql.DB
	id     string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	token string
}

// NewSQLiteGuard returns a guard over db, which must carry the ledger's
// SQLite migrations.
func NewSQLiteGuard(db *sql.DB, id string, ttl time.Duration, logger *zap.Logger) *SQLiteGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SQLiteGuard{db: db, id: id, ttl: ttl, logger: logger, now: time.Now}
}

// Acquire implements Guard. The row is taken only when it is free, expired
// or already ours.
func (g *SQLiteGuard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	token := g.token
	if token == "" {
		token = g.id + "/" + uuid.NewString()
	}

	now := g.now()
	res, err := g.db.ExecContext(ctx, `
		UPDATE writer_lease SET holder = ?, expires_at = ?
		WHERE id = 1 AND (holder = '' OR holder = ? OR expires_at <= ?)`,
		token, now.Add(g.ttl).UnixMilli(), token, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("claim lease row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim lease row: %w", err)
	}
	if n == 0 {
		return ErrHeld
	}
	g.token = token
	g.logger.Info("writer lease acquired", zap.String("holder", g.id))
	return nil
}

// Check implements Guard. A successful check extends the lease.
func (g *SQLiteGuard) Check(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == "" {
		return lost(g.id, ErrNotAcquired)
	}

	now := g.now()
	res, err := g.db.ExecContext(ctx, `
		UPDATE writer_lease SET expires_at = ?
		WHERE id = 1 AND holder = ? AND expires_at > ?`,
		now.Add(g.ttl).UnixMilli(), g.token, now.UnixMilli())
	if err != nil {
		return lost(g.id, fmt.Errorf("renew lease row: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		g.token = ""
		return lost(g.id, errors.New("lease expired or taken over"))
	}
	return nil
}

// Release implements Guard. A row owned by someone else is left alone.
func (g *SQLiteGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == "" {
		return nil
	}
	_, err := g.db.ExecContext(ctx,
		`UPDATE writer_lease SET holder = '', expires_at = 0 WHERE id = 1 AND holder = ?`, g.token)
	g.token = ""
	if err != nil {
		return fmt.Errorf("release lease row: %w", err)
	}
	return nil
}

// HolderID implements Guard.
func (g *SQLiteGuard) HolderID() string { return g.id }
