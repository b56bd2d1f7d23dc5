package writerlease

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultAdvisoryKey is the session advisory lock key writers compete for.
// It differs from the key that serialises individual appends.
const DefaultAdvisoryKey = int64(1_159_876_544)

// PostgresGuard holds a session-level advisory lock on a dedicated pooled
// connection. The lock lives exactly as long as that backend session, so a
// crashed holder releases it automatically.
type PostgresGuard struct {
	pool   *pgxpool.Pool
	key    int64
	id     string
	logger *zap.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewPostgresGuard returns a guard for the advisory lock key.
func NewPostgresGuard(pool *pgxpool.Pool, key int64, id string, logger *zap.Logger) *PostgresGuard {
	return &PostgresGuard{pool: pool, key: key, id: id, logger: logger}
}

// Acquire implements Guard.
func (g *PostgresGuard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return nil
	}

	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", g.key).Scan(&ok); err != nil {
		conn.Release()
		return fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return ErrHeld
	}
	g.conn = conn
	g.logger.Info("writer lease acquired", zap.String("holder", g.id), zap.Int64("key", g.key))
	return nil
}

// Check implements Guard. It confirms through pg_locks that this backend
// still holds the lock.
func (g *PostgresGuard) Check(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return lost(g.id, ErrNotAcquired)
	}

	// A bigint advisory key is split across classid (high 32 bits) and
	// objid (low 32 bits) with objsubid 1.
	var held bool
	err := g.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND pid = pg_backend_pid()
			  AND classid::bigint = $1
			  AND objid::bigint = $2
			  AND objsubid = 1
			  AND granted
		)`, int64(uint32(g.key>>32)), int64(uint32(g.key)),
	).Scan(&held)
	if err != nil {
		g.drop()
		return lost(g.id, fmt.Errorf("lease session unusable: %w", err))
	}
	if !held {
		g.drop()
		return lost(g.id, errors.New("advisory lock no longer held"))
	}
	return nil
}

// Release implements Guard.
func (g *PostgresGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	_, err := g.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", g.key)
	g.conn.Release()
	g.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// HolderID implements Guard.
func (g *PostgresGuard) HolderID() string { return g.id }

// drop closes the session so the lock, if somehow still held, is released
// by the server.
func (g *PostgresGuard) drop() {
	if g.conn == nil {
		return
	}
	_ = g.conn.Conn().Close(context.Background())
	g.conn.Release()
	g.conn = nil
}
