package halt

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLiteController keeps the halt flag in the ledger_halt row of a SQLite
// ledger file, so every process opening that file sees the same state.
type SQLiteController struct {
	db *sql.DB
}

// NewSQLiteController returns a controller over db. The ledger_halt table
// is created by the ledger's SQLite migrations.
func NewSQLiteController(db *sql.DB) *SQLiteController {
	return &SQLiteController{db: db}
}

// Halt implements Controller.
func (c *SQLiteController) Halt(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "halted by operator"
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE ledger_halt SET halted = 1, reason = ? WHERE id = 1`, reason); err != nil {
		return fmt.Errorf("set halt flag: %w", err)
	}
	return nil
}

// Resume implements Controller.
func (c *SQLiteController) Resume(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `UPDATE ledger_halt SET halted = 0, reason = '' WHERE id = 1`); err != nil {
		return fmt.Errorf("clear halt flag: %w", err)
	}
	return nil
}

// IsHalted implements Guard.
func (c *SQLiteController) IsHalted(ctx context.Context) (bool, error) {
	_, ok, err := c.HaltReason(ctx)
	return ok, err
}

// HaltReason implements Guard.
func (c *SQLiteController) HaltReason(ctx context.Context) (string, bool, error) {
	var (
		halted bool
		reason string
	)
	err := c.db.QueryRowContext(ctx, `SELECT halted, reason FROM ledger_halt WHERE id = 1`).Scan(&halted, &reason)
	if err != nil {
		return "", false, fmt.Errorf("read halt flag: %w", err)
	}
	if !halted {
		return "", false, nil
	}
	return reason, true, nil
}

// PostgresController keeps the halt flag in the ledger_halt row of the
// ledger database.
type PostgresController struct {
	pool *pgxpool.Pool
}

// NewPostgresController returns a controller over pool. The ledger_halt
// table is created by the ledger's Postgres migrations.
func NewPostgresController(pool *pgxpool.Pool) *PostgresController {
	return &PostgresController{pool: pool}
}

// Halt implements Controller.
func (c *PostgresController) Halt(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "halted by operator"
	}
	if _, err := c.pool.Exec(ctx,
		`UPDATE ledger_halt SET halted = true, reason = $1, updated_at = now() WHERE id = 1`, reason); err != nil {
		return fmt.Errorf("set halt flag: %w", err)
	}
	return nil
}

// Resume implements Controller.
func (c *PostgresController) Resume(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx,
		`UPDATE ledger_halt SET halted = false, reason = '', updated_at = now() WHERE id = 1`); err != nil {
		return fmt.Errorf("clear halt flag: %w", err)
	}
	return nil
}

// IsHalted implements Guard.
func (c *PostgresController) IsHalted(ctx context.Context) (bool, error) {
	_, ok, err := c.HaltReason(ctx)
	return ok, err
}

// HaltReason implements Guard.
func (c *PostgresController) HaltReason(ctx context.Context) (string, bool, error) {
	var (
		halted bool
		reason string
	)
	err := c.pool.QueryRow(ctx, `SELECT halted, reason FROM ledger_halt WHERE id = 1`).Scan(&halted, &reason)
	if err != nil {
		return "", false, fmt.Errorf("read halt flag: %w", err)
	}
	if !halted {
		return "", false, nil
	}
	return reason, true, nil
}
