package ledger

import "context"

// ExecRaw runs a statement directly against the SQLite handle, bypassing the
// Store API, and classifies the result the way Append does.
func (s *SQLiteStore) ExecRaw(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

// ExecRaw runs a statement directly against the pool, bypassing the Store API.
func (s *PostgresStore) ExecRaw(ctx context.Context, query string, args ...any) error {
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return classifyPgError(err)
	}
	return nil
}
