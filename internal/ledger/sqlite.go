package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/jmerrifield20/governance-ledger/internal/canonical"
)

// SQLiteStore persists the ledger in a single SQLite file. Writes are
// serialised through one connection.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the ledger file at path and applies the
// embedded schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB returns the underlying handle so the writer lease and halt flag can live
// in the same file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	migs, err := Migrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migs {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("check %s: %w", m.Name, err)
		}
		if n > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.Name, err)
		}
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var tailSeq uint64
	var tailHash string
	hasTail := true
	if err := tx.QueryRowContext(ctx,
		`SELECT sequence, content_hash FROM ledger_events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&tailSeq, &tailHash); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read ledger tail: %w", err)
		}
		hasTail = false
	}
	if err := checkExtends(tailSeq, tailHash, hasTail, ev); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(ev.Sequence), ev.EventID.String(), ev.EventType, string(payload), ev.PrevHash, ev.ContentHash,
		nullString(ev.Signature), ev.HashAlgVersion, ev.SigAlgVersion, nullString(ev.AgentID),
		ev.WitnessID, ev.WitnessSignature, toMicros(ev.LocalTimestamp), toMicros(authorityTime(ev)),
	); err != nil {
		return fmt.Errorf("insert ledger event %d: %w", ev.Sequence, classifySQLiteError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", classifySQLiteError(err))
	}

	s.logger.Debug("ledger event appended",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("event_type", ev.EventType),
	)
	return nil
}

// Tail implements Reader.
func (s *SQLiteStore) Tail(ctx context.Context) (Event, bool, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("read ledger tail: %w", err)
	}
	return ev, true, nil
}

// GetBySequence implements Reader.
func (s *SQLiteStore) GetBySequence(ctx context.Context, sequence uint64) (Event, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE sequence = ?`, int64(sequence)))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("sequence %d: %w", sequence, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get ledger event %d: %w", sequence, err)
	}
	return ev, nil
}

// GetByID implements Reader.
func (s *SQLiteStore) GetByID(ctx context.Context, id uuid.UUID) (Event, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE event_id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get ledger event %s: %w", id, err)
	}
	return ev, nil
}

// Range implements Reader.
func (s *SQLiteStore) Range(ctx context.Context, from, to uint64) ([]Event, error) {
	if from == 0 {
		from = 1
	}
	upper := int64(-1)
	if to != 0 {
		upper = int64(to)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE sequence >= ? AND (? < 0 OR sequence <= ?)
		 ORDER BY sequence ASC`, int64(from), upper, upper)
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Len implements Reader.
func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger events: %w", err)
	}
	return uint64(n), nil
}

// FirstOfType implements Reader.
func (s *SQLiteStore) FirstOfType(ctx context.Context, eventType string) (Event, bool, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE event_type = ? ORDER BY sequence ASC LIMIT 1`,
		eventType))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("first %s event: %w", eventType, err)
	}
	return ev, true, nil
}

// CountOfTypeSince implements Reader.
func (s *SQLiteStore) CountOfTypeSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_events WHERE event_type = ? AND authority_timestamp >= ?`,
		eventType, toMicros(since),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s events: %w", eventType, err)
	}
	return n, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row sqlScanner) (Event, error) {
	var (
		ev             Event
		seq            int64
		id             string
		payload        string
		signature      sql.NullString
		agentID        sql.NullString
		localMicros    int64
		authorityMicro int64
	)
	if err := row.Scan(
		&seq, &id, &ev.EventType, &payload, &ev.PrevHash, &ev.ContentHash,
		&signature, &ev.HashAlgVersion, &ev.SigAlgVersion, &agentID, &ev.WitnessID,
		&ev.WitnessSignature, &localMicros, &authorityMicro,
	); err != nil {
		return Event{}, err
	}
	eventID, err := uuid.Parse(id)
	if err != nil {
		return Event{}, fmt.Errorf("parse event_id: %w", err)
	}
	p, err := canonical.DecodePayload([]byte(payload))
	if err != nil {
		return Event{}, err
	}
	ev.Sequence = uint64(seq)
	ev.EventID = eventID
	ev.Payload = p
	ev.Signature = signature.String
	ev.AgentID = agentID.String
	ev.LocalTimestamp = time.UnixMicro(localMicros).UTC()
	ev.AuthorityTimestamp = time.UnixMicro(authorityMicro).UTC()
	return ev, nil
}

func classifySQLiteError(err error) error {
	if strings.Contains(err.Error(), "append-only violation") {
		return fmt.Errorf("%w: %v", ErrAppendOnlyViolation, err)
	}
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
