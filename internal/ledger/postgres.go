package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/canonical"
)

// appendLockKey serialises concurrent Append calls across connections. The
// value is arbitrary but must be identical for every process sharing a database.
const appendLockKey = int64(1_159_876_543)

// sqlStateAppendOnly is raised by the ledger_reject_mutation trigger.
const sqlStateAppendOnly = "LA001"

const eventColumns = `sequence, event_id, event_type, payload, prev_hash, content_hash,
	signature, hash_alg_version, sig_alg_version, agent_id, witness_id,
	witness_signature, local_timestamp, authority_timestamp`

// PostgresStore persists the ledger in the ledger_events table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool. The
// schema must already be migrated (see MigratePostgres).
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store. The tail check and insert run in one transaction
// holding a transaction-scoped advisory lock.
func (s *PostgresStore) Append(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tailSeq uint64
	var tailHash string
	hasTail := true
	if err := tx.QueryRow(ctx,
		"SELECT sequence, content_hash FROM ledger_events ORDER BY sequence DESC LIMIT 1",
	).Scan(&tailSeq, &tailHash); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read ledger tail: %w", err)
		}
		hasTail = false
	}
	if err := checkExtends(tailSeq, tailHash, hasTail, ev); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.Sequence, ev.EventID, ev.EventType, payload, ev.PrevHash, ev.ContentHash,
		nullable(ev.Signature), ev.HashAlgVersion, ev.SigAlgVersion, nullable(ev.AgentID),
		ev.WitnessID, ev.WitnessSignature, ev.LocalTimestamp, authorityTime(ev),
	); err != nil {
		return fmt.Errorf("insert ledger event %d: %w", ev.Sequence, classifyPgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", classifyPgError(err))
	}

	s.logger.Debug("ledger event appended",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("event_type", ev.EventType),
	)
	return nil
}

// Tail implements Reader.
func (s *PostgresStore) Tail(ctx context.Context) (Event, bool, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("read ledger tail: %w", err)
	}
	return ev, true, nil
}

// GetBySequence implements Reader.
func (s *PostgresStore) GetBySequence(ctx context.Context, sequence uint64) (Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE sequence = $1`, sequence))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, fmt.Errorf("sequence %d: %w", sequence, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get ledger event %d: %w", sequence, err)
	}
	return ev, nil
}

// GetByID implements Reader.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE event_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get ledger event %s: %w", id, err)
	}
	return ev, nil
}

// Range implements Reader.
func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]Event, error) {
	if from == 0 {
		from = 1
	}
	var rows pgx.Rows
	var err error
	if to == 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+eventColumns+` FROM ledger_events WHERE sequence >= $1 ORDER BY sequence ASC`, from)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+eventColumns+` FROM ledger_events WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC`, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Len implements Reader.
func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger events: %w", err)
	}
	return n, nil
}

// FirstOfType implements Reader.
func (s *PostgresStore) FirstOfType(ctx context.Context, eventType string) (Event, bool, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE event_type = $1 ORDER BY sequence ASC LIMIT 1`,
		eventType))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("first %s event: %w", eventType, err)
	}
	return ev, true, nil
}

// CountOfTypeSince implements Reader.
func (s *PostgresStore) CountOfTypeSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_events WHERE event_type = $1 AND authority_timestamp >= $2`,
		eventType, since,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s events: %w", eventType, err)
	}
	return n, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		ev        Event
		payload   []byte
		signature *string
		agentID   *string
	)
	if err := row.Scan(
		&ev.Sequence, &ev.EventID, &ev.EventType, &payload, &ev.PrevHash, &ev.ContentHash,
		&signature, &ev.HashAlgVersion, &ev.SigAlgVersion, &agentID, &ev.WitnessID,
		&ev.WitnessSignature, &ev.LocalTimestamp, &ev.AuthorityTimestamp,
	); err != nil {
		return Event{}, err
	}
	p, err := canonical.DecodePayload(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = p
	ev.Signature = deref(signature)
	ev.AgentID = deref(agentID)
	ev.LocalTimestamp = ev.LocalTimestamp.UTC()
	ev.AuthorityTimestamp = ev.AuthorityTimestamp.UTC()
	return ev, nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateAppendOnly:
		return fmt.Errorf("%w: %s", ErrAppendOnlyViolation, pgErr.Message)
	case "23505":
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func authorityTime(ev Event) time.Time {
	if ev.AuthorityTimestamp.IsZero() {
		return canonical.Truncate(time.Now())
	}
	return ev.AuthorityTimestamp
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
