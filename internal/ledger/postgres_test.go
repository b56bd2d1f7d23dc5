package ledger_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

// newPostgresStore migrates a throwaway schema in the database named by
// LEDGER_TEST_DATABASE_URL. The test is skipped when it is unset.
func newPostgresStore(t *testing.T) *ledger.PostgresStore {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	schema := "ledger_test_" + uuid.NewString()[:8]
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(admin.Close)
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(ctx, fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if _, err := ledger.MigratePostgres(ctx, pool, zap.NewNop()); err != nil {
		t.Fatalf("MigratePostgres: %v", err)
	}
	return ledger.NewPostgresStore(pool, zap.NewNop())
}

func TestPostgresStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) ledger.Store { return newPostgresStore(t) })
}

func TestPostgresStore_refusesMutation(t *testing.T) {
	s := newPostgresStore(t)
	appendN(t, s, 2, "vote.cast")

	for _, q := range []string{
		`UPDATE ledger_events SET event_type = 'vote.revoked' WHERE sequence = 1`,
		`DELETE FROM ledger_events WHERE sequence = 2`,
		`TRUNCATE ledger_events`,
	} {
		if err := s.ExecRaw(ctx, q); !errors.Is(err, ledger.ErrAppendOnlyViolation) {
			t.Errorf("%s: expected ErrAppendOnlyViolation, got %v", q, err)
		}
	}
	if n, _ := s.Len(ctx); n != 2 {
		t.Errorf("Len = %d after refused mutations, want 2", n)
	}
}
