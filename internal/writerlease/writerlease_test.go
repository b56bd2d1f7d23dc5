package writerlease_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

var ctx = context.Background()

func TestMemoryGuard_exclusive(t *testing.T) {
	arb := writerlease.NewMemoryArbiter()
	a := writerlease.NewMemoryGuard(arb, "a", time.Minute)
	b := writerlease.NewMemoryGuard(arb, "b", time.Minute)

	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, writerlease.ErrHeld) {
		t.Errorf("second Acquire = %v, want ErrHeld", err)
	}
	if err := a.Check(ctx); err != nil {
		t.Errorf("holder Check: %v", err)
	}
	if err := b.Check(ctx); !errors.Is(err, writerlease.ErrLeaseLost) || !errors.Is(err, writerlease.ErrNotAcquired) {
		t.Errorf("non-holder Check = %v", err)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestMemoryGuard_concurrentAcquireExactlyOne(t *testing.T) {
	arb := writerlease.NewMemoryArbiter()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := writerlease.NewMemoryGuard(arb, fmt.Sprintf("w%d", i), time.Minute)
			if err := g.Acquire(ctx); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, writerlease.ErrHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d writers acquired the lease, want exactly 1", wins.Load())
	}
}

func TestMemoryGuard_lostOnRevokeAndExpiry(t *testing.T) {
	arb := writerlease.NewMemoryArbiter()
	g := writerlease.NewMemoryGuard(arb, "a", time.Minute)
	if err := g.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	arb.Revoke()
	var le *writerlease.LeaseLostError
	if err := g.Check(ctx); !errors.As(err, &le) || le.Holder != "a" {
		t.Errorf("Check after revoke = %v", err)
	}

	now := time.Now()
	arb2 := writerlease.NewMemoryArbiter()
	arb2.SetClock(func() time.Time { return now })
	g2 := writerlease.NewMemoryGuard(arb2, "a", time.Second)
	if err := g2.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if err := g2.Check(ctx); !errors.Is(err, writerlease.ErrLeaseLost) {
		t.Errorf("Check after expiry = %v", err)
	}
	other := writerlease.NewMemoryGuard(arb2, "b", time.Second)
	if err := other.Acquire(ctx); err != nil {
		t.Errorf("expired lease should be acquirable: %v", err)
	}
}

func TestMonitor_firesOnce(t *testing.T) {
	arb := writerlease.NewMemoryArbiter()
	g := writerlease.NewMemoryGuard(arb, "a", time.Minute)
	if err := g.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	lostCh := make(chan error, 2)
	m := writerlease.NewMonitor(g, 5*time.Millisecond, func(err error) {
		calls.Add(1)
		lostCh <- err
	}, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(runCtx)
		close(done)
	}()

	arb.Revoke()
	select {
	case err := <-lostCh:
		if !errors.Is(err, writerlease.ErrLeaseLost) {
			t.Errorf("onLost error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not report lease loss")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor kept running after lease loss")
	}
	if calls.Load() != 1 {
		t.Errorf("onLost called %d times, want 1", calls.Load())
	}
}

func TestMonitor_stopsOnCancel(t *testing.T) {
	g := writerlease.NewMemoryGuard(writerlease.NewMemoryArbiter(), "a", time.Minute)
	if err := g.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	m := writerlease.NewMonitor(g, time.Millisecond, func(error) {
		t.Error("onLost called for a healthy lease")
	}, zap.NewNop())

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	m.Run(runCtx)
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	key := "ledger:test:lease:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	a := writerlease.NewRedisGuard(client, key, "a", time.Minute, zap.NewNop())
	b := writerlease.NewRedisGuard(client, key, "b", time.Minute, zap.NewNop())
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, writerlease.ErrHeld) {
		t.Errorf("second Acquire = %v, want ErrHeld", err)
	}
	if err := a.Check(ctx); err != nil {
		t.Errorf("holder Check: %v", err)
	}

	// Simulate takeover: another token replaces the key.
	client.Set(ctx, key, "intruder", time.Minute)
	if err := a.Check(ctx); !errors.Is(err, writerlease.ErrLeaseLost) {
		t.Errorf("Check after takeover = %v", err)
	}
	// Release must not delete someone else's lease.
	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := client.Get(ctx, key).Result(); v != "intruder" {
		t.Errorf("Release removed a lease it did not own: %q", v)
	}
}

func TestPostgresGuard(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	key := time.Now().UnixNano()
	a := writerlease.NewPostgresGuard(pool, key, "a", zap.NewNop())
	b := writerlease.NewPostgresGuard(pool, key, "b", zap.NewNop())
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Release(ctx) })

	if err := b.Acquire(ctx); !errors.Is(err, writerlease.ErrHeld) {
		t.Errorf("second Acquire = %v, want ErrHeld", err)
	}
	if err := a.Check(ctx); err != nil {
		t.Errorf("holder Check: %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
	_ = b.Release(ctx)
}

// openLedgerFile opens path as a separate handle, the way a second process
// would.
func openLedgerFile(t *testing.T, path string) *ledger.SQLiteStore {
	t.Helper()
	s, err := ledger.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteGuard_exclusiveAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, second := openLedgerFile(t, path), openLedgerFile(t, path)

	// Same writer id on both sides: the lease still admits only one.
	a := writerlease.NewSQLiteGuard(first.DB(), "ledgerd", time.Minute, zap.NewNop())
	b := writerlease.NewSQLiteGuard(second.DB(), "ledgerd", time.Minute, zap.NewNop())
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Acquire(ctx); err != nil {
		t.Errorf("re-Acquire by holder: %v", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, writerlease.ErrHeld) {
		t.Errorf("second Acquire = %v, want ErrHeld", err)
	}
	if err := a.Check(ctx); err != nil {
		t.Errorf("holder Check: %v", err)
	}
	if err := b.Check(ctx); !errors.Is(err, writerlease.ErrNotAcquired) {
		t.Errorf("non-holder Check = %v", err)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
	_ = b.Release(ctx)
}

func TestSQLiteGuard_lostOnTakeover(t *testing.T) {
	store := openLedgerFile(t, filepath.Join(t.TempDir(), "ledger.db"))
	g := writerlease.NewSQLiteGuard(store.DB(), "a", time.Minute, zap.NewNop())
	if err := g.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := store.DB().ExecContext(ctx,
		`UPDATE writer_lease SET holder = 'intruder', expires_at = ? WHERE id = 1`,
		time.Now().Add(time.Minute).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	var le *writerlease.LeaseLostError
	if err := g.Check(ctx); !errors.As(err, &le) || le.Holder != "a" {
		t.Errorf("Check after takeover = %v", err)
	}
	if err := g.Release(ctx); err != nil {
		t.Fatal(err)
	}
	var holder string
	if err := store.DB().QueryRowContext(ctx, `SELECT holder FROM writer_lease WHERE id = 1`).Scan(&holder); err != nil {
		t.Fatal(err)
	}
	if holder != "intruder" {
		t.Errorf("Release removed a lease it did not own: %q", holder)
	}
}

func TestSQLiteGuard_expiredLeaseIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, second := openLedgerFile(t, path), openLedgerFile(t, path)

	a := writerlease.NewSQLiteGuard(first.DB(), "a", time.Millisecond, zap.NewNop())
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	b := writerlease.NewSQLiteGuard(second.DB(), "b", time.Minute, zap.NewNop())
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("expired lease should be acquirable: %v", err)
	}
	if err := a.Check(ctx); !errors.Is(err, writerlease.ErrLeaseLost) {
		t.Errorf("Check by expired holder = %v", err)
	}
}
