// Package node assembles a ledger writer from configuration. It is shared
// by ledgerd and ledgerctl.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/checkpoint"
	"github.com/jmerrifield20/governance-ledger/internal/config"
	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
	"github.com/jmerrifield20/governance-ledger/internal/halt"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/startup"
	"github.com/jmerrifield20/governance-ledger/internal/terminal"
	"github.com/jmerrifield20/governance-ledger/internal/witness"
	"github.com/jmerrifield20/governance-ledger/internal/writer"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

// Node is a fully wired, not yet activated, ledger writer.
type Node struct {
	Config    config.Config
	Types     *eventtype.Registry
	Store     ledger.Store
	Anchors   checkpoint.Store
	Keys      *signing.DirRegistry
	Signer    *signing.Service
	Witnesses *witness.MemoryPool
	Halt      halt.Controller
	Lease     writerlease.Guard
	Terminal  *terminal.Guard
	Writer    *writer.Service
	Verifier  *startup.Verifier

	logger  *zap.Logger
	closers []func()
}

// Build wires every component named by cfg. The registered event type
// vocabulary is validated first; a prohibited type aborts the build.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Node, error) {
	types, err := eventtype.NewRegistry(eventtype.DefaultTypes...)
	if err != nil {
		return nil, fmt.Errorf("event type vocabulary: %w", err)
	}

	n := &Node{Config: cfg, Types: types, logger: logger}
	if err := n.build(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context) error {
	cfg := n.Config

	var pool *pgxpool.Pool
	if cfg.Ledger.Backend == config.BackendPostgres {
		var err error
		if pool, err = pgxpool.New(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		n.closers = append(n.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		applied, err := ledger.MigratePostgres(ctx, pool, n.logger)
		if err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		n.logger.Info("connected to postgres", zap.Int("migrations_applied", applied))
	}

	var rdb *redis.Client
	if cfg.Lease.Backend == config.BackendRedis || cfg.Halt.Backend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		n.closers = append(n.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		n.logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	// ── Storage ─────────────────────────────────────────────────────────────
	var file *ledger.SQLiteStore
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		n.Store = ledger.NewPostgresStore(pool, n.logger)
		n.Anchors = checkpoint.NewPostgresStore(pool)
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.SQLitePath), 0o700); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
		s, err := ledger.OpenSQLite(cfg.Ledger.SQLitePath, n.logger)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, func() { _ = s.Close() })
		n.Store = s
		file = s
	default:
		n.Store = ledger.NewMemoryStore()
		n.Anchors = checkpoint.NewMemoryStore()
	}

	// ── Keys and witnesses ──────────────────────────────────────────────────
	n.Keys = signing.NewDirRegistry(cfg.KeysDir)
	n.Signer = signing.NewService(n.Keys)
	n.Witnesses = witness.NewMemoryPool(n.Signer, cfg.Witnesses...)

	// ── Halt and lease ──────────────────────────────────────────────────────
	switch cfg.Halt.Backend {
	case config.BackendRedis:
		n.Halt = halt.NewRedisController(rdb, cfg.Halt.RedisKey)
	case config.BackendPostgres:
		n.Halt = halt.NewPostgresController(pool)
	case config.BackendSQLite:
		n.Halt = halt.NewSQLiteController(file.DB())
	default:
		n.Halt = halt.NewMemoryController()
	}

	holder := writerlease.NewHolderID()
	switch cfg.Lease.Backend {
	case config.BackendPostgres:
		n.Lease = writerlease.NewPostgresGuard(pool, cfg.Lease.AdvisoryKey, holder, n.logger)
	case config.BackendSQLite:
		n.Lease = writerlease.NewSQLiteGuard(file.DB(), holder, cfg.Lease.TTL, n.logger)
	case config.BackendRedis:
		n.Lease = writerlease.NewRedisGuard(rdb, cfg.Lease.RedisKey, holder, cfg.Lease.TTL, n.logger)
	default:
		n.Lease = writerlease.NewMemoryGuard(writerlease.NewMemoryArbiter(), holder, cfg.Lease.TTL)
	}

	// ── Writer ──────────────────────────────────────────────────────────────
	n.Terminal = terminal.NewGuard(n.Store, n.logger)
	n.Writer = writer.New(writer.Dependencies{
		Store:          n.Store,
		Terminal:       n.Terminal,
		Halt:           n.Halt,
		Lease:          n.Lease,
		Signer:         n.Signer,
		Witnesses:      n.Witnesses,
		HashAlgVersion: cfg.Ledger.HashAlgVersion,
	}, n.logger)

	n.Verifier = startup.NewVerifier(startup.Dependencies{
		Ledger:       n.Store,
		Signer:       n.Signer,
		Keys:         n.Keys,
		RequiredKeys: cfg.Witnesses,
		Witnesses:    n.Witnesses,
		Anchors:      n.Anchors,
		Halt:         n.Halt,
	}, startup.Config{
		TailWindow:   cfg.Startup.TailWindow,
		MinWitnesses: cfg.Startup.MinWitnesses,
		Bypass: startup.BypassPolicy{
			Allow:    cfg.Startup.Bypass.Allow,
			MaxCount: cfg.Startup.Bypass.MaxCount,
			Window:   cfg.Startup.Bypass.Window,
		},
	}, n.logger)
	return nil
}

// Start acquires the writer lease and runs startup verification. The lease
// is released again when activation is refused.
func (n *Node) Start(ctx context.Context) (*startup.Report, error) {
	mode, err := startup.ParseMode(n.Config.Startup.Mode)
	if err != nil {
		return nil, err
	}
	if err := n.Lease.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire writer lease: %w", err)
	}
	n.logger.Info("writer lease acquired", zap.String("holder", n.Lease.HolderID()))

	report, err := n.Writer.Activate(ctx, n.Verifier, mode)
	if !startup.ActivationAllowed(err) {
		_ = n.Lease.Release(ctx)
		return report, err
	}
	return report, err
}

// Close releases the lease and every connection the node opened.
func (n *Node) Close() {
	if n.Lease != nil {
		_ = n.Lease.Release(context.Background())
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}
