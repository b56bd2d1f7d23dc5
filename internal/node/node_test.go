package node_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/config"
	"github.com/jmerrifield20/governance-ledger/internal/node"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/startup"
	"github.com/jmerrifield20/governance-ledger/internal/writer"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

var ctx = context.Background()

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	v := config.New("")
	v.Set("ledger.backend", backend)
	v.Set("ledger.sqlite_path", filepath.Join(dir, "data", "ledger.db"))
	v.Set("keys.dir", filepath.Join(dir, "keys"))
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeKeys(t *testing.T, cfg config.Config, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := signing.GenerateKeyFiles(cfg.KeysDir, id); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildAndStart(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			writeKeys(t, cfg, append([]string{"agent-a"}, cfg.Witnesses...)...)

			n, err := node.Build(ctx, cfg, zap.NewNop())
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			defer n.Close()

			report, err := n.Start(ctx)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if report.Outcome != startup.OutcomePassed {
				t.Errorf("outcome = %s", report.Outcome)
			}

			ev, err := n.Writer.WriteEvent(ctx, "petition.created", map[string]any{"title": "t"}, "agent-a", time.Now())
			if err != nil {
				t.Fatalf("WriteEvent: %v", err)
			}
			if ev.Sequence != 2 {
				t.Errorf("sequence = %d, want 2", ev.Sequence)
			}
			if state, _ := n.Writer.State(ctx); state != writer.StateActive {
				t.Errorf("state = %s", state)
			}
		})
	}
}

func TestStart_missingWitnessKeysBlocksActivation(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)

	n, err := node.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer n.Close()

	_, err = n.Start(ctx)
	if !errors.Is(err, startup.ErrVerificationFailed) {
		t.Fatalf("Start = %v, want ErrVerificationFailed", err)
	}
	if n.Writer.Ready() {
		t.Error("writer ready without key material")
	}
}

func TestStart_sqliteSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	writeKeys(t, cfg, append([]string{"agent-a"}, cfg.Witnesses...)...)

	first, err := node.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Writer.WriteEvent(ctx, "vote.cast", nil, "agent-a", time.Now()); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := node.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if _, err := second.Start(ctx); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	ev, err := second.Writer.WriteEvent(ctx, "vote.cast", nil, "agent-a", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	// verification, vote, verification, vote
	if ev.Sequence != 4 {
		t.Errorf("sequence after restart = %d, want 4", ev.Sequence)
	}
	if err := second.Writer.VerifyRange(ctx, 1, 0); err != nil {
		t.Errorf("VerifyRange: %v", err)
	}
}

func TestStart_secondNodeOnSameSQLiteFileIsRefused(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	writeKeys(t, cfg, append([]string{"agent-a"}, cfg.Witnesses...)...)

	first, err := node.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second, err := node.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if _, err := second.Start(ctx); !errors.Is(err, writerlease.ErrHeld) {
		t.Fatalf("second Start = %v, want ErrHeld", err)
	}
	if second.Writer.Ready() {
		t.Error("second writer activated while the first holds the lease")
	}

	// A halt declared by the holder is visible to the other process.
	if err := first.Writer.DeclareHalt(ctx, first.Halt, "drill"); err != nil {
		t.Fatal(err)
	}
	if halted, err := second.Halt.IsHalted(ctx); err != nil || !halted {
		t.Errorf("second node sees halted=%v err=%v", halted, err)
	}
	if err := first.Writer.ClearHalt(ctx, first.Halt); err != nil {
		t.Fatal(err)
	}

	first.Close()
	third, err := node.Build(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer third.Close()
	if _, err := third.Start(ctx); err != nil {
		t.Errorf("Start after holder closed: %v", err)
	}
}
