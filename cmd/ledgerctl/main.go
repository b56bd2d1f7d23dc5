package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/checkpoint"
	"github.com/jmerrifield20/governance-ledger/internal/config"
	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
	"github.com/jmerrifield20/governance-ledger/internal/handler"
	"github.com/jmerrifield20/governance-ledger/internal/node"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/startup"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool

	cfg    config.Config
	logger = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate and audit the governance ledger",
	Long: `ledgerctl inspects and operates an append-only governance ledger.

Read commands (verify, status) never take the writer lease. Commands that
append (append, halt, resume, checkpoint) must acquire it and therefore
cannot run while ledgerd holds it, except halt and resume, which fall back
to setting the shared halt flag without recording it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			logger = l
		}
		v := config.New(cfgFile)
		if err := config.Read(v, logger); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(v)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledger.yaml or ./ledger.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(versionCmd)
}

func open(ctx context.Context) (*node.Node, error) {
	return node.Build(ctx, cfg, logger)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyFrom, verifyTo uint64

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain linkage, content hashes and signatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := open(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.Writer.VerifyRange(ctx, verifyFrom, verifyTo); err != nil {
			_, code := handler.Classify(err)
			fmt.Printf("INVALID (%s): %v\n", code, err)
			return err
		}
		count, err := n.Store.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d events verified\n", count)
		return nil
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 1, "first sequence to verify")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "last sequence to verify (0 = tail)")
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger state, length and tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := open(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		state, err := n.Writer.State(ctx)
		if err != nil {
			return err
		}
		tail, ok, err := n.Store.Tail(ctx)
		if err != nil {
			return err
		}
		reason, halted, _ := n.Halt.HaltReason(ctx)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "STATE\t%s\n", state)
		if halted {
			fmt.Fprintf(w, "HALT REASON\t%s\n", reason)
		}
		if ok {
			fmt.Fprintf(w, "EVENTS\t%d\n", tail.Sequence)
			fmt.Fprintf(w, "TAIL\t%s (%s)\n", tail.ContentHash, tail.EventType)
		} else {
			fmt.Fprintf(w, "EVENTS\t0\n")
		}
		if tev, terminated, err := n.Terminal.TerminalEvent(ctx); err == nil && terminated {
			at, _, _ := n.Terminal.TerminationTime(ctx)
			fmt.Fprintf(w, "TERMINATED\tsequence %d at %s\n", tev.Sequence, at.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendAgent   string
	appendPayload string
)

var appendCmd = &cobra.Command{
	Use:   "append <event-type>",
	Short: "Acquire the writer lease, verify, and append one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{}
		if appendPayload != "" {
			if err := json.Unmarshal([]byte(appendPayload), &payload); err != nil {
				return fmt.Errorf("parse --payload: %w", err)
			}
		}

		ctx := cmd.Context()
		n, err := open(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if _, err := n.Start(ctx); !startup.ActivationAllowed(err) {
			return fmt.Errorf("activate writer: %w", err)
		}
		ev, err := n.Writer.WriteEvent(ctx, args[0], payload, appendAgent, time.Now())
		if err != nil {
			_, code := handler.Classify(err)
			return fmt.Errorf("%s: %w", code, err)
		}
		out, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendAgent, "agent", "", "authoring agent id (empty = system-authored)")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "event payload as a JSON object")
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen <id> [id...]",
	Short: "Generate Ed25519 key files for agents or witnesses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			pub, err := signing.GenerateKeyFiles(cfg.KeysDir, id)
			if err != nil {
				return fmt.Errorf("generate %s: %w", id, err)
			}
			fmt.Printf("%s\t%s\n", id, signing.EncodeSignature(pub))
		}
		return nil
	},
}

// ── halt / resume ────────────────────────────────────────────────────────────

var haltCmd = &cobra.Command{
	Use:   "halt <reason>",
	Short: "Halt writes until resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := open(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if recorded, err := withLease(ctx, n, func() error {
			return n.Writer.DeclareHalt(ctx, n.Halt, args[0])
		}); recorded || err != nil {
			return err
		}
		if err := n.Halt.Halt(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("halted (not recorded: writer lease held elsewhere)")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a halt",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := open(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if recorded, err := withLease(ctx, n, func() error {
			return n.Writer.ClearHalt(ctx, n.Halt)
		}); recorded || err != nil {
			return err
		}
		if err := n.Halt.Resume(ctx); err != nil {
			return err
		}
		fmt.Println("resumed (not recorded: writer lease held elsewhere)")
		return nil
	},
}

// withLease runs fn while holding the writer lease. recorded is false, with
// a nil error, when another process holds the lease.
func withLease(ctx context.Context, n *node.Node, fn func() error) (recorded bool, err error) {
	if err := n.Lease.Acquire(ctx); err != nil {
		if errors.Is(err, writerlease.ErrHeld) {
			return false, nil
		}
		return false, err
	}
	if err := fn(); err != nil {
		return false, err
	}
	fmt.Println("recorded")
	return true, nil
}

// ── checkpoint ───────────────────────────────────────────────────────────────

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Anchor the current ledger tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := open(ctx)
		if err != nil {
			return err
		}
		defer n.Close()
		if n.Anchors == nil {
			return fmt.Errorf("ledger backend %q has no anchor store", cfg.Ledger.Backend)
		}

		a, err := checkpoint.Create(ctx, n.Store, n.Anchors)
		if err != nil {
			return err
		}
		if recorded, err := withLease(ctx, n, func() error {
			_, err := n.Writer.RecordSystemEvent(ctx, eventtype.CheckpointCreated, map[string]any{
				"sequence":     a.Sequence,
				"content_hash": a.ContentHash,
			})
			return err
		}); err != nil {
			return err
		} else if !recorded {
			fmt.Println("anchor saved (not recorded: writer lease held elsewhere)")
		}
		fmt.Printf("anchored sequence %d %s\n", a.Sequence, a.ContentHash)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
