// Package startup runs the checklist a process must pass before it may
// become the active ledger writer.
//
// Checks run concurrently and every failure is collected before a decision
// is made. Exactly one verification record is appended per run: passed,
// failed, or (normal mode only, within the bypass policy) bypassed. A bypass
// record is durably appended before activation is allowed.
package startup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/checkpoint"
	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
	"github.com/jmerrifield20/governance-ledger/internal/halt"
	"github.com/jmerrifield20/governance-ledger/internal/hashchain"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/metrics"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/witness"
)

// Mode selects how stringent verification is.
type Mode string

const (
	// ModeNormal verifies a tail window and permits bounded bypass.
	ModeNormal Mode = "normal"
	// ModePostHalt verifies from genesis, adds halt and replica checks, and
	// never permits bypass.
	ModePostHalt Mode = "post_halt"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNormal, ModePostHalt:
		return Mode(s), nil
	case "":
		return ModeNormal, nil
	}
	return "", fmt.Errorf("unknown startup mode %q", s)
}

// Outcome is the result of a verification run.
type Outcome string

const (
	OutcomePassed   Outcome = "passed"
	OutcomeFailed   Outcome = "failed"
	OutcomeBypassed Outcome = "bypassed"
)

var (
	// ErrVerificationFailed is matched by every *VerificationFailedError.
	ErrVerificationFailed = errors.New("startup verification failed")
	// ErrVerificationBypassed is matched by every *VerificationBypassedError.
	ErrVerificationBypassed = errors.New("startup verification bypassed")
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Passed reports whether the check succeeded.
func (r CheckResult) Passed() bool { return r.Err == nil }

// VerificationFailedError blocks writer activation.
type VerificationFailedError struct {
	Mode   Mode
	Failed []CheckResult
	Reason string
	// RecordErr is set when the failure record itself could not be appended.
	RecordErr error
}

func (e *VerificationFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "startup verification failed (%s mode)", e.Mode)
	for _, f := range e.Failed {
		fmt.Fprintf(&b, "; %s: %v", f.Name, f.Err)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, "; %s", e.Reason)
	}
	if e.RecordErr != nil {
		fmt.Fprintf(&b, "; record: %v", e.RecordErr)
	}
	return b.String()
}

// Is reports whether target is ErrVerificationFailed.
func (e *VerificationFailedError) Is(target error) bool { return target == ErrVerificationFailed }

// Unwrap exposes each failing check's error.
func (e *VerificationFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed)+1)
	for _, f := range e.Failed {
		out = append(out, f.Err)
	}
	if e.RecordErr != nil {
		out = append(out, e.RecordErr)
	}
	return out
}

// VerificationBypassedError conditionally permits activation: checks failed
// but the bypass was within policy and has been recorded.
type VerificationBypassedError struct {
	Failed      []CheckResult
	Record      ledger.Event
	BypassCount int
}

func (e *VerificationBypassedError) Error() string {
	names := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		names[i] = f.Name
	}
	return fmt.Sprintf("startup verification bypassed (failed: %s; recorded at sequence %d; bypass %d in window)",
		strings.Join(names, ", "), e.Record.Sequence, e.BypassCount)
}

// Is reports whether target is ErrVerificationBypassed.
func (e *VerificationBypassedError) Is(target error) bool { return target == ErrVerificationBypassed }

// Unwrap exposes each failing check's error.
func (e *VerificationBypassedError) Unwrap() []error {
	out := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f.Err
	}
	return out
}

// ActivationAllowed reports whether a Run result permits the writer to
// start serving writes.
func ActivationAllowed(err error) bool {
	return err == nil || errors.Is(err, ErrVerificationBypassed)
}

// Recorder appends system-authored, witnessed verification records.
type Recorder interface {
	RecordSystemEvent(ctx context.Context, eventType string, payload map[string]any) (ledger.Event, error)
}

// BypassPolicy bounds normal-mode bypass: at most MaxCount bypass records
// within the trailing Window.
type BypassPolicy struct {
	Allow    bool
	MaxCount int
	Window   time.Duration
}

// Config tunes the verifier.
type Config struct {
	TailWindow   int
	MinWitnesses int
	Concurrency  int
	Bypass       BypassPolicy
	Now          func() time.Time
}

// Dependencies are the collaborators whose state the checks inspect.
// Signer, Anchors and Replicas are optional.
type Dependencies struct {
	Ledger       ledger.Reader
	Signer       *signing.Service
	Keys         signing.KeyRegistry
	RequiredKeys []string
	Witnesses    witness.Pool
	Anchors      checkpoint.Store
	Halt         halt.Guard
	Replicas     ReplicaStatus
}

// Report describes a completed run.
type Report struct {
	Mode    Mode
	Outcome Outcome
	Results []CheckResult
	Record  ledger.Event
}

// Verifier runs the startup checklist.
type Verifier struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// NewVerifier returns a Verifier. Zero config fields take defaults.
func NewVerifier(deps Dependencies, cfg Config, logger *zap.Logger) *Verifier {
	if cfg.TailWindow == 0 {
		cfg.TailWindow = 1000
	}
	if cfg.MinWitnesses == 0 {
		cfg.MinWitnesses = 1
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.Bypass.MaxCount == 0 {
		cfg.Bypass.MaxCount = 3
	}
	if cfg.Bypass.Window == 0 {
		cfg.Bypass.Window = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{deps: deps, cfg: cfg, logger: logger}
}

// Checks returns the checklist for mode.
func (v *Verifier) Checks(mode Mode) []Check {
	window := v.cfg.TailWindow
	if mode == ModePostHalt {
		window = 0
	}
	checks := []Check{
		ChainCheck(v.deps.Ledger, window, v.deps.Signer),
		WitnessCheck(v.deps.Witnesses, v.cfg.MinWitnesses),
		KeyCheck(v.deps.Keys, v.deps.RequiredKeys, signing.CurrentSigAlgVersion),
	}
	if v.deps.Anchors != nil {
		checks = append(checks, CheckpointCheck(v.deps.Ledger, v.deps.Anchors))
	}
	if mode == ModePostHalt {
		checks = append(checks,
			HaltResolvedCheck(v.deps.Halt),
			ReplicaCheck(v.deps.Ledger, v.deps.Replicas),
		)
	}
	return checks
}

// Run executes the checklist and appends exactly one verification record
// through rec. A nil error or a *VerificationBypassedError permits
// activation (see ActivationAllowed); anything else blocks it.
func (v *Verifier) Run(ctx context.Context, mode Mode, rec Recorder) (*Report, error) {
	results := v.runChecks(ctx, v.Checks(mode))
	report := &Report{Mode: mode, Results: results}

	var failed []CheckResult
	for _, r := range results {
		if !r.Passed() {
			failed = append(failed, r)
			if errors.Is(r.Err, hashchain.ErrMismatch) {
				metrics.RecordChainMismatch()
			}
		}
	}

	if len(failed) == 0 {
		ev, err := rec.RecordSystemEvent(ctx, eventtype.VerificationPassed, v.payload(mode, results, ""))
		if err != nil {
			report.Outcome = OutcomeFailed
			metrics.RecordVerification(string(mode), string(OutcomeFailed))
			return report, &VerificationFailedError{Mode: mode, Reason: "verification record not appended", RecordErr: err}
		}
		report.Outcome, report.Record = OutcomePassed, ev
		metrics.RecordVerification(string(mode), string(OutcomePassed))
		v.logger.Info("startup verification passed",
			zap.String("mode", string(mode)),
			zap.Uint64("record_sequence", ev.Sequence),
		)
		return report, nil
	}

	reason, count, err := v.bypassDecision(ctx, mode)
	if err != nil {
		reason = fmt.Sprintf("bypass policy unavailable: %v", err)
	}
	if reason == "" {
		payload := v.payload(mode, results, "")
		payload["bypass_count"] = count + 1
		ev, err := rec.RecordSystemEvent(ctx, eventtype.VerificationBypassed, payload)
		if err != nil {
			reason = "bypass record not appended"
			return v.fail(ctx, report, mode, failed, reason, err, rec)
		}
		report.Outcome, report.Record = OutcomeBypassed, ev
		metrics.RecordVerification(string(mode), string(OutcomeBypassed))
		v.logger.Warn("startup verification bypassed",
			zap.Strings("failed_checks", names(failed)),
			zap.Int("bypass_count", count+1),
			zap.Int("bypass_max", v.cfg.Bypass.MaxCount),
			zap.Uint64("record_sequence", ev.Sequence),
		)
		return report, &VerificationBypassedError{Failed: failed, Record: ev, BypassCount: count + 1}
	}
	return v.fail(ctx, report, mode, failed, reason, nil, rec)
}

// bypassDecision returns "" when a bypass is permitted, otherwise the reason
// it is denied. count is the number of bypasses already in the window.
func (v *Verifier) bypassDecision(ctx context.Context, mode Mode) (reason string, count int, err error) {
	switch {
	case mode == ModePostHalt:
		return "bypass is not permitted in post-halt mode", 0, nil
	case !v.cfg.Bypass.Allow:
		return "bypass not enabled", 0, nil
	}
	since := v.cfg.Now().Add(-v.cfg.Bypass.Window)
	count, err = v.deps.Ledger.CountOfTypeSince(ctx, eventtype.VerificationBypassed, since)
	if err != nil {
		return "", 0, err
	}
	if count >= v.cfg.Bypass.MaxCount {
		return fmt.Sprintf("bypass limit reached (%d in %s)", count, v.cfg.Bypass.Window), count, nil
	}
	return "", count, nil
}

func (v *Verifier) fail(ctx context.Context, report *Report, mode Mode, failed []CheckResult, reason string, cause error, rec Recorder) (*Report, error) {
	report.Outcome = OutcomeFailed
	metrics.RecordVerification(string(mode), string(OutcomeFailed))

	vf := &VerificationFailedError{Mode: mode, Failed: failed, Reason: reason, RecordErr: cause}
	ev, err := rec.RecordSystemEvent(ctx, eventtype.VerificationFailed, v.payload(mode, report.Results, reason))
	if err != nil {
		vf.RecordErr = errors.Join(cause, err)
		v.logger.Error("startup verification failure not recorded", zap.Error(err))
	} else {
		report.Record = ev
	}
	v.logger.Error("startup verification failed",
		zap.String("mode", string(mode)),
		zap.Strings("failed_checks", names(failed)),
		zap.String("reason", reason),
	)
	return report, vf
}

// runChecks executes checks with bounded concurrency and returns results in
// checklist order.
func (v *Verifier) runChecks(ctx context.Context, checks []Check) []CheckResult {
	results := make([]CheckResult, len(checks))
	sem := make(chan struct{}, v.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			err := c.Run(ctx)
			results[i] = CheckResult{Name: c.Name, Err: err, Duration: time.Since(start)}
			if err != nil {
				v.logger.Warn("startup check failed", zap.String("check", c.Name), zap.Error(err))
			}
		}(i, c)
	}
	wg.Wait()
	return results
}

func (v *Verifier) payload(mode Mode, results []CheckResult, reason string) map[string]any {
	checks := make([]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{"name": r.Name, "passed": r.Passed()}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		checks = append(checks, entry)
	}
	p := map[string]any{"mode": string(mode), "checks": checks}
	if reason != "" {
		p["reason"] = reason
	}
	return p
}

func names(rs []CheckResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}
