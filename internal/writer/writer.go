// Package writer is the single write path into the ledger.
//
// WriteEvent evaluates its gates in a fixed order and the first failure wins:
// event type validation, termination, halt, writer lease, startup
// verification. Only then is the next sequence assigned, the event hashed,
// signed, witnessed and appended. A rejected write persists nothing.
package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/canonical"
	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
	"github.com/jmerrifield20/governance-ledger/internal/halt"
	"github.com/jmerrifield20/governance-ledger/internal/hashchain"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/metrics"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/startup"
	"github.com/jmerrifield20/governance-ledger/internal/terminal"
	"github.com/jmerrifield20/governance-ledger/internal/witness"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

// State is the writer's externally visible lifecycle state.
type State string

const (
	StateActive     State = "ACTIVE"
	StateHalted     State = "HALTED"
	StateTerminated State = "TERMINATED"
)

var (
	// ErrNotActivated is returned for writes before startup verification
	// has permitted activation.
	ErrNotActivated = errors.New("writer not activated")
	// ErrInvalidPayload is returned when a payload cannot be canonically encoded.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrReservedType is returned when an agent writes a system event type,
	// or the system records a non-system type.
	ErrReservedType = errors.New("reserved event type")
)

// Dependencies are the collaborators a Service writes through.
type Dependencies struct {
	Store     ledger.Store
	Terminal  *terminal.Guard
	Halt      halt.Guard
	Lease     writerlease.Guard
	Signer    *signing.Service
	Witnesses witness.Pool
	// Clock assigns authority timestamps. Defaults to time.Now.
	Clock func() time.Time
	// HashAlgVersion is recorded on new events. Defaults to the current version.
	HashAlgVersion int
}

// Service is the ledger's single writer.
type Service struct {
	deps   Dependencies
	logger *zap.Logger

	// mu serializes sequence assignment through append.
	mu sync.Mutex

	stateMu   sync.RWMutex
	activated bool
	verifyErr error
	fenced    error
}

// New returns a Service that serves no writes until Activate succeeds.
func New(deps Dependencies, logger *zap.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.HashAlgVersion == 0 {
		deps.HashAlgVersion = hashchain.CurrentHashAlgVersion
	}
	return &Service{deps: deps, logger: logger}
}

// Activate runs startup verification in mode and, when it permits, opens the
// writer for business. The writer lease must already be held.
func (s *Service) Activate(ctx context.Context, v *startup.Verifier, mode startup.Mode) (*startup.Report, error) {
	report, err := v.Run(ctx, mode, s)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !startup.ActivationAllowed(err) {
		s.verifyErr = err
		return report, err
	}
	s.activated, s.verifyErr = true, nil
	s.logger.Info("writer activated",
		zap.String("mode", string(mode)),
		zap.String("outcome", string(report.Outcome)),
		zap.String("holder", s.deps.Lease.HolderID()),
	)
	return report, err
}

// Ready reports whether the writer is activated and not fenced.
func (s *Service) Ready() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.activated && s.fenced == nil
}

// Fence stops the writer permanently for this process. It is called when the
// writer lease is lost; every later write fails with a lease-lost error.
func (s *Service) Fence(cause error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.fenced != nil {
		return
	}
	var le *writerlease.LeaseLostError
	if !errors.As(cause, &le) {
		cause = &writerlease.LeaseLostError{Holder: s.deps.Lease.HolderID(), Err: cause}
	}
	s.fenced = cause
	s.logger.Error("writer fenced", zap.Error(cause))
}

// WriteEvent appends an event of eventType on behalf of agentID. An empty
// agentID writes a system-authored event, which carries no author signature.
// System-reserved types go through RecordSystemEvent instead; they are
// refused after the termination gate. A zero
// localTimestamp is replaced by the writer's clock.
func (s *Service) WriteEvent(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (ledger.Event, error) {
	if err := eventtype.Validate(eventType); err != nil {
		return ledger.Event{}, s.reject(eventType, rejectReason(err), err)
	}
	return s.write(ctx, eventType, payload, agentID, localTimestamp, true)
}

// RecordSystemEvent appends a system-authored record. It skips the halt and
// startup-verification gates so that verification outcomes and halt
// transitions can themselves be recorded. Termination and the writer lease
// still apply.
func (s *Service) RecordSystemEvent(ctx context.Context, eventType string, payload map[string]any) (ledger.Event, error) {
	if err := eventtype.Validate(eventType); err != nil {
		return ledger.Event{}, s.reject(eventType, rejectReason(err), err)
	}
	if !strings.HasPrefix(eventType, eventtype.SystemPrefix) {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonInvalidType,
			fmt.Errorf("%w: system records must use the %q prefix", ErrReservedType, eventtype.SystemPrefix))
	}
	return s.write(ctx, eventType, payload, "", time.Time{}, false)
}

// DeclareHalt records the halt and then sets it through ctrl.
func (s *Service) DeclareHalt(ctx context.Context, ctrl halt.Controller, reason string) error {
	if _, err := s.RecordSystemEvent(ctx, eventtype.HaltDeclared, map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := ctrl.Halt(ctx, reason); err != nil {
		return fmt.Errorf("set halt: %w", err)
	}
	s.logger.Warn("ledger halted", zap.String("reason", reason))
	return nil
}

// ClearHalt records that the halt is cleared and then clears it through
// ctrl. The halt stays in place when the record cannot be appended.
func (s *Service) ClearHalt(ctx context.Context, ctrl halt.Controller) error {
	reason, _, err := ctrl.HaltReason(ctx)
	if err != nil {
		return fmt.Errorf("read halt reason: %w", err)
	}
	if _, err := s.RecordSystemEvent(ctx, eventtype.HaltCleared, map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := ctrl.Resume(ctx); err != nil {
		return fmt.Errorf("clear halt: %w", err)
	}
	s.logger.Info("ledger halt cleared")
	return nil
}

func (s *Service) write(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time, requireActivated bool) (ledger.Event, error) {
	if err := s.checkTerminated(ctx, eventType); err != nil {
		return ledger.Event{}, err
	}
	if requireActivated && strings.HasPrefix(eventType, eventtype.SystemPrefix) {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonInvalidType,
			fmt.Errorf("%w: %q is written only by the system", ErrReservedType, eventType))
	}
	if requireActivated {
		halted, err := s.deps.Halt.IsHalted(ctx)
		if err != nil {
			return ledger.Event{}, s.reject(eventType, metrics.ReasonHalted, fmt.Errorf("read halt state: %w", err))
		}
		if halted {
			reason, _, _ := s.deps.Halt.HaltReason(ctx)
			return ledger.Event{}, s.reject(eventType, metrics.ReasonHalted, &halt.SystemHaltedError{Reason: reason})
		}
	}
	if err := s.checkLease(ctx); err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonLeaseLost, err)
	}
	if requireActivated {
		if err := s.checkActivated(); err != nil {
			return ledger.Event{}, s.reject(eventType, metrics.ReasonNotVerified, err)
		}
	}

	normalized, err := canonical.NormalizePayload(payload)
	if err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonInvalidInput, fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}
	if localTimestamp.IsZero() {
		localTimestamp = s.deps.Clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A terminal event may have been appended while this write waited.
	if err := s.checkTerminated(ctx, eventType); err != nil {
		return ledger.Event{}, err
	}

	tail, ok, err := s.deps.Store.Tail(ctx)
	if err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonStorage, fmt.Errorf("read ledger tail: %w", err))
	}
	seq := uint64(1)
	if ok {
		seq = tail.Sequence + 1
	}
	prev, err := hashchain.GetPrevHash(ctx, seq, s.deps.Store)
	if err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonStorage, err)
	}

	ev := ledger.Event{
		EventID:            uuid.New(),
		Sequence:           seq,
		EventType:          eventType,
		Payload:            normalized,
		PrevHash:           prev,
		HashAlgVersion:     s.deps.HashAlgVersion,
		SigAlgVersion:      s.deps.Signer.Version(),
		AgentID:            agentID,
		LocalTimestamp:     canonical.Truncate(localTimestamp),
		AuthorityTimestamp: canonical.Truncate(s.deps.Clock()),
	}
	if ev.ContentHash, err = hashchain.ComputeContentHash(ev); err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonInvalidInput, fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}

	signable := signing.EventSignable(ev)
	if agentID != "" {
		if ev.Signature, err = s.deps.Signer.SignAs(ctx, agentID, signable); err != nil {
			return ledger.Event{}, s.reject(eventType, metrics.ReasonSignature, err)
		}
	}
	if ev.WitnessID, ev.WitnessSignature, err = s.attest(ctx, agentID, signable); err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonWitness, err)
	}

	// The lease may have lapsed while signatures were gathered.
	if err := s.checkLease(ctx); err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonLeaseLost, err)
	}

	if err := s.deps.Store.Append(ctx, ev); err != nil {
		return ledger.Event{}, s.reject(eventType, metrics.ReasonStorage, fmt.Errorf("append sequence %d: %w", seq, err))
	}

	metrics.RecordAppend(eventType, seq)
	s.logger.Debug("event appended",
		zap.Uint64("sequence", seq),
		zap.String("event_type", eventType),
		zap.String("agent_id", agentID),
		zap.String("witness_id", ev.WitnessID),
	)
	if eventType == s.deps.Terminal.TerminalType() {
		s.deps.Terminal.Observe(ev)
		metrics.SetTerminated()
	}
	return ev, nil
}

func (s *Service) checkTerminated(ctx context.Context, eventType string) error {
	tev, terminated, err := s.deps.Terminal.TerminalEvent(ctx)
	if err != nil {
		return s.reject(eventType, metrics.ReasonStorage, err)
	}
	if terminated {
		return s.reject(eventType, metrics.ReasonTerminated, s.deps.Terminal.Violation(tev, eventType))
	}
	return nil
}

func (s *Service) checkLease(ctx context.Context) error {
	s.stateMu.RLock()
	fenced := s.fenced
	s.stateMu.RUnlock()
	if fenced != nil {
		return fenced
	}
	if err := s.deps.Lease.Check(ctx); err != nil {
		s.Fence(err)
		s.stateMu.RLock()
		defer s.stateMu.RUnlock()
		return s.fenced
	}
	return nil
}

func (s *Service) checkActivated() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.activated {
		return nil
	}
	if s.verifyErr != nil {
		return fmt.Errorf("%w: %w", ErrNotActivated, s.verifyErr)
	}
	return fmt.Errorf("%w: %w: startup verification has not run", ErrNotActivated, startup.ErrVerificationFailed)
}

// attest obtains a witness signature from a witness other than the author.
func (s *Service) attest(ctx context.Context, author string, signable []byte) (string, string, error) {
	id, err := s.deps.Witnesses.Select(ctx, author)
	if err != nil {
		return "", "", asUnavailable("", err)
	}
	if id == "" || (author != "" && id == author) {
		return "", "", &witness.UnavailableError{WitnessID: id, Err: errors.New("witness must be independent of the author")}
	}
	sig, err := s.deps.Witnesses.Attest(ctx, id, signable)
	if err != nil {
		return "", "", asUnavailable(id, err)
	}
	if sig == "" {
		return "", "", &witness.UnavailableError{WitnessID: id, Err: errors.New("empty attestation")}
	}
	return id, sig, nil
}

func asUnavailable(id string, err error) error {
	if errors.Is(err, witness.ErrUnavailable) {
		return err
	}
	return &witness.UnavailableError{WitnessID: id, Err: err}
}

func (s *Service) reject(eventType, reason string, err error) error {
	metrics.RecordRejection(reason)
	fields := []zap.Field{zap.String("event_type", eventType), zap.String("reason", reason), zap.Error(err)}
	switch reason {
	case metrics.ReasonLeaseLost, metrics.ReasonStorage:
		s.logger.Error("write rejected", fields...)
	case metrics.ReasonHalted, metrics.ReasonTerminated, metrics.ReasonProhibited:
		s.logger.Warn("write rejected", fields...)
	default:
		s.logger.Info("write rejected", fields...)
	}
	return err
}

func rejectReason(err error) string {
	if errors.Is(err, eventtype.ErrProhibited) {
		return metrics.ReasonProhibited
	}
	return metrics.ReasonInvalidType
}

// State reports the writer's lifecycle state derived from the ledger and the
// halt guard. Termination outranks halt.
func (s *Service) State(ctx context.Context) (State, error) {
	terminated, err := s.deps.Terminal.IsTerminated(ctx)
	if err != nil {
		return "", err
	}
	if terminated {
		return StateTerminated, nil
	}
	halted, err := s.deps.Halt.IsHalted(ctx)
	if err != nil {
		return "", fmt.Errorf("read halt state: %w", err)
	}
	if halted {
		return StateHalted, nil
	}
	return StateActive, nil
}

// IsTerminated reports whether the ledger holds a terminal event.
func (s *Service) IsTerminated(ctx context.Context) (bool, error) {
	return s.deps.Terminal.IsTerminated(ctx)
}

// IsHalted reports the halt guard's current state.
func (s *Service) IsHalted(ctx context.Context) (bool, error) {
	return s.deps.Halt.IsHalted(ctx)
}

// VerifyRange verifies the chain linkage and content hashes of sequences
// from..to (to of zero means through the tail) and the signatures on each.
func (s *Service) VerifyRange(ctx context.Context, from, to uint64) error {
	events, err := hashchain.VerifyRange(ctx, s.deps.Store, from, to)
	if err != nil {
		if errors.Is(err, hashchain.ErrMismatch) {
			metrics.RecordChainMismatch()
			s.logger.Error("hash chain mismatch", zap.Uint64("from", from), zap.Uint64("to", to), zap.Error(err))
		}
		return err
	}
	for _, ev := range events {
		if err := s.deps.Signer.VerifyEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
