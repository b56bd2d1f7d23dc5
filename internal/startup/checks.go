package startup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/governance-ledger/internal/checkpoint"
	"github.com/jmerrifield20/governance-ledger/internal/halt"
	"github.com/jmerrifield20/governance-ledger/internal/hashchain"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/witness"
)

// Check names.
const (
	CheckChainIntegrity = "chain_integrity"
	CheckWitnessPool    = "witness_pool"
	CheckKeyMaterial    = "key_material"
	CheckCheckpoint     = "checkpoint"
	CheckHaltResolved   = "halt_resolved"
	CheckReplicaSync    = "replica_sync"
)

// Check is one item of the startup checklist.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// ChainCheck verifies the hash chain. With window > 0 only the last window
// events are verified, anchored on their predecessor; window <= 0 verifies
// from genesis. When signer is non-nil every verified event's author and
// witness signatures are checked as well.
func ChainCheck(r ledger.Reader, window int, signer *signing.Service) Check {
	return Check{Name: CheckChainIntegrity, Run: func(ctx context.Context) error {
		n, err := r.Len(ctx)
		if err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		if n == 0 {
			return nil
		}

		from := uint64(1)
		if window > 0 && n > uint64(window) {
			from = n - uint64(window) + 1
		}
		events, err := hashchain.VerifyRange(ctx, r, from, n)
		if err != nil {
			return err
		}
		if signer == nil {
			return nil
		}
		for _, ev := range events {
			if err := signer.VerifyEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}}
}

// WitnessCheck requires at least min witnesses able to attest.
func WitnessCheck(p witness.Pool, min int) Check {
	if min < 1 {
		min = 1
	}
	return Check{Name: CheckWitnessPool, Run: func(ctx context.Context) error {
		n, err := p.Available(ctx)
		if err != nil {
			return &witness.UnavailableError{Err: err}
		}
		if n < min {
			return &witness.UnavailableError{Err: fmt.Errorf("%d witnesses available, need %d", n, min)}
		}
		return nil
	}}
}

// KeyCheck requires a loadable signing key for every id.
func KeyCheck(keys signing.KeyRegistry, ids []string, version int) Check {
	return Check{Name: CheckKeyMaterial, Run: func(ctx context.Context) error {
		var errs []error
		for _, id := range ids {
			if _, err := keys.SigningKey(ctx, id, version); err != nil {
				errs = append(errs, &signing.SignatureError{SignerID: id, Op: "load", Err: err})
			}
		}
		return errors.Join(errs...)
	}}
}

// CheckpointCheck requires the ledger to agree with the latest anchor. A
// ledger with no anchors passes.
func CheckpointCheck(r ledger.Reader, anchors checkpoint.Store) Check {
	return Check{Name: CheckCheckpoint, Run: func(ctx context.Context) error {
		a, ok, err := anchors.Latest(ctx)
		if err != nil {
			return fmt.Errorf("read latest anchor: %w", err)
		}
		if !ok {
			return nil
		}
		return checkpoint.Verify(ctx, r, a)
	}}
}

// HaltResolvedCheck requires the halt that preceded this start to be cleared.
func HaltResolvedCheck(h halt.Guard) Check {
	return Check{Name: CheckHaltResolved, Run: func(ctx context.Context) error {
		halted, err := h.IsHalted(ctx)
		if err != nil {
			return fmt.Errorf("read halt state: %w", err)
		}
		if !halted {
			return nil
		}
		reason, _, _ := h.HaltReason(ctx)
		return &halt.SystemHaltedError{Reason: reason}
	}}
}

// ReplicaHead is the last event a replica reports holding.
type ReplicaHead struct {
	Name        string `json:"name"`
	Sequence    uint64 `json:"sequence"`
	ContentHash string `json:"content_hash"`
}

// ReplicaStatus reports replica heads.
type ReplicaStatus interface {
	Heads(ctx context.Context) ([]ReplicaHead, error)
}

// StaticReplicas is a fixed list of replica heads.
type StaticReplicas []ReplicaHead

// Heads implements ReplicaStatus.
func (s StaticReplicas) Heads(context.Context) ([]ReplicaHead, error) { return s, nil }

// ErrReplicaDivergence is returned when a replica disagrees with the local tail.
var ErrReplicaDivergence = errors.New("replica out of sync")

// ReplicaCheck requires every replica to report the local tail.
func ReplicaCheck(r ledger.Reader, replicas ReplicaStatus) Check {
	return Check{Name: CheckReplicaSync, Run: func(ctx context.Context) error {
		if replicas == nil {
			return nil
		}
		heads, err := replicas.Heads(ctx)
		if err != nil {
			return fmt.Errorf("read replica heads: %w", err)
		}
		tail, ok, err := r.Tail(ctx)
		if err != nil {
			return fmt.Errorf("read ledger tail: %w", err)
		}
		var local ReplicaHead
		if ok {
			local = ReplicaHead{Sequence: tail.Sequence, ContentHash: tail.ContentHash}
		}
		var errs []error
		for _, h := range heads {
			if h.Sequence != local.Sequence || h.ContentHash != local.ContentHash {
				errs = append(errs, fmt.Errorf("%w: %s at sequence %d, local at %d",
					ErrReplicaDivergence, h.Name, h.Sequence, local.Sequence))
			}
		}
		return errors.Join(errs...)
	}}
}
