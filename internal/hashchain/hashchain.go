// Package hashchain computes event content hashes and verifies that a run of
// events forms an unbroken chain.
//
// An event's content hash covers its canonical encoding with the hash itself,
// the signatures, the witness fields and the authority timestamp excluded.
// Each event's prev_hash must equal the content hash of the event before it;
// the first event links to ledger.GenesisHash.
package hashchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/jmerrifield20/governance-ledger/internal/canonical"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

// Hash algorithm versions. Each event records the version it was hashed with
// so the chain stays verifiable across algorithm rotation.
const (
	HashAlgSHA256 = 1
	HashAlgBLAKE3 = 2

	CurrentHashAlgVersion = HashAlgSHA256
)

var (
	// ErrMismatch is matched by every *MismatchError.
	ErrMismatch = errors.New("hash chain mismatch")
	// ErrUnknownAlgorithm is returned for an unrecognised hash_alg_version.
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm version")
	// ErrInconsistent is returned when the ledger is missing a predecessor it
	// must contain.
	ErrInconsistent = errors.New("ledger inconsistency")
)

// MismatchError identifies the first event at which verification failed.
type MismatchError struct {
	Index    int
	Sequence uint64
	Reason   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash chain mismatch at index %d (sequence %d): %s", e.Index, e.Sequence, e.Reason)
}

// Is reports whether target is ErrMismatch.
func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// Link is the tail of an already-verified run: the point a new segment must
// extend.
type Link struct {
	Sequence    uint64
	ContentHash string
}

// Genesis is the link the first event in a ledger must extend.
var Genesis = Link{Sequence: 0, ContentHash: ledger.GenesisHash}

// LinkOf returns the link formed by ev.
func LinkOf(ev ledger.Event) Link {
	return Link{Sequence: ev.Sequence, ContentHash: ev.ContentHash}
}

// Digest hashes data with the algorithm identified by version and returns
// lowercase hex.
func Digest(version int, data []byte) (string, error) {
	switch version {
	case HashAlgSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case HashAlgBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownAlgorithm, version)
	}
}

// hashedFields returns the subset of ev that the content hash covers.
func hashedFields(ev ledger.Event) map[string]any {
	var agent any
	if ev.AgentID != "" {
		agent = ev.AgentID
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"event_id":         ev.EventID,
		"sequence":         ev.Sequence,
		"event_type":       ev.EventType,
		"payload":          payload,
		"prev_hash":        ev.PrevHash,
		"agent_id":         agent,
		"hash_alg_version": ev.HashAlgVersion,
		"sig_alg_version":  ev.SigAlgVersion,
		"local_timestamp":  ev.LocalTimestamp,
	}
}

// ContentBytes returns the canonical bytes the content hash is computed over.
func ContentBytes(ev ledger.Event) ([]byte, error) {
	return canonical.Encode(hashedFields(ev))
}

// ComputeContentHash hashes ev with the algorithm named by ev.HashAlgVersion.
func ComputeContentHash(ev ledger.Event) (string, error) {
	b, err := ContentBytes(ev)
	if err != nil {
		return "", fmt.Errorf("encode event %d: %w", ev.Sequence, err)
	}
	return Digest(ev.HashAlgVersion, b)
}

// SequenceReader is the subset of a ledger store GetPrevHash needs.
type SequenceReader interface {
	GetBySequence(ctx context.Context, sequence uint64) (ledger.Event, error)
}

// GetPrevHash returns the prev_hash an event at sequence must carry: the
// genesis value for sequence 1, otherwise the content hash of sequence-1.
// A missing predecessor is reported as ErrInconsistent.
func GetPrevHash(ctx context.Context, sequence uint64, r SequenceReader) (string, error) {
	if sequence == 0 {
		return "", fmt.Errorf("sequence must be positive")
	}
	if sequence == 1 {
		return ledger.GenesisHash, nil
	}
	prev, err := r.GetBySequence(ctx, sequence-1)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", fmt.Errorf("%w: predecessor of sequence %d is missing", ErrInconsistent, sequence)
	}
	if err != nil {
		return "", fmt.Errorf("read predecessor of sequence %d: %w", sequence, err)
	}
	return prev.ContentHash, nil
}

// VerifyChain verifies a complete ledger beginning at sequence 1.
func VerifyChain(events []ledger.Event) error {
	return VerifyFrom(Genesis, events)
}

// VerifyFrom verifies that events extend anchor: sequences are contiguous,
// every prev_hash matches its predecessor's content hash, and every content
// hash matches a recomputation. It returns a *MismatchError for the first
// failing event.
func VerifyFrom(anchor Link, events []ledger.Event) error {
	prev := anchor
	for i, ev := range events {
		if ev.Sequence != prev.Sequence+1 {
			return &MismatchError{Index: i, Sequence: ev.Sequence,
				Reason: fmt.Sprintf("sequence gap: expected %d", prev.Sequence+1)}
		}
		if ev.PrevHash != prev.ContentHash {
			reason := fmt.Sprintf("prev_hash does not match content_hash of sequence %d", prev.Sequence)
			if prev.Sequence == 0 {
				reason = "first event does not link to genesis"
			}
			return &MismatchError{Index: i, Sequence: ev.Sequence, Reason: reason}
		}
		got, err := ComputeContentHash(ev)
		if err != nil {
			return &MismatchError{Index: i, Sequence: ev.Sequence, Reason: err.Error()}
		}
		if got != ev.ContentHash {
			return &MismatchError{Index: i, Sequence: ev.Sequence, Reason: "content_hash does not match recomputation"}
		}
		prev = LinkOf(ev)
	}
	return nil
}

// RangeReader is the subset of a ledger store VerifyRange needs.
type RangeReader interface {
	SequenceReader
	Range(ctx context.Context, from, to uint64) ([]ledger.Event, error)
}

// VerifyRange reads sequences from..to and verifies them against the stored
// predecessor of from (genesis when from is 1). It returns the verified
// events. A to of zero means through the tail.
func VerifyRange(ctx context.Context, r RangeReader, from, to uint64) ([]ledger.Event, error) {
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		return nil, fmt.Errorf("invalid range %d..%d", from, to)
	}

	anchor := Genesis
	if from > 1 {
		prev, err := r.GetBySequence(ctx, from-1)
		if err != nil {
			return nil, fmt.Errorf("%w: read anchor %d: %v", ErrInconsistent, from-1, err)
		}
		anchor = LinkOf(prev)
	}

	events, err := r.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("read events %d..%d: %w", from, to, err)
	}
	if to != 0 && uint64(len(events)) != to-from+1 {
		return events, fmt.Errorf("%w: expected %d events in %d..%d, read %d",
			ErrInconsistent, to-from+1, from, to, len(events))
	}
	return events, VerifyFrom(anchor, events)
}
