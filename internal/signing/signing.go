// Package signing produces and checks the Ed25519 signatures that attribute
// ledger events to their author and their witness.
//
// Both signatures cover the same signable content: the event's content hash,
// its prev_hash and the author identity joined by ":". A system-authored
// event is represented by the identity "system". Signatures travel as
// standard base64 text.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

// Signature algorithm versions recorded on each event.
const (
	SigAlgEd25519 = 1

	CurrentSigAlgVersion = SigAlgEd25519
)

// SystemSigner is the identity written into signable content for events that
// have no agent author.
const SystemSigner = "system"

// Separator joins the parts of the signable content.
const Separator = ":"

var (
	// ErrSignature is matched by every *SignatureError.
	ErrSignature = errors.New("signature error")
	// ErrKeyNotFound is returned when no key is registered for a signer.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrUnsupportedAlgorithm is returned for an unknown sig_alg_version.
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm version")
	// ErrInvalid is returned when a signature does not verify.
	ErrInvalid = errors.New("signature does not verify")
)

// SignatureError reports a failed signing or verification operation.
type SignatureError struct {
	SignerID string
	Op       string // "sign" or "verify"
	Err      error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s as %q: %v", e.Op, e.SignerID, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSignature.
func (e *SignatureError) Is(target error) bool { return target == ErrSignature }

// SignableContent returns the bytes author and witness signatures cover.
func SignableContent(contentHash, prevHash, agentID string) []byte {
	if agentID == "" {
		agentID = SystemSigner
	}
	return []byte(contentHash + Separator + prevHash + Separator + agentID)
}

// EventSignable returns the signable content of ev.
func EventSignable(ev ledger.Event) []byte {
	return SignableContent(ev.ContentHash, ev.PrevHash, ev.AgentID)
}

// Sign signs data with key.
func Sign(data []byte, key ed25519.PrivateKey) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(key))
	}
	return ed25519.Sign(key, data), nil
}

// Verify reports whether sig is a valid signature of data by pub.
func Verify(data, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// EncodeSignature returns the transport form of sig.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSignature parses the transport form of a signature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return sig, nil
}

// KeyRegistry resolves key material by signer identity and algorithm version.
type KeyRegistry interface {
	SigningKey(ctx context.Context, signerID string, sigAlgVersion int) (ed25519.PrivateKey, error)
	VerifyKey(ctx context.Context, signerID string, sigAlgVersion int) (ed25519.PublicKey, error)
}

// Service signs and verifies on behalf of registered identities.
type Service struct {
	keys    KeyRegistry
	version int
}

// NewService returns a Service that signs with the current algorithm version.
func NewService(keys KeyRegistry) *Service {
	return &Service{keys: keys, version: CurrentSigAlgVersion}
}

// Version returns the signature algorithm version new signatures use.
func (s *Service) Version() int { return s.version }

// Keys returns the underlying registry.
func (s *Service) Keys() KeyRegistry { return s.keys }

// SignAs signs data with the key registered for signerID and returns the
// encoded signature.
func (s *Service) SignAs(ctx context.Context, signerID string, data []byte) (string, error) {
	if s.version != SigAlgEd25519 {
		return "", &SignatureError{SignerID: signerID, Op: "sign", Err: fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, s.version)}
	}
	key, err := s.keys.SigningKey(ctx, signerID, s.version)
	if err != nil {
		return "", &SignatureError{SignerID: signerID, Op: "sign", Err: err}
	}
	sig, err := Sign(data, key)
	if err != nil {
		return "", &SignatureError{SignerID: signerID, Op: "sign", Err: err}
	}
	return EncodeSignature(sig), nil
}

// VerifyAs checks an encoded signature by signerID made with sigAlgVersion.
func (s *Service) VerifyAs(ctx context.Context, signerID string, sigAlgVersion int, data []byte, encoded string) error {
	if sigAlgVersion != SigAlgEd25519 {
		return &SignatureError{SignerID: signerID, Op: "verify", Err: fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, sigAlgVersion)}
	}
	pub, err := s.keys.VerifyKey(ctx, signerID, sigAlgVersion)
	if err != nil {
		return &SignatureError{SignerID: signerID, Op: "verify", Err: err}
	}
	sig, err := DecodeSignature(encoded)
	if err != nil {
		return &SignatureError{SignerID: signerID, Op: "verify", Err: err}
	}
	if !Verify(data, sig, pub) {
		return &SignatureError{SignerID: signerID, Op: "verify", Err: ErrInvalid}
	}
	return nil
}

// VerifyEvent checks the author signature (for agent-authored events) and the
// witness signature of a stored event.
func (s *Service) VerifyEvent(ctx context.Context, ev ledger.Event) error {
	data := EventSignable(ev)
	if !ev.SystemAuthored() {
		if ev.Signature == "" {
			return &SignatureError{SignerID: ev.AgentID, Op: "verify", Err: errors.New("agent-authored event is unsigned")}
		}
		if err := s.VerifyAs(ctx, ev.AgentID, ev.SigAlgVersion, data, ev.Signature); err != nil {
			return fmt.Errorf("author signature of sequence %d: %w", ev.Sequence, err)
		}
	}
	if err := s.VerifyAs(ctx, ev.WitnessID, ev.SigAlgVersion, data, ev.WitnessSignature); err != nil {
		return fmt.Errorf("witness signature of sequence %d: %w", ev.Sequence, err)
	}
	return nil
}
