// Package witness selects independent witnesses for ledger events and
// obtains their attestations.
package witness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmerrifield20/governance-ledger/internal/signing"
)

// ErrUnavailable is matched by every *UnavailableError.
var ErrUnavailable = errors.New("witness unavailable")

// UnavailableError reports that no witness could attest an event.
type UnavailableError struct {
	WitnessID string
	Err       error
}

func (e *UnavailableError) Error() string {
	if e.WitnessID == "" {
		return fmt.Sprintf("witness unavailable: %v", e.Err)
	}
	return fmt.Sprintf("witness %q unavailable: %v", e.WitnessID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports whether target is ErrUnavailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Pool is the set of witnesses a writer may ask for attestation.
type Pool interface {
	// Select returns a witness other than exclude (the event author).
	Select(ctx context.Context, exclude string) (string, error)
	// Attest has witnessID sign the signable content and returns the
	// encoded signature.
	Attest(ctx context.Context, witnessID string, signable []byte) (string, error)
	// Available returns the number of witnesses currently able to attest.
	Available(ctx context.Context) (int, error)
}

// MemoryPool rotates round-robin through a fixed witness list. Attestations
// are signed with each witness's key from the signing service's registry.
type MemoryPool struct {
	signer *signing.Service

	mu   sync.Mutex
	ids  []string
	down map[string]bool
	next int
}

// NewMemoryPool returns a pool of the given witness identities.
func NewMemoryPool(signer *signing.Service, ids ...string) *MemoryPool {
	return &MemoryPool{
		signer: signer,
		ids:    append([]string(nil), ids...),
		down:   make(map[string]bool),
	}
}

// IDs returns the configured witness identities.
func (p *MemoryPool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

// SetAvailable marks a witness as able or unable to attest.
func (p *MemoryPool) SetAvailable(id string, available bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if available {
		delete(p.down, id)
	} else {
		p.down[id] = true
	}
}

// Select implements Pool.
func (p *MemoryPool) Select(_ context.Context, exclude string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.ids); i++ {
		id := p.ids[(p.next+i)%len(p.ids)]
		if id == exclude || p.down[id] {
			continue
		}
		p.next = (p.next + i + 1) % len(p.ids)
		return id, nil
	}
	return "", &UnavailableError{Err: fmt.Errorf("no eligible witness among %d", len(p.ids))}
}

// Attest implements Pool.
func (p *MemoryPool) Attest(ctx context.Context, witnessID string, signable []byte) (string, error) {
	p.mu.Lock()
	down := p.down[witnessID]
	p.mu.Unlock()
	if down {
		return "", &UnavailableError{WitnessID: witnessID, Err: errors.New("marked unavailable")}
	}
	sig, err := p.signer.SignAs(ctx, witnessID, signable)
	if err != nil {
		return "", &UnavailableError{WitnessID: witnessID, Err: err}
	}
	return sig, nil
}

// Available implements Pool. A witness counts only when it is not marked
// down and its signing key resolves.
func (p *MemoryPool) Available(ctx context.Context) (int, error) {
	p.mu.Lock()
	ids := append([]string(nil), p.ids...)
	down := make(map[string]bool, len(p.down))
	for k, v := range p.down {
		down[k] = v
	}
	p.mu.Unlock()

	n := 0
	for _, id := range ids {
		if down[id] {
			continue
		}
		if _, err := p.signer.Keys().SigningKey(ctx, id, p.signer.Version()); err != nil {
			continue
		}
		n++
	}
	return n, nil
}
