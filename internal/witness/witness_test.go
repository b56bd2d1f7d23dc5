package witness_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmerrifield20/governance-ledger/internal/signing"
	"github.com/jmerrifield20/governance-ledger/internal/witness"
)

var ctx = context.Background()

func newPool(t *testing.T, ids ...string) (*witness.MemoryPool, *signing.Service) {
	t.Helper()
	reg := signing.NewMemoryRegistry()
	for _, id := range ids {
		if _, err := reg.Generate(id); err != nil {
			t.Fatal(err)
		}
	}
	svc := signing.NewService(reg)
	return witness.NewMemoryPool(svc, ids...), svc
}

func TestSelect_roundRobin(t *testing.T) {
	p, _ := newPool(t, "w1", "w2", "w3")
	var got []string
	for i := 0; i < 4; i++ {
		id, err := p.Select(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, id)
	}
	want := []string{"w1", "w2", "w3", "w1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("selection %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSelect_neverPicksAuthor(t *testing.T) {
	p, _ := newPool(t, "w1", "w2")
	for i := 0; i < 6; i++ {
		id, err := p.Select(ctx, "w1")
		if err != nil {
			t.Fatal(err)
		}
		if id == "w1" {
			t.Fatal("author selected as its own witness")
		}
	}
}

func TestSelect_noneEligible(t *testing.T) {
	p, _ := newPool(t, "w1")
	if _, err := p.Select(ctx, "w1"); !errors.Is(err, witness.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable when only the author is a witness, got %v", err)
	}

	p.SetAvailable("w1", false)
	if _, err := p.Select(ctx, ""); !errors.Is(err, witness.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable with every witness down, got %v", err)
	}

	empty, _ := newPool(t)
	if _, err := empty.Select(ctx, ""); !errors.Is(err, witness.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for an empty pool, got %v", err)
	}
}

func TestAttest_verifiesWithWitnessKey(t *testing.T) {
	p, svc := newPool(t, "w1")
	data := signing.SignableContent("c", "p", "agent-1")
	sig, err := p.Attest(ctx, "w1", data)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.VerifyAs(ctx, "w1", signing.SigAlgEd25519, data, sig); err != nil {
		t.Errorf("attestation does not verify: %v", err)
	}
}

func TestAttest_missingKeyIsUnavailable(t *testing.T) {
	reg := signing.NewMemoryRegistry()
	p := witness.NewMemoryPool(signing.NewService(reg), "ghost")
	_, err := p.Attest(ctx, "ghost", []byte("x"))
	if !errors.Is(err, witness.ErrUnavailable) || !errors.Is(err, signing.ErrKeyNotFound) {
		t.Errorf("expected unavailable wrapping ErrKeyNotFound, got %v", err)
	}
	if n, _ := p.Available(ctx); n != 0 {
		t.Errorf("Available = %d, want 0 for a witness without a key", n)
	}
}

func TestAvailable(t *testing.T) {
	p, _ := newPool(t, "w1", "w2", "w3")
	p.SetAvailable("w2", false)
	n, err := p.Available(ctx)
	if err != nil || n != 2 {
		t.Errorf("Available = %d, %v, want 2", n, err)
	}
	p.SetAvailable("w2", true)
	if n, _ := p.Available(ctx); n != 3 {
		t.Errorf("Available after restore = %d, want 3", n)
	}
}
