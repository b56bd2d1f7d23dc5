package checkpoint_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/governance-ledger/internal/checkpoint"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

var ctx = context.Background()

func fill(t *testing.T, s *ledger.MemoryStore, n int) {
	t.Helper()
	prev := ledger.GenesisHash
	for i := 1; i <= n; i++ {
		h := fmt.Sprintf("%064x", i)
		if err := s.Append(ctx, ledger.Event{
			EventID: uuid.New(), Sequence: uint64(i), EventType: "vote.cast",
			PrevHash: prev, ContentHash: h, WitnessID: "w", WitnessSignature: "s",
			LocalTimestamp: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		prev = h
	}
}

func TestCreateAndVerify(t *testing.T) {
	store := ledger.NewMemoryStore()
	anchors := checkpoint.NewMemoryStore()

	if _, err := checkpoint.Create(ctx, store, anchors); !errors.Is(err, checkpoint.ErrEmptyLedger) {
		t.Errorf("Create on empty ledger = %v, want ErrEmptyLedger", err)
	}

	fill(t, store, 4)
	a, err := checkpoint.Create(ctx, store, anchors)
	if err != nil {
		t.Fatal(err)
	}
	if a.Sequence != 4 {
		t.Errorf("anchored sequence = %d, want 4", a.Sequence)
	}

	latest, ok, err := anchors.Latest(ctx)
	if err != nil || !ok || latest.Sequence != 4 {
		t.Fatalf("Latest = %+v, %v, %v", latest, ok, err)
	}
	if err := checkpoint.Verify(ctx, store, latest); err != nil {
		t.Errorf("Verify on matching ledger: %v", err)
	}
}

func TestVerify_detectsDivergence(t *testing.T) {
	store := ledger.NewMemoryStore()
	fill(t, store, 3)

	tests := []struct {
		name   string
		anchor checkpoint.Anchor
	}{
		{"rewritten history", checkpoint.Anchor{Sequence: 2, ContentHash: fmt.Sprintf("%064x", 99)}},
		{"truncated ledger", checkpoint.Anchor{Sequence: 7, ContentHash: fmt.Sprintf("%064x", 7)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := checkpoint.Verify(ctx, store, tc.anchor); !errors.Is(err, checkpoint.ErrMismatch) {
				t.Errorf("Verify = %v, want ErrMismatch", err)
			}
		})
	}
}

func TestMemoryStore_LatestPicksHighestSequence(t *testing.T) {
	s := checkpoint.NewMemoryStore()
	if _, ok, _ := s.Latest(ctx); ok {
		t.Error("empty store returned an anchor")
	}
	for _, seq := range []uint64{3, 9, 5} {
		_ = s.Save(ctx, checkpoint.Anchor{Sequence: seq})
	}
	a, ok, _ := s.Latest(ctx)
	if !ok || a.Sequence != 9 {
		t.Errorf("Latest = %d, want 9", a.Sequence)
	}
}
