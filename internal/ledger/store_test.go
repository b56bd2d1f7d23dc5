package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/governance-ledger/internal/ledger"
)

var ctx = context.Background()

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// nextEvent builds an event that extends prev (or genesis when prev is nil).
// Stores only check linkage, so the content hash is a stand-in.
func nextEvent(prev *ledger.Event, eventType string) ledger.Event {
	seq, prevHash := uint64(1), ledger.GenesisHash
	if prev != nil {
		seq, prevHash = prev.Sequence+1, prev.ContentHash
	}
	return ledger.Event{
		EventID:            uuid.New(),
		Sequence:           seq,
		EventType:          eventType,
		Payload:            map[string]any{"seq": fmt.Sprint(seq), "nested": map[string]any{"k": "v"}},
		PrevHash:           prevHash,
		ContentHash:        fmt.Sprintf("%064x", seq),
		HashAlgVersion:     1,
		SigAlgVersion:      1,
		AgentID:            "agent-a",
		Signature:          "c2lnbmF0dXJl",
		WitnessID:          "witness-1",
		WitnessSignature:   "d2l0bmVzcw==",
		LocalTimestamp:     epoch.Add(time.Duration(seq) * time.Second),
		AuthorityTimestamp: epoch.Add(time.Duration(seq) * time.Second),
	}
}

func appendN(t *testing.T, s ledger.Store, n int, eventType string) []ledger.Event {
	t.Helper()
	var out []ledger.Event
	tail, ok, err := s.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var prev *ledger.Event
	if ok {
		prev = &tail
	}
	for i := 0; i < n; i++ {
		ev := nextEvent(prev, eventType)
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append(%d): %v", ev.Sequence, err)
		}
		out = append(out, ev)
		prev = &out[len(out)-1]
	}
	return out
}

// testStoreContract exercises the behaviour every Store must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("empty ledger", func(t *testing.T) {
		s := newStore(t)
		if _, ok, err := s.Tail(ctx); err != nil || ok {
			t.Errorf("Tail on empty ledger: ok=%v err=%v", ok, err)
		}
		n, err := s.Len(ctx)
		if err != nil || n != 0 {
			t.Errorf("Len = %d, %v", n, err)
		}
		if _, err := s.GetBySequence(ctx, 1); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("first event must link to genesis", func(t *testing.T) {
		s := newStore(t)
		ev := nextEvent(nil, "vote.cast")
		ev.PrevHash = fmt.Sprintf("%064x", 7)
		if err := s.Append(ctx, ev); !errors.Is(err, ledger.ErrChainConflict) {
			t.Errorf("expected ErrChainConflict, got %v", err)
		}
	})

	t.Run("append and read back", func(t *testing.T) {
		s := newStore(t)
		written := appendN(t, s, 3, "vote.cast")

		got, err := s.GetBySequence(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		want := written[1]
		if got.EventID != want.EventID || got.ContentHash != want.ContentHash || got.PrevHash != want.PrevHash {
			t.Errorf("GetBySequence(2) = %+v, want %+v", got, want)
		}
		if got.AgentID != "agent-a" || got.Signature != want.Signature || got.WitnessID != "witness-1" {
			t.Errorf("attribution fields not preserved: %+v", got)
		}
		if !got.LocalTimestamp.Equal(want.LocalTimestamp) || !got.AuthorityTimestamp.Equal(want.AuthorityTimestamp) {
			t.Errorf("timestamps not preserved: %v %v", got.LocalTimestamp, got.AuthorityTimestamp)
		}
		nested, ok := got.Payload["nested"].(map[string]any)
		if !ok || nested["k"] != "v" {
			t.Errorf("payload not preserved: %#v", got.Payload)
		}

		byID, err := s.GetByID(ctx, want.EventID)
		if err != nil || byID.Sequence != 2 {
			t.Errorf("GetByID = %d, %v", byID.Sequence, err)
		}
		if _, err := s.GetByID(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		tail, ok, err := s.Tail(ctx)
		if err != nil || !ok || tail.Sequence != 3 {
			t.Errorf("Tail = %d, %v, %v", tail.Sequence, ok, err)
		}
	})

	t.Run("system event has no agent or signature", func(t *testing.T) {
		s := newStore(t)
		ev := nextEvent(nil, "system.verification.passed")
		ev.AgentID = ""
		ev.Signature = ""
		if err := s.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetBySequence(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !got.SystemAuthored() || got.Signature != "" {
			t.Errorf("expected system-authored event, got agent=%q sig=%q", got.AgentID, got.Signature)
		}
	})

	t.Run("rejects stale and skipping appends", func(t *testing.T) {
		s := newStore(t)
		written := appendN(t, s, 2, "vote.cast")

		stale := nextEvent(&written[0], "vote.cast")
		if err := s.Append(ctx, stale); !errors.Is(err, ledger.ErrChainConflict) {
			t.Errorf("stale append: expected ErrChainConflict, got %v", err)
		}
		skip := nextEvent(&written[1], "vote.cast")
		skip.Sequence = 5
		if err := s.Append(ctx, skip); !errors.Is(err, ledger.ErrChainConflict) {
			t.Errorf("skipping append: expected ErrChainConflict, got %v", err)
		}
		wrongPrev := nextEvent(&written[1], "vote.cast")
		wrongPrev.PrevHash = written[0].ContentHash
		if err := s.Append(ctx, wrongPrev); !errors.Is(err, ledger.ErrChainConflict) {
			t.Errorf("wrong prev_hash: expected ErrChainConflict, got %v", err)
		}
	})

	t.Run("rejects duplicate event id", func(t *testing.T) {
		s := newStore(t)
		written := appendN(t, s, 1, "vote.cast")
		dup := nextEvent(&written[0], "vote.cast")
		dup.EventID = written[0].EventID
		if err := s.Append(ctx, dup); !errors.Is(err, ledger.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("rejects unwitnessed event", func(t *testing.T) {
		s := newStore(t)
		ev := nextEvent(nil, "vote.cast")
		ev.WitnessSignature = ""
		if err := s.Append(ctx, ev); !errors.Is(err, ledger.ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("range and type queries", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, 2, "vote.cast")
		appendN(t, s, 1, "cessation.executed")
		appendN(t, s, 2, "system.verification.bypassed")

		all, err := s.Range(ctx, 1, 0)
		if err != nil || len(all) != 5 {
			t.Fatalf("Range(1, 0) = %d events, %v", len(all), err)
		}
		for i, ev := range all {
			if ev.Sequence != uint64(i+1) {
				t.Errorf("Range not ordered: index %d has sequence %d", i, ev.Sequence)
			}
		}
		mid, err := s.Range(ctx, 2, 4)
		if err != nil || len(mid) != 3 || mid[0].Sequence != 2 {
			t.Errorf("Range(2, 4) = %d events, %v", len(mid), err)
		}

		first, ok, err := s.FirstOfType(ctx, "cessation.executed")
		if err != nil || !ok || first.Sequence != 3 {
			t.Errorf("FirstOfType = %d, %v, %v", first.Sequence, ok, err)
		}
		if _, ok, _ := s.FirstOfType(ctx, "petition.filed"); ok {
			t.Error("FirstOfType found a type that was never written")
		}

		n, err := s.CountOfTypeSince(ctx, "system.verification.bypassed", epoch)
		if err != nil || n != 2 {
			t.Errorf("CountOfTypeSince(epoch) = %d, %v", n, err)
		}
		n, err = s.CountOfTypeSince(ctx, "system.verification.bypassed", epoch.Add(5*time.Second))
		if err != nil || n != 1 {
			t.Errorf("CountOfTypeSince(seq 5) = %d, %v", n, err)
		}
	})

	t.Run("concurrent readers during writes", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		done := make(chan struct{})
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					tail, ok, err := s.Tail(ctx)
					if err != nil {
						t.Errorf("Tail: %v", err)
						return
					}
					if ok && (tail.ContentHash == "" || tail.Payload == nil) {
						t.Errorf("observed partial event at sequence %d", tail.Sequence)
						return
					}
				}
			}()
		}
		appendN(t, s, 20, "vote.cast")
		close(done)
		wg.Wait()
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) ledger.Store { return ledger.NewMemoryStore() })
}

func TestMemoryStore_payloadIsolation(t *testing.T) {
	s := ledger.NewMemoryStore()
	ev := nextEvent(nil, "vote.cast")
	if err := s.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	ev.Payload["nested"].(map[string]any)["k"] = "mutated"

	got, err := s.GetBySequence(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload["nested"].(map[string]any)["k"] != "v" {
		t.Error("caller mutation leaked into stored event")
	}
	got.Payload["seq"] = "changed"
	again, _ := s.GetBySequence(ctx, 1)
	if again.Payload["seq"] != "1" {
		t.Error("reader mutation leaked into stored event")
	}
}
