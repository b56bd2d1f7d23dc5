package eventtype_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/governance-ledger/internal/eventtype"
)

func TestValidate_rejectsProhibited(t *testing.T) {
	for _, name := range []string{
		"cessation.reversal",
		"CESSATION_UNDO",
		"cessation-revert",
		"uncease",
		"resurrect",
		"cessation.restored",
		"cessation.roll_back",
		"CessationCancelled",
		"cessationundo",
		"system.uncease.requested",
		"ceasefire.reverted",
		"cessation.rescinded",
	} {
		t.Run(name, func(t *testing.T) {
			err := eventtype.Validate(name)
			var pe *eventtype.ProhibitedError
			if !errors.As(err, &pe) {
				t.Fatalf("Validate(%q) = %v, want *ProhibitedError", name, err)
			}
			if !errors.Is(err, eventtype.ErrProhibited) {
				t.Error("ProhibitedError should match ErrProhibited")
			}
			if pe.EventType != name || pe.Rule == "" || pe.Term == "" {
				t.Errorf("incomplete error: %+v", pe)
			}
		})
	}
}

func TestValidate_acceptsOrdinaryTypes(t *testing.T) {
	for _, name := range []string{
		"cessation.executed",
		"cessation.consideration",
		"vote.cast",
		"petition.created",
		"petition.withdrawn",
		"system.verification.passed",
	} {
		if err := eventtype.Validate(name); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidate_formatCheckedAfterProhibition(t *testing.T) {
	for _, name := range []string{"Vote.Cast", "vote", "vote..cast", "1vote.cast", "vote.cast.", ""} {
		err := eventtype.Validate(name)
		if !errors.Is(err, eventtype.ErrInvalidEventType) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidEventType", name, err)
		}
		if errors.Is(err, eventtype.ErrProhibited) {
			t.Errorf("Validate(%q) reported prohibition for a format problem", name)
		}
	}

	// Prohibited and malformed: prohibition wins.
	if err := eventtype.Validate("CESSATION_UNDO"); !errors.Is(err, eventtype.ErrProhibited) {
		t.Errorf("expected prohibition to be reported first, got %v", err)
	}
}

func TestNewRegistry_defaultsAreClean(t *testing.T) {
	r, err := eventtype.NewRegistry(eventtype.DefaultTypes...)
	if err != nil {
		t.Fatalf("default vocabulary rejected: %v", err)
	}
	if !r.Contains(eventtype.Terminal) {
		t.Error("terminal type missing from default registry")
	}
	if len(r.Types()) != len(eventtype.DefaultTypes) {
		t.Errorf("Types() = %d entries, want %d", len(r.Types()), len(eventtype.DefaultTypes))
	}
}

func TestNewRegistry_failsOnProhibitedEntry(t *testing.T) {
	types := append([]string{}, eventtype.DefaultTypes...)
	types = append(types, "cessation.reversal")
	if _, err := eventtype.NewRegistry(types...); !errors.Is(err, eventtype.ErrProhibited) {
		t.Errorf("expected ErrProhibited from NewRegistry, got %v", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	r, err := eventtype.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register("motion.tabled"); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("cessation-revert"); !errors.Is(err, eventtype.ErrProhibited) {
		t.Errorf("runtime registration of prohibited type: %v", err)
	}
	if r.Contains("cessation-revert") {
		t.Error("prohibited type was registered")
	}
}
