// Package eventtype validates ledger event type names.
//
// Two checks apply to every name, in order. The prohibition check rejects
// any name whose vocabulary would describe undoing the terminal cessation
// action; it is fatal when it matches a statically registered type and is
// repeated on every write. The format check then requires dot-separated
// lowercase segments.
package eventtype

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	// ErrProhibited is matched by every *ProhibitedError.
	ErrProhibited = errors.New("event type prohibited")
	// ErrInvalidEventType is returned for names that pass the prohibition
	// check but are not well formed.
	ErrInvalidEventType = errors.New("invalid event type")
)

// ProhibitedError reports a name rejected by the prohibition vocabulary.
type ProhibitedError struct {
	EventType string
	Rule      string
	Term      string
}

func (e *ProhibitedError) Error() string {
	return fmt.Sprintf("event type %q prohibited by rule %s (matched %q)", e.EventType, e.Rule, e.Term)
}

// Is reports whether target is ErrProhibited.
func (e *ProhibitedError) Is(target error) bool { return target == ErrProhibited }

const maxNameLength = 128

var validFormat = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Validate runs the prohibition check and then the format check.
func Validate(name string) error {
	if err := CheckProhibited(name); err != nil {
		return err
	}
	return CheckFormat(name)
}

// CheckFormat reports whether name is a well-formed event type.
func CheckFormat(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidEventType, name, maxNameLength)
	}
	if !validFormat.MatchString(name) {
		return fmt.Errorf("%w: %q must be dot-separated lowercase segments", ErrInvalidEventType, name)
	}
	return nil
}

// CheckProhibited returns a *ProhibitedError when name matches the
// prohibition vocabulary. Matching ignores case and separators.
func CheckProhibited(name string) error {
	tokens := tokenize(name)
	for _, r := range rules {
		if term, ok := r.match(tokens); ok {
			return &ProhibitedError{EventType: name, Rule: r.name, Term: term}
		}
	}
	return nil
}

// tokenize splits name on non-alphanumeric runes and lower-to-upper case
// boundaries, lowercases the pieces, and adds every adjacent pair joined
// together so that "roll_back" also yields "rollback". A token that begins
// with a cessation stem also yields its remainder, so "cessationundo"
// yields "undo".
func tokenize(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range name {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()

	tokens := append([]string(nil), words...)
	for i := 0; i+1 < len(words); i++ {
		tokens = append(tokens, words[i]+words[i+1])
	}
	for _, w := range words {
		for _, stem := range domainStems {
			if rest, ok := strings.CutPrefix(w, stem); ok && len(rest) > 0 {
				tokens = append(tokens, trimStemTail(rest))
			}
		}
	}
	return tokens
}

// trimStemTail drops the inflection left over after cutting a stem, so
// "cessationundo" cut at "cessat" leaves "undo" rather than "ionundo".
func trimStemTail(rest string) string {
	for _, suffix := range []string{"ions", "ion", "ed", "es", "e", "ing"} {
		if r, ok := strings.CutPrefix(rest, suffix); ok && len(r) > 0 {
			return r
		}
	}
	return rest
}

// ── Registry ──────────────────────────────────────────────────────────────────

// Registry is the set of event types a deployment recognises.
type Registry struct {
	mu    sync.RWMutex
	types map[string]struct{}
}

// NewRegistry validates and registers types. Any prohibited or malformed
// name is returned as an error; callers treat that as fatal at startup.
func NewRegistry(types ...string) (*Registry, error) {
	r := &Registry{types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates name and adds it to the registry.
func (r *Registry) Register(name string) error {
	if err := Validate(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = struct{}{}
	return nil
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Types returns the registered names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
