// Package canonical produces the deterministic byte encoding that feeds content
// hashing and signing. It is never used as a storage format.
//
// Values are normalized first (timestamps to one fixed UTC microsecond layout,
// UUIDs to their lowercase textual form) and then serialized as RFC 8785 JSON:
// object keys sorted, no insignificant whitespace, ES6 number formatting.
// Equal logical values therefore always encode to identical bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// TimestampLayout is the only timestamp form that appears in canonical bytes.
// Microsecond precision matches what the durable stores can round-trip.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrNonFinite is returned when a value contains NaN or ±Inf.
	ErrNonFinite = errors.New("canonical: non-finite number")
	// ErrImpreciseNumber is returned for a number the ES6 number form cannot
	// carry exactly: an integer outside ±(2^53-1), or a decimal that rounds
	// to a different double. Two such numbers could share canonical bytes.
	ErrImpreciseNumber = errors.New("canonical: number not exactly representable")
)

// maxSafeInteger is 2^53-1, the largest integer every double represents
// along with all its neighbours.
const maxSafeInteger = 1<<53 - 1

// Timestamp returns the canonical textual form of t.
func Timestamp(t time.Time) string {
	return Truncate(t).Format(TimestampLayout)
}

// Truncate reduces t to the precision carried by canonical timestamps, in UTC.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Identifier returns the canonical textual form of id.
func Identifier(id uuid.UUID) string {
	return id.String()
}

// Encode returns the canonical bytes for v.
func Encode(v any) ([]byte, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(n); err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimRight(buf.Bytes(), "\n"))
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// NormalizePayload returns a JSON-shaped deep copy of p: nested maps become
// map[string]any, numbers become json.Number, timestamps and UUIDs become
// canonical strings. A payload stored in this form re-encodes to the same
// canonical bytes after any JSON round trip through storage.
func NormalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	n, err := normalize(p)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal payload: %w", err)
	}
	return DecodePayload(raw)
}

// DecodePayload parses a stored JSON payload, keeping numbers as json.Number
// so their textual form is not altered by float conversion.
func DecodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode payload: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return Timestamp(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return Timestamp(*x), nil
	case uuid.UUID:
		return Identifier(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, ErrNonFinite
		}
		return x, nil
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, ErrNonFinite
		}
		return x, nil
	case json.Number:
		if err := checkNumber(string(x)); err != nil {
			return nil, err
		}
		return x, nil
	case int:
		return x, checkInt(int64(x))
	case int8, int16, int32, uint8, uint16:
		return x, nil
	case int64:
		return x, checkInt(x)
	case uint:
		return x, checkUint(uint64(x))
	case uint32:
		return x, nil
	case uint64:
		return x, checkUint(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = val
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

func checkInt(v int64) error {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return fmt.Errorf("%w: %d", ErrImpreciseNumber, v)
	}
	return nil
}

func checkUint(v uint64) error {
	if v > maxSafeInteger {
		return fmt.Errorf("%w: %d", ErrImpreciseNumber, v)
	}
	return nil
}

// checkNumber accepts a JSON number only when its value survives conversion
// to a double: integers must be safe, and decimals must equal the shortest
// form of the double they parse to.
func checkNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			if math.IsInf(f, 0) {
				return fmt.Errorf("%w: %s", ErrNonFinite, s)
			}
			return fmt.Errorf("%w: %s", ErrImpreciseNumber, s)
		}
		return fmt.Errorf("canonical: invalid number %q: %w", s, err)
	}
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrImpreciseNumber, s)
		}
		return checkInt(i)
	}
	exact, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("canonical: invalid number %q", s)
	}
	shortest, _ := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if exact.Cmp(shortest) != 0 {
		return fmt.Errorf("%w: %s", ErrImpreciseNumber, s)
	}
	return nil
}
