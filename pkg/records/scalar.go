package records

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Scalar holds the raw JSON text of one field. Decoding a Scalar never fails;
// the typed accessors report whether the value could be coerced.
//
// The zero Scalar represents an absent field and behaves like JSON null.
type Scalar struct {
	raw []byte
}

// ScalarOf builds a Scalar from a Go value. Intended for fixtures.
func ScalarOf(v any) Scalar {
	b, err := json.Marshal(v)
	if err != nil {
		return Scalar{}
	}
	return Scalar{raw: b}
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	s.raw = append(s.raw[:0], b...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Scalar) MarshalJSON() ([]byte, error) {
	if s.IsNull() {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// IsNull reports whether the field was absent or JSON null.
func (s Scalar) IsNull() bool {
	t := bytes.TrimSpace(s.raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Raw returns the JSON text as read.
func (s Scalar) Raw() string { return string(s.raw) }

// Text returns the value as a string. Numbers and booleans are rendered as
// their JSON text. Objects and arrays are not text.
func (s Scalar) Text() (string, bool) {
	if s.IsNull() {
		return "", false
	}
	t := bytes.TrimSpace(s.raw)
	switch t[0] {
	case '"':
		var out string
		if err := json.Unmarshal(t, &out); err != nil {
			return "", false
		}
		return out, true
	case '{', '[':
		return "", false
	default:
		return string(t), true
	}
}

// Float64 coerces numbers and numeric strings. Empty strings and non-finite
// values are not numbers.
func (s Scalar) Float64() (float64, bool) {
	txt, ok := s.numericText()
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(txt, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Int64 coerces integers, integral floats ("8.0") and numeric strings.
func (s Scalar) Int64() (int64, bool) {
	txt, ok := s.numericText()
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseInt(txt, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(txt, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func (s Scalar) numericText() (string, bool) {
	if s.IsNull() {
		return "", false
	}
	t := bytes.TrimSpace(s.raw)
	switch t[0] {
	case '"':
		var str string
		if err := json.Unmarshal(t, &str); err != nil {
			return "", false
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return "", false
		}
		return str, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(t), true
	default:
		return "", false
	}
}
