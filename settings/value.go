package settings

import (
	"encoding/json"
	"fmt"
	"time"
)

// Value is a typed setting value carried as its canonical JSON encoding.
// The zero Value means "unset".
type Value struct {
	raw json.RawMessage
}

// StringValue wraps a string.
func StringValue(s string) Value {
	b, _ := json.Marshal(s)
	return Value{raw: b}
}

// IntValue wraps an integer.
func IntValue(n int64) Value {
	b, _ := json.Marshal(n)
	return Value{raw: b}
}

// FloatValue wraps a float.
func FloatValue(f float64) Value {
	b, _ := json.Marshal(f)
	return Value{raw: b}
}

// BoolValue wraps a bool.
func BoolValue(v bool) Value {
	b, _ := json.Marshal(v)
	return Value{raw: b}
}

// DurationValue wraps a duration, stored as a Go duration string (e.g. "1m30s").
func DurationValue(d time.Duration) Value {
	return StringValue(d.String())
}

// ObjectValue marshals an arbitrary struct or map.
func ObjectValue(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode setting value: %w", err)
	}
	return Value{raw: b}, nil
}

// RawValue wraps pre-encoded JSON, validating it first.
func RawValue(raw []byte) (Value, error) {
	if !json.Valid(raw) {
		return Value{}, fmt.Errorf("invalid JSON setting value")
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{raw: cp}, nil
}

// IsZero reports whether the value is unset.
func (v Value) IsZero() bool { return len(v.raw) == 0 }

// Raw returns the canonical JSON encoding. Callers must not mutate it.
func (v Value) Raw() json.RawMessage { return v.raw }

// AsString returns the value if it is a JSON string.
func (v Value) AsString() (string, bool) {
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsInt returns the value if it is a JSON number with no fractional part.
func (v Value) AsInt() (int64, bool) {
	var n int64
	if err := json.Unmarshal(v.raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// AsFloat returns the value if it is a JSON number.
func (v Value) AsFloat() (float64, bool) {
	var f float64
	if err := json.Unmarshal(v.raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// AsBool returns the value if it is a JSON bool.
func (v Value) AsBool() (bool, bool) {
	var b bool
	if err := json.Unmarshal(v.raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// AsDuration parses a duration from a string value ("30s") or a bare
// number of seconds.
func (v Value) AsDuration() (time.Duration, bool) {
	if s, ok := v.AsString(); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	if f, ok := v.AsFloat(); ok {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst any) error {
	if v.IsZero() {
		return fmt.Errorf("setting value is unset")
	}
	return json.Unmarshal(v.raw, dst)
}
