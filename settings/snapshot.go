package settings

import (
	"sort"
	"strings"
	"time"
)

// Snapshot is an immutable, fully-materialized view of the keys under one
// prefix at a specific store version. Consumers hold a snapshot for the
// duration of one unit of work and never observe partial updates.
type Snapshot struct {
	version int64
	prefix  string
	values  map[string]Value
}

// Version returns the store version this snapshot was taken at.
func (s *Snapshot) Version() int64 { return s.version }

// Prefix returns the key prefix this snapshot covers.
func (s *Snapshot) Prefix() string { return s.prefix }

// Len returns the number of keys in the snapshot.
func (s *Snapshot) Len() int { return len(s.values) }

// Get returns the value for key, if present.
func (s *Snapshot) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns all keys in the snapshot, sorted.
func (s *Snapshot) Keys() []string {
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Range calls fn for each key/value pair until fn returns false.
func (s *Snapshot) Range(fn func(key string, v Value) bool) {
	for k, v := range s.values {
		if !fn(k, v) {
			return
		}
	}
}

// GetString returns the string at key, or def when absent or mistyped.
func (s *Snapshot) GetString(key, def string) string {
	if v, ok := s.values[key]; ok {
		if out, ok := v.AsString(); ok {
			return out
		}
	}
	return def
}

// GetInt returns the integer at key, or def when absent or mistyped.
func (s *Snapshot) GetInt(key string, def int64) int64 {
	if v, ok := s.values[key]; ok {
		if out, ok := v.AsInt(); ok {
			return out
		}
	}
	return def
}

// GetFloat returns the float at key, or def when absent or mistyped.
func (s *Snapshot) GetFloat(key string, def float64) float64 {
	if v, ok := s.values[key]; ok {
		if out, ok := v.AsFloat(); ok {
			return out
		}
	}
	return def
}

// GetBool returns the bool at key, or def when absent or mistyped.
func (s *Snapshot) GetBool(key string, def bool) bool {
	if v, ok := s.values[key]; ok {
		if out, ok := v.AsBool(); ok {
			return out
		}
	}
	return def
}

// GetDuration returns the duration at key, or def when absent or unparsable.
func (s *Snapshot) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := s.values[key]; ok {
		if out, ok := v.AsDuration(); ok {
			return out
		}
	}
	return def
}

// filter builds a snapshot restricted to keys under prefix. The value map
// is shared when the prefix matches everything, since snapshots are
// immutable either way.
func (s *Snapshot) filter(prefix string) *Snapshot {
	if prefix == "" {
		return &Snapshot{version: s.version, prefix: prefix, values: s.values}
	}
	sub := make(map[string]Value)
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			sub[k] = v
		}
	}
	return &Snapshot{version: s.version, prefix: prefix, values: sub}
}
