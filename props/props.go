// Package props implements the heterogeneous, case-variant property map used
// throughout the registry and Declarative Services runtime (services carry
// properties, references filter on them, components publish them).
//
// Values are restricted to a small tagged-union of primitives — bool, int64,
// float64, string, []any, map[string]any — mirroring the AnyMap/AnyVector
// scheme used by the framework this package is modelled on. Typed accessors
// return an error on a tag mismatch instead of panicking.
package props

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Well-known keys the registry preserves verbatim across SetProperties (R3).
const (
	ServiceID      = "service.id"
	ObjectClass    = "objectClass"
	ServiceScope   = "service.scope"
	ServiceRanking = "service.ranking"
)

// Map is an immutable-by-convention property map: callers obtain a Map from
// a builder or from Clone, mutate the clone, and hand the result back to the
// registry, which swaps it in atomically. A Map is safe to share and read
// concurrently once built; it has no internal locking.
type Map struct {
	values map[string]any // normalized (lower-cased) key -> value
	cased  map[string]string // normalized key -> original-case key
}

// New returns an empty Map.
func New() Map {
	return Map{values: map[string]any{}, cased: map[string]string{}}
}

// FromMap builds a Map from a plain map, validating that every value is one
// of the supported primitive types (or a slice/map composed of them).
func FromMap(m map[string]any) (Map, error) {
	out := New()
	for k, v := range m {
		if err := validateValue(v); err != nil {
			return Map{}, fmt.Errorf("props: key %q: %w", k, err)
		}
		out.set(k, v)
	}
	return out, nil
}

func validateValue(v any) error {
	switch t := v.(type) {
	case bool, int64, float64, string, nil:
		return nil
	case int:
		return nil // convenience: callers may pass plain int, normalized to int64
	case []any:
		for _, e := range t {
			if err := validateValue(e); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, e := range t {
			if err := validateValue(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported property value type %T", v)
	}
}

func normalizeValue(v any) any {
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}

func (m *Map) set(key string, value any) {
	norm := strings.ToLower(key)
	m.values[norm] = normalizeValue(value)
	m.cased[norm] = key
}

// With returns a copy of m with key set to value. The receiver is untouched.
func (m Map) With(key string, value any) Map {
	out := m.Clone()
	out.set(key, value)
	return out
}

// WithAll returns a copy of m with every entry of overlay applied on top.
func (m Map) WithAll(overlay map[string]any) Map {
	out := m.Clone()
	for k, v := range overlay {
		out.set(k, v)
	}
	return out
}

// Clone returns a deep-enough copy: the top-level map is copied, slice/map
// values are shared (they are treated as immutable once stored).
func (m Map) Clone() Map {
	out := Map{
		values: make(map[string]any, len(m.values)),
		cased:  make(map[string]string, len(m.cased)),
	}
	maps.Copy(out.values, m.values)
	maps.Copy(out.cased, m.cased)
	return out
}

// Get returns the raw value for key, matched case-insensitively.
func (m Map) Get(key string) (any, bool) {
	if m.values == nil {
		return nil, false
	}
	v, ok := m.values[strings.ToLower(key)]
	return v, ok
}

// Keys returns the original-case keys, sorted for deterministic iteration.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m.cased))
	for _, original := range m.cased {
		keys = append(keys, original)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (m Map) Len() int { return len(m.values) }

// String returns the string value for key, or an error if absent or the
// wrong type.
func (m Map) String(key string) (string, error) {
	v, ok := m.Get(key)
	if !ok {
		return "", fmt.Errorf("props: key %q not present", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("props: key %q is %T, not string", key, v)
	}
	return s, nil
}

// StringOr returns the string value for key, or def if absent or the wrong type.
func (m Map) StringOr(key, def string) string {
	if s, err := m.String(key); err == nil {
		return s
	}
	return def
}

// Int64 returns the int64 value for key, or an error if absent or the wrong type.
func (m Map) Int64(key string) (int64, error) {
	v, ok := m.Get(key)
	if !ok {
		return 0, fmt.Errorf("props: key %q not present", key)
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("props: key %q is %T, not int64", key, v)
	}
	return i, nil
}

// Int64Or returns the int64 value for key, or def if absent or the wrong type.
func (m Map) Int64Or(key string, def int64) int64 {
	if i, err := m.Int64(key); err == nil {
		return i
	}
	return def
}

// Bool returns the bool value for key, or an error if absent or the wrong type.
func (m Map) Bool(key string) (bool, error) {
	v, ok := m.Get(key)
	if !ok {
		return false, fmt.Errorf("props: key %q not present", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("props: key %q is %T, not bool", key, v)
	}
	return b, nil
}

// Float64 returns the float64 value for key, or an error if absent or the wrong type.
func (m Map) Float64(key string) (float64, error) {
	v, ok := m.Get(key)
	if !ok {
		return 0, fmt.Errorf("props: key %q not present", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("props: key %q is %T, not float64", key, v)
	}
	return f, nil
}

// Ranking returns the service.ranking property, defaulting to 0 when absent
// or of the wrong type (per spec, ranking is a signed integer property).
func (m Map) Ranking() int {
	if i, err := m.Int64(ServiceRanking); err == nil {
		return int(i)
	}
	return 0
}

// ObjectClasses returns the objectClass property as a string slice.
func (m Map) ObjectClasses() []string {
	v, ok := m.Get(ObjectClass)
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	default:
		return nil
	}
}

// Equal reports whether m and other have the same keys mapped to values that
// compare equal under a strict key-and-typed-value comparison. Per the
// UpdateIfDifferent open question (spec.md §9), int64(1) and float64(1) are
// NOT equal under this comparison.
func (m Map) Equal(other Map) bool {
	if m.Len() != other.Len() {
		return false
	}
	for k, v := range m.values {
		ov, ok := other.values[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, ok := bv[k]
			if !ok || !valuesEqual(v, ov) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// ToMap returns a plain map[string]any snapshot using original-case keys.
func (m Map) ToMap() map[string]any {
	out := make(map[string]any, len(m.values))
	for norm, v := range m.values {
		out[m.cased[norm]] = v
	}
	return out
}
