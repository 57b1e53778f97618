// Package records defines the ordered record type that flows through every
// stage of a seed run: loaders produce records, the transformation pipeline
// reshapes them, and the commit layer hands them to a target backend.
//
// A Record preserves field insertion order so that generated column lists and
// diagnostic output stay stable between runs.
package records

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is an ordered field-name → value mapping. The zero value is an empty
// record ready for use.
type Record struct {
	keys []string
	vals map[string]any
}

// New builds a record from alternating key/value pairs. It panics on an odd
// argument count or a non-string key; it is meant for literals in code and tests.
func New(kv ...any) Record {
	if len(kv)%2 != 0 {
		panic("records.New: odd number of arguments")
	}
	var r Record
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("records.New: key %v is not a string", kv[i]))
		}
		r.Set(k, kv[i+1])
	}
	return r
}

// FromMap converts a plain map into a record with keys in sorted order.
func FromMap(m map[string]any) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := Record{keys: keys, vals: make(map[string]any, len(m))}
	for _, k := range keys {
		r.vals[k] = m[k]
	}
	return r
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.keys) }

// Keys returns a copy of the field names in order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Has reports whether the field is present (even with a nil value).
func (r Record) Has(key string) bool {
	_, ok := r.vals[key]
	return ok
}

// Lookup returns the value for key and whether it is present.
func (r Record) Lookup(key string) (any, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// Get returns the value for key or nil.
func (r Record) Get(key string) any { return r.vals[key] }

// Set writes key. New keys are appended; existing keys keep their position.
func (r *Record) Set(key string, v any) {
	if r.vals == nil {
		r.vals = map[string]any{}
	}
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = v
}

// Delete removes key if present.
func (r *Record) Delete(key string) {
	if _, ok := r.vals[key]; !ok {
		return
	}
	delete(r.vals, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Rename moves the value of from to to, keeping from's position. An existing
// to field is replaced. Renaming a missing field is a no-op.
func (r *Record) Rename(from, to string) {
	v, ok := r.vals[from]
	if !ok || from == to {
		return
	}
	if _, exists := r.vals[to]; exists {
		r.Delete(to)
	}
	for i, k := range r.keys {
		if k == from {
			r.keys[i] = to
			break
		}
	}
	delete(r.vals, from)
	r.vals[to] = v
}

// Clone returns a deep copy; nested maps, records and slices are copied so the
// result shares no mutable state with r.
func (r Record) Clone() Record {
	out := Record{keys: make([]string, len(r.keys)), vals: make(map[string]any, len(r.vals))}
	copy(out.keys, r.keys)
	for k, v := range r.vals {
		out.vals[k] = cloneValue(v)
	}
	return out
}

// Map returns a shallow plain-map view (a new map).
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.vals))
	for k, v := range r.vals {
		m[k] = v
	}
	return m
}

// Range calls fn for each field in order until fn returns false.
func (r Record) Range(fn func(key string, v any) bool) {
	for _, k := range r.keys {
		if !fn(k, r.vals[k]) {
			return
		}
	}
}

// Path resolves a dotted path such as "Owner.Address.City". A direct field
// whose name contains dots wins over nested traversal. Numeric segments index
// into slices. Any missing intermediate yields (nil, false).
func (r Record) Path(path string) (any, bool) {
	if v, ok := r.vals[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	segs := strings.Split(path, ".")
	var cur any = r
	for _, s := range segs {
		next, ok := step(cur, s)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case Record:
		return c.Lookup(seg)
	case *Record:
		if c == nil {
			return nil, false
		}
		return c.Lookup(seg)
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}
	return nil, false
}

// CloneValue deep-copies nested records, maps and slices; scalars are
// returned as-is.
func CloneValue(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return t.Clone()
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	}
	return v
}

// IsEmpty reports whether v counts as "no value": nil or the empty string.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// String renders a scalar for keys, templates and messages. nil renders as "".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
