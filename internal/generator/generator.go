// Package generator holds the named functions a "generate" step uses to
// produce its records from the step's raw seed data and the identifiers
// committed so far.
package generator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
	"seedflow/pkg/records"
)

// Func produces records. It must not modify raw.
type Func func(raw []records.Record, ids idmap.Reader) ([]records.Record, error)

// Registry maps generator names to functions. The zero value is empty and
// ready to use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry holding the built-in generators.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register("repeat", Repeat)
	r.Register("per-parent", PerParent)
	return r
}

// Register adds or replaces the generator called name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs == nil {
		r.funcs = map[string]Func{}
	}
	r.funcs[name] = fn
}

// Get returns the generator called name, or a configuration error listing
// the known names.
func (r *Registry) Get(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, errs.Configf("unknown generator %q (have %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return fn, nil
}

// Names lists the registered generators, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

const (
	countField  = "_count"
	parentField = "_parent"
)

// Repeat emits each raw record _count times (default 1), replacing ${n} in
// string values with the 1-based copy number. _count itself is dropped.
func Repeat(raw []records.Record, _ idmap.Reader) ([]records.Record, error) {
	var out []records.Record
	for i, r := range raw {
		n := 1
		if v, ok := r.Lookup(countField); ok {
			c, err := toCount(v)
			if err != nil {
				return nil, errs.Configf("repeat: record %d: %s: %v", i, countField, err)
			}
			n = c
		}
		tmpl := r.Clone()
		tmpl.Delete(countField)
		for k := 1; k <= n; k++ {
			out = append(out, substitute(tmpl, "n", strconv.Itoa(k)).(records.Record))
		}
	}
	return out, nil
}

// PerParent emits, for each raw record naming a parent entity type in
// _parent, one record per business key already committed for that type, in
// key order, with ${parent} replaced by the key. _parent itself is dropped.
func PerParent(raw []records.Record, ids idmap.Reader) ([]records.Record, error) {
	var out []records.Record
	for i, r := range raw {
		parent := records.String(r.Get(parentField))
		if parent == "" {
			return nil, errs.Configf("per-parent: record %d: %s is required", i, parentField)
		}
		tmpl := r.Clone()
		tmpl.Delete(parentField)
		for _, key := range ids.Keys(parent) {
			out = append(out, substitute(tmpl, "parent", key).(records.Record))
		}
	}
	return out, nil
}

func toCount(v any) (int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("%v is not a whole number", t)
		}
		n = int(t)
	case string:
		c, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, err
		}
		n = c
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}

// substitute returns a deep copy of v with ${name} replaced in every string.
func substitute(v any, name, value string) any {
	ph := "${" + name + "}"
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, ph, value)
	case records.Record:
		out := records.New()
		t.Range(func(k string, vv any) bool {
			out.Set(k, substitute(vv, name, value))
			return true
		})
		return out
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = substitute(vv, name, value)
		}
		return s
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = substitute(vv, name, value)
		}
		return m
	}
	return records.CloneValue(v)
}
