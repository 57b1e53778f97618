package records

import (
	"regexp"
	"strings"
)

var (
	fieldPlaceholder    = regexp.MustCompile(`\$\{\s*([^}\s]+)\s*\}`)
	constantPlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
)

// Expand replaces ${Path} placeholders with the stringified value found at the
// dotted path in r. Missing or null values expand to "". The second result
// reports whether every placeholder resolved to a non-empty value.
func Expand(tmpl string, r Record) (string, bool) {
	if !strings.Contains(tmpl, "${") {
		return tmpl, true
	}
	complete := true
	out := fieldPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := fieldPlaceholder.FindStringSubmatch(m)[1]
		v, ok := r.Path(path)
		if !ok || IsEmpty(v) {
			complete = false
			return ""
		}
		return String(v)
	})
	return out, complete
}

// HasPlaceholders reports whether s contains ${...} field placeholders.
func HasPlaceholders(s string) bool { return fieldPlaceholder.MatchString(s) }

// ExpandConstants replaces {{NAME}} placeholders using constants. Unknown
// names are left untouched so a later layer can still see them.
func ExpandConstants(s string, constants map[string]string) string {
	if len(constants) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return constantPlaceholder.ReplaceAllStringFunc(s, func(m string) string {
		name := constantPlaceholder.FindStringSubmatch(m)[1]
		if v, ok := constants[name]; ok {
			return v
		}
		return m
	})
}

// ExpandConstantsDeep walks maps, slices and records, expanding constants in
// every string. It returns a new value; the input is not modified.
func ExpandConstantsDeep(v any, constants map[string]string) any {
	if len(constants) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		return ExpandConstants(t, constants)
	case Record:
		out := Record{keys: make([]string, len(t.keys)), vals: make(map[string]any, len(t.vals))}
		copy(out.keys, t.keys)
		for k, vv := range t.vals {
			out.vals[k] = ExpandConstantsDeep(vv, constants)
		}
		return out
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = ExpandConstantsDeep(vv, constants)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = ExpandConstantsDeep(vv, constants)
		}
		return s
	case []string:
		s := make([]string, len(t))
		for i, vv := range t {
			s[i] = ExpandConstants(vv, constants)
		}
		return s
	}
	return v
}
