package transformer

import (
	"sort"

	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

// Shape renames aliased fields, fills absent fields from defaults and strips
// removed fields. Map iteration is sorted so output key order is stable.
// The input record is not modified.
func Shape(rec records.Record, s mapping.Shape) records.Record {
	out := rec.Clone()

	for _, from := range sortedKeys(s.FieldMap) {
		to := s.FieldMap[from]
		if to == "" || to == from {
			continue
		}
		out.Rename(from, to)
	}

	for _, f := range sortedKeys(s.Defaults) {
		if v, ok := out.Lookup(f); ok && v != nil {
			continue
		}
		out.Set(f, records.CloneValue(s.Defaults[f]))
	}

	for _, f := range s.RemoveFields {
		out.Delete(f)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
