package builtin

import (
	"strings"

	"seedflow/internal/mapping"
	"seedflow/internal/transformer"
	"seedflow/pkg/records"
)

const nbsp = "\u00a0"

// Normalize cleans string values in place: no-break spaces become ASCII
// spaces and edge whitespace is trimmed. Fields limits the cleanup to the
// named top-level fields; empty means every field. With EmptyAsNull a string
// left empty becomes nil.
type Normalize struct {
	Fields      []string
	EmptyAsNull bool
}

func (n Normalize) Apply(in []records.Record) []records.Record {
	for i := range in {
		rec := &in[i]
		keys := n.Fields
		if len(keys) == 0 {
			keys = rec.Keys()
		}
		for _, k := range keys {
			v, ok := rec.Lookup(k)
			if !ok {
				continue
			}
			s, isStr := v.(string)
			if !isStr {
				continue
			}
			clean := s
			if strings.Contains(clean, nbsp) {
				clean = strings.ReplaceAll(clean, nbsp, " ")
			}
			if HasEdgeSpace(clean) {
				clean = strings.TrimSpace(clean)
			}
			switch {
			case clean == "" && n.EmptyAsNull:
				rec.Set(k, nil)
			case clean != s:
				rec.Set(k, clean)
			}
		}
	}
	return in
}

// HasEdgeSpace reports leading or trailing ASCII whitespace.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// ChainFromConfig builds the whole-batch transformers a mapping enables.
// The result may be empty; applying an empty Chain returns its input.
func ChainFromConfig(t mapping.Transform) transformer.Chain {
	var out transformer.Chain
	if t.Normalize.Enabled {
		out = append(out, Normalize{Fields: t.Normalize.Fields, EmptyAsNull: t.Normalize.EmptyAsNull})
	}
	return out
}
