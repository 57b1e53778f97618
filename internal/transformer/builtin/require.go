// Package builtin contains the whole-batch stages: Normalize runs over the
// transformed batch before metadata pruning, and the validators Require and
// Unique run after it. Either validator failing fails the entire step.
package builtin

import (
	"fmt"
	"strings"

	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/internal/transformer"
	"seedflow/pkg/records"
)

// Require asserts every listed field is present and non-null on every record.
// Fields may be dotted paths into nested objects.
type Require struct {
	Fields []string
	// Pruned lists fields removed by the metadata prune, so a missing value
	// can be reported as a schema mismatch instead of absent seed data.
	Pruned map[string]bool
	// MatchKey, when set, names records by business key in the message.
	MatchKey string
}

// Check returns a validation error naming every offending record (up to 5)
// and field.
func (r Require) Check(in []records.Record) error {
	if len(r.Fields) == 0 {
		return nil
	}
	var problems []string
	count := 0
	for i, rec := range in {
		for _, f := range r.Fields {
			v, ok := rec.Path(f)
			if ok && v != nil {
				continue
			}
			count++
			if len(problems) < 5 {
				reason := "missing"
				if r.Pruned[f] {
					reason = "pruned: not on target schema"
				}
				problems = append(problems, fmt.Sprintf("record %d%s: %s (%s)", i, r.keyOf(rec), f, reason))
			}
		}
	}
	if count == 0 {
		return nil
	}
	return errs.Validationf("required fields not satisfied in %d place(s): %s", count, strings.Join(problems, "; "))
}

func (r Require) keyOf(rec records.Record) string {
	if r.MatchKey == "" {
		return ""
	}
	if v, ok := rec.Path(r.MatchKey); ok && !records.IsEmpty(v) {
		return " [" + records.String(v) + "]"
	}
	return ""
}

// FromConfig builds the validators declared in a mapping's validate block.
func FromConfig(v mapping.Validate, matchKey string, pruned map[string]bool) transformer.Validators {
	var out transformer.Validators
	if len(v.RequiredFields) > 0 {
		out = append(out, Require{Fields: v.RequiredFields, Pruned: pruned, MatchKey: matchKey})
	}
	if len(v.UniqueBy) > 0 {
		out = append(out, Unique{Keys: v.UniqueBy})
	}
	return out
}
