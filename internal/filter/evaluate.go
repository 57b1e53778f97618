package filter

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"seedflow/pkg/records"
)

// Evaluate reports whether rec satisfies n. It never mutates rec and never
// fails: malformed operands simply do not match.
func Evaluate(rec records.Record, n Node) bool {
	switch p := n.(type) {
	case nil:
		return true
	case Literal:
		return p.Value
	case All:
		for _, c := range p.Nodes {
			if !Evaluate(rec, c) {
				return false
			}
		}
		return true
	case Any:
		for _, c := range p.Nodes {
			if Evaluate(rec, c) {
				return true
			}
		}
		return false
	case Not:
		return !Evaluate(rec, p.Node)
	case Exists:
		v, ok := rec.Path(p.Path)
		present := ok && v != nil
		return present != p.Negate
	case Equals:
		v, _ := rec.Path(p.Path)
		return equalValues(v, p.Value, p.CaseInsensitive) != p.Negate
	case In:
		v, _ := rec.Path(p.Path)
		found := false
		for _, want := range p.Values {
			if equalValues(v, want, p.CaseInsensitive) {
				found = true
				break
			}
		}
		return found != p.Negate
	case Regex:
		v, ok := rec.Path(p.Path)
		if !ok || v == nil || p.re == nil {
			return false
		}
		m, err := p.re.MatchString(records.String(v))
		return err == nil && m
	case Compare:
		v, _ := rec.Path(p.Path)
		return compareNumbers(v, p.Value, p.Op)
	case Substring:
		v, ok := rec.Path(p.Path)
		if !ok || v == nil {
			return false
		}
		s, sub := records.String(v), p.Value
		if p.CaseInsensitive {
			s, sub = lower(s), lower(sub)
		}
		switch p.Op {
		case OpContains:
			return strings.Contains(s, sub)
		case OpStartsWith:
			return strings.HasPrefix(s, sub)
		case OpEndsWith:
			return strings.HasSuffix(s, sub)
		}
		return false
	case Length:
		v, ok := rec.Path(p.Path)
		n := 0
		if ok && v != nil {
			n = utf8.RuneCountInString(records.String(v))
		}
		return compareNumbers(n, p.Value, p.Op)
	case Unknown:
		return true
	}
	return true
}

// Match parses raw and evaluates it against rec.
func Match(rec records.Record, raw any) (bool, error) {
	n, err := Parse(raw)
	if err != nil {
		return false, err
	}
	return Evaluate(rec, n), nil
}

// Select returns the records matching n, preserving order.
func Select(in []records.Record, n Node) []records.Record {
	out := make([]records.Record, 0, len(in))
	for _, r := range in {
		if Evaluate(r, n) {
			out = append(out, r)
		}
	}
	return out
}

func lower(s string) string { return cases.Lower(language.Und).String(s) }

func equalValues(a, b any, ci bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ci {
		return lower(records.String(a)) == lower(records.String(b))
	}
	if isNumber(a) && isNumber(b) {
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return reflect.DeepEqual(a, b)
}

func compareNumbers(a, b any, op CompareOp) bool {
	fa, ok := toFloat(a)
	if !ok {
		return false
	}
	fb, ok := toFloat(b)
	if !ok {
		return false
	}
	switch op {
	case OpEq:
		return fa == fb
	case OpNeq:
		return fa != fb
	case OpGt:
		return fa > fb
	case OpGte:
		return fa >= fb
	case OpLt:
		return fa < fb
	case OpLte:
		return fa <= fb
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// toFloat converts numbers and numeric strings. NaN and ±Inf are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case float32:
		f = float64(t)
	case float64:
		f = t
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
