package transformer

import (
	"fmt"
	"strings"

	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

// Op is a compiled transform op. The set of implementations is closed.
type Op interface{ op() }

type (
	// Assign sets Field to Value; string values expand ${Path} placeholders.
	Assign struct {
		Field string
		Value any
	}
	// Copy duplicates From into To.
	Copy struct{ From, To string }
	// Rename moves From to To.
	Rename struct{ From, To string }
	// Remove deletes Field.
	Remove struct{ Field string }
	// Coalesce writes the first non-empty source value, else Default.
	Coalesce struct {
		Field   string
		Sources []string
		Default any
	}
	// Concat joins the non-empty source values with Separator.
	Concat struct {
		Field     string
		Sources   []string
		Separator string
	}
	// Noop stands in for op names this package does not know.
	Noop struct{ Name string }
)

func (Assign) op()   {}
func (Copy) op()     {}
func (Rename) op()   {}
func (Remove) op()   {}
func (Coalesce) op() {}
func (Concat) op()   {}
func (Noop) op()     {}

// Compile turns an OpSpec into an Op. Unknown op names compile to Noop;
// a known op missing its target field is a configuration error.
func Compile(s mapping.OpSpec) (Op, error) {
	need := func(name, v string) error {
		if strings.TrimSpace(v) == "" {
			return errs.Configf("transform op %q requires %s", s.Op, name)
		}
		return nil
	}
	switch strings.ToLower(s.Op) {
	case "assign", "set":
		if err := need("field", s.Field); err != nil {
			return nil, err
		}
		return Assign{Field: s.Field, Value: s.Value}, nil
	case "copy":
		if err := firstErr(need("from", s.From), need("to", s.To)); err != nil {
			return nil, err
		}
		return Copy{From: s.From, To: s.To}, nil
	case "rename":
		if err := firstErr(need("from", s.From), need("to", s.To)); err != nil {
			return nil, err
		}
		return Rename{From: s.From, To: s.To}, nil
	case "remove", "delete":
		if err := need("field", s.Field); err != nil {
			return nil, err
		}
		return Remove{Field: s.Field}, nil
	case "coalesce":
		if err := need("field", s.Field); err != nil {
			return nil, err
		}
		return Coalesce{Field: s.Field, Sources: s.Sources, Default: s.Default}, nil
	case "coerce":
		if err := need("field", s.Field); err != nil {
			return nil, err
		}
		typ := strings.ToLower(s.Type)
		switch typ {
		case "int", "float", "bool", "date", "text":
		case "":
			return nil, errs.Configf("transform op %q requires type", s.Op)
		default:
			return nil, errs.Configf("transform op %q: unknown type %q", s.Op, s.Type)
		}
		return Coerce{Field: s.Field, Type: typ, Layout: s.Layout}, nil
	case "concat":
		if err := need("field", s.Field); err != nil {
			return nil, err
		}
		sep := " "
		if s.Separator != nil {
			sep = *s.Separator
		}
		return Concat{Field: s.Field, Sources: s.Sources, Separator: sep}, nil
	}
	return Noop{Name: s.Op}, nil
}

// CompileAll compiles a list, reporting the failing index.
func CompileAll(specs []mapping.OpSpec) ([]Op, error) {
	ops := make([]Op, 0, len(specs))
	for i, s := range specs {
		op, err := Compile(s)
		if err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ApplyOps applies ops to a copy of rec and returns it.
func ApplyOps(rec records.Record, ops []Op) records.Record {
	out := rec.Clone()
	for _, op := range ops {
		applyOp(&out, op)
	}
	return out
}

func applyOp(r *records.Record, op Op) {
	switch o := op.(type) {
	case Assign:
		if s, ok := o.Value.(string); ok && records.HasPlaceholders(s) {
			v, _ := records.Expand(s, *r)
			r.Set(o.Field, v)
			return
		}
		r.Set(o.Field, records.CloneValue(o.Value))
	case Copy:
		if v, ok := r.Path(o.From); ok {
			r.Set(o.To, records.CloneValue(v))
		}
	case Rename:
		if r.Has(o.From) {
			r.Rename(o.From, o.To)
		} else if v, ok := r.Path(o.From); ok {
			r.Set(o.To, v)
		}
	case Remove:
		r.Delete(o.Field)
	case Coalesce:
		for _, src := range o.Sources {
			if v, ok := r.Path(src); ok && !records.IsEmpty(v) {
				r.Set(o.Field, v)
				return
			}
		}
		if o.Default != nil {
			r.Set(o.Field, o.Default)
		}
	case Concat:
		parts := make([]string, 0, len(o.Sources))
		for _, src := range o.Sources {
			if v, ok := r.Path(src); ok && !records.IsEmpty(v) {
				parts = append(parts, records.String(v))
			}
		}
		r.Set(o.Field, strings.Join(parts, o.Separator))
	case Coerce:
		applyCoerce(r, o)
	case Noop:
	}
}

func firstErr(es ...error) error {
	for _, e := range es {
		if e != nil {
			return e
		}
	}
	return nil
}
