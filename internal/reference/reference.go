// Package reference computes foreign-key field values from the identifier
// maps accumulated by earlier steps, so seed data can point at other records
// by business key instead of hardcoded platform ids.
package reference

import (
	"strings"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
	"seedflow/pkg/records"
)

// OnMissing decides what happens when a key is empty or not found.
type OnMissing string

const (
	// MissingError fails the record (default).
	MissingError OnMissing = "error"
	// MissingNull writes an explicit null into the target field.
	MissingNull OnMissing = "null"
	// MissingSkip leaves the target field untouched.
	MissingSkip OnMissing = "skip"
)

// Entry configures one reference field.
type Entry struct {
	// TargetField is the field that receives the platform id.
	TargetField string `koanf:"targetField" json:"targetField" yaml:"targetField"`
	// TargetEntityType overrides inference from the field name.
	TargetEntityType string `koanf:"targetEntityType" json:"targetEntityType,omitempty" yaml:"targetEntityType,omitempty"`
	// KeyExpression lists field paths; the first non-empty value is the key.
	KeyExpression []string `koanf:"keyExpression" json:"keyExpression,omitempty" yaml:"keyExpression,omitempty"`
	// KeyTemplate builds the key from ${Path} placeholders instead.
	KeyTemplate string `koanf:"keyTemplate" json:"keyTemplate,omitempty" yaml:"keyTemplate,omitempty"`
	OnMissing   OnMissing `koanf:"onMissing" json:"onMissing,omitempty" yaml:"onMissing,omitempty"`
	Required    bool      `koanf:"required" json:"required,omitempty" yaml:"required,omitempty"`
}

// Resolver resolves reference entries. The zero value uses the defaults
// "ParentId" for self-parent relations and "Id" as the identifier suffix.
type Resolver struct {
	SelfParentField string
	IDSuffix        string
}

func (r Resolver) selfParent() string {
	if r.SelfParentField == "" {
		return "ParentId"
	}
	return r.SelfParentField
}

func (r Resolver) suffix() string {
	if r.IDSuffix == "" {
		return "Id"
	}
	return r.IDSuffix
}

// TargetEntity returns the entity type an entry points at.
func (r Resolver) TargetEntity(e Entry, current string) (string, error) {
	if e.TargetEntityType != "" {
		return e.TargetEntityType, nil
	}
	if e.TargetField == r.selfParent() {
		return current, nil
	}
	sfx := r.suffix()
	if len(e.TargetField) > len(sfx) && strings.HasSuffix(e.TargetField, sfx) {
		return strings.TrimSuffix(e.TargetField, sfx), nil
	}
	f := e.TargetField
	err := errs.Configf("cannot infer target entity type for field %q; set targetEntityType", f)
	err.Field = f
	return "", err
}

// Check validates an entry's static shape.
func (r Resolver) Check(e Entry, current string) error {
	if e.TargetField == "" {
		return errs.Configf("reference entry without targetField")
	}
	if _, err := r.TargetEntity(e, current); err != nil {
		return err
	}
	if e.KeyTemplate == "" && len(e.KeyExpression) == 0 {
		err := errs.Configf("reference %q needs keyExpression or keyTemplate", e.TargetField)
		err.Field = e.TargetField
		return err
	}
	switch e.OnMissing {
	case "", MissingError, MissingNull, MissingSkip:
	default:
		err := errs.Configf("reference %q: unknown onMissing %q", e.TargetField, e.OnMissing)
		err.Field = e.TargetField
		return err
	}
	return nil
}

type outcome int

const (
	omit outcome = iota
	write
)

// Resolve applies entries in order and returns a new record. rec and ids are
// never modified. Errors are *errs.Error of kind Resolution or Configuration.
func (r Resolver) Resolve(rec records.Record, entries []Entry, ids idmap.Reader, current string) (records.Record, error) {
	if len(entries) == 0 {
		return rec, nil
	}
	out := rec.Clone()
	for _, e := range entries {
		if err := r.Check(e, current); err != nil {
			return records.Record{}, err
		}
		target, _ := r.TargetEntity(e, current)

		key := lookupKey(out, e)
		var (
			value any
			res   outcome
			err   error
		)
		if key == "" {
			res, err = applyPolicy(e, target, key, "empty lookup key")
		} else if id, ok := ids.Lookup(target, key); ok {
			value, res = id, write
		} else if ids.HasID(target, key) {
			// already resolved (target field doubles as key field)
			value, res = key, write
		} else {
			res, err = applyPolicy(e, target, key, "no identifier for key")
		}
		if err != nil {
			return records.Record{}, err
		}
		if res == write {
			out.Set(e.TargetField, value)
		}
	}
	return out, nil
}

func lookupKey(rec records.Record, e Entry) string {
	if e.KeyTemplate != "" {
		k, complete := records.Expand(e.KeyTemplate, rec)
		if !complete {
			return ""
		}
		return k
	}
	for _, p := range e.KeyExpression {
		if v, ok := rec.Path(p); ok && !records.IsEmpty(v) {
			return records.String(v)
		}
	}
	return ""
}

// applyPolicy returns (write with nil value | omit | error).
func applyPolicy(e Entry, target, key, reason string) (outcome, error) {
	policy := e.OnMissing
	if policy == "" {
		policy = MissingError
	}
	if e.Required || policy == MissingError {
		err := errs.Resolutionf("%s: %s[%q] for field %q", reason, target, key, e.TargetField)
		err.Field = e.TargetField
		return omit, err
	}
	if policy == MissingNull {
		return write, nil
	}
	return omit, nil
}
