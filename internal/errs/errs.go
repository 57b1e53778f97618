// Package errs defines the error taxonomy shared by every stage of a seed run.
//
// Each fatal condition carries a Kind so callers can branch with errors.Is
// against the package sentinels, plus optional step / entity / business-key
// context for the user-facing message.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindResolution
	KindValidation
	KindSchema
	KindCommit
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResolution:
		return "resolution"
	case KindValidation:
		return "validation"
	case KindSchema:
		return "schema"
	case KindCommit:
		return "commit"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Sentinels for errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrResolution    = &Error{Kind: KindResolution}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrSchema        = &Error{Kind: KindSchema}
	ErrCommit        = &Error{Kind: KindCommit}
	ErrTransport     = &Error{Kind: KindTransport}
)

// Error is a classified error with optional run context.
type Error struct {
	Kind        Kind
	Step        string
	Entity      string
	BusinessKey string
	Field       string
	Msg         string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	var ctx []string
	if e.Step != "" {
		ctx = append(ctx, "step="+e.Step)
	}
	if e.Entity != "" {
		ctx = append(ctx, "entity="+e.Entity)
	}
	if e.BusinessKey != "" {
		ctx = append(ctx, "key="+e.BusinessKey)
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrValidation)
// works regardless of context fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Configf returns a configuration error.
func Configf(format string, args ...any) *Error { return newf(KindConfiguration, format, args...) }

// Resolutionf returns a reference resolution error.
func Resolutionf(format string, args ...any) *Error { return newf(KindResolution, format, args...) }

// Validationf returns a whole-step validation error.
func Validationf(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// Schemaf returns a target schema error.
func Schemaf(format string, args ...any) *Error { return newf(KindSchema, format, args...) }

// Commitf returns a per-record commit error.
func Commitf(format string, args ...any) *Error { return newf(KindCommit, format, args...) }

// Transport wraps a whole-batch transport failure. A nil err returns nil.
func Transport(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	e := newf(KindTransport, format, args...)
	e.Err = err
	return e
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// WithStep records the step name on the first *Error in the chain that does
// not already carry one. Other errors are returned unchanged.
func WithStep(err error, step string) error {
	var e *Error
	if errors.As(err, &e) && e.Step == "" {
		e.Step = step
	}
	return err
}

// WithEntity records the entity type, same rules as WithStep.
func WithEntity(err error, entity string) error {
	var e *Error
	if errors.As(err, &e) && e.Entity == "" {
		e.Entity = entity
	}
	return err
}

// WithKey records the business key, same rules as WithStep.
func WithKey(err error, key string) error {
	var e *Error
	if errors.As(err, &e) && e.BusinessKey == "" {
		e.BusinessKey = key
	}
	return err
}
