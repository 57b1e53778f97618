// Package filter evaluates declarative boolean predicates against a single
// record. Step configurations use it to select which seed rows a step loads.
//
// A filter spec is decoded from configuration as one of:
//
//	true / false / null        match-all / match-none / match-all
//	{ <kind>: <args> }         a single predicate (several keys are AND-ed)
//	[ spec, spec, ... ]        an ordered list, implicitly AND-ed
//
// Predicate kinds:
//
//	exists: path               value at path is present and non-null
//	missing: path              negation of exists
//	equals|neq: {path, value, caseInsensitive}
//	in|nin:     {path, values, caseInsensitive}
//	regex:      {path, pattern, flags}
//	gt|gte|lt|lte: {path, value}
//	contains|startsWith|endsWith: {path, value, caseInsensitive}
//	length:     {path, op, value}
//	all|any:    [spec, ...]
//	not:        spec
//
// Unknown kinds evaluate to true so that newer configs do not break older
// binaries. Spec parsing happens once per step; Evaluate is pure.
package filter

import (
	"github.com/dlclark/regexp2"
)

// Node is a compiled predicate. The set of implementations is closed.
type Node interface{ node() }

// CompareOp is a numeric comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "eq"
	OpNeq CompareOp = "neq"
	OpGt  CompareOp = "gt"
	OpGte CompareOp = "gte"
	OpLt  CompareOp = "lt"
	OpLte CompareOp = "lte"
)

// SubstringOp selects the substring test.
type SubstringOp string

const (
	OpContains   SubstringOp = "contains"
	OpStartsWith SubstringOp = "startsWith"
	OpEndsWith   SubstringOp = "endsWith"
)

type (
	// Literal is a constant result.
	Literal struct{ Value bool }

	// All matches when every child matches (true when empty).
	All struct{ Nodes []Node }

	// Any matches when at least one child matches (false when empty).
	Any struct{ Nodes []Node }

	// Not inverts its child.
	Not struct{ Node Node }

	// Exists checks for a non-null value; Negate turns it into "missing".
	Exists struct {
		Path   string
		Negate bool
	}

	// Equals compares one value; Negate turns it into "neq".
	Equals struct {
		Path            string
		Value           any
		CaseInsensitive bool
		Negate          bool
	}

	// In tests set membership; Negate turns it into "nin".
	In struct {
		Path            string
		Values          []any
		CaseInsensitive bool
		Negate          bool
	}

	// Regex matches the stringified value against a compiled pattern.
	Regex struct {
		Path    string
		Pattern string
		re      *regexp2.Regexp
	}

	// Compare is a numeric comparison; non-finite operands never match.
	Compare struct {
		Path  string
		Op    CompareOp
		Value any
	}

	// Substring covers contains / startsWith / endsWith.
	Substring struct {
		Path            string
		Op              SubstringOp
		Value           string
		CaseInsensitive bool
	}

	// Length compares the rune length of the stringified value.
	Length struct {
		Path  string
		Op    CompareOp
		Value any
	}

	// Unknown is any shape this package does not recognise. It matches.
	Unknown struct{ Raw any }
)

func (Literal) node()   {}
func (All) node()       {}
func (Any) node()       {}
func (Not) node()       {}
func (Exists) node()    {}
func (Equals) node()    {}
func (In) node()        {}
func (Regex) node()     {}
func (Compare) node()   {}
func (Substring) node() {}
func (Length) node()    {}
func (Unknown) node()   {}

// MatchAll is the spec used when a step declares no filter.
var MatchAll Node = Literal{Value: true}
