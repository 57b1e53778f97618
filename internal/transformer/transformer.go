// Package transformer turns raw seed records into commit-ready records.
//
// Per-record work runs in a fixed order (constants, pre ops, shape,
// references, post ops) and is pure: each phase returns a new record. The
// whole-batch phase uses Transformer / Chain for set-level rewrites and
// Validator / Validators for assertions that fail the entire step.
package transformer

import "seedflow/pkg/records"

// Transformer rewrites a batch of records.
type Transformer interface {
	Apply([]records.Record) []records.Record
}

// Chain is an ordered list of transformers.
type Chain []Transformer

func (c Chain) Apply(in []records.Record) []records.Record {
	out := in
	for _, t := range c {
		out = t.Apply(out)
	}
	return out
}

// Validator asserts a property over a whole batch.
type Validator interface {
	Check([]records.Record) error
}

// Validators runs validators in order and stops at the first failure.
type Validators []Validator

func (vs Validators) Check(in []records.Record) error {
	for _, v := range vs {
		if err := v.Check(in); err != nil {
			return err
		}
	}
	return nil
}
