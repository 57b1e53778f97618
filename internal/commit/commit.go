// Package commit partitions a step's records into batches, hands each batch
// to a Committer, and reconciles the per-row results into created / updated /
// failed entries plus the business-key → platform-id map for the step.
package commit

import (
	"context"
	"strings"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

// RowResult is the committer's verdict for one submitted row.
type RowResult struct {
	// Index is the row's position within the submitted batch.
	Index int
	// ExternalID echoes the row's external-id field value (upsert).
	ExternalID string
	// ID is the platform identifier; empty on failure.
	ID      string
	Created bool
	Errors  []string
}

// OK reports whether the row committed.
func (r RowResult) OK() bool { return len(r.Errors) == 0 && r.ID != "" }

// Result is what a Committer returns for one batch. Rows may be in any order
// and need not cover every submitted row.
type Result struct {
	Rows      []RowResult
	Processed []records.Record
}

// Committer writes one batch to the target. A returned error means the whole
// batch failed in transport; per-row failures belong in Result.Rows.
type Committer interface {
	Commit(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (Result, error)
}

// Entry is a committed row.
type Entry struct {
	Index       int    `json:"index"`
	BusinessKey string `json:"businessKey"`
	ID          string `json:"id"`
}

// Failure is a row the committer rejected or never reported on.
type Failure struct {
	Index       int      `json:"index"`
	BusinessKey string   `json:"businessKey,omitempty"`
	ID          string   `json:"id,omitempty"`
	Messages    []string `json:"messages"`
}

// Err renders the failure as a commit error.
func (f Failure) Err(entity string) error {
	e := errs.Commitf("%s", strings.Join(f.Messages, "; "))
	e.Entity = entity
	e.BusinessKey = f.BusinessKey
	return e
}

// Outcome accumulates a step's commit. Indices are positions in the step's
// full record slice.
type Outcome struct {
	Created   []Entry
	Updated   []Entry
	Failures  []Failure
	IDs       idmap.Map
	Batches   int
	Processed []records.Record
}

// Submitted is the number of rows accounted for.
func (o Outcome) Submitted() int { return len(o.Created) + len(o.Updated) + len(o.Failures) }

// OK is the number of committed rows.
func (o Outcome) OK() int { return len(o.Created) + len(o.Updated) }
