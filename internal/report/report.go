// Package report accumulates the outcome of a run step by step. A Report is
// built incrementally while the run executes and frozen by Finalize; after
// that every mutation is refused with ErrFinalized.
package report

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
)

// ErrFinalized is returned by mutations after Finalize.
var ErrFinalized = errors.New("report: finalized")

// DefaultFailureSample caps the failure rows kept per step.
const DefaultFailureSample = 50

// Status of a step.
type Status string

const (
	Running Status = "running"
	// OK means every attempted record committed.
	OK Status = "ok"
	// Partial means some records failed at commit.
	Partial Status = "partial"
	// Failed means the step stopped the run.
	Failed Status = "failed"
)

// Failure is one record the target rejected.
type Failure struct {
	Index    int      `json:"index"`
	Key      string   `json:"key,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Messages []string `json:"messages"`
}

// Outcome carries the commit detail of a step. Processed counts the records
// the target reported as written.
type Outcome struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Processed int      `json:"processed"`
	Batches   int      `json:"batches"`
	Pruned    []string `json:"pruned,omitempty"`
}

// StepReport is one step's entry.
type StepReport struct {
	Name      string        `json:"name"`
	Entity    string        `json:"entity"`
	Status    Status        `json:"status"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Outcome   Outcome       `json:"outcome"`
	Failures  []Failure     `json:"failures,omitempty"`
	Dropped   int           `json:"failuresDropped,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`

	r *Report
}

// SetOutcome records the commit detail.
func (s *StepReport) SetOutcome(o Outcome) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.final {
		return ErrFinalized
	}
	s.Outcome = o
	return nil
}

// Finish closes the step. failures beyond the report's sample size are
// counted, not kept. A non-nil err marks the step Failed.
func (s *StepReport) Finish(attempted, ok int, failures []Failure, err error) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.final {
		return ErrFinalized
	}
	s.Attempted, s.Succeeded, s.Failed = attempted, ok, len(failures)
	s.Duration = time.Since(s.Started)
	s.ElapsedMs = s.Duration.Milliseconds()
	keep := min(len(failures), s.r.sample)
	s.Failures = append([]Failure(nil), failures[:keep]...)
	s.Dropped = len(failures) - keep
	switch {
	case err != nil:
		s.Status = Failed
		s.Error = err.Error()
		if k := errs.KindOf(err); k != errs.KindUnknown {
			s.ErrorKind = k.String()
		}
	case len(failures) > 0:
		s.Status = Partial
	default:
		s.Status = OK
	}
	return nil
}

// Totals sums the step counters.
type Totals struct {
	Steps     int `json:"steps"`
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
}

// Report is the run-level document.
type Report struct {
	mu     sync.Mutex
	sample int
	final  bool

	runID    string
	plan     string
	started  time.Time
	finished time.Time
	steps    []*StepReport
	ids      map[string]idmap.Map
	err      error
}

// New starts a report for plan. sample caps failure rows per step; zero
// means DefaultFailureSample.
func New(plan string, sample int) *Report {
	if sample <= 0 {
		sample = DefaultFailureSample
	}
	return &Report{runID: uuid.NewString(), plan: plan, sample: sample, started: time.Now()}
}

// RunID identifies the run.
func (r *Report) RunID() string { return r.runID }

// Begin opens a step entry.
func (r *Report) Begin(step, entity string) (*StepReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return nil, ErrFinalized
	}
	s := &StepReport{Name: step, Entity: entity, Status: Running, Started: time.Now(), r: r}
	r.steps = append(r.steps, s)
	return s, nil
}

// SetIDs attaches the run's identifier maps.
func (r *Report) SetIDs(ids map[string]idmap.Map) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return ErrFinalized
	}
	r.ids = ids
	return nil
}

// Finalize freezes the report, recording the run's fatal error if any. A
// second call returns ErrFinalized.
func (r *Report) Finalize(runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return ErrFinalized
	}
	r.final = true
	r.finished = time.Now()
	r.err = runErr
	return nil
}

// Finalized reports whether Finalize ran.
func (r *Report) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Err returns the fatal error recorded by Finalize.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Steps returns copies of the step entries in execution order.
func (r *Report) Steps() []StepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepReport, len(r.steps))
	for i, s := range r.steps {
		out[i] = *s
		out[i].r = nil
	}
	return out
}

// Totals sums the steps.
func (r *Report) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalsLocked()
}

func (r *Report) totalsLocked() Totals {
	t := Totals{Steps: len(r.steps)}
	for _, s := range r.steps {
		t.Attempted += s.Attempted
		t.Succeeded += s.Succeeded
		t.Failed += s.Failed
		t.Created += s.Outcome.Created
		t.Updated += s.Outcome.Updated
	}
	return t
}

type document struct {
	RunID    string               `json:"runId"`
	Plan     string               `json:"plan"`
	Started  time.Time            `json:"started"`
	Finished *time.Time           `json:"finished,omitempty"`
	OK       bool                 `json:"ok"`
	Error    string               `json:"error,omitempty"`
	Totals   Totals               `json:"totals"`
	Steps    []*StepReport        `json:"steps"`
	IDs      map[string]idmap.Map `json:"ids,omitempty"`
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	r.mu.Lock()
	doc := document{
		RunID:   r.runID,
		Plan:    r.plan,
		Started: r.started,
		OK:      r.final && r.err == nil,
		Totals:  r.totalsLocked(),
		Steps:   r.steps,
		IDs:     r.ids,
	}
	if r.final {
		f := r.finished
		doc.Finished = &f
	}
	if r.err != nil {
		doc.Error = r.err.Error()
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
