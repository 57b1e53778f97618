// Package metrics is a small, backend-agnostic facade for run metrics.
//
//   - Backend is a narrow interface: counters, timing observations, Flush.
//   - A global, pluggable backend defaults to a no-op implementation, so
//     recording is always safe even when nothing is configured.
//   - Concrete systems live in subpackages (prompush, datadog) and are
//     installed with SetBackend, the same registry shape the targets use.
//
// Every series carries the run name as its "run" label.
package metrics

import (
	"sync"
	"time"
)

// Metric names.
const (
	StepTotal    = "seed_step_total"
	StepDuration = "seed_step_duration_seconds"
	RecordsTotal = "seed_records_total"
	BatchesTotal = "seed_batches_total"
)

// Record kinds counted under RecordsTotal.
const (
	KindLoaded    = "loaded"
	KindFiltered  = "filtered"
	KindAttempted = "attempted"
	KindCreated   = "created"
	KindUpdated   = "updated"
	KindFailed    = "failed"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one step execution and its duration, labelled success
// or failure.
func RecordStep(run, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"run": run, "step": step, "status": status}

	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRow adds delta records of kind. Non-positive deltas are ignored.
func RecordRow(run, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(delta), Labels{"run": run, "kind": kind})
}

// RecordBatches adds delta committed batches.
func RecordBatches(run string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{"run": run})
}
