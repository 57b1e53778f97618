package datadog

import (
	"reflect"
	"testing"

	"seedflow/internal/metrics"
)

type fakeClient struct {
	counts  map[string]int64
	hists   map[string]float64
	tags    [][]string
	flushed bool
	closed  bool
}

func newFake() *fakeClient {
	return &fakeClient{counts: map[string]int64{}, hists: map[string]float64{}}
}

func (f *fakeClient) Count(name string, value int64, tags []string, rate float64) error {
	f.counts[name] += value
	f.tags = append(f.tags, tags)
	return nil
}

func (f *fakeClient) Histogram(name string, value float64, tags []string, rate float64) error {
	f.hists[name] = value
	f.tags = append(f.tags, tags)
	return nil
}

func (f *fakeClient) Flush() error { f.flushed = true; return nil }
func (f *fakeClient) Close() error { f.closed = true; return nil }

func TestLabelsToTags(t *testing.T) {
	t.Parallel()

	if got := labelsToTags(nil); got != nil {
		t.Fatalf("labelsToTags(nil) = %v, want nil", got)
	}
	got := labelsToTags(metrics.Labels{"step": "accounts", "run": "demo", "status": "success"})
	want := []string{"run:demo", "status:success", "step:accounts"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labelsToTags() = %v, want %v", got, want)
	}
}

func TestNewBackend_RequiresAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend(Config{}); err == nil {
		t.Fatal("NewBackend(Config{}) error = nil, want error")
	}
}

func TestBackend_ForwardsToClient(t *testing.T) {
	t.Parallel()

	fc := newFake()
	b := &Backend{client: fc}

	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"run": "demo", "kind": metrics.KindCreated})
	b.IncCounter(metrics.RecordsTotal, 2.9, metrics.Labels{"run": "demo", "kind": metrics.KindCreated})
	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"step": "accounts"})

	if fc.counts[metrics.RecordsTotal] != 5 {
		t.Fatalf("count = %d, want 5", fc.counts[metrics.RecordsTotal])
	}
	if fc.hists[metrics.StepDuration] != 0.25 {
		t.Fatalf("histogram = %v, want 0.25", fc.hists[metrics.StepDuration])
	}
	if !reflect.DeepEqual(fc.tags[0], []string{"kind:created", "run:demo"}) {
		t.Fatalf("tags = %v", fc.tags[0])
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !fc.flushed || !fc.closed {
		t.Fatalf("flushed=%v closed=%v, want both", fc.flushed, fc.closed)
	}
}

func TestBackend_NilClientIsNoop(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	b.IncCounter(metrics.StepTotal, 1, nil)
	b.ObserveHistogram(metrics.StepDuration, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}
