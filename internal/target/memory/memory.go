// Package memory implements an in-process target. It behaves like a small
// record platform: rows get minted identifiers, upserts match on the
// external-id field, and the bulk API runs as asynchronous jobs that must be
// polled. It backs dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"seedflow/internal/commit"
	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/internal/metadata"
	"seedflow/internal/target"
	"seedflow/pkg/records"
)

func init() {
	target.Register("memory", func(_ context.Context, cfg target.Config) (target.Target, error) {
		return New(WithIDPrefix(cfg.IDPrefix), WithLogger(cfg.Log)), nil
	})
}

// Option configures a Target.
type Option func(*Target)

// WithIDPrefix prefixes minted identifiers.
func WithIDPrefix(p string) Option { return func(t *Target) { t.prefix = p } }

// WithIDs replaces identifier minting; n counts rows created for entity,
// starting at 1.
func WithIDs(fn func(entity string, n int) string) Option { return func(t *Target) { t.mint = fn } }

// WithSchema declares a fixed schema for an entity type. Entity types
// without a declared schema accept any field.
func WithSchema(fi metadata.FieldInfo) Option {
	return func(t *Target) { t.schemas[fi.Entity] = fi }
}

// WithEntities restricts the available entity types; by default every type
// exists.
func WithEntities(names ...string) Option {
	return func(t *Target) {
		t.only = map[string]bool{}
		for _, n := range names {
			t.only[n] = true
		}
	}
}

// WithReject installs a per-row validation rule; a non-empty message fails
// the row.
func WithReject(fn func(entity string, rec records.Record) string) Option {
	return func(t *Target) { t.reject = fn }
}

// WithJobLatency makes bulk jobs report Pending for n status polls.
func WithJobLatency(n int) Option { return func(t *Target) { t.latency = n } }

// WithPoller overrides how bulk jobs are awaited.
func WithPoller(p commit.Poller) Option { return func(t *Target) { t.poller = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Target) {
		if l != nil {
			t.log = l
		}
	}
}

type row struct {
	id  string
	ext string
	rec records.Record
}

type job struct {
	entity string
	batch  []records.Record
	s      mapping.Strategy
	polls  int
	result commit.Result
	done   bool
}

// Target is the in-memory platform.
type Target struct {
	mu      sync.Mutex
	prefix  string
	mint    func(entity string, n int) string
	schemas map[string]metadata.FieldInfo
	only    map[string]bool
	reject  func(entity string, rec records.Record) string
	latency int
	poller  commit.Poller
	log     *zap.Logger

	tables  map[string][]*row
	created map[string]int
	jobs    map[string]*job
	nextJob int
}

// New returns an empty platform.
func New(opts ...Option) *Target {
	t := &Target{
		schemas: map[string]metadata.FieldInfo{},
		tables:  map[string][]*row{},
		created: map[string]int{},
		jobs:    map[string]*job{},
		log:     zap.NewNop(),
		poller: commit.Poller{
			Timeout: time.Minute,
			NewBackOff: func() backoff.BackOff {
				return backoff.NewConstantBackOff(20 * time.Millisecond)
			},
		},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ target.Target = (*Target)(nil)
var _ commit.JobSubmitter = (*Target)(nil)

func (t *Target) Close() error { return nil }

func (t *Target) EnsureAvailable(_ context.Context, entity string) error {
	if t.only != nil && !t.only[entity] {
		return errs.Schemaf("entity type %q does not exist", entity)
	}
	return nil
}

func (t *Target) Describe(ctx context.Context, entity string) (metadata.FieldInfo, error) {
	if err := t.EnsureAvailable(ctx, entity); err != nil {
		return metadata.FieldInfo{}, err
	}
	if fi, ok := t.schemas[entity]; ok {
		return fi, nil
	}
	return metadata.FieldInfo{Entity: entity, Fields: map[string]metadata.Field{}, Open: true}, nil
}

// Commit applies a batch. The bulk API goes through an asynchronous job.
func (t *Target) Commit(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (commit.Result, error) {
	if s.API == mapping.APIBulk {
		return commit.AsyncCommitter{Jobs: t, Poller: t.poller}.Commit(ctx, entity, batch, s)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(entity, batch, s), nil
}

// Submit queues a bulk job.
func (t *Target) Submit(_ context.Context, entity string, batch []records.Record, s mapping.Strategy) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextJob++
	id := fmt.Sprintf("job-%d", t.nextJob)
	cp := make([]records.Record, len(batch))
	for i, r := range batch {
		cp[i] = r.Clone()
	}
	t.jobs[id] = &job{entity: entity, batch: cp, s: s}
	t.log.Debug("memory: job submitted", zap.String("job", id), zap.String("entity", entity), zap.Int("rows", len(batch)))
	return id, nil
}

// Status advances the job: it stays Pending for the configured latency, then
// runs to completion.
func (t *Target) Status(_ context.Context, id string) (commit.JobState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return commit.Pending, fmt.Errorf("unknown job %q", id)
	}
	if j.done {
		return commit.Succeeded, nil
	}
	if j.polls < t.latency {
		j.polls++
		return commit.Pending, nil
	}
	j.result = t.apply(j.entity, j.batch, j.s)
	// bulk results come back grouped by outcome, not input order
	sort.SliceStable(j.result.Rows, func(a, b int) bool {
		return len(j.result.Rows[a].Errors) < len(j.result.Rows[b].Errors)
	})
	j.done = true
	return commit.Succeeded, nil
}

// Results returns a finished job's rows.
func (t *Target) Results(_ context.Context, id string) (commit.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok || !j.done {
		return commit.Result{}, fmt.Errorf("job %q has no results", id)
	}
	return j.result, nil
}

// apply runs one batch; callers hold t.mu.
func (t *Target) apply(entity string, batch []records.Record, s mapping.Strategy) commit.Result {
	res := commit.Result{Rows: make([]commit.RowResult, 0, len(batch))}
	for i, rec := range batch {
		ext := target.ExternalKey(rec, s.ExternalIDField)
		rr := commit.RowResult{Index: i, ExternalID: ext}
		if msg := t.check(entity, rec); msg != "" {
			rr.Errors = []string{msg}
			res.Rows = append(res.Rows, rr)
			continue
		}

		existing := t.find(entity, ext)
		switch s.Operation {
		case mapping.OpInsert:
			rr.ID, rr.Created = t.insert(entity, ext, rec), true
		case mapping.OpUpdate:
			if existing == nil {
				rr.Errors = []string{fmt.Sprintf("no %s with %s=%q", entity, s.ExternalIDField, ext)}
				break
			}
			merge(&existing.rec, rec)
			rr.ID = existing.id
		default:
			if ext == "" {
				rr.Errors = []string{fmt.Sprintf("missing external id %s", s.ExternalIDField)}
				break
			}
			if existing != nil {
				merge(&existing.rec, rec)
				rr.ID = existing.id
			} else {
				rr.ID, rr.Created = t.insert(entity, ext, rec), true
			}
		}
		res.Rows = append(res.Rows, rr)
		if len(rr.Errors) == 0 {
			res.Processed = append(res.Processed, rec)
		}
	}
	return res
}

func (t *Target) check(entity string, rec records.Record) string {
	if t.reject != nil {
		if msg := t.reject(entity, rec); msg != "" {
			return msg
		}
	}
	fi, ok := t.schemas[entity]
	if !ok {
		return ""
	}
	for _, k := range rec.Keys() {
		if !fi.Has(k) {
			return fmt.Sprintf("INVALID_FIELD: %s", k)
		}
	}
	return ""
}

func (t *Target) find(entity, ext string) *row {
	if ext == "" {
		return nil
	}
	for _, r := range t.tables[entity] {
		if r.ext == ext {
			return r
		}
	}
	return nil
}

func (t *Target) insert(entity, ext string, rec records.Record) string {
	t.created[entity]++
	id := target.NewID(t.prefix)
	if t.mint != nil {
		id = t.mint(entity, t.created[entity])
	}
	t.tables[entity] = append(t.tables[entity], &row{id: id, ext: ext, rec: rec.Clone()})
	return id
}

func merge(dst *records.Record, src records.Record) {
	src.Range(func(k string, v any) bool {
		dst.Set(k, records.CloneValue(v))
		return true
	})
}

// Rows returns copies of the stored rows of entity with their identifiers
// under target.IDColumn, in creation order.
func (t *Target) Rows(entity string) []records.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]records.Record, 0, len(t.tables[entity]))
	for _, r := range t.tables[entity] {
		c := records.New(target.IDColumn, r.id)
		merge(&c, r.rec)
		out = append(out, c)
	}
	return out
}
