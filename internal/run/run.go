// Package run drives a seed plan: it orders the steps, then loads,
// transforms, validates and commits each one in turn, threading the growing
// identifier maps from producers to consumers and recording a run report.
//
// All run state lives in a RunContext created per call to Run, so two runs
// (or two tests) never share identifier maps.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"seedflow/internal/commit"
	"seedflow/internal/config"
	"seedflow/internal/datasource"
	"seedflow/internal/errs"
	"seedflow/internal/filter"
	"seedflow/internal/generator"
	"seedflow/internal/idmap"
	"seedflow/internal/mapping"
	"seedflow/internal/metadata"
	"seedflow/internal/metrics"
	"seedflow/internal/reference"
	"seedflow/internal/report"
	"seedflow/internal/schedule"
	"seedflow/internal/transformer"
	"seedflow/internal/transformer/builtin"
	"seedflow/pkg/records"
)

// DefaultPreload bounds concurrent seed document fetches.
const DefaultPreload = 4

// DocumentLoader fetches decoded seed documents.
type DocumentLoader interface {
	Load(ctx context.Context, ref string) (any, error)
}

// MappingSource builds the merged mapping for one step.
type MappingSource interface {
	Load(req mapping.Request, constants map[string]string) (mapping.Config, error)
}

// RunContext is the state of one run.
type RunContext struct {
	Name      string
	IDs       *idmap.Store
	Report    *report.Report
	Constants map[string]string
}

// NewRunContext builds the context for plan. An unknown merge policy is a
// configuration error.
func NewRunContext(plan config.Plan) (*RunContext, error) {
	policy, err := idmap.ParsePolicy(plan.Runtime.IDMergePolicy)
	if err != nil {
		e := errs.Configf("runtime.idMergePolicy: %v", err)
		e.Err = err
		return nil, e
	}
	name := plan.Name
	if name == "" {
		name = "seedflow"
	}
	constants := make(map[string]string, len(plan.Constants))
	for k, v := range plan.Constants {
		constants[k] = v
	}
	return &RunContext{
		Name:      name,
		IDs:       idmap.NewStore(policy),
		Report:    report.New(name, plan.Runtime.FailureSample),
		Constants: constants,
	}, nil
}

// Runner holds the collaborators a run uses. Loader, Mappings, Metadata and
// Target are required.
type Runner struct {
	Loader     DocumentLoader
	Mappings   MappingSource
	Metadata   *metadata.Service
	Target     commit.Committer
	Generators *generator.Registry
	Resolver   reference.Resolver
	Logger     *zap.Logger

	// BatchSize applies to mappings without strategy.batchSize when the
	// plan's runtime.batchSize is unset too.
	BatchSize int
	// Preload bounds concurrent document fetches; zero means DefaultPreload.
	Preload int
}

func (r *Runner) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run executes plan. The returned report is finalized whether or not the
// run succeeded; it is nil only when the plan cannot start a run at all.
func (r *Runner) Run(ctx context.Context, plan config.Plan) (*report.Report, error) {
	rc, err := NewRunContext(plan)
	if err != nil {
		return nil, err
	}
	err = r.RunWith(ctx, rc, plan)
	return rc.Report, err
}

// RunWith executes plan against an existing context and finalizes its report.
func (r *Runner) RunWith(ctx context.Context, rc *RunContext, plan config.Plan) (err error) {
	log := r.log().With(zap.String("run", rc.Name), zap.String("run_id", rc.Report.RunID()))
	start := time.Now()

	defer func() {
		_ = rc.Report.SetIDs(rc.IDs.Snapshot())
		if ferr := rc.Report.Finalize(err); ferr != nil && err == nil {
			err = ferr
		}
		t := rc.Report.Totals()
		if err != nil {
			log.Error("run: failed", zap.Error(err), zap.Int("steps", t.Steps), zap.Duration("elapsed", time.Since(start)))
			return
		}
		log.Info("run: done",
			zap.Int("steps", t.Steps),
			zap.Int("attempted", t.Attempted),
			zap.Int("created", t.Created),
			zap.Int("updated", t.Updated),
			zap.Int("failed", t.Failed),
			zap.Duration("elapsed", time.Since(start)))
	}()

	steps, err := schedule.Order(plan.Steps)
	if err != nil {
		return err
	}
	for _, missing := range schedule.Unproduced(steps) {
		log.Warn("run: dependency not produced by any step", zap.String("entity", missing))
	}

	if err := r.preload(ctx, rc, steps); err != nil {
		return err
	}

	for _, step := range steps {
		if cerr := ctx.Err(); cerr != nil {
			return errs.WithStep(errs.Transport(cerr, "run canceled"), step.Label())
		}
		if err := r.runStep(ctx, rc, plan, step); err != nil {
			return err
		}
	}
	return nil
}

// preload fetches every referenced seed document concurrently so a broken
// reference stops the run before anything is committed. A failure is
// recorded against the first step that uses the document.
func (r *Runner) preload(ctx context.Context, rc *RunContext, steps []config.Step) error {
	owner := map[string]config.Step{}
	var refs []string
	for _, s := range steps {
		if s.DataSourceRef == "" {
			continue
		}
		if _, ok := owner[s.DataSourceRef]; !ok {
			owner[s.DataSourceRef] = s
			refs = append(refs, s.DataSourceRef)
		}
	}
	if len(refs) == 0 {
		return nil
	}

	limit := r.Preload
	if limit <= 0 {
		limit = DefaultPreload
	}
	failed := make([]error, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ref := range refs {
		g.Go(func() error {
			if _, err := r.Loader.Load(gctx, ref); err != nil {
				failed[i] = err
				return err
			}
			return nil
		})
	}
	if g.Wait() == nil {
		return nil
	}

	// Report the earliest step in run order, not whichever fetch lost the race.
	for i, ferr := range failed {
		if ferr == nil || errors.Is(ferr, context.Canceled) && ctx.Err() == nil {
			continue
		}
		s := owner[refs[i]]
		err := errs.WithEntity(errs.WithStep(ferr, s.Label()), s.EntityType)
		if sr, berr := rc.Report.Begin(s.Label(), s.EntityType); berr == nil {
			_ = sr.Finish(0, 0, nil, err)
		}
		return err
	}
	return nil
}

// stepResult is what a step produced before it finished or failed.
type stepResult struct {
	attempted int
	outcome   commit.Outcome
	pruned    []string
}

// rejectLogLimit caps the per-record warnings logged for one step; the
// report keeps its own sample.
const rejectLogLimit = 10

func (r *Runner) runStep(ctx context.Context, rc *RunContext, plan config.Plan, step config.Step) error {
	label := step.Label()
	log := r.log().With(zap.String("step", label), zap.String("entity", step.EntityType))

	sr, err := rc.Report.Begin(label, step.EntityType)
	if err != nil {
		return err
	}
	start := time.Now()

	res, err := r.execute(ctx, rc, plan, step, log)
	if err != nil {
		err = errs.WithEntity(errs.WithStep(err, label), step.EntityType)
	}

	o := res.outcome
	_ = sr.SetOutcome(report.Outcome{
		Created:   len(o.Created),
		Updated:   len(o.Updated),
		Processed: len(o.Processed),
		Batches:   o.Batches,
		Pruned:    res.pruned,
	})
	failures := make([]report.Failure, len(o.Failures))
	for i, f := range o.Failures {
		ferr := f.Err(step.EntityType)
		failures[i] = report.Failure{Index: f.Index, Key: f.BusinessKey, Kind: errs.KindOf(ferr).String(), Messages: f.Messages}
		if i < rejectLogLimit {
			log.Warn("run: record rejected", zap.Int("index", f.Index), zap.Error(ferr))
		}
	}
	_ = sr.Finish(res.attempted, o.OK(), failures, err)

	metrics.RecordStep(rc.Name, label, err, time.Since(start))
	metrics.RecordRow(rc.Name, metrics.KindAttempted, int64(res.attempted))
	metrics.RecordRow(rc.Name, metrics.KindCreated, int64(len(o.Created)))
	metrics.RecordRow(rc.Name, metrics.KindUpdated, int64(len(o.Updated)))
	metrics.RecordRow(rc.Name, metrics.KindFailed, int64(len(o.Failures)))
	metrics.RecordBatches(rc.Name, int64(o.Batches))

	if err != nil {
		log.Error("run: step failed", zap.Error(err), zap.String("kind", errs.KindOf(err).String()))
		return err
	}
	log.Info("run: step done",
		zap.Int("attempted", res.attempted),
		zap.Int("created", len(o.Created)),
		zap.Int("updated", len(o.Updated)),
		zap.Int("failed", len(o.Failures)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) execute(ctx context.Context, rc *RunContext, plan config.Plan, step config.Step, log *zap.Logger) (stepResult, error) {
	var res stepResult
	entity := step.EntityType

	raw, err := r.source(ctx, step)
	if err != nil {
		return res, err
	}
	metrics.RecordRow(rc.Name, metrics.KindLoaded, int64(len(raw)))

	if step.Filter != nil {
		node, err := filter.Parse(step.Filter)
		if err != nil {
			return res, err
		}
		before := len(raw)
		raw = filter.Select(raw, node)
		metrics.RecordRow(rc.Name, metrics.KindFiltered, int64(before-len(raw)))
		log.Debug("run: filtered", zap.Int("in", before), zap.Int("kept", len(raw)))
	}

	recs, err := r.produce(rc, step, raw)
	if err != nil {
		return res, err
	}

	cfg, err := r.Mappings.Load(mapping.Request{
		Entity:   entity,
		StepFile: plan.Resolve(step.MappingFile),
		Inline:   step.Mapping,
	}, rc.Constants)
	if err != nil {
		return res, err
	}
	matchKey := cfg.Identify.MatchKey

	if err := r.Metadata.EnsureAvailable(ctx, entity); err != nil {
		return res, err
	}
	fi, err := r.Metadata.Describe(ctx, entity)
	if err != nil {
		return res, err
	}

	pipe, err := transformer.NewPipeline(entity, cfg, rc.IDs, rc.Constants, r.Resolver)
	if err != nil {
		return res, err
	}
	out, err := pipe.Process(recs)
	if err != nil {
		return res, err
	}
	out = builtin.ChainFromConfig(cfg.Transform).Apply(out)

	out, pruned := r.Metadata.Prune(entity, out, fi, matchKey, cfg.Strategy.ExternalIDField)
	res.pruned = pruned.Fields()
	if err := r.Metadata.ValidateBatch(entity, out, fi, cfg.Strategy.Operation); err != nil {
		return res, err
	}
	if err := builtin.FromConfig(cfg.Validate, matchKey, pruned.Set()).Check(out); err != nil {
		return res, err
	}
	if err := requireMatchKey(out, matchKey); err != nil {
		return res, err
	}

	res.attempted = len(out)
	if len(out) == 0 {
		log.Info("run: nothing to commit")
		return res, nil
	}

	size := plan.Runtime.BatchSize
	if size <= 0 {
		size = r.BatchSize
	}
	rec := commit.Reconciler{Committer: r.Target, Log: log, BatchSize: size}
	outcome, err := rec.Commit(ctx, entity, out, cfg.Strategy, matchKey)
	res.outcome = outcome
	// Rows from batches that committed before a failure did reach the target.
	added := rc.IDs.Merge(entity, outcome.IDs)
	log.Debug("run: identifiers merged", zap.Int("added", added), zap.Int("total", rc.IDs.Len(entity)))
	return res, err
}

// source returns the step's raw records. Generate steps may run without a
// data source.
func (r *Runner) source(ctx context.Context, step config.Step) ([]records.Record, error) {
	if step.DataSourceRef == "" {
		if step.EffectiveMode() == config.ModeGenerate {
			return nil, nil
		}
		return nil, errs.Configf("step has no dataSourceRef")
	}
	doc, err := r.Loader.Load(ctx, step.DataSourceRef)
	if err != nil {
		return nil, err
	}
	return datasource.Records(doc, step.DataSubKey)
}

// produce applies the step mode.
func (r *Runner) produce(rc *RunContext, step config.Step, raw []records.Record) ([]records.Record, error) {
	switch step.EffectiveMode() {
	case config.ModeDirect:
		return raw, nil
	case config.ModeGenerate:
		if r.Generators == nil {
			return nil, errs.Configf("generator %q: no generators registered", step.Generator)
		}
		fn, err := r.Generators.Get(step.Generator)
		if err != nil {
			return nil, err
		}
		out, err := fn(raw, rc.IDs)
		if err != nil {
			if errs.KindOf(err) != errs.KindUnknown {
				return nil, err
			}
			e := errs.Configf("generator %q: %v", step.Generator, err)
			e.Err = err
			return nil, e
		}
		return out, nil
	}
	return nil, errs.Configf("unknown mode %q", step.Mode)
}

// requireMatchKey enforces that every record reaching commit carries a
// business key.
func requireMatchKey(recs []records.Record, matchKey string) error {
	for i, rec := range recs {
		v, ok := rec.Path(matchKey)
		if ok && !records.IsEmpty(v) {
			continue
		}
		return errs.Validationf("record %d has no value for match key %s", i, matchKey)
	}
	return nil
}

// Describe summarizes the ordered plan, one line per step.
func Describe(plan config.Plan) ([]string, error) {
	steps, err := schedule.Order(plan.Steps)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(steps))
	for i, s := range steps {
		line := fmt.Sprintf("%d. %s (%s, %s)", i+1, s.Label(), s.EntityType, s.EffectiveMode())
		if len(s.DependsOn) > 0 {
			line += fmt.Sprintf(" after %v", s.DependsOn)
		}
		out[i] = line
	}
	return out, nil
}
