package transformer

import (
	"fmt"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
	"seedflow/internal/mapping"
	"seedflow/internal/reference"
	"seedflow/pkg/records"
)

// Pipeline runs the per-record phases for one entity type.
type Pipeline struct {
	entity    string
	cfg       mapping.Config
	constants map[string]string
	ids       idmap.Reader
	resolver  reference.Resolver
	pre, post []Op
}

// NewPipeline interpolates constants into cfg and compiles its op lists.
// ids is only read.
func NewPipeline(entity string, cfg mapping.Config, ids idmap.Reader, constants map[string]string, resolver reference.Resolver) (*Pipeline, error) {
	cfg = interpolate(cfg, constants)
	pre, err := CompileAll(cfg.Transform.Pre)
	if err != nil {
		return nil, errs.WithEntity(fmt.Errorf("transform.pre: %w", err), entity)
	}
	post, err := CompileAll(cfg.Transform.Post)
	if err != nil {
		return nil, errs.WithEntity(fmt.Errorf("transform.post: %w", err), entity)
	}
	if ids == nil {
		ids = idmap.Static{}
	}
	return &Pipeline{
		entity:    entity,
		cfg:       cfg,
		constants: constants,
		ids:       ids,
		resolver:  resolver,
		pre:       pre,
		post:      post,
	}, nil
}

// Record transforms one record. Each phase works on a fresh copy.
func (p *Pipeline) Record(rec records.Record) (records.Record, error) {
	out := rec
	if len(p.constants) > 0 {
		out = records.ExpandConstantsDeep(rec, p.constants).(records.Record)
	}
	out = ApplyOps(out, p.pre)
	out = Shape(out, p.cfg.Shape)
	resolved, err := p.resolver.Resolve(out, p.cfg.References, p.ids, p.entity)
	if err != nil {
		return out, err
	}
	return ApplyOps(resolved, p.post), nil
}

// Process transforms every record, stopping at the first failure. The error
// carries the entity, the record index and the business key when known.
func (p *Pipeline) Process(recs []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(recs))
	for i, r := range recs {
		got, err := p.Record(r)
		if err != nil {
			err = errs.WithKey(errs.WithEntity(err, p.entity), p.businessKey(got, r))
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, got)
	}
	return out, nil
}

// interpolate expands {{NAME}} in the value-bearing parts of cfg. Layers
// loaded through mapping.Provider are already expanded; this covers configs
// built in code.
func interpolate(cfg mapping.Config, constants map[string]string) mapping.Config {
	if len(constants) == 0 {
		return cfg
	}
	if cfg.Shape.Defaults != nil {
		cfg.Shape.Defaults = records.ExpandConstantsDeep(cfg.Shape.Defaults, constants).(map[string]any)
	}
	ops := func(in []mapping.OpSpec) []mapping.OpSpec {
		out := make([]mapping.OpSpec, len(in))
		for i, s := range in {
			s.Value = records.ExpandConstantsDeep(s.Value, constants)
			s.Default = records.ExpandConstantsDeep(s.Default, constants)
			if s.Separator != nil {
				sep := records.ExpandConstants(*s.Separator, constants)
				s.Separator = &sep
			}
			out[i] = s
		}
		return out
	}
	cfg.Transform.Pre = ops(cfg.Transform.Pre)
	cfg.Transform.Post = ops(cfg.Transform.Post)
	refs := make([]reference.Entry, len(cfg.References))
	for i, e := range cfg.References {
		e.KeyTemplate = records.ExpandConstants(e.KeyTemplate, constants)
		refs[i] = e
	}
	cfg.References = refs
	return cfg
}

// businessKey reads the match key from the partially processed record,
// falling back to the raw one.
func (p *Pipeline) businessKey(partial, raw records.Record) string {
	mk := p.cfg.Identify.MatchKey
	if v, ok := partial.Path(mk); ok && !records.IsEmpty(v) {
		return records.String(v)
	}
	if v, ok := raw.Path(mk); ok {
		return records.String(v)
	}
	return ""
}
