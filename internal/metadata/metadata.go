// Package metadata wraps a target's schema description: it caches describe
// results per entity type, prunes fields the target does not know, and
// rejects present fields the operation cannot write.
package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

// Field describes one target field.
type Field struct {
	Name       string `json:"name"`
	Createable bool   `json:"createable"`
	Updateable bool   `json:"updateable"`
}

// FieldInfo is the described schema of one entity type.
type FieldInfo struct {
	Entity string           `json:"entity"`
	Fields map[string]Field `json:"fields"`
	// Open marks a schemaless entity: unlisted fields exist and are writable.
	Open bool `json:"open,omitempty"`
}

// Has reports whether the target knows the field.
func (fi FieldInfo) Has(name string) bool {
	_, ok := fi.Fields[name]
	return ok || fi.Open
}

// Writable reports whether op may write the field. Upsert accepts a field
// that is either createable or updateable.
func (fi FieldInfo) Writable(name string, op mapping.Operation) bool {
	f, ok := fi.Fields[name]
	if !ok {
		return fi.Open
	}
	switch op {
	case mapping.OpInsert:
		return f.Createable
	case mapping.OpUpdate:
		return f.Updateable
	}
	return f.Createable || f.Updateable
}

// Describer is the schema side of a target.
type Describer interface {
	// EnsureAvailable fails when the entity type does not exist on the target.
	EnsureAvailable(ctx context.Context, entity string) error
	Describe(ctx context.Context, entity string) (FieldInfo, error)
}

// Service adds caching and the prune / validate rules on top of a Describer.
type Service struct {
	d   Describer
	log *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]FieldInfo
}

// NewService wraps d. A nil logger is replaced with a no-op one.
func NewService(d Describer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{d: d, log: log, cache: map[string]FieldInfo{}}
}

// EnsureAvailable delegates to the describer, classifying failures as
// schema errors.
func (s *Service) EnsureAvailable(ctx context.Context, entity string) error {
	if err := s.d.EnsureAvailable(ctx, entity); err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return err
		}
		e := errs.Schemaf("entity type not available: %v", err)
		e.Entity = entity
		e.Err = err
		return e
	}
	return nil
}

// Describe returns the cached description, fetching it once per entity type
// even under concurrent callers.
func (s *Service) Describe(ctx context.Context, entity string) (FieldInfo, error) {
	s.mu.Lock()
	fi, ok := s.cache[entity]
	s.mu.Unlock()
	if ok {
		return fi, nil
	}

	v, err, shared := s.group.Do(entity, func() (any, error) {
		fi, err := s.d.Describe(ctx, entity)
		if err != nil {
			return FieldInfo{}, err
		}
		s.mu.Lock()
		s.cache[entity] = fi
		s.mu.Unlock()
		return fi, nil
	})
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return FieldInfo{}, err
		}
		return FieldInfo{}, errs.Transport(err, "describe %s", entity)
	}
	s.log.Debug("metadata: described", zap.String("entity", entity), zap.Int("fields", len(v.(FieldInfo).Fields)), zap.Bool("shared", shared))
	return v.(FieldInfo), nil
}

// PruneReport lists the fields Prune removed, per field with the number of
// records it was removed from.
type PruneReport struct {
	Removed map[string]int
}

// Fields returns the removed field names, sorted.
func (r PruneReport) Fields() []string {
	out := make([]string, 0, len(r.Removed))
	for f := range r.Removed {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Set returns the removed field names as a set.
func (r PruneReport) Set() map[string]bool {
	out := make(map[string]bool, len(r.Removed))
	for f := range r.Removed {
		out[f] = true
	}
	return out
}

// Prune returns copies of recs without the fields the target does not have.
// The fields listed in keep (match key, external id field) are never
// removed; ValidateBatch reports them instead.
func (s *Service) Prune(entity string, recs []records.Record, fi FieldInfo, keep ...string) ([]records.Record, PruneReport) {
	rep := PruneReport{Removed: map[string]int{}}
	protected := map[string]bool{}
	for _, k := range keep {
		if k != "" {
			protected[k] = true
		}
	}
	out := make([]records.Record, len(recs))
	for i, r := range recs {
		c := r.Clone()
		for _, k := range r.Keys() {
			if fi.Has(k) || protected[k] {
				continue
			}
			c.Delete(k)
			rep.Removed[k]++
		}
		out[i] = c
	}
	if len(rep.Removed) > 0 {
		s.log.Warn("metadata: pruned fields not on target schema",
			zap.String("entity", entity), zap.Strings("fields", rep.Fields()))
	}
	return out, rep
}

// ValidateBatch returns a schema error naming every field present on some
// record that op cannot write (including protected fields missing from the
// target).
func (s *Service) ValidateBatch(entity string, recs []records.Record, fi FieldInfo, op mapping.Operation) error {
	bad := map[string]string{}
	for _, r := range recs {
		for _, k := range r.Keys() {
			if _, seen := bad[k]; seen {
				continue
			}
			switch {
			case !fi.Has(k):
				bad[k] = "not on target schema"
			case !fi.Writable(k, op):
				bad[k] = fmt.Sprintf("not writable for %s", op)
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	names := make([]string, 0, len(bad))
	for k := range bad {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + " (" + bad[k] + ")"
	}
	err := errs.Schemaf("%s", strings.Join(parts, ", "))
	err.Entity = entity
	if len(names) == 1 {
		err.Field = names[0]
	}
	return err
}

// Static is a Describer over fixed descriptions. Unknown entity types are
// unavailable.
type Static map[string]FieldInfo

func (st Static) EnsureAvailable(_ context.Context, entity string) error {
	if _, ok := st[entity]; !ok {
		return errs.Schemaf("unknown entity type %q", entity)
	}
	return nil
}

func (st Static) Describe(ctx context.Context, entity string) (FieldInfo, error) {
	if err := st.EnsureAvailable(ctx, entity); err != nil {
		return FieldInfo{}, err
	}
	return st[entity], nil
}

// Writable builds a FieldInfo whose fields are all createable and updateable.
func Writable(entity string, names ...string) FieldInfo {
	fi := FieldInfo{Entity: entity, Fields: make(map[string]Field, len(names))}
	for _, n := range names {
		fi.Fields[n] = Field{Name: n, Createable: true, Updateable: true}
	}
	return fi
}
