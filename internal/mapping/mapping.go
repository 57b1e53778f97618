// Package mapping defines the per-entity mapping configuration that drives the
// record transformation pipeline and the commit strategy, and the layered
// provider that builds it.
//
// Layers merge in increasing precedence:
//
//	base.defaults < base.entities.<Entity>
//	  < environment.defaults < environment.entities.<Entity>
//	  < step file (<stepDir>/<Entity>.yaml)
//	  < inline mapping on the step
//
// Objects merge recursively, arrays replace wholesale, scalars overwrite.
package mapping

import (
	"fmt"
	"strings"

	"seedflow/internal/errs"
	"seedflow/internal/reference"
)

// Operation is the commit operation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpsert Operation = "upsert"
	OpUpdate Operation = "update"
)

// API selects the transport shape used by the commit collaborator.
type API string

const (
	APISingle  API = "single"
	APIGrouped API = "grouped"
	APIBulk    API = "bulk"
)

// DefaultBatchSize applies when neither the mapping nor the run sets a
// batch size.
const DefaultBatchSize = 200

// Config is the merged mapping for one entity type.
type Config struct {
	Identify   Identify          `koanf:"identify" json:"identify"`
	Shape      Shape             `koanf:"shape" json:"shape"`
	Transform  Transform         `koanf:"transform" json:"transform"`
	References []reference.Entry `koanf:"references" json:"references,omitempty"`
	Validate   Validate          `koanf:"validate" json:"validate"`
	Strategy   Strategy          `koanf:"strategy" json:"strategy"`
}

// Identify names the business key.
type Identify struct {
	MatchKey string `koanf:"matchKey" json:"matchKey"`
}

// Shape is the declarative rename / default / strip phase.
type Shape struct {
	// FieldMap renames source field → target field.
	FieldMap     map[string]string `koanf:"fieldMap" json:"fieldMap,omitempty"`
	Defaults     map[string]any    `koanf:"defaults" json:"defaults,omitempty"`
	RemoveFields []string          `koanf:"removeFields" json:"removeFields,omitempty"`
}

// Transform holds the op lists run before shaping and after references, and
// the whole-batch cleanup run after them.
type Transform struct {
	Pre       []OpSpec  `koanf:"pre" json:"pre,omitempty"`
	Post      []OpSpec  `koanf:"post" json:"post,omitempty"`
	Normalize Normalize `koanf:"normalize" json:"normalize"`
}

// Normalize turns on string cleanup over the transformed batch. An empty
// Fields list covers every top-level field.
type Normalize struct {
	Enabled     bool     `koanf:"enabled" json:"enabled,omitempty"`
	Fields      []string `koanf:"fields" json:"fields,omitempty"`
	EmptyAsNull bool     `koanf:"emptyAsNull" json:"emptyAsNull,omitempty"`
}

// OpSpec is the configuration form of a transform op. Which fields matter
// depends on Op:
//
//	assign   Field, Value (strings may use ${Path} placeholders)
//	copy     From, To
//	rename   From, To
//	remove   Field
//	coalesce Field, Sources, Default
//	concat   Field, Sources, Separator (a space when absent)
//	coerce   Field, Type (int, float, bool, date, text), Layout
type OpSpec struct {
	Op        string   `koanf:"op" json:"op"`
	Field     string   `koanf:"field" json:"field,omitempty"`
	From      string   `koanf:"from" json:"from,omitempty"`
	To        string   `koanf:"to" json:"to,omitempty"`
	Value     any      `koanf:"value" json:"value,omitempty"`
	Sources   []string `koanf:"sources" json:"sources,omitempty"`
	Default   any      `koanf:"default" json:"default,omitempty"`
	Separator *string  `koanf:"separator" json:"separator,omitempty"`
	Type      string   `koanf:"type" json:"type,omitempty"`
	Layout    string   `koanf:"layout" json:"layout,omitempty"`
}

// Validate lists the whole-batch assertions.
type Validate struct {
	RequiredFields []string `koanf:"requiredFields" json:"requiredFields,omitempty"`
	UniqueBy       []string `koanf:"uniqueBy" json:"uniqueBy,omitempty"`
}

// Strategy configures the commit.
type Strategy struct {
	Operation       Operation `koanf:"operation" json:"operation"`
	ExternalIDField string    `koanf:"externalIdField" json:"externalIdField,omitempty"`
	API             API       `koanf:"api" json:"api"`
	BatchSize       int       `koanf:"batchSize" json:"batchSize"`
}

// Normalize fills defaults: upsert over the grouped API and the match key as
// the external id. A zero batch size is left for the committer to default.
func (c *Config) Normalize() {
	s := &c.Strategy
	s.Operation = Operation(strings.ToLower(string(s.Operation)))
	s.API = API(strings.ToLower(string(s.API)))
	if s.Operation == "" {
		s.Operation = OpUpsert
	}
	if s.API == "" {
		s.API = APIGrouped
	}
	if s.ExternalIDField == "" {
		s.ExternalIDField = c.Identify.MatchKey
	}
}

// Check returns a configuration error for an unusable mapping. Call after
// Normalize.
func (c Config) Check(entity string) error {
	fail := func(format string, args ...any) error {
		err := errs.Configf(format, args...)
		err.Entity = entity
		return err
	}
	if strings.TrimSpace(c.Identify.MatchKey) == "" {
		return fail("mapping has no identify.matchKey")
	}
	switch c.Strategy.Operation {
	case OpInsert, OpUpsert, OpUpdate:
	default:
		return fail("unknown strategy.operation %q", c.Strategy.Operation)
	}
	switch c.Strategy.API {
	case APISingle, APIGrouped, APIBulk:
	default:
		return fail("unknown strategy.api %q", c.Strategy.API)
	}
	if c.Strategy.BatchSize < 0 {
		return fail("strategy.batchSize must not be negative (got %d)", c.Strategy.BatchSize)
	}
	if c.Strategy.Operation == OpUpsert && c.Strategy.ExternalIDField == "" {
		return fail("upsert requires strategy.externalIdField")
	}
	var r reference.Resolver
	for i, e := range c.References {
		if err := r.Check(e, entity); err != nil {
			return fmt.Errorf("references[%d]: %w", i, errs.WithEntity(err, entity))
		}
	}
	return nil
}
