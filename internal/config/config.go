// Package config defines the seed plan model and its loader.
//
// A plan is a YAML (or JSON) document listing the steps of a seed run plus
// the run-wide settings they share:
//
//	name: demo
//	mappings:
//	  base: mappings/base.yaml
//	  environment: mappings/dev.yaml
//	  stepDir: mappings/steps
//	constants: { SITE: HQ }
//	target: { kind: sqlite, dsn: "file:seed.db" }
//	runtime: { idMergePolicy: prefer-new, batchSize: 200, failureSample: 20 }
//	steps:
//	  - entityType: Account
//	    dataSourceRef: data/accounts.yaml
//	    dataSubKey: accounts
//	  - entityType: Contact
//	    dataSourceRef: data/contacts.json
//	    dependsOn: [Account]
//	    filter: { missing: ParentExternalId }
//
// Environment variables prefixed with SEEDFLOW_ override scalar settings;
// "__" separates nesting levels (SEEDFLOW_TARGET__DSN -> target.dsn).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides.
const EnvPrefix = "SEEDFLOW_"

// delim separates koanf key paths; inline mapping keys may contain dots.
const delim = "::"

// Step modes.
const (
	ModeDirect   = "direct"
	ModeGenerate = "generate"
)

// Plan is the top-level seed plan.
type Plan struct {
	Name      string            `koanf:"name" json:"name"`
	Mappings  MappingLayers     `koanf:"mappings" json:"mappings"`
	Constants map[string]string `koanf:"constants" json:"constants,omitempty"`
	Target    Target            `koanf:"target" json:"target"`
	Runtime   Runtime           `koanf:"runtime" json:"runtime"`
	Steps     []Step            `koanf:"steps" json:"steps"`

	// Dir is the directory relative paths resolve against. It is set by
	// Load to the plan file's directory and is never read from the document.
	Dir string `koanf:"-" json:"-"`
}

// MappingLayers locates the file-backed mapping layers.
type MappingLayers struct {
	Base        string `koanf:"base" json:"base,omitempty"`
	Environment string `koanf:"environment" json:"environment,omitempty"`
	StepDir     string `koanf:"stepDir" json:"stepDir,omitempty"`
}

// Target selects the commit backend.
type Target struct {
	// Kind is a registered target kind: memory, sqlite, postgres.
	Kind string `koanf:"kind" json:"kind"`
	DSN  string `koanf:"dsn" json:"dsn,omitempty"`
	// IDPrefix is prepended to ids minted by targets that mint their own.
	IDPrefix string `koanf:"idPrefix" json:"idPrefix,omitempty"`
}

// Runtime holds run-wide knobs.
type Runtime struct {
	IDMergePolicy string `koanf:"idMergePolicy" json:"idMergePolicy,omitempty"`
	// BatchSize applies to mappings that leave strategy.batchSize unset.
	BatchSize     int `koanf:"batchSize" json:"batchSize,omitempty"`
	FailureSample int `koanf:"failureSample" json:"failureSample,omitempty"`
	// SelfParentField and IDSuffix drive reference target inference.
	SelfParentField string `koanf:"selfParentField" json:"selfParentField,omitempty"`
	IDSuffix        string `koanf:"idSuffix" json:"idSuffix,omitempty"`
	CSV             CSV    `koanf:"csv" json:"csv"`
}

// CSV controls how .csv data sources are read.
type CSV struct {
	// Delimiter is a single character; empty means a comma.
	Delimiter   string            `koanf:"delimiter" json:"delimiter,omitempty"`
	TrimSpace   bool              `koanf:"trimSpace" json:"trimSpace,omitempty"`
	EmptyAsNull bool              `koanf:"emptyAsNull" json:"emptyAsNull,omitempty"`
	HeaderMap   map[string]string `koanf:"headerMap" json:"headerMap,omitempty"`
}

// Comma returns the delimiter rune, or 0 for the default.
func (c CSV) Comma() rune {
	for _, r := range c.Delimiter {
		return r
	}
	return 0
}

// Step is one pipeline stage. Steps are immutable for the run.
type Step struct {
	Name          string         `koanf:"name" json:"name,omitempty"`
	EntityType    string         `koanf:"entityType" json:"entityType"`
	DataSourceRef string         `koanf:"dataSourceRef" json:"dataSourceRef,omitempty"`
	DataSubKey    string         `koanf:"dataSubKey" json:"dataSubKey,omitempty"`
	Filter        any            `koanf:"filter" json:"filter,omitempty"`
	Mode          string         `koanf:"mode" json:"mode,omitempty"`
	Generator     string         `koanf:"generator" json:"generator,omitempty"`
	DependsOn     []string       `koanf:"dependsOn" json:"dependsOn,omitempty"`
	Mapping       map[string]any `koanf:"mapping" json:"mapping,omitempty"`
	MappingFile   string         `koanf:"mappingFile" json:"mappingFile,omitempty"`
}

// Label names the step in logs, reports and errors.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.EntityType
}

// EffectiveMode returns the step mode, defaulting to direct.
func (s Step) EffectiveMode() string {
	if s.Mode == "" {
		return ModeDirect
	}
	return strings.ToLower(s.Mode)
}

// Load reads a plan file, applies SEEDFLOW_ environment overrides and
// fills Dir.
func Load(path string) (Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(b, os.Environ())
	if err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Plan{}, fmt.Errorf("resolve plan dir: %w", err)
	}
	p.Dir = abs
	return p, nil
}

// Parse decodes a plan document (YAML or JSON). environ is a list of
// KEY=VALUE pairs; only SEEDFLOW_ entries are considered.
func Parse(data []byte, environ []string) (Plan, error) {
	k := koanf.New(delim)
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Plan{}, fmt.Errorf("parse: %w", err)
	}

	overrides := envOverrides(environ)
	if len(overrides) > 0 {
		if err := k.Load(env.Provider(EnvPrefix, delim, envKey(k, overrides)), nil); err != nil {
			return Plan{}, fmt.Errorf("load environment: %w", err)
		}
	}

	var p Plan
	if err := k.Unmarshal("", &p); err != nil {
		return Plan{}, fmt.Errorf("decode: %w", err)
	}
	return p, nil
}

// envOverrides keeps SEEDFLOW_ entries of environ.
func envOverrides(environ []string) map[string]bool {
	out := map[string]bool{}
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(name, EnvPrefix) {
			out[name] = true
		}
	}
	return out
}

// envKey maps SEEDFLOW_TARGET__DSN to target::dsn, reusing the spelling of
// an existing key when one matches case-insensitively so camelCase fields
// are overridden rather than shadowed. Variables not in allowed are dropped.
func envKey(k *koanf.Koanf, allowed map[string]bool) func(string) string {
	existing := k.Keys()
	return func(name string) string {
		if !allowed[name] {
			return ""
		}
		segs := strings.Split(strings.TrimPrefix(name, EnvPrefix), "__")
		for i := range segs {
			segs[i] = strings.ToLower(segs[i])
		}
		key := strings.Join(segs, delim)
		for _, e := range existing {
			if strings.EqualFold(e, key) {
				return e
			}
		}
		return key
	}
}

// Resolve turns a relative path into one rooted at the plan directory.
// URLs and absolute paths are returned unchanged.
func (p Plan) Resolve(ref string) string {
	if ref == "" || p.Dir == "" || filepath.IsAbs(ref) || strings.Contains(ref, "://") {
		return ref
	}
	return filepath.Join(p.Dir, ref)
}
