package mapping

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"seedflow/internal/errs"
	"seedflow/pkg/records"
)

// delim separates koanf key paths. Field names in fieldMap / defaults may
// contain dots, so the usual "." cannot be used.
const delim = "::"

// Options locates the file-backed layers. Every path is optional.
type Options struct {
	BasePath        string
	EnvironmentPath string
	StepDir         string
}

// Request identifies the mapping to build for one step.
type Request struct {
	Entity string
	// StepFile overrides <StepDir>/<Entity>.yaml; it must exist when set.
	StepFile string
	Inline   map[string]any
}

// Provider builds merged mapping configs. It is safe for sequential reuse
// across steps; each Load starts from a fresh koanf instance.
type Provider struct {
	base    *koanf.Koanf
	env     *koanf.Koanf
	stepDir string
}

// NewProvider reads the base and environment layers from disk.
func NewProvider(opts Options) (*Provider, error) {
	base, err := loadFile(opts.BasePath, false)
	if err != nil {
		return nil, err
	}
	env, err := loadFile(opts.EnvironmentPath, false)
	if err != nil {
		return nil, err
	}
	return &Provider{base: base, env: env, stepDir: opts.StepDir}, nil
}

// NewProviderFromBytes builds a provider from in-memory YAML layers.
func NewProviderFromBytes(base, environment []byte, stepDir string) (*Provider, error) {
	b, err := loadBytes(base, "base")
	if err != nil {
		return nil, err
	}
	e, err := loadBytes(environment, "environment")
	if err != nil {
		return nil, err
	}
	return &Provider{base: b, env: e, stepDir: stepDir}, nil
}

// Load merges every layer for req, interpolates constants into all string
// values, and returns the normalized, checked config.
func (p *Provider) Load(req Request, constants map[string]string) (Config, error) {
	k := koanf.New(delim)

	for _, layer := range []*koanf.Koanf{p.base, p.env} {
		if layer == nil {
			continue
		}
		for _, path := range []string{"defaults", "entities" + delim + req.Entity} {
			if !layer.Exists(path) {
				continue
			}
			if err := k.Merge(layer.Cut(path)); err != nil {
				return Config{}, errs.Configf("merge %s for %s: %v", path, req.Entity, err)
			}
		}
	}

	stepFile, mustExist := req.StepFile, true
	if stepFile == "" && p.stepDir != "" {
		stepFile, mustExist = filepath.Join(p.stepDir, req.Entity+".yaml"), false
	}
	if stepFile != "" {
		sk, err := loadFile(stepFile, mustExist)
		if err != nil {
			return Config{}, err
		}
		if sk != nil {
			if err := k.Merge(sk); err != nil {
				return Config{}, errs.Configf("merge step file %s: %v", stepFile, err)
			}
		}
	}

	if len(req.Inline) > 0 {
		b, err := yamlv3.Marshal(req.Inline)
		if err != nil {
			return Config{}, errs.Configf("inline mapping for %s: %v", req.Entity, err)
		}
		if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
			return Config{}, errs.Configf("inline mapping for %s: %v", req.Entity, err)
		}
	}

	cfg, err := decode(k, constants)
	if err != nil {
		return Config{}, errs.WithEntity(err, req.Entity)
	}
	cfg.Normalize()
	if err := cfg.Check(req.Entity); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode interpolates {{NAME}} constants into the merged tree and unmarshals
// it into a Config.
func decode(k *koanf.Koanf, constants map[string]string) (Config, error) {
	var cfg Config
	src := k
	if len(constants) > 0 {
		raw := records.ExpandConstantsDeep(k.Raw(), constants)
		b, err := yamlv3.Marshal(raw)
		if err != nil {
			return Config{}, errs.Configf("interpolate constants: %v", err)
		}
		src = koanf.New(delim)
		if err := src.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
			return Config{}, errs.Configf("interpolate constants: %v", err)
		}
	}
	if err := src.Unmarshal("", &cfg); err != nil {
		return Config{}, errs.Configf("decode mapping: %v", err)
	}
	return cfg, nil
}

func loadFile(path string, mustExist bool) (*koanf.Koanf, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !mustExist {
			return nil, nil
		}
		return nil, errs.Configf("read mapping %s: %v", path, err)
	}
	return loadBytes(b, path)
}

func loadBytes(b []byte, name string) (*koanf.Koanf, error) {
	if len(b) == 0 {
		return nil, nil
	}
	k := koanf.New(delim)
	if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
		return nil, errs.Configf("parse mapping %s: %v", name, err)
	}
	return k, nil
}

// String renders a config for debug logs.
func (c Config) String() string {
	return fmt.Sprintf("matchKey=%s op=%s api=%s batch=%d refs=%d pre=%d post=%d",
		c.Identify.MatchKey, c.Strategy.Operation, c.Strategy.API, c.Strategy.BatchSize,
		len(c.References), len(c.Transform.Pre), len(c.Transform.Post))
}
