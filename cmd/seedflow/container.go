// Package main is the seedflow CLI. This file wires the run collaborators
// from a plan and the process settings; it depends only on the target
// registry, never on a backend package directly.
package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"seedflow/internal/config"
	"seedflow/internal/datasource"
	"seedflow/internal/datasource/csv"
	"seedflow/internal/datasource/httpds"
	"seedflow/internal/errs"
	"seedflow/internal/generator"
	"seedflow/internal/mapping"
	"seedflow/internal/metadata"
	"seedflow/internal/metrics"
	"seedflow/internal/metrics/datadog"
	"seedflow/internal/metrics/prompush"
	"seedflow/internal/reference"
	"seedflow/internal/run"
	"seedflow/internal/target"
	"seedflow/internal/target/memory"

	// register all backends with the target registry.
	_ "seedflow/internal/target/all"
)

// Function variables used as test seams.
var (
	openTarget = target.New
	newMemory  = func(log *zap.Logger) target.Target { return memory.New(memory.WithLogger(log)) }
)

// container holds what a run needs and how to release it.
type container struct {
	runner *run.Runner
	target target.Target
}

func (c *container) Close() error {
	if c.target == nil {
		return nil
	}
	return c.target.Close()
}

// buildContainer opens the target (or an in-memory one for a dry run) and
// builds the runner for plan.
func buildContainer(ctx context.Context, plan config.Plan, s settings, dryRun bool, log *zap.Logger) (*container, error) {
	prov, err := newProvider(plan)
	if err != nil {
		return nil, err
	}

	var tgt target.Target
	if dryRun {
		tgt = newMemory(log.Named("memory"))
		log.Info("seedflow: dry run, committing to an in-memory target", zap.String("configured", plan.Target.Kind))
	} else {
		tgt, err = openTarget(ctx, target.Config{
			Kind:     plan.Target.Kind,
			DSN:      plan.Target.DSN,
			IDPrefix: plan.Target.IDPrefix,
			Log:      log,
		})
		if err != nil {
			return nil, err
		}
		log.Info("seedflow: target opened", zap.String("kind", plan.Target.Kind))
	}

	base := plan.Dir
	if base == "" {
		base = "."
	}
	loader := datasource.NewLoader(datasource.Options{
		BaseDir: filepath.Clean(base),
		HTTP: httpds.Config{
			Timeout:            s.HTTPTimeout,
			MaxRetries:         s.HTTPRetries,
			InsecureSkipVerify: s.HTTPInsecure,
			Log:                log.Named("httpds"),
		},
		CSV: csv.Options{
			Comma:       plan.Runtime.CSV.Comma(),
			TrimSpace:   plan.Runtime.CSV.TrimSpace,
			EmptyAsNull: plan.Runtime.CSV.EmptyAsNull,
			HeaderMap:   plan.Runtime.CSV.HeaderMap,
		},
		MaxFileBytes: s.MaxFileBytes,
		Log:          log.Named("datasource"),
	})

	return &container{
		target: tgt,
		runner: &run.Runner{
			Loader:     loader,
			Mappings:   prov,
			Metadata:   metadata.NewService(tgt, log.Named("metadata")),
			Target:     tgt,
			Generators: generator.NewRegistry(),
			Resolver: reference.Resolver{
				SelfParentField: plan.Runtime.SelfParentField,
				IDSuffix:        plan.Runtime.IDSuffix,
			},
			Logger: log,
		},
	}, nil
}

// setupMetrics installs the configured metrics backend and returns its
// flush. Backend failures are logged and leave metrics disabled.
func setupMetrics(s settings, runName string, log *zap.Logger) func() {
	nop := func() {}
	var (
		b   metrics.Backend
		err error
	)
	switch s.MetricsBackend {
	case "", "none":
		return nop
	case "pushgateway":
		b, err = prompush.NewBackend(runName, s.PushgatewayURL)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       s.DatadogAddr,
			Namespace:  "seedflow.",
			GlobalTags: append([]string{"run:" + runName}, s.DatadogTags...),
		})
	default:
		err = fmt.Errorf("unknown backend %q", s.MetricsBackend)
	}
	if err != nil {
		log.Warn("metrics: disabled", zap.String("backend", s.MetricsBackend), zap.Error(err))
		return nop
	}
	metrics.SetBackend(b)
	log.Info("metrics: enabled", zap.String("backend", s.MetricsBackend))
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics: flush error", zap.Error(err))
		}
	}
}

// checkMappings merges every step's mapping the way a run would, so a
// missing match key or a bad reference entry surfaces before anything runs.
func checkMappings(plan config.Plan) error {
	prov, err := newProvider(plan)
	if err != nil {
		return err
	}
	for _, s := range plan.Steps {
		_, err := prov.Load(mapping.Request{
			Entity:   s.EntityType,
			StepFile: plan.Resolve(s.MappingFile),
			Inline:   s.Mapping,
		}, plan.Constants)
		if err != nil {
			return errs.WithStep(err, s.Label())
		}
	}
	return nil
}

// newProvider builds the mapping provider from the plan's file layers.
func newProvider(plan config.Plan) (*mapping.Provider, error) {
	return mapping.NewProvider(mapping.Options{
		BasePath:        plan.Resolve(plan.Mappings.Base),
		EnvironmentPath: plan.Resolve(plan.Mappings.Environment),
		StepDir:         plan.Resolve(plan.Mappings.StepDir),
	})
}
