package config

// This file adds a lightweight linter for Plan values. It performs static
// checks over a decoded Plan and returns a list of issues (errors and
// warnings) that callers can surface in the CLI or tests.

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"seedflow/internal/filter"
	"seedflow/internal/idmap"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding worth surfacing that does not block
	// execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Plan.
//
// Path is a dotted path into the plan (e.g. "target.kind",
// "steps[1].filter"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// KnownTargets lists the target kinds bundled with seedflow.
var KnownTargets = []string{"memory", "sqlite", "postgres"}

// ValidatePlan performs static validation of a Plan. It does not mutate the
// plan. Dependency cycles are detected by the scheduler, not here.
func ValidatePlan(p Plan) []Issue {
	var issues []Issue
	issues = append(issues, validateTarget(p.Target)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateSteps(p.Steps)...)
	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

func validateTarget(t Target) []Issue {
	if strings.TrimSpace(t.Kind) == "" {
		return []Issue{{
			Severity: SeverityError,
			Path:     "target.kind",
			Message:  "target.kind must not be empty",
		}}
	}
	var issues []Issue
	known := false
	for _, k := range KnownTargets {
		if k == t.Kind {
			known = true
		}
	}
	if !known {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "target.kind",
			Message:  fmt.Sprintf("unknown target kind %q; ensure a matching backend is registered", t.Kind),
		})
	}
	if (t.Kind == "sqlite" || t.Kind == "postgres") && strings.TrimSpace(t.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "target.dsn",
			Message:  fmt.Sprintf("%s target requires a dsn", t.Kind),
		})
	}
	return issues
}

func validateRuntime(r Runtime) []Issue {
	var issues []Issue
	if r.BatchSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batchSize",
			Message:  "batchSize must not be negative",
		})
	}
	if r.FailureSample < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.failureSample",
			Message:  "failureSample must not be negative",
		})
	}
	if n := utf8.RuneCountInString(r.CSV.Delimiter); n > 1 || r.CSV.Delimiter == "\n" || r.CSV.Delimiter == "\"" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.csv.delimiter",
			Message:  fmt.Sprintf("delimiter must be a single character other than a quote or newline, got %q", r.CSV.Delimiter),
		})
	}
	if _, err := idmap.ParsePolicy(r.IDMergePolicy); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.idMergePolicy",
			Message:  err.Error(),
		})
	}
	return issues
}

func validateSteps(steps []Step) []Issue {
	if len(steps) == 0 {
		return []Issue{{
			Severity: SeverityWarning,
			Path:     "steps",
			Message:  "no steps configured; the run will commit nothing",
		}}
	}

	var issues []Issue
	produced := map[string]int{}
	labels := map[string]int{}
	for _, s := range steps {
		produced[s.EntityType]++
	}

	for i, s := range steps {
		at := func(field string) string { return fmt.Sprintf("steps[%d].%s", i, field) }

		if strings.TrimSpace(s.EntityType) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     at("entityType"),
				Message:  "entityType must not be empty",
			})
		}

		if prev, dup := labels[s.Label()]; dup && s.Label() != "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     at("name"),
				Message:  fmt.Sprintf("step label %q also used by steps[%d]; set name to tell them apart in reports", s.Label(), prev),
			})
		} else {
			labels[s.Label()] = i
		}

		switch s.EffectiveMode() {
		case ModeDirect:
			if strings.TrimSpace(s.DataSourceRef) == "" {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     at("dataSourceRef"),
					Message:  "direct mode requires a dataSourceRef",
				})
			}
		case ModeGenerate:
			if strings.TrimSpace(s.Generator) == "" {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     at("generator"),
					Message:  "generate mode requires a generator name",
				})
			}
		default:
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     at("mode"),
				Message:  fmt.Sprintf("unknown mode %q (want direct or generate)", s.Mode),
			})
		}

		if _, err := filter.Parse(s.Filter); err != nil {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     at("filter"),
				Message:  err.Error(),
			})
		}

		for j, dep := range s.DependsOn {
			switch {
			case dep == s.EntityType && produced[dep] == 1:
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Path:     fmt.Sprintf("steps[%d].dependsOn[%d]", i, j),
					Message:  "no other step produces the step's own entity type; dependency has no effect",
				})
			case produced[dep] == 0:
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Path:     fmt.Sprintf("steps[%d].dependsOn[%d]", i, j),
					Message:  fmt.Sprintf("no step produces %q; references must already be seeded", dep),
				})
			}
		}
	}
	return issues
}
