package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seedflow/internal/config"
	"seedflow/internal/errs"
	"seedflow/internal/logging"
	"seedflow/internal/report"
	"seedflow/internal/run"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr, env.ToMap(os.Environ()))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		stop()
		os.Exit(1)
	}
}

// cli carries what every subcommand shares.
type cli struct {
	stdout, stderr io.Writer
	environ        map[string]string

	planPath  string
	logLevel  string
	logFormat string
}

func newRootCmd(stdout, stderr io.Writer, environ map[string]string) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, environ: environ}

	root := &cobra.Command{
		Use:   "seedflow",
		Short: "Load interrelated seed records into a target platform",
		Long: `seedflow runs a seed plan: an ordered list of steps that load seed data,
transform it, resolve references to records created by earlier steps, and
commit it to the configured target in batches.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.planPath, "plan", "p", "seedflow.yaml", "seed plan file (YAML or JSON)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides SEEDFLOW_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format: console or json (overrides SEEDFLOW_LOG_FORMAT)")

	root.AddCommand(c.runCmd(), c.validateCmd(), c.orderCmd())
	return root
}

func (c *cli) runCmd() *cobra.Command {
	var (
		dryRun     bool
		reportPath string
		metricsFlg string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a seed plan",
		Long: `Execute a seed plan against its target.

Examples:
  # Run against the configured target and keep a report
  seedflow run --plan seeds/demo.yaml --report out/report.json

  # Rehearse against an in-memory target
  seedflow run --plan seeds/demo.yaml --dry-run --report -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, log, err := c.setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if metricsFlg != "" {
				s.MetricsBackend = metricsFlg
			}

			plan, err := c.loadPlan(log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ctr, err := buildContainer(ctx, plan, s, dryRun, log)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := ctr.Close(); cerr != nil {
					log.Warn("seedflow: close target", zap.Error(cerr))
				}
			}()

			rc, err := run.NewRunContext(plan)
			if err != nil {
				return err
			}
			flush := setupMetrics(s, rc.Name, log)
			defer flush()

			runErr := ctr.runner.RunWith(ctx, rc, plan)
			if reportPath != "" {
				if err := c.writeReport(rc.Report, reportPath); err != nil {
					log.Error("seedflow: write report", zap.Error(err))
					if runErr == nil {
						runErr = err
					}
				}
			}
			c.summarize(rc.Report)
			return runErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "commit to an in-memory target instead of the configured one")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the run report as JSON to this file (- for stdout)")
	cmd.Flags().StringVar(&metricsFlg, "metrics-backend", "", "metrics backend: none, pushgateway, datadog (overrides METRICS_BACKEND)")
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a seed plan without running it",
		Long: `Check a seed plan: static findings, step order (dependency cycles), and
that every step's mapping merges into a usable configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, err := c.setup()
			if err != nil {
				return err
			}
			plan, err := c.loadPlan(log)
			if err != nil {
				return err
			}
			if _, err := run.Describe(plan); err != nil {
				return err
			}
			if err := checkMappings(plan); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "plan %s is valid (%d steps)\n", c.planPath, len(plan.Steps))
			return nil
		},
	}
}

func (c *cli) orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print the order the plan's steps will run in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, err := c.setup()
			if err != nil {
				return err
			}
			plan, err := c.loadPlan(log)
			if err != nil {
				return err
			}
			lines, err := run.Describe(plan)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Fprintln(c.stdout, l)
			}
			return nil
		},
	}
}

// setup reads settings and builds the logger. Logs go to stderr so stdout
// stays usable for reports.
func (c *cli) setup() (settings, *zap.Logger, error) {
	s, err := loadSettings(c.environ)
	if err != nil {
		return settings{}, nil, err
	}
	if c.logLevel != "" {
		s.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		s.LogFormat = c.logFormat
	}
	log, err := logging.New(logging.Config{Level: s.LogLevel, Format: s.LogFormat, Output: c.stderr})
	if err != nil {
		return settings{}, nil, err
	}
	return s, log, nil
}

// loadPlan loads the plan and prints its static findings. Any error finding
// fails the command.
func (c *cli) loadPlan(log *zap.Logger) (config.Plan, error) {
	plan, err := config.Load(c.planPath)
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return config.Plan{}, err
		}
		e := errs.Configf("load plan %s: %v", c.planPath, err)
		e.Err = err
		return config.Plan{}, e
	}
	issues := config.ValidatePlan(plan)
	for _, iss := range issues {
		fmt.Fprintf(c.stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return config.Plan{}, errs.Configf("plan %s is invalid", c.planPath)
	}
	log.Debug("seedflow: plan loaded", zap.String("plan", c.planPath), zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

func (c *cli) writeReport(rep *report.Report, path string) error {
	if path == "-" {
		return rep.WriteJSON(c.stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := rep.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// summarize prints one line per step to stderr.
func (c *cli) summarize(rep *report.Report) {
	for _, s := range rep.Steps() {
		fmt.Fprintf(c.stderr, "%-24s %-8s attempted=%d ok=%d failed=%d\n", s.Name, s.Status, s.Attempted, s.Succeeded, s.Failed)
	}
	t := rep.Totals()
	fmt.Fprintf(c.stderr, "total: steps=%d attempted=%d created=%d updated=%d failed=%d\n",
		t.Steps, t.Attempted, t.Created, t.Updated, t.Failed)
}

// describeError renders a fatal error with its kind, step and business key
// when known.
func describeError(err error) string {
	var e *errs.Error
	if !errors.As(err, &e) {
		return "error: " + err.Error()
	}
	parts := []string{"error:", "kind=" + e.Kind.String()}
	if e.Step != "" {
		parts = append(parts, "step="+e.Step)
	}
	if e.BusinessKey != "" {
		parts = append(parts, "key="+e.BusinessKey)
	}
	return strings.Join(parts, " ") + ": " + err.Error()
}

