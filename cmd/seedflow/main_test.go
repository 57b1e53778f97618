package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seedflow/internal/errs"
	"seedflow/internal/target"
)

const planYAML = `
name: demo
target: { kind: memory }
constants: { SITE: HQ }
steps:
  - entityType: Contact
    dataSourceRef: data/contacts.yaml
    dependsOn: [Account]
    mapping:
      identify: { matchKey: Key }
      references:
        - { targetField: AccountId, keyExpression: [Account], required: true }
  - entityType: Account
    dataSourceRef: data/accounts.json
    mapping:
      identify: { matchKey: ExternalKey__c }
      shape:
        fieldMap: { ExternalKey: ExternalKey__c }
        defaults: { Site: "{{SITE}}" }
`

// writePlan lays out a plan directory and returns the plan path.
func writePlan(t *testing.T, plan string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"plan.yaml":          plan,
		"data/accounts.json": `[{"ExternalKey":"acct-001","Name":"Acme"}]`,
		"data/contacts.yaml": "- Key: c-1\n  Last: Smith\n  Account: acct-001\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return filepath.Join(dir, "plan.yaml")
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut, map[string]string{"SEEDFLOW_LOG_LEVEL": "warn"})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{}, nil)
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotEmpty(t, c.Short, "%s has no Short description", c.Name())
	}
	for _, want := range []string{"run", "validate", "order"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("plan"))
}

func TestOrderCmd(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "order", "--plan", writePlan(t, planYAML))
	require.NoError(t, err)
	assert.Equal(t, "1. Account (Account, direct)\n2. Contact (Contact, direct) after [Account]\n", out)
}

func TestValidateCmd(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "validate", "--plan", writePlan(t, planYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (2 steps)")
}

func TestValidateCmd_Findings(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(planYAML, "target: { kind: memory }", "target: { kind: \"\" }", 1)
	_, stderr, err := execute(t, "validate", "--plan", writePlan(t, bad))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	assert.Contains(t, stderr, "error: target.kind")
}

func TestValidateCmd_MappingWithoutMatchKey(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(planYAML, "identify: { matchKey: Key }", "identify: {}", 1)
	_, _, err := execute(t, "validate", "--plan", writePlan(t, bad))
	require.Error(t, err)
	assert.Contains(t, describeError(err), "kind=configuration step=Contact")
}

func TestRunCmd_ReportToStdout(t *testing.T) {
	t.Parallel()

	out, stderr, err := execute(t, "run", "--plan", writePlan(t, planYAML), "--report", "-")
	require.NoError(t, err)

	var doc struct {
		OK     bool                         `json:"ok"`
		Totals map[string]int               `json:"totals"`
		IDs    map[string]map[string]string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc), out)
	assert.True(t, doc.OK)
	assert.Equal(t, 2, doc.Totals["created"])
	assert.NotEmpty(t, doc.IDs["Account"]["acct-001"])
	assert.NotEmpty(t, doc.IDs["Contact"]["c-1"])
	assert.Contains(t, stderr, "total: steps=2")
}

func TestRunCmd_DryRunReportFile(t *testing.T) {
	t.Parallel()

	planPath := writePlan(t, strings.Replace(planYAML, "kind: memory", "kind: postgres, dsn: \"postgres://unused\"", 1))
	reportPath := filepath.Join(filepath.Dir(planPath), "report.json")

	_, _, err := execute(t, "run", "--plan", planPath, "--dry-run", "--report", reportPath)
	require.NoError(t, err)
	b, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"plan": "demo"`)
}

func TestRunCmd_FatalErrorNamesStepAndKey(t *testing.T) {
	t.Parallel()

	// Without the Account step the Contact reference cannot resolve.
	plan := planYAML[:strings.Index(planYAML, "  - entityType: Account")]
	_, _, err := execute(t, "run", "--plan", writePlan(t, plan))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrResolution), "got %v", err)
	assert.Contains(t, describeError(err), "error: kind=resolution step=Contact key=c-1: ")
}

func TestRunCmd_OpenTargetFailure(t *testing.T) {
	orig := openTarget
	defer func() { openTarget = orig }()
	openTarget = func(context.Context, target.Config) (target.Target, error) {
		return nil, errors.New("connection refused")
	}

	_, _, err := execute(t, "run", "--plan", writePlan(t, planYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	s, err := loadSettings(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "none", s.MetricsBackend)
	assert.Equal(t, 2, s.HTTPRetries)

	s, err = loadSettings(map[string]string{
		"METRICS_BACKEND":       "datadog",
		"DD_TAGS":               "env:dev,team:seed",
		"SEEDFLOW_HTTP_TIMEOUT": "5s",
	})
	require.NoError(t, err)
	assert.Equal(t, "datadog", s.MetricsBackend)
	assert.Equal(t, []string{"env:dev", "team:seed"}, s.DatadogTags)
	assert.Equal(t, "5s", s.HTTPTimeout.String())

	_, err = loadSettings(map[string]string{"SEEDFLOW_HTTP_RETRIES": "many"})
	assert.Error(t, err)
}

func TestSetupMetrics_DisabledBackends(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "none", "statsd"} {
		flush := setupMetrics(settings{MetricsBackend: name}, "demo", zap.NewNop())
		flush()
	}
}

func TestDescribeError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error: boom", describeError(errors.New("boom")))

	e := errs.Validationf("duplicate key")
	e.Step = "Accounts"
	assert.Equal(t, "error: kind=validation step=Accounts: "+e.Error(), describeError(e))
}
