package integration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perftrack/integration/harness"
)

func TestInitSmoke(t *testing.T) {
	bin := harness.BuildBinary(t)
	workspace := filepath.Join(t.TempDir(), "workspace-init")
	cli := &harness.CLI{Bin: bin, Workspace: workspace}

	res := cli.MustRun(t, "init")
	assert.Contains(t, res.Stdout, "Initialized workspace")

	for _, rel := range []string{
		"perftrack.yml",
		"hierarchy",
		"hierarchy/org.yml",
		"hierarchy/indicators.yml",
		"data",
		"artifacts/reports",
		"audit",
		"logs",
	} {
		_, err := os.Stat(filepath.Join(workspace, rel))
		assert.NoError(t, err, "missing init path %s", rel)
	}
	requireAuditEvents(t, workspace, "workspace_init")

	// The seeded workspace is usable end to end.
	cli.MustRun(t, "validate")
	cli.MustRun(t, "measure", "add", "--pi", "PI-1", "--value", "42", "--at", "2024-03-01")
	res = cli.MustRun(t, "recompute", "--now", "2024-03-31")
	assert.Contains(t, res.Stdout, "Recomputed full")

	res = cli.MustRun(t, "report", "departments", "--latest")
	assert.Contains(t, res.Stdout, "D-ORG (Organization)")

	failed := cli.Run(t, "recompute", "--scope", "pi", "--id", "PI-404")
	require.NotZero(t, failed.Code)
	assert.Contains(t, failed.Stderr, "PI-404")
}
