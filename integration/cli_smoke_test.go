package integration_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perftrack/integration/harness"
)

const testAsOf = "2025-01-15"

func TestCLISmoke(t *testing.T) {
	bin := harness.BuildBinary(t)
	workspace := harness.Fixture(t, "workspace-min")
	cli := &harness.CLI{Bin: bin, Workspace: workspace}

	help := harness.Run(t, bin, t.TempDir(), []string{"--help"})
	require.Zero(t, help.Code, help.Stderr)
	assert.Contains(t, help.Stdout, "Indicator hierarchy status and progress rollups")

	res := cli.MustRun(t, "validate")
	assert.Contains(t, res.Stdout, "Hierarchy OK: 3 departments, 2 objectives, 2 success factors, 2 indicators")

	res = cli.MustRun(t, "measure", "import", "--monitoring", "imports/monitoring.json", "--as-of", testAsOf)
	assert.Contains(t, res.Stdout, "Imported 2 new measurement(s)")

	res = cli.MustRun(t, "daemon", "status")
	assert.Contains(t, res.Stdout, "performance_indicator:PI-LEADS")
	assert.Contains(t, res.Stdout, "performance_indicator:PI-LEADTIME")

	cli.MustRun(t, "recompute", "--now", testAsOf)

	indicators, err := os.ReadFile(filepath.Join(workspace, "hierarchy", "indicators.yml"))
	require.NoError(t, err)
	doc := string(indicators)
	leads := doc[strings.Index(doc, "PI-LEADS"):strings.Index(doc, "PI-LEADTIME")]
	assert.Contains(t, leads, "status: on_target")
	assert.Contains(t, doc[strings.Index(doc, "PI-LEADTIME"):], "status: below_target")

	reportPath := filepath.Join(workspace, "artifacts", "reports", "departments-"+testAsOf+".json")
	_, err = os.Stat(reportPath)
	require.NoError(t, err, "department report not written")

	res = cli.MustRun(t, "report", "departments", "--latest")
	sales := strings.Index(res.Stdout, "D-SALES")
	ops := strings.Index(res.Stdout, "D-OPS")
	require.True(t, sales > 0 && ops > 0, res.Stdout)
	assert.Less(t, sales, ops, "on-target department ranks first")

	requireAuditEvents(t, workspace, "measurement_recorded", "recompute_finished")

	res = cli.MustRun(t, "audit", "tail", "--type", "recompute_finished")
	assert.Contains(t, res.Stdout, `"scope":"full"`)

	root := harness.RepoRoot(t)
	for _, stray := range []string{"artifacts", "audit", "data"} {
		_, err := os.Stat(filepath.Join(root, stray))
		assert.True(t, os.IsNotExist(err), "repo root must not gain %s", stray)
	}
}

func TestCLIWorkspaceFromEnv(t *testing.T) {
	bin := harness.BuildBinary(t)
	workspace := harness.Fixture(t, "workspace-min")
	t.Setenv("PERFTRACK_WORKSPACE", workspace)

	res := harness.Run(t, bin, t.TempDir(), []string{"validate"})
	require.Zero(t, res.Code, res.Stderr)
	assert.Contains(t, res.Stdout, "Hierarchy OK")
}
