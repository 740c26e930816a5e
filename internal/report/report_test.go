package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perftrack/internal/engine"
	"perftrack/internal/hierarchy"
)

func sample(asOf time.Time) Departments {
	return Departments{
		GeneratedAt: asOf,
		AsOf:        asOf.Format("2006-01-02"),
		Scope:       "full",
		Departments: []engine.DepartmentScore{
			{
				DepartmentID:          "D-ROOT",
				Name:                  "Company",
				Total:                 5,
				OnTarget:              3,
				PerformancePercentage: 60,
				TargetAchievementRate: decimal.RequireFromString("60"),
				Band:                  engine.BandWarning,
				Subtree:               &engine.DepartmentScore{DepartmentID: "D-ROOT", Total: 8, PerformancePercentage: 50},
			},
			{DepartmentID: "D-OPS", Total: 2, PerformancePercentage: 0, Band: engine.BandDanger},
		},
	}
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	asOf := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	path := PathForDate(dir, asOf)

	require.NoError(t, Write(path, sample(asOf)))

	rep, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, rep.SchemaVersion)
	require.Len(t, rep.Departments, 2)
	assert.Equal(t, "D-ROOT", rep.Departments[0].DepartmentID)
	assert.Equal(t, "60", rep.Departments[0].TargetAchievementRate.String())
	require.NotNil(t, rep.Departments[0].Subtree)
	assert.Equal(t, 50, rep.Departments[0].Subtree.PerformancePercentage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not remain")
}

func TestWriteRequiresAsOf(t *testing.T) {
	require.Error(t, Write(filepath.Join(t.TempDir(), "r.json"), Departments{}))
}

func TestLatestPath(t *testing.T) {
	dir := t.TempDir()
	for _, day := range []int{3, 1, 2} {
		asOf := time.Date(2024, 7, day, 0, 0, 0, 0, time.UTC)
		require.NoError(t, Write(PathForDate(dir, asOf), sample(asOf)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o644))

	latest, err := LatestPath(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "departments-2024-07-03.json"), latest)

	_, err = LatestPath(t.TempDir())
	require.ErrorIs(t, err, ErrNoReports)
}

func TestMergeReplacesRecomputedDepartments(t *testing.T) {
	base := sample(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	pi1 := hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: "PI-1"}
	res := &engine.Result{
		Scope: engine.Scope{Kind: engine.ScopeIndicator, Ref: pi1},
		Now:   time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC),
		Departments: []engine.DepartmentScore{
			{DepartmentID: "D-OPS", Total: 2, OnTarget: 2, PerformancePercentage: 100, Band: engine.BandSuccess},
		},
	}

	merged := Merge(base, res, "fp-2")
	assert.Equal(t, "2024-07-02", merged.AsOf)
	assert.Equal(t, "full", merged.Scope)
	assert.Equal(t, "fp-2", merged.Fingerprint)
	assert.Equal(t, []string{"performance_indicator:PI-1"}, merged.Merged)
	require.Len(t, merged.Departments, 2)
	assert.Equal(t, "D-OPS", merged.Departments[0].DepartmentID, "re-ranked after merge")
	assert.Equal(t, 100, merged.Departments[0].PerformancePercentage)
	assert.Equal(t, "D-ROOT", merged.Departments[1].DepartmentID)
	require.NotNil(t, merged.Departments[1].Subtree, "untouched departments keep their scores")

	again := Merge(merged, res, "fp-2")
	assert.Equal(t, []string{"performance_indicator:PI-1"}, again.Merged)
	assert.Len(t, base.Merged, 0, "base is not modified")

	path := PathForDate(t.TempDir(), res.Now)
	require.NoError(t, Write(path, again))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, again.Merged, loaded.Merged)
}

func TestLatestPathMissingDir(t *testing.T) {
	_, err := LatestPath(filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, ErrNoReports)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sample(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))))

	out := buf.String()
	assert.Contains(t, out, "RANK")
	assert.Contains(t, out, "D-ROOT (Company)")
	assert.Contains(t, out, "warning")
	assert.Contains(t, out, "D-OPS")
}
