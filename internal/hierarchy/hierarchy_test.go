package hierarchy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orgYAML = `
departments:
  - id: D-ROOT
    name: Company
  - id: D-OPS
    name: Operations
    parent_id: D-ROOT
objectives:
  - id: O-1
    code: OBJ-1
    title: Grow revenue
    department_id: D-ROOT
    start_date: 2024-01-01
    target_date: 2024-12-31
  - id: O-2
    title: Child objective
    parent_id: O-1
    start_date: 2024-01-01
    target_date: 2024-06-30
success_factors:
  - id: SF-1
    title: Sales pipeline
    objective_id: O-1
  - id: SF-2
    title: Sub factor
    parent_id: SF-1
    department_id: D-OPS
`

const indicatorsYAML = `
result_indicators:
  - id: RI-1
    success_factor_id: SF-1
    target_value: 100
    measurement_direction: higher_is_better
performance_indicators:
  - id: PI-1
    result_indicator_id: RI-1
    target_value: 10
    min_alert_threshold: 5
    max_alert_threshold: 9
  - id: PI-2
    success_factor_id: SF-2
    target_value: 3
    measurement_direction: lower
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func loadFixture(t *testing.T) (string, *Snapshot) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "org.yml"), orgYAML)
	writeFile(t, filepath.Join(dir, "indicators.yml"), indicatorsYAML)
	snap, err := LoadFromDir(dir)
	require.NoError(t, err)
	return dir, snap
}

func TestParseAndValidateDocumentValid(t *testing.T) {
	doc, ents, err := ParseAndValidateDocument([]byte(orgYAML), "org.yml")
	require.NoError(t, err)
	assert.Equal(t, []string{"O-1", "O-2"}, doc.Objectives)
	require.Len(t, ents.Objectives, 2)
	assert.Equal(t, StatusDraft, ents.Objectives[0].Status)
	assert.Equal(t, 2024, ents.Objectives[0].StartDate.Year())
}

func TestParseAndValidateDocumentReportsFieldErrors(t *testing.T) {
	yml := `
objectives:
  - id: ""
    start_date: nope
    target_date: 2024-01-01
    status: finished
performance_indicators:
  - id: PI-X
    min_alert_threshold: 10
    max_alert_threshold: 1
    measurement_direction: sideways
`
	_, _, err := ParseAndValidateDocument([]byte(yml), "bad.yml")
	require.Error(t, err)

	var ves ValidationErrors
	require.True(t, errors.As(err, &ves))
	fields := make([]string, 0, len(ves))
	for _, ve := range ves {
		fields = append(fields, ve.Field)
	}
	assert.Contains(t, fields, "objectives[0].id")
	assert.Contains(t, fields, "objectives[0].start_date")
	assert.Contains(t, fields, "objectives[0].status")
	assert.Contains(t, fields, "performance_indicators[0].max_alert_threshold")
	assert.Contains(t, fields, "performance_indicators[0].measurement_direction")
}

func TestParseRejectsStartAfterTarget(t *testing.T) {
	yml := `
objectives:
  - id: O-1
    start_date: 2024-06-01
    target_date: 2024-01-01
`
	_, _, err := ParseAndValidateDocument([]byte(yml), "bad.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_date")
}

func TestLoadFromDirBuildsIndexes(t *testing.T) {
	_, snap := loadFixture(t)

	assert.Equal(t, []string{"O-1"}, snap.RootObjectives())
	assert.Equal(t, []string{"O-2"}, snap.ObjectiveChildren("O-1"))
	assert.Equal(t, []string{"SF-1"}, snap.RootSuccessFactors("O-1"))
	assert.Equal(t, []string{"SF-2"}, snap.SuccessFactorChildren("SF-1"))
	assert.Equal(t, []string{"RI-1"}, snap.ResultIndicatorsOf("SF-1"))
	assert.Equal(t, []string{"PI-1"}, snap.PerformanceIndicatorsOfRI("RI-1"))
	assert.Equal(t, []string{"PI-2"}, snap.PerformanceIndicatorsOfSF("SF-2"))
	assert.Equal(t, []string{"D-OPS"}, snap.DepartmentChildren("D-ROOT"))
	assert.NotEmpty(t, snap.Fingerprint)

	pi, ok := snap.PerformanceIndicator("PI-2")
	require.True(t, ok)
	assert.Equal(t, LowerIsBetter, pi.Direction)
}

func TestDepartmentOfWalksAncestors(t *testing.T) {
	_, snap := loadFixture(t)

	assert.Equal(t, "D-ROOT", snap.DepartmentOf(Ref{Kind: KindResultIndicator, ID: "RI-1"}))
	assert.Equal(t, "D-OPS", snap.DepartmentOf(Ref{Kind: KindSuccessFactor, ID: "SF-2"}))
	assert.Equal(t, "D-ROOT", snap.DepartmentOf(Ref{Kind: KindObjective, ID: "O-2"}))
	assert.Equal(t, "", snap.DepartmentOf(Ref{Kind: KindResultIndicator, ID: "missing"}))
	assert.Equal(t, []string{"D-ROOT"}, snap.DepartmentAncestors("D-OPS"))
}

func TestDepartmentOfPerformanceIndicatorIsDirectOnly(t *testing.T) {
	snap, err := NewSnapshot(Entities{
		Departments: []Department{{ID: "D-1"}, {ID: "D-2"}},
		Objectives:  []Objective{{ID: "O-1", DepartmentID: "D-1"}},
		SuccessFactors: []SuccessFactor{
			{ID: "SF-1", ObjectiveID: "O-1"},
		},
		ResultIndicators: []ResultIndicator{
			{ID: "RI-1", SuccessFactorID: "SF-1", DepartmentID: "D-1"},
		},
		PerformanceIndicators: []PerformanceIndicator{
			{ID: "PI-RI", ResultIndicatorID: "RI-1"},
			{ID: "PI-SF", SuccessFactorID: "SF-1"},
			{ID: "PI-OWN", ResultIndicatorID: "RI-1", DepartmentID: "D-2"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "D-1", snap.DepartmentOf(Ref{Kind: KindResultIndicator, ID: "RI-1"}))
	assert.Equal(t, "", snap.DepartmentOf(Ref{Kind: KindPerformanceIndicator, ID: "PI-RI"}))
	assert.Equal(t, "", snap.DepartmentOf(Ref{Kind: KindPerformanceIndicator, ID: "PI-SF"}))
	assert.Equal(t, "D-2", snap.DepartmentOf(Ref{Kind: KindPerformanceIndicator, ID: "PI-OWN"}))
}

func TestLoadRejectsDuplicateIDsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yml"), "result_indicators:\n  - id: RI-1\n")
	writeFile(t, filepath.Join(dir, "b.yml"), "result_indicators:\n  - id: RI-1\n")

	_, err := LoadFromDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate result_indicator id")
}

func TestNewSnapshotRejectsParentCycles(t *testing.T) {
	_, err := NewSnapshot(Entities{
		SuccessFactors: []SuccessFactor{
			{ID: "A", ParentID: "B"},
			{ID: "B", ParentID: "C"},
			{ID: "C", ParentID: "A"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent cycle")
}

func TestNewSnapshotAllowsDanglingParents(t *testing.T) {
	snap, err := NewSnapshot(Entities{
		SuccessFactors: []SuccessFactor{{ID: "A", ParentID: "ghost"}},
	})
	require.NoError(t, err)
	assert.True(t, snap.Exists(Ref{Kind: KindSuccessFactor, ID: "A"}))
	assert.False(t, snap.Exists(Ref{Kind: KindSuccessFactor, ID: "ghost"}))
}

func TestWriteDerivedUpdatesChangedFilesOnly(t *testing.T) {
	dir, snap := loadFixture(t)
	orgBefore, err := os.ReadFile(filepath.Join(dir, "org.yml"))
	require.NoError(t, err)

	achievement := 80.0
	d := Derived{
		ResultIndicators: map[string]IndicatorDerived{
			"RI-1": {Status: StatusBelowTarget, AchievementPercentage: &achievement},
		},
	}
	res, err := WriteDerived(snap, d)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, filepath.Join(dir, "indicators.yml"), res.Files[0])
	assert.NotEqual(t, snap.Fingerprint, res.Fingerprint)

	orgAfter, err := os.ReadFile(filepath.Join(dir, "org.yml"))
	require.NoError(t, err)
	assert.Equal(t, orgBefore, orgAfter)

	reloaded, err := LoadFromDir(dir)
	require.NoError(t, err)
	ri, ok := reloaded.ResultIndicator("RI-1")
	require.True(t, ok)
	assert.Equal(t, StatusBelowTarget, ri.Status)
	require.NotNil(t, ri.AchievementPercentage)
	assert.InDelta(t, 80.0, *ri.AchievementPercentage, 0.0001)
	assert.Equal(t, res.Fingerprint, reloaded.Fingerprint)
}

func TestWriteDerivedDetectsStaleSnapshot(t *testing.T) {
	dir, snap := loadFixture(t)
	writeFile(t, filepath.Join(dir, "extra.yml"), "departments:\n  - id: D-NEW\n    name: New\n")

	_, err := WriteDerived(snap, Derived{
		Objectives: map[string]ObjectiveDerived{"O-1": {Status: StatusOnTarget, ProgressPercentage: 50}},
	})
	require.ErrorIs(t, err, ErrStaleSnapshot)
}

func TestDiffDerived(t *testing.T) {
	_, snap := loadFixture(t)

	diff, err := DiffDerived(snap, Derived{
		Objectives: map[string]ObjectiveDerived{"O-1": {Status: StatusOnTarget, ProgressPercentage: 50}},
	})
	require.NoError(t, err)
	assert.Contains(t, diff, "a/org.yml")
	assert.Contains(t, diff, "+")
	assert.Contains(t, diff, "on_target")
	assert.False(t, strings.Contains(diff, "indicators.yml"))

	empty, err := DiffDerived(snap, Derived{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
