package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"perftrack/internal/hierarchy"
	"perftrack/internal/measurement"
)

var evalNow = date(2024, 7, 1)

func pi(id string) hierarchy.Ref {
	return hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: id}
}

func ri(id string) hierarchy.Ref {
	return hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: id}
}

func fixtureInput(t *testing.T) *Input {
	t.Helper()
	snap, err := hierarchy.NewSnapshot(hierarchy.Entities{
		Departments: []hierarchy.Department{
			{ID: "D-ROOT", Name: "Company"},
			{ID: "D-OPS", Name: "Operations", ParentID: "D-ROOT"},
		},
		Objectives: []hierarchy.Objective{
			{ID: "O-1", DepartmentID: "D-ROOT", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
			{ID: "O-2", ParentID: "O-1", StartDate: date(2024, 1, 1), TargetDate: date(2024, 6, 30)},
			{ID: "O-3", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
		},
		SuccessFactors: []hierarchy.SuccessFactor{
			{ID: "SF-1", ObjectiveID: "O-1", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
			{ID: "SF-2", ObjectiveID: "O-1", TargetValue: f(200), CurrentValue: f(50)},
			{ID: "SF-3", ObjectiveID: "O-3", StartDate: date(2024, 1, 1), TargetDate: date(2024, 1, 1)},
			{ID: "SF-X", ObjectiveID: "O-MISSING", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
		},
		ResultIndicators: []hierarchy.ResultIndicator{
			{ID: "RI-1", SuccessFactorID: "SF-1", DepartmentID: "D-OPS", TargetValue: f(100)},
			{ID: "RI-2", SuccessFactorID: "SF-X", TargetValue: f(100)},
		},
		PerformanceIndicators: []hierarchy.PerformanceIndicator{
			{ID: "PI-1", ResultIndicatorID: "RI-1", TargetValue: f(100), MinAlertThreshold: f(85)},
			{ID: "PI-2", SuccessFactorID: "SF-2", DepartmentID: "D-ROOT", TargetValue: f(10), CurrentValue: f(12)},
			{ID: "PI-3", ResultIndicatorID: "RI-GHOST", TargetValue: f(1)},
			{ID: "PI-4", ResultIndicatorID: "RI-1", SuccessFactorID: "SF-3"},
		},
	})
	require.NoError(t, err)

	latest := measurement.Latest([]measurement.Measurement{
		{ID: "m1", Ref: ri("RI-1"), Value: decimal.NewFromInt(92), MeasuredAt: date(2024, 6, 1), Tag: measurement.TagActual},
		{ID: "m2", Ref: pi("PI-1"), Value: decimal.NewFromInt(92), MeasuredAt: date(2024, 6, 1), Tag: measurement.TagActual},
		{ID: "m3", Ref: pi("PI-4"), Value: decimal.NewFromInt(3), MeasuredAt: date(2024, 6, 1), Tag: measurement.TagActual},
	})
	return &Input{Hierarchy: snap, Latest: latest}
}

func newTestEngine(t *testing.T, workers int) *Engine {
	return New(Options{Logger: zaptest.NewLogger(t), Workers: workers})
}

func indicatorByRef(res *Result, ref hierarchy.Ref) (IndicatorResult, bool) {
	for _, r := range res.Indicators {
		if r.Ref == ref {
			return r, true
		}
	}
	return IndicatorResult{}, false
}

func factorByID(res *Result, id string) (SuccessFactorResult, bool) {
	for _, r := range res.SuccessFactors {
		if r.ID == id {
			return r, true
		}
	}
	return SuccessFactorResult{}, false
}

func objectiveByID(res *Result, id string) (ObjectiveResult, bool) {
	for _, r := range res.Objectives {
		if r.ID == id {
			return r, true
		}
	}
	return ObjectiveResult{}, false
}

func TestRecomputeFullPass(t *testing.T) {
	res, err := newTestEngine(t, 4).Recompute(context.Background(), fixtureInput(t), FullScope(), evalNow)
	require.NoError(t, err)

	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, []Stage{
		StagePending, StageIndicatorsUpdated, StageSuccessFactorsUpdated,
		StageObjectivesUpdated, StageDepartmentsUpdated, StageDone,
	}, res.Stages)

	ri1, ok := indicatorByRef(res, ri("RI-1"))
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusBelowTarget, ri1.Status)
	assert.Equal(t, "D-OPS", ri1.DepartmentID)

	pi1, ok := indicatorByRef(res, pi("PI-1"))
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusAtRisk, pi1.Status)
	assert.Equal(t, "92.00", pi1.Achievement.Decimal.StringFixed(2))
	require.NotNil(t, pi1.MeasuredAt)

	pi2, ok := indicatorByRef(res, pi("PI-2"))
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusOnTarget, pi2.Status)
	assert.Equal(t, "D-ROOT", pi2.DepartmentID)
	assert.Nil(t, pi2.MeasuredAt)

	pi4, ok := indicatorByRef(res, pi("PI-4"))
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusDraft, pi4.Status)
	assert.False(t, pi4.Achievement.Valid)

	sf1, ok := factorByID(res, "SF-1")
	require.True(t, ok)
	assert.Equal(t, 50, sf1.Progress.Percent)
	assert.Equal(t, hierarchy.StatusBelowTarget, sf1.Status)

	sf2, ok := factorByID(res, "SF-2")
	require.True(t, ok)
	assert.Equal(t, 25, sf2.Progress.Percent)
	assert.Equal(t, MethodTarget, sf2.Progress.Method)
	assert.Equal(t, hierarchy.StatusOnTarget, sf2.Status)

	o1, ok := objectiveByID(res, "O-1")
	require.True(t, ok)
	assert.Equal(t, 38, o1.Progress.Percent)
	assert.Equal(t, hierarchy.StatusBelowTarget, o1.Status)
	assert.Equal(t, BandDanger, o1.Band)

	o2, ok := objectiveByID(res, "O-2")
	require.True(t, ok)
	assert.True(t, o2.Progress.NoFactors)
	assert.Equal(t, hierarchy.StatusDraft, o2.Status)

	o3, ok := objectiveByID(res, "O-3")
	require.True(t, ok)
	assert.Equal(t, 0, o3.Progress.Percent)
	assert.False(t, o3.Progress.NoFactors)

	require.Len(t, res.Departments, 2)
	assert.Equal(t, "D-ROOT", res.Departments[0].DepartmentID)
	assert.Equal(t, 100, res.Departments[0].PerformancePercentage)
	require.NotNil(t, res.Departments[0].Subtree)
	assert.Equal(t, 2, res.Departments[0].Subtree.Total)
	assert.Equal(t, 50, res.Departments[0].Subtree.PerformancePercentage)
	assert.Equal(t, "D-OPS", res.Departments[1].DepartmentID)
	assert.Equal(t, 1, res.Departments[1].Total)
	assert.Equal(t, 1, res.Departments[1].BelowTarget)
	assert.Equal(t, 0, res.Departments[1].PerformancePercentage)
}

func TestDepartmentScoreSkipsPerformanceIndicatorsWithoutOwnDepartment(t *testing.T) {
	snap, err := hierarchy.NewSnapshot(hierarchy.Entities{
		Departments: []hierarchy.Department{{ID: "D-1", Name: "Sales"}},
		Objectives: []hierarchy.Objective{
			{ID: "O-1", DepartmentID: "D-1", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
		},
		SuccessFactors: []hierarchy.SuccessFactor{{ID: "SF-1", ObjectiveID: "O-1"}},
		ResultIndicators: []hierarchy.ResultIndicator{
			{ID: "RI-1", SuccessFactorID: "SF-1", DepartmentID: "D-1", TargetValue: f(100), CurrentValue: f(100)},
		},
		PerformanceIndicators: []hierarchy.PerformanceIndicator{
			{ID: "PI-1", ResultIndicatorID: "RI-1", TargetValue: f(100), CurrentValue: f(10)},
		},
	})
	require.NoError(t, err)

	res, err := newTestEngine(t, 2).Recompute(context.Background(), &Input{Hierarchy: snap}, FullScope(), evalNow)
	require.NoError(t, err)

	pi1, ok := indicatorByRef(res, pi("PI-1"))
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusBelowTarget, pi1.Status)
	assert.Empty(t, pi1.DepartmentID)

	require.Len(t, res.Departments, 1)
	assert.Equal(t, 1, res.Departments[0].Total)
	assert.Equal(t, 1, res.Departments[0].OnTarget)
	assert.Equal(t, 100, res.Departments[0].PerformancePercentage)
}

func TestRecomputeSkipsDanglingSubtrees(t *testing.T) {
	res, err := newTestEngine(t, 2).Recompute(context.Background(), fixtureInput(t), FullScope(), evalNow)
	require.NoError(t, err)

	_, ok := indicatorByRef(res, pi("PI-3"))
	assert.False(t, ok)
	_, ok = indicatorByRef(res, ri("RI-2"))
	assert.False(t, ok)
	_, ok = factorByID(res, "SF-X")
	assert.False(t, ok)

	var dangling, degenerate []Issue
	for _, issue := range res.Issues {
		switch issue.Kind {
		case IssueDanglingReference:
			dangling = append(dangling, issue)
		case IssueDegenerateInterval:
			degenerate = append(degenerate, issue)
		}
	}
	require.Len(t, dangling, 2)
	assert.Equal(t, pi("PI-3"), dangling[0].Ref)
	assert.Equal(t, ri("RI-GHOST"), dangling[0].Missing)
	assert.Equal(t, hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: "SF-X"}, dangling[1].Ref)
	require.Len(t, degenerate, 1)
	assert.Equal(t, "SF-3", degenerate[0].Ref.ID)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	in := fixtureInput(t)
	eng := newTestEngine(t, 3)

	first, err := eng.Recompute(context.Background(), in, FullScope(), evalNow)
	require.NoError(t, err)
	second, err := eng.Recompute(context.Background(), in, FullScope(), evalNow)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Feeding derived fields back in must not change the outcome.
	applied := &Input{Hierarchy: in.Hierarchy.WithDerived(first.Derived()), Latest: in.Latest}
	third, err := eng.Recompute(context.Background(), applied, FullScope(), evalNow)
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestRecomputeWorkerCountDoesNotChangeResult(t *testing.T) {
	in := fixtureInput(t)
	one, err := newTestEngine(t, 1).Recompute(context.Background(), in, FullScope(), evalNow)
	require.NoError(t, err)
	many, err := newTestEngine(t, 8).Recompute(context.Background(), in, FullScope(), evalNow)
	require.NoError(t, err)
	require.Equal(t, one, many)
}

func TestRecomputePartialIndicatorScopeWalksEveryParentPath(t *testing.T) {
	in := fixtureInput(t)
	scope, err := ScopeFor(pi("PI-4"))
	require.NoError(t, err)

	res, err := newTestEngine(t, 2).Recompute(context.Background(), in, scope, evalNow)
	require.NoError(t, err)

	var factors, objectives, departments []string
	for _, r := range res.SuccessFactors {
		factors = append(factors, r.ID)
	}
	for _, r := range res.Objectives {
		objectives = append(objectives, r.ID)
	}
	for _, d := range res.Departments {
		departments = append(departments, d.DepartmentID)
	}
	assert.Equal(t, []string{"SF-1", "SF-2", "SF-3"}, factors)
	assert.Equal(t, []string{"O-1", "O-3"}, objectives)
	assert.ElementsMatch(t, []string{"D-OPS", "D-ROOT"}, departments)

	full, err := newTestEngine(t, 2).Recompute(context.Background(), in, FullScope(), evalNow)
	require.NoError(t, err)
	o1Partial, _ := objectiveByID(res, "O-1")
	o1Full, _ := objectiveByID(full, "O-1")
	assert.Equal(t, o1Full, o1Partial)
}

func TestRecomputeObjectiveScopeCoversSubtreeOnly(t *testing.T) {
	res, err := newTestEngine(t, 2).Recompute(context.Background(), fixtureInput(t),
		Scope{Kind: ScopeObjective, Ref: hierarchy.Ref{Kind: hierarchy.KindObjective, ID: "O-3"}}, evalNow)
	require.NoError(t, err)

	require.Len(t, res.Objectives, 1)
	assert.Equal(t, "O-3", res.Objectives[0].ID)
	require.Len(t, res.SuccessFactors, 1)
	assert.Equal(t, "SF-3", res.SuccessFactors[0].ID)
}

func TestRecomputeUnknownScopeEntity(t *testing.T) {
	_, err := newTestEngine(t, 1).Recompute(context.Background(), fixtureInput(t),
		Scope{Kind: ScopeIndicator, Ref: pi("PI-NOPE")}, evalNow)
	require.ErrorIs(t, err, ErrScopeNotFound)
}

func TestRecomputeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestEngine(t, 2).Recompute(ctx, fixtureInput(t), FullScope(), evalNow)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, StagePending, res.Stage)
	assert.Empty(t, res.Objectives)
}

func TestRecomputeDerivedFields(t *testing.T) {
	res, err := newTestEngine(t, 1).Recompute(context.Background(), fixtureInput(t), FullScope(), evalNow)
	require.NoError(t, err)

	d := res.Derived()
	require.Contains(t, d.PerformanceIndicators, "PI-1")
	require.NotNil(t, d.PerformanceIndicators["PI-1"].AchievementPercentage)
	assert.InDelta(t, 92.0, *d.PerformanceIndicators["PI-1"].AchievementPercentage, 1e-9)
	assert.InDelta(t, 92.0, *d.PerformanceIndicators["PI-1"].CurrentValue, 1e-9)
	assert.Nil(t, d.PerformanceIndicators["PI-4"].AchievementPercentage)
	assert.Equal(t, 38, d.Objectives["O-1"].ProgressPercentage)
	assert.Equal(t, 25, d.SuccessFactors["SF-2"].ProgressPercentage)
}

func TestRecomputeUnderReviewOverridesStatus(t *testing.T) {
	snap, err := hierarchy.NewSnapshot(hierarchy.Entities{
		SuccessFactors: []hierarchy.SuccessFactor{{ID: "SF-1", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)}},
		PerformanceIndicators: []hierarchy.PerformanceIndicator{
			{ID: "PI-1", SuccessFactorID: "SF-1", TargetValue: f(10), CurrentValue: f(20), UnderReview: true},
		},
	})
	require.NoError(t, err)

	res, err := newTestEngine(t, 1).Recompute(context.Background(), &Input{Hierarchy: snap}, FullScope(), evalNow)
	require.NoError(t, err)

	ind, ok := indicatorByRef(res, pi("PI-1"))
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusUnderReview, ind.Status)
	assert.True(t, ind.Achievement.Valid)

	sf, ok := factorByID(res, "SF-1")
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusDraft, sf.Status)
}

func TestRecomputeRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := MustNewMetrics(registry)
	eng := New(Options{Workers: 2, Metrics: metrics})

	_, err := eng.Recompute(context.Background(), fixtureInput(t), FullScope(), evalNow)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.passes.WithLabelValues("full", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.issues.WithLabelValues(string(IssueDanglingReference))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.indicators.WithLabelValues(string(hierarchy.StatusAtRisk))))

	// Registering twice reuses the existing collectors.
	again := MustNewMetrics(registry)
	assert.Equal(t, 1.0, testutil.ToFloat64(again.passes.WithLabelValues("full", "ok")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(hierarchy.ErrStaleSnapshot))
	assert.False(t, IsRetryable(ErrUnknownScope))
}

func TestChildSuccessFactorRollsIntoParent(t *testing.T) {
	snap, err := hierarchy.NewSnapshot(hierarchy.Entities{
		Objectives: []hierarchy.Objective{
			{ID: "O-P", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
		},
		SuccessFactors: []hierarchy.SuccessFactor{
			{ID: "SF-P", ObjectiveID: "O-P", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
			{ID: "SF-C", ParentID: "SF-P", StartDate: date(2024, 1, 1), TargetDate: date(2024, 12, 31)},
			{ID: "SF-GC", ParentID: "SF-C", UnderReview: true},
		},
		PerformanceIndicators: []hierarchy.PerformanceIndicator{
			{ID: "PI-P", SuccessFactorID: "SF-P", TargetValue: f(10), CurrentValue: f(10)},
			{ID: "PI-C", SuccessFactorID: "SF-C", TargetValue: f(100), CurrentValue: f(20)},
		},
	})
	require.NoError(t, err)
	in := &Input{Hierarchy: snap}

	full, err := newTestEngine(t, 2).Recompute(context.Background(), in, FullScope(), evalNow)
	require.NoError(t, err)

	sfgc, ok := factorByID(full, "SF-GC")
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusUnderReview, sfgc.Status)
	sfc, ok := factorByID(full, "SF-C")
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusBelowTarget, sfc.Status, "an under-review child is unclassified")
	sfp, ok := factorByID(full, "SF-P")
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusBelowTarget, sfp.Status)
	op, ok := objectiveByID(full, "O-P")
	require.True(t, ok)
	assert.Equal(t, hierarchy.StatusBelowTarget, op.Status)

	scope, err := ScopeFor(pi("PI-P"))
	require.NoError(t, err)
	partial, err := newTestEngine(t, 2).Recompute(context.Background(), in, scope, evalNow)
	require.NoError(t, err)
	sfpPartial, ok := factorByID(partial, "SF-P")
	require.True(t, ok)
	assert.Equal(t, sfp, sfpPartial, "partial pass reads the same child statuses")
}
