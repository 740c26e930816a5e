package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perftrack/internal/hierarchy"
	"perftrack/internal/logging"
)

// Stage is the progress of one recompute pass.
type Stage string

const (
	StagePending               Stage = "pending"
	StageIndicatorsUpdated     Stage = "indicators_updated"
	StageSuccessFactorsUpdated Stage = "success_factors_updated"
	StageObjectivesUpdated     Stage = "objectives_updated"
	StageDepartmentsUpdated    Stage = "departments_updated"
	StageDone                  Stage = "done"
)

// Options configures an Engine.
type Options struct {
	Logger *zap.Logger
	// Workers bounds concurrent objective subtrees and departments. Values below 1 mean 1.
	Workers int
	Metrics *Metrics
}

// Engine runs recompute passes. It holds no per-pass state and is safe for concurrent use.
type Engine struct {
	logger  *zap.Logger
	workers int
	metrics *Metrics
}

func New(opts Options) *Engine {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		logger:  logging.OrNop(opts.Logger),
		workers: workers,
		metrics: opts.Metrics,
	}
}

// IndicatorResult is the derived state of one indicator.
type IndicatorResult struct {
	Ref          hierarchy.Ref       `json:"ref"`
	DepartmentID string              `json:"department_id,omitempty"`
	Status       hierarchy.Status    `json:"status"`
	Achievement  decimal.NullDecimal `json:"achievement_percentage"`
	CurrentValue decimal.NullDecimal `json:"current_value"`
	MeasuredAt   *time.Time          `json:"measured_at,omitempty"`
}

// SuccessFactorResult is the derived state of one success factor.
type SuccessFactorResult struct {
	ID           string              `json:"id"`
	Status       hierarchy.Status    `json:"status"`
	Progress     Progress            `json:"progress"`
	Band         Band                `json:"band"`
	CurrentValue decimal.NullDecimal `json:"current_value"`
}

// ObjectiveResult is the derived state of one objective.
type ObjectiveResult struct {
	ID       string            `json:"id"`
	Status   hierarchy.Status  `json:"status"`
	Progress ObjectiveProgress `json:"progress"`
	Band     Band              `json:"band"`
}

// Result is the outcome of one pass. Slices are sorted by id; departments are ranked.
type Result struct {
	Scope          Scope                 `json:"scope"`
	Now            time.Time             `json:"now"`
	Stage          Stage                 `json:"stage"`
	Stages         []Stage               `json:"stages"`
	Indicators     []IndicatorResult     `json:"indicators"`
	SuccessFactors []SuccessFactorResult `json:"success_factors"`
	Objectives     []ObjectiveResult     `json:"objectives"`
	Departments    []DepartmentScore     `json:"departments"`
	Issues         []Issue               `json:"issues"`
	Cancelled      bool                  `json:"cancelled,omitempty"`
}

func (r *Result) advance(stage Stage) {
	r.Stage = stage
	r.Stages = append(r.Stages, stage)
}

// Derived converts the result into the fields written back to the hierarchy.
func (r *Result) Derived() hierarchy.Derived {
	d := hierarchy.Derived{
		Objectives:            make(map[string]hierarchy.ObjectiveDerived, len(r.Objectives)),
		SuccessFactors:        make(map[string]hierarchy.SuccessFactorDerived, len(r.SuccessFactors)),
		ResultIndicators:      make(map[string]hierarchy.IndicatorDerived),
		PerformanceIndicators: make(map[string]hierarchy.IndicatorDerived),
	}
	for _, ind := range r.Indicators {
		v := hierarchy.IndicatorDerived{
			Status:                ind.Status,
			CurrentValue:          floatPtr(ind.CurrentValue),
			AchievementPercentage: floatPtr(ind.Achievement),
		}
		if ind.Ref.Kind == hierarchy.KindResultIndicator {
			d.ResultIndicators[ind.Ref.ID] = v
		} else {
			d.PerformanceIndicators[ind.Ref.ID] = v
		}
	}
	for _, sf := range r.SuccessFactors {
		d.SuccessFactors[sf.ID] = hierarchy.SuccessFactorDerived{
			Status:             sf.Status,
			ProgressPercentage: sf.Progress.Percent,
			CurrentValue:       floatPtr(sf.CurrentValue),
		}
	}
	for _, o := range r.Objectives {
		d.Objectives[o.ID] = hierarchy.ObjectiveDerived{
			Status:             o.Status,
			ProgressPercentage: o.Progress.Percent,
		}
	}
	return d
}

// unit is one top-level objective subtree, the minimal cancellation granularity.
// Success factors attached to no objective form the unit with an empty root.
type unit struct {
	root           string
	successFactors []string
	objectives     []string
}

type unitResult struct {
	successFactors []SuccessFactorResult
	objectives     []ObjectiveResult
	issues         []Issue
}

// Recompute derives statuses and progress for scope over in, evaluated at now.
// On cancellation it returns the partial result with Cancelled set along with ctx.Err().
func (e *Engine) Recompute(ctx context.Context, in *Input, scope Scope, now time.Time) (*Result, error) {
	if in == nil || in.Hierarchy == nil {
		return nil, fmt.Errorf("recompute input has no hierarchy")
	}
	if scope.Kind == "" {
		scope = FullScope()
	}
	started := time.Now()
	now = now.UTC()

	res, err := e.recompute(ctx, in, scope, now)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	e.metrics.ObservePass(scope.Kind, outcome, time.Since(started))
	if res != nil {
		e.metrics.AddIssues(res.Issues)
		if err == nil && scope.Kind == ScopeFull {
			e.metrics.SetIndicatorStatuses(res.Indicators)
		}
		for _, issue := range res.Issues {
			e.logger.Warn("hierarchy issue",
				zap.String("kind", string(issue.Kind)),
				zap.String("ref", issue.Ref.String()),
				zap.String("message", issue.Message),
			)
		}
	}
	if err != nil {
		e.logger.Warn("recompute stopped", zap.String("scope", scope.Key()), zap.Error(err))
		return res, err
	}
	e.logger.Info("recompute finished",
		zap.String("scope", scope.Key()),
		zap.Int("indicators", len(res.Indicators)),
		zap.Int("success_factors", len(res.SuccessFactors)),
		zap.Int("objectives", len(res.Objectives)),
		zap.Int("departments", len(res.Departments)),
		zap.Int("issues", len(res.Issues)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

func (e *Engine) recompute(ctx context.Context, in *Input, scope Scope, now time.Time) (*Result, error) {
	snap := in.Hierarchy
	p, err := buildPlan(snap, scope)
	if err != nil {
		return nil, err
	}

	res := &Result{Scope: scope, Now: now}
	res.advance(StagePending)
	res.Issues = append(res.Issues, p.issues...)
	defer func() { sortIssues(res.Issues) }()

	if err := ctx.Err(); err != nil {
		res.Cancelled = true
		return res, err
	}

	indicators := make(map[hierarchy.Ref]IndicatorResult, len(p.indicators))
	for _, ref := range p.indicators {
		r := e.computeIndicator(in, ref)
		r.DepartmentID = p.attribution[ref]
		indicators[ref] = r
		res.Indicators = append(res.Indicators, r)
	}
	res.advance(StageIndicatorsUpdated)

	units := partition(snap, p)
	results := make([]*unitResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.computeUnit(in, u, indicators, now)
			return nil
		})
	}
	unitErr := g.Wait()

	for _, ur := range results {
		if ur == nil {
			continue
		}
		res.SuccessFactors = append(res.SuccessFactors, ur.successFactors...)
		res.Objectives = append(res.Objectives, ur.objectives...)
		res.Issues = append(res.Issues, ur.issues...)
	}
	sort.Slice(res.SuccessFactors, func(i, j int) bool { return res.SuccessFactors[i].ID < res.SuccessFactors[j].ID })
	sort.Slice(res.Objectives, func(i, j int) bool { return res.Objectives[i].ID < res.Objectives[j].ID })

	if unitErr != nil {
		res.Cancelled = true
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, unitErr
	}
	res.advance(StageSuccessFactorsUpdated)
	res.advance(StageObjectivesUpdated)

	departments, err := e.computeDepartments(ctx, snap, p, indicators)
	if err != nil {
		res.Cancelled = true
		return res, err
	}
	res.Departments = departments
	res.advance(StageDepartmentsUpdated)
	res.advance(StageDone)
	return res, nil
}

func (e *Engine) computeIndicator(in *Input, ref hierarchy.Ref) IndicatorResult {
	var ind Indicator
	switch ref.Kind {
	case hierarchy.KindResultIndicator:
		ri, _ := in.Hierarchy.ResultIndicator(ref.ID)
		ind = FromResultIndicator(ri)
	default:
		pi, _ := in.Hierarchy.PerformanceIndicator(ref.ID)
		ind = FromPerformanceIndicator(pi)
	}

	cur := in.current(ref, ind.CurrentValue)
	eval := ComputeStatus(cur.value, ResolveThresholds(ind))
	status := eval.Status
	if ind.UnderReview {
		status = hierarchy.StatusUnderReview
	}
	return IndicatorResult{
		Ref:          ref,
		Status:       status,
		Achievement:  eval.Achievement,
		CurrentValue: cur.value,
		MeasuredAt:   cur.measuredAt,
	}
}

func (e *Engine) computeUnit(in *Input, u unit, indicators map[hierarchy.Ref]IndicatorResult, now time.Time) *unitResult {
	snap := in.Hierarchy
	out := &unitResult{}
	factors := make(map[string]SuccessFactorResult, len(u.successFactors))

	planned := make(map[string]bool, len(u.successFactors))
	for _, id := range u.successFactors {
		planned[id] = true
	}

	// Child factors are computed before their parent and feed its status.
	var compute func(id string) SuccessFactorResult
	compute = func(id string) SuccessFactorResult {
		if r, ok := factors[id]; ok {
			return r
		}
		sf, _ := snap.SuccessFactor(id)
		ref := hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: id}
		cur := in.current(ref, sf.CurrentValue)
		progress := ComputeSuccessFactorProgress(SuccessFactorInput{
			StartDate:    sf.StartDate,
			TargetDate:   sf.TargetDate,
			TargetValue:  nullDecimal(sf.TargetValue),
			CurrentValue: cur.value,
		}, now)
		if progress.Degenerate {
			out.issues = append(out.issues, Issue{
				Kind:    IssueDegenerateInterval,
				Ref:     ref,
				Message: fmt.Sprintf("%s has no usable date window; progress is 0", ref),
			})
		}

		var statuses []hierarchy.Status
		for _, ind := range successFactorIndicators(snap, id) {
			if r, ok := indicators[ind]; ok {
				statuses = append(statuses, r.Status)
			}
		}
		for _, child := range snap.SuccessFactorChildren(id) {
			if planned[child] {
				statuses = append(statuses, compute(child).Status)
			}
		}
		r := SuccessFactorResult{
			ID:           id,
			Status:       RollupStatus(statuses, sf.UnderReview),
			Progress:     progress,
			Band:         BandFor(progress.Percent),
			CurrentValue: cur.value,
		}
		factors[id] = r
		out.successFactors = append(out.successFactors, r)
		return r
	}
	for _, id := range u.successFactors {
		compute(id)
	}

	for _, id := range u.objectives {
		o, _ := snap.Objective(id)
		var percents []int
		var statuses []hierarchy.Status
		for _, sf := range snap.RootSuccessFactors(id) {
			r, ok := factors[sf]
			if !ok {
				continue
			}
			percents = append(percents, r.Progress.Percent)
			statuses = append(statuses, r.Status)
		}
		progress := ComputeObjectiveProgress(percents)
		out.objectives = append(out.objectives, ObjectiveResult{
			ID:       id,
			Status:   RollupStatus(statuses, o.UnderReview),
			Progress: progress,
			Band:     BandFor(progress.Percent),
		})
	}
	return out
}

func (e *Engine) computeDepartments(ctx context.Context, snap *hierarchy.Snapshot, p *plan, indicators map[hierarchy.Ref]IndicatorResult) ([]DepartmentScore, error) {
	scores := make([]DepartmentScore, len(p.departments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range p.departments {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snapshots := func(dept string) []IndicatorSnapshot {
				var out []IndicatorSnapshot
				for _, ref := range p.deptIndicators[dept] {
					out = append(out, IndicatorSnapshot{Ref: ref, DepartmentID: dept, Status: indicators[ref].Status})
				}
				return out
			}

			score := ComputeDepartmentPerformance(snapshots(id))
			var all []IndicatorSnapshot
			for _, sub := range departmentSubtree(snap, id) {
				all = append(all, snapshots(sub)...)
			}
			subtree := ComputeDepartmentPerformance(all)
			subtree.DepartmentID = id

			dept, _ := snap.Department(id)
			score.DepartmentID = id
			score.Name = dept.Name
			subtree.Name = dept.Name
			score.Subtree = &subtree
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return RankDepartments(scores), nil
}

// partition groups planned factors and objectives by their top-level objective.
func partition(snap *hierarchy.Snapshot, p *plan) []unit {
	byRoot := make(map[string]*unit)
	get := func(root string) *unit {
		u, ok := byRoot[root]
		if !ok {
			u = &unit{root: root}
			byRoot[root] = u
		}
		return u
	}
	for _, id := range p.successFactors {
		u := get(rootObjectiveOfFactor(snap, id))
		u.successFactors = append(u.successFactors, id)
	}
	for _, id := range p.objectives {
		u := get(rootObjective(snap, id))
		u.objectives = append(u.objectives, id)
	}

	roots := make([]string, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	units := make([]unit, 0, len(roots))
	for _, root := range roots {
		units = append(units, *byRoot[root])
	}
	return units
}

func rootObjective(snap *hierarchy.Snapshot, id string) string {
	for {
		o, ok := snap.Objective(id)
		if !ok || o.ParentID == "" {
			return id
		}
		id = o.ParentID
	}
}

func rootObjectiveOfFactor(snap *hierarchy.Snapshot, id string) string {
	for {
		sf, ok := snap.SuccessFactor(id)
		if !ok {
			return ""
		}
		if sf.ParentID != "" {
			id = sf.ParentID
			continue
		}
		if sf.ObjectiveID == "" {
			return ""
		}
		return rootObjective(snap, sf.ObjectiveID)
	}
}

func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Ref != b.Ref {
			if a.Ref.Kind != b.Ref.Kind {
				return a.Ref.Kind < b.Ref.Kind
			}
			return a.Ref.ID < b.Ref.ID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Missing.Kind != b.Missing.Kind {
			return a.Missing.Kind < b.Missing.Kind
		}
		return a.Missing.ID < b.Missing.ID
	})
}
