package engine

import (
	"fmt"
	"sort"

	"perftrack/internal/hierarchy"
)

// IssueKind classifies data-quality problems found during a pass.
type IssueKind string

const (
	IssueDanglingReference  IssueKind = "dangling_reference"
	IssueDegenerateInterval IssueKind = "degenerate_interval"
)

// Issue is a non-fatal inconsistency. The affected subtree is skipped or defaulted.
type Issue struct {
	Kind    IssueKind     `json:"kind"`
	Ref     hierarchy.Ref `json:"ref"`
	Missing hierarchy.Ref `json:"missing,omitzero"`
	Message string        `json:"message"`
}

// plan is the set of entities one pass computes.
type plan struct {
	indicators     []hierarchy.Ref
	successFactors []string
	objectives     []string
	departments    []string
	// deptIndicators lists, per planned department, the indicators attributed to it directly.
	deptIndicators map[string][]hierarchy.Ref
	attribution    map[hierarchy.Ref]string
	issues         []Issue
}

type refSet map[hierarchy.Ref]struct{}

func (s refSet) add(ref hierarchy.Ref) { s[ref] = struct{}{} }

type idSet map[string]struct{}

func (s idSet) add(id string) { s[id] = struct{}{} }

func (s idSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func buildPlan(snap *hierarchy.Snapshot, scope Scope) (*plan, error) {
	r := newResolver(snap)

	indicators := refSet{}
	sfs := idSet{}
	objectives := idSet{}
	departments := idSet{}

	switch scope.Kind {
	case ScopeFull, "":
		for _, id := range snap.ResultIndicatorIDs() {
			indicators.add(hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: id})
		}
		for _, id := range snap.PerformanceIndicatorIDs() {
			indicators.add(hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: id})
		}
		for _, id := range snap.SuccessFactorIDs() {
			sfs.add(id)
		}
		for _, id := range snap.ObjectiveIDs() {
			objectives.add(id)
		}
		for _, id := range snap.DepartmentIDs() {
			departments.add(id)
		}

	case ScopeIndicator:
		if !snap.Exists(scope.Ref) {
			return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope.Ref)
		}
		indicators.add(scope.Ref)
		for _, sf := range indicatorParents(snap, scope.Ref) {
			addSuccessFactorChain(snap, sf, sfs, objectives)
		}

	case ScopeSuccessFactor:
		if !snap.Exists(scope.Ref) {
			return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope.Ref)
		}
		addSuccessFactorSubtree(snap, scope.Ref.ID, sfs)
		addSuccessFactorChain(snap, scope.Ref.ID, sfs, objectives)

	case ScopeObjective:
		if !snap.Exists(scope.Ref) {
			return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope.Ref)
		}
		var walk func(id string)
		walk = func(id string) {
			objectives.add(id)
			for _, sf := range snap.RootSuccessFactors(id) {
				addSuccessFactorSubtree(snap, sf, sfs)
			}
			for _, child := range snap.ObjectiveChildren(id) {
				walk(child)
			}
		}
		walk(scope.Ref.ID)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope.Kind)
	}

	// An objective needs all of its root factors, a factor its child factors
	// and all of its indicators.
	for id := range objectives {
		for _, sf := range snap.RootSuccessFactors(id) {
			addSuccessFactorSubtree(snap, sf, sfs)
		}
	}
	for _, id := range sfs.sorted() {
		addSuccessFactorSubtree(snap, id, sfs)
	}
	for id := range sfs {
		for _, ref := range successFactorIndicators(snap, id) {
			indicators.add(ref)
		}
	}

	p := &plan{
		deptIndicators: make(map[string][]hierarchy.Ref),
		attribution:    make(map[hierarchy.Ref]string),
	}

	for id := range sfs {
		if !r.successFactorOK(id) {
			delete(sfs, id)
		}
	}
	for id := range objectives {
		if !r.objectiveOK(id) {
			delete(objectives, id)
		}
	}
	for ref := range indicators {
		if !r.indicatorOK(ref) {
			delete(indicators, ref)
		}
	}

	if scope.Kind != ScopeFull && scope.Kind != "" {
		for ref := range indicators {
			dept := snap.DepartmentOf(ref)
			if _, ok := snap.Department(dept); !ok {
				continue
			}
			departments.add(dept)
			for _, anc := range snap.DepartmentAncestors(dept) {
				departments.add(anc)
			}
		}
	}

	if len(departments) > 0 {
		// Department scores cover every attributed indicator, so those are computed too.
		for _, ref := range allIndicators(snap) {
			if !r.indicatorOK(ref) {
				continue
			}
			dept := snap.DepartmentOf(ref)
			if dept == "" {
				continue
			}
			if _, ok := snap.Department(dept); !ok {
				r.issue(ref, hierarchy.Ref{Kind: hierarchy.KindDepartment, ID: dept})
				continue
			}
			p.attribution[ref] = dept
			p.deptIndicators[dept] = append(p.deptIndicators[dept], ref)
		}
		for _, dept := range departments.sorted() {
			for _, sub := range departmentSubtree(snap, dept) {
				for _, ref := range p.deptIndicators[sub] {
					indicators.add(ref)
				}
			}
		}
	}

	p.indicators = sortedRefs(indicators)
	p.successFactors = sfs.sorted()
	p.objectives = objectives.sorted()
	p.departments = departments.sorted()
	p.issues = r.issues
	return p, nil
}

// indicatorParents returns the success factors an indicator reports into along every parent path.
func indicatorParents(snap *hierarchy.Snapshot, ref hierarchy.Ref) []string {
	var out []string
	switch ref.Kind {
	case hierarchy.KindPerformanceIndicator:
		pi, _ := snap.PerformanceIndicator(ref.ID)
		if pi.ResultIndicatorID != "" {
			if ri, ok := snap.ResultIndicator(pi.ResultIndicatorID); ok && ri.SuccessFactorID != "" {
				out = append(out, ri.SuccessFactorID)
			}
		}
		if pi.SuccessFactorID != "" {
			out = append(out, pi.SuccessFactorID)
		}
	case hierarchy.KindResultIndicator:
		ri, _ := snap.ResultIndicator(ref.ID)
		if ri.SuccessFactorID != "" {
			out = append(out, ri.SuccessFactorID)
		}
	}
	return out
}

// addSuccessFactorChain adds id, its parent factors and the objective chain above them.
func addSuccessFactorChain(snap *hierarchy.Snapshot, id string, sfs, objectives idSet) {
	for id != "" {
		sf, ok := snap.SuccessFactor(id)
		if !ok {
			return
		}
		sfs.add(id)
		if sf.ParentID != "" {
			id = sf.ParentID
			continue
		}
		obj := sf.ObjectiveID
		for obj != "" {
			o, ok := snap.Objective(obj)
			if !ok {
				return
			}
			objectives.add(obj)
			obj = o.ParentID
		}
		return
	}
}

func addSuccessFactorSubtree(snap *hierarchy.Snapshot, id string, sfs idSet) {
	sfs.add(id)
	for _, child := range snap.SuccessFactorChildren(id) {
		addSuccessFactorSubtree(snap, child, sfs)
	}
}

// successFactorIndicators lists the result indicators of a factor, their performance
// indicators, and performance indicators linked to the factor directly.
func successFactorIndicators(snap *hierarchy.Snapshot, id string) []hierarchy.Ref {
	var out []hierarchy.Ref
	for _, ri := range snap.ResultIndicatorsOf(id) {
		out = append(out, hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: ri})
		for _, pi := range snap.PerformanceIndicatorsOfRI(ri) {
			out = append(out, hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: pi})
		}
	}
	for _, pi := range snap.PerformanceIndicatorsOfSF(id) {
		out = append(out, hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: pi})
	}
	return out
}

func departmentSubtree(snap *hierarchy.Snapshot, id string) []string {
	out := []string{id}
	for _, child := range snap.DepartmentChildren(id) {
		out = append(out, departmentSubtree(snap, child)...)
	}
	return out
}

func allIndicators(snap *hierarchy.Snapshot) []hierarchy.Ref {
	var out []hierarchy.Ref
	for _, id := range snap.ResultIndicatorIDs() {
		out = append(out, hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: id})
	}
	for _, id := range snap.PerformanceIndicatorIDs() {
		out = append(out, hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: id})
	}
	return out
}

func sortedRefs(set refSet) []hierarchy.Ref {
	out := make([]hierarchy.Ref, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	sortRefs(out)
	return out
}

func sortRefs(refs []hierarchy.Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
}

// resolver decides which entities sit on an intact path to the top of the
// hierarchy. Each broken link is reported once, at the entity holding it.
type resolver struct {
	snap       *hierarchy.Snapshot
	objectives map[string]bool
	factors    map[string]bool
	indicators map[hierarchy.Ref]bool
	reported   map[[2]hierarchy.Ref]bool
	issues     []Issue
}

func newResolver(snap *hierarchy.Snapshot) *resolver {
	return &resolver{
		snap:       snap,
		objectives: make(map[string]bool),
		factors:    make(map[string]bool),
		indicators: make(map[hierarchy.Ref]bool),
		reported:   make(map[[2]hierarchy.Ref]bool),
	}
}

func (r *resolver) issue(ref, missing hierarchy.Ref) {
	key := [2]hierarchy.Ref{ref, missing}
	if r.reported[key] {
		return
	}
	r.reported[key] = true
	r.issues = append(r.issues, Issue{
		Kind:    IssueDanglingReference,
		Ref:     ref,
		Missing: missing,
		Message: fmt.Sprintf("%s references missing %s", ref, missing),
	})
}

// link checks one optional parent edge. Empty parents are fine.
func (r *resolver) link(from, to hierarchy.Ref, ok func(string) bool) bool {
	if to.ID == "" {
		return true
	}
	if !r.snap.Exists(to) {
		r.issue(from, to)
		return false
	}
	return ok(to.ID)
}

func (r *resolver) objectiveOK(id string) bool {
	if v, ok := r.objectives[id]; ok {
		return v
	}
	o, ok := r.snap.Objective(id)
	if !ok {
		r.objectives[id] = false
		return false
	}
	self := hierarchy.Ref{Kind: hierarchy.KindObjective, ID: id}
	v := r.link(self, hierarchy.Ref{Kind: hierarchy.KindObjective, ID: o.ParentID}, r.objectiveOK)
	r.objectives[id] = v
	return v
}

func (r *resolver) successFactorOK(id string) bool {
	if v, ok := r.factors[id]; ok {
		return v
	}
	sf, ok := r.snap.SuccessFactor(id)
	if !ok {
		r.factors[id] = false
		return false
	}
	self := hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: id}
	parentOK := r.link(self, hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: sf.ParentID}, r.successFactorOK)
	objectiveOK := r.link(self, hierarchy.Ref{Kind: hierarchy.KindObjective, ID: sf.ObjectiveID}, r.objectiveOK)
	v := parentOK && objectiveOK
	r.factors[id] = v
	return v
}

func (r *resolver) indicatorOK(ref hierarchy.Ref) bool {
	if v, ok := r.indicators[ref]; ok {
		return v
	}
	var v bool
	switch ref.Kind {
	case hierarchy.KindResultIndicator:
		ri, ok := r.snap.ResultIndicator(ref.ID)
		v = ok && r.link(ref, hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: ri.SuccessFactorID}, r.successFactorOK)
	case hierarchy.KindPerformanceIndicator:
		pi, ok := r.snap.PerformanceIndicator(ref.ID)
		if !ok {
			break
		}
		if pi.ResultIndicatorID == "" && pi.SuccessFactorID == "" {
			v = true
			break
		}
		// Either intact parent path keeps the indicator alive.
		viaRI := pi.ResultIndicatorID != "" && r.link(ref,
			hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: pi.ResultIndicatorID},
			func(id string) bool { return r.indicatorOK(hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: id}) })
		viaSF := pi.SuccessFactorID != "" && r.link(ref,
			hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: pi.SuccessFactorID}, r.successFactorOK)
		v = viaRI || viaSF
	}
	r.indicators[ref] = v
	return v
}
