package hierarchy

import (
	"cmp"
	"maps"
	"slices"
)

// Snapshot is a validated, read-only view of the hierarchy with parent and child indexes.
type Snapshot struct {
	Dir         string
	Fingerprint string
	Documents   []Document

	departments           map[string]Department
	objectives            map[string]Objective
	successFactors        map[string]SuccessFactor
	resultIndicators      map[string]ResultIndicator
	performanceIndicators map[string]PerformanceIndicator

	rootDepartments []string
	deptChildren    map[string][]string
	rootObjectives  []string
	objChildren     map[string][]string
	sfRoots         map[string][]string
	sfChildren      map[string][]string
	risBySF         map[string][]string
	pisByRI         map[string][]string
	pisBySF         map[string][]string
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		departments:           make(map[string]Department),
		objectives:            make(map[string]Objective),
		successFactors:        make(map[string]SuccessFactor),
		resultIndicators:      make(map[string]ResultIndicator),
		performanceIndicators: make(map[string]PerformanceIndicator),
	}
}

func (s *Snapshot) index() {
	s.deptChildren = make(map[string][]string)
	s.objChildren = make(map[string][]string)
	s.sfRoots = make(map[string][]string)
	s.sfChildren = make(map[string][]string)
	s.risBySF = make(map[string][]string)
	s.pisByRI = make(map[string][]string)
	s.pisBySF = make(map[string][]string)
	s.rootDepartments = nil
	s.rootObjectives = nil

	for _, id := range sortedKeys(s.departments) {
		if parent := s.departments[id].ParentID; parent != "" {
			s.deptChildren[parent] = append(s.deptChildren[parent], id)
		} else {
			s.rootDepartments = append(s.rootDepartments, id)
		}
	}
	for _, id := range sortedKeys(s.objectives) {
		if parent := s.objectives[id].ParentID; parent != "" {
			s.objChildren[parent] = append(s.objChildren[parent], id)
		} else {
			s.rootObjectives = append(s.rootObjectives, id)
		}
	}
	for _, id := range sortedKeys(s.successFactors) {
		sf := s.successFactors[id]
		if sf.ParentID != "" {
			s.sfChildren[sf.ParentID] = append(s.sfChildren[sf.ParentID], id)
		} else if sf.ObjectiveID != "" {
			s.sfRoots[sf.ObjectiveID] = append(s.sfRoots[sf.ObjectiveID], id)
		}
	}
	for _, id := range sortedKeys(s.resultIndicators) {
		if sf := s.resultIndicators[id].SuccessFactorID; sf != "" {
			s.risBySF[sf] = append(s.risBySF[sf], id)
		}
	}
	for _, id := range sortedKeys(s.performanceIndicators) {
		pi := s.performanceIndicators[id]
		if pi.ResultIndicatorID != "" {
			s.pisByRI[pi.ResultIndicatorID] = append(s.pisByRI[pi.ResultIndicatorID], id)
		}
		if pi.SuccessFactorID != "" {
			s.pisBySF[pi.SuccessFactorID] = append(s.pisBySF[pi.SuccessFactorID], id)
		}
	}
}

func (s *Snapshot) Department(id string) (Department, bool) {
	d, ok := s.departments[id]
	return d, ok
}

func (s *Snapshot) Objective(id string) (Objective, bool) {
	o, ok := s.objectives[id]
	return o, ok
}

func (s *Snapshot) SuccessFactor(id string) (SuccessFactor, bool) {
	sf, ok := s.successFactors[id]
	return sf, ok
}

func (s *Snapshot) ResultIndicator(id string) (ResultIndicator, bool) {
	ri, ok := s.resultIndicators[id]
	return ri, ok
}

func (s *Snapshot) PerformanceIndicator(id string) (PerformanceIndicator, bool) {
	pi, ok := s.performanceIndicators[id]
	return pi, ok
}

// Exists reports whether ref names an entity in the snapshot.
func (s *Snapshot) Exists(ref Ref) bool {
	var ok bool
	switch ref.Kind {
	case KindDepartment:
		_, ok = s.departments[ref.ID]
	case KindObjective:
		_, ok = s.objectives[ref.ID]
	case KindSuccessFactor:
		_, ok = s.successFactors[ref.ID]
	case KindResultIndicator:
		_, ok = s.resultIndicators[ref.ID]
	case KindPerformanceIndicator:
		_, ok = s.performanceIndicators[ref.ID]
	}
	return ok
}

func (s *Snapshot) DepartmentIDs() []string           { return sortedKeys(s.departments) }
func (s *Snapshot) ObjectiveIDs() []string            { return sortedKeys(s.objectives) }
func (s *Snapshot) SuccessFactorIDs() []string        { return sortedKeys(s.successFactors) }
func (s *Snapshot) ResultIndicatorIDs() []string      { return sortedKeys(s.resultIndicators) }
func (s *Snapshot) PerformanceIndicatorIDs() []string { return sortedKeys(s.performanceIndicators) }

func (s *Snapshot) RootDepartments() []string { return slices.Clone(s.rootDepartments) }
func (s *Snapshot) RootObjectives() []string  { return slices.Clone(s.rootObjectives) }

func (s *Snapshot) DepartmentChildren(id string) []string { return slices.Clone(s.deptChildren[id]) }
func (s *Snapshot) ObjectiveChildren(id string) []string  { return slices.Clone(s.objChildren[id]) }

// RootSuccessFactors returns the success factors attached directly to an objective.
func (s *Snapshot) RootSuccessFactors(objectiveID string) []string {
	return slices.Clone(s.sfRoots[objectiveID])
}

func (s *Snapshot) SuccessFactorChildren(id string) []string {
	return slices.Clone(s.sfChildren[id])
}

func (s *Snapshot) ResultIndicatorsOf(successFactorID string) []string {
	return slices.Clone(s.risBySF[successFactorID])
}

func (s *Snapshot) PerformanceIndicatorsOfRI(resultIndicatorID string) []string {
	return slices.Clone(s.pisByRI[resultIndicatorID])
}

// PerformanceIndicatorsOfSF returns performance indicators attached directly to a success factor.
func (s *Snapshot) PerformanceIndicatorsOfSF(successFactorID string) []string {
	return slices.Clone(s.pisBySF[successFactorID])
}

// DepartmentOf resolves the department an entity is attributed to. Performance
// indicators count only toward their own department. Other entities use their
// own department, then their nearest ancestor's. Returns "" when none is set.
func (s *Snapshot) DepartmentOf(ref Ref) string {
	// Parent cycles are rejected at build time; the bound only guards dangling edits.
	for hops := 0; hops < 1024 && !ref.IsZero(); hops++ {
		switch ref.Kind {
		case KindPerformanceIndicator:
			pi, ok := s.performanceIndicators[ref.ID]
			if !ok {
				return ""
			}
			return pi.DepartmentID
		case KindResultIndicator:
			ri, ok := s.resultIndicators[ref.ID]
			if !ok {
				return ""
			}
			if ri.DepartmentID != "" {
				return ri.DepartmentID
			}
			ref = Ref{Kind: KindSuccessFactor, ID: ri.SuccessFactorID}
		case KindSuccessFactor:
			sf, ok := s.successFactors[ref.ID]
			if !ok {
				return ""
			}
			if sf.DepartmentID != "" {
				return sf.DepartmentID
			}
			switch {
			case sf.ParentID != "":
				ref = Ref{Kind: KindSuccessFactor, ID: sf.ParentID}
			case sf.ObjectiveID != "":
				ref = Ref{Kind: KindObjective, ID: sf.ObjectiveID}
			default:
				return ""
			}
		case KindObjective:
			o, ok := s.objectives[ref.ID]
			if !ok {
				return ""
			}
			if o.DepartmentID != "" {
				return o.DepartmentID
			}
			if o.ParentID == "" {
				return ""
			}
			ref = Ref{Kind: KindObjective, ID: o.ParentID}
		default:
			return ""
		}
	}
	return ""
}

// DepartmentAncestors returns the department's parent chain, nearest first, stopping at a dangling parent.
func (s *Snapshot) DepartmentAncestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	for {
		d, ok := s.departments[id]
		if !ok || d.ParentID == "" || seen[d.ParentID] {
			return out
		}
		if _, ok := s.departments[d.ParentID]; !ok {
			return out
		}
		out = append(out, d.ParentID)
		seen[d.ParentID] = true
		id = d.ParentID
	}
}

// WithDerived returns a copy of s with the derived fields in d applied.
func (s *Snapshot) WithDerived(d Derived) *Snapshot {
	out := *s
	out.Documents = slices.Clone(s.Documents)
	out.departments = maps.Clone(s.departments)
	out.objectives = maps.Clone(s.objectives)
	out.successFactors = maps.Clone(s.successFactors)
	out.resultIndicators = maps.Clone(s.resultIndicators)
	out.performanceIndicators = maps.Clone(s.performanceIndicators)

	for id, v := range d.Objectives {
		if o, ok := out.objectives[id]; ok {
			o.Status = v.Status
			o.ProgressPercentage = v.ProgressPercentage
			out.objectives[id] = o
		}
	}
	for id, v := range d.SuccessFactors {
		if sf, ok := out.successFactors[id]; ok {
			sf.Status = v.Status
			sf.ProgressPercentage = v.ProgressPercentage
			if v.CurrentValue != nil {
				sf.CurrentValue = copyFloat(v.CurrentValue)
			}
			out.successFactors[id] = sf
		}
	}
	for id, v := range d.ResultIndicators {
		if ri, ok := out.resultIndicators[id]; ok {
			ri.Status = v.Status
			if v.CurrentValue != nil {
				ri.CurrentValue = copyFloat(v.CurrentValue)
			}
			ri.AchievementPercentage = copyFloat(v.AchievementPercentage)
			out.resultIndicators[id] = ri
		}
	}
	for id, v := range d.PerformanceIndicators {
		if pi, ok := out.performanceIndicators[id]; ok {
			pi.Status = v.Status
			if v.CurrentValue != nil {
				pi.CurrentValue = copyFloat(v.CurrentValue)
			}
			pi.AchievementPercentage = copyFloat(v.AchievementPercentage)
			out.performanceIndicators[id] = pi
		}
	}
	return &out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare[string])
	return keys
}
