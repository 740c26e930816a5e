package hierarchy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadFromDir loads and validates all hierarchy YAML files from dir.
func LoadFromDir(dir string) (*Snapshot, error) {
	if dir == "" {
		dir = "hierarchy"
	}
	files, err := hierarchyFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no hierarchy YAML files found in %s", dir)
	}

	var (
		docs  []Document
		all   Entities
		vErrs ValidationErrors
	)
	sources := make(map[Ref]string)
	fp := newFingerprinter()

	for _, path := range files {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", path, readErr)
		}
		fp.add(filepath.Base(path), data)

		doc, ents, parseErr := ParseAndValidateDocument(data, path)
		if parseErr != nil {
			var ve ValidationErrors
			if errors.As(parseErr, &ve) {
				vErrs = append(vErrs, ve...)
				continue
			}
			return nil, parseErr
		}
		docs = append(docs, doc)
		all.append(ents)
		recordSources(sources, doc)
	}
	if len(vErrs) > 0 {
		return nil, vErrs
	}

	snap, err := build(all, docs, sources)
	if err != nil {
		return nil, err
	}
	snap.Dir = dir
	snap.Fingerprint = fp.sum()
	return snap, nil
}

// NewSnapshot assembles an in-memory snapshot that is not backed by files.
func NewSnapshot(ents Entities) (*Snapshot, error) {
	return build(ents, nil, nil)
}

func (e *Entities) append(other Entities) {
	e.Departments = append(e.Departments, other.Departments...)
	e.Objectives = append(e.Objectives, other.Objectives...)
	e.SuccessFactors = append(e.SuccessFactors, other.SuccessFactors...)
	e.ResultIndicators = append(e.ResultIndicators, other.ResultIndicators...)
	e.PerformanceIndicators = append(e.PerformanceIndicators, other.PerformanceIndicators...)
}

func recordSources(sources map[Ref]string, doc Document) {
	for _, id := range doc.Departments {
		sources[Ref{Kind: KindDepartment, ID: id}] = doc.Source
	}
	for _, id := range doc.Objectives {
		sources[Ref{Kind: KindObjective, ID: id}] = doc.Source
	}
	for _, id := range doc.SuccessFactors {
		sources[Ref{Kind: KindSuccessFactor, ID: id}] = doc.Source
	}
	for _, id := range doc.ResultIndicators {
		sources[Ref{Kind: KindResultIndicator, ID: id}] = doc.Source
	}
	for _, id := range doc.PerformanceIndicators {
		sources[Ref{Kind: KindPerformanceIndicator, ID: id}] = doc.Source
	}
}

func build(ents Entities, docs []Document, sources map[Ref]string) (*Snapshot, error) {
	if sources == nil {
		sources = make(map[Ref]string)
	}
	sourceOf := func(ref Ref) string {
		if src, ok := sources[ref]; ok {
			return src
		}
		return "memory"
	}

	s := newSnapshot()
	s.Documents = docs

	var errs ValidationErrors
	dup := func(ref Ref) {
		errs = append(errs, ValidationError{
			File:    sourceOf(ref),
			Field:   ref.String(),
			Message: fmt.Sprintf("duplicate %s id %q", ref.Kind, ref.ID),
		})
	}

	for _, d := range ents.Departments {
		if _, exists := s.departments[d.ID]; exists {
			dup(Ref{Kind: KindDepartment, ID: d.ID})
			continue
		}
		s.departments[d.ID] = d
	}
	for _, o := range ents.Objectives {
		if _, exists := s.objectives[o.ID]; exists {
			dup(Ref{Kind: KindObjective, ID: o.ID})
			continue
		}
		s.objectives[o.ID] = o
	}
	for _, sf := range ents.SuccessFactors {
		if _, exists := s.successFactors[sf.ID]; exists {
			dup(Ref{Kind: KindSuccessFactor, ID: sf.ID})
			continue
		}
		s.successFactors[sf.ID] = sf
	}
	for _, ri := range ents.ResultIndicators {
		if _, exists := s.resultIndicators[ri.ID]; exists {
			dup(Ref{Kind: KindResultIndicator, ID: ri.ID})
			continue
		}
		s.resultIndicators[ri.ID] = ri
	}
	for _, pi := range ents.PerformanceIndicators {
		if _, exists := s.performanceIndicators[pi.ID]; exists {
			dup(Ref{Kind: KindPerformanceIndicator, ID: pi.ID})
			continue
		}
		s.performanceIndicators[pi.ID] = pi
	}

	errs = append(errs, detectCycles(KindDepartment, s.departments, func(d Department) string { return d.ParentID }, sourceOf)...)
	errs = append(errs, detectCycles(KindObjective, s.objectives, func(o Objective) string { return o.ParentID }, sourceOf)...)
	errs = append(errs, detectCycles(KindSuccessFactor, s.successFactors, func(sf SuccessFactor) string { return sf.ParentID }, sourceOf)...)

	if len(errs) > 0 {
		return nil, errs
	}
	s.index()
	return s, nil
}

// detectCycles reports one error per parent cycle. Dangling parents end a walk without error.
func detectCycles[T any](kind Kind, items map[string]T, parentOf func(T) string, sourceOf func(Ref) string) ValidationErrors {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(items))
	var errs ValidationErrors

	for _, start := range sortedKeys(items) {
		if state[start] != unvisited {
			continue
		}
		var path []string
		id := start
		for {
			item, ok := items[id]
			if !ok || state[id] == done {
				break
			}
			if state[id] == visiting {
				ref := Ref{Kind: kind, ID: id}
				errs = append(errs, ValidationError{
					File:    sourceOf(ref),
					Field:   ref.String() + ".parent_id",
					Message: fmt.Sprintf("parent cycle detected through %s", id),
				})
				break
			}
			state[id] = visiting
			path = append(path, id)
			parent := parentOf(item)
			if parent == "" {
				break
			}
			id = parent
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return errs
}
