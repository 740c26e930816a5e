package hierarchy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// ErrStaleSnapshot reports that the hierarchy files changed after the snapshot was loaded.
var ErrStaleSnapshot = errors.New("hierarchy changed since snapshot was loaded")

// WriteResult describes a writeback.
type WriteResult struct {
	Files       []string
	Fingerprint string
}

// WriteDerived applies d to the snapshot's source files. Files whose derived fields
// did not change are left untouched. Fails with ErrStaleSnapshot when the files on
// disk no longer match the snapshot fingerprint.
func WriteDerived(snap *Snapshot, d Derived) (*WriteResult, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	if snap.Dir == "" {
		return nil, fmt.Errorf("snapshot is not backed by a directory")
	}
	current, err := Fingerprint(snap.Dir)
	if err != nil {
		return nil, err
	}
	if current != snap.Fingerprint {
		return nil, ErrStaleSnapshot
	}

	result := &WriteResult{Fingerprint: current}
	if d.Empty() {
		return result, nil
	}

	updated := snap.WithDerived(d)
	for _, doc := range snap.Documents {
		before, err := snap.renderDocument(doc)
		if err != nil {
			return nil, err
		}
		after, err := updated.renderDocument(doc)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(before, after) {
			continue
		}
		if err := writeFileAtomic(doc.Source, after); err != nil {
			return nil, fmt.Errorf("write %s: %w", doc.Source, err)
		}
		result.Files = append(result.Files, doc.Source)
	}

	if len(result.Files) > 0 {
		if result.Fingerprint, err = Fingerprint(snap.Dir); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// DiffDerived renders a unified diff of what WriteDerived would change.
func DiffDerived(snap *Snapshot, d Derived) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("snapshot is nil")
	}
	updated := snap.WithDerived(d)

	var out strings.Builder
	for _, doc := range snap.Documents {
		before, err := snap.renderDocument(doc)
		if err != nil {
			return "", err
		}
		after, err := updated.renderDocument(doc)
		if err != nil {
			return "", err
		}
		if bytes.Equal(before, after) {
			continue
		}
		name := doc.Source
		if snap.Dir != "" {
			if rel, relErr := filepath.Rel(snap.Dir, doc.Source); relErr == nil {
				name = rel
			}
		}
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(before)),
			B:        difflib.SplitLines(string(after)),
			FromFile: "a/" + name,
			ToFile:   "b/" + name,
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", name, err)
		}
		out.WriteString(diff)
	}
	return out.String(), nil
}

func (s *Snapshot) renderDocument(doc Document) ([]byte, error) {
	var raw rawDocument
	for _, id := range doc.Departments {
		d := s.departments[id]
		raw.Departments = append(raw.Departments, rawDepartment{
			ID:         d.ID,
			Name:       d.Name,
			ParentID:   d.ParentID,
			HeadUserID: d.HeadUserID,
		})
	}
	for _, id := range doc.Objectives {
		o := s.objectives[id]
		raw.Objectives = append(raw.Objectives, rawObjective{
			ID:                 o.ID,
			Code:               o.Code,
			Title:              o.Title,
			ParentID:           o.ParentID,
			DepartmentID:       o.DepartmentID,
			StartDate:          formatDate(o.StartDate),
			TargetDate:         formatDate(o.TargetDate),
			UnderReview:        o.UnderReview,
			Status:             string(o.Status),
			ProgressPercentage: o.ProgressPercentage,
		})
	}
	for _, id := range doc.SuccessFactors {
		sf := s.successFactors[id]
		raw.SuccessFactors = append(raw.SuccessFactors, rawSuccessFactor{
			ID:                 sf.ID,
			Title:              sf.Title,
			IsCritical:         sf.IsCritical,
			ObjectiveID:        sf.ObjectiveID,
			ParentID:           sf.ParentID,
			DepartmentID:       sf.DepartmentID,
			StartDate:          formatDate(sf.StartDate),
			TargetDate:         formatDate(sf.TargetDate),
			TargetValue:        sf.TargetValue,
			CurrentValue:       sf.CurrentValue,
			UnderReview:        sf.UnderReview,
			Status:             string(sf.Status),
			ProgressPercentage: sf.ProgressPercentage,
		})
	}
	for _, id := range doc.ResultIndicators {
		ri := s.resultIndicators[id]
		raw.ResultIndicators = append(raw.ResultIndicators, rawResultIndicator{
			ID:                    ri.ID,
			Title:                 ri.Title,
			IsKey:                 ri.IsKey,
			SuccessFactorID:       ri.SuccessFactorID,
			DepartmentID:          ri.DepartmentID,
			TargetValue:           ri.TargetValue,
			CurrentValue:          ri.CurrentValue,
			Unit:                  ri.Unit,
			Direction:             string(ri.Direction),
			UnderReview:           ri.UnderReview,
			Status:                string(ri.Status),
			AchievementPercentage: ri.AchievementPercentage,
		})
	}
	for _, id := range doc.PerformanceIndicators {
		pi := s.performanceIndicators[id]
		raw.PerformanceIndicators = append(raw.PerformanceIndicators, rawPerformanceIndicator{
			ID:                    pi.ID,
			Title:                 pi.Title,
			IsKey:                 pi.IsKey,
			ResultIndicatorID:     pi.ResultIndicatorID,
			SuccessFactorID:       pi.SuccessFactorID,
			DepartmentID:          pi.DepartmentID,
			TargetValue:           pi.TargetValue,
			CurrentValue:          pi.CurrentValue,
			MinAlertThreshold:     pi.MinAlertThreshold,
			MaxAlertThreshold:     pi.MaxAlertThreshold,
			Unit:                  pi.Unit,
			Direction:             string(pi.Direction),
			UnderReview:           pi.UnderReview,
			Status:                string(pi.Status),
			AchievementPercentage: pi.AchievementPercentage,
		})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&raw); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", doc.Source, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", doc.Source, err)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
