// Package report persists and renders department performance reports.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"perftrack/internal/engine"
)

const SchemaVersion = 1

// ErrNoReports is returned by LatestPath when dir holds no department report.
var ErrNoReports = errors.New("no department reports found")

// Departments is the persisted form of one pass's department ranking.
type Departments struct {
	SchemaVersion int                      `json:"schema_version"`
	GeneratedAt   time.Time                `json:"generated_at"`
	AsOf          string                   `json:"as_of"`
	Scope         string                   `json:"scope"`
	Fingerprint   string                   `json:"fingerprint,omitempty"`
	Departments   []engine.DepartmentScore `json:"departments"`
	Issues        []engine.Issue           `json:"issues,omitempty"`

	// Merged lists the partial scopes folded in after the base pass.
	Merged []string `json:"merged,omitempty"`
}

// FromResult builds a report from a recompute result.
func FromResult(res *engine.Result, fingerprint string) Departments {
	return Departments{
		GeneratedAt: res.Now,
		AsOf:        res.Now.Format("2006-01-02"),
		Scope:       res.Scope.Key(),
		Fingerprint: fingerprint,
		Departments: res.Departments,
		Issues:      res.Issues,
	}
}

// Merge folds the department scores of a partial pass into base. Departments
// the pass recomputed replace their old entries and the ranking is rebuilt.
func Merge(base Departments, res *engine.Result, fingerprint string) Departments {
	byID := make(map[string]engine.DepartmentScore, len(base.Departments)+len(res.Departments))
	for _, d := range base.Departments {
		byID[d.DepartmentID] = d
	}
	for _, d := range res.Departments {
		byID[d.DepartmentID] = d
	}
	scores := make([]engine.DepartmentScore, 0, len(byID))
	for _, d := range byID {
		scores = append(scores, d)
	}

	out := base
	out.GeneratedAt = res.Now
	out.AsOf = res.Now.Format("2006-01-02")
	out.Fingerprint = fingerprint
	out.Departments = engine.RankDepartments(scores)
	out.Merged = slices.Clone(base.Merged)
	if key := res.Scope.Key(); !slices.Contains(out.Merged, key) {
		out.Merged = append(out.Merged, key)
	}
	return out
}

// Write stores rep at path via a temp file and rename.
func Write(path string, rep Departments) error {
	if path == "" {
		return fmt.Errorf("report path is required")
	}
	if rep.AsOf == "" {
		return fmt.Errorf("report as_of is required")
	}
	rep.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure report dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

func Load(path string) (*Departments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var rep Departments
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if rep.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported report schema_version %d", rep.SchemaVersion)
	}
	return &rep, nil
}

// PathForDate names the department report for asOf inside dir.
func PathForDate(dir string, asOf time.Time) string {
	return filepath.Join(dir, "departments-"+asOf.UTC().Format("2006-01-02")+".json")
}

// LatestPath returns the newest department report in dir.
func LatestPath(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w in %s", ErrNoReports, dir)
	}
	if err != nil {
		return "", fmt.Errorf("read reports dir: %w", err)
	}
	var candidates []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "departments-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		// departments-YYYY-MM-DD.json sorts chronologically.
		candidates = append(candidates, filepath.Join(dir, name))
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoReports, dir)
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

// Render prints the ranking as an aligned table.
func Render(w io.Writer, rep Departments) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "RANK\tDEPARTMENT\tON TARGET\tTOTAL\tPERF %%\tBAND\tSUBTREE %%\n")
	for i, d := range rep.Departments {
		name := d.DepartmentID
		if d.Name != "" {
			name = fmt.Sprintf("%s (%s)", d.DepartmentID, d.Name)
		}
		subtree := "-"
		if d.Subtree != nil {
			subtree = fmt.Sprintf("%d", d.Subtree.PerformancePercentage)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			i+1, name, d.OnTarget, d.Total, d.PerformancePercentage, d.Band, subtree)
	}
	return tw.Flush()
}
