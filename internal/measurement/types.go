package measurement

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perftrack/internal/hierarchy"
)

// Tag classifies what a measured value represents.
type Tag string

const (
	TagTarget    Tag = "target"
	TagExpected  Tag = "expected"
	TagActual    Tag = "actual"
	TagThreshold Tag = "threshold"
	TagNotSet    Tag = "not_set"
)

// ParseTag returns the tag for value. Empty input means actual.
func ParseTag(value string) (Tag, error) {
	switch t := Tag(strings.ToLower(strings.TrimSpace(value))); t {
	case "":
		return TagActual, nil
	case TagTarget, TagExpected, TagActual, TagThreshold, TagNotSet:
		return t, nil
	default:
		return "", fmt.Errorf("unknown measurement tag %q", value)
	}
}

// CountsAsActual reports whether measurements with this tag feed indicator values.
func (t Tag) CountsAsActual() bool {
	return t == TagActual || t == TagNotSet
}

// Measurement is one recorded value for an indicator or success factor.
type Measurement struct {
	ID          string          `json:"id"`
	Ref         hierarchy.Ref   `json:"ref"`
	Value       decimal.Decimal `json:"value"`
	MeasuredAt  time.Time       `json:"measured_at"`
	Tag         Tag             `json:"tag"`
	Source      string          `json:"source,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CorrectedAt *time.Time      `json:"corrected_at,omitempty"`
}

// RefFromFields builds the target reference from the three optional parent ids.
// Exactly one must be set.
func RefFromFields(performanceIndicatorID, resultIndicatorID, successFactorID string) (hierarchy.Ref, error) {
	var refs []hierarchy.Ref
	if id := strings.TrimSpace(performanceIndicatorID); id != "" {
		refs = append(refs, hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: id})
	}
	if id := strings.TrimSpace(resultIndicatorID); id != "" {
		refs = append(refs, hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: id})
	}
	if id := strings.TrimSpace(successFactorID); id != "" {
		refs = append(refs, hierarchy.Ref{Kind: hierarchy.KindSuccessFactor, ID: id})
	}
	if len(refs) != 1 {
		return hierarchy.Ref{}, fmt.Errorf("measurement must reference exactly one of performance indicator, result indicator or success factor (got %d)", len(refs))
	}
	return refs[0], nil
}

// ValidateRef checks that ref names a measurable entity kind.
func ValidateRef(ref hierarchy.Ref) error {
	switch ref.Kind {
	case hierarchy.KindPerformanceIndicator, hierarchy.KindResultIndicator, hierarchy.KindSuccessFactor:
	default:
		return fmt.Errorf("measurements cannot target %s", ref.Kind)
	}
	if strings.TrimSpace(ref.ID) == "" {
		return fmt.Errorf("measurement target id is required")
	}
	return nil
}

// Latest selects the effective actual measurement per target: the latest MeasuredAt wins,
// ties broken by CreatedAt then ID.
func Latest(ms []Measurement) map[hierarchy.Ref]Measurement {
	out := make(map[hierarchy.Ref]Measurement)
	for _, m := range ms {
		if !m.Tag.CountsAsActual() {
			continue
		}
		cur, ok := out[m.Ref]
		if !ok || newer(m, cur) {
			out[m.Ref] = m
		}
	}
	return out
}

func newer(a, b Measurement) bool {
	if !a.MeasuredAt.Equal(b.MeasuredAt) {
		return a.MeasuredAt.After(b.MeasuredAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
