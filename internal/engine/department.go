package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"perftrack/internal/hierarchy"
)

// IndicatorSnapshot is the per-indicator input to department scoring.
type IndicatorSnapshot struct {
	Ref          hierarchy.Ref
	DepartmentID string
	Status       hierarchy.Status
}

// DepartmentScore aggregates indicator statuses for a department.
type DepartmentScore struct {
	DepartmentID          string          `json:"department_id"`
	Name                  string          `json:"name,omitempty"`
	Total                 int             `json:"total"`
	OnTarget              int             `json:"on_target"`
	AtRisk                int             `json:"at_risk"`
	BelowTarget           int             `json:"below_target"`
	Draft                 int             `json:"draft"`
	UnderReview           int             `json:"under_review"`
	PerformancePercentage int             `json:"performance_percentage"`
	TargetAchievementRate decimal.Decimal `json:"target_achievement_rate"`
	Band                  Band            `json:"band"`
	// Subtree covers the department and all of its descendants.
	Subtree *DepartmentScore `json:"subtree,omitempty"`
}

// ComputeDepartmentPerformance counts statuses and derives the on-target ratio.
// TargetAchievementRate keeps full precision; callers format it to two places.
// PerformancePercentage rounds the exact ratio half away from zero, so it
// always equals TargetAchievementRate rounded to an integer.
func ComputeDepartmentPerformance(indicators []IndicatorSnapshot) DepartmentScore {
	var score DepartmentScore
	for _, ind := range indicators {
		score.Total++
		switch ind.Status {
		case hierarchy.StatusOnTarget:
			score.OnTarget++
		case hierarchy.StatusAtRisk:
			score.AtRisk++
		case hierarchy.StatusBelowTarget:
			score.BelowTarget++
		case hierarchy.StatusUnderReview:
			score.UnderReview++
		default:
			score.Draft++
		}
	}
	score.TargetAchievementRate = decimal.Zero
	if score.Total > 0 {
		score.TargetAchievementRate = decimal.NewFromInt(int64(score.OnTarget)).
			Mul(hundred).
			Div(decimal.NewFromInt(int64(score.Total)))
		score.PerformancePercentage = roundedPercent(score.OnTarget, score.Total)
	}
	score.Band = BandFor(score.PerformancePercentage)
	return score
}

// roundedPercent is round(part*100/total) on integers, half away from zero.
func roundedPercent(part, total int) int {
	return (part*200 + total) / (2 * total)
}

// RankDepartments orders scores by performance descending; ties keep department id order.
func RankDepartments(scores []DepartmentScore) []DepartmentScore {
	out := make([]DepartmentScore, len(scores))
	copy(out, scores)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DepartmentID < out[j].DepartmentID
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PerformancePercentage > out[j].PerformancePercentage
	})
	return out
}
