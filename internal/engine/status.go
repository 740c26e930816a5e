package engine

import (
	"github.com/shopspring/decimal"

	"perftrack/internal/hierarchy"
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the status and achievement of one indicator.
type Evaluation struct {
	Status      hierarchy.Status    `json:"status"`
	Achievement decimal.NullDecimal `json:"achievement_percentage"`
}

// ComputeStatus classifies latest against th. A missing target, a zero target or a
// missing value yields Draft with no achievement.
func ComputeStatus(latest decimal.NullDecimal, th Thresholds) Evaluation {
	if !th.Target.Valid || th.Target.Decimal.IsZero() || !latest.Valid {
		return Evaluation{Status: hierarchy.StatusDraft}
	}

	achievement := Achievement(latest.Decimal, th.Target.Decimal, th.Direction)
	eval := Evaluation{Achievement: decimal.NewNullDecimal(achievement)}
	switch {
	case achievement.GreaterThanOrEqual(hundred):
		eval.Status = hierarchy.StatusOnTarget
	case th.InBand(latest.Decimal):
		eval.Status = hierarchy.StatusAtRisk
	default:
		eval.Status = hierarchy.StatusBelowTarget
	}
	return eval
}

// Achievement returns value as a percentage of target, rounded to two places.
// For lower-is-better the ratio is inverted and a zero value scores 0.
func Achievement(value, target decimal.Decimal, dir hierarchy.Direction) decimal.Decimal {
	if target.IsZero() {
		return decimal.Zero
	}
	if dir == hierarchy.LowerIsBetter {
		if value.IsZero() {
			return decimal.Zero
		}
		return target.Mul(hundred).DivRound(value, 2)
	}
	return value.Mul(hundred).DivRound(target, 2)
}

var statusSeverity = map[hierarchy.Status]int{
	hierarchy.StatusOnTarget:    1,
	hierarchy.StatusAtRisk:      2,
	hierarchy.StatusBelowTarget: 3,
}

// RollupStatus returns the worst classified child status. Draft and under-review
// children are unclassified; with none classified the result is Draft.
func RollupStatus(children []hierarchy.Status, underReview bool) hierarchy.Status {
	if underReview {
		return hierarchy.StatusUnderReview
	}
	worst := hierarchy.StatusDraft
	for _, s := range children {
		if statusSeverity[s] > statusSeverity[worst] {
			worst = s
		}
	}
	return worst
}
