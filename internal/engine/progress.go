package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProgressMethod names the strategy used for a success factor.
type ProgressMethod string

const (
	MethodTarget ProgressMethod = "target"
	MethodTime   ProgressMethod = "time"
)

// SuccessFactorInput is what success factor progress depends on.
type SuccessFactorInput struct {
	StartDate    time.Time
	TargetDate   time.Time
	TargetValue  decimal.NullDecimal
	CurrentValue decimal.NullDecimal
}

// Progress is a success factor progress value and how it was derived.
type Progress struct {
	Percent    int            `json:"percent"`
	Method     ProgressMethod `json:"method"`
	Degenerate bool           `json:"degenerate,omitempty"`
}

// ComputeSuccessFactorProgress uses target achievement when the factor carries a
// non-zero target and a current value, otherwise the elapsed share of its date window.
func ComputeSuccessFactorProgress(in SuccessFactorInput, now time.Time) Progress {
	if in.TargetValue.Valid && !in.TargetValue.Decimal.IsZero() && in.CurrentValue.Valid {
		pct := in.CurrentValue.Decimal.Mul(hundred).Div(in.TargetValue.Decimal)
		return Progress{Percent: clampPercent(pct), Method: MethodTarget}
	}

	if in.StartDate.IsZero() || in.TargetDate.IsZero() || !in.StartDate.Before(in.TargetDate) {
		return Progress{Percent: 0, Method: MethodTime, Degenerate: true}
	}
	if now.Before(in.StartDate) {
		return Progress{Percent: 0, Method: MethodTime}
	}
	if !now.Before(in.TargetDate) {
		return Progress{Percent: 100, Method: MethodTime}
	}
	elapsed := decimal.NewFromInt(int64(now.Sub(in.StartDate)))
	total := decimal.NewFromInt(int64(in.TargetDate.Sub(in.StartDate)))
	return Progress{Percent: clampPercent(elapsed.Mul(hundred).Div(total)), Method: MethodTime}
}

// ObjectiveProgress is an objective's progress. NoFactors separates an empty
// objective from a genuine 0%.
type ObjectiveProgress struct {
	Percent   int  `json:"percent"`
	NoFactors bool `json:"no_factors,omitempty"`
}

// ComputeObjectiveProgress is the mean of the child progress values, rounded half away from zero.
func ComputeObjectiveProgress(children []int) ObjectiveProgress {
	if len(children) == 0 {
		return ObjectiveProgress{Percent: 0, NoFactors: true}
	}
	sum := decimal.Zero
	for _, c := range children {
		sum = sum.Add(decimal.NewFromInt(int64(c)))
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(children))))
	return ObjectiveProgress{Percent: clampPercent(mean)}
}

// Band is the severity class of a progress value.
type Band string

const (
	BandSuccess Band = "success"
	BandWarning Band = "warning"
	BandInfo    Band = "info"
	BandDanger  Band = "danger"
)

func BandFor(percent int) Band {
	switch {
	case percent >= 80:
		return BandSuccess
	case percent >= 60:
		return BandWarning
	case percent >= 40:
		return BandInfo
	default:
		return BandDanger
	}
}

func clampPercent(v decimal.Decimal) int {
	n := v.Round(0).IntPart()
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return int(n)
}
