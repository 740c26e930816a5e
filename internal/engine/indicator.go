package engine

import (
	"github.com/shopspring/decimal"

	"perftrack/internal/hierarchy"
)

// Indicator is the shared view over performance and result indicators.
type Indicator struct {
	Ref          hierarchy.Ref
	Title        string
	IsKey        bool
	Unit         string
	Direction    hierarchy.Direction
	UnderReview  bool
	TargetValue  *float64
	CurrentValue *float64
	MinAlert     *float64
	MaxAlert     *float64
}

// FromPerformanceIndicator wraps a performance indicator.
func FromPerformanceIndicator(pi hierarchy.PerformanceIndicator) Indicator {
	return Indicator{
		Ref:          hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: pi.ID},
		Title:        pi.Title,
		IsKey:        pi.IsKey,
		Unit:         pi.Unit,
		Direction:    pi.Direction,
		UnderReview:  pi.UnderReview,
		TargetValue:  pi.TargetValue,
		CurrentValue: pi.CurrentValue,
		MinAlert:     pi.MinAlertThreshold,
		MaxAlert:     pi.MaxAlertThreshold,
	}
}

// FromResultIndicator wraps a result indicator. Result indicators carry no alert band.
func FromResultIndicator(ri hierarchy.ResultIndicator) Indicator {
	return Indicator{
		Ref:          hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: ri.ID},
		Title:        ri.Title,
		IsKey:        ri.IsKey,
		Unit:         ri.Unit,
		Direction:    ri.Direction,
		UnderReview:  ri.UnderReview,
		TargetValue:  ri.TargetValue,
		CurrentValue: ri.CurrentValue,
	}
}

func (i Indicator) Kind() hierarchy.Kind { return i.Ref.Kind }

// Thresholds is the resolved target configuration of one indicator.
type Thresholds struct {
	Target    decimal.NullDecimal
	MinAlert  decimal.NullDecimal
	MaxAlert  decimal.NullDecimal
	Direction hierarchy.Direction
}

// ResolveThresholds returns the target, alert band and direction for ind.
func ResolveThresholds(ind Indicator) Thresholds {
	dir := ind.Direction
	if dir == "" {
		dir = hierarchy.HigherIsBetter
	}
	return Thresholds{
		Target:    nullDecimal(ind.TargetValue),
		MinAlert:  nullDecimal(ind.MinAlert),
		MaxAlert:  nullDecimal(ind.MaxAlert),
		Direction: dir,
	}
}

// HasBand reports whether at least one alert bound is set.
func (t Thresholds) HasBand() bool {
	return t.MinAlert.Valid || t.MaxAlert.Valid
}

// InBand reports whether value lies within the alert band. Unset bounds are open.
func (t Thresholds) InBand(value decimal.Decimal) bool {
	if !t.HasBand() {
		return false
	}
	if t.MinAlert.Valid && value.LessThan(t.MinAlert.Decimal) {
		return false
	}
	if t.MaxAlert.Valid && value.GreaterThan(t.MaxAlert.Decimal) {
		return false
	}
	return true
}

func nullDecimal(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

func floatPtr(v decimal.NullDecimal) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Decimal.InexactFloat64()
	return &f
}
