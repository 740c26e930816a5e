package hierarchy

import (
	"fmt"
	"strings"
	"time"
)

// Kind names an entity type in the hierarchy.
type Kind string

const (
	KindDepartment           Kind = "department"
	KindObjective            Kind = "objective"
	KindSuccessFactor        Kind = "success_factor"
	KindResultIndicator      Kind = "result_indicator"
	KindPerformanceIndicator Kind = "performance_indicator"
)

// ParseKind accepts the canonical kind names plus the short forms pi, ri, sf and obj.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "department", "dept":
		return KindDepartment, nil
	case "objective", "obj":
		return KindObjective, nil
	case "success_factor", "sf", "csf":
		return KindSuccessFactor, nil
	case "result_indicator", "ri", "kri":
		return KindResultIndicator, nil
	case "performance_indicator", "pi", "kpi":
		return KindPerformanceIndicator, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", value)
	}
}

// Ref identifies one entity.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// IsZero reports whether r is the empty reference.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Status is the derived status of an entity.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusUnderReview Status = "under_review"
	StatusOnTarget    Status = "on_target"
	StatusAtRisk      Status = "at_risk"
	StatusBelowTarget Status = "below_target"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusUnderReview, StatusOnTarget, StatusAtRisk, StatusBelowTarget:
		return true
	}
	return false
}

// Direction tells whether larger measured values are better.
type Direction string

const (
	HigherIsBetter Direction = "higher_is_better"
	LowerIsBetter  Direction = "lower_is_better"
)

func parseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "higher", "higher_is_better":
		return HigherIsBetter, nil
	case "lower", "lower_is_better":
		return LowerIsBetter, nil
	default:
		return "", fmt.Errorf("invalid measurement_direction %q (expected higher_is_better or lower_is_better)", value)
	}
}

type Department struct {
	ID         string
	Name       string
	ParentID   string
	HeadUserID string
}

type Objective struct {
	ID           string
	Code         string
	Title        string
	ParentID     string
	DepartmentID string
	StartDate    time.Time
	TargetDate   time.Time
	UnderReview  bool

	// Derived.
	Status             Status
	ProgressPercentage int
}

type SuccessFactor struct {
	ID           string
	Title        string
	IsCritical   bool
	ObjectiveID  string
	ParentID     string
	DepartmentID string
	StartDate    time.Time
	TargetDate   time.Time
	TargetValue  *float64
	CurrentValue *float64
	UnderReview  bool

	// Derived.
	Status             Status
	ProgressPercentage int
}

type ResultIndicator struct {
	ID              string
	Title           string
	IsKey           bool
	SuccessFactorID string
	DepartmentID    string
	TargetValue     *float64
	CurrentValue    *float64
	Unit            string
	Direction       Direction
	UnderReview     bool

	// Derived.
	Status                Status
	AchievementPercentage *float64
}

type PerformanceIndicator struct {
	ID                string
	Title             string
	IsKey             bool
	ResultIndicatorID string
	SuccessFactorID   string
	DepartmentID      string
	TargetValue       *float64
	CurrentValue      *float64
	MinAlertThreshold *float64
	MaxAlertThreshold *float64
	Unit              string
	Direction         Direction
	UnderReview       bool

	// Derived.
	Status                Status
	AchievementPercentage *float64
}

// Document records which entities were loaded from one YAML file, in file order.
type Document struct {
	Source                string
	Departments           []string
	Objectives            []string
	SuccessFactors        []string
	ResultIndicators      []string
	PerformanceIndicators []string
}

// Entities is the flat input used to assemble a Snapshot.
type Entities struct {
	Departments           []Department
	Objectives            []Objective
	SuccessFactors        []SuccessFactor
	ResultIndicators      []ResultIndicator
	PerformanceIndicators []PerformanceIndicator
}

// ObjectiveDerived holds the engine outputs for an objective.
type ObjectiveDerived struct {
	Status             Status
	ProgressPercentage int
}

// SuccessFactorDerived holds the engine outputs for a success factor.
type SuccessFactorDerived struct {
	Status             Status
	ProgressPercentage int
	CurrentValue       *float64
}

// IndicatorDerived holds the engine outputs for a result or performance indicator.
type IndicatorDerived struct {
	Status                Status
	CurrentValue          *float64
	AchievementPercentage *float64
}

// Derived is the set of fields a recompute pass writes back.
type Derived struct {
	Objectives            map[string]ObjectiveDerived
	SuccessFactors        map[string]SuccessFactorDerived
	ResultIndicators      map[string]IndicatorDerived
	PerformanceIndicators map[string]IndicatorDerived
}

// Empty reports whether d carries no updates.
func (d Derived) Empty() bool {
	return len(d.Objectives) == 0 && len(d.SuccessFactors) == 0 &&
		len(d.ResultIndicators) == 0 && len(d.PerformanceIndicators) == 0
}
