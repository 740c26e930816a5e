package hierarchy

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawDocument struct {
	Departments           []rawDepartment           `yaml:"departments,omitempty"`
	Objectives            []rawObjective            `yaml:"objectives,omitempty"`
	SuccessFactors        []rawSuccessFactor        `yaml:"success_factors,omitempty"`
	ResultIndicators      []rawResultIndicator      `yaml:"result_indicators,omitempty"`
	PerformanceIndicators []rawPerformanceIndicator `yaml:"performance_indicators,omitempty"`
}

type rawDepartment struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	ParentID   string `yaml:"parent_id,omitempty"`
	HeadUserID string `yaml:"head_user_id,omitempty"`
}

type rawObjective struct {
	ID                 string `yaml:"id"`
	Code               string `yaml:"code,omitempty"`
	Title              string `yaml:"title,omitempty"`
	ParentID           string `yaml:"parent_id,omitempty"`
	DepartmentID       string `yaml:"department_id,omitempty"`
	StartDate          string `yaml:"start_date"`
	TargetDate         string `yaml:"target_date"`
	UnderReview        bool   `yaml:"under_review,omitempty"`
	Status             string `yaml:"status"`
	ProgressPercentage int    `yaml:"progress_percentage"`
}

type rawSuccessFactor struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title,omitempty"`
	IsCritical         bool     `yaml:"is_critical,omitempty"`
	ObjectiveID        string   `yaml:"objective_id,omitempty"`
	ParentID           string   `yaml:"parent_id,omitempty"`
	DepartmentID       string   `yaml:"department_id,omitempty"`
	StartDate          string   `yaml:"start_date,omitempty"`
	TargetDate         string   `yaml:"target_date,omitempty"`
	TargetValue        *float64 `yaml:"target_value,omitempty"`
	CurrentValue       *float64 `yaml:"current_value,omitempty"`
	UnderReview        bool     `yaml:"under_review,omitempty"`
	Status             string   `yaml:"status"`
	ProgressPercentage int      `yaml:"progress_percentage"`
}

type rawResultIndicator struct {
	ID                    string   `yaml:"id"`
	Title                 string   `yaml:"title,omitempty"`
	IsKey                 bool     `yaml:"is_key,omitempty"`
	SuccessFactorID       string   `yaml:"success_factor_id,omitempty"`
	DepartmentID          string   `yaml:"department_id,omitempty"`
	TargetValue           *float64 `yaml:"target_value,omitempty"`
	CurrentValue          *float64 `yaml:"current_value,omitempty"`
	Unit                  string   `yaml:"unit,omitempty"`
	Direction             string   `yaml:"measurement_direction,omitempty"`
	UnderReview           bool     `yaml:"under_review,omitempty"`
	Status                string   `yaml:"status"`
	AchievementPercentage *float64 `yaml:"achievement_percentage,omitempty"`
}

type rawPerformanceIndicator struct {
	ID                    string   `yaml:"id"`
	Title                 string   `yaml:"title,omitempty"`
	IsKey                 bool     `yaml:"is_key,omitempty"`
	ResultIndicatorID     string   `yaml:"result_indicator_id,omitempty"`
	SuccessFactorID       string   `yaml:"success_factor_id,omitempty"`
	DepartmentID          string   `yaml:"department_id,omitempty"`
	TargetValue           *float64 `yaml:"target_value,omitempty"`
	CurrentValue          *float64 `yaml:"current_value,omitempty"`
	MinAlertThreshold     *float64 `yaml:"min_alert_threshold,omitempty"`
	MaxAlertThreshold     *float64 `yaml:"max_alert_threshold,omitempty"`
	Unit                  string   `yaml:"unit,omitempty"`
	Direction             string   `yaml:"measurement_direction,omitempty"`
	UnderReview           bool     `yaml:"under_review,omitempty"`
	Status                string   `yaml:"status"`
	AchievementPercentage *float64 `yaml:"achievement_percentage,omitempty"`
}

// ValidationError captures a single field-specific validation issue.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates multiple validation problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// ParseAndValidateDocument unmarshals and validates one hierarchy YAML document.
func ParseAndValidateDocument(data []byte, source string) (Document, Entities, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, Entities{}, ValidationErrors{{
			File:    source,
			Field:   "yaml",
			Message: err.Error(),
		}}
	}
	return validateRawDocument(raw, source)
}

func validateRawDocument(raw rawDocument, source string) (Document, Entities, error) {
	v := &validator{source: source}
	doc := Document{Source: source}
	var ents Entities

	if len(raw.Departments)+len(raw.Objectives)+len(raw.SuccessFactors)+
		len(raw.ResultIndicators)+len(raw.PerformanceIndicators) == 0 {
		v.add("", "document defines no entities")
	}

	for i, r := range raw.Departments {
		d := v.department(r, fmt.Sprintf("departments[%d]", i))
		doc.Departments = append(doc.Departments, d.ID)
		ents.Departments = append(ents.Departments, d)
	}
	for i, r := range raw.Objectives {
		o := v.objective(r, fmt.Sprintf("objectives[%d]", i))
		doc.Objectives = append(doc.Objectives, o.ID)
		ents.Objectives = append(ents.Objectives, o)
	}
	for i, r := range raw.SuccessFactors {
		sf := v.successFactor(r, fmt.Sprintf("success_factors[%d]", i))
		doc.SuccessFactors = append(doc.SuccessFactors, sf.ID)
		ents.SuccessFactors = append(ents.SuccessFactors, sf)
	}
	for i, r := range raw.ResultIndicators {
		ri := v.resultIndicator(r, fmt.Sprintf("result_indicators[%d]", i))
		doc.ResultIndicators = append(doc.ResultIndicators, ri.ID)
		ents.ResultIndicators = append(ents.ResultIndicators, ri)
	}
	for i, r := range raw.PerformanceIndicators {
		pi := v.performanceIndicator(r, fmt.Sprintf("performance_indicators[%d]", i))
		doc.PerformanceIndicators = append(doc.PerformanceIndicators, pi.ID)
		ents.PerformanceIndicators = append(ents.PerformanceIndicators, pi)
	}

	if len(v.errs) > 0 {
		return Document{}, Entities{}, v.errs
	}
	return doc, ents, nil
}

type validator struct {
	source string
	errs   ValidationErrors
}

func (v *validator) add(field, message string) {
	v.errs = append(v.errs, ValidationError{File: v.source, Field: field, Message: message})
}

func (v *validator) requireID(id, path string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		v.add(path+".id", "id is required")
	}
	return id
}

func (v *validator) status(value, path string) Status {
	value = strings.TrimSpace(value)
	if value == "" {
		return StatusDraft
	}
	s := Status(value)
	if !s.Valid() {
		v.add(path+".status", fmt.Sprintf("unknown status %q", value))
		return StatusDraft
	}
	return s
}

func (v *validator) date(value, field string, required bool) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			v.add(field, "date is required")
		}
		return time.Time{}
	}
	ts, err := parseISO8601(value)
	if err != nil {
		v.add(field, "must be ISO-8601 date or datetime")
		return time.Time{}
	}
	return ts
}

func (v *validator) direction(value, path string) Direction {
	d, err := parseDirection(value)
	if err != nil {
		v.add(path+".measurement_direction", err.Error())
		return HigherIsBetter
	}
	return d
}

func (v *validator) progress(value int, path string) int {
	if value < 0 || value > 100 {
		v.add(path+".progress_percentage", "must be between 0 and 100")
		return 0
	}
	return value
}

func (v *validator) department(raw rawDepartment, path string) Department {
	d := Department{
		ID:         v.requireID(raw.ID, path),
		Name:       strings.TrimSpace(raw.Name),
		ParentID:   strings.TrimSpace(raw.ParentID),
		HeadUserID: strings.TrimSpace(raw.HeadUserID),
	}
	if d.Name == "" {
		v.add(path+".name", "name is required")
	}
	if d.ParentID != "" && d.ParentID == d.ID {
		v.add(path+".parent_id", "department cannot be its own parent")
	}
	return d
}

func (v *validator) objective(raw rawObjective, path string) Objective {
	o := Objective{
		ID:                 v.requireID(raw.ID, path),
		Code:               strings.TrimSpace(raw.Code),
		Title:              strings.TrimSpace(raw.Title),
		ParentID:           strings.TrimSpace(raw.ParentID),
		DepartmentID:       strings.TrimSpace(raw.DepartmentID),
		StartDate:          v.date(raw.StartDate, path+".start_date", true),
		TargetDate:         v.date(raw.TargetDate, path+".target_date", true),
		UnderReview:        raw.UnderReview,
		Status:             v.status(raw.Status, path),
		ProgressPercentage: v.progress(raw.ProgressPercentage, path),
	}
	if !o.StartDate.IsZero() && !o.TargetDate.IsZero() && o.StartDate.After(o.TargetDate) {
		v.add(path+".target_date", "target_date must not be before start_date")
	}
	if o.ParentID != "" && o.ParentID == o.ID {
		v.add(path+".parent_id", "objective cannot be its own parent")
	}
	return o
}

func (v *validator) successFactor(raw rawSuccessFactor, path string) SuccessFactor {
	sf := SuccessFactor{
		ID:                 v.requireID(raw.ID, path),
		Title:              strings.TrimSpace(raw.Title),
		IsCritical:         raw.IsCritical,
		ObjectiveID:        strings.TrimSpace(raw.ObjectiveID),
		ParentID:           strings.TrimSpace(raw.ParentID),
		DepartmentID:       strings.TrimSpace(raw.DepartmentID),
		StartDate:          v.date(raw.StartDate, path+".start_date", false),
		TargetDate:         v.date(raw.TargetDate, path+".target_date", false),
		TargetValue:        copyFloat(raw.TargetValue),
		CurrentValue:       copyFloat(raw.CurrentValue),
		UnderReview:        raw.UnderReview,
		Status:             v.status(raw.Status, path),
		ProgressPercentage: v.progress(raw.ProgressPercentage, path),
	}
	if sf.ParentID != "" && sf.ParentID == sf.ID {
		v.add(path+".parent_id", "success factor cannot be its own parent")
	}
	return sf
}

func (v *validator) resultIndicator(raw rawResultIndicator, path string) ResultIndicator {
	return ResultIndicator{
		ID:                    v.requireID(raw.ID, path),
		Title:                 strings.TrimSpace(raw.Title),
		IsKey:                 raw.IsKey,
		SuccessFactorID:       strings.TrimSpace(raw.SuccessFactorID),
		DepartmentID:          strings.TrimSpace(raw.DepartmentID),
		TargetValue:           copyFloat(raw.TargetValue),
		CurrentValue:          copyFloat(raw.CurrentValue),
		Unit:                  strings.TrimSpace(raw.Unit),
		Direction:             v.direction(raw.Direction, path),
		UnderReview:           raw.UnderReview,
		Status:                v.status(raw.Status, path),
		AchievementPercentage: copyFloat(raw.AchievementPercentage),
	}
}

func (v *validator) performanceIndicator(raw rawPerformanceIndicator, path string) PerformanceIndicator {
	pi := PerformanceIndicator{
		ID:                    v.requireID(raw.ID, path),
		Title:                 strings.TrimSpace(raw.Title),
		IsKey:                 raw.IsKey,
		ResultIndicatorID:     strings.TrimSpace(raw.ResultIndicatorID),
		SuccessFactorID:       strings.TrimSpace(raw.SuccessFactorID),
		DepartmentID:          strings.TrimSpace(raw.DepartmentID),
		TargetValue:           copyFloat(raw.TargetValue),
		CurrentValue:          copyFloat(raw.CurrentValue),
		MinAlertThreshold:     copyFloat(raw.MinAlertThreshold),
		MaxAlertThreshold:     copyFloat(raw.MaxAlertThreshold),
		Unit:                  strings.TrimSpace(raw.Unit),
		Direction:             v.direction(raw.Direction, path),
		UnderReview:           raw.UnderReview,
		Status:                v.status(raw.Status, path),
		AchievementPercentage: copyFloat(raw.AchievementPercentage),
	}
	if pi.MinAlertThreshold != nil && pi.MaxAlertThreshold != nil && *pi.MinAlertThreshold > *pi.MaxAlertThreshold {
		v.add(path+".max_alert_threshold", "max_alert_threshold must not be below min_alert_threshold")
	}
	return pi
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func parseISO8601(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02", value, time.UTC)
}

func formatDate(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	ts = ts.UTC()
	if ts.Equal(ts.Truncate(24 * time.Hour)) {
		return ts.Format("2006-01-02")
	}
	return ts.Format(time.RFC3339)
}
