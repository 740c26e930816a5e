package measurement

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perftrack/internal/hierarchy"
)

// Provider collects measurements from a single external source.
type Provider interface {
	Name() string
	Collect(ctx context.Context) ([]Measurement, error)
}

// ManualProvider reads hand-maintained measurements from a YAML file.
type ManualProvider struct {
	Path string
	// AsOf stamps entries that carry no measured_at.
	AsOf time.Time
}

func (p *ManualProvider) Name() string { return "manual" }

type manualFile struct {
	Measurements []manualEntry `yaml:"measurements"`
}

type manualEntry struct {
	PerformanceIndicatorID string `yaml:"performance_indicator_id"`
	ResultIndicatorID      string `yaml:"result_indicator_id"`
	SuccessFactorID        string `yaml:"success_factor_id"`
	Value                  string `yaml:"value"`
	MeasuredAt             string `yaml:"measured_at"`
	Tag                    string `yaml:"tag"`
}

func (p *ManualProvider) Collect(ctx context.Context) ([]Measurement, error) {
	_ = ctx

	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manual measurements: %w", err)
	}

	var file manualFile
	if err := yaml.Unmarshal(data, &file); err == nil && file.Measurements != nil {
		return p.measurementsFrom(file.Measurements)
	}
	var list []manualEntry
	if err := yaml.Unmarshal(data, &list); err == nil && list != nil {
		return p.measurementsFrom(list)
	}
	return nil, fmt.Errorf("manual measurements file must contain `measurements:` list or a top-level list")
}

func (p *ManualProvider) measurementsFrom(entries []manualEntry) ([]Measurement, error) {
	out := make([]Measurement, 0, len(entries))
	for i, e := range entries {
		ref, err := RefFromFields(e.PerformanceIndicatorID, e.ResultIndicatorID, e.SuccessFactorID)
		if err != nil {
			return nil, fmt.Errorf("measurements[%d]: %w", i, err)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(e.Value))
		if err != nil {
			return nil, fmt.Errorf("measurements[%d].value: %w", i, err)
		}
		tag, err := ParseTag(e.Tag)
		if err != nil {
			return nil, fmt.Errorf("measurements[%d].tag: %w", i, err)
		}
		measuredAt, err := measuredAtOr(e.MeasuredAt, p.AsOf)
		if err != nil {
			return nil, fmt.Errorf("measurements[%d].measured_at: %w", i, err)
		}
		out = append(out, Measurement{
			Ref:        ref,
			Value:      value,
			MeasuredAt: measuredAt,
			Tag:        tag,
			Source:     p.Name(),
		})
	}
	return out, nil
}

// MonitoringProvider loads measurements from a JSON report exported by monitoring systems.
type MonitoringProvider struct {
	ReportPath string
	AsOf       time.Time
}

func (p *MonitoringProvider) Name() string { return "monitoring" }

type monitoringReport struct {
	Measurements []monitoringEntry `json:"measurements"`
}

type monitoringEntry struct {
	Kind       string          `json:"kind"`
	ID         string          `json:"id"`
	Value      decimal.Decimal `json:"value"`
	MeasuredAt string          `json:"measured_at,omitempty"`
	Tag        string          `json:"tag,omitempty"`
}

func (p *MonitoringProvider) Collect(ctx context.Context) ([]Measurement, error) {
	_ = ctx

	data, err := os.ReadFile(p.ReportPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read monitoring report: %w", err)
	}

	var report monitoringReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse monitoring report: %w", err)
	}

	out := make([]Measurement, 0, len(report.Measurements))
	for i, e := range report.Measurements {
		ref, err := refFromKind(e.Kind, e.ID)
		if err != nil {
			return nil, fmt.Errorf("measurements[%d]: %w", i, err)
		}
		tag, err := ParseTag(e.Tag)
		if err != nil {
			return nil, fmt.Errorf("measurements[%d].tag: %w", i, err)
		}
		measuredAt, err := measuredAtOr(e.MeasuredAt, p.AsOf)
		if err != nil {
			return nil, fmt.Errorf("measurements[%d].measured_at: %w", i, err)
		}
		out = append(out, Measurement{
			Ref:        ref,
			Value:      e.Value,
			MeasuredAt: measuredAt,
			Tag:        tag,
			Source:     p.Name(),
		})
	}
	return out, nil
}

// CollectAll runs providers and merges their measurements in a deterministic order.
func CollectAll(ctx context.Context, providers []Provider) ([]Measurement, error) {
	var all []Measurement
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		ms, err := provider.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s provider: %w", provider.Name(), err)
		}
		all = append(all, ms...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Ref.Kind != b.Ref.Kind {
			return a.Ref.Kind < b.Ref.Kind
		}
		if a.Ref.ID != b.Ref.ID {
			return a.Ref.ID < b.Ref.ID
		}
		if !a.MeasuredAt.Equal(b.MeasuredAt) {
			return a.MeasuredAt.Before(b.MeasuredAt)
		}
		return a.Source < b.Source
	})
	return all, nil
}

func refFromKind(kind, id string) (hierarchy.Ref, error) {
	k, err := hierarchy.ParseKind(kind)
	if err != nil {
		return hierarchy.Ref{}, err
	}
	ref := hierarchy.Ref{Kind: k, ID: strings.TrimSpace(id)}
	if err := ValidateRef(ref); err != nil {
		return hierarchy.Ref{}, err
	}
	return ref, nil
}

func measuredAtOr(value string, asOf time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if asOf.IsZero() {
			return time.Time{}, fmt.Errorf("measured_at is required")
		}
		return asOf.UTC(), nil
	}
	return ParseTime(value)
}

// ParseTime accepts RFC3339 timestamps or plain dates.
func ParseTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be ISO-8601 date or datetime: %q", value)
	}
	return ts, nil
}
