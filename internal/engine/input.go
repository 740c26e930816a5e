package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perftrack/internal/hierarchy"
	"perftrack/internal/measurement"
)

// MeasurementSource supplies the effective measurement per target.
type MeasurementSource interface {
	LatestActual(ctx context.Context) (map[hierarchy.Ref]measurement.Measurement, error)
}

// Input is the consistent snapshot one pass reads. It is never re-read mid-pass.
type Input struct {
	Hierarchy *hierarchy.Snapshot
	Latest    map[hierarchy.Ref]measurement.Measurement
}

// ReadInput loads the hierarchy from dir and the latest measurements from src.
// A nil src means no measurements.
func ReadInput(ctx context.Context, dir string, src MeasurementSource) (*Input, error) {
	snap, err := hierarchy.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load hierarchy: %w", err)
	}
	latest := map[hierarchy.Ref]measurement.Measurement{}
	if src != nil {
		if latest, err = src.LatestActual(ctx); err != nil {
			return nil, fmt.Errorf("load measurements: %w", err)
		}
	}
	return &Input{Hierarchy: snap, Latest: latest}, nil
}

type currentValue struct {
	value      decimal.NullDecimal
	measuredAt *time.Time
}

// current prefers the latest measurement and falls back to the authored value.
func (in *Input) current(ref hierarchy.Ref, authored *float64) currentValue {
	if m, ok := in.Latest[ref]; ok {
		at := m.MeasuredAt
		return currentValue{value: decimal.NewNullDecimal(m.Value), measuredAt: &at}
	}
	return currentValue{value: nullDecimal(authored)}
}
