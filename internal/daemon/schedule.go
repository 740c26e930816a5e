package daemon

import (
	"fmt"
	"time"

	"perftrack/internal/engine"
)

const watermarkKey = "scheduler_watermark"

// Scheduler enqueues recurring jobs. Time-elapsed progress drifts daily, so a
// full recompute runs every night even when nothing was measured.
type Scheduler struct {
	store       *Store
	location    *time.Location
	nightlyHour int
}

// NewScheduler creates a scheduler for the given timezone and nightly hour.
func NewScheduler(store *Store, tzName string, nightlyHour int) (*Scheduler, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", tzName, err)
	}
	if nightlyHour < 0 || nightlyHour > 23 {
		return nil, fmt.Errorf("nightly hour out of range: %d", nightlyHour)
	}
	return &Scheduler{
		store:       store,
		location:    loc,
		nightlyHour: nightlyHour,
	}, nil
}

// Tick enqueues every nightly recompute whose slot lies in (watermark, now].
// The first tick only records the watermark.
func (s *Scheduler) Tick(now time.Time) error {
	watermarkStr, err := s.store.GetKV(watermarkKey)
	if err != nil {
		return fmt.Errorf("get scheduler watermark: %w", err)
	}

	if watermarkStr == "" {
		if err := s.store.SetKV(watermarkKey, formatTime(now)); err != nil {
			return fmt.Errorf("set initial watermark: %w", err)
		}
		return nil
	}
	lastWatermark, err := time.Parse(time.RFC3339Nano, watermarkStr)
	if err != nil {
		return fmt.Errorf("parse watermark: %w", err)
	}

	if err := s.scheduleDailyAt(lastWatermark, now, JobRecompute, s.nightlyHour, 0); err != nil {
		return fmt.Errorf("schedule nightly recompute: %w", err)
	}

	if err := s.store.SetKV(watermarkKey, formatTime(now)); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

func (s *Scheduler) scheduleDailyAt(lastWatermark, now time.Time, jobType string, hour, minute int) error {
	local := lastWatermark.In(s.location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)

	for ; !day.After(now); day = day.AddDate(0, 0, 1) {
		scheduledTime := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, s.location)
		if !scheduledTime.After(lastWatermark) || scheduledTime.After(now) {
			continue
		}
		payload := RecomputePayload{
			Scope:   engine.FullScope(),
			Trigger: TriggerNightly,
		}
		if _, _, err := s.store.EnqueueUnique(jobType, scheduledTime, payload.Scope.Key(), payload); err != nil {
			return fmt.Errorf("enqueue %s at %s: %w", jobType, scheduledTime, err)
		}
	}
	return nil
}
