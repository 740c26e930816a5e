package daemon

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"perftrack/internal/engine"
	"perftrack/internal/hierarchy"
	"perftrack/internal/logging"
)

// Triggers turn domain events into queued recompute jobs. They never run a
// pass themselves.
type Triggers struct {
	Store  *Store
	Logger *zap.Logger
	Now    func() time.Time
}

// OnMeasurementCreated queues a partial recompute covering ref and its ancestors.
func (t *Triggers) OnMeasurementCreated(ref hierarchy.Ref) (string, error) {
	scope, err := engine.ScopeFor(ref)
	if err != nil {
		return "", err
	}
	return t.enqueue(scope, TriggerMeasurement, ref)
}

// OnHierarchyChanged queues a full recompute. ref may be zero when only the
// directory is known to have changed.
func (t *Triggers) OnHierarchyChanged(ref hierarchy.Ref) (string, error) {
	return t.enqueue(engine.FullScope(), TriggerHierarchyChanged, ref)
}

// Enqueue queues scope for a manual run.
func (t *Triggers) Enqueue(scope engine.Scope, at time.Time) (string, bool, error) {
	payload := RecomputePayload{Scope: scope, Trigger: TriggerManual}
	return t.Store.EnqueueUnique(JobRecompute, at, scope.Key(), payload)
}

func (t *Triggers) enqueue(scope engine.Scope, trigger string, ref hierarchy.Ref) (string, error) {
	if t == nil || t.Store == nil {
		return "", fmt.Errorf("triggers have no job store")
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	payload := RecomputePayload{Scope: scope, Trigger: trigger}
	if !ref.IsZero() {
		payload.Source = ref.String()
	}
	id, created, err := t.Store.EnqueueUnique(JobRecompute, now(), scope.Key(), payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s recompute: %w", trigger, err)
	}
	logging.OrNop(t.Logger).Debug("recompute queued",
		zap.String("job_id", id),
		zap.String("scope", scope.Key()),
		zap.String("trigger", trigger),
		zap.Bool("created", created),
	)
	return id, nil
}
