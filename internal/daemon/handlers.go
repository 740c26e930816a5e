package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perftrack/internal/audit"
	"perftrack/internal/engine"
	"perftrack/internal/hierarchy"
	"perftrack/internal/logging"
	"perftrack/internal/report"
	"perftrack/internal/workspace"
)

// JobRecompute is the only job type the daemon runs.
const JobRecompute = "recompute"

// Trigger names recorded on recompute jobs.
const (
	TriggerNightly          = "nightly"
	TriggerMeasurement      = "measurement_created"
	TriggerHierarchyChanged = "hierarchy_changed"
	TriggerManual           = "manual"
	TriggerStaleRetry       = "stale_retry"
)

const (
	fingerprintKey  = "hierarchy_fingerprint"
	maxStaleRetries = 3
	staleRetryDelay = 2 * time.Second
)

// HandlerFunc is the function signature for job handlers.
type HandlerFunc func(ctx context.Context, env *Env, job *Job) (any, error)

// DefaultHandlers returns the map of built-in daemon handlers.
func DefaultHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		JobRecompute: handleRecompute,
	}
}

// Env is everything a recompute needs. Store may be nil outside the daemon.
type Env struct {
	Workspace    *workspace.Workspace
	Store        *Store
	Measurements engine.MeasurementSource
	Engine       *engine.Engine
	Audit        *audit.Logger
	Logger       *zap.Logger
	Now          func() time.Time
}

// RecomputePayload is the JSON payload of a recompute job.
type RecomputePayload struct {
	Scope   engine.Scope `json:"scope"`
	Trigger string       `json:"trigger"`
	Source  string       `json:"source,omitempty"`
	Attempt int          `json:"attempt,omitempty"`
	// Now pins the evaluation instant, RFC3339. Empty means the time the job runs.
	Now string `json:"now,omitempty"`
}

// RecomputeRequest describes one recompute run.
type RecomputeRequest struct {
	Scope   engine.Scope
	Now     time.Time
	Trigger string
	Actor   string
	DryRun  bool
}

// RecomputeOutcome is what a run produced.
type RecomputeOutcome struct {
	Result      *engine.Result
	Files       []string
	Fingerprint string
	ReportPath  string
	Diff        string
}

func (env *Env) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

// Recompute reads a fresh snapshot, runs the engine and writes the derived
// fields back. Cancelled passes still write the units they completed. A
// concurrent edit of the hierarchy surfaces as hierarchy.ErrStaleSnapshot.
func (env *Env) Recompute(ctx context.Context, req RecomputeRequest) (*RecomputeOutcome, error) {
	logger := logging.OrNop(env.Logger)
	if req.Now.IsZero() {
		req.Now = env.now()
	}
	if req.Actor == "" {
		req.Actor = "cli"
	}

	in, err := engine.ReadInput(ctx, env.Workspace.HierarchyDir, env.Measurements)
	if err != nil {
		env.auditFailure(req, err)
		return nil, err
	}

	res, runErr := env.Engine.Recompute(ctx, in, req.Scope, req.Now)
	if runErr != nil && (res == nil || !res.Cancelled) {
		env.auditFailure(req, runErr)
		return nil, runErr
	}
	env.auditIssues(req, res.Issues)

	out := &RecomputeOutcome{Result: res, Fingerprint: in.Hierarchy.Fingerprint}
	derived := res.Derived()

	if req.DryRun {
		diff, err := hierarchy.DiffDerived(in.Hierarchy, derived)
		if err != nil {
			return out, fmt.Errorf("diff derived fields: %w", err)
		}
		out.Diff = diff
		return out, runErr
	}

	wr, err := hierarchy.WriteDerived(in.Hierarchy, derived)
	if err != nil {
		env.auditFailure(req, err)
		return out, fmt.Errorf("write derived fields: %w", err)
	}
	out.Files = wr.Files
	out.Fingerprint = wr.Fingerprint

	if env.Store != nil {
		if err := env.Store.SetKV(fingerprintKey, wr.Fingerprint); err != nil {
			logger.Warn("record hierarchy fingerprint", zap.Error(err))
		}
	}

	switch {
	case res.Cancelled:
	case res.Scope.Kind == engine.ScopeFull:
		out.ReportPath = report.PathForDate(env.Workspace.ReportsDir, res.Now)
		if err := report.Write(out.ReportPath, report.FromResult(res, wr.Fingerprint)); err != nil {
			return out, fmt.Errorf("write department report: %w", err)
		}
	case len(res.Departments) > 0:
		out.ReportPath, err = env.mergeDepartmentReport(res, wr.Fingerprint)
		if err != nil {
			return out, err
		}
	}

	if err := env.Audit.LogEvent(req.Actor, audit.EventRecompute, map[string]any{
		"scope":       res.Scope.Key(),
		"trigger":     req.Trigger,
		"now":         res.Now.Format(time.RFC3339),
		"indicators":  len(res.Indicators),
		"objectives":  len(res.Objectives),
		"departments": len(res.Departments),
		"issues":      len(res.Issues),
		"files":       wr.Files,
		"cancelled":   res.Cancelled,
		"fingerprint": wr.Fingerprint,
	}); err != nil {
		logger.Warn("audit log failed", zap.Error(err))
	}

	return out, runErr
}

// mergeDepartmentReport folds a partial pass into the latest department report.
// Without a full report to build on, or when that report is newer than the
// pass, nothing is written and the returned path is empty.
func (env *Env) mergeDepartmentReport(res *engine.Result, fingerprint string) (string, error) {
	latest, err := report.LatestPath(env.Workspace.ReportsDir)
	if errors.Is(err, report.ErrNoReports) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find department report: %w", err)
	}
	base, err := report.Load(latest)
	if err != nil {
		return "", fmt.Errorf("load department report: %w", err)
	}
	if base.AsOf > res.Now.Format("2006-01-02") {
		logging.OrNop(env.Logger).Debug("department report is newer than partial pass",
			zap.String("report", latest), zap.String("scope", res.Scope.Key()))
		return "", nil
	}

	path := report.PathForDate(env.Workspace.ReportsDir, res.Now)
	if err := report.Write(path, report.Merge(*base, res, fingerprint)); err != nil {
		return "", fmt.Errorf("write department report: %w", err)
	}
	return path, nil
}

func (env *Env) auditIssues(req RecomputeRequest, issues []engine.Issue) {
	for _, issue := range issues {
		payload := map[string]any{
			"scope":   req.Scope.Key(),
			"kind":    issue.Kind,
			"ref":     issue.Ref.String(),
			"message": issue.Message,
		}
		if !issue.Missing.IsZero() {
			payload["missing"] = issue.Missing.String()
		}
		if err := env.Audit.LogEvent(req.Actor, audit.EventHierarchyInconsistency, payload); err != nil {
			logging.OrNop(env.Logger).Warn("audit log failed", zap.Error(err))
			return
		}
	}
}

func (env *Env) auditFailure(req RecomputeRequest, err error) {
	payload := map[string]any{
		"scope":     req.Scope.Key(),
		"trigger":   req.Trigger,
		"error":     err.Error(),
		"retryable": engine.IsRetryable(err),
	}
	if auditErr := env.Audit.LogEvent(req.Actor, audit.EventRecomputeFailed, payload); auditErr != nil {
		logging.OrNop(env.Logger).Warn("audit log failed", zap.Error(auditErr))
	}
}

// handleRecompute runs the job's scope. A stale snapshot re-enqueues the
// same scope a bounded number of times instead of failing the job.
func handleRecompute(ctx context.Context, env *Env, job *Job) (any, error) {
	var payload RecomputePayload
	if job.PayloadJSON != "" && job.PayloadJSON != "{}" && job.PayloadJSON != "null" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}

	scope, err := engine.ParseScopeKey(job.ScopeKey)
	if err != nil {
		return nil, err
	}

	req := RecomputeRequest{Scope: scope, Trigger: payload.Trigger, Actor: "daemon"}
	if payload.Now != "" {
		req.Now, err = time.Parse(time.RFC3339, payload.Now)
		if err != nil {
			return nil, fmt.Errorf("parse now: %w", err)
		}
	}

	out, err := env.Recompute(ctx, req)
	if engine.IsRetryable(err) {
		if env.Store == nil || payload.Attempt+1 > maxStaleRetries {
			return nil, err
		}
		retry := payload
		retry.Scope = scope
		retry.Trigger = TriggerStaleRetry
		retry.Attempt = payload.Attempt + 1
		retryAt := env.now().Add(staleRetryDelay)
		id, _, enqErr := env.Store.EnqueueUnique(JobRecompute, retryAt, scope.Key(), retry)
		if enqErr != nil {
			return nil, errors.Join(err, enqErr)
		}
		return map[string]any{
			"status":   "requeued",
			"retry_id": id,
			"attempt":  retry.Attempt,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	res := out.Result
	return map[string]any{
		"status":      "done",
		"scope":       res.Scope.Key(),
		"indicators":  len(res.Indicators),
		"objectives":  len(res.Objectives),
		"departments": len(res.Departments),
		"issues":      len(res.Issues),
		"files":       out.Files,
		"report_path": out.ReportPath,
	}, nil
}
