package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perftrack/internal/audit"
	"perftrack/internal/engine"
	"perftrack/internal/logging"
	"perftrack/internal/measurement"
	"perftrack/internal/workspace"
)

// Daemon is a long-running process that claims and executes recompute jobs.
type Daemon struct {
	Env          *Env
	Store        *Store
	Scheduler    *Scheduler
	Triggers     *Triggers
	Watcher      *Watcher
	Handlers     map[string]HandlerFunc
	Registry     *prometheus.Registry
	LeaseOwner   string
	LeaseFor     time.Duration
	PollInterval time.Duration
	MetricsAddr  string

	measurements *measurement.Store
	logger       *zap.Logger
}

// Config holds daemon configuration.
type Config struct {
	Workspace     *workspace.Workspace
	StorePath     string
	TimeZone      string
	NightlyHour   int
	Workers       int
	LeaseOwner    string
	LeaseFor      time.Duration
	PollInterval  time.Duration
	WatchDebounce time.Duration
	MetricsAddr   string
	Logger        *zap.Logger
	// Registry receives the engine collectors. Nil creates a private registry.
	Registry *prometheus.Registry
}

// New opens the job and measurement stores and wires the default handlers.
func New(cfg Config) (*Daemon, error) {
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.StorePath == "" {
		cfg.StorePath = cfg.Workspace.StateDBPath
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	if cfg.LeaseOwner == "" {
		hostname, _ := os.Hostname()
		cfg.LeaseOwner = fmt.Sprintf("daemon-%s-%d", hostname, os.Getpid())
	}
	if cfg.LeaseFor == 0 {
		cfg.LeaseFor = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	logger := logging.OrNop(cfg.Logger).Named("daemon")

	store, err := Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	scheduler, err := NewScheduler(store, cfg.TimeZone, cfg.NightlyHour)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ms, err := measurement.Open(cfg.Workspace.MeasurementsPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open measurements: %w", err)
	}

	env := &Env{
		Workspace:    cfg.Workspace,
		Store:        store,
		Measurements: ms,
		Engine: engine.New(engine.Options{
			Logger:  logger.Named("engine"),
			Workers: cfg.Workers,
			Metrics: engine.MustNewMetrics(cfg.Registry),
		}),
		Audit:  audit.NewLogger(cfg.Workspace.AuditDBPath),
		Logger: logger,
	}
	triggers := &Triggers{Store: store, Logger: logger}

	d := &Daemon{
		Env:       env,
		Store:     store,
		Scheduler: scheduler,
		Triggers:  triggers,
		Watcher: &Watcher{
			Dir:      cfg.Workspace.HierarchyDir,
			Debounce: cfg.WatchDebounce,
			Store:    store,
			Triggers: triggers,
			Logger:   logger.Named("watch"),
		},
		Handlers:     DefaultHandlers(),
		Registry:     cfg.Registry,
		LeaseOwner:   cfg.LeaseOwner,
		LeaseFor:     cfg.LeaseFor,
		PollInterval: cfg.PollInterval,
		MetricsAddr:  cfg.MetricsAddr,
		measurements: ms,
		logger:       logger,
	}
	return d, nil
}

// RegisterHandler registers a handler for a specific job type.
func (d *Daemon) RegisterHandler(jobType string, handler HandlerFunc) {
	d.Handlers[jobType] = handler
}

// Run starts the watcher, the metrics endpoint and the job loop, and blocks
// until ctx is done or the process receives SIGINT or SIGTERM.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Env.Audit.LogEvent("daemon", audit.EventDaemonStarted, map[string]any{
		"workspace":     d.Env.Workspace.Root,
		"lease_owner":   d.LeaseOwner,
		"lease_for":     d.LeaseFor.String(),
		"poll_interval": d.PollInterval.String(),
	}); err != nil {
		d.logger.Warn("audit log failed", zap.Error(err))
	}
	d.logger.Info("daemon started",
		zap.String("workspace", d.Env.Workspace.Root),
		zap.String("lease_owner", d.LeaseOwner),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.Watcher.Run(gctx); err != nil {
			d.logger.Warn("hierarchy watcher stopped", zap.Error(err))
		}
		return nil
	})

	if d.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              d.MetricsAddr,
			Handler:           d.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info("serving metrics", zap.String("addr", d.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return d.loop(gctx)
	})

	err := g.Wait()
	_ = d.Env.Audit.LogEvent("daemon", audit.EventDaemonStopped, map[string]any{
		"workspace": d.Env.Workspace.Root,
	})
	d.logger.Info("daemon stopped")
	return err
}

func (d *Daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{Registry: d.Registry}))
	return mux
}

func (d *Daemon) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx, time.Now()); err != nil {
				d.logger.Warn("daemon tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one iteration of the loop: lease recovery, scheduling and at most one job.
func (d *Daemon) Tick(ctx context.Context, now time.Time) error {
	if n, err := d.Store.RequeueExpired(now); err != nil {
		d.logger.Warn("requeue expired jobs", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("requeued jobs with expired lease", zap.Int64("count", n))
	}
	if err := d.Scheduler.Tick(now); err != nil {
		d.logger.Warn("scheduler tick failed", zap.Error(err))
	}
	return d.claimAndExecute(ctx, now)
}

func (d *Daemon) claimAndExecute(ctx context.Context, now time.Time) error {
	job, err := d.Store.ClaimNext(now, d.LeaseOwner, d.LeaseFor)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil
	}

	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.String("scope", job.ScopeKey))
	logger.Info("job started")

	handler, ok := d.Handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type: %s", job.Type)
		d.fail(job, err)
		return err
	}

	result, execErr := handler(ctx, d.Env, job)
	if execErr != nil {
		d.fail(job, execErr)
		return execErr
	}

	if err := d.Store.Succeed(job.ID, result); err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	logger.Info("job succeeded", zap.Any("result", result))
	return nil
}

func (d *Daemon) fail(job *Job, err error) {
	if markErr := d.Store.Fail(job.ID, err); markErr != nil {
		d.logger.Warn("mark job failed", zap.String("job_id", job.ID), zap.Error(markErr))
	}
	_ = d.Env.Audit.LogEvent("daemon", audit.EventJobFailed, map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"scope":    job.ScopeKey,
		"error":    err.Error(),
	})
	d.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Error(err))
}

// Close closes the daemon's stores.
func (d *Daemon) Close() error {
	return errors.Join(d.measurements.Close(), d.Store.Close())
}
