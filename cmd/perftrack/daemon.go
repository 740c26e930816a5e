package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"perftrack/internal/daemon"
	"perftrack/internal/engine"
)

func newDaemonCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and inspect the recompute daemon",
	}
	cmd.AddCommand(
		newDaemonRunCommand(c),
		newDaemonStatusCommand(c),
		newDaemonEnqueueCommand(c),
	)
	return cmd
}

func newDaemonRunCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the hierarchy and run queued recomputes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			if err := c.ws.EnsureDirs(); err != nil {
				return err
			}
			dc := c.cfg.Daemon

			d, err := daemon.New(daemon.Config{
				Workspace:     c.ws,
				StorePath:     c.ws.StateDBPath,
				TimeZone:      dc.TimeZone,
				NightlyHour:   dc.NightlyHour,
				Workers:       c.cfg.Engine.Workers,
				LeaseFor:      dc.LeaseFor,
				PollInterval:  dc.PollInterval,
				WatchDebounce: dc.WatchDebounce,
				MetricsAddr:   dc.MetricsAddr,
				Logger:        c.logger,
			})
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			defer d.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Starting daemon for workspace: %s\n", c.ws.Root)
			fmt.Fprintf(cmd.OutOrStdout(), "Poll interval: %s, Lease: %s, Nightly recompute: %02d:00 %s\n",
				dc.PollInterval, dc.LeaseFor, dc.NightlyHour, dc.TimeZone)
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().Duration("poll", time.Second, "Poll interval for checking jobs")
	cmd.Flags().Duration("lease", 30*time.Second, "Lease duration for claimed jobs")
	cmd.Flags().String("tz", "UTC", "Timezone for the nightly recompute")
	cmd.Flags().Int("nightly-hour", 2, "Hour of the nightly full recompute")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	_ = c.v.BindPFlag("daemon.poll_interval", cmd.Flags().Lookup("poll"))
	_ = c.v.BindPFlag("daemon.lease_for", cmd.Flags().Lookup("lease"))
	_ = c.v.BindPFlag("daemon.time_zone", cmd.Flags().Lookup("tz"))
	_ = c.v.BindPFlag("daemon.nightly_hour", cmd.Flags().Lookup("nightly-hour"))
	_ = c.v.BindPFlag("daemon.metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

func newDaemonStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show running, queued and recently completed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			store, err := daemon.Open(c.ws.StateDBPath)
			if err != nil {
				return fmt.Errorf("open daemon store: %w", err)
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			running, err := store.ListRunning()
			if err != nil {
				return fmt.Errorf("list running jobs: %w", err)
			}
			fmt.Fprintf(out, "Running jobs: %d\n", len(running))
			for _, job := range running {
				fmt.Fprintf(out, "  %s [%s %s] started=%s lease_expires=%s\n",
					job.ID, job.Type, job.ScopeKey, formatOptional(job.StartedAt), formatOptional(job.LeaseExpiresAt))
			}
			fmt.Fprintln(out)

			queued, err := store.ListQueued(10)
			if err != nil {
				return fmt.Errorf("list queued jobs: %w", err)
			}
			fmt.Fprintf(out, "Queued jobs (next %d):\n", len(queued))
			for _, job := range queued {
				fmt.Fprintf(out, "  %s [%s %s] scheduled=%s\n",
					job.ID, job.Type, job.ScopeKey, job.ScheduledAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out)

			completed, err := store.ListRecentCompleted(5)
			if err != nil {
				return fmt.Errorf("list completed jobs: %w", err)
			}
			fmt.Fprintf(out, "Recent completed jobs (last %d):\n", len(completed))
			for _, job := range completed {
				fmt.Fprintf(out, "  %s [%s %s] status=%s finished=%s\n",
					job.ID, job.Type, job.ScopeKey, job.Status, formatOptional(job.FinishedAt))
				if job.ResultJSON != "" {
					fmt.Fprintf(out, "    result: %s\n", job.ResultJSON)
				}
			}
			return nil
		},
	}
}

func newDaemonEnqueueCommand(c *cli) *cobra.Command {
	var (
		scopeKind string
		scopeID   string
		at        string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a recompute job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			scope, err := engine.ParseScope(scopeKind, scopeID)
			if err != nil {
				return err
			}
			scheduledAt, err := parseInstant(at)
			if err != nil {
				return fmt.Errorf("parse --at: %w", err)
			}

			store, err := daemon.Open(c.ws.StateDBPath)
			if err != nil {
				return fmt.Errorf("open daemon store: %w", err)
			}
			defer store.Close()

			triggers := &daemon.Triggers{Store: store, Logger: c.logger}
			jobID, created, err := triggers.Enqueue(scope, scheduledAt)
			if err != nil {
				return fmt.Errorf("enqueue job: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job: %s\n", jobID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Job already exists: %s\n", jobID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeKind, "scope", "full", "Scope: full, pi, ri, sf or objective")
	cmd.Flags().StringVar(&scopeID, "id", "", "Entity id for a partial scope")
	cmd.Flags().StringVar(&at, "at", "", "Scheduled time, RFC3339 or YYYY-MM-DD (default: now)")
	return cmd
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
