package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perftrack/internal/audit"
	"perftrack/internal/daemon"
	"perftrack/internal/hierarchy"
	"perftrack/internal/measurement"
)

type targetFlags struct {
	pi string
	ri string
	sf string
}

func (t *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.pi, "pi", "", "Performance indicator id")
	cmd.Flags().StringVar(&t.ri, "ri", "", "Result indicator id")
	cmd.Flags().StringVar(&t.sf, "sf", "", "Success factor id")
}

func (t *targetFlags) ref() (hierarchy.Ref, error) {
	return measurement.RefFromFields(t.pi, t.ri, t.sf)
}

func newMeasureCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Record and inspect measurements",
	}
	cmd.AddCommand(
		newMeasureAddCommand(c),
		newMeasureImportCommand(c),
		newMeasureListCommand(c),
		newMeasureCorrectCommand(c),
	)
	return cmd
}

// session bundles the stores measure commands write to.
type session struct {
	ms       *measurement.Store
	jobs     *daemon.Store
	triggers *daemon.Triggers
	audit    *audit.Logger
}

func (c *cli) openSession() (*session, func(), error) {
	ms, err := measurement.Open(c.ws.MeasurementsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open measurements: %w", err)
	}
	jobs, err := daemon.Open(c.ws.StateDBPath)
	if err != nil {
		_ = ms.Close()
		return nil, nil, fmt.Errorf("open daemon store: %w", err)
	}
	s := &session{
		ms:       ms,
		jobs:     jobs,
		triggers: &daemon.Triggers{Store: jobs, Logger: c.logger},
		audit:    c.auditLogger(),
	}
	return s, func() {
		_ = jobs.Close()
		_ = ms.Close()
	}, nil
}

// recorded audits m and queues a partial recompute for its target.
func (c *cli) recorded(s *session, eventType string, m measurement.Measurement, trigger bool) {
	if err := s.audit.LogEvent("cli", eventType, map[string]any{
		"id":          m.ID,
		"ref":         m.Ref.String(),
		"value":       m.Value.String(),
		"measured_at": m.MeasuredAt.Format(time.RFC3339),
		"tag":         m.Tag,
		"source":      m.Source,
	}); err != nil {
		c.logger.Warn("audit log failed", zap.Error(err))
	}
	if !trigger || !m.Tag.CountsAsActual() {
		return
	}
	if _, err := s.triggers.OnMeasurementCreated(m.Ref); err != nil {
		c.logger.Warn("queue recompute", zap.String("ref", m.Ref.String()), zap.Error(err))
	}
}

func newMeasureAddCommand(c *cli) *cobra.Command {
	var (
		target    targetFlags
		value     string
		at        string
		tag       string
		source    string
		noTrigger bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a measurement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			ref, err := target.ref()
			if err != nil {
				return err
			}
			v, err := decimal.NewFromString(value)
			if err != nil {
				return fmt.Errorf("parse --value: %w", err)
			}
			measuredAt, err := parseInstant(at)
			if err != nil {
				return fmt.Errorf("parse --at: %w", err)
			}
			t, err := measurement.ParseTag(tag)
			if err != nil {
				return err
			}

			s, closeSession, err := c.openSession()
			if err != nil {
				return err
			}
			defer closeSession()

			m, err := s.ms.Append(cmd.Context(), measurement.Measurement{
				Ref:        ref,
				Value:      v,
				MeasuredAt: measuredAt,
				Tag:        t,
				Source:     source,
			})
			if err != nil {
				return err
			}
			c.recorded(s, audit.EventMeasurementRecorded, m, !noTrigger)
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s = %s for %s (%s)\n", m.ID, m.Value, m.Ref, m.Tag)
			return nil
		},
	}
	target.register(cmd)
	cmd.Flags().StringVar(&value, "value", "", "Measured value (decimal)")
	cmd.Flags().StringVar(&at, "at", "", "Measurement date, RFC3339 or YYYY-MM-DD (default: now)")
	cmd.Flags().StringVar(&tag, "tag", "actual", "Tag: actual, target, expected, threshold, not_set")
	cmd.Flags().StringVar(&source, "source", "cli", "Source label stored with the measurement")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "Do not queue a recompute")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newMeasureImportCommand(c *cli) *cobra.Command {
	var (
		manualPath     string
		monitoringPath string
		asOf           string
		noTrigger      bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import measurements from a manual YAML file and/or a monitoring JSON export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			if manualPath == "" && monitoringPath == "" {
				return fmt.Errorf("one of --manual or --monitoring is required")
			}
			stamp, err := parseInstant(asOf)
			if err != nil {
				return fmt.Errorf("parse --as-of: %w", err)
			}

			var providers []measurement.Provider
			if manualPath != "" {
				path, err := c.ws.ResolvePath(manualPath)
				if err != nil {
					return err
				}
				providers = append(providers, &measurement.ManualProvider{Path: path, AsOf: stamp})
			}
			if monitoringPath != "" {
				path, err := c.ws.ResolvePath(monitoringPath)
				if err != nil {
					return err
				}
				providers = append(providers, &measurement.MonitoringProvider{ReportPath: path, AsOf: stamp})
			}

			collected, err := measurement.CollectAll(cmd.Context(), providers)
			if err != nil {
				return err
			}

			s, closeSession, err := c.openSession()
			if err != nil {
				return err
			}
			defer closeSession()

			created := 0
			for _, m := range collected {
				stored, isNew, err := s.ms.AppendUnique(cmd.Context(), m)
				if err != nil {
					return err
				}
				if !isNew {
					continue
				}
				created++
				c.recorded(s, audit.EventMeasurementRecorded, stored, !noTrigger)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new measurement(s), %d already present\n", created, len(collected)-created)
			return nil
		},
	}
	cmd.Flags().StringVar(&manualPath, "manual", "", "Manual measurements YAML file")
	cmd.Flags().StringVar(&monitoringPath, "monitoring", "", "Monitoring export JSON file")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Date for entries without measured_at (default: now)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "Do not queue recomputes")
	return cmd
}

func newMeasureListCommand(c *cli) *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List measurements, optionally for one target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			ms, err := measurement.Open(c.ws.MeasurementsPath)
			if err != nil {
				return err
			}
			defer ms.Close()

			var list []measurement.Measurement
			if target.pi == "" && target.ri == "" && target.sf == "" {
				list, err = ms.All(cmd.Context())
			} else {
				ref, refErr := target.ref()
				if refErr != nil {
					return refErr
				}
				list, err = ms.List(cmd.Context(), ref)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTARGET\tVALUE\tMEASURED\tTAG\tSOURCE\tCORRECTED")
			for _, m := range list {
				corrected := ""
				if m.CorrectedAt != nil {
					corrected = m.CorrectedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.Ref, m.Value, m.MeasuredAt.Format(time.RFC3339), m.Tag, m.Source, corrected)
			}
			return tw.Flush()
		},
	}
	target.register(cmd)
	return cmd
}

func newMeasureCorrectCommand(c *cli) *cobra.Command {
	var (
		value     string
		noTrigger bool
	)
	cmd := &cobra.Command{
		Use:   "correct <id>",
		Short: "Correct the value of a recorded measurement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			v, err := decimal.NewFromString(value)
			if err != nil {
				return fmt.Errorf("parse --value: %w", err)
			}

			s, closeSession, err := c.openSession()
			if err != nil {
				return err
			}
			defer closeSession()

			m, err := s.ms.Correct(cmd.Context(), args[0], v)
			if err != nil {
				return err
			}
			c.recorded(s, audit.EventMeasurementCorrected, m, !noTrigger)
			fmt.Fprintf(cmd.OutOrStdout(), "Corrected %s = %s\n", m.ID, m.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Corrected value (decimal)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "Do not queue a recompute")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}
