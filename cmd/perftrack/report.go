package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"perftrack/internal/daemon"
	"perftrack/internal/engine"
	"perftrack/internal/report"
)

func newReportCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show reports",
	}
	cmd.AddCommand(newReportDepartmentsCommand(c))
	return cmd
}

func newReportDepartmentsCommand(c *cli) *cobra.Command {
	var (
		latest  bool
		nowFlag string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "departments",
		Short: "Rank departments by share of on-target indicators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}

			var rep report.Departments
			if latest {
				path, err := report.LatestPath(c.ws.ReportsDir)
				if err != nil {
					return err
				}
				loaded, err := report.Load(path)
				if err != nil {
					return err
				}
				rep = *loaded
			} else {
				now, err := parseInstant(nowFlag)
				if err != nil {
					return fmt.Errorf("parse --now: %w", err)
				}
				env, closeEnv, err := c.env()
				if err != nil {
					return err
				}
				defer closeEnv()
				out, err := env.Recompute(cmd.Context(), daemon.RecomputeRequest{
					Scope:  engine.FullScope(),
					Now:    now,
					DryRun: true,
				})
				if err != nil {
					return err
				}
				rep = report.FromResult(out.Result, out.Fingerprint)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Department performance as of %s\n", rep.AsOf)
			return report.Render(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "Show the last report written by a full recompute")
	cmd.Flags().StringVar(&nowFlag, "now", "", "Evaluation instant when computing fresh (default: now)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
