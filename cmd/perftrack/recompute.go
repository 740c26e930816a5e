package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"perftrack/internal/daemon"
	"perftrack/internal/engine"
	"perftrack/internal/hierarchy"
)

func newValidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check hierarchy documents and report inconsistencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			snap, err := hierarchy.LoadFromDir(c.ws.HierarchyDir)
			if err != nil {
				var ves hierarchy.ValidationErrors
				if errors.As(err, &ves) {
					for _, ve := range ves {
						fmt.Fprintln(out, ve.Error())
					}
					return fmt.Errorf("hierarchy invalid: %d problem(s)", len(ves))
				}
				return err
			}

			res, err := c.newEngine().Recompute(cmd.Context(), &engine.Input{Hierarchy: snap}, engine.FullScope(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Hierarchy OK: %d departments, %d objectives, %d success factors, %d indicators\n",
				len(snap.DepartmentIDs()), len(snap.ObjectiveIDs()), len(snap.SuccessFactorIDs()),
				len(snap.ResultIndicatorIDs())+len(snap.PerformanceIndicatorIDs()))
			printIssues(out, res.Issues)
			return nil
		},
	}
}

func newRecomputeCommand(c *cli) *cobra.Command {
	var (
		scopeKind string
		scopeID   string
		nowFlag   string
		dryRun    bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute statuses, progress and department scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			scope, err := engine.ParseScope(scopeKind, scopeID)
			if err != nil {
				return err
			}
			now, err := parseInstant(nowFlag)
			if err != nil {
				return fmt.Errorf("parse --now: %w", err)
			}

			env, closeEnv, err := c.env()
			if err != nil {
				return err
			}
			defer closeEnv()

			result, err := env.Recompute(cmd.Context(), daemon.RecomputeRequest{
				Scope:   scope,
				Now:     now,
				Trigger: daemon.TriggerManual,
				DryRun:  dryRun,
			})
			if engine.IsRetryable(err) {
				return fmt.Errorf("%w; run recompute again", err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result.Result)
			}
			if dryRun {
				if result.Diff == "" {
					fmt.Fprintln(out, "No derived fields would change.")
				} else {
					fmt.Fprint(out, result.Diff)
				}
				return nil
			}
			printSummary(out, result)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeKind, "scope", "full", "Scope: full, pi, ri, sf or objective")
	cmd.Flags().StringVar(&scopeID, "id", "", "Entity id for a partial scope")
	cmd.Flags().StringVar(&nowFlag, "now", "", "Evaluation instant, RFC3339 or YYYY-MM-DD (default: now)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the derived-field diff without writing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}

func printSummary(w io.Writer, out *daemon.RecomputeOutcome) {
	res := out.Result
	fmt.Fprintf(w, "Recomputed %s at %s\n", res.Scope.Key(), res.Now.Format(time.RFC3339))
	fmt.Fprintf(w, "  indicators: %d, success factors: %d, objectives: %d, departments: %d\n",
		len(res.Indicators), len(res.SuccessFactors), len(res.Objectives), len(res.Departments))
	if len(out.Files) == 0 {
		fmt.Fprintln(w, "  no hierarchy files changed")
	}
	for _, f := range out.Files {
		fmt.Fprintf(w, "  wrote %s\n", f)
	}
	if out.ReportPath != "" {
		fmt.Fprintf(w, "  report %s\n", out.ReportPath)
	}
	printIssues(w, res.Issues)
}

func printIssues(w io.Writer, issues []engine.Issue) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(w, "Issues (%d):\n", len(issues))
	for _, issue := range issues {
		fmt.Fprintf(w, "  [%s] %s: %s\n", issue.Kind, issue.Ref, issue.Message)
	}
}
