package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"perftrack/internal/audit"
	"perftrack/internal/workspace"
)

func newInitCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspace.ResolveRoot(c.v.GetString("workspace"))
			if errors.Is(err, workspace.ErrNoRoot) {
				return fmt.Errorf("--workspace is required (or set %s)", workspace.EnvRoot)
			}
			if err != nil {
				return err
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return fmt.Errorf("create workspace root: %w", err)
			}
			if err := c.load(); err != nil {
				return err
			}
			ws := c.ws
			if err := ws.EnsureDirs(); err != nil {
				return err
			}

			seeds := []struct {
				path     string
				contents string
			}{
				{ws.ConfigPath, configTemplate},
				{filepath.Join(ws.HierarchyDir, "org.yml"), orgTemplate},
				{filepath.Join(ws.HierarchyDir, "indicators.yml"), indicatorsTemplate},
			}
			var written []string
			for _, seed := range seeds {
				created, err := writeFileIfMissing(seed.path, seed.contents)
				if err != nil {
					return err
				}
				if created {
					written = append(written, seed.path)
				}
			}

			if err := c.auditLogger().LogEvent("cli", audit.EventWorkspaceInit, map[string]any{
				"workspace": ws.Root,
				"written":   written,
			}); err != nil {
				c.logger.Warn("audit log failed")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized workspace: %s\n", ws.Root)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintf(out, "  %s measure add --workspace %s --pi PI-1 --value 42\n", appName, ws.Root)
			fmt.Fprintf(out, "  %s recompute --workspace %s\n", appName, ws.Root)
			fmt.Fprintf(out, "  %s report departments --workspace %s\n", appName, ws.Root)
			return nil
		},
	}
}

func writeFileIfMissing(path string, contents string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("ensure dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

const configTemplate = `log:
  level: info
  format: console
engine:
  workers: 4
daemon:
  time_zone: UTC
  nightly_hour: 2
  poll_interval: 1s
  lease_for: 30s
  watch_debounce: 250ms
  metrics_addr: ""
`

const orgTemplate = `departments:
  - id: D-ORG
    name: Organization
objectives:
  - id: O-1
    code: OBJ-1
    title: Establish a performance baseline
    department_id: D-ORG
    start_date: 2024-01-01
    target_date: 2024-12-31
success_factors:
  - id: SF-1
    title: Baseline indicators are measured
    objective_id: O-1
    start_date: 2024-01-01
    target_date: 2024-12-31
`

const indicatorsTemplate = `result_indicators:
  - id: RI-1
    title: Indicators with a recorded value
    success_factor_id: SF-1
    target_value: 100
    unit: percent
performance_indicators:
  - id: PI-1
    title: Weekly measurements recorded
    result_indicator_id: RI-1
    department_id: D-ORG
    target_value: 40
    min_alert_threshold: 30
    measurement_direction: higher_is_better
`
