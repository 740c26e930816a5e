package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"perftrack/internal/audit"
	"perftrack/internal/config"
	"perftrack/internal/daemon"
	"perftrack/internal/engine"
	"perftrack/internal/logging"
	"perftrack/internal/measurement"
	"perftrack/internal/workspace"
)

// cli carries state shared by every subcommand.
type cli struct {
	v *viper.Viper

	ws     *workspace.Workspace
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Indicator hierarchy status and progress rollups",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().String("workspace", "", "Path to workspace root (env PERFTRACK_WORKSPACE)")
	root.PersistentFlags().String("config", "", "Config file (env PERFTRACK_CONFIG, default: <workspace>/perftrack.yml)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: console or json")
	_ = c.v.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	_ = c.v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = c.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))
	_ = c.v.BindEnv("workspace", workspace.EnvRoot)

	root.AddCommand(
		newInitCommand(c),
		newValidateCommand(c),
		newRecomputeCommand(c),
		newMeasureCommand(c),
		newReportCommand(c),
		newDaemonCommand(c),
		newAuditCommand(c),
	)
	return root
}

// load resolves the workspace, reads configuration and builds the logger.
func (c *cli) load() error {
	if c.ws != nil {
		return nil
	}
	ws, err := workspace.Resolve(c.v.GetString("workspace"))
	if errors.Is(err, workspace.ErrNoRoot) {
		return fmt.Errorf("--workspace is required (or set %s)", workspace.EnvRoot)
	}
	if err != nil {
		return err
	}
	if err := ws.UseConfig(c.v.GetString("config")); err != nil {
		return fmt.Errorf("--config: %w", err)
	}
	cfg, err := config.Load(c.v, ws.ConfigPath)
	if err != nil {
		return err
	}

	outputDir := ""
	if cfg.Log.OutputDir != "" {
		if outputDir, err = ws.ResolvePath(cfg.Log.OutputDir); err != nil {
			return fmt.Errorf("resolve log.output_dir: %w", err)
		}
	}
	logger, err := logging.New(logging.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		OutputDir: outputDir,
	})
	if err != nil {
		return err
	}

	c.ws, c.cfg, c.logger = ws, cfg, logger
	return nil
}

func (c *cli) auditLogger() *audit.Logger {
	return audit.NewLogger(c.ws.AuditDBPath)
}

func (c *cli) newEngine() *engine.Engine {
	return engine.New(engine.Options{
		Logger:  c.logger.Named("engine"),
		Workers: c.cfg.Engine.Workers,
	})
}

// env opens the stores a recompute needs. The caller must run the returned closer.
func (c *cli) env() (*daemon.Env, func(), error) {
	ms, err := measurement.Open(c.ws.MeasurementsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open measurements: %w", err)
	}
	store, err := daemon.Open(c.ws.StateDBPath)
	if err != nil {
		_ = ms.Close()
		return nil, nil, fmt.Errorf("open daemon store: %w", err)
	}
	env := &daemon.Env{
		Workspace:    c.ws,
		Store:        store,
		Measurements: ms,
		Engine:       c.newEngine(),
		Audit:        c.auditLogger(),
		Logger:       c.logger,
	}
	closer := func() {
		_ = store.Close()
		_ = ms.Close()
	}
	return env, closer, nil
}

// parseInstant accepts RFC3339 or a plain date. Empty means now.
func parseInstant(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Now().UTC(), nil
	}
	return measurement.ParseTime(value)
}
