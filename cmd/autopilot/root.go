package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/farizattamimi/PMS-sub002/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous workflow orchestration for property management",
		Long: `Autopilot claims queued workflow runs, dispatches them to workflow
handlers, retries and dead-letters failures, and pauses itself through a
safety governor when the recent failure rate or open critical exceptions
cross their thresholds.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv(envPrefix+"CONFIG"), "Config file path (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")

	cmd.AddCommand(
		serveCmd(g),
		tickCmd(g),
		evaluateCmd(g),
		replayCmd(g),
		governorCmd(g),
		scheduleCmd(g),
		secretCmd(g),
		migrateCmd(g),
		mcpCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run:   func(*cobra.Command, []string) { printVersion() },
		},
	)
	return cmd
}

// setup loads configuration and builds the logger. Logs go to stderr so
// stdout stays free for command output and the MCP stdio transport.
func (g *globalFlags) setup() (Config, *slog.Logger, *slog.LevelVar, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, cfg.LogFormat, level)
	slog.SetDefault(logger)
	return cfg, logger, level, nil
}

// withApp runs fn against a fully wired app.
func (g *globalFlags) withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, logger, level, err := g.setup()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, level)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close failed", slog.String("error", cerr.Error()))
		}
	}()
	return fn(ctx, a)
}
