// Package main implements the inspector CLI: it runs document inspections,
// records final answers and exports audit results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaowucn/scriber-inspector/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "inspector",
		Short: "Extract answers from parsed documents and audit them",
		Long: `inspector runs extraction schemas over parsed documents, evaluates the
schema's audit rules against the resulting answer tree and stores both.

Configuration is read from ~/.config/scriber-inspector/config.yaml (or --config)
and may be overridden by SCRIBER_* environment variables, e.g.
SCRIBER_STORE_DSN=/tmp/inspector.db.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}

	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = ""
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", defaultPath, "config file path")

	root.AddCommand(
		newRunCmd(c),
		newRecordFinalCmd(c),
		newExportCmd(c),
		newSchemaCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.LoadWithFile(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// withDeps wires the dependencies, runs fn and releases them, pushing
// metrics first when a pushgateway is configured.
func (c *cli) withDeps(ctx context.Context, fn func(*dependencies) error) error {
	deps, err := initDependencies(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(context.WithoutCancel(ctx))

	runErr := fn(deps)
	if err := pushMetrics(ctx, c.cfg.Metrics); err != nil {
		deps.logger.Warn(ctx, "metrics push failed", zap.Error(err))
	}
	return runErr
}
