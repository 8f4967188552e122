// Package cli implements the trellis command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/logging"
	"github.com/trellis-sandbox/trellis/internal/materialize"
	"github.com/trellis-sandbox/trellis/internal/overrides"
	"github.com/trellis-sandbox/trellis/internal/probe"
	"github.com/trellis-sandbox/trellis/internal/proc"
	"github.com/trellis-sandbox/trellis/internal/runtime"
	"github.com/trellis-sandbox/trellis/internal/stack"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Local Pulsar, Prometheus and Grafana sandbox",
	Long: `trellis runs a local streaming sandbox on podman or docker.

It starts Pulsar standalone, pulsar-manager, Prometheus and Grafana on a
shared network, seeds a tenant, namespace and topic, and can run a local
Flink cluster with a Beam job server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			return config.UseFile(configFile)
		}
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute(version string) error {
	rootCmd.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $HOME/.trellis/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("state-dir", "", "Directory for generated files")
	rootCmd.PersistentFlags().String("overrides", "", "Per-service overrides file (.yaml, .json or .toml)")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	viper.BindPFlag("overrides-file", rootCmd.PersistentFlags().Lookup("overrides"))

	rootCmd.AddCommand(startCmd, downCmd, statusCmd, logsCmd, initSpaceCmd, flinkCmd, configCmd, versionCmd)
}

// session is everything a command needs to talk to the engine.
type session struct {
	cfg    *config.Config
	log    logr.Logger
	handle runtime.Handle
	runner proc.Runner
	engine *engine.Engine
	prober *probe.Prober
	fs     afero.Fs
}

func newSession() (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	handle, err := runtime.Locate()
	if err != nil {
		if runtime.IsEngineNotFound(err) {
			color.Red("✗ %v", err)
		}
		return nil, err
	}
	log.V(1).Info("using runtime", "engine", handle.Engine, "compose", handle.Compose)

	runner := proc.NewExecRunner(log.WithName("exec"))
	return &session{
		cfg:    cfg,
		log:    log,
		handle: handle,
		runner: runner,
		engine: engine.New(handle, runner, log.WithName("engine")),
		prober: probe.New(log.WithName("probe")),
		fs:     afero.NewOsFs(),
	}, nil
}

// topology builds the sandbox and applies the overrides file, if any.
func (s *session) topology() (*stack.Topology, error) {
	t, err := stack.Sandbox(s.cfg, s.handle.HostGateway())
	if err != nil {
		return nil, err
	}
	if s.cfg.OverridesFile == "" {
		return t, nil
	}
	o, err := overrides.Load(s.cfg.OverridesFile)
	if err != nil {
		return nil, err
	}
	if err := overrides.Apply(o, t); err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.OverridesFile, err)
	}
	s.log.V(1).Info("applied overrides", "file", s.cfg.OverridesFile)
	return t, nil
}

// containerTopology is topology for commands that only need container names.
// Overrides never rename containers, so a broken overrides file is reported
// and skipped rather than blocking cleanup.
func (s *session) containerTopology() (*stack.Topology, error) {
	t, err := s.topology()
	if err == nil {
		return t, nil
	}
	s.log.Info("ignoring overrides", "file", s.cfg.OverridesFile, "err", err.Error())
	color.Yellow("⚠ Ignoring overrides: %v", err)
	return stack.Sandbox(s.cfg, s.handle.HostGateway())
}

func (s *session) orchestrator() *stack.Orchestrator {
	return &stack.Orchestrator{
		Engine:        s.engine,
		Prober:        s.prober,
		Materializer:  materialize.New(s.fs),
		MachineBacked: s.handle.MachineBacked,
		Observer:      printTransition,
		Log:           s.log.WithName("stack"),
	}
}

func printTransition(tr stack.Transition) {
	switch tr.To {
	case stack.Launched:
		color.Cyan("→ %s launched", tr.Service)
	case stack.ReadyConfirmed:
		color.Green("✓ %s ready", tr.Service)
	case stack.ReadyTimedOut:
		color.Yellow("⚠ %s not ready after waiting (%s)", tr.Service, tr.Detail)
	case stack.Removed:
		color.Green("✓ %s %s", tr.Service, tr.Detail)
	case stack.Failed:
		color.Red("✗ %s failed: %s", tr.Service, tr.Detail)
	}
}
