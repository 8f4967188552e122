package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"up"},
	Short:   "Start the sandbox",
	Long: `Start Pulsar standalone, pulsar-manager, Prometheus and Grafana.

Existing containers with the same names are replaced. Each service is given a
bounded time to become healthy; a slow service is reported, not fatal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		t, err := s.topology()
		if err != nil {
			return err
		}

		color.Cyan("Starting trellis sandbox on %s...", s.handle.EngineName())

		report, err := s.orchestrator().Up(cmd.Context(), t)
		if err != nil {
			color.Red("✗ Failed to start sandbox: %v", err)
			return err
		}
		color.Cyan("→ Network %s %s", t.Network, report.Network)

		if slow := report.NotReady(); len(slow) > 0 {
			color.Yellow("⚠ Started, but not yet ready: %v", slow)
			color.Yellow("  Run 'trellis status' to check again")
		} else {
			color.Green("✓ Sandbox started successfully")
		}

		cfg := s.cfg
		color.Cyan("\nServices:")
		color.Cyan("  Pulsar:         pulsar://localhost:%d, http://localhost:%d", cfg.Ports.PulsarBinary, cfg.Ports.PulsarHTTP)
		color.Cyan("  Pulsar Manager: http://localhost:%d", cfg.Ports.ManagerUI)
		color.Cyan("  Prometheus:     http://localhost:%d", cfg.Ports.Prometheus)
		color.Cyan("  Grafana:        http://localhost:%d", cfg.Ports.Grafana)
		color.Cyan("\nRun 'trellis init-space' to create a tenant, namespace and topic")

		return nil
	},
}

func init() {
	startCmd.Flags().Int("probe-tries", 0, "Readiness attempts per service")
	startCmd.Flags().Duration("probe-interval", 0, "Delay between readiness attempts")
	startCmd.Flags().String("pulsar-image", "", "Pulsar image")

	viper.BindPFlag("probe-tries", startCmd.Flags().Lookup("probe-tries"))
	viper.BindPFlag("probe-interval", startCmd.Flags().Lookup("probe-interval"))
	viper.BindPFlag("image-pulsar", startCmd.Flags().Lookup("pulsar-image"))
}
