package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/scrape"
	"github.com/trellis-sandbox/trellis/internal/stack"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all services",
	Long: `Display container state and health of the sandbox services, followed by
the Prometheus scrape targets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			return s.engine.PrintTable(cmd.Context())
		}

		t, err := s.topology()
		if err != nil {
			return err
		}

		rows, err := stack.Status(cmd.Context(), t, s.engine, s.prober)
		if err != nil {
			color.Red("✗ Failed to get status: %v", err)
			return err
		}

		color.Cyan("Service          Status        Ports")
		color.Cyan("────────────────────────────────────────────────")
		for _, row := range rows {
			printServiceStatus(row)
		}

		promURL := fmt.Sprintf("http://localhost:%d", s.cfg.Ports.Prometheus)
		targets, err := scrape.Targets(cmd.Context(), promURL, 2*time.Second)
		if err != nil {
			color.Yellow("\n⚠ Scrape targets unavailable: %v", err)
			return nil
		}

		color.Cyan("\nScrape targets:")
		if len(targets) == 0 {
			color.Yellow("  (none)")
		}
		for _, target := range targets {
			health := color.GreenString("✓ %s", target.Health)
			if !target.Healthy() {
				health = color.RedString("✗ %s", target.Health)
			}
			color.New().Printf("  %-10s %-45s %s\n", target.Job, target.URL, health)
			if target.LastError != "" {
				color.Yellow("    %s", target.LastError)
			}
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("raw", false, "Show the engine's container table instead")
}

func printServiceStatus(row stack.ServiceHealth) {
	var statusText string
	switch row.Status {
	case engine.ServiceUp:
		statusText = color.GreenString("✓ UP        ")
	case engine.ServiceDown:
		statusText = color.RedString("✗ DOWN      ")
	case engine.ServiceStarting:
		statusText = color.YellowString("⚠ STARTING  ")
	case engine.ServiceMissing:
		statusText = color.RedString("✗ MISSING   ")
	default:
		statusText = color.RedString("✗ UNKNOWN   ")
	}

	ports := make([]string, len(row.Ports))
	for i, p := range row.Ports {
		ports[i] = p.String()
	}

	color.New().Printf("%-16s %s  %s\n", row.Name, statusText, strings.Join(ports, ", "))
}
