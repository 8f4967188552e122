package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trellis-sandbox/trellis/internal/stack"
)

var downCmd = &cobra.Command{
	Use:     "down",
	Aliases: []string{"stop"},
	Short:   "Stop and remove the sandbox containers",
	Long: `Remove the sandbox containers in reverse dependency order.

Containers that do not exist are skipped. A failure to remove one container
does not stop the others from being removed. The network and generated
configuration are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		t, err := s.containerTopology()
		if err != nil {
			return err
		}

		color.Cyan("Stopping trellis sandbox...")

		report := s.orchestrator().Down(cmd.Context(), t)
		failed := 0
		for _, res := range report.Services {
			if res.State == stack.Failed {
				failed++
			}
		}
		if failed > 0 {
			color.Yellow("⚠ %d container(s) could not be removed", failed)
			return nil
		}

		color.Green("✓ Sandbox stopped successfully")
		return nil
	},
}
