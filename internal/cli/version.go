package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/flink"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trellis version %s\n", cmd.Root().Version)

		cfg, err := config.Load()
		if err != nil {
			return
		}
		fmt.Println("\nImages:")
		fmt.Printf("  Pulsar:          %s\n", cfg.Images.Pulsar)
		fmt.Printf("  Pulsar Manager:  %s\n", cfg.Images.Manager)
		fmt.Printf("  Prometheus:      %s\n", cfg.Images.Prometheus)
		fmt.Printf("  Grafana:         %s\n", cfg.Images.Grafana)
		if images, err := flink.ResolveImages(cfg.Flink.FlinkVersion, cfg.Flink.BeamVersion); err == nil {
			fmt.Printf("  Flink:           %s\n", images.Flink)
			fmt.Printf("  Beam job server: %s\n", images.JobServer)
		}
	},
}
