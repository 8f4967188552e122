package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show a service's container logs",
	Long: `Show the logs of a sandbox service. The service may be named by its
service name (pulsar, pulsar-manager, prometheus, grafana) or its container
name. Logs are followed unless --no-follow is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		t, err := s.containerTopology()
		if err != nil {
			return err
		}

		container := ""
		for _, svc := range t.Services {
			if svc.Name == args[0] || svc.ContainerName() == args[0] {
				container = svc.ContainerName()
				break
			}
		}
		if container == "" {
			return fmt.Errorf("unknown service %q", args[0])
		}

		noFollow, _ := cmd.Flags().GetBool("no-follow")
		return s.engine.Logs(cmd.Context(), container, !noFollow)
	},
}

func init() {
	logsCmd.Flags().Bool("no-follow", false, "Print current logs and exit")
}
