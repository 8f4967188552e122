package cli

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/probe"
	"github.com/trellis-sandbox/trellis/internal/seed"
	"github.com/trellis-sandbox/trellis/internal/stack"
)

var seedParams = seed.Params{
	Tenant:     "test-pulsar-dev",
	Namespace:  "ingress",
	Topic:      "nums",
	Partitions: 3,
}

var initSpaceCmd = &cobra.Command{
	Use:   "init-space",
	Short: "Create a tenant, namespace and topic and publish test messages",
	Long: `Prepare the running broker for use.

Creates the tenant, namespace and partitioned topic if they are missing, sets
BACKWARD schema compatibility, unlimited-size one-day retention and topic
deduplication, then publishes three test messages. The publish transcript is
written to the publish log. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		t, err := s.topology()
		if err != nil {
			return err
		}
		pulsar, _ := t.Service(stack.ServicePulsar)
		healthURL := stack.PulsarHealthURL(s.cfg)
		if pulsar.Readiness != nil {
			healthURL = pulsar.Readiness.URL
		}

		seeder := &seed.Seeder{
			Runner:    s.runner,
			Cmd:       engine.NewCommands(s.handle),
			Prober:    s.prober,
			Fs:        s.fs,
			Container: pulsar.ContainerName(),
			HealthURL: healthURL,
			Budget:    probe.Short,
			LogPath:   s.cfg.PublishLog,
			Log:       s.log.WithName("seed"),
		}

		color.Cyan("Preparing %s...", seedParams.TopicName())

		report, err := seeder.Run(cmd.Context(), seedParams)
		var pubErr *seed.PublishFailedError
		switch {
		case errors.As(err, &pubErr):
			color.Red("✗ Test publish failed (exit %d), see %s", pubErr.ExitCode, pubErr.LogPath)
			return err
		case errors.Is(err, seed.ErrPrimaryUnreachable):
			color.Red("✗ %v", err)
			return err
		case err != nil:
			color.Red("✗ Failed to prepare topic: %v", err)
			return err
		}

		printCreated("Tenant", seedParams.Tenant, report.TenantCreated)
		printCreated("Namespace", seedParams.NamespaceName(), report.NamespaceCreated)
		printCreated("Topic", seedParams.TopicName(), report.TopicCreated)
		color.Green("✓ Published %d test messages (log: %s)", len(report.Smoke.Publishes), report.LogPath)
		return nil
	},
}

func printCreated(kind, name string, created bool) {
	if created {
		color.Green("✓ %s %s created", kind, name)
		return
	}
	color.Cyan("→ %s %s already exists", kind, name)
}

func init() {
	initSpaceCmd.Flags().StringVar(&seedParams.Tenant, "tenant", seedParams.Tenant, "Tenant name")
	initSpaceCmd.Flags().StringVar(&seedParams.Namespace, "namespace", seedParams.Namespace, "Namespace name (within the tenant)")
	initSpaceCmd.Flags().StringVar(&seedParams.Topic, "topic", seedParams.Topic, "Topic name (within the namespace)")
	initSpaceCmd.Flags().IntVar(&seedParams.Partitions, "partitions", seedParams.Partitions, "Number of topic partitions")
}
