package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/flink"
	"github.com/trellis-sandbox/trellis/internal/materialize"
)

var flinkCmd = &cobra.Command{
	Use:   "flink",
	Short: "Local Apache Flink cluster and Beam job server",
}

func newCluster() (*session, *flink.Cluster, error) {
	s, err := newSession()
	if err != nil {
		return nil, nil, err
	}
	c, err := flink.New(s.cfg, s.engine, s.prober, materialize.New(s.fs), s.runner, s.log.WithName("flink"))
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}

var flinkUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the Flink cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, c, err := newCluster()
		if err != nil {
			return err
		}
		xlang, _ := cmd.Flags().GetBool("with-kafka-xlang")
		externalGo, _ := cmd.Flags().GetBool("with-external-go")

		color.Cyan("Starting Flink cluster...")

		res, err := c.Up(cmd.Context(), flink.Options{KafkaXLang: xlang, ExternalGo: externalGo})
		if err != nil {
			color.Red("✗ Failed to start Flink cluster: %v", err)
			return err
		}
		if res.JarPath != "" {
			if res.JarFetched {
				color.Green("✓ Downloaded %s", res.JarPath)
			} else {
				color.Cyan("→ Using %s", res.JarPath)
			}
		}
		if res.Ready {
			color.Green("✓ Flink cluster started")
		} else {
			color.Yellow("⚠ Flink cluster started, REST API not ready yet")
		}

		ports := s.cfg.Ports
		color.Cyan("\nServices:")
		color.Cyan("  Flink UI:          %s", c.UIURL())
		color.Cyan("  Beam Job Server:   localhost:%d", ports.JobServer)
		color.Cyan("  Expansion Service: localhost:%d", ports.Expansion)
		if xlang {
			color.Cyan("  JARs mounted from: %s", c.JarDir())
		}
		if externalGo {
			color.Cyan("  Go Harness:        localhost:%d", ports.GoHarness)
		}
		return nil
	},
}

var flinkDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the Flink cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := newCluster()
		if err != nil {
			return err
		}
		if !c.Down(cmd.Context()) {
			color.Yellow("⚠ Flink cluster teardown reported errors")
			return nil
		}
		color.Green("✓ Flink cluster stopped")
		return nil
	},
}

var flinkLogsCmd = &cobra.Command{
	Use:   "logs <" + strings.Join(flink.AliasNames(), "|") + ">",
	Short: "Show Flink cluster logs",
	Long: `Show logs of a Flink cluster container:
  jm = JobManager
  tm = TaskManager
  js = Beam Job Server
  go = Go SDK worker pool`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := newCluster()
		if err != nil {
			return err
		}
		noFollow, _ := cmd.Flags().GetBool("no-follow")
		return c.Logs(cmd.Context(), args[0], !noFollow)
	},
}

var flinkGoFlagsCmd = &cobra.Command{
	Use:   "print-go-flags",
	Short: "Print flags for running a Go Beam pipeline on the job server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		images, err := flink.ResolveImages(cfg.Flink.FlinkVersion, cfg.Flink.BeamVersion)
		if err != nil {
			return err
		}
		c := &flink.Cluster{Images: images, Ports: cfg.Ports}
		loopback, _ := cmd.Flags().GetBool("loopback")
		fmt.Println(strings.Join(c.GoFlags(loopback), " "))
		return nil
	},
}

var flinkRunSumCmd = &cobra.Command{
	Use:   "run-sum",
	Short: "Run the streaming sum and average example on the job server",
	Long: `Run the Go streaming sum and average example against the local Flink job
server. DoFns run in-process (LOOPBACK) unless --docker is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := newCluster()
		if err != nil {
			return err
		}
		opts := flink.DefaultSumOptions
		opts.Dir, _ = cmd.Flags().GetString("src")
		opts.KafkaBootstrap, _ = cmd.Flags().GetString("kafka-bootstrap")
		opts.Topic, _ = cmd.Flags().GetString("topic")
		opts.KeyBy, _ = cmd.Flags().GetString("key-by")
		docker, _ := cmd.Flags().GetBool("docker")
		opts.Loopback = !docker

		color.Cyan("Running %s against localhost:%d...", opts.Dir, c.Ports.JobServer)
		if err := c.RunSum(cmd.Context(), opts); err != nil {
			color.Red("✗ %v", err)
			return err
		}
		return nil
	},
}

func init() {
	flinkUpCmd.Flags().Bool("with-kafka-xlang", true, "Mount Beam IO expansion jars for cross-language IO")
	flinkUpCmd.Flags().Bool("with-external-go", false, "Run a Go SDK worker pool container")
	flinkLogsCmd.Flags().Bool("no-follow", false, "Print current logs and exit")
	flinkGoFlagsCmd.Flags().Bool("loopback", false, "Run Go DoFns in the submitting process")

	flinkRunSumCmd.Flags().String("src", flink.DefaultSumOptions.Dir, "Path to the Go example module")
	flinkRunSumCmd.Flags().String("kafka-bootstrap", flink.DefaultSumOptions.KafkaBootstrap, "Kafka bootstrap address")
	flinkRunSumCmd.Flags().String("topic", flink.DefaultSumOptions.Topic, "Topic to consume")
	flinkRunSumCmd.Flags().String("key-by", flink.DefaultSumOptions.KeyBy, "Keying: global or kafka")
	flinkRunSumCmd.Flags().Bool("docker", false, "Run DoFns in the Go SDK container instead of in-process")

	flinkCmd.AddCommand(flinkUpCmd, flinkDownCmd, flinkLogsCmd, flinkGoFlagsCmd, flinkRunSumCmd)
}
