// Package flink manages the optional Flink cluster and Beam job server used
// to run portable Beam pipelines against the sandbox.
//
// Unlike the broker stack, the cluster is described as a compose file and
// handed to the compose front-end of the resolved runtime.
package flink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/trellis-sandbox/trellis/internal/artifacts"
	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/materialize"
	"github.com/trellis-sandbox/trellis/internal/probe"
	"github.com/trellis-sandbox/trellis/internal/proc"
)

const (
	// Project is the compose project name.
	Project = "trellis-flink"
	// Network is the compose network shared by the cluster containers.
	Network = "trellis-net"
	// ExpansionVersion pins the Beam IO expansion service jar.
	ExpansionVersion = "2.66.0"
	// MavenCentral is the default jar repository.
	MavenCentral = "https://repo1.maven.org/maven2"
)

// Images are the container images of the cluster.
type Images struct {
	Flink     string
	JobServer string
	GoSDK     string
}

// ResolveImages derives image references from the Flink and Beam versions.
// The job server image is published per Flink minor line.
func ResolveImages(flinkVersion, beamVersion string) (Images, error) {
	fv, err := semver.NewVersion(flinkVersion)
	if err != nil {
		return Images{}, fmt.Errorf("invalid flink version %q: %w", flinkVersion, err)
	}
	bv, err := semver.NewVersion(beamVersion)
	if err != nil {
		return Images{}, fmt.Errorf("invalid beam version %q: %w", beamVersion, err)
	}
	return Images{
		Flink:     fmt.Sprintf("apache/flink:%s-java11", fv.String()),
		JobServer: fmt.Sprintf("apache/beam_flink%d.%d_job_server:%s", fv.Major(), fv.Minor(), bv.String()),
		GoSDK:     fmt.Sprintf("apache/beam_go_sdk:%s", bv.String()),
	}, nil
}

// ExpansionJar is the file name of the expansion service jar for version.
func ExpansionJar(version string) string {
	return "beam-sdks-java-io-expansion-service-" + version + ".jar"
}

// ExpansionJarURL is the Maven URL of the expansion service jar.
func ExpansionJarURL(repo, version string) string {
	return strings.TrimSuffix(repo, "/") + "/org/apache/beam/beam-sdks-java-io-expansion-service/" +
		version + "/" + ExpansionJar(version)
}

// Aliases maps the short service names accepted by Logs to containers.
var Aliases = map[string]string{
	"jm": artifacts.JobManagerContainer,
	"tm": artifacts.TaskManagerContainer,
	"js": artifacts.JobServerContainer,
	"go": artifacts.GoHarnessContainer,
}

// AliasNames returns the sorted aliases.
func AliasNames() []string {
	names := make([]string, 0, len(Aliases))
	for a := range Aliases {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

// Compose drives the compose front-end and container logs.
type Compose interface {
	ComposeUp(ctx context.Context, file string) error
	ComposeDown(ctx context.Context, file string) error
	Logs(ctx context.Context, name string, follow bool) error
}

// Prober waits for the Flink REST API.
type Prober interface {
	WaitReady(ctx context.Context, url string, b probe.Budget) bool
}

// Options select optional parts of the cluster.
type Options struct {
	// KafkaXLang fetches the expansion service jar and mounts it into the
	// job server.
	KafkaXLang bool
	// ExternalGo runs a Go SDK worker pool container.
	ExternalGo bool
}

// UpResult describes a started cluster.
type UpResult struct {
	ComposeFile string
	JarPath     string
	JarFetched  bool
	Services    []artifacts.ComposeServiceInfo
	Ready       bool
}

// Cluster is the Flink cluster for one state directory.
type Cluster struct {
	Dir          string
	Images       Images
	Ports        config.PortConfig
	TaskSlots    int
	JarRepo      string
	JarVersion   string
	Budget       probe.Budget
	Compose      Compose
	Prober       Prober
	Materializer *materialize.Materializer
	Runner       proc.Runner
	HTTP         *http.Client
	Log          logr.Logger
}

// New returns the cluster configured by cfg.
func New(cfg *config.Config, compose Compose, prober Prober, m *materialize.Materializer, runner proc.Runner, log logr.Logger) (*Cluster, error) {
	images, err := ResolveImages(cfg.Flink.FlinkVersion, cfg.Flink.BeamVersion)
	if err != nil {
		return nil, err
	}
	return &Cluster{
		Dir:          filepath.Join(cfg.StateDir, "flink"),
		Images:       images,
		Ports:        cfg.Ports,
		TaskSlots:    cfg.Flink.TaskSlots,
		JarRepo:      MavenCentral,
		JarVersion:   ExpansionVersion,
		Budget:       probe.Short,
		Compose:      compose,
		Prober:       prober,
		Materializer: m,
		Runner:       runner,
		HTTP:         http.DefaultClient,
		Log:          log,
	}, nil
}

// ComposeFile is where the generated compose file lives.
func (c *Cluster) ComposeFile() string {
	return filepath.Join(c.Dir, "docker-compose.yml")
}

// JarDir holds downloaded jars.
func (c *Cluster) JarDir() string {
	return filepath.Join(c.Dir, "jars")
}

// UIURL is the Flink web UI.
func (c *Cluster) UIURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Ports.FlinkUI)
}

// Params returns the compose parameters for opts.
func (c *Cluster) Params(opts Options) artifacts.FlinkParams {
	p := artifacts.FlinkParams{
		Project:        Project,
		Network:        Network,
		FlinkImage:     c.Images.Flink,
		JobServerImage: c.Images.JobServer,
		GoSDKImage:     c.Images.GoSDK,
		TaskSlots:      c.TaskSlots,
		UIPort:         c.Ports.FlinkUI,
		JobPort:        c.Ports.JobServer,
		ArtifactPort:   c.Ports.Artifact,
		ExpansionPort:  c.Ports.Expansion,
		GoHarnessPort:  c.Ports.GoHarness,
		ExternalGo:     opts.ExternalGo,
	}
	if opts.KafkaXLang {
		p.JarDir = c.JarDir()
	}
	return p
}

// Up fetches jars when requested, regenerates the compose file, validates it
// and starts the cluster. Readiness of the REST API is reported, not
// required.
func (c *Cluster) Up(ctx context.Context, opts Options) (*UpResult, error) {
	res := &UpResult{}

	if opts.KafkaXLang {
		path, fetched, err := c.fetchJar(ctx)
		if err != nil {
			return res, err
		}
		res.JarPath, res.JarFetched = path, fetched
	}

	file, err := c.Materializer.Overwrite(c.ComposeFile(), func() ([]byte, error) {
		return artifacts.FlinkCompose(c.Params(opts)).Marshal()
	})
	if err != nil {
		return res, err
	}
	res.ComposeFile = file

	if res.Services, err = artifacts.LoadCompose(ctx, file, Project); err != nil {
		return res, fmt.Errorf("invalid compose file %s: %w", file, err)
	}

	if err := c.Compose.ComposeUp(ctx, file); err != nil {
		return res, fmt.Errorf("failed to start flink cluster: %w", err)
	}

	res.Ready = c.Prober.WaitReady(ctx, c.UIURL()+"/overview", c.Budget)
	if !res.Ready {
		c.Log.Info("flink REST API not ready yet", "url", c.UIURL())
	}
	return res, nil
}

// Down stops the cluster and removes its volumes. Failures are logged and
// reported as false.
func (c *Cluster) Down(ctx context.Context) bool {
	if err := c.Compose.ComposeDown(ctx, c.ComposeFile()); err != nil {
		c.Log.Error(err, "flink cluster teardown failed", "file", c.ComposeFile())
		return false
	}
	return true
}

// Logs shows the logs of the container behind alias.
func (c *Cluster) Logs(ctx context.Context, alias string, follow bool) error {
	name, ok := Aliases[alias]
	if !ok {
		return fmt.Errorf("invalid service %q: choose one of %s", alias, strings.Join(AliasNames(), " | "))
	}
	return c.Compose.Logs(ctx, name, follow)
}

// GoFlags returns the pipeline flags for running a Go Beam pipeline against
// the job server. Loopback runs DoFns in the submitting process.
func (c *Cluster) GoFlags(loopback bool) []string {
	flags := []string{
		"--runner=PortableRunner",
		fmt.Sprintf("--job_endpoint=localhost:%d", c.Ports.JobServer),
		fmt.Sprintf("--expansion_addr=localhost:%d", c.Ports.Expansion),
	}
	if loopback {
		return append(flags, "--environment_type=LOOPBACK")
	}
	return append(flags, "--environment_type=DOCKER", "--environment_config="+c.Images.GoSDK)
}

// SumOptions configure the streaming sum and average example pipeline.
type SumOptions struct {
	// Dir is the Go module of the example.
	Dir            string
	KafkaBootstrap string
	Topic          string
	// KeyBy is "global" or "kafka".
	KeyBy    string
	Loopback bool
}

// DefaultSumOptions match the example shipped with trellis.
var DefaultSumOptions = SumOptions{
	Dir:            "examples/go/stream_sum_avg",
	KafkaBootstrap: "localhost:9092",
	Topic:          "orders",
	KeyBy:          "global",
	Loopback:       true,
}

// SumArgs returns the argv that runs the example against the job server.
// The module directory is passed with `go -C`.
func (c *Cluster) SumArgs(o SumOptions) ([]string, error) {
	switch {
	case o.Dir == "":
		return nil, fmt.Errorf("example directory is required")
	case o.KafkaBootstrap == "":
		return nil, fmt.Errorf("kafka bootstrap address is required")
	case o.Topic == "":
		return nil, fmt.Errorf("kafka topic is required")
	case o.KeyBy != "global" && o.KeyBy != "kafka":
		return nil, fmt.Errorf("invalid key-by %q: choose global | kafka", o.KeyBy)
	}
	argv := []string{"go", "-C", o.Dir, "run", "."}
	argv = append(argv, c.GoFlags(o.Loopback)...)
	return append(argv,
		"--kafka_bootstrap="+o.KafkaBootstrap,
		"--kafka_topic="+o.Topic,
		"--key_by="+o.KeyBy,
	), nil
}

// RunSum runs the example pipeline in the foreground.
func (c *Cluster) RunSum(ctx context.Context, o SumOptions) error {
	argv, err := c.SumArgs(o)
	if err != nil {
		return err
	}
	if ok, err := afero.DirExists(c.Materializer.Fs, o.Dir); err != nil || !ok {
		return fmt.Errorf("example directory %s not found", o.Dir)
	}
	c.Log.V(1).Info("running example", "dir", o.Dir, "loopback", o.Loopback)
	if _, err := c.Runner.Run(ctx, argv, proc.Stream); err != nil {
		return fmt.Errorf("example pipeline failed: %w", err)
	}
	return nil
}

func (c *Cluster) fetchJar(ctx context.Context) (string, bool, error) {
	url := ExpansionJarURL(c.JarRepo, c.JarVersion)
	path := filepath.Join(c.JarDir(), ExpansionJar(c.JarVersion))

	return c.Materializer.EnsureStream(path, func(w io.Writer) error {
		c.Log.Info("downloading jar", "url", url)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
		}
		_, err = io.Copy(w, resp.Body)
		return err
	})
}
