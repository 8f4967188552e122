package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/cli"
	"gopkg.in/yaml.v3"
)

// ComposeFile is the subset of the compose format trellis generates.
type ComposeFile struct {
	Name     string                    `yaml:"name,omitempty"`
	Networks map[string]ComposeNetwork `yaml:"networks,omitempty"`
	Services map[string]ComposeService `yaml:"services"`
}

type ComposeNetwork struct {
	Name string `yaml:"name"`
}

type ComposeService struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Command       []string          `yaml:"command,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Networks      []string          `yaml:"networks,omitempty"`
}

// FlinkParams parameterize the Flink cluster topology.
type FlinkParams struct {
	Project        string
	Network        string
	FlinkImage     string
	JobServerImage string
	GoSDKImage     string
	TaskSlots      int

	UIPort        int
	JobPort       int
	ArtifactPort  int
	ExpansionPort int
	GoHarnessPort int

	// JarDir, when set, is mounted read-only into the job server.
	JarDir string
	// ExternalGo adds a Go SDK worker pool container.
	ExternalGo bool
}

// Container names of the Flink topology.
const (
	JobManagerContainer  = "trellis-flink-jm"
	TaskManagerContainer = "trellis-flink-tm"
	JobServerContainer   = "trellis-beam-flink-js"
	GoHarnessContainer   = "trellis-beam-go-harness"
)

// JarMountPath is where JarDir appears inside the job server.
const JarMountPath = "/opt/apache/beam/jars/xlang"

func flinkProperties(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// FlinkCompose builds the compose topology for the Flink cluster and Beam
// job server.
func FlinkCompose(p FlinkParams) ComposeFile {
	slots := "taskmanager.numberOfTaskSlots: " + strconv.Itoa(p.TaskSlots)
	nets := []string{p.Network}

	services := map[string]ComposeService{
		"jobmanager": {
			Image:         p.FlinkImage,
			ContainerName: JobManagerContainer,
			Command:       []string{"jobmanager"},
			Ports:         []string{fmt.Sprintf("%d:8081", p.UIPort)},
			Environment: map[string]string{
				"FLINK_PROPERTIES": flinkProperties("jobmanager.rpc.address: jobmanager", "rest.port: 8081", slots),
			},
			Networks: nets,
		},
		"taskmanager": {
			Image:         p.FlinkImage,
			ContainerName: TaskManagerContainer,
			Command:       []string{"taskmanager"},
			DependsOn:     []string{"jobmanager"},
			Environment: map[string]string{
				"FLINK_PROPERTIES": flinkProperties("jobmanager.rpc.address: jobmanager", slots),
			},
			Networks: nets,
		},
	}

	js := ComposeService{
		Image:         p.JobServerImage,
		ContainerName: JobServerContainer,
		DependsOn:     []string{"jobmanager", "taskmanager"},
		Ports: []string{
			fmt.Sprintf("%d:8099", p.JobPort),
			fmt.Sprintf("%d:8098", p.ArtifactPort),
			fmt.Sprintf("%d:8097", p.ExpansionPort),
		},
		Command: []string{
			"--flink-master=jobmanager:8081",
			"--job-port=8099",
			"--artifact-port=8098",
			"--expansion-port=8097",
		},
		Networks: nets,
	}
	if p.JarDir != "" {
		js.Volumes = []string{p.JarDir + ":" + JarMountPath + ":ro"}
	}
	services["beam_job_server"] = js

	if p.ExternalGo {
		services["go_harness"] = ComposeService{
			Image:         p.GoSDKImage,
			ContainerName: GoHarnessContainer,
			Command:       []string{"--worker_pool"},
			Ports:         []string{fmt.Sprintf("%d:50000", p.GoHarnessPort)},
			Networks:      nets,
		}
	}

	return ComposeFile{
		Name:     p.Project,
		Networks: map[string]ComposeNetwork{p.Network: {Name: p.Network}},
		Services: services,
	}
}

// Marshal renders the compose file as YAML.
func (c ComposeFile) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compose file: %w", err)
	}
	return data, nil
}

// ComposeServiceInfo summarizes a loaded compose service.
type ComposeServiceInfo struct {
	Name      string
	Container string
	DependsOn []string
}

// LoadCompose parses and validates a compose file the way the compose
// front-end will, returning its services sorted by name.
func LoadCompose(ctx context.Context, path, project string) ([]ComposeServiceInfo, error) {
	options, err := cli.NewProjectOptions(
		[]string{path},
		cli.WithName(project),
		cli.WithWorkingDirectory(filepath.Dir(path)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project options: %w", err)
	}

	loaded, err := options.LoadProject(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load compose project: %w", err)
	}

	infos := make([]ComposeServiceInfo, 0, len(loaded.Services))
	for _, svc := range loaded.Services {
		deps := make([]string, 0, len(svc.DependsOn))
		for dep := range svc.DependsOn {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		infos = append(infos, ComposeServiceInfo{Name: svc.Name, Container: svc.ContainerName, DependsOn: deps})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
