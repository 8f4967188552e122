package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestPrometheusConfig(t *testing.T) {
	data, err := PrometheusConfig(PrometheusParams{
		ClusterLabel: "standalone",
		Target:       "host.containers.internal:8080",
	})
	if err != nil {
		t.Fatalf("PrometheusConfig() error = %v", err)
	}

	var got prometheusConfig
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("generated config is not YAML: %v\n%s", err, data)
	}
	if got.Global.ScrapeInterval != "15s" {
		t.Errorf("scrape_interval = %q", got.Global.ScrapeInterval)
	}
	if got.Global.ExternalLabels["cluster"] != "standalone" {
		t.Errorf("external_labels = %v", got.Global.ExternalLabels)
	}
	if len(got.ScrapeConfigs) != 1 {
		t.Fatalf("scrape_configs = %d, want 1", len(got.ScrapeConfigs))
	}
	job := got.ScrapeConfigs[0]
	if job.JobName != "broker" || job.MetricsPath != "/metrics" {
		t.Errorf("job = %+v", job)
	}
	if diff := cmp.Diff([]string{"host.containers.internal:8080"}, job.StaticConfigs[0].Targets); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestPrometheusConfigRequiresTarget(t *testing.T) {
	if _, err := PrometheusConfig(PrometheusParams{ClusterLabel: "x"}); err == nil {
		t.Error("expected error without target")
	}
}

func flinkParams() FlinkParams {
	return FlinkParams{
		Project:        "trellis-flink",
		Network:        "trellis-net",
		FlinkImage:     "apache/flink:1.18.1-java11",
		JobServerImage: "apache/beam_flink1.18_job_server:2.57.0",
		GoSDKImage:     "apache/beam_go_sdk:2.57.0",
		TaskSlots:      2,
		UIPort:         8081,
		JobPort:        8099,
		ArtifactPort:   8098,
		ExpansionPort:  8097,
		GoHarnessPort:  50000,
	}
}

func writeCompose(t *testing.T, c ComposeFile) string {
	t.Helper()
	data, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFlinkComposeLoads(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *FlinkParams)
		want   []ComposeServiceInfo
	}{
		{
			name:   "base cluster",
			mutate: func(p *FlinkParams) {},
			want: []ComposeServiceInfo{
				{Name: "beam_job_server", Container: JobServerContainer, DependsOn: []string{"jobmanager", "taskmanager"}},
				{Name: "jobmanager", Container: JobManagerContainer, DependsOn: []string{}},
				{Name: "taskmanager", Container: TaskManagerContainer, DependsOn: []string{"jobmanager"}},
			},
		},
		{
			name:   "with external go harness",
			mutate: func(p *FlinkParams) { p.ExternalGo = true },
			want: []ComposeServiceInfo{
				{Name: "beam_job_server", Container: JobServerContainer, DependsOn: []string{"jobmanager", "taskmanager"}},
				{Name: "go_harness", Container: GoHarnessContainer, DependsOn: []string{}},
				{Name: "jobmanager", Container: JobManagerContainer, DependsOn: []string{}},
				{Name: "taskmanager", Container: TaskManagerContainer, DependsOn: []string{"jobmanager"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := flinkParams()
			tt.mutate(&p)
			path := writeCompose(t, FlinkCompose(p))

			got, err := LoadCompose(context.Background(), path, p.Project)
			if err != nil {
				t.Fatalf("LoadCompose() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("services mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFlinkComposeJarMount(t *testing.T) {
	p := flinkParams()
	p.JarDir = "/home/dev/.local/share/trellis/flink/jars"

	js := FlinkCompose(p).Services["beam_job_server"]
	want := []string{"/home/dev/.local/share/trellis/flink/jars:" + JarMountPath + ":ro"}
	if diff := cmp.Diff(want, js.Volumes); diff != "" {
		t.Errorf("volumes mismatch (-want +got):\n%s", diff)
	}
}

func TestFlinkComposeProperties(t *testing.T) {
	p := flinkParams()
	p.TaskSlots = 4
	jm := FlinkCompose(p).Services["jobmanager"]

	props := jm.Environment["FLINK_PROPERTIES"]
	for _, want := range []string{"jobmanager.rpc.address: jobmanager", "rest.port: 8081", "taskmanager.numberOfTaskSlots: 4"} {
		if !strings.Contains(props, want) {
			t.Errorf("FLINK_PROPERTIES missing %q:\n%s", want, props)
		}
	}
}
