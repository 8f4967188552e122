package stack

import (
	"fmt"
	"path/filepath"

	"github.com/mattn/go-shellwords"

	"github.com/trellis-sandbox/trellis/internal/artifacts"
	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/materialize"
)

// Service names of the broker sandbox.
const (
	ServicePulsar     = "pulsar"
	ServiceManager    = "pulsar-manager"
	ServicePrometheus = "prometheus"
	ServiceGrafana    = "grafana"
)

// PrometheusConfigPath is where the scrape configuration lives.
func PrometheusConfigPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "prom", "prometheus.yml")
}

// PulsarHealthURL is the broker health endpoint on the host.
func PulsarHealthURL(cfg *config.Config) string {
	return fmt.Sprintf("http://localhost:%d/admin/v2/brokers/health", cfg.Ports.PulsarHTTP)
}

// Sandbox builds the broker, console, metrics and dashboard topology.
// gateway is the hostname containers use to reach published host ports.
func Sandbox(cfg *config.Config, gateway string) (*Topology, error) {
	command, err := shellwords.Parse(cfg.PulsarCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid pulsar-command: %w", err)
	}
	budget := cfg.Probe.Budget()
	promCfg := PrometheusConfigPath(cfg)

	pulsar := ServiceSpec{
		Name:      ServicePulsar,
		Container: cfg.Names.Pulsar,
		Image:     cfg.Images.Pulsar,
		Ports: []engine.PortMapping{
			{Host: cfg.Ports.PulsarBinary, Container: 6650},
			{Host: cfg.Ports.PulsarHTTP, Container: 8080},
		},
		Env: map[string]string{
			"PULSAR_STANDALONE_USE_ZOOKEEPER":                            "1",
			"PULSAR_PREFIX_exposeTopicLevelMetricsInPrometheus":          "true",
			"PULSAR_PREFIX_exposeManagedLedgerMetricsInPrometheus":       "true",
			"PULSAR_PREFIX_exposeBookkeeperClientStatsInPrometheus":      "true",
			"PULSAR_PREFIX_exposeProducerAndConsumerMetricsInPrometheus": "true",
		},
		Command:   command,
		Readiness: &Readiness{URL: PulsarHealthURL(cfg), Budget: budget},
	}

	manager := ServiceSpec{
		Name:      ServiceManager,
		Container: cfg.Names.Manager,
		Image:     cfg.Images.Manager,
		Ports: []engine.PortMapping{
			{Host: cfg.Ports.ManagerUI, Container: 9527},
			{Host: cfg.Ports.ManagerAPI, Container: 7750},
		},
		Env: map[string]string{
			"SPRING_CONFIGURATION_FILE": "/pulsar-manager/pulsar-manager/application.properties",
		},
		DependsOn: []string{ServicePulsar},
		Readiness: &Readiness{
			URL:    fmt.Sprintf("http://localhost:%d/actuator/health", cfg.Ports.ManagerAPI),
			Budget: budget,
		},
	}

	prometheus := ServiceSpec{
		Name:      ServicePrometheus,
		Container: cfg.Names.Prometheus,
		Image:     cfg.Images.Prometheus,
		Ports:     []engine.PortMapping{{Host: cfg.Ports.Prometheus, Container: 9090}},
		Volumes: []engine.Mount{
			{Source: promCfg, Target: "/etc/prometheus/prometheus.yml", ReadOnly: true},
		},
		DependsOn: []string{ServicePulsar},
		Readiness: &Readiness{
			URL:    fmt.Sprintf("http://localhost:%d/-/ready", cfg.Ports.Prometheus),
			Budget: budget,
		},
		Artifacts: []materialize.Artifact{{
			Path: promCfg,
			Generate: func() ([]byte, error) {
				return artifacts.PrometheusConfig(artifacts.PrometheusParams{
					ClusterLabel: cfg.ClusterLabel,
					Target:       fmt.Sprintf("%s:%d", gateway, cfg.Ports.PulsarHTTP),
				})
			},
		}},
	}

	grafana := ServiceSpec{
		Name:      ServiceGrafana,
		Container: cfg.Names.Grafana,
		Image:     cfg.Images.Grafana,
		Ports:     []engine.PortMapping{{Host: cfg.Ports.Grafana, Container: 3000}},
		Env: map[string]string{
			"PULSAR_PROMETHEUS_URL": fmt.Sprintf("http://%s:%d", gateway, cfg.Ports.Prometheus),
			"PULSAR_CLUSTER":        cfg.ClusterLabel,
		},
		DependsOn: []string{ServicePrometheus},
		Readiness: &Readiness{
			URL:    fmt.Sprintf("http://localhost:%d/api/health", cfg.Ports.Grafana),
			Budget: budget,
		},
	}

	t := &Topology{
		Network:  cfg.Network,
		Services: []ServiceSpec{pulsar, manager, prometheus, grafana},
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
