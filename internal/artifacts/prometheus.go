// Package artifacts generates the configuration files trellis hands to the
// containers it runs.
package artifacts

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PrometheusParams parameterize the scrape configuration.
type PrometheusParams struct {
	ClusterLabel   string
	ScrapeInterval string
	// Target is the host:port of the broker's metrics endpoint as seen from
	// inside the Prometheus container.
	Target string
}

type prometheusConfig struct {
	Global        prometheusGlobal   `yaml:"global"`
	ScrapeConfigs []prometheusScrape `yaml:"scrape_configs"`
}

type prometheusGlobal struct {
	ScrapeInterval string            `yaml:"scrape_interval"`
	ExternalLabels map[string]string `yaml:"external_labels"`
}

type prometheusScrape struct {
	JobName       string             `yaml:"job_name"`
	MetricsPath   string             `yaml:"metrics_path"`
	StaticConfigs []prometheusStatic `yaml:"static_configs"`
}

type prometheusStatic struct {
	Targets []string `yaml:"targets"`
}

// PrometheusConfig renders prometheus.yml with a single static broker job.
func PrometheusConfig(p PrometheusParams) ([]byte, error) {
	if p.Target == "" {
		return nil, fmt.Errorf("prometheus scrape target is required")
	}
	interval := p.ScrapeInterval
	if interval == "" {
		interval = "15s"
	}
	cfg := prometheusConfig{
		Global: prometheusGlobal{
			ScrapeInterval: interval,
			ExternalLabels: map[string]string{"cluster": p.ClusterLabel},
		},
		ScrapeConfigs: []prometheusScrape{{
			JobName:       "broker",
			MetricsPath:   "/metrics",
			StaticConfigs: []prometheusStatic{{Targets: []string{p.Target}}},
		}},
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prometheus config: %w", err)
	}
	return data, nil
}
