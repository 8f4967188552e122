// Package config provides configuration management for the trellis CLI.
//
// It implements the disciplined Viper pattern where Viper stays contained
// in this package and the rest of the codebase receives explicit Config structs.
// Configuration sources are resolved in this order: flags > env > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/trellis-sandbox/trellis/internal/probe"
)

// Config is the explicit configuration struct
// This is what the rest of the codebase sees
type Config struct {
	StateDir      string
	LogLevel      string
	Network       string
	ClusterLabel  string
	PulsarCommand string
	OverridesFile string
	PublishLog    string
	Names         NameConfig
	Ports         PortConfig
	Images        ImageConfig
	Flink         FlinkConfig
	Probe         ProbeConfig
}

// NameConfig holds container names, which double as idempotency keys
// against the engine.
type NameConfig struct {
	Pulsar     string
	Manager    string
	Prometheus string
	Grafana    string
}

// PortConfig defines host port mappings for all services
type PortConfig struct {
	PulsarBinary int
	PulsarHTTP   int
	ManagerUI    int
	ManagerAPI   int
	Prometheus   int
	Grafana      int
	FlinkUI      int
	JobServer    int
	Artifact     int
	Expansion    int
	GoHarness    int
}

// ImageConfig holds image references for the broker stack.
type ImageConfig struct {
	Pulsar     string
	Manager    string
	Prometheus string
	Grafana    string
}

// FlinkConfig pins the optional Flink cluster and Beam job server.
type FlinkConfig struct {
	FlinkVersion string
	BeamVersion  string
	TaskSlots    int
}

// ProbeConfig is the readiness budget used while bringing services up.
type ProbeConfig struct {
	Tries    int
	Interval time.Duration
	Timeout  time.Duration
}

// Budget converts the probe settings.
func (p ProbeConfig) Budget() probe.Budget {
	return probe.Budget{Tries: p.Tries, Interval: p.Interval, Timeout: p.Timeout}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:      defaultStateDir(),
		LogLevel:      "info",
		Network:       "pulsar-net",
		ClusterLabel:  "standalone",
		PulsarCommand: `bash -lc "bin/apply-config-from-env.py conf/standalone.conf && bin/pulsar standalone"`,
		PublishLog:    "init-publish-logs.log",
		Names: NameConfig{
			Pulsar:     "pulsar",
			Manager:    "pulsar-manager",
			Prometheus: "prom",
			Grafana:    "graf",
		},
		Ports: PortConfig{
			PulsarBinary: 6650,
			PulsarHTTP:   8080,
			ManagerUI:    9527,
			ManagerAPI:   7750,
			Prometheus:   9090,
			Grafana:      3000,
			FlinkUI:      8081,
			JobServer:    8099,
			Artifact:     8098,
			Expansion:    8097,
			GoHarness:    50000,
		},
		Images: ImageConfig{
			Pulsar:     "docker.io/apachepulsar/pulsar:latest",
			Manager:    "docker.io/apachepulsar/pulsar-manager:latest",
			Prometheus: "docker.io/prom/prometheus:latest",
			Grafana:    "docker.io/streamnative/apache-pulsar-grafana-dashboard:latest",
		},
		Flink: FlinkConfig{
			FlinkVersion: "1.18.1",
			BeamVersion:  "2.57.0",
			TaskSlots:    2,
		},
		Probe: ProbeConfig{
			Tries:    probe.DefaultBudget.Tries,
			Interval: probe.DefaultBudget.Interval,
			Timeout:  probe.DefaultBudget.Timeout,
		},
	}
}

func defaultStateDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "trellis")
	}
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".trellis", "data")
	}
	return filepath.Join(home, ".local", "share", "trellis")
}

// settings flattens cfg into viper keys. Init and Save both use it, so every
// key with a default is also written back.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"state-dir":          cfg.StateDir,
		"log-level":          cfg.LogLevel,
		"network":            cfg.Network,
		"cluster-label":      cfg.ClusterLabel,
		"pulsar-command":     cfg.PulsarCommand,
		"overrides-file":     cfg.OverridesFile,
		"publish-log":        cfg.PublishLog,
		"name-pulsar":        cfg.Names.Pulsar,
		"name-manager":       cfg.Names.Manager,
		"name-prometheus":    cfg.Names.Prometheus,
		"name-grafana":       cfg.Names.Grafana,
		"port-pulsar-binary": cfg.Ports.PulsarBinary,
		"port-pulsar-http":   cfg.Ports.PulsarHTTP,
		"port-manager-ui":    cfg.Ports.ManagerUI,
		"port-manager-api":   cfg.Ports.ManagerAPI,
		"port-prometheus":    cfg.Ports.Prometheus,
		"port-grafana":       cfg.Ports.Grafana,
		"port-flink-ui":      cfg.Ports.FlinkUI,
		"port-job-server":    cfg.Ports.JobServer,
		"port-artifact":      cfg.Ports.Artifact,
		"port-expansion":     cfg.Ports.Expansion,
		"port-go-harness":    cfg.Ports.GoHarness,
		"image-pulsar":       cfg.Images.Pulsar,
		"image-manager":      cfg.Images.Manager,
		"image-prometheus":   cfg.Images.Prometheus,
		"image-grafana":      cfg.Images.Grafana,
		"flink-version":      cfg.Flink.FlinkVersion,
		"beam-version":       cfg.Flink.BeamVersion,
		"flink-task-slots":   cfg.Flink.TaskSlots,
		"probe-tries":        cfg.Probe.Tries,
		"probe-interval":     cfg.Probe.Interval,
		"probe-timeout":      cfg.Probe.Timeout,
	}
}

// legacyEnv maps keys to the unprefixed variables older trellis releases read.
var legacyEnv = map[string]string{
	"name-pulsar":        "PULSAR_NAME",
	"name-manager":       "PM_NAME",
	"name-prometheus":    "PROM_NAME",
	"name-grafana":       "GRAF_NAME",
	"network":            "NET_NAME",
	"port-pulsar-binary": "PULSAR_BIN_PORT",
	"port-pulsar-http":   "PULSAR_HTTP_PORT",
	"port-manager-ui":    "PM_UI_PORT",
	"port-manager-api":   "PM_API_PORT",
	"port-prometheus":    "PROM_PORT",
	"port-grafana":       "GRAF_PORT",
	"cluster-label":      "PULSAR_CLUSTER_LABEL",
}

// Init initializes viper with defaults and config file paths
func Init() error {
	// Set config file name and type
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config file search paths
	viper.AddConfigPath("$HOME/.trellis")
	viper.AddConfigPath(".")

	// Set defaults
	for key, value := range settings(Default()) {
		viper.SetDefault(key, value)
	}

	// Bind environment variables with prefix
	viper.SetEnvPrefix("TRELLIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "TRELLIS_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := viper.BindEnv(key, envKey, legacy); err != nil {
			return fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	// Read config file (ignore if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// UseFile reads configuration from path instead of the search paths.
func UseFile(path string) error {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load reads from all sources and returns explicit Config
func Load() (*Config, error) {
	stateDir, err := homedir.Expand(viper.GetString("state-dir"))
	if err != nil {
		return nil, fmt.Errorf("invalid state-dir: %w", err)
	}
	overrides, err := homedir.Expand(viper.GetString("overrides-file"))
	if err != nil {
		return nil, fmt.Errorf("invalid overrides-file: %w", err)
	}

	cfg := &Config{
		StateDir:      stateDir,
		LogLevel:      viper.GetString("log-level"),
		Network:       viper.GetString("network"),
		ClusterLabel:  viper.GetString("cluster-label"),
		PulsarCommand: viper.GetString("pulsar-command"),
		OverridesFile: overrides,
		PublishLog:    viper.GetString("publish-log"),
		Names: NameConfig{
			Pulsar:     viper.GetString("name-pulsar"),
			Manager:    viper.GetString("name-manager"),
			Prometheus: viper.GetString("name-prometheus"),
			Grafana:    viper.GetString("name-grafana"),
		},
		Ports: PortConfig{
			PulsarBinary: viper.GetInt("port-pulsar-binary"),
			PulsarHTTP:   viper.GetInt("port-pulsar-http"),
			ManagerUI:    viper.GetInt("port-manager-ui"),
			ManagerAPI:   viper.GetInt("port-manager-api"),
			Prometheus:   viper.GetInt("port-prometheus"),
			Grafana:      viper.GetInt("port-grafana"),
			FlinkUI:      viper.GetInt("port-flink-ui"),
			JobServer:    viper.GetInt("port-job-server"),
			Artifact:     viper.GetInt("port-artifact"),
			Expansion:    viper.GetInt("port-expansion"),
			GoHarness:    viper.GetInt("port-go-harness"),
		},
		Images: ImageConfig{
			Pulsar:     viper.GetString("image-pulsar"),
			Manager:    viper.GetString("image-manager"),
			Prometheus: viper.GetString("image-prometheus"),
			Grafana:    viper.GetString("image-grafana"),
		},
		Flink: FlinkConfig{
			FlinkVersion: viper.GetString("flink-version"),
			BeamVersion:  viper.GetString("beam-version"),
			TaskSlots:    viper.GetInt("flink-task-slots"),
		},
		Probe: ProbeConfig{
			Tries:    viper.GetInt("probe-tries"),
			Interval: viper.GetDuration("probe-interval"),
			Timeout:  viper.GetDuration("probe-timeout"),
		},
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures config is sane
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state-dir must not be empty")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("invalid log-level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.Network == "" {
		return fmt.Errorf("network must not be empty")
	}

	names := map[string]string{
		"name-pulsar":     c.Names.Pulsar,
		"name-manager":    c.Names.Manager,
		"name-prometheus": c.Names.Prometheus,
		"name-grafana":    c.Names.Grafana,
	}
	seenNames := map[string]string{}
	for key, name := range names {
		if name == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		if other, dup := seenNames[name]; dup {
			return fmt.Errorf("%s and %s both use container name %q", key, other, name)
		}
		seenNames[name] = key
	}

	ports := []struct {
		name string
		port int
	}{
		{"Pulsar binary", c.Ports.PulsarBinary},
		{"Pulsar HTTP", c.Ports.PulsarHTTP},
		{"Pulsar Manager UI", c.Ports.ManagerUI},
		{"Pulsar Manager API", c.Ports.ManagerAPI},
		{"Prometheus", c.Ports.Prometheus},
		{"Grafana", c.Ports.Grafana},
		{"Flink UI", c.Ports.FlinkUI},
		{"Beam job server", c.Ports.JobServer},
		{"Beam artifact", c.Ports.Artifact},
		{"Beam expansion", c.Ports.Expansion},
		{"Go SDK harness", c.Ports.GoHarness},
	}
	seenPorts := map[int]string{}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("invalid %s port: %d", p.name, p.port)
		}
		if other, dup := seenPorts[p.port]; dup {
			return fmt.Errorf("%s and %s ports both use %d", other, p.name, p.port)
		}
		seenPorts[p.port] = p.name
	}

	if _, err := semver.NewVersion(c.Flink.FlinkVersion); err != nil {
		return fmt.Errorf("invalid flink-version %q: %w", c.Flink.FlinkVersion, err)
	}
	if _, err := semver.NewVersion(c.Flink.BeamVersion); err != nil {
		return fmt.Errorf("invalid beam-version %q: %w", c.Flink.BeamVersion, err)
	}
	if c.Flink.TaskSlots < 1 {
		return fmt.Errorf("invalid flink-task-slots: %d", c.Flink.TaskSlots)
	}

	if c.Probe.Tries < 1 {
		return fmt.Errorf("invalid probe-tries: %d (must be at least 1)", c.Probe.Tries)
	}
	if c.Probe.Interval < 0 || c.Probe.Timeout <= 0 {
		return fmt.Errorf("invalid probe timing: interval %s, timeout %s", c.Probe.Interval, c.Probe.Timeout)
	}

	return nil
}

// Save writes current config to file
func Save(cfg *Config) error {
	for key, value := range settings(cfg) {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		viper.Set(key, value)
	}

	if viper.ConfigFileUsed() != "" {
		return viper.WriteConfig()
	}

	home, err := homedir.Dir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".trellis")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return viper.SafeWriteConfigAs(filepath.Join(dir, "config.yaml"))
}

// Display shows current config (for trellis config get)
func Display() (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "(not found)"
	}

	return fmt.Sprintf(`Configuration:
  state-dir:          %s
  network:            %s
  cluster-label:      %s
  log-level:          %s
  overrides-file:     %s

Containers:
  Pulsar:             %s (%s)
  Pulsar Manager:     %s (%s)
  Prometheus:         %s (%s)
  Grafana:            %s (%s)

Ports:
  Pulsar:             %d (binary), %d (http)
  Pulsar Manager:     %d (ui), %d (api)
  Prometheus:         %d
  Grafana:            %d
  Flink UI:           %d
  Beam job server:    %d (job), %d (artifact), %d (expansion)

Flink:
  flink-version:      %s
  beam-version:       %s

Sources:
  Config file:        %s
  Environment:        TRELLIS_*
  Flags:              (per command)
`,
		cfg.StateDir,
		cfg.Network,
		cfg.ClusterLabel,
		cfg.LogLevel,
		cfg.OverridesFile,
		cfg.Names.Pulsar, cfg.Images.Pulsar,
		cfg.Names.Manager, cfg.Images.Manager,
		cfg.Names.Prometheus, cfg.Images.Prometheus,
		cfg.Names.Grafana, cfg.Images.Grafana,
		cfg.Ports.PulsarBinary, cfg.Ports.PulsarHTTP,
		cfg.Ports.ManagerUI, cfg.Ports.ManagerAPI,
		cfg.Ports.Prometheus,
		cfg.Ports.Grafana,
		cfg.Ports.FlinkUI,
		cfg.Ports.JobServer, cfg.Ports.Artifact, cfg.Ports.Expansion,
		cfg.Flink.FlinkVersion,
		cfg.Flink.BeamVersion,
		configFile,
	), nil
}
