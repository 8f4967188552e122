// Package overrides loads per-service adjustments to the sandbox topology.
//
// An overrides file can replace a service's image, remap the host side of its
// published ports, and add environment variables, either inline or from a
// dotenv file. YAML (.yaml, .yml), JSON (.json) and TOML (.toml) files are
// supported.
package overrides

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/stack"
)

// Overrides represents the overrides file structure
type Overrides struct {
	Services map[string]Service `yaml:"services" json:"services" toml:"services"`

	// dir resolves relative env_file paths.
	dir string
}

// Service holds the overrides for one service
type Service struct {
	Image   string               `yaml:"image,omitempty" json:"image,omitempty" toml:"image,omitempty"`
	Ports   []engine.PortMapping `yaml:"ports,omitempty" json:"ports,omitempty" toml:"ports,omitempty"`
	Env     map[string]string    `yaml:"env,omitempty" json:"env,omitempty" toml:"env,omitempty"`
	EnvFile string               `yaml:"env_file,omitempty" json:"env_file,omitempty" toml:"env_file,omitempty"`
}

// Load loads and parses an overrides file (supports .yaml, .yml, .json and .toml)
func Load(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}

	var o Overrides

	// Detect format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("failed to parse overrides JSON: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &o); err != nil {
			return nil, fmt.Errorf("failed to parse overrides TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("failed to parse overrides YAML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("failed to parse overrides (unknown extension %s, tried YAML): %w", ext, err)
		}
	}

	o.dir = filepath.Dir(path)
	return &o, nil
}

// Save saves overrides to file (format determined by file extension)
func Save(o *Overrides, path string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		data, err = json.MarshalIndent(o, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal overrides JSON: %w", err)
		}
	case ".toml":
		var sb strings.Builder
		if err = toml.NewEncoder(&sb).Encode(o); err != nil {
			return fmt.Errorf("failed to marshal overrides TOML: %w", err)
		}
		data = []byte(sb.String())
	default:
		data, err = yaml.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal overrides YAML: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write overrides file: %w", err)
	}

	return nil
}

// ValidationResult collects every problem found in an overrides file
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Err joins the errors, or returns nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid overrides: %s", strings.Join(r.Errors, "; "))
}

// Validate checks the overrides against the services of t.
func Validate(o *Overrides, t *stack.Topology) *ValidationResult {
	result := &ValidationResult{Valid: true, Errors: []string{}}

	for _, name := range o.serviceNames() {
		svc := o.Services[name]
		spec, ok := t.Service(name)
		if !ok {
			result.addError("unknown service %q", name)
			continue
		}
		for _, p := range svc.Ports {
			if err := p.Validate(); err != nil {
				result.addError("service %s: %v", name, err)
				continue
			}
			if !publishes(spec, p.Container) {
				result.addError("service %s does not publish container port %d", name, p.Container)
			}
		}
		for k := range svc.Env {
			if err := validateEnvKey(k); err != nil {
				result.addError("service %s: %v", name, err)
			}
		}
		if svc.EnvFile != "" {
			if _, err := os.Stat(o.resolve(svc.EnvFile)); err != nil {
				result.addError("service %s: env_file: %v", name, err)
			}
		}
	}

	return result
}

func validateEnvKey(k string) error {
	if k == "" {
		return fmt.Errorf("empty environment variable name")
	}
	if strings.ContainsAny(k, "= \t\n") {
		return fmt.Errorf("invalid environment variable name %q", k)
	}
	return nil
}

// Apply validates o, merges it into t and revalidates t, so a remapped host
// port that collides with another service is rejected before anything runs.
// Host port changes are carried into the service's readiness URL.
func Apply(o *Overrides, t *stack.Topology) error {
	if err := Validate(o, t).Err(); err != nil {
		return err
	}

	for i := range t.Services {
		spec := &t.Services[i]
		svc, ok := o.Services[spec.Name]
		if !ok {
			continue
		}

		if svc.Image != "" {
			spec.Image = svc.Image
		}

		if len(svc.Ports) > 0 {
			ports := append([]engine.PortMapping(nil), spec.Ports...)
			for _, p := range svc.Ports {
				for j := range ports {
					if ports[j].Container == p.Container {
						if spec.Readiness != nil {
							spec.Readiness = rebind(spec.Readiness, ports[j].Host, p.Host)
						}
						ports[j].Host = p.Host
					}
				}
			}
			spec.Ports = ports
		}

		env := make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			env[k] = v
		}
		if svc.EnvFile != "" {
			fileEnv, err := godotenv.Read(o.resolve(svc.EnvFile))
			if err != nil {
				return fmt.Errorf("service %s: failed to read env_file: %w", spec.Name, err)
			}
			for k, v := range fileEnv {
				env[k] = v
			}
		}
		for k, v := range svc.Env {
			env[k] = v
		}
		spec.Env = env
	}

	if err := t.Validate(); err != nil {
		return fmt.Errorf("topology after overrides: %w", err)
	}
	return nil
}

func (o *Overrides) resolve(path string) string {
	if filepath.IsAbs(path) || o.dir == "" {
		return path
	}
	return filepath.Join(o.dir, path)
}

func (o *Overrides) serviceNames() []string {
	names := make([]string, 0, len(o.Services))
	for n := range o.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func publishes(spec stack.ServiceSpec, containerPort int) bool {
	for _, p := range spec.Ports {
		if p.Container == containerPort {
			return true
		}
	}
	return false
}

// rebind returns r with its URL moved from host port from to port to.
func rebind(r *stack.Readiness, from, to int) *stack.Readiness {
	u, err := url.Parse(r.URL)
	if err != nil || u.Port() != strconv.Itoa(from) {
		return r
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(to))
	return &stack.Readiness{URL: u.String(), Budget: r.Budget}
}
