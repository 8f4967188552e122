// Package engine builds and runs container engine commands.
//
// Commands are typed argument vectors rooted at the resolved runtime.Handle,
// so podman and docker are driven the same way. Convergence helpers on top
// of them make network and container state idempotent.
package engine

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/docker/go-connections/nat"

	"github.com/trellis-sandbox/trellis/internal/runtime"
)

// PortMapping publishes a container port on the host.
type PortMapping struct {
	Host      int    `yaml:"host" json:"host" toml:"host"`
	Container int    `yaml:"container" json:"container" toml:"container"`
	Protocol  string `yaml:"protocol,omitempty" json:"protocol,omitempty" toml:"protocol,omitempty"`
}

func (p PortMapping) String() string {
	s := strconv.Itoa(p.Host) + ":" + strconv.Itoa(p.Container)
	if p.Protocol != "" && p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}

// Validate checks the mapping with the engine's own port-spec grammar.
func (p PortMapping) Validate() error {
	if p.Host < 1 || p.Host > 65535 {
		return fmt.Errorf("invalid host port: %d", p.Host)
	}
	if p.Container < 1 || p.Container > 65535 {
		return fmt.Errorf("invalid container port: %d", p.Container)
	}
	if _, err := nat.ParsePortSpec(p.String()); err != nil {
		return fmt.Errorf("invalid port mapping %s: %w", p, err)
	}
	return nil
}

// Mount bind-mounts a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// RunSpec describes a detached container.
type RunSpec struct {
	Name    string
	Image   string
	Network string
	Ports   []PortMapping
	Env     map[string]string
	Volumes []Mount
	Command []string
}

// Commands builds argument vectors for one runtime.
type Commands struct {
	handle runtime.Handle
}

// NewCommands returns a builder for h.
func NewCommands(h runtime.Handle) Commands {
	return Commands{handle: h}
}

func (c Commands) engine(args ...string) []string {
	argv := make([]string, 0, len(c.handle.Engine)+len(args))
	argv = append(argv, c.handle.Engine...)
	return append(argv, args...)
}

func (c Commands) compose(file string, args ...string) []string {
	argv := make([]string, 0, len(c.handle.Compose)+len(args)+2)
	argv = append(argv, c.handle.Compose...)
	argv = append(argv, "-f", file)
	return append(argv, args...)
}

func (c Commands) NetworkInspect(name string) []string {
	return c.engine("network", "inspect", name)
}

func (c Commands) NetworkCreate(name string) []string {
	return c.engine("network", "create", name)
}

// Run returns `run -d` for spec. Environment variables are sorted so the
// argv is deterministic.
func (c Commands) Run(spec RunSpec) []string {
	argv := c.engine("run", "-d", "--name", spec.Name)
	if spec.Network != "" {
		argv = append(argv, "--network", spec.Network)
	}
	for _, p := range spec.Ports {
		argv = append(argv, "-p", p.String())
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-e", k+"="+spec.Env[k])
	}
	for _, v := range spec.Volumes {
		argv = append(argv, "-v", v.String())
	}
	argv = append(argv, spec.Image)
	return append(argv, spec.Command...)
}

func (c Commands) Remove(names ...string) []string {
	return c.engine(append([]string{"rm", "-f"}, names...)...)
}

// ListNames lists every container name, running or not.
func (c Commands) ListNames() []string {
	return c.engine("ps", "-a", "--format", "{{.Names}}")
}

// ListStatus lists name and status, tab separated.
func (c Commands) ListStatus() []string {
	return c.engine("ps", "-a", "--format", "{{.Names}}\t{{.Status}}")
}

// Table is the human-readable container table.
func (c Commands) Table() []string {
	return c.engine("ps", "--format", "table {{.Names}}\t{{.Status}}\t{{.Ports}}")
}

func (c Commands) Logs(name string, follow bool) []string {
	argv := c.engine("logs")
	if follow {
		argv = append(argv, "-f")
	}
	return append(argv, name)
}

// Exec runs args inside a running container without a TTY.
func (c Commands) Exec(container string, args ...string) []string {
	return c.engine(append([]string{"exec", container}, args...)...)
}

func (c Commands) MachineInspect() []string {
	return c.engine("machine", "inspect", "--format", "{{.State}}")
}

func (c Commands) MachineStart() []string {
	return c.engine("machine", "start")
}

func (c Commands) ComposeUp(file string) []string {
	return c.compose(file, "up", "-d")
}

func (c Commands) ComposeDown(file string) []string {
	return c.compose(file, "down", "-v", "--remove-orphans")
}
