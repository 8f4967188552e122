package stack

import (
	"fmt"
	"strings"

	"github.com/trellis-sandbox/trellis/internal/engine"
)

// Validate checks names, images, ports and dependency edges, and rejects
// cycles.
func (t *Topology) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("topology has no network")
	}
	seen := map[string]bool{}
	containers := map[string]string{}
	hostPorts := map[string]string{}
	for _, s := range t.Services {
		if s.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service %q", s.Name)
		}
		seen[s.Name] = true
		if other, dup := containers[s.ContainerName()]; dup {
			return fmt.Errorf("services %q and %q share container name %q", other, s.Name, s.ContainerName())
		}
		containers[s.ContainerName()] = s.Name
		if s.Image == "" {
			return fmt.Errorf("service %q has no image", s.Name)
		}
		for _, p := range s.Ports {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("service %q: %w", s.Name, err)
			}
			key := hostPortKey(p)
			if other, dup := hostPorts[key]; dup {
				return fmt.Errorf("services %q and %q both publish host port %s", other, s.Name, key)
			}
			hostPorts[key] = s.Name
		}
	}
	for _, s := range t.Services {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("service %q depends on missing service %q", s.Name, dep)
			}
		}
	}
	_, err := t.Order()
	return err
}

func hostPortKey(p engine.PortMapping) string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Host, proto)
}

// Order returns the services so that every service follows its dependencies.
// Among services whose dependencies are satisfied, declaration order wins.
func (t *Topology) Order() ([]ServiceSpec, error) {
	index := make(map[string]int, len(t.Services))
	for i, s := range t.Services {
		index[s.Name] = i
	}

	inDegree := make([]int, len(t.Services))
	dependents := make([][]int, len(t.Services))
	for i, s := range t.Services {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("service %q depends on missing service %q", s.Name, dep)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(t.Services))
	ordered := make([]ServiceSpec, 0, len(t.Services))
	for len(ordered) < len(t.Services) {
		pick := -1
		for i := range t.Services {
			if !done[i] && inDegree[i] == 0 {
				pick = i
				break
			}
		}
		if pick < 0 {
			return nil, fmt.Errorf("dependency cycle detected: %s", t.cyclePath(done))
		}
		done[pick] = true
		ordered = append(ordered, t.Services[pick])
		for _, d := range dependents[pick] {
			inDegree[d]--
		}
	}
	return ordered, nil
}

// cyclePath follows unresolved dependency edges until a service repeats.
func (t *Topology) cyclePath(done []bool) string {
	index := make(map[string]int, len(t.Services))
	for i, s := range t.Services {
		index[s.Name] = i
	}
	start := -1
	for i := range t.Services {
		if !done[i] {
			start = i
			break
		}
	}
	if start < 0 {
		return "(unknown)"
	}

	pos := map[int]int{}
	var path []string
	cur := start
	for {
		if at, ok := pos[cur]; ok {
			cycle := append(path[at:], t.Services[cur].Name)
			return strings.Join(cycle, " -> ")
		}
		pos[cur] = len(path)
		path = append(path, t.Services[cur].Name)
		nextIdx := -1
		for _, dep := range t.Services[cur].DependsOn {
			if j := index[dep]; !done[j] {
				nextIdx = j
				break
			}
		}
		if nextIdx < 0 {
			return strings.Join(path, " -> ")
		}
		cur = nextIdx
	}
}

// Reverse returns services in teardown order.
func Reverse(services []ServiceSpec) []ServiceSpec {
	out := make([]ServiceSpec, len(services))
	for i, s := range services {
		out[len(services)-1-i] = s
	}
	return out
}
