// Package stack sequences the containers of the trellis sandbox.
//
// A Topology is a dependency graph of ServiceSpecs. The Orchestrator walks it
// in dependency order: for every service it writes configuration artifacts,
// clears any previous container, launches a fresh one and, when the service
// has a readiness check, waits a bounded time for it to answer. Readiness is
// reported, not enforced: a dependent is launched once its dependencies are
// launched.
package stack

import (
	"fmt"

	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/materialize"
	"github.com/trellis-sandbox/trellis/internal/probe"
)

// Readiness is an HTTP health check with its polling budget.
type Readiness struct {
	URL    string
	Budget probe.Budget
}

// ServiceSpec describes one container of the stack. It is not modified once
// a run starts.
type ServiceSpec struct {
	Name      string
	Container string
	Image     string
	Ports     []engine.PortMapping
	Env       map[string]string
	Volumes   []engine.Mount
	Command   []string
	DependsOn []string
	Readiness *Readiness
	Artifacts []materialize.Artifact
}

// ContainerName returns Container, or Name when unset.
func (s ServiceSpec) ContainerName() string {
	if s.Container != "" {
		return s.Container
	}
	return s.Name
}

// RunSpec converts the service into an engine run specification.
func (s ServiceSpec) RunSpec(network string) engine.RunSpec {
	return engine.RunSpec{
		Name:    s.ContainerName(),
		Image:   s.Image,
		Network: network,
		Ports:   s.Ports,
		Env:     s.Env,
		Volumes: s.Volumes,
		Command: s.Command,
	}
}

// Topology is the declared set of services and the network they share.
type Topology struct {
	Network  string
	Services []ServiceSpec
}

// Service looks a service up by name.
func (t *Topology) Service(name string) (ServiceSpec, bool) {
	for _, s := range t.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// State is a service's position in the bring-up sequence.
type State int

const (
	Planned State = iota
	ConfigWritten
	ResourceConverged
	Launched
	ReadyConfirmed
	ReadyTimedOut
	Removed
	Failed
)

func (s State) String() string {
	switch s {
	case Planned:
		return "planned"
	case ConfigWritten:
		return "config-written"
	case ResourceConverged:
		return "resource-converged"
	case Launched:
		return "launched"
	case ReadyConfirmed:
		return "ready"
	case ReadyTimedOut:
		return "ready-timed-out"
	case Removed:
		return "removed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// next lists the legal transitions of Up.
var next = map[State][]State{
	Planned:           {ConfigWritten, Failed},
	ConfigWritten:     {ResourceConverged, Failed},
	ResourceConverged: {Launched, Failed},
	Launched:          {ReadyConfirmed, ReadyTimedOut},
}

func canTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step names the operation a StepError came from.
type Step string

const (
	StepMachine  Step = "start engine machine"
	StepNetwork  Step = "ensure network"
	StepConfig   Step = "write config"
	StepConverge Step = "remove previous container"
	StepLaunch   Step = "launch container"
)

// StepError reports which step of which service failed.
type StepError struct {
	Service string
	Step    Step
	Err     error
}

func (e *StepError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
