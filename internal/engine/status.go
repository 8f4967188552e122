package engine

import (
	"context"
	"strings"

	"github.com/trellis-sandbox/trellis/internal/proc"
)

// ServiceStatus represents the status of a service
type ServiceStatus int

const (
	ServiceUnknown ServiceStatus = iota
	ServiceUp
	ServiceDown
	ServiceStarting
	ServiceMissing
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceUp:
		return "up"
	case ServiceDown:
		return "down"
	case ServiceStarting:
		return "starting"
	case ServiceMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// ContainerState is one row of the engine's container listing.
type ContainerState struct {
	Name   string
	Status string
}

// Running reports whether the engine describes the container as running.
func (c ContainerState) Running() bool {
	return strings.HasPrefix(strings.ToLower(c.Status), "up")
}

// Containers lists every container known to the engine, keyed by name.
func (e *Engine) Containers(ctx context.Context) (map[string]ContainerState, error) {
	out, err := e.Runner.Run(ctx, e.Cmd.ListStatus(), proc.Check)
	if err != nil {
		return nil, err
	}
	states := make(map[string]ContainerState)
	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, status, _ := strings.Cut(line, "\t")
		name = strings.TrimSpace(name)
		states[name] = ContainerState{Name: name, Status: strings.TrimSpace(status)}
	}
	return states, nil
}

// Classify combines the container state with the result of a health check.
// hasCheck is false for services without a health endpoint.
func Classify(state ContainerState, found, hasCheck, healthy bool) ServiceStatus {
	switch {
	case !found:
		return ServiceMissing
	case !state.Running():
		return ServiceDown
	case !hasCheck || healthy:
		return ServiceUp
	default:
		return ServiceStarting
	}
}

// PrintTable streams the engine's own container table.
func (e *Engine) PrintTable(ctx context.Context) error {
	_, err := e.Runner.Run(ctx, e.Cmd.Table(), proc.Stream)
	return err
}

// Logs streams a container's logs.
func (e *Engine) Logs(ctx context.Context, name string, follow bool) error {
	_, err := e.Runner.Run(ctx, e.Cmd.Logs(name, follow), proc.Stream)
	return err
}
