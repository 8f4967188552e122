package stack

import (
	"context"
	"time"

	"github.com/trellis-sandbox/trellis/internal/engine"
)

// ContainerLister lists the engine's containers.
type ContainerLister interface {
	Containers(ctx context.Context) (map[string]engine.ContainerState, error)
}

// HealthChecker performs a single health request.
type HealthChecker interface {
	Check(ctx context.Context, url string, timeout time.Duration) bool
}

// ServiceHealth is one row of the status table.
type ServiceHealth struct {
	Name      string
	Container string
	Status    engine.ServiceStatus
	Engine    string
	Ports     []engine.PortMapping
}

// Status reports every service of t in dependency order, combining the
// engine listing with one health request per running service.
func Status(ctx context.Context, t *Topology, lister ContainerLister, checker HealthChecker) ([]ServiceHealth, error) {
	ordered, err := t.Order()
	if err != nil {
		return nil, err
	}
	states, err := lister.Containers(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]ServiceHealth, 0, len(ordered))
	for _, svc := range ordered {
		state, found := states[svc.ContainerName()]
		hasCheck := svc.Readiness != nil
		healthy := false
		if found && state.Running() && hasCheck {
			timeout := svc.Readiness.Budget.Timeout
			if timeout <= 0 {
				timeout = 2 * time.Second
			}
			healthy = checker.Check(ctx, svc.Readiness.URL, timeout)
		}
		rows = append(rows, ServiceHealth{
			Name:      svc.Name,
			Container: svc.ContainerName(),
			Status:    engine.Classify(state, found, hasCheck, healthy),
			Engine:    state.Status,
			Ports:     svc.Ports,
		})
	}
	return rows, nil
}
