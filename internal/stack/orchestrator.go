package stack

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/materialize"
	"github.com/trellis-sandbox/trellis/internal/probe"
)

// Converger is the engine surface the orchestrator needs.
type Converger interface {
	EnsureMachine(ctx context.Context) error
	EnsureNetwork(ctx context.Context, name string) (engine.NetworkOutcome, error)
	RemoveContainer(ctx context.Context, name string) (engine.RemovalOutcome, error)
	RunContainer(ctx context.Context, spec engine.RunSpec) error
}

// Prober waits for a readiness endpoint.
type Prober interface {
	WaitReady(ctx context.Context, url string, b probe.Budget) bool
}

// Materializer writes configuration artifacts.
type Materializer interface {
	Apply(a materialize.Artifact) (string, error)
}

// Transition is emitted every time a service changes state.
type Transition struct {
	Service string
	From    State
	To      State
	Detail  string
}

// Observer receives transitions as they happen.
type Observer func(Transition)

// ServiceResult is the final state of one service after Up or Down.
type ServiceResult struct {
	Name      string
	Container string
	State     State
	Removal   engine.RemovalOutcome
	Err       error
}

// Report summarizes a run.
type Report struct {
	Network  engine.NetworkOutcome
	Services []ServiceResult
}

// Result returns the result for a service.
func (r *Report) Result(name string) (ServiceResult, bool) {
	for _, s := range r.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceResult{}, false
}

// NotReady lists services whose readiness wait timed out.
func (r *Report) NotReady() []string {
	var names []string
	for _, s := range r.Services {
		if s.State == ReadyTimedOut {
			names = append(names, s.Name)
		}
	}
	return names
}

// Orchestrator brings a Topology up and down.
type Orchestrator struct {
	Engine        Converger
	Prober        Prober
	Materializer  Materializer
	MachineBacked bool
	Observer      Observer
	Log           logr.Logger
}

// Up launches every service in dependency order. A failing step aborts the
// remaining sequence; the partial report is returned with the error. Readiness
// timeouts are recorded in the report and do not fail the run.
func (o *Orchestrator) Up(ctx context.Context, t *Topology) (*Report, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	ordered, err := t.Order()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if o.MachineBacked {
		if err := o.Engine.EnsureMachine(ctx); err != nil {
			return report, &StepError{Step: StepMachine, Err: err}
		}
	}

	netOutcome, err := o.Engine.EnsureNetwork(ctx, t.Network)
	if err != nil {
		return report, &StepError{Step: StepNetwork, Err: err}
	}
	report.Network = netOutcome
	o.Log.V(1).Info("network ready", "network", t.Network, "outcome", netOutcome.String())

	for _, svc := range ordered {
		res, err := o.upService(ctx, t.Network, svc)
		report.Services = append(report.Services, res)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) upService(ctx context.Context, network string, svc ServiceSpec) (ServiceResult, error) {
	res := ServiceResult{Name: svc.Name, Container: svc.ContainerName(), State: Planned}
	log := o.Log.WithValues("service", svc.Name)

	fail := func(step Step, err error) (ServiceResult, error) {
		o.move(&res, Failed, string(step))
		res.Err = err
		log.Error(err, "step failed", "step", string(step))
		return res, &StepError{Service: svc.Name, Step: step, Err: err}
	}

	for _, a := range svc.Artifacts {
		path, err := o.Materializer.Apply(a)
		if err != nil {
			return fail(StepConfig, err)
		}
		log.V(1).Info("artifact in place", "path", path)
	}
	o.move(&res, ConfigWritten, "")

	removal, err := o.Engine.RemoveContainer(ctx, res.Container)
	if err != nil {
		return fail(StepConverge, err)
	}
	res.Removal = removal
	o.move(&res, ResourceConverged, removal.String())

	if err := o.Engine.RunContainer(ctx, svc.RunSpec(network)); err != nil {
		return fail(StepLaunch, err)
	}
	o.move(&res, Launched, svc.Image)

	if svc.Readiness == nil {
		return res, nil
	}
	if o.Prober.WaitReady(ctx, svc.Readiness.URL, svc.Readiness.Budget) {
		o.move(&res, ReadyConfirmed, svc.Readiness.URL)
	} else {
		log.Info("not ready within budget, continuing", "url", svc.Readiness.URL)
		o.move(&res, ReadyTimedOut, svc.Readiness.URL)
	}
	return res, nil
}

// Down removes every container in reverse dependency order. Failures are
// logged and recorded per service so the rest of the stack is still cleaned;
// Down itself never fails.
func (o *Orchestrator) Down(ctx context.Context, t *Topology) *Report {
	ordered, err := t.Order()
	if err != nil {
		o.Log.Info("cannot order topology, removing in declaration order", "err", err.Error())
		ordered = t.Services
	}

	report := &Report{}
	for _, svc := range Reverse(ordered) {
		res := ServiceResult{Name: svc.Name, Container: svc.ContainerName(), State: Launched}
		outcome, err := o.Engine.RemoveContainer(ctx, res.Container)
		detail := outcome.String()
		if err != nil {
			o.Log.Error(err, "removal failed, continuing", "service", svc.Name)
			res.State = Failed
			res.Err = err
			detail = err.Error()
		} else {
			res.State = Removed
			res.Removal = outcome
		}
		o.notify(Transition{Service: svc.Name, From: Launched, To: res.State, Detail: detail})
		report.Services = append(report.Services, res)
	}
	return report
}

func (o *Orchestrator) move(res *ServiceResult, to State, detail string) {
	from := res.State
	if !canTransition(from, to) {
		// Only reachable through a bug in Up.
		o.Log.Error(fmt.Errorf("illegal transition %s -> %s", from, to), "state machine violated", "service", res.Name)
	}
	res.State = to
	o.notify(Transition{Service: res.Name, From: from, To: to, Detail: detail})
}

func (o *Orchestrator) notify(tr Transition) {
	if o.Observer != nil {
		o.Observer(tr)
	}
}
