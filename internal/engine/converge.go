package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/trellis-sandbox/trellis/internal/proc"
	"github.com/trellis-sandbox/trellis/internal/runtime"
)

// RemovalOutcome distinguishes a deleted container from one that was already
// gone. Both count as success.
type RemovalOutcome int

const (
	Removed RemovalOutcome = iota
	Absent
)

func (o RemovalOutcome) String() string {
	if o == Absent {
		return "absent"
	}
	return "removed"
}

// NetworkOutcome reports what EnsureNetwork did.
type NetworkOutcome int

const (
	NetworkCreated NetworkOutcome = iota
	NetworkExisted
)

func (o NetworkOutcome) String() string {
	if o == NetworkExisted {
		return "existed"
	}
	return "created"
}

// Engine converges network and container state through the engine CLI. It
// keeps no state of its own: every check re-queries the engine.
type Engine struct {
	Cmd    Commands
	Runner proc.Runner
	Log    logr.Logger
}

// New returns an Engine for the runtime h.
func New(h runtime.Handle, runner proc.Runner, log logr.Logger) *Engine {
	return &Engine{Cmd: NewCommands(h), Runner: runner, Log: log}
}

// EnsureNetwork creates name unless it already exists. A concurrent create
// that loses the race is reported as NetworkExisted.
func (e *Engine) EnsureNetwork(ctx context.Context, name string) (NetworkOutcome, error) {
	out, err := e.Runner.Run(ctx, e.Cmd.NetworkInspect(name), proc.Capture)
	if err != nil {
		return 0, err
	}
	if out.OK() {
		e.Log.V(1).Info("network exists", "network", name)
		return NetworkExisted, nil
	}

	out, err = e.Runner.Run(ctx, e.Cmd.NetworkCreate(name), proc.Capture)
	if err != nil {
		return 0, err
	}
	if out.OK() {
		e.Log.Info("network created", "network", name)
		return NetworkCreated, nil
	}
	if isAlreadyExists(out.Combined()) {
		e.Log.V(1).Info("network created concurrently", "network", name)
		return NetworkExisted, nil
	}
	return 0, &proc.ProcessFailedError{ExitCode: out.ExitCode, Argv: out.Argv, Stderr: out.Stderr}
}

// ContainerExists reports whether a container with exactly this name exists.
func (e *Engine) ContainerExists(ctx context.Context, name string) (bool, error) {
	out, err := e.Runner.Run(ctx, e.Cmd.ListNames(), proc.Check)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out.Stdout, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

// RemoveContainer force-removes name. A container that does not exist, or
// disappears before rm runs, yields Absent.
func (e *Engine) RemoveContainer(ctx context.Context, name string) (RemovalOutcome, error) {
	exists, err := e.ContainerExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		e.Log.V(1).Info("container absent", "container", name)
		return Absent, nil
	}

	out, err := e.Runner.Run(ctx, e.Cmd.Remove(name), proc.Capture)
	if err != nil {
		return 0, err
	}
	if out.OK() {
		e.Log.Info("container removed", "container", name)
		return Removed, nil
	}
	if isNotFound(out.Combined()) {
		return Absent, nil
	}
	return 0, &proc.ProcessFailedError{ExitCode: out.ExitCode, Argv: out.Argv, Stderr: out.Stderr}
}

// RunContainer starts spec detached. The name must be free.
func (e *Engine) RunContainer(ctx context.Context, spec RunSpec) error {
	if _, err := e.Runner.Run(ctx, e.Cmd.Run(spec), proc.Check); err != nil {
		return fmt.Errorf("run %s: %w", spec.Name, err)
	}
	e.Log.Info("container started", "container", spec.Name, "image", spec.Image)
	return nil
}

// ReplaceContainer removes any container named spec.Name and starts a fresh
// one. Images and bindings may change between runs, so there is no in-place
// update.
func (e *Engine) ReplaceContainer(ctx context.Context, spec RunSpec) (RemovalOutcome, error) {
	outcome, err := e.RemoveContainer(ctx, spec.Name)
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", spec.Name, err)
	}
	return outcome, e.RunContainer(ctx, spec)
}

// EnsureMachine starts the podman VM when it is not running. Hosts without a
// machine (Linux) fail the inspect, which is ignored.
func (e *Engine) EnsureMachine(ctx context.Context) error {
	out, err := e.Runner.Run(ctx, e.Cmd.MachineInspect(), proc.Capture)
	if err != nil || !out.OK() {
		e.Log.V(1).Info("no podman machine to start")
		return nil
	}
	if strings.TrimSpace(out.Stdout) == "running" {
		return nil
	}
	e.Log.Info("starting podman machine")
	if _, err := e.Runner.Run(ctx, e.Cmd.MachineStart(), proc.Check); err != nil {
		return fmt.Errorf("start podman machine: %w", err)
	}
	return nil
}

func isAlreadyExists(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "already exists") || strings.Contains(s, "already in use")
}

func isNotFound(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name")
}
