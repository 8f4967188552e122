// Package proc runs external engine and compose commands.
//
// Every command is an argument vector; nothing goes through a shell. The
// Mode passed to Run decides how the exit status is treated, which is what
// lets cleanup steps be repeated safely.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

// Mode selects how output and exit status are handled.
type Mode int

const (
	// FireAndForget discards output and never reports failure.
	FireAndForget Mode = iota
	// Capture returns stdout/stderr and the exit code; a non-zero exit is not an error.
	Capture
	// Check captures output and turns a non-zero exit into a ProcessFailedError.
	Check
	// Stream attaches the command to the runner's writers; a non-zero exit is a ProcessFailedError.
	Stream
)

func (m Mode) String() string {
	switch m {
	case FireAndForget:
		return "fire-and-forget"
	case Capture:
		return "capture"
	case Check:
		return "check"
	case Stream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Outcome is the result of one command.
type Outcome struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (o Outcome) OK() bool {
	return o.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (o Outcome) Combined() string {
	return o.Stdout + o.Stderr
}

// ProcessFailedError is returned when a checked command exits non-zero.
type ProcessFailedError struct {
	ExitCode int
	Argv     []string
	Stderr   string
}

func (e *ProcessFailedError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Runner executes argument vectors.
type Runner interface {
	Run(ctx context.Context, argv []string, mode Mode) (Outcome, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Log    logr.Logger
}

// NewExecRunner returns a runner streaming to the process stdout/stderr.
func NewExecRunner(log logr.Logger) *ExecRunner {
	return &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr, Log: log}
}

// Run executes argv according to mode.
func (r *ExecRunner) Run(ctx context.Context, argv []string, mode Mode) (Outcome, error) {
	out := Outcome{Argv: argv}
	if len(argv) == 0 {
		return out, errors.New("empty command")
	}
	r.Log.V(1).Info("exec", "argv", argv, "mode", mode.String())

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	switch mode {
	case Stream:
		cmd.Stdin = os.Stdin
		cmd.Stdout = r.stdout()
		cmd.Stderr = io.MultiWriter(r.stderr(), &stderr)
	case FireAndForget:
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	default:
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			out.ExitCode = -1
			if mode == FireAndForget {
				r.Log.V(1).Info("ignoring start failure", "argv", argv, "err", err.Error())
				return out, nil
			}
			return out, fmt.Errorf("failed to start %s: %w", argv[0], err)
		}
		out.ExitCode = exitErr.ExitCode()
	}

	return out, Evaluate(out, mode)
}

// Evaluate applies the exit-status policy of mode to an outcome. Runner
// implementations share it so fakes behave like ExecRunner.
func Evaluate(out Outcome, mode Mode) error {
	if out.ExitCode == 0 {
		return nil
	}
	switch mode {
	case Check, Stream:
		return &ProcessFailedError{ExitCode: out.ExitCode, Argv: out.Argv, Stderr: out.Stderr}
	default:
		return nil
	}
}

func (r *ExecRunner) stdout() io.Writer {
	if r.Stdout == nil {
		return os.Stdout
	}
	return r.Stdout
}

func (r *ExecRunner) stderr() io.Writer {
	if r.Stderr == nil {
		return os.Stderr
	}
	return r.Stderr
}
