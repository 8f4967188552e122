// Package proctest provides a scripted proc.Runner for tests.
package proctest

import (
	"context"
	"strings"
	"sync"

	"github.com/trellis-sandbox/trellis/internal/proc"
)

// Handler answers a command. Returning ok=false falls through to the default
// outcome (exit 0, no output).
type Handler func(argv []string) (out proc.Outcome, ok bool)

// Call is one recorded invocation.
type Call struct {
	Argv []string
	Mode proc.Mode
}

// Line returns the argv joined by spaces.
func (c Call) Line() string {
	return strings.Join(c.Argv, " ")
}

// Runner records every call and answers it with the registered handlers in
// order.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers []Handler
}

// New returns a runner with the given handlers.
func New(handlers ...Handler) *Runner {
	return &Runner{handlers: handlers}
}

// Handle appends a handler.
func (r *Runner) Handle(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Run implements proc.Runner.
func (r *Runner) Run(_ context.Context, argv []string, mode proc.Mode) (proc.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Argv: append([]string(nil), argv...), Mode: mode})
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	out := proc.Outcome{Argv: argv}
	for _, h := range handlers {
		if o, ok := h(argv); ok {
			out = o
			out.Argv = argv
			break
		}
	}
	if mode == proc.FireAndForget {
		out.Stdout, out.Stderr = "", ""
	}
	return out, proc.Evaluate(out, mode)
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns every recorded call as a single string.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}

// Prefix matches commands whose argv starts with the given tokens.
func Prefix(tokens ...string) func(argv []string) bool {
	return func(argv []string) bool {
		if len(argv) < len(tokens) {
			return false
		}
		for i, t := range tokens {
			if argv[i] != t {
				return false
			}
		}
		return true
	}
}

// Reply answers commands matching match with a fixed outcome.
func Reply(match func([]string) bool, exitCode int, stdout, stderr string) Handler {
	return func(argv []string) (proc.Outcome, bool) {
		if !match(argv) {
			return proc.Outcome{}, false
		}
		return proc.Outcome{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, true
	}
}
