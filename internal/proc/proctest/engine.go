package proctest

import (
	"sort"
	"strings"
	"sync"

	"github.com/trellis-sandbox/trellis/internal/proc"
)

// Engine simulates the network and container state of a podman-like engine.
// Use its Handler with New.
type Engine struct {
	Binary string

	mu         sync.Mutex
	networks   map[string]bool
	containers map[string]string // name -> image
	stopped    map[string]bool
}

// NewEngine returns an empty simulated engine answering to binary.
func NewEngine(binary string) *Engine {
	return &Engine{
		Binary:     binary,
		networks:   map[string]bool{},
		containers: map[string]string{},
		stopped:    map[string]bool{},
	}
}

// AddContainer seeds a container.
func (e *Engine) AddContainer(name, image string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[name] = image
}

// Stop marks a container as exited.
func (e *Engine) Stop(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped[name] = true
}

// AddNetwork seeds a network.
func (e *Engine) AddNetwork(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.networks[name] = true
}

// ContainerNames returns the sorted container names.
func (e *Engine) ContainerNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.containers))
	for n := range e.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasNetwork reports whether the network exists.
func (e *Engine) HasNetwork(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.networks[name]
}

// Handler answers engine commands; anything else falls through.
func (e *Engine) Handler() Handler {
	return func(argv []string) (proc.Outcome, bool) {
		if len(argv) < 2 || argv[0] != e.Binary {
			return proc.Outcome{}, false
		}
		e.mu.Lock()
		defer e.mu.Unlock()

		args := argv[1:]
		switch {
		case len(args) >= 3 && args[0] == "network" && args[1] == "inspect":
			if e.networks[args[2]] {
				return ok("[{}]"), true
			}
			return fail(125, "Error: network "+args[2]+": no such network"), true
		case len(args) >= 3 && args[0] == "network" && args[1] == "create":
			if e.networks[args[2]] {
				return fail(125, "Error: network name "+args[2]+" already used: network already exists"), true
			}
			e.networks[args[2]] = true
			return ok(args[2] + "\n"), true
		case args[0] == "ps":
			return ok(e.listing(strings.Contains(strings.Join(args, " "), "{{.Status}}"))), true
		case len(args) >= 2 && args[0] == "rm":
			var missing []string
			for _, name := range args[1:] {
				if strings.HasPrefix(name, "-") {
					continue
				}
				if _, found := e.containers[name]; !found {
					missing = append(missing, name)
					continue
				}
				delete(e.containers, name)
				delete(e.stopped, name)
			}
			if len(missing) > 0 {
				return fail(1, "Error: no container with name or ID \""+missing[0]+"\" found: no such container"), true
			}
			return ok(""), true
		case args[0] == "run":
			name, image := parseRun(args)
			if _, found := e.containers[name]; found {
				return fail(125, "Error: the container name \""+name+"\" is already in use"), true
			}
			e.containers[name] = image
			return ok("0123456789ab\n"), true
		}
		return proc.Outcome{}, false
	}
}

func (e *Engine) listing(withStatus bool) string {
	names := make([]string, 0, len(e.containers))
	for n := range e.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		if withStatus {
			if e.stopped[n] {
				b.WriteString("\tExited (0) 5 seconds ago")
			} else {
				b.WriteString("\tUp 5 seconds")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// parseRun extracts --name and the image from `run -d ...` arguments.
func parseRun(args []string) (name, image string) {
	valued := map[string]bool{"--name": true, "--network": true, "-p": true, "-e": true, "-v": true}
	for i := 1; i < len(args); i++ {
		a := args[i]
		if valued[a] && i+1 < len(args) {
			if a == "--name" {
				name = args[i+1]
			}
			i++
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		return name, a
	}
	return name, ""
}

func ok(stdout string) proc.Outcome {
	return proc.Outcome{Stdout: stdout}
}

func fail(code int, stderr string) proc.Outcome {
	return proc.Outcome{ExitCode: code, Stderr: stderr + "\n"}
}
