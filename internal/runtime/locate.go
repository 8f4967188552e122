// Package runtime discovers which container engine and compose front-end are
// installed on the host.
package runtime

import (
	"errors"
	"os/exec"
	goruntime "runtime"
	"sync"
)

// EngineNotFoundError is returned when neither podman nor docker is on PATH.
type EngineNotFoundError struct {
	Searched []string
}

func (e *EngineNotFoundError) Error() string {
	return "no container engine found on PATH (install podman or docker)"
}

// Handle is the resolved pair of compose and engine invocations.
type Handle struct {
	Compose       []string
	Engine        []string
	MachineBacked bool
}

// EngineName returns the engine binary name ("podman" or "docker").
func (h Handle) EngineName() string {
	if len(h.Engine) == 0 {
		return ""
	}
	return h.Engine[0]
}

// HostGateway is the hostname containers use to reach the host.
func (h Handle) HostGateway() string {
	if h.EngineName() == "docker" {
		return "host.docker.internal"
	}
	return "host.containers.internal"
}

type candidate struct {
	binary  string
	compose []string
	engine  []string
}

// Preference order; first match wins.
var candidates = []candidate{
	{binary: "podman-compose", compose: []string{"podman-compose"}, engine: []string{"podman"}},
	{binary: "podman", compose: []string{"podman", "compose"}, engine: []string{"podman"}},
	{binary: "docker", compose: []string{"docker", "compose"}, engine: []string{"docker"}},
}

// Locator resolves a Handle once and caches it for the process lifetime.
type Locator struct {
	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// GOOS defaults to runtime.GOOS.
	GOOS string

	once   sync.Once
	handle Handle
	err    error
}

// Locate returns the cached Handle, probing PATH on first use.
func (l *Locator) Locate() (Handle, error) {
	l.once.Do(func() {
		l.handle, l.err = l.locate()
	})
	return l.handle, l.err
}

func (l *Locator) locate() (Handle, error) {
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	goos := l.GOOS
	if goos == "" {
		goos = goruntime.GOOS
	}

	searched := make([]string, 0, len(candidates))
	for _, c := range candidates {
		searched = append(searched, c.binary)
		if _, err := lookPath(c.binary); err != nil {
			continue
		}
		h := Handle{
			Compose: append([]string(nil), c.compose...),
			Engine:  append([]string(nil), c.engine...),
		}
		h.MachineBacked = c.engine[0] == "podman" && (goos == "darwin" || goos == "windows")
		return h, nil
	}
	return Handle{}, &EngineNotFoundError{Searched: searched}
}

var defaultLocator = &Locator{}

// Locate resolves the host runtime using the process-wide locator.
func Locate() (Handle, error) {
	return defaultLocator.Locate()
}

// IsEngineNotFound reports whether err is an EngineNotFoundError.
func IsEngineNotFound(err error) bool {
	var e *EngineNotFoundError
	return errors.As(err, &e)
}
