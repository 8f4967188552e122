// Package seed prepares a running Pulsar sandbox for use: it creates a
// tenant, namespace and partitioned topic, applies namespace and topic
// policies, and publishes a few smoke-test messages.
//
// Every administrative step is idempotent. Resources are listed first and
// only created when absent; policies are overwritten unconditionally. The
// admin tools run inside the broker container via the engine's exec.
package seed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/probe"
	"github.com/trellis-sandbox/trellis/internal/proc"
)

// SmokePayloads are published in order by every run.
var SmokePayloads = []string{"5", "2.75", "-1"}

// FallbackCluster is used when the broker lists no clusters.
const FallbackCluster = "standalone"

// ErrPrimaryUnreachable means the broker did not answer its health check.
var ErrPrimaryUnreachable = errors.New("pulsar is not reachable")

// PublishFailedError is returned when a smoke publish fails.
type PublishFailedError struct {
	Payload  string
	ExitCode int
	LogPath  string
}

func (e *PublishFailedError) Error() string {
	return fmt.Sprintf("publish of %q failed with exit code %d (see %s)", e.Payload, e.ExitCode, e.LogPath)
}

// Params name the resources to create.
type Params struct {
	Tenant     string
	Namespace  string
	Topic      string
	Partitions int
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-=:]+$`)

// Validate checks that names are usable Pulsar identifiers.
func (p Params) Validate() error {
	for field, v := range map[string]string{"tenant": p.Tenant, "namespace": p.Namespace, "topic": p.Topic} {
		if !namePattern.MatchString(v) {
			return fmt.Errorf("invalid %s name %q", field, v)
		}
	}
	if p.Partitions < 1 {
		return fmt.Errorf("partitions must be at least 1, got %d", p.Partitions)
	}
	return nil
}

// NamespaceName is tenant/namespace.
func (p Params) NamespaceName() string {
	return p.Tenant + "/" + p.Namespace
}

// TopicName is the fully qualified persistent topic.
func (p Params) TopicName() string {
	return "persistent://" + p.NamespaceName() + "/" + p.Topic
}

// Publish is the outcome of one smoke message.
type Publish struct {
	Payload  string
	ExitCode int
	OK       bool
}

// SmokeResult is the smoke-test record written to the log file.
type SmokeResult struct {
	Publishes  []Publish
	Transcript string
	Passed     bool
}

// Report describes what a run did.
type Report struct {
	Cluster          string
	TenantCreated    bool
	NamespaceCreated bool
	TopicCreated     bool
	Smoke            SmokeResult
	LogPath          string
}

// Prober waits for the broker.
type Prober interface {
	WaitReady(ctx context.Context, url string, b probe.Budget) bool
}

// Seeder runs the seeding workflow against a running broker container.
type Seeder struct {
	Runner    proc.Runner
	Cmd       engine.Commands
	Prober    Prober
	Fs        afero.Fs
	Container string
	HealthURL string
	Budget    probe.Budget
	LogPath   string
	Log       logr.Logger
}

// Run executes the workflow. The smoke transcript is written to LogPath even
// when a publish fails.
func (s *Seeder) Run(ctx context.Context, p Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !s.Prober.WaitReady(ctx, s.HealthURL, s.Budget) {
		return nil, fmt.Errorf("%w at %s (start it first with `trellis start`)", ErrPrimaryUnreachable, s.HealthURL)
	}

	report := &Report{LogPath: s.LogPath}
	var err error

	if report.Cluster, err = s.cluster(ctx); err != nil {
		return report, fmt.Errorf("list clusters: %w", err)
	}
	s.Log.V(1).Info("using cluster", "cluster", report.Cluster)

	if report.TenantCreated, err = s.ensure(ctx,
		[]string{"tenants", "list"}, p.Tenant,
		[]string{"tenants", "create", p.Tenant, "--allowed-clusters", report.Cluster},
	); err != nil {
		return report, fmt.Errorf("ensure tenant %s: %w", p.Tenant, err)
	}
	if _, err := s.admin(ctx, "tenants", "update", p.Tenant, "--allowed-clusters", report.Cluster); err != nil {
		return report, fmt.Errorf("update tenant %s: %w", p.Tenant, err)
	}

	ns := p.NamespaceName()
	if report.NamespaceCreated, err = s.ensure(ctx,
		[]string{"namespaces", "list", p.Tenant}, ns,
		[]string{"namespaces", "create", ns},
	); err != nil {
		return report, fmt.Errorf("ensure namespace %s: %w", ns, err)
	}
	if _, err := s.admin(ctx, "namespaces", "set-schema-compatibility-strategy", ns, "--compatibility", "BACKWARD"); err != nil {
		return report, fmt.Errorf("set schema compatibility on %s: %w", ns, err)
	}
	if _, err := s.admin(ctx, "namespaces", "set-retention", ns, "--time", "1d", "--size", "-1"); err != nil {
		return report, fmt.Errorf("set retention on %s: %w", ns, err)
	}

	topic := p.TopicName()
	if report.TopicCreated, err = s.ensure(ctx,
		[]string{"topics", "list-partitioned-topics", ns}, topic,
		[]string{"topics", "create-partitioned-topic", topic, "-p", fmt.Sprint(p.Partitions)},
	); err != nil {
		return report, fmt.Errorf("ensure topic %s: %w", topic, err)
	}
	if _, err := s.admin(ctx, "topics", "set-deduplication", topic, "--enable"); err != nil {
		return report, fmt.Errorf("enable deduplication on %s: %w", topic, err)
	}

	report.Smoke = s.smoke(ctx, topic)
	if err := afero.WriteFile(s.Fs, s.LogPath, []byte(report.Smoke.Transcript), 0o644); err != nil {
		return report, fmt.Errorf("write %s: %w", s.LogPath, err)
	}
	if !report.Smoke.Passed {
		last := report.Smoke.Publishes[len(report.Smoke.Publishes)-1]
		return report, &PublishFailedError{Payload: last.Payload, ExitCode: last.ExitCode, LogPath: s.LogPath}
	}
	return report, nil
}

func (s *Seeder) admin(ctx context.Context, args ...string) (string, error) {
	argv := s.Cmd.Exec(s.Container, append([]string{"bin/pulsar-admin"}, args...)...)
	out, err := s.Runner.Run(ctx, argv, proc.Check)
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

// ensure runs list and, unless want is one of its lines, create.
func (s *Seeder) ensure(ctx context.Context, list []string, want string, create []string) (bool, error) {
	out, err := s.admin(ctx, list...)
	if err != nil {
		return false, err
	}
	for _, line := range lines(out) {
		if line == want {
			s.Log.V(1).Info("exists", "name", want)
			return false, nil
		}
	}
	if _, err := s.admin(ctx, create...); err != nil {
		return false, err
	}
	s.Log.Info("created", "name", want)
	return true, nil
}

// cluster returns the first cluster the broker lists. The listing may be a
// JSON-ish array or one name per line.
func (s *Seeder) cluster(ctx context.Context) (string, error) {
	out, err := s.admin(ctx, "clusters", "list")
	if err != nil {
		return "", err
	}
	cleaned := strings.NewReplacer("[", " ", "]", " ", `"`, " ", ",", " ", "\r", "").Replace(out)
	if fields := strings.Fields(cleaned); len(fields) > 0 {
		return fields[0], nil
	}
	return FallbackCluster, nil
}

func (s *Seeder) smoke(ctx context.Context, topic string) SmokeResult {
	var res SmokeResult
	var transcript strings.Builder
	for _, payload := range SmokePayloads {
		argv := s.Cmd.Exec(s.Container, "bin/pulsar-client", "produce", topic, "-m", payload, "-n", "1")
		out, err := s.Runner.Run(ctx, argv, proc.Capture)
		transcript.WriteString(out.Combined())

		pub := Publish{Payload: payload, ExitCode: out.ExitCode, OK: err == nil && out.OK()}
		if err != nil {
			fmt.Fprintf(&transcript, "%v\n", err)
			if pub.ExitCode == 0 {
				pub.ExitCode = 1
			}
		}
		res.Publishes = append(res.Publishes, pub)
		if !pub.OK {
			s.Log.Info("smoke publish failed", "payload", payload, "exitCode", pub.ExitCode)
			res.Transcript = transcript.String()
			return res
		}
	}
	res.Transcript = transcript.String()
	res.Passed = true
	return res
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(strings.TrimRight(l, "\r")); l != "" {
			out = append(out, l)
		}
	}
	return out
}
