package stack

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/engine"
	"github.com/trellis-sandbox/trellis/internal/materialize"
	"github.com/trellis-sandbox/trellis/internal/probe"
	"github.com/trellis-sandbox/trellis/internal/proc/proctest"
	"github.com/trellis-sandbox/trellis/internal/runtime"
)

type fakeConverger struct {
	events      []string
	failLaunch  map[string]error
	failRemove  map[string]error
	existing    map[string]bool
	machineErr  error
	networkErr  error
	networkSeen bool
}

func (f *fakeConverger) EnsureMachine(ctx context.Context) error {
	f.events = append(f.events, "machine")
	return f.machineErr
}

func (f *fakeConverger) EnsureNetwork(ctx context.Context, name string) (engine.NetworkOutcome, error) {
	f.events = append(f.events, "network:"+name)
	if f.networkErr != nil {
		return 0, f.networkErr
	}
	if f.networkSeen {
		return engine.NetworkExisted, nil
	}
	f.networkSeen = true
	return engine.NetworkCreated, nil
}

func (f *fakeConverger) RemoveContainer(ctx context.Context, name string) (engine.RemovalOutcome, error) {
	f.events = append(f.events, "remove:"+name)
	if err := f.failRemove[name]; err != nil {
		return 0, err
	}
	if f.existing[name] {
		delete(f.existing, name)
		return engine.Removed, nil
	}
	return engine.Absent, nil
}

func (f *fakeConverger) RunContainer(ctx context.Context, spec engine.RunSpec) error {
	f.events = append(f.events, "launch:"+spec.Name)
	if err := f.failLaunch[spec.Name]; err != nil {
		return err
	}
	if f.existing == nil {
		f.existing = map[string]bool{}
	}
	f.existing[spec.Name] = true
	return nil
}

type fakeProber struct {
	ready map[string]bool
	urls  []string
}

func (p *fakeProber) WaitReady(ctx context.Context, url string, b probe.Budget) bool {
	p.urls = append(p.urls, url)
	return p.ready[url]
}

func newOrchestrator(c *fakeConverger, p *fakeProber) (*Orchestrator, *[]Transition) {
	var transitions []Transition
	return &Orchestrator{
		Engine:       c,
		Prober:       p,
		Materializer: materialize.New(afero.NewMemMapFs()),
		Observer:     func(tr Transition) { transitions = append(transitions, tr) },
		Log:          logr.Discard(),
	}, &transitions
}

func svc(name string, deps ...string) ServiceSpec {
	return ServiceSpec{Name: name, Image: "example/" + name, DependsOn: deps}
}

func names(services []ServiceSpec) []string {
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.Name
	}
	return out
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name     string
		services []ServiceSpec
		want     []string
		wantErr  string
	}{
		{
			name:     "single service",
			services: []ServiceSpec{svc("a")},
			want:     []string{"a"},
		},
		{
			name:     "declared after dependency",
			services: []ServiceSpec{svc("a"), svc("b", "a")},
			want:     []string{"a", "b"},
		},
		{
			name:     "declared before dependency",
			services: []ServiceSpec{svc("graf", "prom"), svc("prom", "pulsar"), svc("pulsar")},
			want:     []string{"pulsar", "prom", "graf"},
		},
		{
			name:     "diamond keeps declaration order",
			services: []ServiceSpec{svc("pulsar"), svc("manager", "pulsar"), svc("prom", "pulsar"), svc("graf", "prom", "manager")},
			want:     []string{"pulsar", "manager", "prom", "graf"},
		},
		{
			name:     "cycle",
			services: []ServiceSpec{svc("a", "c"), svc("b", "a"), svc("c", "b")},
			wantErr:  "dependency cycle detected: a -> c -> b -> a",
		},
		{
			name:     "self dependency",
			services: []ServiceSpec{svc("a", "a")},
			wantErr:  "dependency cycle detected: a -> a",
		},
		{
			name:     "missing dependency",
			services: []ServiceSpec{svc("a", "ghost")},
			wantErr:  "missing service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := &Topology{Network: "net", Services: tt.services}
			got, err := topo.Order()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Order() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Order() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, names(got)); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		wantErr bool
	}{
		{
			name: "valid",
			topo: Topology{Network: "net", Services: []ServiceSpec{svc("a"), svc("b", "a")}},
		},
		{
			name:    "no network",
			topo:    Topology{Services: []ServiceSpec{svc("a")}},
			wantErr: true,
		},
		{
			name:    "duplicate service",
			topo:    Topology{Network: "net", Services: []ServiceSpec{svc("a"), svc("a")}},
			wantErr: true,
		},
		{
			name: "shared container name",
			topo: Topology{Network: "net", Services: []ServiceSpec{
				{Name: "a", Container: "x", Image: "i"},
				{Name: "b", Container: "x", Image: "i"},
			}},
			wantErr: true,
		},
		{
			name:    "missing image",
			topo:    Topology{Network: "net", Services: []ServiceSpec{{Name: "a"}}},
			wantErr: true,
		},
		{
			name: "bad port",
			topo: Topology{Network: "net", Services: []ServiceSpec{
				{Name: "a", Image: "i", Ports: []engine.PortMapping{{Host: 0, Container: 80}}},
			}},
			wantErr: true,
		},
		{
			name: "shared host port",
			topo: Topology{Network: "net", Services: []ServiceSpec{
				{Name: "a", Image: "i", Ports: []engine.PortMapping{{Host: 9090, Container: 9090}}},
				{Name: "b", Image: "i", Ports: []engine.PortMapping{{Host: 9090, Container: 3000}}},
			}},
			wantErr: true,
		},
		{
			name: "same host port on different protocols",
			topo: Topology{Network: "net", Services: []ServiceSpec{
				{Name: "a", Image: "i", Ports: []engine.PortMapping{{Host: 5353, Container: 53}}},
				{Name: "b", Image: "i", Ports: []engine.PortMapping{{Host: 5353, Container: 53, Protocol: "udp"}}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topo.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}

func TestUpLaunchesDependenciesFirst(t *testing.T) {
	topologies := map[string][]ServiceSpec{
		"single":   {svc("a")},
		"chain":    {svc("c", "b"), svc("b", "a"), svc("a")},
		"fan out":  {svc("a"), svc("b", "a"), svc("c", "a")},
		"fan in":   {svc("c", "a", "b"), svc("a"), svc("b")},
		"two deep": {svc("d", "b", "c"), svc("b", "a"), svc("c", "a"), svc("a")},
	}

	for name, services := range topologies {
		t.Run(name, func(t *testing.T) {
			c := &fakeConverger{}
			o, _ := newOrchestrator(c, &fakeProber{})
			topo := &Topology{Network: "net", Services: services}

			if _, err := o.Up(context.Background(), topo); err != nil {
				t.Fatalf("Up() error = %v", err)
			}
			for _, s := range services {
				launch := indexOf(c.events, "launch:"+s.Name)
				if launch < 0 {
					t.Fatalf("%s never launched: %v", s.Name, c.events)
				}
				for _, dep := range s.DependsOn {
					if depLaunch := indexOf(c.events, "launch:"+dep); depLaunch < 0 || depLaunch > launch {
						t.Errorf("%s launched before its dependency %s: %v", s.Name, dep, c.events)
					}
				}
			}
		})
	}
}

func TestUpStateMachine(t *testing.T) {
	c := &fakeConverger{existing: map[string]bool{"a": true}}
	p := &fakeProber{ready: map[string]bool{"http://a/health": true}}
	o, transitions := newOrchestrator(c, p)

	topo := &Topology{Network: "net", Services: []ServiceSpec{
		{Name: "a", Image: "img/a", Readiness: &Readiness{URL: "http://a/health"}},
		{Name: "b", Image: "img/b", DependsOn: []string{"a"}, Readiness: &Readiness{URL: "http://b/health"}},
		{Name: "c", Image: "img/c", DependsOn: []string{"b"}},
	}}

	report, err := o.Up(context.Background(), topo)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}

	var got []string
	for _, tr := range *transitions {
		got = append(got, tr.Service+":"+tr.From.String()+">"+tr.To.String())
	}
	want := []string{
		"a:planned>config-written", "a:config-written>resource-converged", "a:resource-converged>launched", "a:launched>ready",
		"b:planned>config-written", "b:config-written>resource-converged", "b:resource-converged>launched", "b:launched>ready-timed-out",
		"c:planned>config-written", "c:config-written>resource-converged", "c:resource-converged>launched",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	a, _ := report.Result("a")
	if a.Removal != engine.Removed {
		t.Errorf("a removal = %v, want removed", a.Removal)
	}
	b, _ := report.Result("b")
	if b.Removal != engine.Absent {
		t.Errorf("b removal = %v, want absent", b.Removal)
	}
	if diff := cmp.Diff([]string{"b"}, report.NotReady()); diff != "" {
		t.Errorf("NotReady mismatch (-want +got):\n%s", diff)
	}
	if report.Network != engine.NetworkCreated {
		t.Errorf("network outcome = %v", report.Network)
	}
	if diff := cmp.Diff([]string{"http://a/health", "http://b/health"}, p.urls); diff != "" {
		t.Errorf("probed urls mismatch (-want +got):\n%s", diff)
	}
}

func TestUpFailsFast(t *testing.T) {
	launchErr := errors.New("image not known")
	c := &fakeConverger{failLaunch: map[string]error{"b": launchErr}}
	o, _ := newOrchestrator(c, &fakeProber{})
	topo := &Topology{Network: "net", Services: []ServiceSpec{svc("a"), svc("b", "a"), svc("c", "b")}}

	report, err := o.Up(context.Background(), topo)

	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("Up() error = %v, want StepError", err)
	}
	if se.Service != "b" || se.Step != StepLaunch || !errors.Is(err, launchErr) {
		t.Errorf("StepError = %+v", se)
	}
	if indexOf(c.events, "launch:c") >= 0 || indexOf(c.events, "remove:c") >= 0 {
		t.Errorf("c touched after b failed: %v", c.events)
	}
	if len(report.Services) != 2 {
		t.Fatalf("report has %d services, want 2", len(report.Services))
	}
	if report.Services[1].State != Failed {
		t.Errorf("b state = %v, want failed", report.Services[1].State)
	}
}

func TestUpNetworkFailureHasNoSideEffects(t *testing.T) {
	c := &fakeConverger{networkErr: errors.New("permission denied")}
	o, _ := newOrchestrator(c, &fakeProber{})

	_, err := o.Up(context.Background(), &Topology{Network: "net", Services: []ServiceSpec{svc("a")}})

	var se *StepError
	if !errors.As(err, &se) || se.Step != StepNetwork {
		t.Fatalf("Up() error = %v, want network StepError", err)
	}
	if diff := cmp.Diff([]string{"network:net"}, c.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestUpStartsMachineWhenMachineBacked(t *testing.T) {
	c := &fakeConverger{}
	o, _ := newOrchestrator(c, &fakeProber{})
	o.MachineBacked = true

	if _, err := o.Up(context.Background(), &Topology{Network: "net", Services: []ServiceSpec{svc("a")}}); err != nil {
		t.Fatal(err)
	}
	if len(c.events) == 0 || c.events[0] != "machine" {
		t.Errorf("machine not ensured first: %v", c.events)
	}
}

func TestUpWritesArtifactsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := &fakeConverger{}
	o, _ := newOrchestrator(c, &fakeProber{})
	o.Materializer = materialize.New(fs)

	version := "v1"
	topo := &Topology{Network: "net", Services: []ServiceSpec{{
		Name:  "prom",
		Image: "prom/prometheus",
		Artifacts: []materialize.Artifact{{
			Path:     "/state/prom/prometheus.yml",
			Generate: func() ([]byte, error) { return []byte(version), nil },
		}},
	}}}

	for _, v := range []string{"v1", "v2"} {
		version = v
		if _, err := o.Up(context.Background(), topo); err != nil {
			t.Fatalf("Up(%s) error = %v", v, err)
		}
	}
	data, _ := afero.ReadFile(fs, "/state/prom/prometheus.yml")
	if string(data) != "v1" {
		t.Errorf("artifact = %q, want first write", data)
	}
}

func TestUpConfigFailure(t *testing.T) {
	c := &fakeConverger{}
	o, _ := newOrchestrator(c, &fakeProber{})
	o.Materializer = materialize.New(afero.NewReadOnlyFs(afero.NewMemMapFs()))

	topo := &Topology{Network: "net", Services: []ServiceSpec{{
		Name:      "prom",
		Image:     "prom/prometheus",
		Artifacts: []materialize.Artifact{{Path: "/state/p.yml", Generate: func() ([]byte, error) { return []byte("x"), nil }}},
	}}}

	_, err := o.Up(context.Background(), topo)
	var we *materialize.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("Up() error = %v, want WriteError", err)
	}
	if indexOf(c.events, "launch:prom") >= 0 {
		t.Error("launched despite config failure")
	}
}

func TestDownReverseOrder(t *testing.T) {
	c := &fakeConverger{existing: map[string]bool{"a": true, "c": true}}
	o, _ := newOrchestrator(c, &fakeProber{})
	topo := &Topology{Network: "net", Services: []ServiceSpec{svc("c", "b"), svc("a"), svc("b", "a")}}

	report := o.Down(context.Background(), topo)

	if diff := cmp.Diff([]string{"remove:c", "remove:b", "remove:a"}, c.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	want := map[string]engine.RemovalOutcome{"a": engine.Removed, "b": engine.Absent, "c": engine.Removed}
	for _, r := range report.Services {
		if r.State != Removed || r.Removal != want[r.Name] {
			t.Errorf("%s: state %v removal %v", r.Name, r.State, r.Removal)
		}
	}
}

func TestDownSwallowsFailures(t *testing.T) {
	c := &fakeConverger{failRemove: map[string]error{"b": errors.New("engine hiccup")}}
	o, _ := newOrchestrator(c, &fakeProber{})
	topo := &Topology{Network: "net", Services: []ServiceSpec{svc("a"), svc("b", "a"), svc("c", "b")}}

	report := o.Down(context.Background(), topo)

	if diff := cmp.Diff([]string{"remove:c", "remove:b", "remove:a"}, c.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	b, _ := report.Result("b")
	if b.State != Failed || b.Err == nil {
		t.Errorf("b = %+v, want failed with error", b)
	}
}

func TestDownWithCycleStillCleans(t *testing.T) {
	c := &fakeConverger{}
	o, _ := newOrchestrator(c, &fakeProber{})
	topo := &Topology{Network: "net", Services: []ServiceSpec{svc("a", "b"), svc("b", "a")}}

	o.Down(context.Background(), topo)
	if len(c.events) != 2 {
		t.Errorf("events = %v, want both removed", c.events)
	}
}

// The tests below drive the real engine package against a simulated engine.

func simulated(t *testing.T) (*Orchestrator, *proctest.Engine, *proctest.Runner) {
	t.Helper()
	sim := proctest.NewEngine("podman")
	r := proctest.New(sim.Handler())
	h := runtime.Handle{Compose: []string{"podman", "compose"}, Engine: []string{"podman"}}
	return &Orchestrator{
		Engine:       engine.New(h, r, logr.Discard()),
		Prober:       &fakeProber{},
		Materializer: materialize.New(afero.NewMemMapFs()),
		Log:          logr.Discard(),
	}, sim, r
}

func sandbox(t *testing.T) *Topology {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = "/state"
	topo, err := Sandbox(cfg, "host.containers.internal")
	if err != nil {
		t.Fatalf("Sandbox() error = %v", err)
	}
	return topo
}

func TestDownOnEmptyEngineIsNoop(t *testing.T) {
	o, sim, r := simulated(t)

	report := o.Down(context.Background(), sandbox(t))

	for _, res := range report.Services {
		if res.State != Removed || res.Removal != engine.Absent || res.Err != nil {
			t.Errorf("%s = %+v, want removed/absent", res.Name, res)
		}
	}
	for _, line := range r.Lines() {
		if strings.Contains(line, " rm ") {
			t.Errorf("rm issued on empty engine: %s", line)
		}
	}
	if len(sim.ContainerNames()) != 0 {
		t.Errorf("containers = %v", sim.ContainerNames())
	}
}

func TestUpTwiceThenDown(t *testing.T) {
	o, sim, _ := simulated(t)
	topo := sandbox(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := o.Up(ctx, topo); err != nil {
			t.Fatalf("Up #%d error = %v", i+1, err)
		}
	}
	want := []string{"graf", "prom", "pulsar", "pulsar-manager"}
	if diff := cmp.Diff(want, sim.ContainerNames()); diff != "" {
		t.Errorf("containers after up mismatch (-want +got):\n%s", diff)
	}
	if !sim.HasNetwork("pulsar-net") {
		t.Error("network not created")
	}

	o.Down(ctx, topo)
	if got := sim.ContainerNames(); len(got) != 0 {
		t.Errorf("containers after down = %v", got)
	}
	report := o.Down(ctx, topo)
	for _, res := range report.Services {
		if res.Err != nil {
			t.Errorf("second down failed for %s: %v", res.Name, res.Err)
		}
	}
}

func TestSandboxTopology(t *testing.T) {
	topo := sandbox(t)
	ordered, err := topo.Order()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{ServicePulsar, ServiceManager, ServicePrometheus, ServiceGrafana}, names(ordered)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	pulsar, _ := topo.Service(ServicePulsar)
	if diff := cmp.Diff([]string{"bash", "-lc", "bin/apply-config-from-env.py conf/standalone.conf && bin/pulsar standalone"}, pulsar.Command); diff != "" {
		t.Errorf("pulsar command mismatch (-want +got):\n%s", diff)
	}
	if pulsar.Readiness == nil || pulsar.Readiness.URL != "http://localhost:8080/admin/v2/brokers/health" {
		t.Errorf("pulsar readiness = %+v", pulsar.Readiness)
	}

	grafana, _ := topo.Service(ServiceGrafana)
	if got := grafana.Env["PULSAR_PROMETHEUS_URL"]; got != "http://host.containers.internal:9090" {
		t.Errorf("PULSAR_PROMETHEUS_URL = %q", got)
	}

	prom, _ := topo.Service(ServicePrometheus)
	if len(prom.Artifacts) != 1 || prom.Artifacts[0].Path != "/state/prom/prometheus.yml" {
		t.Fatalf("prometheus artifacts = %+v", prom.Artifacts)
	}
	data, err := prom.Artifacts[0].Generate()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "host.containers.internal:8080") {
		t.Errorf("scrape target missing:\n%s", data)
	}
}

func TestSandboxRejectsBadCommand(t *testing.T) {
	cfg := config.Default()
	cfg.PulsarCommand = `bash -lc "unterminated`
	if _, err := Sandbox(cfg, "host.containers.internal"); err == nil {
		t.Error("expected error for unterminated quote")
	}
}
