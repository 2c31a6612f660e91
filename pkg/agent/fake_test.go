package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"

	configstore "github.com/plancton/plancton/pkg/config"
	"github.com/plancton/plancton/pkg/controlplane"
	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/telemetry"
	"github.com/plancton/plancton/pkg/types"
)

// fakeClock drives the agent deterministically; sleeping advances time
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Sleep(d time.Duration)   { c.t = c.t.Add(d) }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeProbe synthesises host counters so that the interval between two
// samples shows the configured efficiency
type fakeProbe struct {
	ncpus int
	clock *fakeClock
	eff   float64

	lastAt     time.Time
	lastUptime float64
	lastIdle   float64
}

func (p *fakeProbe) NumCPUs() int { return p.ncpus }

func (p *fakeProbe) Sample() (types.HostSample, error) {
	if p.lastAt.IsZero() {
		p.lastAt = p.clock.t
		p.lastUptime = 1000
		p.lastIdle = 8000
	}
	dt := p.clock.t.Sub(p.lastAt).Seconds()
	p.lastUptime += dt
	p.lastIdle += dt * float64(p.ncpus) * (100 - p.eff) / 100
	p.lastAt = p.clock.t
	return types.HostSample{Uptime: p.lastUptime, Idle: p.lastIdle}, nil
}

// fakeContainer mirrors what the engine would know about a container
type fakeContainer struct {
	id       string
	name     string
	state    string
	created  time.Time
	started  time.Time
	finished time.Time
	pid      int
}

func (c *fakeContainer) status() string {
	switch c.state {
	case "running":
		return "Up 5 minutes"
	case "exited":
		return "Exited (0) 1 minute ago"
	default:
		return "Created"
	}
}

// fakeEngine is an in-memory container engine. Create advances the clock
// by a second so creation times stay distinct and sortable.
type fakeEngine struct {
	clock      *fakeClock
	seq        int
	containers map[string]*fakeContainer
	order      []string

	createCalls  int
	pullCalls    int
	removed      []string
	failNextList int
}

func newFakeEngine(clock *fakeClock) *fakeEngine {
	return &fakeEngine{clock: clock, containers: map[string]*fakeContainer{}}
}

func (f *fakeEngine) add(name, state string, started time.Time) *fakeContainer {
	f.seq++
	c := &fakeContainer{
		id:      fmt.Sprintf("ctr%03d", f.seq),
		name:    name,
		state:   state,
		created: f.clock.t,
		started: started,
		pid:     4000 + f.seq,
	}
	f.containers[c.id] = c
	f.order = append(f.order, c.id)
	return c
}

// addWorker seeds a running owned worker that started age ago
func (f *fakeEngine) addWorker(age time.Duration) *fakeContainer {
	name := fmt.Sprintf("%s-seed%02d", types.WorkerPrefix, f.seq+1)
	c := f.add(name, "running", f.clock.t.Add(-age))
	c.created = f.clock.t.Add(-age)
	return c
}

func (f *fakeEngine) exit(id string) {
	c := f.containers[id]
	c.state = "exited"
	c.finished = f.clock.t
	c.pid = 0
}

func (f *fakeEngine) running() []*fakeContainer {
	var out []*fakeContainer
	for _, id := range f.order {
		if c, ok := f.containers[id]; ok && c.state == "running" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeEngine) List(ctx context.Context, all bool) ([]dockertypes.Container, error) {
	if f.failNextList > 0 {
		f.failNextList--
		return nil, &engine.TransientError{Op: "list", Err: errors.New("connection refused")}
	}
	var out []dockertypes.Container
	for _, id := range f.order {
		c, ok := f.containers[id]
		if !ok {
			continue
		}
		if !all && c.state != "running" {
			continue
		}
		out = append(out, dockertypes.Container{
			ID:      c.id,
			Names:   []string{"/" + c.name},
			State:   c.state,
			Status:  c.status(),
			Created: c.created.Unix(),
		})
	}
	return out, nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (dockertypes.ContainerJSON, error) {
	c, ok := f.containers[id]
	if !ok {
		return dockertypes.ContainerJSON{}, engine.ErrNotFound
	}
	return dockertypes.ContainerJSON{
		ContainerJSONBase: &dockertypes.ContainerJSONBase{
			ID: c.id,
			State: &dockertypes.ContainerState{
				Status:     c.state,
				Running:    c.state == "running",
				Pid:        c.pid,
				StartedAt:  c.started.UTC().Format(time.RFC3339Nano),
				FinishedAt: c.finished.UTC().Format(time.RFC3339Nano),
			},
		},
	}, nil
}

func (f *fakeEngine) Create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	f.createCalls++
	f.clock.Advance(time.Second)
	c := f.add(name, "created", time.Time{})
	c.pid = 0
	return c.id, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	c, ok := f.containers[id]
	if !ok {
		return engine.ErrNotFound
	}
	c.state = "running"
	c.started = f.clock.t
	c.pid = 4000 + f.seq
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string, force bool) error {
	if _, ok := f.containers[id]; !ok {
		return engine.ErrNotFound
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Pull(ctx context.Context, repo, tag string) error {
	f.pullCalls++
	return nil
}

func (f *fakeEngine) Info(ctx context.Context) (dockertypes.Info, error) {
	return dockertypes.Info{}, nil
}

// recordSink captures every emitted point
type point struct {
	series string
	tags   map[string]any
	fields map[string]any
}

type recordSink struct {
	points []point
}

func (s *recordSink) Emit(series string, tags map[string]any, fields map[string]any) {
	s.points = append(s.points, point{series: series, tags: tags, fields: fields})
}

func (s *recordSink) bySeries(series string) []point {
	var out []point
	for _, p := range s.points {
		if p.series == series {
			out = append(out, p)
		}
	}
	return out
}

// fixture wires an agent over the fakes with a config document on disk
type fixture struct {
	t     *testing.T
	a     *Agent
	fe    *fakeEngine
	probe *fakeProbe
	clock *fakeClock
	sink  *recordSink
	cp    *controlplane.ControlPlane
}

func newFixture(t *testing.T, ncpus int, cfgYAML string) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	fe := newFakeEngine(clock)
	return newFixtureWith(t, fe, fe, ncpus, cfgYAML, clock)
}

func newFixtureWith(t *testing.T, client engine.Client, fe *fakeEngine, ncpus int, cfgYAML string, clock *fakeClock) *fixture {
	t.Helper()
	probe := &fakeProbe{ncpus: ncpus, clock: clock}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))
	store := configstore.NewStore(cfgPath, ncpus)

	cp, err := controlplane.New(filepath.Join(dir, "run"))
	require.NoError(t, err)

	sink := &recordSink{}
	a := New(client, probe, store, cp, "testhost")
	a.now = clock.Now
	a.sleep = clock.Sleep
	a.sinkFactory = func(string) telemetry.Sink { return sink }

	require.NoError(t, a.init(context.Background()))
	return &fixture{t: t, a: a, fe: fe, probe: probe, clock: clock, sink: sink, cp: cp}
}

// tick runs a tick with the host showing eff percent utilisation over the
// interval since the previous sample; it does not advance the clock, so
// callers use advance first
func (f *fixture) tick(eff float64) {
	f.probe.eff = eff
	f.a.tick(context.Background())
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
}
