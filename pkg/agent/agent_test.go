package agent

import (
	"context"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/types"
)

const loopConfig = `
image: busybox
max_docks: 6
cpus_per_dock: 1
max_ttl_s: 43200
main_sleep_s: 30
update_config_s: 3600
image_expiration_s: 86400
grace_kill_s: 60
grace_spawn_s: 60
`

func TestColdStartIdleHost(t *testing.T) {
	f := newFixture(t, 8, loopConfig)

	// Idle host: the first tick fills the machine up to max_docks
	f.tick(5)

	assert.Equal(t, 6, f.fe.createCalls)
	assert.Len(t, f.fe.running(), 6)
	assert.Empty(t, f.fe.removed)

	// A full agent does not spawn beyond max_docks
	f.advance(30 * time.Second)
	f.tick(5)

	assert.Equal(t, 6, f.fe.createCalls)
	assert.Len(t, f.fe.running(), 6)
}

func TestOverheadEviction(t *testing.T) {
	f := newFixture(t, 8, loopConfig)
	f.tick(5)
	require.Len(t, f.fe.running(), 6)
	youngest := f.fe.order[len(f.fe.order)-1]

	// Quota for 6 workers on 8 CPUs is 75%; 95% is a sustained overshoot.
	// The grace window is two sleeps, so the third overshooting tick kills.
	f.advance(31 * time.Second)
	f.tick(95)
	assert.Empty(t, f.fe.removed, "no eviction before the grace window")

	f.advance(31 * time.Second)
	f.tick(95)
	assert.Empty(t, f.fe.removed, "no eviction within the grace window")

	f.advance(31 * time.Second)
	f.tick(95)
	require.Len(t, f.fe.removed, 1, "exactly one eviction after the grace window")
	assert.Equal(t, youngest, f.fe.removed[0], "the youngest worker dies first")

	evictions := f.sink.bySeries("container")
	require.Len(t, evictions, 1)
	assert.Equal(t, true, evictions[0].tags["killed"])

	// The post-kill cool-down holds spawning for the next tick
	created := f.fe.createCalls
	f.advance(31 * time.Second)
	f.tick(5)
	assert.Equal(t, created, f.fe.createCalls, "no spawns during the cool-down")
}

func TestShortSpikeDoesNotEvict(t *testing.T) {
	f := newFixture(t, 8, loopConfig)
	f.tick(5)

	f.advance(31 * time.Second)
	f.tick(95)
	f.advance(31 * time.Second)
	f.tick(50)
	f.advance(31 * time.Second)
	f.tick(95)
	f.advance(31 * time.Second)
	f.tick(95)

	assert.Empty(t, f.fe.removed, "the overshoot timer resets when load drops")
}

func TestTTLEviction(t *testing.T) {
	f := newFixture(t, 8, `
max_docks: 3
cpus_per_dock: 1
max_ttl_s: 3600
main_sleep_s: 30
update_config_s: 7200
image_expiration_s: 86400
grace_kill_s: 60
grace_spawn_s: 60
`)
	old := f.fe.addWorker(3700 * time.Second)
	f.fe.addWorker(100 * time.Second)
	f.fe.addWorker(200 * time.Second)

	f.tick(5)

	require.Len(t, f.fe.removed, 1)
	assert.Equal(t, old.id, f.fe.removed[0])
	assert.Len(t, f.fe.running(), 2)

	evictions := f.sink.bySeries("container")
	require.Len(t, evictions, 1)
	assert.Equal(t, true, evictions[0].tags["killed"])
	assert.InDelta(t, 3700, evictions[0].fields["uptime"], 1)
}

func TestDrainThenDrainStop(t *testing.T) {
	f := newFixture(t, 8, `
max_docks: 3
cpus_per_dock: 1
max_ttl_s: 43200
main_sleep_s: 30
update_config_s: 7200
image_expiration_s: 86400
grace_kill_s: 60
grace_spawn_s: 60
`)
	workers := []*fakeContainer{
		f.fe.addWorker(100 * time.Second),
		f.fe.addWorker(200 * time.Second),
		f.fe.addWorker(300 * time.Second),
	}
	require.NoError(t, f.cp.Drain(true))

	// Draining keeps existing workers and spawns nothing
	f.tick(5)
	assert.Zero(t, f.fe.createCalls)
	assert.Len(t, f.fe.running(), 3)
	assert.True(t, f.a.shouldRun())

	// Once the workers exit on their own the daemon winds down
	for _, w := range workers {
		f.fe.exit(w.id)
	}
	f.advance(30 * time.Second)
	f.tick(5)

	assert.Zero(t, f.fe.createCalls)
	assert.Len(t, f.fe.removed, 3)
	assert.False(t, f.a.shouldRun(), "drain-stop exits once the owned set is empty")
	assert.False(t, f.cp.Flags().DrainStop, "the drain-stop sentinel is cleared")
	assert.True(t, f.cp.Flags().Drain, "the drain sentinel stays")

	for _, p := range f.sink.bySeries("container") {
		assert.Equal(t, false, p.tags["killed"], "self-exited workers are not kills")
	}
}

func TestForceStop(t *testing.T) {
	f := newFixture(t, 8, loopConfig)
	for i := 0; i < 4; i++ {
		f.fe.addWorker(time.Duration(i+1) * 100 * time.Second)
	}
	require.NoError(t, f.cp.ForceStop())

	f.tick(5)

	assert.Zero(t, f.fe.createCalls, "force-stop stops spawning")
	assert.Len(t, f.fe.removed, 4, "all owned workers are evicted")
	assert.Empty(t, f.fe.containers)
	assert.False(t, f.cp.Flags().ForceStop, "the force-stop sentinel is cleared")

	evictions := f.sink.bySeries("container")
	require.Len(t, evictions, 4)
	for _, p := range evictions {
		assert.Equal(t, true, p.tags["killed"])
	}

	// The daemon itself keeps running
	assert.True(t, f.a.shouldRun())
}

// retryEngine routes the fake through the real retry helper so transient
// outages are exercised end to end
type retryEngine struct {
	fe     *fakeEngine
	policy engine.RetryPolicy
}

func (r *retryEngine) List(ctx context.Context, all bool) ([]dockertypes.Container, error) {
	return engine.WithRetry(r.policy, "list", func() ([]dockertypes.Container, error) {
		return r.fe.List(ctx, all)
	})
}

func (r *retryEngine) Inspect(ctx context.Context, id string) (dockertypes.ContainerJSON, error) {
	return engine.WithRetry(r.policy, "inspect", func() (dockertypes.ContainerJSON, error) {
		return r.fe.Inspect(ctx, id)
	})
}

func (r *retryEngine) Create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	return engine.WithRetry(r.policy, "create", func() (string, error) {
		return r.fe.Create(ctx, cfg, hostCfg, name)
	})
}

func (r *retryEngine) Start(ctx context.Context, id string) error {
	_, err := engine.WithRetry(r.policy, "start", func() (struct{}, error) {
		return struct{}{}, r.fe.Start(ctx, id)
	})
	return err
}

func (r *retryEngine) Remove(ctx context.Context, id string, force bool) error {
	_, err := engine.WithRetry(r.policy, "remove", func() (struct{}, error) {
		return struct{}{}, r.fe.Remove(ctx, id, force)
	})
	return err
}

func (r *retryEngine) Pull(ctx context.Context, repo, tag string) error {
	_, err := engine.WithRetry(r.policy, "pull", func() (struct{}, error) {
		return struct{}{}, r.fe.Pull(ctx, repo, tag)
	})
	return err
}

func (r *retryEngine) Info(ctx context.Context) (dockertypes.Info, error) {
	return engine.WithRetry(r.policy, "info", func() (dockertypes.Info, error) {
		return r.fe.Info(ctx)
	})
}

func TestEngineTransientOutage(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	fe := newFakeEngine(clock)
	client := &retryEngine{fe: fe, policy: engine.RetryPolicy{
		Tries:   5,
		Delay:   3 * time.Second,
		Backoff: 2,
		Sleep:   clock.Sleep,
	}}
	f := newFixtureWith(t, client, fe, 8, `
max_docks: 2
cpus_per_dock: 1
max_ttl_s: 43200
main_sleep_s: 30
update_config_s: 7200
image_expiration_s: 86400
grace_kill_s: 60
grace_spawn_s: 60
`, clock)

	// Three failed calls, then recovery: the tick completes on retry four
	fe.failNextList = 3
	f.tick(5)

	assert.Equal(t, 2, f.fe.createCalls, "each intended slot is created exactly once")
	assert.Len(t, f.fe.running(), 2)
}

func TestCooperativeSleepWakesOnForceStop(t *testing.T) {
	f := newFixture(t, 8, loopConfig)
	require.NoError(t, f.cp.ForceStop())

	before := f.clock.t
	f.a.cooperativeSleep()

	assert.True(t, f.a.forceKill)
	assert.LessOrEqual(t, f.clock.t.Sub(before), 2*time.Second,
		"a fresh force-stop wakes the sleep within a second or two")
}

func TestCooperativeSleepWakesOnStop(t *testing.T) {
	f := newFixture(t, 8, loopConfig)
	f.a.RequestStop()

	before := f.clock.t
	f.a.cooperativeSleep()

	assert.Equal(t, before, f.clock.t, "a stopped agent does not sleep")
}

func TestQuota(t *testing.T) {
	tests := []struct {
		name     string
		owned    int
		maxDocks int
		cpus     float64
		ncpus    int
		want     float64
	}{
		{name: "no workers", owned: 0, maxDocks: 6, cpus: 1, ncpus: 8, want: 0},
		{name: "full house", owned: 6, maxDocks: 6, cpus: 1, ncpus: 8, want: 75},
		{name: "owned above max docks", owned: 10, maxDocks: 6, cpus: 1, ncpus: 8, want: 75},
		{name: "fractional cpus", owned: 4, maxDocks: 8, cpus: 0.5, ncpus: 8, want: 25},
		{name: "no cpus", owned: 4, maxDocks: 8, cpus: 1, ncpus: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &types.Config{MaxDocks: tt.maxDocks, CPUsPerDock: tt.cpus}
			assert.InDelta(t, tt.want, quota(cfg, tt.owned, tt.ncpus), 0.001)
		})
	}
}

func TestNewSuffix(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := newSuffix()
		assert.Len(t, s, 6)
		for _, c := range s {
			assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z'),
				"suffix %q must be lowercase alphanumeric", s)
		}
		seen[s] = true
	}
	assert.Greater(t, len(seen), 90, "suffixes must not collide constantly")
}

func TestParseEngineTime(t *testing.T) {
	got, err := parseEngineTime("2024-01-01T12:00:30.123456789+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC), got)

	_, err = parseEngineTime("yesterday")
	assert.Error(t, err)

	zero, err := parseEngineTime("0001-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.False(t, started(zero))
}
