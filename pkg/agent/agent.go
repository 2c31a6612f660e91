package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/plancton/plancton/pkg/controlplane"
	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/hostprobe"
	"github.com/plancton/plancton/pkg/inventory"
	"github.com/plancton/plancton/pkg/log"
	"github.com/plancton/plancton/pkg/metrics"
	"github.com/plancton/plancton/pkg/telemetry"
	"github.com/plancton/plancton/pkg/types"

	configstore "github.com/plancton/plancton/pkg/config"
)

// Agent drives the opportunistic container control loop. All loop state is
// process-local and mutated only by the loop itself; everything about the
// owned containers is reconstructed from the engine each tick.
type Agent struct {
	client engine.Client
	probe  hostprobe.Probe
	inv    *inventory.Inventory
	store  *configstore.Store
	cp     *controlplane.ControlPlane
	logger zerolog.Logger

	hostname string

	sink         telemetry.Sink
	sinkFactory  func(url string) telemetry.Sink
	telemetryURL string

	// now and sleep are swappable so scenario tests run on a fake clock
	now   func() time.Time
	sleep func(time.Duration)

	stop atomic.Bool

	// Loop state; see the shared-resource policy: only the loop and the
	// per-second sleep poll touch these.
	startTime      time.Time
	lastConfigLoad time.Time
	lastImagePull  time.Time
	lastKill       time.Time
	overshootSince time.Time
	prevSample     types.HostSample
	havePrev       bool
	efficiency     float64
	curImage       string
	flags          controlplane.Flags
	prevFlags      controlplane.Flags
	forceKill      bool
}

// New assembles an agent over its collaborators. hostname is the short
// host name used in telemetry tags and worker hostnames.
func New(client engine.Client, probe hostprobe.Probe, store *configstore.Store, cp *controlplane.ControlPlane, hostname string) *Agent {
	return &Agent{
		client:      client,
		probe:       probe,
		inv:         inventory.New(client, types.WorkerPrefix),
		store:       store,
		cp:          cp,
		logger:      log.WithComponent("agent"),
		hostname:    hostname,
		sink:        telemetry.Nop{},
		sinkFactory: telemetry.NewSink,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// RequestStop asks the loop to exit after the current tick. Safe to call
// from signal handlers; existing workers are left running so a supervisor
// restart reattaches to them.
func (a *Agent) RequestStop() {
	a.stop.Store(true)
}

func (a *Agent) shouldRun() bool {
	return !a.stop.Load()
}

// EmitStatus sends a daemon status point; the engine client's retry hook
// uses it to report a waiting status while the engine is unreachable.
func (a *Agent) EmitStatus(status string) {
	a.sink.Emit("daemon",
		map[string]any{"hostname": a.hostname},
		map[string]any{"status": status})
}

// Run initialises the agent and drives the control loop until a stop is
// requested or a drain-stop completes. Only initialisation may fail.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.init(ctx); err != nil {
		return err
	}
	for a.shouldRun() || a.forceKill {
		a.tick(ctx)
		a.cooperativeSleep()
	}
	a.logger.Info().Msg("Exiting gracefully")
	return nil
}

func (a *Agent) init(ctx context.Context) error {
	a.startTime = a.now()

	// A force-stop left over from a previous run must not kill the
	// workers we are about to reattach to
	if err := a.cp.ClearForceStop(); err != nil {
		a.logger.Warn().Err(err).Msg("Cannot clear stale force-stop sentinel")
	}

	cfg := a.store.Load()
	a.lastConfigLoad = a.now()
	a.curImage = cfg.Image
	a.resetSink(cfg.TelemetryURL)

	repo, tag := cfg.ImageRepoTag()
	if err := a.client.Pull(ctx, repo, tag); err != nil {
		a.logger.Error().Err(err).Str("repo", repo).Str("tag", tag).Msg("Initial image pull failed")
	}
	a.lastImagePull = a.now()

	// Clean up whatever an earlier run left behind before the first tick
	a.flags = a.cp.Flags()
	a.prevFlags = a.flags
	a.reconcile(ctx)
	return nil
}

func (a *Agent) resetSink(url string) {
	a.telemetryURL = url
	a.sink = a.sinkFactory(url)
}

// tick runs one loop iteration in the mandated order: probe, overhead
// guard, config refresh, image pull, control-plane flags, telemetry,
// spawner, reconciler, drain-stop check, inventory dump.
func (a *Agent) tick(ctx context.Context) {
	a.sampleEfficiency()
	now := a.now()

	a.sink.Emit("daemon",
		map[string]any{"hostname": a.hostname},
		map[string]any{"uptime": now.Sub(a.startTime).Seconds()})

	a.overheadControl(ctx)

	cfg := a.store.Snapshot()
	if now.Sub(a.lastConfigLoad) >= cfg.UpdateConfig {
		cfg = a.store.Load()
		a.lastConfigLoad = a.now()
		if cfg.TelemetryURL != a.telemetryURL {
			a.resetSink(cfg.TelemetryURL)
		}
	}
	if cfg.Image != a.curImage || now.Sub(a.lastImagePull) >= cfg.ImageExpiration {
		repo, tag := cfg.ImageRepoTag()
		if err := a.client.Pull(ctx, repo, tag); err != nil {
			a.logger.Error().Err(err).Str("repo", repo).Str("tag", tag).Msg("Image pull failed")
		} else {
			a.curImage = cfg.Image
		}
		a.lastImagePull = a.now()
	}

	a.reloadFlags()

	running, err := a.inv.RunningCount(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Couldn't get container list, defaulting running count to zero")
		running = 0
	}

	a.logger.Debug().
		Float64("cpu_used_pct", a.efficiency).
		Float64("cpu_available_pct", a.idle()).
		Msg("Host CPU window")
	a.sink.Emit("measurement",
		map[string]any{"hostname": a.hostname},
		map[string]any{"cpu_eff": a.efficiency})
	status := "active"
	if a.flags.Drain {
		status = "draining"
	}
	a.sink.Emit("daemon",
		map[string]any{"hostname": a.hostname},
		map[string]any{"containers": running, "status": status})

	a.spawnWorkers(ctx, running)
	a.reconcile(ctx)

	if a.flags.DrainStop {
		owned, err := a.inv.Owned(ctx, true)
		if err == nil && len(owned) == 0 {
			a.logger.Info().Msg("Drain-stop requested and no containers left, will exit")
			if err := a.cp.ClearDrainStop(); err != nil {
				a.logger.Warn().Err(err).Msg("Cannot clear drain-stop sentinel")
			}
			a.RequestStop()
		}
	}

	a.dumpInventory(ctx)
	a.updateMetrics(ctx)
	metrics.TicksTotal.Inc()
}

// sampleEfficiency reads the host counters and updates the efficiency
// window. The first tick seeds the window and reports zero; a failed read
// keeps the previous window.
func (a *Agent) sampleEfficiency() {
	cur, err := a.probe.Sample()
	if err != nil {
		a.logger.Error().Err(err).Msg("Cannot sample host counters, keeping previous efficiency")
		return
	}
	if !a.havePrev {
		a.prevSample = cur
		a.havePrev = true
		a.efficiency = 0
		return
	}
	a.efficiency = hostprobe.Efficiency(a.prevSample, cur, a.probe.NumCPUs())
	a.prevSample = cur
}

func (a *Agent) idle() float64 {
	return 100 - a.efficiency
}

// reloadFlags reads operator intent from the sentinel files. Effects are
// level-triggered; only the logging is edge-triggered.
func (a *Agent) reloadFlags() {
	a.flags = a.cp.Flags()
	if a.flags.Drain && !a.prevFlags.Drain {
		a.logger.Info().Msg("Drain sentinel found: no new containers will be started")
	}
	if a.flags.ForceStop && !a.prevFlags.ForceStop {
		a.logger.Info().Msg("Force-stop sentinel found: not starting containers, killing existing")
	}
	a.prevFlags = a.flags
	a.forceKill = a.flags.ForceStop
}

// cooperativeSleep waits out the main sleep one second at a time so that
// stop requests and a freshly created force-stop sentinel take effect
// within a second.
func (a *Agent) cooperativeSleep() {
	cfg := a.store.Snapshot()
	a.logger.Debug().Dur("sleep", cfg.MainSleep).Msg("Sleeping until next tick")
	deadline := a.now().Add(cfg.MainSleep)
	for a.shouldRun() && !a.forceKill && a.now().Before(deadline) {
		a.sleep(time.Second)
		a.forceKill = a.cp.Flags().ForceStop
	}
}

func (a *Agent) updateMetrics(ctx context.Context) {
	metrics.CPUEfficiency.Set(a.efficiency)
	owned, err := a.inv.Owned(ctx, true)
	if err != nil {
		return
	}
	cfg := a.store.Snapshot()
	counts := map[types.ContainerState]int{}
	for _, c := range owned {
		counts[c.State]++
	}
	metrics.ContainersOwned.Reset()
	for state, n := range counts {
		metrics.ContainersOwned.WithLabelValues(string(state)).Set(float64(n))
	}
	metrics.CPUQuota.Set(quota(cfg, len(owned), a.probe.NumCPUs()))
}

// quota is the share of total host CPU the agent is entitled to consume
// given its current worker count, in percent
func quota(cfg *types.Config, owned, ncpus int) float64 {
	if ncpus < 1 {
		return 0
	}
	n := owned
	if cfg.MaxDocks < n {
		n = cfg.MaxDocks
	}
	return 100 * cfg.CPUsPerDock * float64(n) / float64(ncpus)
}
