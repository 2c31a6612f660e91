package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/log"
	"github.com/plancton/plancton/pkg/metrics"
	"github.com/plancton/plancton/pkg/types"
)

// spawnHeadroom reserves slack so the agent never fills the host to the
// brim on a single tick
const spawnHeadroom = 0.95

// newSuffix returns a 6-character lowercase alphanumeric worker suffix
func newSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// spawnWorkers creates and starts as many workers as the current headroom
// and the max-docks policy allow. Drain, force-stop and the post-kill
// cool-down short-circuit spawning entirely.
func (a *Agent) spawnWorkers(ctx context.Context, running int) {
	cfg := a.store.Snapshot()

	fitting := int(a.idle() * spawnHeadroom * float64(a.probe.NumCPUs()) / (cfg.CPUsPerDock * 100))
	launch := cfg.MaxDocks - running
	if launch < 0 {
		launch = 0
	}
	if fitting < launch {
		launch = fitting
	}
	a.logger.Debug().Int("fitting", fitting).Int("launchable", launch).Msg("Containers fitting current CPU headroom")

	if a.flags.Drain || a.forceKill {
		return
	}
	if !a.lastKill.IsZero() && a.now().Sub(a.lastKill) <= cfg.GraceSpawn {
		if launch > 0 {
			a.logger.Info().Int("count", launch).Msg("Not launching containers: too little time elapsed after last kill")
		}
		return
	}

	a.logger.Info().Int("count", launch).Msg("Launching new containers")
	for i := 0; i < launch; i++ {
		a.spawnOne(ctx, cfg)
	}
}

// spawnOne creates and starts a single worker; failures are logged and the
// slot is given up until the next tick
func (a *Agent) spawnOne(ctx context.Context, cfg *types.Config) {
	suffix := newSuffix()
	name := types.WorkerPrefix + "-" + suffix
	ccfg, hcfg := engine.BuildCreateSpec(cfg, a.hostname, suffix)

	id, err := a.client.Create(ctx, ccfg, hcfg, name)
	if err != nil {
		a.logger.Error().Err(err).Str("name", name).Msg("Cannot create container")
		return
	}
	logger := log.WithContainerID(a.logger, id)

	if err := a.client.Start(ctx, id); err != nil {
		logger.Error().Err(err).Msg("Cannot start container")
		return
	}

	// The start call succeeding does not mean the entrypoint survived;
	// check the engine handed the container a live process
	insp, err := a.client.Inspect(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot inspect started container")
		return
	}
	if insp.State == nil || insp.State.Pid == 0 {
		logger.Error().Msg("No active process found for started container")
		return
	}
	logger.Info().Int("pid", insp.State.Pid).Msg("Worker spawned")
	metrics.SpawnsTotal.Inc()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
