package agent

import (
	"context"
	"errors"
	"time"

	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/log"
	"github.com/plancton/plancton/pkg/metrics"
)

// overheadThreshold is the band in percentage points above the quota that
// absorbs measurement noise before overshoot accounting starts
const overheadThreshold = 10.0

// overheadControl compares the observed efficiency to the quota implied by
// the current owned count and, on sustained overshoot, evicts the youngest
// owned worker. The grace window prevents thrashing under short spikes.
func (a *Agent) overheadControl(ctx context.Context) {
	cfg := a.store.Snapshot()

	owned, err := a.inv.RunningCount(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Couldn't count containers for overhead control")
		return
	}
	q := quota(cfg, owned, a.probe.NumCPUs())
	if q == 0 {
		// Nothing owned means nothing to evict; whatever is burning the
		// host is not ours
		a.overshootSince = time.Time{}
		return
	}

	if a.efficiency <= q+overheadThreshold {
		a.overshootSince = time.Time{}
		return
	}

	now := a.now()
	if a.overshootSince.IsZero() {
		a.overshootSince = now
	}
	a.logger.Warn().
		Float64("quota_pct", q).
		Dur("over_for", now.Sub(a.overshootSince)).
		Dur("grace_kill", cfg.GraceKill).
		Msg("Above CPU threshold")
	if now.Sub(a.overshootSince) <= cfg.GraceKill {
		return
	}

	victims, err := a.inv.YoungestFirst(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Couldn't list workers for eviction")
		return
	}
	if len(victims) == 0 {
		a.logger.Debug().Msg("No workers found, nothing to do")
		a.overshootSince = time.Time{}
		return
	}

	victim := victims[0]
	logger := log.WithContainerID(a.logger, victim.ID)
	logger.Debug().Msg("Killing youngest worker")
	if err := a.client.Remove(ctx, victim.ID, true); err != nil && !errors.Is(err, engine.ErrNotFound) {
		// Leave the overshoot timer armed so the next tick retries
		logger.Error().Err(err).Msg("Cannot remove worker")
		return
	}
	logger.Info().Msg("Worker removed successfully")
	a.lastKill = now
	a.overshootSince = time.Time{}
	metrics.EvictionsTotal.WithLabelValues(metrics.ReasonOverhead).Inc()
	a.sink.Emit("container",
		map[string]any{"hostname": a.hostname, "started": true, "killed": true},
		map[string]any{"uptime": now.Sub(victim.CreatedAt).Seconds()})
}
