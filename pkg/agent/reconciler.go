package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/rs/zerolog"

	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/log"
	"github.com/plancton/plancton/pkg/metrics"
	"github.com/plancton/plancton/pkg/types"
)

// parseEngineTime parses an engine timestamp to second precision, in UTC.
// Both sides of every age comparison use UTC so mismatched host timezones
// cannot skew TTL arithmetic.
func parseEngineTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad engine timestamp %q: %w", s, err)
	}
	return t.UTC().Truncate(time.Second), nil
}

// started reports whether an engine timestamp refers to a real instant;
// the engine uses the zero year for never-started containers
func started(t time.Time) bool {
	return t.Year() > 1
}

// reconcile garbage-collects the owned set: removes exited and
// created-but-never-started containers, kills over-TTL running ones, and
// removes everything when force-stop is set. Per-container errors are
// logged and the container is retried on a later tick.
func (a *Agent) reconcile(ctx context.Context) {
	cfg := a.store.Snapshot()
	owned, err := a.inv.Owned(ctx, true)
	if err != nil {
		a.logger.Error().Err(err).Msg("Couldn't get container list")
		return
	}

	removeFailed := false
	for _, c := range owned {
		if !a.reconcileOne(ctx, cfg, c) {
			removeFailed = true
		}
	}

	if a.forceKill && !removeFailed {
		a.forceKill = false
		if err := a.cp.ClearForceStop(); err != nil {
			a.logger.Error().Err(err).Msg("Cannot remove force-stop sentinel")
		}
	}
}

// reconcileOne handles a single owned container and reports whether the
// pass over it succeeded
func (a *Agent) reconcileOne(ctx context.Context, cfg *types.Config, c types.OwnedContainer) bool {
	logger := log.WithContainerID(a.logger, c.ID)

	switch c.State {
	case types.ContainerStateRunning:
		insp, err := a.client.Inspect(ctx, c.ID)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return true
			}
			logger.Error().Err(err).Msg("Couldn't get container information")
			return false
		}
		return a.reconcileRunning(ctx, cfg, c, insp, logger)

	case types.ContainerStateExited, types.ContainerStateDead:
		uptime := 0.0
		if insp, err := a.client.Inspect(ctx, c.ID); err == nil {
			startedAt, serr := parseEngineTime(insp.State.StartedAt)
			finishedAt, ferr := parseEngineTime(insp.State.FinishedAt)
			if serr == nil && ferr == nil && started(startedAt) {
				uptime = finishedAt.Sub(startedAt).Seconds()
			}
		} else if !errors.Is(err, engine.ErrNotFound) {
			logger.Error().Err(err).Msg("Couldn't get container information")
		}
		logger.Info().Str("status", c.Status).Msg("Removing container with a bad status")
		if !a.removeOwned(ctx, c.ID, logger) {
			return false
		}
		metrics.EvictionsTotal.WithLabelValues(metrics.ReasonExited).Inc()
		a.sink.Emit("container",
			map[string]any{"hostname": a.hostname, "started": true, "killed": false},
			map[string]any{"uptime": uptime})
		return true

	case types.ContainerStateCreated:
		logger.Info().Msg("Removing container that never started")
		if !a.removeOwned(ctx, c.ID, logger) {
			return false
		}
		metrics.EvictionsTotal.WithLabelValues(metrics.ReasonStale).Inc()
		a.sink.Emit("container",
			map[string]any{"hostname": a.hostname, "started": false, "killed": false},
			map[string]any{"uptime": 0})
		return true

	default:
		logger.Info().Str("status", c.Status).Msg("Removing container in unknown state")
		if !a.removeOwned(ctx, c.ID, logger) {
			return false
		}
		metrics.EvictionsTotal.WithLabelValues(metrics.ReasonStale).Inc()
		return true
	}
}

func (a *Agent) reconcileRunning(ctx context.Context, cfg *types.Config, c types.OwnedContainer, insp dockertypes.ContainerJSON, logger zerolog.Logger) bool {
	startedAt, err := parseEngineTime(insp.State.StartedAt)
	haveStart := err == nil && started(startedAt)
	if !haveStart && !a.forceKill {
		logger.Error().Err(err).Msg("Running container has no usable start time, leaving it alone")
		return true
	}
	var uptime time.Duration
	if haveStart {
		uptime = a.now().UTC().Sub(startedAt)
	}

	if uptime <= cfg.MaxTTL && !a.forceKill {
		logger.Debug().Dur("uptime", uptime).Msg("Container is below its maximum TTL, leaving it alone")
		return true
	}

	reason := metrics.ReasonTTL
	if a.forceKill {
		reason = metrics.ReasonForceStop
		logger.Info().Msg("Force killing container")
	} else {
		logger.Info().Dur("uptime", uptime).Msg("Killing container since it exceeded the max TTL")
	}
	if !a.removeOwned(ctx, c.ID, logger) {
		return false
	}
	metrics.EvictionsTotal.WithLabelValues(reason).Inc()
	a.sink.Emit("container",
		map[string]any{"hostname": a.hostname, "started": true, "killed": true},
		map[string]any{"uptime": uptime.Seconds()})
	return true
}

// removeOwned force-removes a container; a 404 counts as success since the
// container is already gone
func (a *Agent) removeOwned(ctx context.Context, id string, logger zerolog.Logger) bool {
	if err := a.client.Remove(ctx, id, true); err != nil && !errors.Is(err, engine.ErrNotFound) {
		logger.Warn().Err(err).Msg("It was not possible to remove the container")
		return false
	}
	logger.Info().Msg("Removed container")
	return true
}
