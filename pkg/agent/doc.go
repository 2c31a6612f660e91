/*
Package agent implements the opportunistic container control loop.

Each tick runs in a fixed order: host probe, overhead guard, config
refresh, image pull, control-plane flags, telemetry, spawner, reconciler.
The reconciler runs after the spawner so a tick cleans up its own failed
starts, and the overhead guard runs before the spawner so an evicting tick
does not also spawn. The between-tick sleep polls the stop and force-stop
signals once per second.

The agent holds no per-container state across ticks; the engine is the
authoritative store and the owned set is rebuilt by querying it.
*/
package agent
