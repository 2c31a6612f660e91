// Package metrics exposes the agent's Prometheus metrics: per-tick host
// efficiency and quota gauges, owned-container counts by state, and spawn,
// eviction and engine-retry counters. The /metrics endpoint is only served
// when an address is configured.
package metrics
