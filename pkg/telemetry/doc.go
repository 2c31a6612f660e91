// Package telemetry emits structured samples to an opaque time-series
// sink. Three series are produced by the daemon: daemon (uptime, container
// count, status), measurement (host CPU efficiency) and container
// (per-eviction uptime and outcome flags).
package telemetry
