// Package hostprobe reads the host's cumulative CPU counters and derives
// the interval efficiency that drives spawn and eviction decisions.
// Delta-idle per CPU gives a stable whole-host utilisation figure
// independent of which processes consume it.
package hostprobe
