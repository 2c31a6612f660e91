package types

import (
	"strings"
	"time"
)

// WorkerPrefix is the naming prefix identifying containers owned by this
// agent. Containers whose name does not carry the prefix are never touched.
const WorkerPrefix = "plancton-worker"

// ContainerState represents the engine-reported state of an owned container
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateExited  ContainerState = "exited"
	ContainerStateDead    ContainerState = "dead"
	ContainerStateUnknown ContainerState = "unknown"
)

// ParseContainerState maps an engine state string to a ContainerState
func ParseContainerState(s string) ContainerState {
	switch s {
	case "created":
		return ContainerStateCreated
	case "running":
		return ContainerStateRunning
	case "exited":
		return ContainerStateExited
	case "dead":
		return ContainerStateDead
	}
	return ContainerStateUnknown
}

// OwnedContainer is the per-tick view of a container owned by this agent.
// It is rebuilt from the engine on every tick; nothing is persisted.
type OwnedContainer struct {
	ID        string
	Name      string
	State     ContainerState
	CreatedAt time.Time
	Status    string
}

// Running reports whether the list endpoint considers the container up,
// from the Status string's "Up" prefix; State holds the list's state field.
func (c OwnedContainer) Running() bool {
	return strings.HasPrefix(c.Status, "Up")
}

// HostSample holds the host's cumulative uptime and idle CPU counters, in
// seconds. Both counters increase monotonically; idle advances by up to
// ncpus seconds per wall-clock second.
type HostSample struct {
	Uptime float64
	Idle   float64
}

// Config is an immutable policy snapshot. The config store replaces the
// whole record atomically on reload; nothing mutates a snapshot in place.
type Config struct {
	// Image is the worker image reference, repository[:tag]
	Image string

	// Command is the worker argv
	Command []string

	// MaxDocks caps the number of concurrently owned workers
	MaxDocks int

	// CPUsPerDock is the CPU quota a single worker may consume
	CPUsPerDock float64

	// MaxTTL is the hard wall-clock ceiling on worker age
	MaxTTL time.Duration

	// Loop cadences
	MainSleep       time.Duration
	UpdateConfig    time.Duration
	ImageExpiration time.Duration

	// GraceKill is the sustained-overshoot duration before an eviction
	GraceKill time.Duration

	// GraceSpawn is the post-eviction cool-down before further spawns
	GraceSpawn time.Duration

	// Resource and security knobs
	MaxMemBytes  int64
	MaxSwapBytes int64
	Privileged   bool
	Binds        []string
	Devices      []string
	Capabilities []string
	SecurityOpts []string

	// TelemetryURL points at the telemetry database as "baseurl#database";
	// empty disables telemetry
	TelemetryURL string

	// MetricsListen is the optional Prometheus endpoint address
	MetricsListen string
}

// ImageRepoTag splits the image reference into repository and tag, the tag
// defaulting to "latest"
func (c *Config) ImageRepoTag() (repo, tag string) {
	parts := strings.SplitN(c.Image, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], "latest"
}
