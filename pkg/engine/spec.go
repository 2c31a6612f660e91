package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"

	"github.com/plancton/plancton/pkg/types"
)

// apparmorParam is swappable in tests
var apparmorParam = "/sys/module/apparmor/parameters/enabled"

// apparmorEnabled reports whether the host kernel has AppArmor active.
// Security options are only passed to the engine when it is; an engine
// without AppArmor rejects apparmor profiles outright.
func apparmorEnabled() bool {
	data, err := os.ReadFile(apparmorParam)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "Y"
}

// BuildCreateSpec assembles the engine creation request for one worker.
// host is the agent's hostname (truncated to 40 characters), suffix the
// worker's generated name suffix.
func BuildCreateSpec(cfg *types.Config, host, suffix string) (*container.Config, *container.HostConfig) {
	if len(host) > 40 {
		host = host[:40]
	}

	secOpts := []string{}
	if apparmorEnabled() {
		secOpts = cfg.SecurityOpts
	}

	binds := make([]string, 0, len(cfg.Binds))
	for _, b := range cfg.Binds {
		binds = append(binds, b+":ro,Z")
	}

	devices := make([]container.DeviceMapping, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		parts := strings.SplitN(d, ":", 3)
		if len(parts) != 3 {
			continue
		}
		devices = append(devices, container.DeviceMapping{
			PathOnHost:        parts[0],
			PathInContainer:   parts[1],
			CgroupPermissions: parts[2],
		})
	}

	ccfg := &container.Config{
		Cmd:      strslice.StrSlice(cfg.Command),
		Image:    cfg.Image,
		Hostname: fmt.Sprintf("plancton-%s-%s", host, suffix),
	}
	hcfg := &container.HostConfig{
		NetworkMode: "bridge",
		Binds:       binds,
		SecurityOpt: secOpts,
		Privileged:  cfg.Privileged,
		CapAdd:      strslice.StrSlice(cfg.Capabilities),
		Resources: container.Resources{
			// CpuQuota/CpuPeriod enforce an absolute cap; shares would
			// only be a relative weight
			CPUQuota:   int64(cfg.CPUsPerDock * 100000),
			CPUPeriod:  100000,
			Memory:     cfg.MaxMemBytes,
			MemorySwap: cfg.MaxMemBytes + cfg.MaxSwapBytes,
			Devices:    devices,
		},
	}
	return ccfg, hcfg
}
