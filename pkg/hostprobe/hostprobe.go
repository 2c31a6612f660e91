package hostprobe

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/plancton/plancton/pkg/types"
)

// uptimePath is swappable in tests
var uptimePath = "/proc/uptime"

// Probe reads host CPU counters and derives interval efficiency
type Probe interface {
	// Sample reads the cumulative uptime and idle counters
	Sample() (types.HostSample, error)

	// NumCPUs returns the online CPU count, fixed at init
	NumCPUs() int
}

type procProbe struct {
	ncpus int
}

// New builds a probe for the local host. It samples once so that a host
// whose counters cannot be read fails at init, the only point where that
// is allowed to be fatal.
func New() (Probe, error) {
	p := &procProbe{ncpus: runtime.NumCPU()}
	if p.ncpus < 1 {
		return nil, fmt.Errorf("no online CPUs reported")
	}
	if _, err := p.Sample(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *procProbe) NumCPUs() int { return p.ncpus }

// Sample parses the two cumulative counters: seconds since boot and
// aggregate idle seconds across all CPUs.
func (p *procProbe) Sample() (types.HostSample, error) {
	data, err := os.ReadFile(uptimePath)
	if err != nil {
		return types.HostSample{}, fmt.Errorf("failed to read host counters: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return types.HostSample{}, fmt.Errorf("malformed host counters %q", strings.TrimSpace(string(data)))
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return types.HostSample{}, fmt.Errorf("malformed uptime counter: %w", err)
	}
	idle, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return types.HostSample{}, fmt.Errorf("malformed idle counter: %w", err)
	}
	return types.HostSample{Uptime: uptime, Idle: idle}, nil
}

// Efficiency computes whole-host CPU utilisation in percent over the
// interval between two samples, clamped to [0, 100]. A zero or negative
// interval (first tick, counter reset) yields 0.
func Efficiency(prev, cur types.HostSample, ncpus int) float64 {
	deltaUp := cur.Uptime - prev.Uptime
	if deltaUp <= 0 || ncpus < 1 {
		return 0
	}
	deltaIdle := cur.Idle - prev.Idle
	eff := (deltaUp*float64(ncpus) - deltaIdle) * 100 / (deltaUp * float64(ncpus))
	if eff < 0 {
		return 0
	}
	if eff > 100 {
		return 100
	}
	return eff
}
