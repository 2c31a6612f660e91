package controlplane

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/plancton/plancton/pkg/log"
)

// Sentinel file names under the runtime directory. Presence is the signal;
// all files are zero-length.
const (
	drainFile     = "drain"
	drainStopFile = "drain-stop"
	forceStopFile = "force-stop"
)

// Flags is the operator intent read at the start of a tick
type Flags struct {
	// Drain stops spawning but keeps existing workers
	Drain bool

	// DrainStop additionally exits the daemon once the owned set is empty
	DrainStop bool

	// ForceStop stops spawning and kills all owned workers
	ForceStop bool
}

// ControlPlane encodes operator intent in sentinel files so external tools
// can signal the daemon without IPC. POSIX atomic create/unlink makes the
// files race-free between operator and daemon.
type ControlPlane struct {
	runDir string
	logger zerolog.Logger
}

// New prepares the runtime directory. Failure here is fatal: without the
// runtime directory the daemon cannot be controlled.
func New(runDir string) (*ControlPlane, error) {
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory %s: %w", runDir, err)
	}
	if err := os.Chmod(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to restrict runtime directory %s: %w", runDir, err)
	}
	return &ControlPlane{
		runDir: runDir,
		logger: log.WithComponent("controlplane"),
	}, nil
}

func (cp *ControlPlane) path(name string) string {
	return filepath.Join(cp.runDir, name)
}

func (cp *ControlPlane) present(name string) bool {
	_, err := os.Stat(cp.path(name))
	return err == nil
}

// touch creates a sentinel; an already-present file is not an error
func (cp *ControlPlane) touch(name string) error {
	f, err := os.OpenFile(cp.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to create %s sentinel: %w", name, err)
	}
	return f.Close()
}

// clear removes a sentinel; an already-absent file is not an error
func (cp *ControlPlane) clear(name string) error {
	if err := os.Remove(cp.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s sentinel: %w", name, err)
	}
	return nil
}

// Flags reads the current operator intent
func (cp *ControlPlane) Flags() Flags {
	return Flags{
		Drain:     cp.present(drainFile),
		DrainStop: cp.present(drainStopFile),
		ForceStop: cp.present(forceStopFile),
	}
}

// Drain requests drain mode; with stop set the daemon also exits once the
// owned set is empty
func (cp *ControlPlane) Drain(stop bool) error {
	if err := cp.touch(drainFile); err != nil {
		return err
	}
	if stop {
		cp.logger.Info().Msg("Drain-stop mode requested, no new containers started, will exit afterwards")
		return cp.touch(drainStopFile)
	}
	cp.logger.Info().Msg("Drain mode requested, no new containers started")
	return nil
}

// Resume leaves drain mode
func (cp *ControlPlane) Resume() error {
	cp.logger.Info().Msg("Exiting drain mode: new containers will be started")
	if err := cp.clear(drainFile); err != nil {
		return err
	}
	return cp.clear(drainStopFile)
}

// ForceStop requests the eviction of all owned workers
func (cp *ControlPlane) ForceStop() error {
	cp.logger.Info().Msg("Force-stop mode requested: not starting new containers and killing running ones")
	return cp.touch(forceStopFile)
}

// ClearForceStop acknowledges a completed force-stop; the core calls it
// once all owned containers are gone
func (cp *ControlPlane) ClearForceStop() error {
	return cp.clear(forceStopFile)
}

// ClearDrainStop acknowledges a completed drain-stop
func (cp *ControlPlane) ClearDrainStop() error {
	return cp.clear(drainStopFile)
}
