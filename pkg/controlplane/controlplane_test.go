package controlplane

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControlPlane(t *testing.T) (*ControlPlane, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run")
	cp, err := New(dir)
	require.NoError(t, err)
	return cp, dir
}

func TestNewCreatesRuntimeDir(t *testing.T) {
	_, dir := newTestControlPlane(t)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestFlagsDefaultToClear(t *testing.T) {
	cp, _ := newTestControlPlane(t)
	assert.Equal(t, Flags{}, cp.Flags())
}

func TestDrain(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	require.NoError(t, cp.Drain(false))
	flags := cp.Flags()
	assert.True(t, flags.Drain)
	assert.False(t, flags.DrainStop)

	// Draining twice is not an error
	require.NoError(t, cp.Drain(false))
}

func TestDrainStop(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	require.NoError(t, cp.Drain(true))
	flags := cp.Flags()
	assert.True(t, flags.Drain)
	assert.True(t, flags.DrainStop)

	require.NoError(t, cp.ClearDrainStop())
	assert.False(t, cp.Flags().DrainStop)
	assert.True(t, cp.Flags().Drain)
}

func TestResume(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	require.NoError(t, cp.Drain(true))
	require.NoError(t, cp.Resume())

	assert.Equal(t, Flags{}, cp.Flags())

	// Resuming an already-resumed daemon is not an error
	require.NoError(t, cp.Resume())
}

func TestForceStop(t *testing.T) {
	cp, _ := newTestControlPlane(t)

	require.NoError(t, cp.ForceStop())
	assert.True(t, cp.Flags().ForceStop)

	require.NoError(t, cp.ClearForceStop())
	assert.False(t, cp.Flags().ForceStop)

	// Clearing an absent sentinel is not an error
	require.NoError(t, cp.ClearForceStop())
}

func TestSentinelsAreFiles(t *testing.T) {
	cp, dir := newTestControlPlane(t)

	require.NoError(t, cp.Drain(true))
	require.NoError(t, cp.ForceStop())

	for _, name := range []string{"drain", "drain-stop", "force-stop"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.EqualValues(t, 0, info.Size(), name)
	}
}

func TestExternalTouchIsSeen(t *testing.T) {
	cp, dir := newTestControlPlane(t)

	// An operator touching the file by hand must be equivalent to the CLI
	f, err := os.Create(filepath.Join(dir, "drain"))
	require.NoError(t, err)
	f.Close()

	assert.True(t, cp.Flags().Drain)
}
