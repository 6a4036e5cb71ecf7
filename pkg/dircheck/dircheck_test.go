package dircheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testNames() Names {
	return Names{
		LockFile:         "lock",
		EvacuateFile:     "evacuate",
		EvacuateDoneFile: "evacuate.done",
		DirtyDir:         "dirty",
		StaleDir:         "lost+found",
	}
}

func TestProbeAdmitsUsableDir(t *testing.T) {
	dir := t.TempDir()
	c := New([]string{dir}, testNames(), zaptest.NewLogger(t))
	defer c.Close()

	c.Probe()
	got := c.TakeAvailable()
	require.Len(t, got, 1)
	defer got[0].ReleaseLock()

	assert.Equal(t, dir, got[0].Path)
	assert.NotZero(t, got[0].Device)
	assert.False(t, got[0].Evacuate)

	// Probe side effects: subdirectories and lock file exist.
	for _, p := range []string{"dirty", "lost+found", "lock"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}

	// Taken directory is no longer pending.
	c.Probe()
	assert.Empty(t, c.TakeAvailable())
}

func TestProbeRefusesDoneSentinel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evacuate.done"), nil, 0644))

	c := New([]string{dir}, testNames(), zaptest.NewLogger(t))
	defer c.Close()

	c.Probe()
	assert.Empty(t, c.TakeAvailable())

	// Removing the sentinel re-admits the directory on the next probe.
	require.NoError(t, os.Remove(filepath.Join(dir, "evacuate.done")))
	c.Probe()
	got := c.TakeAvailable()
	require.Len(t, got, 1)
	got[0].ReleaseLock()
}

func TestProbeDetectsEvacuateSentinel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evacuate"), nil, 0644))

	c := New([]string{dir}, testNames(), zaptest.NewLogger(t))
	defer c.Close()

	c.Probe()
	got := c.TakeAvailable()
	require.Len(t, got, 1)
	defer got[0].ReleaseLock()
	assert.True(t, got[0].Evacuate)
}

func TestProbeSkipsMissingDir(t *testing.T) {
	c := New([]string{filepath.Join(t.TempDir(), "gone")}, testNames(), zaptest.NewLogger(t))
	defer c.Close()

	c.Probe()
	assert.Empty(t, c.TakeAvailable())
}

func TestHandBackReprobes(t *testing.T) {
	dir := t.TempDir()
	c := New([]string{dir}, testNames(), zaptest.NewLogger(t))
	defer c.Close()

	c.Probe()
	got := c.TakeAvailable()
	require.Len(t, got, 1)

	got[0].ReleaseLock()
	c.HandBack(dir)

	c.Probe()
	again := c.TakeAvailable()
	require.Len(t, again, 1)
	again[0].ReleaseLock()
}

func TestSentinelExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, SentinelExists(dir, "evacuate"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "evacuate"), nil, 0644))
	assert.True(t, SentinelExists(dir, "evacuate"))
}

func TestLockStampedWithInstance(t *testing.T) {
	dir := t.TempDir()
	c := New([]string{dir}, testNames(), zaptest.NewLogger(t))
	defer c.Close()

	c.Probe()
	got := c.TakeAvailable()
	require.Len(t, got, 1)
	defer got[0].ReleaseLock()

	body, err := os.ReadFile(filepath.Join(dir, "lock"))
	require.NoError(t, err)
	assert.Equal(t, c.instanceID.String()+"\n", string(body))
}
