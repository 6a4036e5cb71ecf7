package storage

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"strata/pkg/dircheck"
	"strata/pkg/layout"
	"strata/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findChunkFile locates the chunk's file across the test directories,
// returning its path and whether it sits under dirty/.
func findChunkFile(t *testing.T, dirs []string, name string) (string, bool) {
	t.Helper()
	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return filepath.Join(dir, name), false
		}
		if _, err := os.Stat(filepath.Join(dir, "dirty", name)); err == nil {
			return filepath.Join(dir, "dirty", name), true
		}
	}
	return "", false
}

func TestAllocWriteStabilize(t *testing.T) {
	env := newTestEnv(t, 2)
	m := env.m

	require.NoError(t, m.AllocChunk(7, 42, 1))

	payload := make([]byte, 1<<20)
	rand.New(rand.NewSource(7)).Read(payload)
	n, err := m.WriteChunk(42, 1, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), n)

	// Before stabilization the file lives under dirty/ with version 0.
	_, dirty := findChunkFile(t, env.dirs, "7.42.0")
	assert.True(t, dirty)

	require.NoError(t, m.MakeChunkStable(42, 1))

	path, dirty := findChunkFile(t, env.dirs, "7.42.1")
	require.NotEmpty(t, path, "stable chunk file missing")
	assert.False(t, dirty)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(layout.HeaderSize+1<<20), fi.Size())

	// Nothing is left under dirty/.
	for _, dir := range env.dirs {
		entries, err := os.ReadDir(filepath.Join(dir, "dirty"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	}

	stable, err := m.IsChunkStable(42)
	require.NoError(t, err)
	assert.True(t, stable)
	ver, err := m.GetChunkVersion(42)
	require.NoError(t, err)
	assert.Equal(t, types.Version(1), ver)

	got, err := m.ReadChunk(42, 1, 0, 1<<20)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "read-back differs from written bytes")

	env.checkInvariants(t)
}

func TestRestartDiscardsUnstable(t *testing.T) {
	env := newTestEnv(t, 1)
	m := env.m

	require.NoError(t, m.AllocChunk(7, 42, 1))
	_, err := m.WriteChunk(42, 1, 0, make([]byte, 65536))
	require.NoError(t, err)

	// Crash: no stabilization, no clean shutdown beyond closing fds.
	m.Shutdown(time.Second)

	m2env := restartOver(t, env.dirs)
	assert.Equal(t, 0, m2env.m.ChunkCount())
	_, err = m2env.m.GetChunkInfo(42)
	assert.ErrorIs(t, err, ErrChunkNotFound)

	entries, err := os.ReadDir(filepath.Join(env.dirs[0], "dirty"))
	require.NoError(t, err)
	assert.Empty(t, entries, "dirty chunks must not survive restart")

	report := m2env.m.HostedChunks()
	assert.Empty(t, report.Stable)
	assert.Empty(t, report.NotStable)
	assert.Empty(t, report.NotStableAppend)
}

func TestRestartKeepsStable(t *testing.T) {
	env := newTestEnv(t, 1)
	m := env.m

	payload := make([]byte, 3*65536)
	rand.New(rand.NewSource(3)).Read(payload)
	require.NoError(t, m.AllocChunk(7, 42, 5))
	_, err := m.WriteChunk(42, 5, 0, payload)
	require.NoError(t, err)
	require.NoError(t, m.MakeChunkStable(42, 5))
	m.Shutdown(time.Second)

	env2 := restartOver(t, env.dirs)
	m2 := env2.m
	require.Equal(t, 1, m2.ChunkCount())

	info, err := m2.GetChunkInfo(42)
	require.NoError(t, err)
	assert.Equal(t, types.FileID(7), info.FileID)
	assert.Equal(t, types.Version(5), info.Version)
	assert.Equal(t, int64(3*65536), info.Size)

	stable, err := m2.IsChunkStable(42)
	require.NoError(t, err)
	assert.True(t, stable)

	// Read-back across restart verifies the stored checksums too.
	got, err := m2.ReadChunk(42, 5, 0, int64(len(payload)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	env2.checkInvariants(t)
}

// restartOver builds a fresh manager over existing directories, as a
// process restart would.
func restartOver(t *testing.T, dirs []string) *testEnv {
	t.Helper()
	env := &testEnv{dirs: dirs, mc: &recordingMeta{}}

	cfg := testConfigOver(t, dirs)
	env.m = NewManager(cfg, env.mc, nil, zaptestLogger(t))
	env.m.rng = rand.New(rand.NewSource(1))

	pd := make([]*dircheck.Dir, len(dirs))
	for i, dir := range dirs {
		pd[i] = &dircheck.Dir{Path: dir, Device: types.DeviceID(i + 1)}
	}
	require.NoError(t, env.m.AdoptDirs(pd))
	t.Cleanup(func() { env.m.Shutdown(time.Second) })
	return env
}

func TestDeleteChunk(t *testing.T) {
	env := newTestEnv(t, 1)
	m := env.m

	require.NoError(t, m.AllocChunk(7, 42, 1))
	_, err := m.WriteChunk(42, 1, 0, make([]byte, 65536))
	require.NoError(t, err)

	require.NoError(t, m.DeleteChunk(42))
	_, err = m.GetChunkInfo(42)
	assert.ErrorIs(t, err, ErrChunkNotFound)
	assert.Equal(t, int64(0), m.UsedSpace())

	// The background disposal removes the file.
	require.Eventually(t, func() bool {
		path, _ := findChunkFile(t, env.dirs, "7.42.0")
		return path == ""
	}, 5*time.Second, time.Millisecond)

	assert.ErrorIs(t, m.DeleteChunk(42), ErrChunkNotFound)
	env.checkInvariants(t)
}

func TestAllocDuplicate(t *testing.T) {
	env := newTestEnv(t, 1)
	require.NoError(t, env.m.AllocChunk(7, 42, 1))
	assert.ErrorIs(t, env.m.AllocChunk(7, 42, 1), ErrChunkExists)
	assert.ErrorIs(t, env.m.AllocChunk(8, 42, 2), ErrChunkExists)
}

func TestHostedChunksPartitions(t *testing.T) {
	env := newTestEnv(t, 2)
	m := env.m

	require.NoError(t, m.AllocChunk(1, 10, 1))
	require.NoError(t, m.AllocChunk(1, 11, 1))
	require.NoError(t, m.AllocChunkForAppend(2, 12, 1))
	_, err := m.WriteChunk(10, 1, 0, make([]byte, 65536))
	require.NoError(t, err)
	require.NoError(t, m.MakeChunkStable(10, 1))

	report := m.HostedChunks()
	require.Len(t, report.Stable, 1)
	assert.Equal(t, types.ChunkID(10), report.Stable[0].ChunkID)
	require.Len(t, report.NotStable, 1)
	assert.Equal(t, types.ChunkID(11), report.NotStable[0].ChunkID)
	require.Len(t, report.NotStableAppend, 1)
	assert.Equal(t, types.ChunkID(12), report.NotStableAppend[0].ChunkID)
}

func TestCloseChunkFlushesDirtyHeader(t *testing.T) {
	env := newTestEnv(t, 1)
	m := env.m

	require.NoError(t, m.AllocChunk(7, 42, 1))
	_, err := m.WriteChunk(42, 1, 0, make([]byte, 65536))
	require.NoError(t, err)

	h := env.handle(t, 42)
	require.NoError(t, m.CloseChunk(42))

	env.m.mu.Lock()
	assert.Nil(t, h.file)
	assert.False(t, h.metaDirty, "header must be flushed before close")
	env.m.mu.Unlock()

	// The on-disk header now reflects the in-memory state.
	path, _ := findChunkFile(t, env.dirs, "7.42.0")
	require.NotEmpty(t, path)
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	info, err := layout.DecodeHeader(buf[:layout.HeaderSize], true)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkID(42), info.ChunkID)
	assert.Equal(t, int64(65536), info.Size)
	env.checkInvariants(t)
}

func TestInactiveFdCleanup(t *testing.T) {
	env := newTestEnv(t, 1)
	m := env.m

	require.NoError(t, m.AllocChunk(7, 42, 1))
	_, err := m.WriteChunk(42, 1, 0, make([]byte, 65536))
	require.NoError(t, err)
	require.NoError(t, m.MakeChunkStable(42, 1))

	h := env.handle(t, 42)
	m.mu.Lock()
	h.lastIO = time.Now().Add(-time.Hour)
	m.cleanupInactiveFdsLocked(time.Now())
	m.mu.Unlock()

	// First pass queues the header flush when dirty, second closes; a
	// stabilized chunk is clean so one pass suffices.
	env.waitCond(t, func() bool { return h.file == nil })
	assert.Equal(t, 0, m.openFdCount())

	// The chunk reopens transparently on the next read.
	_, err = m.ReadChunk(42, 1, 0, 100)
	require.NoError(t, err)
	env.checkInvariants(t)
}

func TestSpaceAccounting(t *testing.T) {
	env := newTestEnv(t, 2)
	m := env.m

	require.NoError(t, m.AllocChunk(7, 42, 1))
	_, err := m.WriteChunk(42, 1, 0, make([]byte, 2*65536))
	require.NoError(t, err)
	assert.Equal(t, int64(2*65536), m.UsedSpace())

	// Overlapping rewrite grows nothing.
	_, err = m.WriteChunk(42, 1, 65536, make([]byte, 65536))
	require.NoError(t, err)
	assert.Equal(t, int64(2*65536), m.UsedSpace())

	require.NoError(t, m.TruncateChunk(42, 1, 65536))
	assert.Equal(t, int64(65536), m.UsedSpace())

	require.NoError(t, m.DeleteChunk(42))
	assert.Equal(t, int64(0), m.UsedSpace())
}

func TestWriteBeyondCapacityRejected(t *testing.T) {
	env := newTestEnv(t, 1)
	m := env.m
	m.cfg.TotalSpace = 65536

	require.NoError(t, m.AllocChunk(7, 42, 1))
	_, err := m.WriteChunk(42, 1, 0, make([]byte, 2*65536))
	assert.ErrorIs(t, err, ErrNoSpace)

	_, err = m.WriteChunk(42, 1, 0, make([]byte, 65536))
	assert.NoError(t, err)
}
