package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"strata/pkg/layout"
	"strata/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedChunkFile drops a raw chunk file with a valid header directly into a
// directory, as a previous process incarnation would have left it.
func seedChunkFile(t *testing.T, dir string, fileID types.FileID, chunkID types.ChunkID,
	version types.Version, payload []byte) string {
	t.Helper()
	info := types.ChunkInfo{
		FileID:  fileID,
		ChunkID: chunkID,
		Version: version,
		Size:    int64(len(payload)),
	}
	buf := append(layout.EncodeHeader(info), payload...)
	path := filepath.Join(dir, layout.ChunkFileName(fileID, chunkID, version))
	require.NoError(t, os.WriteFile(path, buf, 0640))
	return path
}

func TestRestorePurgesDirty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dirty"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dirty", "7.42.0"), make([]byte, 1000), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dirty", "9.43.0"), make([]byte, 2000), 0640))

	env := restartOver(t, []string{dir})
	assert.Equal(t, 0, env.m.ChunkCount())

	entries, err := os.ReadDir(filepath.Join(dir, "dirty"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreLoadsStableChunks(t *testing.T) {
	dir := t.TempDir()
	seedChunkFile(t, dir, 7, 42, 3, make([]byte, 65536))
	seedChunkFile(t, dir, 7, 43, 1, make([]byte, 1000))

	env := restartOver(t, []string{dir})
	m := env.m
	require.Equal(t, 2, m.ChunkCount())

	info, err := m.GetChunkInfo(42)
	require.NoError(t, err)
	assert.Equal(t, types.Version(3), info.Version)
	assert.Equal(t, int64(65536), info.Size)

	stable, err := m.IsChunkStable(43)
	require.NoError(t, err)
	assert.True(t, stable)

	assert.Equal(t, int64(66536), m.UsedSpace())
	env.checkInvariants(t)
}

func TestRestoreRejectsMalformedNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-chunk"), make([]byte, layout.HeaderSize), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7.42"), make([]byte, layout.HeaderSize), 0640))
	seedChunkFile(t, dir, 7, 42, 1, make([]byte, 100))

	env := restartOver(t, []string{dir})
	assert.Equal(t, 1, env.m.ChunkCount())

	// Rejects land in lost+found under the default policy.
	entries, err := os.ReadDir(filepath.Join(dir, "lost+found"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRestoreRejectsUndersizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, layout.ChunkFileName(7, 42, 1))
	require.NoError(t, os.WriteFile(path, make([]byte, layout.HeaderSize-1), 0640))

	env := restartOver(t, []string{dir})
	assert.Equal(t, 0, env.m.ChunkCount())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreTruncatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 1000)
	path := seedChunkFile(t, dir, 7, 42, 1, payload)

	// Grow the file past header+chunksize; the header still records 1000.
	f, err := os.OpenFile(path, os.O_WRONLY, 0640)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(layout.HeaderSize+layout.ChunkSize+1))
	require.NoError(t, f.Close())

	env := restartOver(t, []string{dir})
	require.Equal(t, 1, env.m.ChunkCount())

	info, err := env.m.GetChunkInfo(42)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Size)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(layout.HeaderSize+1000), fi.Size())
}

func TestRestoreDuplicateChunkKeepsFirst(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	seedChunkFile(t, dirA, 7, 42, 1, make([]byte, 100))
	seedChunkFile(t, dirB, 7, 42, 2, make([]byte, 200))

	env := restartOver(t, []string{dirA, dirB})
	require.Equal(t, 1, env.m.ChunkCount())

	// One of the two loaded; the other was quarantined.
	var quarantined int
	for _, dir := range []string{dirA, dirB} {
		if entries, err := os.ReadDir(filepath.Join(dir, "lost+found")); err == nil {
			quarantined += len(entries)
		}
	}
	assert.Equal(t, 1, quarantined)
}

func TestRestoreMetaCleanAfterLoad(t *testing.T) {
	dir := t.TempDir()
	seedChunkFile(t, dir, 7, 42, 1, make([]byte, 100))

	env := restartOver(t, []string{dir})
	h := env.handle(t, 42)

	env.m.mu.Lock()
	assert.False(t, h.metaDirty)
	assert.False(t, h.checksumsLoaded, "checksums load lazily, not at restore")
	assert.True(t, h.diskStable)
	assert.Equal(t, types.Version(1), h.diskVersion)
	env.m.mu.Unlock()
}

func TestRestoreSchedulesEvacuation(t *testing.T) {
	dir := t.TempDir()
	seedChunkFile(t, dir, 7, 42, 1, make([]byte, 100))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evacuate"), nil, 0644))

	env := restartOver(t, []string{dir})
	// AdoptDirs saw no Evacuate flag (we bypass the prober), but the next
	// directory check picks the sentinel up.
	env.m.Tick()

	require.Eventually(t, func() bool {
		return len(env.mc.evacuateRequests()) > 0
	}, 5*time.Second, time.Millisecond)

	reqs := env.mc.evacuateRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, []types.ChunkID{42}, reqs[0].ChunkIDs)
}
