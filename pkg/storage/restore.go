package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"strata/pkg/diskio"
	"strata/pkg/layout"
	"strata/pkg/types"

	"go.uber.org/zap"
)

// Restart restore. Unstable chunks do not survive a crash: everything
// under dirty/ is deleted unconditionally. The directory root
// is then scanned; every well-formed chunk file within size bounds becomes
// a stable table entry with its metadata marked clean. Headers are not
// read here except to validate oversize files; checksums load lazily on
// first access.

// restoreDir scans one adopted directory. Runs on the startup path before
// the directory enters service, so direct syscalls are fine here.
func (m *Manager) restoreDir(d *chunkDir) error {
	total, avail, err := diskio.StatFs(d.path)
	if err != nil {
		return fmt.Errorf("statfs failed: %w", err)
	}
	d.totalSpace = total
	d.availableSpace = avail

	if err := m.purgeDirtyChunks(d); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(d.path, m.cfg.StaleChunksDir), 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", m.cfg.StaleChunksDir, err)
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("failed to scan chunk directory: %w", err)
	}

	reserved := map[string]bool{
		m.cfg.DirLockName:          true,
		m.cfg.EvacuateFileName:     true,
		m.cfg.EvacuateDoneFileName: true,
		m.cfg.DirtyChunksDir:       true,
		m.cfg.StaleChunksDir:       true,
	}

	restored, rejected := 0, 0
	for _, entry := range entries {
		name := entry.Name()
		if reserved[name] || name[0] == '.' {
			continue
		}
		if entry.IsDir() {
			m.log.Warn("unexpected subdirectory in chunk directory",
				zap.String("dir", d.path), zap.String("name", name))
			continue
		}

		fileID, chunkID, version, perr := layout.ParseChunkFileName(name)
		if perr != nil {
			m.log.Warn("unrecognized file in chunk directory",
				zap.String("dir", d.path), zap.String("name", name))
			rejected++
			m.disposeRestoreReject(d, name)
			continue
		}

		fi, serr := entry.Info()
		if serr != nil {
			continue
		}

		size, ok := m.validateRestoredFile(d, name, fi.Size())
		if !ok {
			rejected++
			continue
		}

		m.mu.Lock()
		if _, dup := m.chunks[chunkID]; dup {
			m.mu.Unlock()
			m.log.Warn("duplicate chunk file",
				zap.String("dir", d.path),
				zap.String("name", name),
				zap.Int64("chunk", int64(chunkID)))
			rejected++
			m.disposeRestoreReject(d, name)
			continue
		}
		h := &Handle{
			Info: types.ChunkInfo{
				FileID:  fileID,
				ChunkID: chunkID,
				Version: version,
				Size:    size,
			},
			dir:         d,
			stable:      true,
			diskStable:  true,
			diskVersion: version,
			lastIO:      m.now(),
		}
		m.chunks[chunkID] = h
		d.addLive(h)
		d.usedSpace += size
		m.usedSpace += size
		m.mu.Unlock()
		restored++
	}

	m.log.Info("chunk directory restored",
		zap.String("dir", d.path),
		zap.Int("chunks", restored),
		zap.Int("rejected", rejected))
	return nil
}

// purgeDirtyChunks deletes every file under dirty/.
func (m *Manager) purgeDirtyChunks(d *chunkDir) error {
	dirtyPath := filepath.Join(d.path, m.cfg.DirtyChunksDir)
	entries, err := os.ReadDir(dirtyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dirtyPath, 0750)
		}
		return fmt.Errorf("failed to scan dirty directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(dirtyPath, entry.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove dirty chunk %s: %w", path, err)
		}
		m.log.Info("discarded dirty chunk", zap.String("path", path))
	}
	return nil
}

// validateRestoredFile bounds-checks a parsed chunk file and returns its
// payload size. Oversize files get their header read, verified, and the
// file truncated back to the header's recorded size.
func (m *Manager) validateRestoredFile(d *chunkDir, name string, fileSize int64) (int64, bool) {
	path := filepath.Join(d.path, name)

	if fileSize < layout.HeaderSize {
		m.log.Warn("chunk file shorter than header",
			zap.String("path", path), zap.Int64("size", fileSize))
		m.disposeRestoreReject(d, name)
		return 0, false
	}
	if fileSize <= layout.HeaderSize+layout.ChunkSize {
		return fileSize - layout.HeaderSize, true
	}

	// Oversize: trust the header, then cut the file back.
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		m.disposeRestoreReject(d, name)
		return 0, false
	}
	defer f.Close()

	buf := make([]byte, layout.HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		m.disposeRestoreReject(d, name)
		return 0, false
	}
	info, err := layout.DecodeHeader(buf, m.cfg.RequireChunkHeaderChecksum)
	if err != nil {
		m.log.Warn("oversize chunk file with invalid header",
			zap.String("path", path), zap.Error(err))
		m.disposeRestoreReject(d, name)
		return 0, false
	}
	if err := f.Truncate(layout.HeaderSize + info.Size); err != nil {
		m.disposeRestoreReject(d, name)
		return 0, false
	}
	m.log.Warn("truncated oversize chunk file",
		zap.String("path", path),
		zap.Int64("from", fileSize),
		zap.Int64("to", layout.HeaderSize+info.Size))
	return info.Size, true
}

// disposeRestoreReject removes a rejected file, or quarantines it in the
// stale-chunks subdirectory unless forced deletion or full directory
// cleanup is configured.
func (m *Manager) disposeRestoreReject(d *chunkDir, name string) {
	path := filepath.Join(d.path, name)
	if m.cfg.ForceDeleteStaleChunks || m.cfg.CleanupChunkDirs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove rejected chunk file",
				zap.String("path", path), zap.Error(err))
		}
		return
	}
	dest := filepath.Join(d.path, m.cfg.StaleChunksDir, name)
	if err := os.Rename(path, dest); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to quarantine rejected chunk file",
			zap.String("path", path), zap.Error(err))
	}
}
